package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"github.com/KevoDB/kvjournal/pkg/common/log"
	"github.com/KevoDB/kvjournal/pkg/config"
	"github.com/KevoDB/kvjournal/pkg/registry"
	"github.com/KevoDB/kvjournal/pkg/telemetry"
)

// Options holds the command line settings
type Options struct {
	ServerMode  bool
	ConfigFile  string
	DataDir     string
	ListenAddr  string
	LogLevel    string
	TLSEnabled  bool
	TLSCertFile string
	TLSKeyFile  string
	TLSCAFile   string
}

func main() {
	opts := parseFlags()

	logger := log.GetDefaultLogger()
	reg, cfg, tel, err := setup(opts, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tel.Shutdown(ctx); err != nil {
			logger.Warn("Telemetry shutdown failed: %v", err)
		}
	}()

	if opts.ServerMode {
		if err := runServer(reg, cfg, opts, logger); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			reg.Close()
			os.Exit(1)
		}
		return
	}

	runInteractive(newSession(reg, cfg, tel, logger, os.Stdout))
}

// parseFlags parses command line flags and returns the Options
func parseFlags() Options {
	flag.Usage = func() {
		out := flag.CommandLine.Output()
		fmt.Fprintf(out, "kvjournal - typed key-value stores on an append-oriented journal\n\n")
		fmt.Fprintf(out, "Usage: kvjournal [options] [data_dir]\n\n")
		fmt.Fprintf(out, "By default, kvjournal runs in interactive mode with a command-line interface.\n")
		fmt.Fprintf(out, "If -server flag is provided, kvjournal runs as a server exposing a gRPC API.\n\n")
		fmt.Fprintf(out, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(out, "\nFor the interactive commands, start kvjournal and type .help\n")
	}

	serverMode := flag.Bool("server", false, "Run in server mode, exposing a gRPC API")
	configFile := flag.String("config", "", "Configuration file (json, yaml or toml), reloaded on change")
	listenAddr := flag.String("address", "", "Address to listen on in server mode (default from config)")
	logLevel := flag.String("log-level", "", "Log level: debug, info, warn, error")

	tlsEnabled := flag.Bool("tls", false, "Enable TLS for secure connections")
	tlsCertFile := flag.String("cert", "", "TLS certificate file path")
	tlsKeyFile := flag.String("key", "", "TLS private key file path")
	tlsCAFile := flag.String("ca", "", "TLS CA certificate file for client verification")

	flag.Parse()

	var dataDir string
	if flag.NArg() > 0 {
		dataDir = flag.Arg(0)
	}

	return Options{
		ServerMode:  *serverMode,
		ConfigFile:  *configFile,
		DataDir:     dataDir,
		ListenAddr:  *listenAddr,
		LogLevel:    *logLevel,
		TLSEnabled:  *tlsEnabled,
		TLSCertFile: *tlsCertFile,
		TLSKeyFile:  *tlsKeyFile,
		TLSCAFile:   *tlsCAFile,
	}
}

// loadOptions turns command line settings into config overrides. Without a
// data directory or config file, stores default to memory.
func loadOptions(opts Options) []config.LoadOption {
	var lo []config.LoadOption
	if opts.DataDir != "" {
		lo = append(lo, config.WithOverride("data_dir", opts.DataDir))
	} else if opts.ConfigFile == "" && os.Getenv(config.EnvPrefix+"_DATA_DIR") == "" {
		lo = append(lo, config.WithOverride("default_mode", string(config.InMemory)))
	}
	if opts.ListenAddr != "" {
		lo = append(lo, config.WithOverride("listen_addr", opts.ListenAddr))
	}
	if opts.LogLevel != "" {
		lo = append(lo, config.WithOverride("log_level", opts.LogLevel))
	}
	return lo
}

// setup loads the configuration, then opens the registry and the stores of
// its catalog. With a config file, later edits update the store defaults.
func setup(opts Options, logger *log.StandardLogger) (*registry.Registry, *config.Config, telemetry.Telemetry, error) {
	var current atomic.Pointer[registry.Registry]
	var cfg *config.Config
	var err error

	if opts.ConfigFile != "" {
		cfg, err = config.Watch(opts.ConfigFile, logger, func(next *config.Config) {
			reg := current.Load()
			if reg == nil {
				return
			}
			if err := reg.UpdateDefaults(next); err != nil {
				logger.Warn("Failed to apply config change: %v", err)
			}
			applyLogLevel(logger, next.LogLevel)
		}, loadOptions(opts)...)
	} else {
		cfg, err = config.Load("", loadOptions(opts)...)
	}
	if err != nil {
		return nil, nil, nil, err
	}
	applyLogLevel(logger, cfg.LogLevel)

	tel, err := telemetry.New(cfg.Telemetry)
	if err != nil {
		return nil, nil, nil, err
	}

	reg, err := registry.New(cfg, registry.WithLogger(logger), registry.WithTelemetry(tel))
	if err != nil {
		return nil, nil, nil, err
	}
	current.Store(reg)
	if _, err := reg.OpenCatalog(); err != nil {
		logger.Warn("Some stores could not be reopened: %v", err)
	}
	return reg, cfg, tel, nil
}

func applyLogLevel(logger *log.StandardLogger, name string) {
	level, err := log.ParseLevel(name)
	if err != nil {
		logger.Warn("Unknown log level %q, keeping %s", name, logger.GetLevel())
		return
	}
	logger.SetLevel(level)
}

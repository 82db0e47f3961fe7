package config

import (
	"fmt"
	"strings"

	"github.com/KevoDB/kvjournal/pkg/common/log"
	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// EnvPrefix is the prefix of environment overrides, e.g. KVJOURNAL_DATA_DIR
const EnvPrefix = "KVJOURNAL"

func newViper() *viper.Viper {
	v := viper.New()
	d := NewDefaultConfig("")

	v.SetDefault("version", d.Version)
	v.SetDefault("data_dir", d.DataDir)
	v.SetDefault("default_mode", string(d.DefaultMode))
	v.SetDefault("default_size_mb", d.DefaultSizeMB)
	v.SetDefault("default_index_size_mb", d.DefaultIndexSizeMB)
	v.SetDefault("reuse_existing", d.ReuseExisting)
	v.SetDefault("journal_grow_mb", d.JournalGrowMB)
	v.SetDefault("index_grow_mb", d.IndexGrowMB)
	v.SetDefault("load_factor_limit", d.LoadFactorLimit)
	v.SetDefault("log_level", d.LogLevel)
	v.SetDefault("listen_addr", d.ListenAddr)

	v.SetDefault("telemetry.service_name", d.Telemetry.ServiceName)
	v.SetDefault("telemetry.service_version", d.Telemetry.ServiceVersion)
	v.SetDefault("telemetry.enabled", d.Telemetry.Enabled)
	v.SetDefault("telemetry.exporters", d.Telemetry.Exporters)
	v.SetDefault("telemetry.sample_rate", d.Telemetry.SampleRate)
	v.SetDefault("telemetry.otlp_endpoint", d.Telemetry.OTLPEndpoint)
	v.SetDefault("telemetry.otlp_insecure", d.Telemetry.OTLPInsecure)
	v.SetDefault("telemetry.export_timeout", d.Telemetry.ExportTimeout)
	v.SetDefault("telemetry.batch_timeout", d.Telemetry.BatchTimeout)
	v.SetDefault("telemetry.max_queue_size", d.Telemetry.MaxQueueSize)
	v.SetDefault("telemetry.max_export_batch_size", d.Telemetry.MaxExportBatchSize)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

func decode(v *viper.Viper) (*Config, error) {
	cfg := NewDefaultConfig("")
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if mode, err := ParseStorageMode(string(cfg.DefaultMode)); err == nil {
		cfg.DefaultMode = mode
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadOption adjusts the loader before the configuration is decoded
type LoadOption func(*viper.Viper)

// WithOverride forces key to value, ahead of the file and the environment.
// Command line flags use it.
func WithOverride(key string, value interface{}) LoadOption {
	return func(v *viper.Viper) {
		v.Set(key, value)
	}
}

// Load reads the configuration file at path, if any, applies KVJOURNAL_*
// environment overrides on top, and validates the result.
// Any format viper understands (json, yaml, toml) is accepted.
func Load(path string, opts ...LoadOption) (*Config, error) {
	v := newViper()
	for _, opt := range opts {
		opt(v)
	}
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}
	return decode(v)
}

// Watch loads the file at path and calls fn with a freshly decoded
// configuration every time the file changes. Invalid revisions are logged and skipped.
func Watch(path string, logger log.Logger, fn func(*Config), opts ...LoadOption) (*Config, error) {
	logger = log.OrDefault(logger)

	v := newViper()
	for _, opt := range opts {
		opt(v)
	}
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	cfg, err := decode(v)
	if err != nil {
		return nil, err
	}

	v.OnConfigChange(reloadHandler(v, logger, fn))
	v.WatchConfig()
	return cfg, nil
}

func reloadHandler(v *viper.Viper, logger log.Logger, fn func(*Config)) func(fsnotify.Event) {
	return func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		cfg, err := decode(v)
		if err != nil {
			logger.Warn("Ignoring invalid config change in %s: %v", e.Name, err)
			return
		}
		logger.Info("Config file %s changed, reloaded", e.Name)
		fn(cfg)
	}
}

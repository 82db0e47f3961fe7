package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"unicode"

	"github.com/chzyer/readline"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/KevoDB/kvjournal/pkg/common/iterator/filtered"
	"github.com/KevoDB/kvjournal/pkg/common/log"
	"github.com/KevoDB/kvjournal/pkg/config"
	"github.com/KevoDB/kvjournal/pkg/record"
	"github.com/KevoDB/kvjournal/pkg/registry"
	"github.com/KevoDB/kvjournal/pkg/snapshot"
	"github.com/KevoDB/kvjournal/pkg/store"
	"github.com/KevoDB/kvjournal/pkg/telemetry"
)

func typeItems() []readline.PrefixCompleterInterface {
	var items []readline.PrefixCompleterInterface
	for t := record.TypeObject; t <= record.TypeBytes; t++ {
		items = append(items, readline.PcItem(t.String()))
	}
	return items
}

// Command completer for readline
var completer = readline.NewPrefixCompleter(
	readline.PcItem(".help"),
	readline.PcItem(".open"),
	readline.PcItem(".create",
		readline.PcItem("memory"),
		readline.PcItem("persisted"),
	),
	readline.PcItem(".use"),
	readline.PcItem(".drop"),
	readline.PcItem(".stores"),
	readline.PcItem(".stats"),
	readline.PcItem(".export"),
	readline.PcItem(".import"),
	readline.PcItem(".exit"),
	readline.PcItem("PUT", typeItems()...),
	readline.PcItem("GET", typeItems()...),
	readline.PcItem("DELETE"),
	readline.PcItem("SCAN"),
)

const helpText = `
kvjournal - typed key-value stores on an append-oriented journal.

Usage:
  kvjournal [options] [data_dir]  - Start with an optional data directory

Options:
  -server                 - Run in server mode, exposing a gRPC API
  -config FILE            - Load settings from FILE and follow its changes
  -address string         - Address to listen on in server mode

Commands (interactive mode only):
  .help                   - Show this help message
  .open DIR               - Reopen the registry on data directory DIR
  .create NAME [MODE] [SIZE_MB] [INDEX_MB]
                          - Create a store; MODE is memory or persisted
  .use NAME               - Select the store the commands below work on
  .drop NAME              - Delete a store and its files
  .stores                 - List the open stores
  .stats [NAME]           - Show store statistics
  .export FILE [CODEC]    - Write a snapshot of the store (none, zstd, snappy, bzip2)
  .import FILE            - Load a snapshot into the store
  .exit                   - Exit the program

  PUT TYPE key value      - Store a value; TYPE is one of
                            text bytes int64 int32 int16 float64 float32 char object
                            (object values are JSON objects)
  GET [TYPE] key          - Retrieve a value, optionally only if it has TYPE
  DELETE key              - Delete a key
  SCAN [prefix]           - List live records in storage order
`

var errNoStore = errors.New("no store selected, use .use NAME")

// session is the state of an interactive run
type session struct {
	reg     *registry.Registry
	cfg     *config.Config
	tel     telemetry.Telemetry
	logger  log.Logger
	out     io.Writer
	current string
}

func newSession(reg *registry.Registry, cfg *config.Config, tel telemetry.Telemetry, logger log.Logger, out io.Writer) *session {
	s := &session{
		reg:    reg,
		cfg:    cfg,
		tel:    tel,
		logger: logger,
		out:    out,
	}
	if names := reg.Names(); len(names) == 1 {
		s.current = names[0]
	}
	return s
}

func (s *session) prompt() string {
	if s.current != "" {
		return fmt.Sprintf("kvjournal:%s> ", s.current)
	}
	return "kvjournal> "
}

func (s *session) store() (*store.Store, error) {
	if s.current == "" {
		return nil, errNoStore
	}
	st, ok := s.reg.GetStore(s.current)
	if !ok {
		return nil, fmt.Errorf("%w: %s", registry.ErrStoreNotFound, s.current)
	}
	return st, nil
}

func (s *session) printf(format string, args ...interface{}) {
	fmt.Fprintf(s.out, format, args...)
}

// execute runs one command line and reports whether the session should end
func (s *session) execute(line string) bool {
	parts := strings.Fields(line)
	if len(parts) == 0 {
		return false
	}

	var err error
	cmd := parts[0]
	if strings.HasPrefix(cmd, ".") {
		switch strings.ToLower(cmd) {
		case ".help":
			s.printf("%s", helpText)
		case ".open":
			err = s.open(parts[1:])
		case ".create":
			err = s.create(parts[1:])
		case ".use":
			err = s.use(parts[1:])
		case ".drop":
			err = s.drop(parts[1:])
		case ".stores":
			s.stores()
		case ".stats":
			err = s.stats(parts[1:])
		case ".export":
			err = s.export(parts[1:])
		case ".import":
			err = s.importFile(parts[1:])
		case ".exit":
			if err := s.reg.Close(); err != nil {
				s.printf("Error closing stores: %v\n", err)
			}
			s.printf("Goodbye!\n")
			return true
		default:
			err = fmt.Errorf("unknown command %s, try .help", cmd)
		}
	} else {
		switch strings.ToUpper(cmd) {
		case "PUT":
			err = s.put(line)
		case "GET":
			err = s.get(parts[1:])
		case "DELETE":
			err = s.remove(parts[1:])
		case "SCAN":
			err = s.scan(parts[1:])
		default:
			err = fmt.Errorf("unknown command %s, try .help", cmd)
		}
	}

	if err != nil {
		s.printf("Error: %v\n", err)
	}
	return false
}

func (s *session) open(args []string) error {
	if len(args) != 1 {
		return errors.New("usage: .open DIR")
	}
	dir, err := filepath.Abs(args[0])
	if err != nil {
		return err
	}

	if err := s.reg.Close(); err != nil {
		s.printf("Error closing stores: %v\n", err)
	}
	s.cfg.Update(func(c *config.Config) {
		c.DataDir = dir
		c.DefaultMode = config.Persisted
	})
	reg, err := registry.New(s.cfg, registry.WithLogger(s.logger), registry.WithTelemetry(s.tel))
	if err != nil {
		return err
	}
	s.reg = reg
	s.current = ""

	opened, err := reg.OpenCatalog()
	if err != nil {
		s.printf("Warning: %v\n", err)
	}
	s.printf("Opened %s with %d stores\n", dir, len(opened))
	if len(opened) == 1 {
		s.current = opened[0]
	}
	return nil
}

func (s *session) create(args []string) error {
	if len(args) < 1 || len(args) > 4 {
		return errors.New("usage: .create NAME [MODE] [SIZE_MB] [INDEX_MB]")
	}

	var mode config.StorageMode
	if len(args) > 1 {
		m, err := config.ParseStorageMode(args[1])
		if err != nil {
			return err
		}
		mode = m
	}
	sizes := make([]int, 2)
	for i, a := range args[min(len(args), 2):] {
		n, err := strconv.Atoi(a)
		if err != nil {
			return fmt.Errorf("invalid size %q", a)
		}
		sizes[i] = n
	}

	st, err := s.reg.CreateStore(args[0], mode, sizes[0], sizes[1])
	if err != nil {
		return err
	}
	s.current = st.Name()
	s.printf("Store %s created (%s)\n", st.Name(), st.Config().Mode)
	return nil
}

func (s *session) use(args []string) error {
	if len(args) != 1 {
		return errors.New("usage: .use NAME")
	}
	if _, ok := s.reg.GetStore(args[0]); !ok {
		return fmt.Errorf("%w: %s", registry.ErrStoreNotFound, args[0])
	}
	s.current = args[0]
	return nil
}

func (s *session) drop(args []string) error {
	if len(args) != 1 {
		return errors.New("usage: .drop NAME")
	}
	if err := s.reg.DeleteStore(args[0]); err != nil {
		return err
	}
	if s.current == args[0] {
		s.current = ""
	}
	s.printf("Store %s deleted\n", args[0])
	return nil
}

func (s *session) stores() {
	names := s.reg.Names()
	if len(names) == 0 {
		s.printf("No stores\n")
		return
	}
	for _, name := range names {
		marker := " "
		if name == s.current {
			marker = "*"
		}
		s.printf("%s %s\n", marker, name)
	}
}

func (s *session) stats(args []string) error {
	var st *store.Store
	var err error
	if len(args) > 0 {
		var ok bool
		if st, ok = s.reg.GetStore(args[0]); !ok {
			return fmt.Errorf("%w: %s", registry.ErrStoreNotFound, args[0])
		}
	} else if st, err = s.store(); err != nil {
		return err
	}

	m := st.Stats().Map()
	ops := st.Collector().GetStats()
	for k, v := range ops {
		if strings.HasSuffix(k, "_ops") {
			m[k] = v
		}
	}

	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		s.printf("  %-14s %v\n", k, m[k])
	}
	return nil
}

func (s *session) export(args []string) error {
	if len(args) < 1 || len(args) > 2 {
		return errors.New("usage: .export FILE [CODEC]")
	}
	st, err := s.store()
	if err != nil {
		return err
	}
	codec := snapshot.CodecZstd
	if len(args) == 2 {
		if codec, err = snapshot.ParseCodec(args[1]); err != nil {
			return err
		}
	}

	f, err := os.Create(args[0])
	if err != nil {
		return err
	}
	info, err := snapshot.Export(st, f, codec)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return err
	}
	s.printf("Exported %d records to %s (%s)\n", info.Records, args[0], codec)
	return nil
}

func (s *session) importFile(args []string) error {
	if len(args) != 1 {
		return errors.New("usage: .import FILE")
	}
	st, err := s.store()
	if err != nil {
		return err
	}

	f, err := os.Open(args[0])
	if err != nil {
		return err
	}
	defer f.Close()

	info, err := snapshot.Import(st, f)
	if err != nil {
		return err
	}
	s.printf("Imported %d records from %s\n", info.Records, args[0])
	return nil
}

// put handles PUT TYPE key value. The value is the rest of the line, so text
// and JSON values may contain spaces.
func (s *session) put(line string) error {
	fields, text := cutFields(line, 3)
	if len(fields) < 3 || text == "" {
		return errors.New("usage: PUT TYPE key value")
	}
	st, err := s.store()
	if err != nil {
		return err
	}
	t, err := record.ParseType(strings.ToLower(fields[1]))
	if err != nil {
		return err
	}
	key := fields[2]

	var value []byte
	if t == record.TypeObject {
		var obj structpb.Struct
		if err := protojson.Unmarshal([]byte(text), &obj); err != nil {
			return fmt.Errorf("object values must be JSON objects: %w", err)
		}
		if value, err = record.EncodeObject(&obj); err != nil {
			return err
		}
	} else if value, err = record.ParseValue(t, text); err != nil {
		return err
	}

	if err := st.PutRaw(key, t, value); err != nil {
		return err
	}
	s.printf("Value stored\n")
	return nil
}

func (s *session) get(args []string) error {
	if len(args) < 1 || len(args) > 2 {
		return errors.New("usage: GET [TYPE] key")
	}
	st, err := s.store()
	if err != nil {
		return err
	}

	var t record.Type
	var value []byte
	if len(args) == 2 {
		if t, err = record.ParseType(strings.ToLower(args[0])); err != nil {
			return err
		}
		value, err = st.GetRawAs(args[1], t)
	} else {
		t, value, err = st.GetRaw(args[0])
	}
	if errors.Is(err, store.ErrKeyNotFound) {
		s.printf("Key not found\n")
		return nil
	}
	if err != nil {
		return err
	}
	s.printf("%s (%s)\n", formatValue(t, value), t)
	return nil
}

func (s *session) remove(args []string) error {
	if len(args) != 1 {
		return errors.New("usage: DELETE key")
	}
	st, err := s.store()
	if err != nil {
		return err
	}
	if err := st.Remove(args[0]); errors.Is(err, store.ErrKeyNotFound) {
		s.printf("Key not found\n")
		return nil
	} else if err != nil {
		return err
	}
	s.printf("Key deleted\n")
	return nil
}

func (s *session) scan(args []string) error {
	if len(args) > 1 {
		return errors.New("usage: SCAN [prefix]")
	}
	st, err := s.store()
	if err != nil {
		return err
	}
	var prefix string
	if len(args) == 1 {
		prefix = args[0]
	}

	it := filtered.NewPrefixIterator(st.NewIterator(), prefix)
	count := 0
	for it.SeekToFirst(); it.Valid(); it.Next() {
		s.printf("%s: %s (%s)\n", it.Key(), formatValue(it.Type(), it.Value()), it.Type())
		count++
	}
	s.printf("%d records\n", count)
	return nil
}

// cutFields splits the first n whitespace separated fields off line and
// returns them with the remainder
func cutFields(line string, n int) ([]string, string) {
	rest := strings.TrimSpace(line)
	fields := make([]string, 0, n)
	for len(fields) < n && rest != "" {
		i := strings.IndexFunc(rest, unicode.IsSpace)
		if i < 0 {
			fields = append(fields, rest)
			rest = ""
			break
		}
		fields = append(fields, rest[:i])
		rest = strings.TrimLeftFunc(rest[i:], unicode.IsSpace)
	}
	return fields, rest
}

// formatValue renders objects as JSON and everything else via record.FormatValue
func formatValue(t record.Type, value []byte) string {
	if t != record.TypeObject {
		return record.FormatValue(t, value)
	}
	var obj structpb.Struct
	if err := record.DecodeObject(value, &obj); err != nil {
		return record.FormatValue(t, value)
	}
	b, err := protojson.Marshal(&obj)
	if err != nil {
		return record.FormatValue(t, value)
	}
	return string(b)
}

// runInteractive reads commands until .exit or end of input
func runInteractive(s *session) {
	fmt.Println("kvjournal")
	fmt.Println("Enter .help for usage hints.")

	historyFile := filepath.Join(os.TempDir(), ".kvjournal_history")
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          s.prompt(),
		HistoryFile:     historyFile,
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
		AutoComplete:    completer,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error initializing readline: %s\n", err)
		s.reg.Close()
		os.Exit(1)
	}
	defer rl.Close()

	for {
		rl.SetPrompt(s.prompt())

		line, readErr := rl.Readline()
		if readErr != nil {
			if readErr == readline.ErrInterrupt {
				if len(line) == 0 {
					break
				}
				continue
			} else if readErr == io.EOF {
				break
			}
			fmt.Fprintf(os.Stderr, "Error reading input: %s\n", readErr)
			continue
		}

		if s.execute(line) {
			return
		}
	}
	s.execute(".exit")
}

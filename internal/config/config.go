// Package config loads settings from defaults, an optional YAML file, the
// environment (ANKISTORE_*) and command-line flags, in increasing order of
// precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/spf13/pflag"

	"github.com/conorfennell/ankistore/internal/media"
	"github.com/conorfennell/ankistore/internal/storage"
)

// EnvPrefix starts every environment variable read by Load. Nested keys use
// a double underscore: ANKISTORE_FLUSH__QUIET_PERIOD.
const EnvPrefix = "ANKISTORE_"

// Import holds the package importer settings.
type Import struct {
	MediaWorkers int `koanf:"media_workers" validate:"gte=1,lte=64"`
}

// Config is the complete configuration.
type Config struct {
	DataDir   string              `koanf:"data_dir" validate:"required"`
	MediaDir  string              `koanf:"media_dir"`
	Snapshot  string              `koanf:"snapshot"`
	LogLevel  string              `koanf:"log_level" validate:"oneof=debug info warn error"`
	LogFormat string              `koanf:"log_format" validate:"oneof=text json"`
	Listen    string              `koanf:"listen" validate:"required"`
	Flush     storage.FlushPolicy `koanf:"flush"`
	Import    Import              `koanf:"import"`
	Sources   []string            `koanf:"sources"`
	ReposDir  string              `koanf:"repos_dir"`
}

// Default returns the configuration used when nothing else is set.
func Default() Config {
	return Config{
		DataDir:   "data",
		LogLevel:  "info",
		LogFormat: "text",
		Listen:    "127.0.0.1:8765",
		Flush:     storage.DefaultFlushPolicy,
		Import:    Import{MediaWorkers: 4},
	}
}

// flagKeys maps flag names to configuration keys.
var flagKeys = map[string]string{
	"data-dir":            "data_dir",
	"media-dir":           "media_dir",
	"snapshot":            "snapshot",
	"log-level":           "log_level",
	"log-format":          "log_format",
	"listen":              "listen",
	"flush-quiet-period":  "flush.quiet_period",
	"flush-max-batch-age": "flush.max_batch_age",
	"media-workers":       "import.media_workers",
	"source":              "sources",
	"repos-dir":           "repos_dir",
}

// FlagSet returns the flags Load understands, with defaults from Default.
func FlagSet(name string) *pflag.FlagSet {
	d := Default()
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	fs.String("config", "", "path to a YAML configuration file")
	fs.String("data-dir", d.DataDir, "directory holding the snapshot and media")
	fs.String("media-dir", "", "media directory (default <data-dir>/collection.media)")
	fs.String("snapshot", "", "snapshot file (default <data-dir>/collection.ankistore)")
	fs.String("log-level", d.LogLevel, "debug, info, warn or error")
	fs.String("log-format", d.LogFormat, "text or json")
	fs.String("listen", d.Listen, "address for the HTTP API")
	fs.Duration("flush-quiet-period", d.Flush.QuietPeriod, "save after this long without changes")
	fs.Duration("flush-max-batch-age", d.Flush.MaxBatchAge, "save at the latest this long after the first change")
	fs.Int("media-workers", d.Import.MediaWorkers, "concurrent media extractions during import")
	fs.StringSlice("source", nil, "deck source directory or git URL (repeatable)")
	fs.String("repos-dir", "", "where git sources are cloned (default <data-dir>/repos)")
	return fs
}

// Load parses args and merges every configuration layer. It returns the
// positional arguments left after the flags.
func Load(name string, args []string) (Config, []string, error) {
	fs := FlagSet(name)
	if err := fs.Parse(args); err != nil {
		return Config{}, nil, err
	}

	k := koanf.New(".")
	path, _ := fs.GetString("config")
	if path == "" {
		path = os.Getenv(EnvPrefix + "CONFIG")
	}
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return Config{}, nil, fmt.Errorf("failed to load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.ProviderWithValue(EnvPrefix, ".", envKey), nil); err != nil {
		return Config{}, nil, fmt.Errorf("failed to load environment: %w", err)
	}

	err := k.Load(posflag.ProviderWithFlag(fs, ".", k, func(f *pflag.Flag) (string, any) {
		key, ok := flagKeys[f.Name]
		if !ok {
			return "", nil
		}
		return key, posflag.FlagVal(fs, f)
	}), nil)
	if err != nil {
		return Config{}, nil, fmt.Errorf("failed to load flags: %w", err)
	}

	cfg := Default()
	if err := k.Unmarshal("", &cfg); err != nil {
		return Config{}, nil, fmt.Errorf("failed to decode config: %w", err)
	}
	cfg.fillPaths()
	if err := cfg.Validate(); err != nil {
		return Config{}, nil, err
	}
	return cfg, fs.Args(), nil
}

func envKey(key, value string) (string, any) {
	if key == EnvPrefix+"CONFIG" {
		return "", nil
	}
	key = strings.ToLower(strings.TrimPrefix(key, EnvPrefix))
	key = strings.ReplaceAll(key, "__", ".")
	if key == "sources" {
		var list []string
		for _, s := range strings.Split(value, ",") {
			if s = strings.TrimSpace(s); s != "" {
				list = append(list, s)
			}
		}
		return key, list
	}
	return key, value
}

func (c *Config) fillPaths() {
	if c.MediaDir == "" {
		c.MediaDir = filepath.Join(c.DataDir, "collection.media")
	}
	if c.Snapshot == "" {
		c.Snapshot = filepath.Join(c.DataDir, "collection.ankistore")
	}
	if c.ReposDir == "" {
		c.ReposDir = filepath.Join(c.DataDir, "repos")
	}
}

var validate = validator.New()

// Validate checks every field against its constraints.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s failed %s", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("invalid configuration: %s", strings.Join(msgs, ", "))
		}
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if c.MediaDir == "" {
		return nil
	}
	if err := media.CheckDir(c.MediaDir, c.DataDir, filepath.Dir(c.Snapshot)); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

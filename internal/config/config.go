package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/openmined/dirsync/internal/blob"
	"github.com/openmined/dirsync/internal/dirsync"
	"github.com/openmined/dirsync/internal/utils"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

const (
	EnvPrefix = "DIRSYNC"
	// NodeIndexUnset marks a config without a node index
	NodeIndexUnset = -1
)

var (
	home, _            = os.UserHomeDir()
	DefaultConfigPath  = filepath.Join(home, ".dirsync", "config.yaml")
	DefaultJournalPath = filepath.Join(home, ".dirsync", "journal.db")
	DefaultLogFile     = filepath.Join(home, ".dirsync", "logs", "dirsync.log")
)

var ErrNoRoot = errors.New("root required")

type Config struct {
	Root        string              `mapstructure:"root" yaml:"root"`
	Interval    time.Duration       `mapstructure:"interval" yaml:"interval"`
	NodeIndex   int                 `mapstructure:"node_index" yaml:"node_index"`
	RemoteRoot  string              `mapstructure:"remote_root" yaml:"remote_root,omitempty"`
	DataRoot    string              `mapstructure:"data_root" yaml:"data_root,omitempty"`
	Run         dirsync.RunContext  `mapstructure:"run" yaml:"run,omitempty"`
	Watch       bool                `mapstructure:"watch" yaml:"watch"`
	Ignore      []string            `mapstructure:"ignore" yaml:"ignore,omitempty"`
	JournalPath string              `mapstructure:"journal_path" yaml:"journal_path"`
	Retry       dirsync.RetryPolicy `mapstructure:"retry" yaml:"retry"`
	LogFile     string              `mapstructure:"log_file" yaml:"log_file"`
	Blob        blob.S3Config       `mapstructure:"blob" yaml:"blob"`
	Path        string              `mapstructure:"-" yaml:"-"`
}

// SetDefaults registers every key so environment variables bind even when no file sets them
func SetDefaults(v *viper.Viper) {
	v.SetDefault("root", "")
	v.SetDefault("interval", dirsync.DefaultInterval)
	v.SetDefault("node_index", NodeIndexUnset)
	v.SetDefault("remote_root", "")
	v.SetDefault("data_root", "")
	v.SetDefault("run.flow", "")
	v.SetDefault("run.run_id", "")
	v.SetDefault("watch", false)
	v.SetDefault("ignore", []string{})
	v.SetDefault("journal_path", DefaultJournalPath)
	v.SetDefault("retry.max_attempts", 0)
	v.SetDefault("retry.backoff", time.Second)
	v.SetDefault("log_file", DefaultLogFile)
	v.SetDefault("blob.bucket_name", "")
	v.SetDefault("blob.region", "us-east-1")
	v.SetDefault("blob.access_key", "")
	v.SetDefault("blob.secret_key", "")
	v.SetDefault("blob.endpoint", "")
	v.SetDefault("blob.use_accelerate", false)
}

// NewViper returns a viper instance reading path and DIRSYNC_* environment variables.
// An empty path looks for config.yaml in ~/.dirsync and the working directory.
func NewViper(path string) *viper.Viper {
	v := viper.New()
	SetDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.AddConfigPath(filepath.Dir(DefaultConfigPath))
		v.AddConfigPath(".")
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads the config file, if any, and decodes the merged settings.
// A missing file is not an error.
func Load(v *viper.Viper) (*Config, error) {
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("config read %q: %w", v.ConfigFileUsed(), err)
		}
	}

	var cfg Config
	hook := mapstructure.ComposeDecodeHookFunc(
		secondsToDurationHook(),
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	)
	if err := v.Unmarshal(&cfg, viper.DecodeHook(hook)); err != nil {
		return nil, fmt.Errorf("config decode: %w", err)
	}
	cfg.Path = v.ConfigFileUsed()

	if cfg.Root != "" {
		root, err := utils.ResolvePath(cfg.Root)
		if err != nil {
			return nil, fmt.Errorf("config root: %w", err)
		}
		cfg.Root = root
	}
	if cfg.JournalPath != "" {
		if p, err := utils.ResolvePath(cfg.JournalPath); err == nil {
			cfg.JournalPath = p
		}
	}
	if cfg.LogFile != "" {
		if p, err := utils.ResolvePath(cfg.LogFile); err == nil {
			cfg.LogFile = p
		}
	}

	return &cfg, nil
}

// secondsToDurationHook reads bare numbers as seconds, so "interval: 5" and
// DIRSYNC_INTERVAL=5 both mean five seconds
func secondsToDurationHook() mapstructure.DecodeHookFuncType {
	return func(from reflect.Type, to reflect.Type, data any) (any, error) {
		if to != reflect.TypeOf(time.Duration(0)) {
			return data, nil
		}
		switch n := data.(type) {
		case int:
			return time.Duration(n) * time.Second, nil
		case int64:
			return time.Duration(n) * time.Second, nil
		case float64:
			return time.Duration(n * float64(time.Second)), nil
		case string:
			s := strings.TrimSpace(n)
			if s == "" || strings.Trim(s, "0123456789.") != "" {
				return data, nil
			}
			f, err := strconv.ParseFloat(s, 64)
			if err != nil {
				return nil, fmt.Errorf("invalid duration %q: %w", n, err)
			}
			return time.Duration(f * float64(time.Second)), nil
		}
		return data, nil
	}
}

// NodeIndexPtr returns the node index, or nil when unset
func (c *Config) NodeIndexPtr() *int {
	if c.NodeIndex < 0 {
		return nil
	}
	idx := c.NodeIndex
	return &idx
}

// Resolver returns the location resolver for the configured root
func (c *Config) Resolver() dirsync.LocationResolver {
	return &dirsync.PrecedenceResolver{
		Run:        &c.Run,
		RemoteRoot: c.RemoteRoot,
		DataRoot:   c.DataRoot,
		Root:       c.Root,
	}
}

func (c *Config) Validate() error {
	if c.Root == "" {
		return ErrNoRoot
	}
	if c.Interval <= 0 {
		return fmt.Errorf("interval must be positive, got %s", c.Interval)
	}
	if c.NodeIndex < NodeIndexUnset {
		return fmt.Errorf("node_index must be >= 0, got %d", c.NodeIndex)
	}
	if c.RemoteRoot == "" && c.DataRoot == "" {
		return fmt.Errorf("one of remote_root or data_root required")
	}
	if c.Retry.MaxAttempts < 0 || c.Retry.Backoff < 0 {
		return fmt.Errorf("retry settings must not be negative")
	}
	return nil
}

// Encode writes the config as YAML
func (c *Config) Encode(w io.Writer) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(c); err != nil {
		return err
	}
	return enc.Close()
}

// Save writes the config as YAML to path. The file may hold credentials and is private.
func (c *Config) Save(path string) error {
	if err := utils.EnsureParent(path); err != nil {
		return err
	}

	var buf bytes.Buffer
	if err := c.Encode(&buf); err != nil {
		return err
	}
	return os.WriteFile(path, buf.Bytes(), 0o600)
}

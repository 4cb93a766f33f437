// Package config loads tldrer settings from flags, environment, a .env
// file and an optional YAML file.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/leonletto/tldrer/internal/logging"
)

// EnvPrefix prefixes every environment variable, e.g. TLDRER_ACCOUNT or
// TLDRER_SIGNAL_CLI_PATH.
const EnvPrefix = "TLDRER"

// DefaultConfigFile is read when present and no --config is given.
const DefaultConfigFile = "tldrer.yaml"

// Default values.
const (
	DefaultSignalCLIPath   = "signal-cli"
	DefaultDatabasePath    = "tldrer.db"
	DefaultThreshold       = 70
	DefaultRefreshInterval = 30 * time.Minute
	DefaultSendRate        = 1.0
	DefaultSendBurst       = 3
	DefaultHTTPAddr        = "127.0.0.1:8787"
)

// Config is the resolved configuration.
type Config struct {
	Account   string          `mapstructure:"account" yaml:"account"`
	SignalCLI SignalCLIConfig `mapstructure:"signal_cli" yaml:"signal_cli"`
	Database  DatabaseConfig  `mapstructure:"database" yaml:"database"`
	Resolver  ResolverConfig  `mapstructure:"resolver" yaml:"resolver"`
	Ingest    IngestConfig    `mapstructure:"ingest" yaml:"ingest"`
	RPC       RPCConfig       `mapstructure:"rpc" yaml:"rpc"`
	Send      SendConfig      `mapstructure:"send" yaml:"send"`
	HTTP      HTTPConfig      `mapstructure:"http" yaml:"http"`
	Archive   ArchiveConfig   `mapstructure:"archive" yaml:"archive"`
	Log       LogConfig       `mapstructure:"log" yaml:"log"`
}

// SignalCLIConfig locates the signal-cli executable.
type SignalCLIConfig struct {
	Path string   `mapstructure:"path" yaml:"path"`
	Args []string `mapstructure:"args" yaml:"args"` // extra global arguments, e.g. --config
}

// ArchiveConfig enables the JSONL message archive.
type ArchiveConfig struct {
	Path string `mapstructure:"path" yaml:"path"` // empty disables
}

// DatabaseConfig holds the message store settings.
type DatabaseConfig struct {
	Path string `mapstructure:"path" yaml:"path"`
}

// ResolverConfig tunes conversation name matching.
type ResolverConfig struct {
	Threshold       int           `mapstructure:"threshold" yaml:"threshold"`
	RefreshInterval time.Duration `mapstructure:"refresh_interval" yaml:"refresh_interval"` // 0 disables periodic refresh
}

// IngestConfig bounds inbound event handling.
type IngestConfig struct {
	MaxInFlight int64 `mapstructure:"max_in_flight" yaml:"max_in_flight"` // 0 means unbounded
}

// RPCConfig tunes outbound calls.
type RPCConfig struct {
	CallTimeout time.Duration `mapstructure:"call_timeout" yaml:"call_timeout"` // 0 means no timeout
}

// SendConfig throttles outbound messages.
type SendConfig struct {
	RatePerSecond float64 `mapstructure:"rate_per_second" yaml:"rate_per_second"` // 0 disables throttling
	Burst         int     `mapstructure:"burst" yaml:"burst"`
}

// HTTPConfig configures the event stream and metrics listener.
type HTTPConfig struct {
	Addr string `mapstructure:"addr" yaml:"addr"` // empty disables the listener
}

// LogConfig configures the root logger.
type LogConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
}

// SetDefaults registers every key with its default so environment
// variables bind during Unmarshal.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("account", "")
	v.SetDefault("signal_cli.path", DefaultSignalCLIPath)
	v.SetDefault("signal_cli.args", []string{})
	v.SetDefault("database.path", DefaultDatabasePath)
	v.SetDefault("resolver.threshold", DefaultThreshold)
	v.SetDefault("resolver.refresh_interval", DefaultRefreshInterval)
	v.SetDefault("ingest.max_in_flight", 0)
	v.SetDefault("rpc.call_timeout", time.Duration(0))
	v.SetDefault("send.rate_per_second", DefaultSendRate)
	v.SetDefault("send.burst", DefaultSendBurst)
	v.SetDefault("http.addr", DefaultHTTPAddr)
	v.SetDefault("archive.path", "")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", logging.FormatAuto)
}

// flagKeys maps command-line flags to config keys.
var flagKeys = map[string]string{
	"account":    "account",
	"signal-cli": "signal_cli.path",
	"db":         "database.path",
	"http-addr":  "http.addr",
	"log-level":  "log.level",
	"log-format": "log.format",
}

// RegisterFlags adds the global flags to fs and binds them to v.
func RegisterFlags(v *viper.Viper, fs *pflag.FlagSet) error {
	fs.String("config", "", "Config file path (default "+DefaultConfigFile+" if present)")
	fs.String("env-file", ".env", "Environment file loaded before reading TLDRER_* variables")
	fs.String("account", "", "Signal account number, e.g. +15551234567")
	fs.String("signal-cli", "", "Path to the signal-cli executable")
	fs.String("db", "", "Path to the SQLite message database")
	fs.String("http-addr", "", "Listen address for /events, /metrics and /healthz (empty disables)")
	fs.String("log-level", "", "Log level: trace|debug|info|warn|error")
	fs.String("log-format", "", "Log format: auto|json|console")

	for flag, key := range flagKeys {
		if err := v.BindPFlag(key, fs.Lookup(flag)); err != nil {
			return fmt.Errorf("bind flag %s: %w", flag, err)
		}
	}
	return nil
}

// LoadOptions selects the files Load reads.
type LoadOptions struct {
	ConfigFile string // explicit YAML file; must exist when set
	EnvFile    string // .env file; ignored when missing
	NoValidate bool   // return the configuration even when invalid
}

// Load resolves the configuration in v with the precedence flags, then
// environment (including the .env file), then the config file, then
// defaults. The result is validated.
func Load(v *viper.Viper, opts LoadOptions) (*Config, error) {
	if opts.EnvFile != "" {
		if err := godotenv.Load(opts.EnvFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("load env file %s: %w", opts.EnvFile, err)
		}
	}

	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	switch {
	case opts.ConfigFile != "":
		v.SetConfigFile(opts.ConfigFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", opts.ConfigFile, err)
		}
	default:
		if _, err := os.Stat(DefaultConfigFile); err == nil {
			v.SetConfigFile(DefaultConfigFile)
			if err := v.ReadInConfig(); err != nil {
				return nil, fmt.Errorf("read config %s: %w", DefaultConfigFile, err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if opts.NoValidate {
		return &cfg, nil
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the configuration for values the service cannot run
// with.
func (c *Config) Validate() error {
	var errs []error
	if c.Account == "" {
		errs = append(errs, errors.New("account is required: set --account, TLDRER_ACCOUNT or account in the config file"))
	} else if !strings.HasPrefix(c.Account, "+") {
		errs = append(errs, fmt.Errorf("account must be a phone number starting with +, got %q", c.Account))
	}
	if c.SignalCLI.Path == "" {
		errs = append(errs, errors.New("signal_cli.path must not be empty"))
	}
	if c.Database.Path == "" {
		errs = append(errs, errors.New("database.path must not be empty"))
	}
	if c.Resolver.Threshold < 0 || c.Resolver.Threshold > 100 {
		errs = append(errs, fmt.Errorf("resolver.threshold must be between 0 and 100, got %d", c.Resolver.Threshold))
	}
	if c.Resolver.RefreshInterval < 0 {
		errs = append(errs, fmt.Errorf("resolver.refresh_interval must not be negative, got %s", c.Resolver.RefreshInterval))
	}
	if c.Ingest.MaxInFlight < 0 {
		errs = append(errs, fmt.Errorf("ingest.max_in_flight must not be negative, got %d", c.Ingest.MaxInFlight))
	}
	if c.RPC.CallTimeout < 0 {
		errs = append(errs, fmt.Errorf("rpc.call_timeout must not be negative, got %s", c.RPC.CallTimeout))
	}
	if c.Send.RatePerSecond < 0 {
		errs = append(errs, fmt.Errorf("send.rate_per_second must not be negative, got %v", c.Send.RatePerSecond))
	}
	if c.Send.Burst < 0 {
		errs = append(errs, fmt.Errorf("send.burst must not be negative, got %d", c.Send.Burst))
	}
	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}
	switch strings.ToLower(c.Log.Format) {
	case "", logging.FormatAuto, logging.FormatJSON, logging.FormatConsole:
	default:
		errs = append(errs, fmt.Errorf("log.format must be auto, json or console, got %q", c.Log.Format))
	}
	return errors.Join(errs...)
}

// YAML renders the configuration as a config file.
func (c *Config) YAML() ([]byte, error) {
	out, err := yaml.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("encode config: %w", err)
	}
	return out, nil
}

// Package config resolves IvoryValley's runtime settings from, in order of
// precedence, CLI flags, IVORYVALLEY_-prefixed environment variables, an
// optional *.toml or *.yaml config file, and built-in defaults.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

const (
	envPrefix = "IVORYVALLEY_"

	defaultUpstreamURL        = "https://mastodon.social"
	defaultHost               = "0.0.0.0"
	defaultPort               = 8080
	defaultDatabasePath       = "ivoryvalley.db"
	defaultMaxBodySize        = 52_428_800 // 50 MiB
	defaultConnectTimeoutSecs = 10
	defaultRequestTimeoutSecs = 30
	defaultLogLevel           = "info"
	defaultGracefulShutdown   = 10 * time.Second
)

// Config captures IvoryValley's immutable-after-startup runtime settings.
type Config struct {
	UpstreamURL       *url.URL
	Host              string
	Port              int
	DatabasePath      string
	MaxBodySize       int64
	ConnectTimeout    time.Duration
	RequestTimeout    time.Duration
	RecordTrafficPath string
	LogLevel          string
	GracefulShutdown  time.Duration
}

// fileConfig mirrors the fields a *.toml/*.yaml config file may set. Both
// encoders/decoders share this shape; toml and yaml struct tags agree on
// the same snake_case field names.
type fileConfig struct {
	UpstreamURL        string `toml:"upstream_url" yaml:"upstream_url"`
	Host               string `toml:"host" yaml:"host"`
	Port               int    `toml:"port" yaml:"port"`
	DatabasePath       string `toml:"database_path" yaml:"database_path"`
	MaxBodySize        int64  `toml:"max_body_size" yaml:"max_body_size"`
	ConnectTimeoutSecs int    `toml:"connect_timeout_secs" yaml:"connect_timeout_secs"`
	RequestTimeoutSecs int    `toml:"request_timeout_secs" yaml:"request_timeout_secs"`
	RecordTrafficPath  string `toml:"record_traffic_path" yaml:"record_traffic_path"`
	LogLevel           string `toml:"log_level" yaml:"log_level"`
}

// Flags holds the resolved value of every CLI flag, already parsed by the
// caller's pflag.FlagSet (cmd/ivoryvalley wires cobra/pflag; this package
// only reads the parsed values so it stays testable without a real CLI).
type Flags struct {
	UpstreamURL       string
	Host              string
	Port              int
	DatabasePath      string
	MaxBodySize       int64
	ConnectTimeout    time.Duration
	RequestTimeout    time.Duration
	RecordTrafficPath string
	LogLevel          string
	ConfigFile        string
}

// RegisterFlags adds IvoryValley's CLI flags to fs and returns a Flags
// struct whose fields are populated once fs.Parse has run.
func RegisterFlags(fs *pflag.FlagSet) *Flags {
	f := &Flags{}
	fs.StringVar(&f.UpstreamURL, "upstream-url", "", "upstream Fediverse instance origin")
	fs.StringVar(&f.Host, "host", "", "listener bind address")
	fs.IntVar(&f.Port, "port", 0, "listener port")
	fs.StringVar(&f.DatabasePath, "database-path", "", "seen-URI store file path")
	fs.Int64Var(&f.MaxBodySize, "max-body-size", 0, "max bytes per request/response body")
	fs.DurationVar(&f.ConnectTimeout, "connect-timeout", 0, "upstream connect timeout")
	fs.DurationVar(&f.RequestTimeout, "request-timeout", 0, "upstream total request timeout")
	fs.StringVar(&f.RecordTrafficPath, "record-traffic-path", "", "append request/response pairs as JSON lines to this file")
	fs.StringVar(&f.LogLevel, "log-level", "", "log level (debug, info, warn, error)")
	fs.StringVar(&f.ConfigFile, "config", "", "path to a *.toml or *.yaml config file")
	return f
}

// Load resolves the final Config from flags, environment, an optional
// config file, and defaults, in that order of precedence.
func Load(flags *Flags) (Config, error) {
	fileCfg, err := loadFile(flags.ConfigFile)
	if err != nil {
		return Config{}, err
	}

	upstreamRaw := firstNonEmpty(flags.UpstreamURL, getEnv("UPSTREAM_URL"), fileCfg.UpstreamURL, defaultUpstreamURL)
	upstream, err := url.Parse(upstreamRaw)
	if err != nil {
		return Config{}, fmt.Errorf("invalid upstream_url %q: %w", upstreamRaw, err)
	}
	if !upstream.IsAbs() {
		return Config{}, fmt.Errorf("upstream_url %q must be absolute (scheme://host)", upstreamRaw)
	}

	port := firstNonZeroInt(flags.Port, getEnvInt("PORT"), fileCfg.Port, defaultPort)
	maxBody := firstNonZeroInt64(flags.MaxBodySize, getEnvInt64("MAX_BODY_SIZE"), fileCfg.MaxBodySize, defaultMaxBodySize)
	connectSecs := firstNonZeroDuration(flags.ConnectTimeout, getEnvDuration("CONNECT_TIMEOUT_SECS"), secs(fileCfg.ConnectTimeoutSecs), secs(defaultConnectTimeoutSecs))
	requestSecs := firstNonZeroDuration(flags.RequestTimeout, getEnvDuration("REQUEST_TIMEOUT_SECS"), secs(fileCfg.RequestTimeoutSecs), secs(defaultRequestTimeoutSecs))

	cfg := Config{
		UpstreamURL:       upstream,
		Host:              firstNonEmpty(flags.Host, getEnv("HOST"), fileCfg.Host, defaultHost),
		Port:              port,
		DatabasePath:      firstNonEmpty(flags.DatabasePath, getEnv("DATABASE_PATH"), fileCfg.DatabasePath, defaultDatabasePath),
		MaxBodySize:       maxBody,
		ConnectTimeout:    connectSecs,
		RequestTimeout:    requestSecs,
		RecordTrafficPath: firstNonEmpty(flags.RecordTrafficPath, getEnv("RECORD_TRAFFIC_PATH"), fileCfg.RecordTrafficPath, ""),
		LogLevel:          strings.ToLower(firstNonEmpty(flags.LogLevel, getEnv("LOG_LEVEL"), fileCfg.LogLevel, defaultLogLevel)),
		GracefulShutdown:  defaultGracefulShutdown,
	}

	return cfg, nil
}

// loadFile reads and decodes path if set, dispatching on its extension. An
// unset path is not an error: the config file is optional.
func loadFile(path string) (fileConfig, error) {
	if strings.TrimSpace(path) == "" {
		return fileConfig{}, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fileConfig{}, fmt.Errorf("read config file %q: %w", path, err)
	}

	var fc fileConfig
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".toml":
		if _, err := toml.Decode(string(data), &fc); err != nil {
			return fileConfig{}, fmt.Errorf("parse toml config %q: %w", path, err)
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &fc); err != nil {
			return fileConfig{}, fmt.Errorf("parse yaml config %q: %w", path, err)
		}
	default:
		return fileConfig{}, errors.New("config file must have a .toml or .yaml/.yml extension")
	}
	return fc, nil
}

func getEnv(suffix string) string {
	return strings.TrimSpace(os.Getenv(envPrefix + suffix))
}

func getEnvInt(suffix string) int {
	val := getEnv(suffix)
	if val == "" {
		return 0
	}
	parsed, err := strconv.Atoi(val)
	if err != nil {
		return 0
	}
	return parsed
}

func getEnvInt64(suffix string) int64 {
	val := getEnv(suffix)
	if val == "" {
		return 0
	}
	parsed, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return 0
	}
	return parsed
}

func getEnvDuration(suffix string) time.Duration {
	val := getEnv(suffix)
	if val == "" {
		return 0
	}
	parsedSecs, err := strconv.Atoi(val)
	if err != nil {
		return 0
	}
	return secs(parsedSecs)
}

func secs(n int) time.Duration {
	return time.Duration(n) * time.Second
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func firstNonZeroInt(vals ...int) int {
	for _, v := range vals {
		if v != 0 {
			return v
		}
	}
	return 0
}

func firstNonZeroInt64(vals ...int64) int64 {
	for _, v := range vals {
		if v != 0 {
			return v
		}
	}
	return 0
}

func firstNonZeroDuration(vals ...time.Duration) time.Duration {
	for _, v := range vals {
		if v != 0 {
			return v
		}
	}
	return 0
}

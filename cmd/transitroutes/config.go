package main

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	flag "github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"github.com/andrew-d/transitroutes/internal/schedule"
	"github.com/andrew-d/transitroutes/listenx"
)

// config is the server configuration. Values are layered: built-in
// defaults, then the YAML config file, then environment variables, then
// command-line flags.
type config struct {
	Listen   string `yaml:"listen" validate:"required,listen_addr"`
	DB       string `yaml:"db" validate:"required"`
	LogLevel string `yaml:"log_level" validate:"oneof=debug info warn error DEBUG INFO WARN ERROR"`
	Dev      bool   `yaml:"dev"`

	Session struct {
		Lifetime     time.Duration `yaml:"lifetime" validate:"gte=1m"`
		SecureCookie bool          `yaml:"secure_cookie"`
	} `yaml:"session"`

	Transitland struct {
		BaseURL   string        `yaml:"base_url" validate:"required,http_url"`
		APIKey    string        `yaml:"-"` // environment only
		Timeout   time.Duration `yaml:"timeout" validate:"gt=0"`
		CacheSize int           `yaml:"cache_size" validate:"gte=-1"`
		CacheTTL  time.Duration `yaml:"cache_ttl" validate:"gte=0"`
	} `yaml:"transitland"`

	// Password hashing parameters; see pwhash.New.
	Password struct {
		Time      uint32 `yaml:"time" validate:"gte=1,lte=16"`
		MemoryKiB uint32 `yaml:"memory_kib" validate:"gte=1024,lte=1048576"`
		Threads   uint8  `yaml:"threads" validate:"gte=1,lte=64"`
	} `yaml:"password"`
}

func defaultConfig() *config {
	cfg := &config{
		Listen:   ":8080",
		DB:       "transitroutes.db",
		LogLevel: "info",
	}
	cfg.Session.Lifetime = 7 * 24 * time.Hour
	cfg.Transitland.BaseURL = schedule.DefaultBaseURL
	cfg.Transitland.Timeout = schedule.DefaultTimeout
	cfg.Transitland.CacheSize = schedule.DefaultCacheSize
	cfg.Transitland.CacheTTL = schedule.DefaultCacheTTL
	cfg.Password.Time = 2
	cfg.Password.MemoryKiB = 64 * 1024
	cfg.Password.Threads = 2
	return cfg
}

// Environment variables recognized by loadConfig.
const (
	envAPIKey   = "TRANSITLAND_API_KEY"
	envListen   = "TRANSITROUTES_LISTEN"
	envDB       = "TRANSITROUTES_DB"
	envLogLevel = "TRANSITROUTES_LOG_LEVEL"
	envBaseURL  = "TRANSITLAND_BASE_URL"
)

// cliFlags holds the parsed command line. Pointer fields are nil unless the
// flag was given explicitly, so that an unset flag doesn't override the
// config file or environment.
type cliFlags struct {
	ConfigPath string
	EnvFile    string
	EnvFileSet bool // --env-file was given, so the file must exist

	Listen   *string
	DB       *string
	LogLevel *string
	Dev      *bool
}

func parseFlags(args []string) (*cliFlags, error) {
	fs := flag.NewFlagSet("transitroutes", flag.ContinueOnError)
	var (
		configPath = fs.String("config", "", "Path to a YAML config file")
		envFile    = fs.String("env-file", ".env", "Path to a .env file with secrets")
		listen     = fs.StringP("listen", "l", ":8080", "Address to listen on (host:port, unix://path, fd://N or systemd://name)")
		dbPath     = fs.String("db", "transitroutes.db", "Path to the SQLite database")
		logLevel   = fs.String("log-level", "info", "Log level (debug, info, warn, error)")
		dev        = fs.Bool("dev", false, "Development mode: human-readable logs with source locations")
	)
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	ret := &cliFlags{
		ConfigPath: *configPath,
		EnvFile:    *envFile,
		EnvFileSet: fs.Changed("env-file"),
	}
	if fs.Changed("listen") {
		ret.Listen = listen
	}
	if fs.Changed("db") {
		ret.DB = dbPath
	}
	if fs.Changed("log-level") {
		ret.LogLevel = logLevel
	}
	if fs.Changed("dev") {
		ret.Dev = dev
	}
	return ret, nil
}

// readEnvFile returns the variables in the .env file at path. A missing file
// is only an error if required is set.
func readEnvFile(path string, required bool) (map[string]string, error) {
	if path == "" {
		return nil, nil
	}
	vars, err := godotenv.Read(path)
	if errors.Is(err, fs.ErrNotExist) && !required {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading env file %q: %w", path, err)
	}
	return vars, nil
}

// envLookup returns a lookup function that prefers the process environment
// over values from a .env file, like godotenv.Load does.
func envLookup(getenv func(string) string, dotenv map[string]string) func(string) string {
	return func(key string) string {
		if v := getenv(key); v != "" {
			return v
		}
		return dotenv[key]
	}
}

// loadConfig builds the configuration from all sources and validates it.
func loadConfig(fl *cliFlags, getenv func(string) string) (*config, error) {
	cfg := defaultConfig()

	if fl.ConfigPath != "" {
		data, err := os.ReadFile(fl.ConfigPath)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file %q: %w", fl.ConfigPath, err)
		}
	}

	if v := getenv(envListen); v != "" {
		cfg.Listen = v
	}
	if v := getenv(envDB); v != "" {
		cfg.DB = v
	}
	if v := getenv(envLogLevel); v != "" {
		cfg.LogLevel = v
	}
	if v := getenv(envBaseURL); v != "" {
		cfg.Transitland.BaseURL = v
	}
	cfg.Transitland.APIKey = getenv(envAPIKey)

	if fl.Listen != nil {
		cfg.Listen = *fl.Listen
	}
	if fl.DB != nil {
		cfg.DB = *fl.DB
	}
	if fl.LogLevel != nil {
		cfg.LogLevel = *fl.LogLevel
	}
	if fl.Dev != nil {
		cfg.Dev = *fl.Dev
	}

	if err := newValidator("yaml").Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", describeValidation(err))
	}
	return cfg, nil
}

// slogLevel returns the configured log level.
func (c *config) slogLevel() slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return slog.LevelInfo
	}
	return level
}

// newValidator returns a validator that reports field names using the given
// struct tag (e.g. "json" or "yaml") instead of Go field names.
func newValidator(tag string) *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get(tag), ",")
		if name == "-" {
			return ""
		}
		if name == "" {
			return f.Name
		}
		return name
	})
	v.RegisterValidation("listen_addr", func(fl validator.FieldLevel) bool {
		return listenx.Validate(fl.Field().String()) == nil
	})
	return v
}

// describeValidation turns validator errors into a short human-readable
// error, naming the first failing field.
func describeValidation(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return err
	}
	fe := verrs[0]

	field := fe.Namespace()
	// Drop the top-level struct name.
	if _, rest, ok := strings.Cut(field, "."); ok {
		field = rest
	}

	var msg string
	switch fe.Tag() {
	case "required":
		msg = "is required"
	case "email":
		msg = "must be a valid email address"
	case "max":
		msg = "must be at most " + fe.Param() + " characters"
	case "oneof":
		msg = "must be one of: " + fe.Param()
	case "gte", "lte", "gt":
		msg = "is out of range (" + fe.Tag() + " " + fe.Param() + ")"
	case "listen_addr":
		msg = "must be host:port or a tcp://, unix://, fd:// or systemd:// address"
	case "http_url":
		msg = "must be an http(s) URL"
	default:
		msg = "failed the " + strconv.Quote(fe.Tag()) + " check"
	}
	return fmt.Errorf("%s %s", field, msg)
}

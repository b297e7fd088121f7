package sqlscope

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// Settings is the file/env form of the configuration. Load it with
// LoadSettings and turn it into a dialect and Config with Build.
type Settings struct {
	Dialect    string `mapstructure:"dialect" validate:"required,oneof=postgres mysql sqlite sqlserver"`
	MaxParams  int    `mapstructure:"max_params" validate:"gte=-1"`
	MaxNameLen int    `mapstructure:"max_name_len" validate:"gte=0,lte=1024"`
	LogLevel   string `mapstructure:"log_level" validate:"omitempty,oneof=debug info warn error"`
}

var validate = validator.New()

// LoadSettings reads settings from an optional config file (any format viper
// understands; pass "" to skip it) and from SQLSCOPE_* environment variables,
// which take precedence. The result is validated.
func LoadSettings(path string) (Settings, error) {
	v := viper.New()
	v.SetDefault("dialect", "postgres")
	v.SetDefault("max_params", 0)
	v.SetDefault("max_name_len", 0)
	v.SetDefault("log_level", "info")

	v.SetEnvPrefix("SQLSCOPE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Settings{}, fmt.Errorf("sqlscope: reading config %s: %w", path, err)
		}
	}

	var s Settings
	if err := v.Unmarshal(&s); err != nil {
		return Settings{}, fmt.Errorf("sqlscope: decoding config: %w", err)
	}
	if err := s.Validate(); err != nil {
		return Settings{}, err
	}
	return s, nil
}

// Validate checks the settings against their constraints.
func (s Settings) Validate() error {
	if err := validate.Struct(s); err != nil {
		return fmt.Errorf("sqlscope: invalid config: %w", err)
	}
	return nil
}

// Build returns the dialect and Config described by the settings. The
// logger writes JSON to stderr at LogLevel.
func (s Settings) Build() (Dialect, Config, error) {
	if err := s.Validate(); err != nil {
		return 0, Config{}, err
	}
	d, err := ParseDialect(s.Dialect)
	if err != nil {
		return 0, Config{}, err
	}
	return d, Config{
		MaxParams:  s.MaxParams,
		MaxNameLen: s.MaxNameLen,
		Logger:     NewLogger(os.Stderr, s.LogLevel),
	}, nil
}

// ParseDialect maps a dialect or driver name to a Dialect.
func ParseDialect(name string) (Dialect, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "postgres", "postgresql", "pgx", "pg":
		return Postgres, nil
	case "mysql", "mariadb":
		return MySQL, nil
	case "sqlite", "sqlite3":
		return SQLite, nil
	case "sqlserver", "mssql":
		return SQLServer, nil
	}
	return 0, fmt.Errorf("sqlscope: unknown dialect %q", name)
}

// NewLogger creates a structured JSON logger at the given level
// (debug, info, warn, error; case-insensitive). An unknown level falls back
// to info and logs a warning.
func NewLogger(w io.Writer, level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "info", "":
		lvl = slog.LevelInfo
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
		slog.New(slog.NewTextHandler(w, nil)).Warn("invalid log level configured, using default level",
			"configured_level", level,
			"default_level", "info")
	}
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: lvl}))
}

// Package appconfig implements layered configuration (SPEC_FULL.md §4.L):
// compiled-in defaults, merged with an optional YAML file, merged with
// process-env overrides — mirroring the teacher's config.Loader shape
// (NewConfigLoader(viper, opts...).Load()) but against this engine's own
// schema.
package appconfig

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"dario.cat/mergo"
	"github.com/adrg/xdg"
	"github.com/go-viper/mapstructure/v2"
	goyaml "github.com/goccy/go-yaml"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/flowforge/dagrunner/internal/safety"
)

// HTTPConfig configures the control-plane listener.
type HTTPConfig struct {
	Host           string   `mapstructure:"host"`
	Port           int      `mapstructure:"port"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// DatabaseConfig configures the event-log/queue store (internal/eventlog).
type DatabaseConfig struct {
	Driver string `mapstructure:"driver"` // "sqlite" or "pgx"
	DSN    string `mapstructure:"dsn"`
}

// LogConfig configures internal/applog.
type LogConfig struct {
	Debug bool   `mapstructure:"debug"`
	Quiet bool   `mapstructure:"quiet"`
	File  string `mapstructure:"file"`
}

// AuthConfig configures internal/httpapi's auth middleware.
type AuthConfig struct {
	APIKey    string `mapstructure:"api_key"`
	JWTSecret string `mapstructure:"jwt_secret"`
}

// RedisConfig configures the optional distributed lease backend
// (SPEC_FULL.md §4.Q). URL empty means the SQL CAS alone serializes claims.
type RedisConfig struct {
	URL string `mapstructure:"url"`
}

// AgentConfig describes one entry of the static agent-selector table
// (SPEC_FULL.md §4.D): either a subprocess argv or an HTTP adapter URL.
type AgentConfig struct {
	Type    string   `mapstructure:"type"` // "subprocess" or "http"
	Command []string `mapstructure:"command"`
	URL     string   `mapstructure:"url"`
}

// Config is the fully-resolved process configuration.
type Config struct {
	HTTP        HTTPConfig             `mapstructure:"http"`
	Database    DatabaseConfig         `mapstructure:"database"`
	Log         LogConfig              `mapstructure:"log"`
	Auth        AuthConfig             `mapstructure:"auth"`
	Redis       RedisConfig            `mapstructure:"redis"`
	Safety      safety.Caps            `mapstructure:"safety"`
	ExamplesDir string                 `mapstructure:"examples_dir"`
	Agents      map[string]AgentConfig `mapstructure:"agents"`
}

// Defaults returns the compiled-in configuration before any file/env layer
// is applied.
func Defaults() Config {
	return Config{
		HTTP:     HTTPConfig{Host: "0.0.0.0", Port: 8080},
		Database: DatabaseConfig{Driver: "sqlite", DSN: defaultSQLitePath()},
		Safety:   safety.Default(),
	}
}

func defaultSQLitePath() string {
	dir, err := xdg.DataFile(filepath.Join("dagrunner", "dagrunner.db"))
	if err != nil {
		return "dagrunner.db"
	}
	return dir
}

// DefaultConfigPath resolves the config file path a bare `dagctl serve`
// looks for when --config isn't given, per adrg/xdg's base-dir spec.
func DefaultConfigPath() string {
	path, err := xdg.ConfigFile(filepath.Join("dagrunner", "config.yaml"))
	if err != nil {
		return filepath.Join(".", "dagrunner.yaml")
	}
	return path
}

// Loader builds a Config from defaults, an optional YAML file, a .env
// file, and process env overrides, in that precedence order (later wins).
type Loader struct {
	configFile string
	envFile    string
	envPrefix  string
	getenv     func(string) string
}

// Option configures a Loader.
type Option func(*Loader)

// WithConfigFile sets the YAML config file path. If the file doesn't
// exist, Load silently skips the file layer (matching the teacher's
// "config file is optional" behavior).
func WithConfigFile(path string) Option { return func(l *Loader) { l.configFile = path } }

// WithEnvFile sets a .env file to load via joho/godotenv before reading
// env vars. Defaults to "./.env".
func WithEnvFile(path string) Option { return func(l *Loader) { l.envFile = path } }

// NewLoader builds a Loader, defaulting the env prefix to DAGRUNNER_ and
// the .env path to "./.env".
func NewLoader(opts ...Option) *Loader {
	l := &Loader{envFile: ".env", envPrefix: "DAGRUNNER", getenv: os.Getenv}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Load resolves the layered Config.
func (l *Loader) Load() (Config, error) {
	_ = godotenv.Load(l.envFile) // best-effort; absent .env is normal

	cfg := Defaults()

	if l.configFile != "" {
		if data, err := os.ReadFile(l.configFile); err == nil {
			var raw map[string]any
			if err := goyaml.Unmarshal(data, &raw); err != nil {
				return Config{}, fmt.Errorf("appconfig: parse %s: %w", l.configFile, err)
			}
			var fromFile Config
			decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
				DecodeHook: mapstructure.ComposeDecodeHookFunc(
					mapstructure.StringToTimeDurationHookFunc(),
					mapstructure.StringToSliceHookFunc(","),
				),
				Result: &fromFile,
			})
			if err != nil {
				return Config{}, fmt.Errorf("appconfig: build decoder: %w", err)
			}
			// The safety sub-struct carries typed durations (MaxRunDuration
			// etc.); StringToTimeDurationHookFunc lets the YAML author write
			// "30m" instead of a raw nanosecond count.
			if err := decoder.Decode(raw); err != nil {
				return Config{}, fmt.Errorf("appconfig: decode %s: %w", l.configFile, err)
			}
			if err := mergo.Merge(&cfg, fromFile, mergo.WithOverride); err != nil {
				return Config{}, fmt.Errorf("appconfig: merge %s: %w", l.configFile, err)
			}
		} else if !os.IsNotExist(err) {
			return Config{}, fmt.Errorf("appconfig: read %s: %w", l.configFile, err)
		}
	}

	v := viper.New()
	v.SetEnvPrefix(l.envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	cfg.HTTP.Host = viperStringOr(v, "http.host", cfg.HTTP.Host)
	cfg.HTTP.Port = viperIntOr(v, "http.port", cfg.HTTP.Port)
	cfg.Database.Driver = viperStringOr(v, "database.driver", cfg.Database.Driver)
	cfg.Database.DSN = viperStringOr(v, "database.dsn", cfg.Database.DSN)
	cfg.Log.File = viperStringOr(v, "log.file", cfg.Log.File)
	cfg.Log.Debug = viperBoolOr(v, "log.debug", cfg.Log.Debug)
	cfg.Auth.APIKey = viperStringOr(v, "auth.api_key", cfg.Auth.APIKey)
	cfg.Auth.JWTSecret = viperStringOr(v, "auth.jwt_secret", cfg.Auth.JWTSecret)
	cfg.Redis.URL = viperStringOr(v, "redis.url", cfg.Redis.URL)
	cfg.ExamplesDir = viperStringOr(v, "examples_dir", cfg.ExamplesDir)

	cfg.Safety = safety.FromEnv(cfg.Safety, l.getenv)

	return cfg, nil
}

func viperStringOr(v *viper.Viper, key, fallback string) string {
	v.BindEnv(key)
	if s := v.GetString(key); s != "" {
		return s
	}
	return fallback
}

func viperIntOr(v *viper.Viper, key string, fallback int) int {
	v.BindEnv(key)
	if s := v.GetString(key); s != "" {
		return v.GetInt(key)
	}
	return fallback
}

func viperBoolOr(v *viper.Viper, key string, fallback bool) bool {
	v.BindEnv(key)
	if s := v.GetString(key); s != "" {
		return v.GetBool(key)
	}
	return fallback
}

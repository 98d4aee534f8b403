// Package config provides configuration loading and validation for the application.
package config

import (
	"errors"
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Default configuration constants.
const (
	DefaultHost            = "0.0.0.0"
	DefaultPort            = 8080
	DefaultReadTimeout     = 30 * time.Second
	DefaultWriteTimeout    = 30 * time.Second
	DefaultShutdownTimeout = 10 * time.Second

	DefaultRedisPoolSize = 10

	DefaultJWTAllowedClockSkew = 30 * time.Second
	DefaultJWTRefreshInterval = 1 * time.Hour

	DefaultCacheTTL     = 10 * time.Minute
	DefaultCacheMaxSize = 10000
)

// Config holds the complete application configuration.
type Config struct {
	Server ServerConfig `yaml:"server"`
	Realm  RealmConfig  `yaml:"realm"`
	Redis  RedisConfig  `yaml:"redis"`
	Log    LogConfig    `yaml:"log"`
}

// ServerConfig holds HTTP server configuration.
//
//nolint:golines // Struct tags require longer lines for readability
type ServerConfig struct {
	Host            string        `yaml:"host" env:"SERVER_HOST"`
	Port            int           `yaml:"port" env:"SERVER_PORT"`
	ReadTimeout     time.Duration `yaml:"read_timeout" env:"SERVER_READ_TIMEOUT"`
	WriteTimeout    time.Duration `yaml:"write_timeout" env:"SERVER_WRITE_TIMEOUT"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SERVER_SHUTDOWN_TIMEOUT"`
}

// Address returns the full server address (host:port).
func (c ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// RedisConfig holds Redis connection configuration, used for cross-instance
// cache-invalidation fan-out.
//
//nolint:golines // Struct tags require longer lines for readability
type RedisConfig struct {
	Addr     string `yaml:"addr" env:"REDIS_ADDR"`
	Password string `yaml:"password" env:"REDIS_PASSWORD"`
	DB       int    `yaml:"db" env:"REDIS_DB"`
	PoolSize int    `yaml:"pool_size" env:"REDIS_POOL_SIZE"`

	// Enabled turns on the Redis invalidation bus. When false the realm
	// runs with a local-only no-op bus.
	Enabled bool `yaml:"enabled" env:"REDIS_ENABLED"`
}

// RealmConfig holds the JWT bearer-token realm's own configuration
// (mirrors realm.Config, plus the wire-level settings needed to build its
// JWT Authenticator and claim-parser collaborators).
//
//nolint:golines // Struct tags require longer lines for readability
type RealmConfig struct {
	Name string `yaml:"name" env:"REALM_NAME"`

	// Algorithms lists accepted JWS algorithms, comma-separated via env
	// (e.g. "RS256,HS256").
	Algorithms []string `yaml:"algorithms"`
	Issuer     string   `yaml:"issuer" env:"REALM_ISSUER"`
	Audience   string   `yaml:"audience" env:"REALM_AUDIENCE"`

	AllowedClockSkew time.Duration `yaml:"allowed_clock_skew" env:"REALM_ALLOWED_CLOCK_SKEW"`

	JWKSURL             string        `yaml:"jwks_url" env:"REALM_JWKS_URL"`
	JWKSRefreshInterval time.Duration `yaml:"jwks_refresh_interval" env:"REALM_JWKS_REFRESH_INTERVAL"`

	HMACSecret string `yaml:"hmac_secret" env:"REALM_HMAC_SECRET"`

	PopulateUserMetadata bool `yaml:"populate_user_metadata" env:"REALM_POPULATE_USER_METADATA"`

	ClientAuthType         string `yaml:"client_auth_type" env:"REALM_CLIENT_AUTH_TYPE"` // none | shared_secret
	ClientAuthSharedSecret string `yaml:"client_auth_shared_secret" env:"REALM_CLIENT_AUTH_SHARED_SECRET"`

	CacheTTL     time.Duration `yaml:"cache_ttl" env:"REALM_CACHE_TTL"`
	CacheMaxSize int           `yaml:"cache_max_size" env:"REALM_CACHE_MAX_SIZE"`

	ClaimPrincipal string `yaml:"claim_principal" env:"REALM_CLAIM_PRINCIPAL"`
	ClaimGroups    string `yaml:"claim_groups" env:"REALM_CLAIM_GROUPS"`
	ClaimDN        string `yaml:"claim_dn" env:"REALM_CLAIM_DN"`
	ClaimMail      string `yaml:"claim_mail" env:"REALM_CLAIM_MAIL"`
	ClaimName      string `yaml:"claim_name" env:"REALM_CLAIM_NAME"`
}

// LogConfig holds logging configuration.
//
//nolint:golines // Struct tags require longer lines for readability
type LogConfig struct {
	Level  string `yaml:"level" env:"LOG_LEVEL"`   // debug | info | warn | error
	Format string `yaml:"format" env:"LOG_FORMAT"` // json | text
}

// Configuration errors.
var (
	ErrConfigNotFound   = errors.New("configuration file not found")
	ErrConfigInvalid    = errors.New("invalid configuration")
	ErrInvalidDuration  = errors.New("invalid duration format")
	ErrInvalidLogLevel  = errors.New("invalid log level: must be debug, info, warn, or error")
	ErrInvalidLogFormat = errors.New("invalid log format: must be json or text")
)

// DefaultConfig returns a Config with sensible default values.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            DefaultHost,
			Port:            DefaultPort,
			ReadTimeout:     DefaultReadTimeout,
			WriteTimeout:    DefaultWriteTimeout,
			ShutdownTimeout: DefaultShutdownTimeout,
		},
		Realm: RealmConfig{
			Name:                 "jwt-bearer",
			Algorithms:           []string{"RS256"},
			AllowedClockSkew:     DefaultJWTAllowedClockSkew,
			JWKSRefreshInterval:  DefaultJWTRefreshInterval,
			ClientAuthType:       "none",
			CacheTTL:             DefaultCacheTTL,
			CacheMaxSize:         DefaultCacheMaxSize,
			ClaimPrincipal:       "sub",
		},
		Redis: RedisConfig{
			Addr:     "localhost:6379",
			PoolSize: DefaultRedisPoolSize,
			Enabled:  false,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Validate validates the configuration and returns an error if invalid.
func (c *Config) Validate() error {
	var errs []error

	errs = c.validateServer(errs)
	errs = c.validateRealm(errs)
	errs = c.validateLog(errs)

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrConfigInvalid, errors.Join(errs...))
	}

	return nil
}

func (c *Config) validateServer(errs []error) []error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port must be between 1 and 65535, got %d", c.Server.Port))
	}
	if c.Server.ReadTimeout <= 0 {
		errs = append(errs, errors.New("server.read_timeout must be positive"))
	}
	if c.Server.WriteTimeout <= 0 {
		errs = append(errs, errors.New("server.write_timeout must be positive"))
	}
	return errs
}

func (c *Config) validateRealm(errs []error) []error {
	if c.Realm.Issuer == "" {
		errs = append(errs, errors.New("realm.issuer is required"))
	}
	if len(c.Realm.Algorithms) == 0 {
		errs = append(errs, errors.New("realm.algorithms must list at least one algorithm"))
	}
	if c.Realm.JWKSURL == "" && c.Realm.HMACSecret == "" {
		errs = append(errs, errors.New("realm requires either jwks_url or hmac_secret"))
	}
	switch c.Realm.ClientAuthType {
	case "", "none", "shared_secret":
	default:
		errs = append(errs, fmt.Errorf("realm.client_auth_type must be none or shared_secret, got %q", c.Realm.ClientAuthType))
	}
	if c.Realm.ClientAuthType == "shared_secret" && c.Realm.ClientAuthSharedSecret == "" {
		errs = append(errs, errors.New("realm.client_auth_shared_secret is required when client_auth_type is shared_secret"))
	}
	if c.Realm.ClaimPrincipal == "" {
		errs = append(errs, errors.New("realm.claim_principal is required"))
	}
	return errs
}

func (c *Config) validateLog(errs []error) []error {
	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[strings.ToLower(c.Log.Level)] {
		errs = append(errs, ErrInvalidLogLevel)
	}
	validLogFormats := map[string]bool{"json": true, "text": true}
	if !validLogFormats[strings.ToLower(c.Log.Format)] {
		errs = append(errs, ErrInvalidLogFormat)
	}
	return errs
}

// Load loads configuration from the default config file and environment variables.
func Load() (*Config, error) {
	return LoadFromPath("")
}

// LoadFromPath loads configuration from a specific file path.
// If path is empty, it tries to find the config file in standard locations.
func LoadFromPath(path string) (*Config, error) {
	loader := NewLoader()
	return loader.Load(path)
}

// Loader handles configuration loading from files and environment variables.
type Loader struct {
	configPaths []string
}

// NewLoader creates a new configuration loader.
func NewLoader() *Loader {
	return &Loader{
		configPaths: []string{
			"configs/config.yaml",
			"config.yaml",
			"/etc/jwtrealm/config.yaml",
		},
	}
}

// WithConfigPaths sets custom config paths to search.
func (l *Loader) WithConfigPaths(paths []string) *Loader {
	l.configPaths = paths
	return l
}

// Load loads configuration from file and environment variables.
func (l *Loader) Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	configPath := path
	if configPath == "" {
		if envPath := os.Getenv("CONFIG_PATH"); envPath != "" {
			configPath = envPath
		} else {
			for _, p := range l.configPaths {
				if _, err := os.Stat(p); err == nil {
					configPath = p
					break
				}
			}
		}
	}

	if configPath != "" {
		if err := l.loadFromFile(cfg, configPath); err != nil {
			if path != "" || os.Getenv("CONFIG_PATH") != "" {
				return nil, fmt.Errorf("failed to load config from %s: %w", configPath, err)
			}
		}
	}

	if err := l.loadFromEnv(cfg); err != nil {
		return nil, fmt.Errorf("failed to load config from environment: %w", err)
	}

	if algs := os.Getenv("REALM_ALGORITHMS"); algs != "" {
		cfg.Realm.Algorithms = strings.Split(algs, ",")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// loadFromFile loads configuration from a YAML file.
func (l *Loader) loadFromFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s", ErrConfigNotFound, path)
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if unmarshalErr := yaml.Unmarshal(data, cfg); unmarshalErr != nil {
		return fmt.Errorf("failed to parse config file: %w", unmarshalErr)
	}

	return nil
}

// loadFromEnv loads configuration from environment variables.
func (l *Loader) loadFromEnv(cfg *Config) error {
	return l.loadEnvToStruct(reflect.ValueOf(cfg).Elem())
}

// loadEnvToStruct recursively loads environment variables into a struct.
func (l *Loader) loadEnvToStruct(v reflect.Value) error {
	t := v.Type()

	for i := range v.NumField() {
		field := v.Field(i)
		fieldType := t.Field(i)

		if field.Kind() == reflect.Struct {
			if err := l.loadEnvToStruct(field); err != nil {
				return err
			}
			continue
		}

		envTag := fieldType.Tag.Get("env")
		if envTag == "" {
			continue
		}

		envValue := os.Getenv(envTag)
		if envValue == "" {
			continue
		}

		if err := l.setFieldFromEnv(field, envValue); err != nil {
			return fmt.Errorf("failed to set %s from env %s: %w", fieldType.Name, envTag, err)
		}
	}

	return nil
}

// setFieldFromEnv sets a struct field value from an environment variable string.
//
//nolint:exhaustive // We only support a subset of reflect.Kind for config values
func (l *Loader) setFieldFromEnv(field reflect.Value, value string) error {
	switch field.Kind() {
	case reflect.String:
		field.SetString(value)

	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		if field.Type() == reflect.TypeFor[time.Duration]() {
			d, err := time.ParseDuration(value)
			if err != nil {
				return fmt.Errorf("%w: %s", ErrInvalidDuration, value)
			}
			field.SetInt(int64(d))
		} else {
			i, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return fmt.Errorf("invalid integer value: %s", value)
			}
			field.SetInt(i)
		}

	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		u, err := strconv.ParseUint(value, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid unsigned integer value: %s", value)
		}
		field.SetUint(u)

	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("invalid boolean value: %s", value)
		}
		field.SetBool(b)

	case reflect.Float32, reflect.Float64:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return fmt.Errorf("invalid float value: %s", value)
		}
		field.SetFloat(f)

	default:
		return fmt.Errorf("unsupported field type: %s", field.Kind())
	}

	return nil
}

// IsDevelopment returns true if the log level indicates a development environment.
func (c *Config) IsDevelopment() bool {
	return strings.ToLower(c.Log.Level) == "debug"
}

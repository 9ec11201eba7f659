package config

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// Config is the full runtime configuration.
type Config struct {
	Server       ServerConfig            `koanf:"server"`
	Cache        CacheConfig             `koanf:"cache"`
	Fetch        FetchConfig             `koanf:"fetch"`
	Credentials  CredentialsConfig       `koanf:"credentials"`
	Confirmation ConfirmationConfig      `koanf:"confirmation"`
	Policies     map[string]PolicyConfig `koanf:"policies" validate:"dive"`
}

type ServerConfig struct {
	Listen  ListenConfig  `koanf:"listen"`
	Logging LoggingConfig `koanf:"logging"`
}

// ListenConfig instructs the HTTP listener about bind address, port and
// timeouts. Zero timeouts select the listener defaults.
type ListenConfig struct {
	Address                  string `koanf:"address"`
	Port                     int    `koanf:"port" validate:"min=1,max=65535"`
	ReadHeaderTimeoutSeconds int    `koanf:"readHeaderTimeoutSeconds" validate:"gte=0"`
	IdleTimeoutSeconds       int    `koanf:"idleTimeoutSeconds" validate:"gte=0"`
	ShutdownTimeoutSeconds   int    `koanf:"shutdownTimeoutSeconds" validate:"gte=0"`
}

// LoggingConfig expresses log level, format and destination.
type LoggingConfig struct {
	Level     string `koanf:"level" validate:"omitempty,oneof=debug info warn error"`
	Format    string `koanf:"format" validate:"omitempty,oneof=json text"`
	Output    string `koanf:"output" validate:"omitempty,oneof=stdout stderr"`
	AddSource bool   `koanf:"addSource"`
}

// CacheConfig selects the CacheStore backend.
type CacheConfig struct {
	Backend  string         `koanf:"backend" validate:"oneof=memory bigcache"`
	BigCache BigCacheConfig `koanf:"bigcache"`
}

type BigCacheConfig struct {
	Shards            int `koanf:"shards" validate:"gt=0"`
	LifeWindowSeconds int `koanf:"lifeWindowSeconds" validate:"gt=0"`
	MaxSizeMB         int `koanf:"maxSizeMB" validate:"gte=0"`
	MaxEntryBytes     int `koanf:"maxEntryBytes" validate:"gte=0"`
}

// FetchConfig tunes the FetchCoordinator.
type FetchConfig struct {
	BaseURL        string `koanf:"baseURL" validate:"omitempty,url"`
	TimeoutSeconds int    `koanf:"timeoutSeconds" validate:"gt=0"`
	Coalesce       bool   `koanf:"coalesce"`
	HonorNoStore   bool   `koanf:"honorNoStore"`
	UserAgent      string `koanf:"userAgent"`
	MaxBodyBytes   int64  `koanf:"maxBodyBytes" validate:"gte=0"`
}

// CredentialsConfig selects where the bearer token comes from.
type CredentialsConfig struct {
	Source        string                  `koanf:"source" validate:"oneof=none static file valkey"`
	Token         string                  `koanf:"token" validate:"required_if=Source static"`
	File          CredentialsFileConfig   `koanf:"file"`
	Valkey        CredentialsValkeyConfig `koanf:"valkey"`
	RejectExpired bool                    `koanf:"rejectExpired"`
	LeewaySeconds int                     `koanf:"leewaySeconds" validate:"gte=0"`
}

type CredentialsFileConfig struct {
	Path  string `koanf:"path"`
	Watch bool   `koanf:"watch"`
}

type CredentialsValkeyConfig struct {
	Address  string          `koanf:"address"`
	Username string          `koanf:"username"`
	Password string          `koanf:"password"`
	DB       int             `koanf:"db" validate:"gte=0"`
	Key      string          `koanf:"key"`
	TLS      ValkeyTLSConfig `koanf:"tls"`
}

type ValkeyTLSConfig struct {
	Enabled bool   `koanf:"enabled"`
	CAFile  string `koanf:"caFile"`
}

// ConfirmationConfig wires confirmation sessions to the order endpoints.
// Sessions are disabled when both URLs are empty.
type ConfirmationConfig struct {
	PollIntervalSeconds   int    `koanf:"pollIntervalSeconds" validate:"gt=0"`
	DefaultTimeoutSeconds int    `koanf:"defaultTimeoutSeconds" validate:"gt=0"`
	CancelTimeoutSeconds  int    `koanf:"cancelTimeoutSeconds" validate:"gt=0"`
	// RetentionSeconds is how long a finished session stays readable.
	RetentionSeconds      int    `koanf:"retentionSeconds" validate:"gte=0"`
	StatusURL             string `koanf:"statusURL" validate:"required_with=CancelURL"`
	CancelURL             string `koanf:"cancelURL" validate:"required_with=StatusURL"`
	RequiresAuth          bool   `koanf:"requiresAuth"`
	SuccessWhen           string `koanf:"successWhen"`
	FailureWhen           string `koanf:"failureWhen"`
}

// Enabled reports whether order endpoints are configured.
func (c ConfirmationConfig) Enabled() bool {
	return strings.TrimSpace(c.StatusURL) != "" && strings.TrimSpace(c.CancelURL) != ""
}

// PolicyConfig is a named resource policy. A nil TTLMillis keeps entries
// until they are invalidated.
type PolicyConfig struct {
	RequiresAuth bool `koanf:"requiresAuth"`
	SkipCache    bool `koanf:"skipCache"`
	TTLMillis    *int `koanf:"ttlMillis" validate:"omitempty,gte=0"`
}

// TTL converts TTLMillis to a duration pointer.
func (p PolicyConfig) TTL() *time.Duration {
	if p.TTLMillis == nil {
		return nil
	}
	d := time.Duration(*p.TTLMillis) * time.Millisecond
	return &d
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	// Report koanf paths so errors match the documents operators edit.
	v.RegisterTagNameFunc(func(field reflect.StructField) string {
		name, _, _ := strings.Cut(field.Tag.Get("koanf"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Validate enforces invariants that keep the runtime predictable before serving traffic.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config: nil")
	}
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if c.Cache.Backend == "bigcache" {
		if shards := c.Cache.BigCache.Shards; shards&(shards-1) != 0 {
			return fmt.Errorf("config: cache.bigcache.shards must be a power of two: %d", shards)
		}
	}
	switch c.Credentials.Source {
	case "file":
		if strings.TrimSpace(c.Credentials.File.Path) == "" {
			return errors.New("config: credentials.file.path required for file source")
		}
	case "valkey":
		if strings.TrimSpace(c.Credentials.Valkey.Address) == "" {
			return errors.New("config: credentials.valkey.address required for valkey source")
		}
		if strings.TrimSpace(c.Credentials.Valkey.Key) == "" {
			return errors.New("config: credentials.valkey.key required for valkey source")
		}
	}
	for name := range c.Policies {
		if strings.TrimSpace(name) == "" {
			return errors.New("config: policies: empty policy name")
		}
	}
	return nil
}

// DefaultConfig returns the baseline values.
func DefaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Listen: ListenConfig{
				Address:                  "0.0.0.0",
				Port:                     8080,
				ReadHeaderTimeoutSeconds: 10,
				IdleTimeoutSeconds:       120,
				ShutdownTimeoutSeconds:   5,
			},
			Logging: LoggingConfig{
				Level:  "info",
				Format: "json",
				Output: "stdout",
			},
		},
		Cache: CacheConfig{
			Backend: "memory",
			BigCache: BigCacheConfig{
				Shards:            64,
				LifeWindowSeconds: 600,
				MaxSizeMB:         64,
				MaxEntryBytes:     4096,
			},
		},
		Fetch: FetchConfig{
			TimeoutSeconds: 15,
			Coalesce:       true,
			UserAgent:      "storesync",
			MaxBodyBytes:   1 << 20,
		},
		Credentials: CredentialsConfig{
			Source:        "none",
			LeewaySeconds: 30,
		},
		Confirmation: ConfirmationConfig{
			PollIntervalSeconds:   5,
			DefaultTimeoutSeconds: 300,
			CancelTimeoutSeconds:  10,
			RetentionSeconds:      300,
		},
		Policies: map[string]PolicyConfig{
			"default": {},
		},
	}
}

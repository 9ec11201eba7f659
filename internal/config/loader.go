package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	kjson "github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Loader hydrates the runtime configuration while respecting env > file > default precedence.
type Loader struct {
	envPrefix string
	files     []string
}

func NewLoader(envPrefix string, files ...string) *Loader {
	return &Loader{
		envPrefix: envPrefix,
		files:     files,
	}
}

// canonical restores camelCase keys that env variables cannot express.
var canonical = map[string]string{
	"server.listen.readheadertimeoutseconds": "server.listen.readHeaderTimeoutSeconds",
	"server.listen.idletimeoutseconds":       "server.listen.idleTimeoutSeconds",
	"server.listen.shutdowntimeoutseconds":   "server.listen.shutdownTimeoutSeconds",
	"server.logging.addsource":               "server.logging.addSource",
	"cache.bigcache.lifewindowseconds":       "cache.bigcache.lifeWindowSeconds",
	"cache.bigcache.maxsizemb":               "cache.bigcache.maxSizeMB",
	"cache.bigcache.maxentrybytes":           "cache.bigcache.maxEntryBytes",
	"fetch.baseurl":                          "fetch.baseURL",
	"fetch.timeoutseconds":                   "fetch.timeoutSeconds",
	"fetch.honornostore":                     "fetch.honorNoStore",
	"fetch.useragent":                        "fetch.userAgent",
	"fetch.maxbodybytes":                     "fetch.maxBodyBytes",
	"credentials.rejectexpired":              "credentials.rejectExpired",
	"credentials.leewayseconds":              "credentials.leewaySeconds",
	"credentials.valkey.tls.cafile":          "credentials.valkey.tls.caFile",
	"confirmation.pollintervalseconds":       "confirmation.pollIntervalSeconds",
	"confirmation.defaulttimeoutseconds":     "confirmation.defaultTimeoutSeconds",
	"confirmation.canceltimeoutseconds":      "confirmation.cancelTimeoutSeconds",
	"confirmation.retentionseconds":          "confirmation.retentionSeconds",
	"confirmation.statusurl":                 "confirmation.statusURL",
	"confirmation.cancelurl":                 "confirmation.cancelURL",
	"confirmation.requiresauth":              "confirmation.requiresAuth",
	"confirmation.successwhen":               "confirmation.successWhen",
	"confirmation.failurewhen":               "confirmation.failureWhen",
}

// Load assembles the effective snapshot using the documented precedence rules.
func (l *Loader) Load(ctx context.Context) (Config, error) {
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(structToMap(DefaultConfig()), "."), nil); err != nil {
		return Config{}, fmt.Errorf("config: load defaults: %w", err)
	}

	for _, path := range l.files {
		if path == "" {
			continue
		}
		select {
		case <-ctx.Done():
			return Config{}, ctx.Err()
		default:
		}
		if _, err := os.Stat(path); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return Config{}, fmt.Errorf("config: file %s not found", path)
			}
			return Config{}, fmt.Errorf("config: stat %s: %w", path, err)
		}
		parser, err := parserFor(path)
		if err != nil {
			return Config{}, err
		}
		if err := k.Load(file.Provider(path), parser); err != nil {
			return Config{}, fmt.Errorf("config: load file %s: %w", path, err)
		}
	}

	if l.envPrefix != "" {
		transform := func(s string) string {
			// Double underscores signal a nested path (FETCH__BASEURL -> fetch.baseURL).
			key := strings.TrimPrefix(s, l.envPrefix+"_")
			key = strings.ReplaceAll(key, "__", ".")
			lower := strings.ToLower(key)
			if mapped, ok := canonical[lower]; ok {
				return mapped
			}
			if name, field, ok := policyKey(lower); ok {
				return "policies." + name + "." + field
			}
			key = strings.ReplaceAll(key, "_", "")
			return strings.ToLower(key)
		}
		if err := k.Load(env.Provider(l.envPrefix, ".", transform), nil); err != nil {
			return Config{}, fmt.Errorf("config: load env: %w", err)
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return Config{}, fmt.Errorf("config: unmarshal: %w", err)
	}
	normalize(&cfg)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// policyKey maps policies.<name>.<field> so policy names keep their case
// folding but fields regain camelCase.
func policyKey(lower string) (name, field string, ok bool) {
	rest, found := strings.CutPrefix(lower, "policies.")
	if !found {
		return "", "", false
	}
	name, field, found = strings.Cut(rest, ".")
	if !found {
		return "", "", false
	}
	switch field {
	case "requiresauth":
		return name, "requiresAuth", true
	case "skipcache":
		return name, "skipCache", true
	case "ttlmillis":
		return name, "ttlMillis", true
	}
	return "", "", false
}

func normalize(cfg *Config) {
	cfg.Server.Logging.Level = strings.ToLower(strings.TrimSpace(cfg.Server.Logging.Level))
	cfg.Server.Logging.Format = strings.ToLower(strings.TrimSpace(cfg.Server.Logging.Format))
	cfg.Server.Logging.Output = strings.ToLower(strings.TrimSpace(cfg.Server.Logging.Output))
	cfg.Cache.Backend = strings.ToLower(strings.TrimSpace(cfg.Cache.Backend))
	cfg.Credentials.Source = strings.ToLower(strings.TrimSpace(cfg.Credentials.Source))
}

func parserFor(path string) (koanf.Parser, error) {
	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".yaml", ".yml":
		return yaml.Parser(), nil
	case ".json":
		return kjson.Parser(), nil
	case ".toml", ".tml":
		return toml.Parser(), nil
	default:
		return nil, fmt.Errorf("config: unsupported config file extension %s", ext)
	}
}

// structToMap converts DefaultConfig into a map for the koanf confmap provider.
func structToMap(cfg Config) map[string]any {
	policies := make(map[string]any, len(cfg.Policies))
	for name, p := range cfg.Policies {
		entry := map[string]any{
			"requiresAuth": p.RequiresAuth,
			"skipCache":    p.SkipCache,
		}
		if p.TTLMillis != nil {
			entry["ttlMillis"] = *p.TTLMillis
		}
		policies[name] = entry
	}
	return map[string]any{
		"server": map[string]any{
			"listen": map[string]any{
				"address":                  cfg.Server.Listen.Address,
				"port":                     cfg.Server.Listen.Port,
				"readHeaderTimeoutSeconds": cfg.Server.Listen.ReadHeaderTimeoutSeconds,
				"idleTimeoutSeconds":       cfg.Server.Listen.IdleTimeoutSeconds,
				"shutdownTimeoutSeconds":   cfg.Server.Listen.ShutdownTimeoutSeconds,
			},
			"logging": map[string]any{
				"level":     cfg.Server.Logging.Level,
				"format":    cfg.Server.Logging.Format,
				"output":    cfg.Server.Logging.Output,
				"addSource": cfg.Server.Logging.AddSource,
			},
		},
		"cache": map[string]any{
			"backend": cfg.Cache.Backend,
			"bigcache": map[string]any{
				"shards":            cfg.Cache.BigCache.Shards,
				"lifeWindowSeconds": cfg.Cache.BigCache.LifeWindowSeconds,
				"maxSizeMB":         cfg.Cache.BigCache.MaxSizeMB,
				"maxEntryBytes":     cfg.Cache.BigCache.MaxEntryBytes,
			},
		},
		"fetch": map[string]any{
			"baseURL":        cfg.Fetch.BaseURL,
			"timeoutSeconds": cfg.Fetch.TimeoutSeconds,
			"coalesce":       cfg.Fetch.Coalesce,
			"honorNoStore":   cfg.Fetch.HonorNoStore,
			"userAgent":      cfg.Fetch.UserAgent,
			"maxBodyBytes":   cfg.Fetch.MaxBodyBytes,
		},
		"credentials": map[string]any{
			"source":        cfg.Credentials.Source,
			"token":         cfg.Credentials.Token,
			"rejectExpired": cfg.Credentials.RejectExpired,
			"leewaySeconds": cfg.Credentials.LeewaySeconds,
			"file": map[string]any{
				"path":  cfg.Credentials.File.Path,
				"watch": cfg.Credentials.File.Watch,
			},
			"valkey": map[string]any{
				"address":  cfg.Credentials.Valkey.Address,
				"username": cfg.Credentials.Valkey.Username,
				"password": cfg.Credentials.Valkey.Password,
				"db":       cfg.Credentials.Valkey.DB,
				"key":      cfg.Credentials.Valkey.Key,
				"tls": map[string]any{
					"enabled": cfg.Credentials.Valkey.TLS.Enabled,
					"caFile":  cfg.Credentials.Valkey.TLS.CAFile,
				},
			},
		},
		"confirmation": map[string]any{
			"pollIntervalSeconds":   cfg.Confirmation.PollIntervalSeconds,
			"defaultTimeoutSeconds": cfg.Confirmation.DefaultTimeoutSeconds,
			"cancelTimeoutSeconds":  cfg.Confirmation.CancelTimeoutSeconds,
			"retentionSeconds":      cfg.Confirmation.RetentionSeconds,
			"statusURL":             cfg.Confirmation.StatusURL,
			"cancelURL":             cfg.Confirmation.CancelURL,
			"requiresAuth":          cfg.Confirmation.RequiresAuth,
			"successWhen":           cfg.Confirmation.SuccessWhen,
			"failureWhen":           cfg.Confirmation.FailureWhen,
		},
		"policies": policies,
	}
}

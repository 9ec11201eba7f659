package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o600))
	return path
}

func TestLoader(t *testing.T) {
	tests := []struct {
		name    string
		setup   func(t *testing.T) []string
		wantErr bool
		assert  func(t *testing.T, cfg Config)
	}{
		{
			name:  "returns defaults when no overrides",
			setup: func(t *testing.T) []string { return nil },
			assert: func(t *testing.T, cfg Config) {
				require.Equal(t, 8080, cfg.Server.Listen.Port)
				require.Equal(t, "memory", cfg.Cache.Backend)
				require.Equal(t, "none", cfg.Credentials.Source)
				require.Equal(t, 5, cfg.Confirmation.PollIntervalSeconds)
				require.Contains(t, cfg.Policies, "default")
				require.Nil(t, cfg.Policies["default"].TTL())
				require.False(t, cfg.Confirmation.Enabled())
			},
		},
		{
			name: "merges yaml overrides",
			setup: func(t *testing.T) []string {
				return []string{writeFile(t, "server.yaml", `
server:
  listen:
    port: 9090
fetch:
  baseURL: https://api.example
policies:
  products:
    ttlMillis: 5000
  orders:
    requiresAuth: true
    skipCache: true
`)}
			},
			assert: func(t *testing.T, cfg Config) {
				require.Equal(t, 9090, cfg.Server.Listen.Port)
				require.Equal(t, "https://api.example", cfg.Fetch.BaseURL)
				require.Equal(t, 5000*time.Millisecond, *cfg.Policies["products"].TTL())
				require.True(t, cfg.Policies["orders"].RequiresAuth)
				require.True(t, cfg.Policies["orders"].SkipCache)
				require.Contains(t, cfg.Policies, "default")
			},
		},
		{
			name: "reads json",
			setup: func(t *testing.T) []string {
				return []string{writeFile(t, "server.json", `{"cache":{"backend":"bigcache","bigcache":{"shards":16}}}`)}
			},
			assert: func(t *testing.T, cfg Config) {
				require.Equal(t, "bigcache", cfg.Cache.Backend)
				require.Equal(t, 16, cfg.Cache.BigCache.Shards)
				require.Equal(t, 600, cfg.Cache.BigCache.LifeWindowSeconds)
			},
		},
		{
			name: "reads toml",
			setup: func(t *testing.T) []string {
				return []string{writeFile(t, "server.toml", "[confirmation]\nstatusURL = \"/s/{{ .Token }}\"\ncancelURL = \"/c/{{ .OrderID }}\"\n")}
			},
			assert: func(t *testing.T, cfg Config) {
				require.True(t, cfg.Confirmation.Enabled())
			},
		},
		{
			name: "prefers env overrides",
			setup: func(t *testing.T) []string {
				path := writeFile(t, "server.yaml", "server:\n  listen:\n    port: 9090\n")
				t.Setenv("STORESYNC_SERVER__LISTEN__PORT", "9091")
				t.Setenv("STORESYNC_FETCH__BASEURL", "https://env.example")
				t.Setenv("STORESYNC_CONFIRMATION__POLLINTERVALSECONDS", "2")
				t.Setenv("STORESYNC_POLICIES__CATALOG__TTLMILLIS", "250")
				t.Setenv("STORESYNC_SERVER__LISTEN__SHUTDOWNTIMEOUTSECONDS", "9")
				t.Setenv("STORESYNC_CONFIRMATION__RETENTIONSECONDS", "60")
				return []string{path}
			},
			assert: func(t *testing.T, cfg Config) {
				require.Equal(t, 9091, cfg.Server.Listen.Port)
				require.Equal(t, "https://env.example", cfg.Fetch.BaseURL)
				require.Equal(t, 2, cfg.Confirmation.PollIntervalSeconds)
				require.Equal(t, 250*time.Millisecond, *cfg.Policies["catalog"].TTL())
				require.Equal(t, 9, cfg.Server.Listen.ShutdownTimeoutSeconds)
				require.Equal(t, 60, cfg.Confirmation.RetentionSeconds)
			},
		},
		{
			name: "fails when file missing",
			setup: func(t *testing.T) []string {
				return []string{filepath.Join(t.TempDir(), "missing.yaml")}
			},
			wantErr: true,
		},
		{
			name: "fails on unsupported extension",
			setup: func(t *testing.T) []string {
				return []string{writeFile(t, "server.ini", "port=1")}
			},
			wantErr: true,
		},
		{
			name: "fails validation",
			setup: func(t *testing.T) []string {
				return []string{writeFile(t, "server.yaml", "credentials:\n  source: static\n")}
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			files := tt.setup(t)
			cfg, err := NewLoader("STORESYNC", files...).Load(context.Background())
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			if tt.assert != nil {
				tt.assert(t, cfg)
			}
		})
	}
}

func TestLoaderHonoursContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	path := writeFile(t, "server.yaml", "server: {}\n")
	_, err := NewLoader("", path).Load(ctx)
	require.ErrorIs(t, err, context.Canceled)
}

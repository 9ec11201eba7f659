package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/l0p7/storesync/internal/binding"
	"github.com/l0p7/storesync/internal/cache"
	"github.com/l0p7/storesync/internal/config"
	"github.com/l0p7/storesync/internal/confirmation"
	"github.com/l0p7/storesync/internal/credentials"
	"github.com/l0p7/storesync/internal/expr"
	"github.com/l0p7/storesync/internal/fetch"
	"github.com/l0p7/storesync/internal/logging"
	"github.com/l0p7/storesync/internal/metrics"
	"github.com/l0p7/storesync/internal/orders"
	"github.com/l0p7/storesync/internal/server"
	"github.com/l0p7/storesync/internal/templates"
)

type configLoader interface {
	Load(context.Context) (config.Config, error)
}

type runnableServer interface {
	Run(context.Context) error
}

var (
	newConfigLoader = func(envPrefix, file string) configLoader {
		return config.NewLoader(envPrefix, file)
	}
	newHTTPServer = func(cfg config.Config, logger *slog.Logger, handler http.Handler) (runnableServer, error) {
		return server.New(cfg, logger, handler)
	}
)

func main() {
	var (
		configFile = flag.String("config", "", "path to server configuration file")
		envPrefix  = flag.String("env-prefix", "STORESYNC", "environment variable prefix")
	)
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, *envPrefix, *configFile); err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, envPrefix, configFile string) error {
	cfg, err := newConfigLoader(envPrefix, configFile).Load(ctx)
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}
	logger, err := logging.New(cfg.Server.Logging)
	if err != nil {
		return fmt.Errorf("configure logger: %w", err)
	}
	rec := metrics.NewRecorder(prometheus.NewRegistry())

	backend := buildBackend(logger.With(slog.String("agent", "cache_factory")), cfg.Cache)
	store := cache.New(backend, clock.New())
	defer func() {
		if err := store.Close(); err != nil {
			logger.Error("cache shutdown failed", slog.Any("error", err))
		}
	}()

	creds, closeCreds, err := buildCredentials(ctx, logger, cfg.Credentials)
	if err != nil {
		return fmt.Errorf("configure credentials: %w", err)
	}
	defer closeCreds()

	timeout := time.Duration(cfg.Fetch.TimeoutSeconds) * time.Second
	coord, err := fetch.New(fetch.Options{
		BaseURL:      cfg.Fetch.BaseURL,
		Transport:    fetch.NewHTTPTransport(&http.Client{Timeout: timeout}, cfg.Fetch.MaxBodyBytes),
		Credentials:  creds,
		Store:        store,
		Timeout:      timeout,
		Coalesce:     cfg.Fetch.Coalesce,
		HonorNoStore: cfg.Fetch.HonorNoStore,
		UserAgent:    cfg.Fetch.UserAgent,
		Logger:       logger,
		Metrics:      rec,
	})
	if err != nil {
		return err
	}

	registry, err := buildRegistry(ctx, logger, rec, coord, cfg.Confirmation)
	if err != nil {
		return fmt.Errorf("configure confirmations: %w", err)
	}
	if registry != nil {
		defer registry.Close()
	}

	handler, err := server.NewHandler(server.Deps{
		Binder:         binding.NewBinder(coord, logger, rec),
		Coordinator:    coord,
		Policies:       buildPolicies(cfg.Policies),
		Registry:       registry,
		DefaultTimeout: cfg.Confirmation.DefaultTimeoutSeconds,
		Metrics:        rec,
		Logger:         logger,
	})
	if err != nil {
		return err
	}

	srv, err := newHTTPServer(cfg, logger, handler)
	if err != nil {
		return fmt.Errorf("construct server: %w", err)
	}
	if err := srv.Run(ctx); err != nil {
		return err
	}
	logger.Info("server shutdown complete")
	return nil
}

func buildBackend(logger *slog.Logger, cfg config.CacheConfig) cache.Backend {
	switch cfg.Backend {
	case "bigcache":
		backend, err := cache.NewBigCache(cache.BigCacheConfig{
			Shards:        cfg.BigCache.Shards,
			LifeWindow:    time.Duration(cfg.BigCache.LifeWindowSeconds) * time.Second,
			MaxSizeMB:     cfg.BigCache.MaxSizeMB,
			MaxEntryBytes: cfg.BigCache.MaxEntryBytes,
		}, logger)
		if err != nil {
			logger.Error("bigcache initialization failed", slog.Any("error", err))
			logger.Info("falling back to memory cache")
			return cache.NewMemory()
		}
		logger.Info("using bigcache resource cache", slog.Int("max_size_mb", cfg.BigCache.MaxSizeMB))
		return backend
	case "", "memory":
		logger.Info("using memory resource cache")
		return cache.NewMemory()
	default:
		logger.Warn("unsupported cache backend, defaulting to memory", slog.String("backend", cfg.Backend))
		return cache.NewMemory()
	}
}

func buildCredentials(ctx context.Context, logger *slog.Logger, cfg config.CredentialsConfig) (credentials.Source, func(), error) {
	noop := func() {}
	var (
		src     credentials.Source
		closeFn = noop
	)
	switch cfg.Source {
	case "", "none":
		return credentials.None{}, noop, nil
	case "static":
		src = credentials.Static(cfg.Token)
	case "file":
		file, err := credentials.NewFile(cfg.File.Path, logger)
		if err != nil {
			return nil, noop, err
		}
		if cfg.File.Watch {
			if err := file.Watch(ctx); err != nil {
				return nil, noop, err
			}
		}
		src, closeFn = file, file.Close
	case "valkey":
		client, err := credentials.NewValkey(credentials.ValkeyConfig{
			Address:  cfg.Valkey.Address,
			Username: cfg.Valkey.Username,
			Password: cfg.Valkey.Password,
			DB:       cfg.Valkey.DB,
			Key:      cfg.Valkey.Key,
			TLS: credentials.ValkeyTLSConfig{
				Enabled: cfg.Valkey.TLS.Enabled,
				CAFile:  cfg.Valkey.TLS.CAFile,
			},
		})
		if err != nil {
			return nil, noop, err
		}
		src, closeFn = client, client.Close
	default:
		return nil, noop, fmt.Errorf("unsupported credential source %q", cfg.Source)
	}
	if cfg.RejectExpired {
		src = credentials.RejectExpired(src, clock.New(), time.Duration(cfg.LeewaySeconds)*time.Second)
	}
	return src, closeFn, nil
}

func buildRegistry(ctx context.Context, logger *slog.Logger, rec *metrics.Recorder, coord *fetch.Coordinator, cfg config.ConfirmationConfig) (*confirmation.Registry, error) {
	if !cfg.Enabled() {
		logger.Info("confirmation sessions disabled")
		return nil, nil
	}
	client, err := orders.New(coord, templates.NewRenderer(), orders.Config{
		StatusURL:    cfg.StatusURL,
		CancelURL:    cfg.CancelURL,
		RequiresAuth: cfg.RequiresAuth,
	})
	if err != nil {
		return nil, err
	}
	classifier, err := expr.NewStatusClassifier(cfg.SuccessWhen, cfg.FailureWhen, logger)
	if err != nil {
		return nil, err
	}
	svc, err := confirmation.NewService(confirmation.Options{
		Checker:       client,
		Canceller:     client,
		Classifier:    classifier,
		PollInterval:  time.Duration(cfg.PollIntervalSeconds) * time.Second,
		CancelTimeout: time.Duration(cfg.CancelTimeoutSeconds) * time.Second,
		Logger:        logger,
		Metrics:       rec,
	})
	if err != nil {
		return nil, err
	}
	return confirmation.NewRegistry(ctx, svc, time.Duration(cfg.RetentionSeconds)*time.Second), nil
}

func buildPolicies(in map[string]config.PolicyConfig) map[string]fetch.Policy {
	out := make(map[string]fetch.Policy, len(in))
	for name, p := range in {
		out[name] = fetch.Policy{
			RequiresAuth: p.RequiresAuth,
			SkipCache:    p.SkipCache,
			TTL:          p.TTL(),
		}
	}
	return out
}

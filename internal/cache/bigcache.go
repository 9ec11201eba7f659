package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/allegro/bigcache/v3"
)

// BigCacheConfig bounds the bigcache backend. LifeWindow caps how long any
// entry is retained regardless of the resource policy.
type BigCacheConfig struct {
	Shards        int
	LifeWindow    time.Duration
	MaxSizeMB     int
	MaxEntryBytes int
}

type bigCacheBackend struct {
	cache  *bigcache.BigCache
	logger *slog.Logger
}

// NewBigCache builds a memory-bounded backend on allegro/bigcache.
func NewBigCache(cfg BigCacheConfig, logger *slog.Logger) (Backend, error) {
	if cfg.LifeWindow <= 0 {
		cfg.LifeWindow = time.Hour
	}
	if logger == nil {
		logger = slog.Default()
	}
	bcfg := bigcache.DefaultConfig(cfg.LifeWindow)
	if cfg.Shards > 0 {
		bcfg.Shards = cfg.Shards
	}
	bcfg.HardMaxCacheSize = cfg.MaxSizeMB
	if cfg.MaxEntryBytes > 0 {
		bcfg.MaxEntrySize = cfg.MaxEntryBytes
	}
	bcfg.Verbose = false

	bc, err := bigcache.New(context.Background(), bcfg)
	if err != nil {
		return nil, fmt.Errorf("cache: bigcache init: %w", err)
	}
	return &bigCacheBackend{cache: bc, logger: logger.With(slog.String("backend", "bigcache"))}, nil
}

func (b *bigCacheBackend) Load(key string) (Entry, bool) {
	data, err := b.cache.Get(key)
	if err != nil {
		if !errors.Is(err, bigcache.ErrEntryNotFound) {
			b.logger.Warn("bigcache get failed", slog.String("key", key), slog.Any("error", err))
		}
		return Entry{}, false
	}
	var entry Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		b.logger.Warn("bigcache entry corrupt", slog.String("key", key), slog.Any("error", err))
		_ = b.cache.Delete(key)
		return Entry{}, false
	}
	return entry, true
}

func (b *bigCacheBackend) Save(key string, entry Entry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("cache: bigcache marshal: %w", err)
	}
	if err := b.cache.Set(key, data); err != nil {
		return fmt.Errorf("cache: bigcache set: %w", err)
	}
	return nil
}

func (b *bigCacheBackend) Delete(key string) {
	if err := b.cache.Delete(key); err != nil && !errors.Is(err, bigcache.ErrEntryNotFound) {
		b.logger.Warn("bigcache delete failed", slog.String("key", key), slog.Any("error", err))
	}
}

func (b *bigCacheBackend) DeletePrefix(prefix string) {
	if prefix == "" {
		return
	}
	var matched []string
	it := b.cache.Iterator()
	for it.SetNext() {
		info, err := it.Value()
		if err != nil {
			continue
		}
		if strings.HasPrefix(info.Key(), prefix) {
			matched = append(matched, info.Key())
		}
	}
	for _, key := range matched {
		b.Delete(key)
	}
}

func (b *bigCacheBackend) Reset() {
	if err := b.cache.Reset(); err != nil {
		b.logger.Warn("bigcache reset failed", slog.Any("error", err))
	}
}

func (b *bigCacheBackend) Len() int {
	return b.cache.Len()
}

func (b *bigCacheBackend) Close() error {
	return b.cache.Close()
}

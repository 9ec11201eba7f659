package credentials

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// File reads the token from a file. Without Watch the file is read on every
// call; with Watch the token is cached and reloaded when the file changes.
type File struct {
	path   string
	logger *slog.Logger

	mu       sync.RWMutex
	token    string
	watching bool
	closed   bool
	cancel   context.CancelFunc
	done     chan struct{}
}

// ErrWatching is returned by Watch when the file is already watched or the
// source was closed.
var ErrWatching = errors.New("credentials: token file already watched or closed")

// NewFile prepares a file-backed source. A missing file is not an error; the
// token is simply absent until the file appears.
func NewFile(path string, logger *slog.Logger) (*File, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return nil, errors.New("credentials: token file path required")
	}
	abs, err := filepath.Abs(trimmed)
	if err != nil {
		return nil, fmt.Errorf("credentials: resolve token file: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &File{path: filepath.Clean(abs), logger: logger.With(slog.String("agent", "credentials_file"))}, nil
}

// Token returns the file's trimmed contents.
func (f *File) Token(context.Context) (string, error) {
	f.mu.RLock()
	watching, token := f.watching, f.token
	f.mu.RUnlock()
	if !watching {
		var err error
		token, err = readToken(f.path)
		if err != nil {
			return "", err
		}
	}
	if token == "" {
		return "", ErrAbsent
	}
	return token, nil
}

// Watch caches the token and reloads it on filesystem changes until ctx is
// done or Close is called. A File is watched at most once.
func (f *File) Watch(ctx context.Context) error {
	f.mu.RLock()
	busy := f.watching || f.closed
	f.mu.RUnlock()
	if busy {
		return ErrWatching
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("credentials: watch: %w", err)
	}
	if err := watcher.Add(filepath.Dir(f.path)); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("credentials: watch add %s: %w", filepath.Dir(f.path), err)
	}
	token, err := readToken(f.path)
	if err != nil {
		f.logger.Warn("token reload failed", slog.String("path", f.path), slog.Any("error", err))
	}

	watchCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	f.mu.Lock()
	if f.watching || f.closed {
		f.mu.Unlock()
		cancel()
		_ = watcher.Close()
		return ErrWatching
	}
	f.token = token
	f.watching = true
	f.cancel = cancel
	f.done = done
	f.mu.Unlock()

	go func() {
		defer close(done)
		defer func() {
			if err := watcher.Close(); err != nil {
				f.logger.Warn("token watcher close failed", slog.Any("error", err))
			}
		}()

		const debounce = 25 * time.Millisecond
		var timer *time.Timer
		var signal <-chan time.Time
		defer func() {
			if timer != nil {
				timer.Stop()
			}
		}()

		for {
			select {
			case <-watchCtx.Done():
				return
			case <-signal:
				signal = nil
				f.reload()
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != f.path {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove|fsnotify.Chmod) == 0 {
					continue
				}
				if timer == nil {
					timer = time.NewTimer(debounce)
				} else {
					if !timer.Stop() {
						select {
						case <-timer.C:
						default:
						}
					}
					timer.Reset(debounce)
				}
				signal = timer.C
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				f.logger.Warn("token watcher error", slog.Any("error", err))
			}
		}
	}()
	return nil
}

// Close stops the watcher, if any, and waits for it to exit.
func (f *File) Close() {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return
	}
	f.closed = true
	cancel, done := f.cancel, f.done
	f.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (f *File) reload() {
	token, err := readToken(f.path)
	if err != nil {
		f.logger.Warn("token reload failed", slog.String("path", f.path), slog.Any("error", err))
		token = ""
	}
	f.mu.Lock()
	changed := token != f.token
	f.token = token
	f.mu.Unlock()
	if changed {
		f.logger.Info("token reloaded", slog.String("path", f.path), slog.Bool("present", token != ""))
	}
}

func readToken(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", nil
		}
		return "", fmt.Errorf("credentials: read token file: %w", err)
	}
	return strings.TrimSpace(string(data)), nil
}

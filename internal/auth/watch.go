package auth

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Source yields the keyring in effect for a request.
type Source interface {
	Keyring() *Keyring
}

// Reloader serves the most recently loaded keyring for a keys file and
// swaps in a new one whenever the file changes on disk. A file that fails
// to parse leaves the previous keyring in place.
type Reloader struct {
	path     string
	current  atomic.Pointer[Keyring]
	logger   *slog.Logger
	onReload func(*Keyring)
}

type ReloaderOption func(*Reloader)

func WithReloadLogger(l *slog.Logger) ReloaderOption {
	return func(r *Reloader) { r.logger = l }
}

// OnReload registers fn to run after every successful load, including the
// initial one.
func OnReload(fn func(*Keyring)) ReloaderOption {
	return func(r *Reloader) { r.onReload = fn }
}

func NewReloader(path string, opts ...ReloaderOption) (*Reloader, error) {
	r := &Reloader{path: filepath.Clean(path), logger: slog.Default()}
	for _, opt := range opts {
		opt(r)
	}
	if err := r.Reload(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Reloader) Keyring() *Keyring {
	return r.current.Load()
}

func (r *Reloader) Reload() error {
	ring, err := LoadKeyring(r.path)
	if err != nil {
		return err
	}
	r.current.Store(ring)
	if r.onReload != nil {
		r.onReload(ring)
	}
	return nil
}

// Watch reloads the keys file on change until ctx is done. The directory is
// watched rather than the file so editors that save by rename are seen.
func (r *Reloader) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("keys watcher: %w", err)
	}
	defer watcher.Close()
	if err := watcher.Add(filepath.Dir(r.path)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(r.path), err)
	}

	// editors often emit several events per save
	debounce := time.NewTimer(0)
	<-debounce.C
	for {
		select {
		case <-ctx.Done():
			debounce.Stop()
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != r.path {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			debounce.Reset(50 * time.Millisecond)
		case <-debounce.C:
			if err := r.Reload(); err != nil {
				r.logger.Warn("keys file reload failed, keeping previous keyring", "path", r.path, "error", err)
				continue
			}
			r.logger.Info("keys file reloaded", "path", r.path)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			r.logger.Warn("keys watcher error", "error", err)
		}
	}
}

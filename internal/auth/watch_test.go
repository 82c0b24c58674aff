package auth

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"
)

func writeKeys(t *testing.T, path, body string) {
	t.Helper()
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(body), 0600); err != nil {
		t.Fatalf("write keys: %v", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		t.Fatalf("rename keys: %v", err)
	}
}

func TestReloaderPicksUpChanges(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys.yaml")
	writeKeys(t, path, "projects:\n  p: {keys: [old]}\n")

	var reloads atomic.Int32
	r, err := NewReloader(path, OnReload(func(*Keyring) { reloads.Add(1) }))
	if err != nil {
		t.Fatalf("new reloader: %v", err)
	}
	if _, ok := r.Keyring().ProjectForKey("old"); !ok {
		t.Fatalf("expected initial key")
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Watch(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	// give the watcher time to register before writing
	time.Sleep(100 * time.Millisecond)
	writeKeys(t, path, "projects:\n  p: {keys: [new]}\n")
	waitFor(t, func() bool {
		_, ok := r.Keyring().ProjectForKey("new")
		return ok
	})
	if _, ok := r.Keyring().ProjectForKey("old"); ok {
		t.Fatalf("old key still accepted after reload")
	}

	before := reloads.Load()
	writeKeys(t, path, "projects: [not, a, map")
	time.Sleep(300 * time.Millisecond)
	if _, ok := r.Keyring().ProjectForKey("new"); !ok {
		t.Fatalf("bad file must keep previous keyring")
	}
	if reloads.Load() != before {
		t.Fatalf("failed reload must not fire OnReload")
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("condition not met before deadline")
}

package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func executeRootCommand(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCommand()
	var stdout, stderr bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return stdout.String(), err
}

func TestInitCommandCreatesKey(t *testing.T) {
	keyPath := filepath.Join(t.TempDir(), "interlock.keys.yaml")

	out, err := executeRootCommand(t, "init", "--project", "demo", "--keys-file", keyPath, "--admin", "ops")
	if err != nil {
		t.Fatalf("execute init: %v", err)
	}
	if !strings.Contains(out, "Granted force-release to ops") {
		t.Fatalf("unexpected output: %q", out)
	}

	data, err := os.ReadFile(keyPath)
	if err != nil {
		t.Fatalf("read keys file: %v", err)
	}
	if !bytes.Contains(data, []byte("demo")) || !bytes.Contains(data, []byte("lease.force_release")) {
		t.Fatalf("expected project section and grant to be written:\n%s", data)
	}
}

func TestGrantCommandNeedsArgs(t *testing.T) {
	keyPath := filepath.Join(t.TempDir(), "keys.yaml")
	if _, err := executeRootCommand(t, "grant", "--project", "demo", "--keys-file", keyPath, "alice"); err == nil {
		t.Fatalf("expected error without a capability")
	}
	if _, err := executeRootCommand(t, "grant", "--project", "demo", "--keys-file", keyPath, "alice", "lease.force_release"); err != nil {
		t.Fatalf("grant: %v", err)
	}
}

func TestVersionCommand(t *testing.T) {
	out, err := executeRootCommand(t, "version")
	if err != nil {
		t.Fatalf("version: %v", err)
	}
	if out != "interlock "+version+"\n" {
		t.Fatalf("unexpected output %q", out)
	}
}

func TestLeasesListPrintsTable(t *testing.T) {
	expires := time.Now().Add(10 * time.Minute)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/leases" || r.URL.Query().Get("project") != "demo" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{"leases": []map[string]any{{
			"id": "lease-1", "kind": "file_pattern", "key": "src/**", "mode": "exclusive",
			"holder": 3, "expires_at": expires, "renewed_count": 2,
		}}})
	}))
	defer srv.Close()

	out, err := executeRootCommand(t, "leases", "list", "--server", srv.URL, "--project", "demo")
	if err != nil {
		t.Fatalf("leases list: %v", err)
	}
	for _, want := range []string{"lease-1", "src/**", "exclusive", "from now"} {
		if !strings.Contains(out, want) {
			t.Fatalf("expected %q in output:\n%s", want, out)
		}
	}
}

func TestLeasesListReportsServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(map[string]string{"error": "validation_error", "message": "invalid project: required"})
	}))
	defer srv.Close()

	_, err := executeRootCommand(t, "leases", "list", "--server", srv.URL)
	if err == nil || !strings.Contains(err.Error(), "validation_error") {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestSweepCommand(t *testing.T) {
	dir := t.TempDir()
	out, err := executeRootCommand(t, "sweep", "--db", filepath.Join(dir, "interlock.db"), "--keys-file", filepath.Join(dir, "keys.yaml"))
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if out != "expired 0 leases\n" {
		t.Fatalf("unexpected output %q", out)
	}
}

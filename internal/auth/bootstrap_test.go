package auth

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/mistakeknot/interlock/internal/core"
)

func TestBootstrapDevKeyCreatesLoadableFile(t *testing.T) {
	keysPath := filepath.Join(t.TempDir(), "keys.yaml")

	result, err := BootstrapDevKey(keysPath, "myproject", "ops")
	if err != nil {
		t.Fatalf("bootstrap failed: %v", err)
	}
	if !result.Created || result.Key == "" || result.Project != "myproject" {
		t.Fatalf("unexpected result: %+v", result)
	}
	info, err := os.Stat(keysPath)
	if err != nil {
		t.Fatalf("keys file not created: %v", err)
	}
	if info.Mode().Perm() != 0600 {
		t.Fatalf("expected 0600 keys file, got %v", info.Mode().Perm())
	}

	ring, err := LoadKeyring(keysPath)
	if err != nil {
		t.Fatalf("load keyring: %v", err)
	}
	if proj, ok := ring.ProjectForKey(result.Key); !ok || proj != "myproject" {
		t.Fatalf("expected key to map to myproject, got %s ok=%v", proj, ok)
	}
	grants := ring.Grants()
	if len(grants) != 1 || grants[0].Name != "ops" || grants[0].Capabilities[0] != core.CapabilityForceRelease {
		t.Fatalf("expected ops force-release grant, got %+v", grants)
	}
}

func TestBootstrapDevKeySkipsExisting(t *testing.T) {
	keysPath := filepath.Join(t.TempDir(), "keys.yaml")
	if err := os.WriteFile(keysPath, []byte("existing"), 0600); err != nil {
		t.Fatalf("write existing: %v", err)
	}

	result, err := BootstrapDevKey(keysPath, "myproject")
	if err != nil {
		t.Fatalf("bootstrap failed: %v", err)
	}
	if result.Created {
		t.Fatalf("expected Created=false for existing file")
	}
	data, _ := os.ReadFile(keysPath)
	if string(data) != "existing" {
		t.Fatalf("file was modified")
	}
}

func TestBootstrapDevKeyDefaultProject(t *testing.T) {
	result, err := BootstrapDevKey(filepath.Join(t.TempDir(), "keys.yaml"), "")
	if err != nil {
		t.Fatalf("bootstrap failed: %v", err)
	}
	if result.Project != "dev" {
		t.Fatalf("expected default project=dev, got %s", result.Project)
	}
}

package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/xenbridge/xenvhost/internal/mem"
)

func TestDefaults(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.Mode() != mem.ModeGrant {
		t.Errorf("default mode = %v, want grant", cfg.Mode())
	}
	if cfg.SocketDir == "" || cfg.XenstorePath == "" {
		t.Errorf("defaults incomplete: %+v", cfg)
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "xenvhost.yaml")
	data := []byte(`socket_dir: /srv/backends
foreign_mapping: true
guest_ram_mib: 2048
xenstore_path: /tmp/xenstored.sock
debug: true
`)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.SocketDir != "/srv/backends" {
		t.Errorf("socket_dir = %q", cfg.SocketDir)
	}
	if cfg.Mode() != mem.ModeForeign {
		t.Errorf("mode = %v, want foreign", cfg.Mode())
	}
	if cfg.GuestRAMBytes() != 2048<<20 {
		t.Errorf("guest ram = %d bytes", cfg.GuestRAMBytes())
	}
	if cfg.XenstorePath != "/tmp/xenstored.sock" || !cfg.Debug {
		t.Errorf("cfg = %+v", cfg)
	}
}

func TestLoadPartialFileKeepsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "xenvhost.yaml")
	if err := os.WriteFile(path, []byte("socket_dir: /srv/backends\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.XenstorePath != Default().XenstorePath {
		t.Errorf("xenstore_path = %q, want default", cfg.XenstorePath)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatalf("missing file loaded")
	}
}

func TestLoadMalformedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(path, []byte("socket_dir: [\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Fatalf("malformed file loaded")
	}
}

func TestValidate(t *testing.T) {
	cfg := Default()
	cfg.SocketDir = ""
	if err := cfg.Validate(); err == nil {
		t.Errorf("empty socket_dir accepted")
	}

	cfg = Default()
	cfg.ForeignMapping = true
	cfg.GuestRAMMiB = 0
	if err := cfg.Validate(); err == nil {
		t.Errorf("foreign mapping without RAM size accepted")
	}
}

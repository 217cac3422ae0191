// Package config holds the process configuration, loadable from a YAML
// file with command-line overrides applied on top.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/xenbridge/xenvhost/internal/mem"
	"github.com/xenbridge/xenvhost/internal/xenstore"
)

// Config is the full process configuration.
type Config struct {
	// SocketDir is the directory holding the backend sockets, one per
	// device instance ("<type>.sock<devid>").
	SocketDir string `yaml:"socket_dir"`

	// ForeignMapping maps each guest's whole RAM up front instead of
	// mapping grant references per buffer.
	ForeignMapping bool `yaml:"foreign_mapping"`

	// GuestRAMMiB sizes the foreign mapping per guest. Ignored under
	// grant mapping.
	GuestRAMMiB uint64 `yaml:"guest_ram_mib"`

	// XenstorePath is the xenstored unix socket.
	XenstorePath string `yaml:"xenstore_path"`

	// Debug enables debug-level logging.
	Debug bool `yaml:"debug"`
}

// Default returns the configuration used when no file and no flags are
// given.
func Default() Config {
	return Config{
		SocketDir:    "/run/xenvhost",
		GuestRAMMiB:  1024,
		XenstorePath: xenstore.DefaultSocketPath,
	}
}

// Load reads a YAML config file over the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return cfg, nil
}

// Validate rejects configurations the process cannot run with.
func (c Config) Validate() error {
	if c.SocketDir == "" {
		return fmt.Errorf("config: socket_dir is required")
	}
	if c.ForeignMapping && c.GuestRAMMiB == 0 {
		return fmt.Errorf("config: foreign_mapping requires guest_ram_mib")
	}
	return nil
}

// Mode returns the memory mapping mode the config selects.
func (c Config) Mode() mem.Mode {
	if c.ForeignMapping {
		return mem.ModeForeign
	}
	return mem.ModeGrant
}

// GuestRAMBytes converts the configured RAM size to bytes.
func (c Config) GuestRAMBytes() uint64 {
	return c.GuestRAMMiB << 20
}

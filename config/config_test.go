package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/gc-ir/dispatch/internal/gcerr"
)

func writeTemp(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "devices.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path
}

func TestLoadDevicesAppliesDefaults(t *testing.T) {
	path := writeTemp(t, `
irDevices:
  - host: 192.168.1.50
  - host: 192.168.1.51
    port: 4998
`)
	devices, err := LoadDevices(path)
	if err != nil {
		t.Fatalf("LoadDevices: %v", err)
	}
	if len(devices) != 2 {
		t.Fatalf("got %d devices, want 2", len(devices))
	}
	if devices[0].Type != "itach" || devices[0].Count != 1 {
		t.Fatalf("defaults not applied: %+v", devices[0])
	}
}

func TestLoadDevicesRejectsNonDefaultType(t *testing.T) {
	path := writeTemp(t, `
irDevices:
  - host: 192.168.1.50
    type: globalcache-gc100
`)
	if _, err := LoadDevices(path); !isInvalidConfig(err) {
		t.Fatalf("got %v, want ErrInvalidConfig", err)
	}
}

func TestLoadDevicesRejectsNonDefaultCount(t *testing.T) {
	path := writeTemp(t, `
irDevices:
  - host: 192.168.1.50
    count: 3
`)
	if _, err := LoadDevices(path); !isInvalidConfig(err) {
		t.Fatalf("got %v, want ErrInvalidConfig", err)
	}
}

func TestLoadDevicesRequiresHost(t *testing.T) {
	path := writeTemp(t, `
irDevices:
  - port: 4998
`)
	if _, err := LoadDevices(path); !isInvalidConfig(err) {
		t.Fatalf("got %v, want ErrInvalidConfig", err)
	}
}

func isInvalidConfig(err error) bool {
	return errors.Is(err, gcerr.ErrInvalidConfig)
}

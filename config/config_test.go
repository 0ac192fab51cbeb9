package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadWithoutFileReturnsDefaults(t *testing.T) {
	c, err := Load(filepath.Join(t.TempDir(), "missing.yml"))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	want := Default()
	if c.Warehouse != want.Warehouse {
		t.Errorf("Warehouse = %+v, want %+v", c.Warehouse, want.Warehouse)
	}
	if c.MaxRecoveryAttempts != want.MaxRecoveryAttempts {
		t.Errorf("MaxRecoveryAttempts = %d, want %d", c.MaxRecoveryAttempts, want.MaxRecoveryAttempts)
	}
}

func TestLoadOverlaysYAMLFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "deliverybot.yml")
	body := "warehouse:\n  x: 9\n  y: 9\nmax_recovery_attempts: 5\n"
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	c, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if c.Warehouse.X != 9 || c.Warehouse.Y != 9 {
		t.Errorf("Warehouse = %+v, want (9, 9)", c.Warehouse)
	}
	if c.MaxRecoveryAttempts != 5 {
		t.Errorf("MaxRecoveryAttempts = %d, want 5", c.MaxRecoveryAttempts)
	}
	// Values the override file doesn't mention keep their defaults.
	if c.PositionTolerance != Default().PositionTolerance {
		t.Errorf("PositionTolerance = %v, want unchanged default", c.PositionTolerance)
	}
}

func TestSaveRoundTrips(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.yml")
	want := Default()
	want.SerialDevice = "/dev/ttyACM3"

	if err := Save(path, want); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	got, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if got.SerialDevice != want.SerialDevice {
		t.Errorf("SerialDevice = %q, want %q", got.SerialDevice, want.SerialDevice)
	}
}

func TestDurationHelpersConvertSecondsToDuration(t *testing.T) {
	c := Default()
	if got, want := c.DeliveringWait().Seconds(), c.DeliveringWaitSeconds; got != want {
		t.Errorf("DeliveringWait().Seconds() = %v, want %v", got, want)
	}
}

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"code.nkcmr.net/co2sensor/scd4x"
)

func writeFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "co2sensor.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestDefaultIsValid(t *testing.T) {
	if err := Validate(Default()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestLoad_EmptyPath(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Sensor.Address != scd4x.SensorAddress || cfg.Monitor.Interval() != time.Second {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
}

func TestLoad_EmptyFile(t *testing.T) {
	cfg, err := Load(writeFile(t, ""))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Sensor.Variant != "scd40" || !cfg.Sensor.AutoCalibration {
		t.Fatalf("defaults not applied: %+v", cfg.Sensor)
	}
}

func TestLoad_Overrides(t *testing.T) {
	path := writeFile(t, `
sensor:
  bus: "/dev/i2c-1"
  variant: scd41
  auto_calibration: false
  low_power: true
  timeout_ms: 250
  altitude: 1600
  ambient_pressure: 84000
monitor:
  interval_ms: 5000
console:
  listen: ":2222"
log:
  level: debug
  debug: true
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := Validate(cfg); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	s := cfg.Sensor
	if s.Bus != "/dev/i2c-1" || s.DriverVariant() != scd4x.SCD41 || s.AutoCalibration || !s.LowPower {
		t.Errorf("unexpected sensor config: %+v", s)
	}
	if s.Timeout() != 250*time.Millisecond {
		t.Errorf("timeout %s", s.Timeout())
	}
	if s.Altitude == nil || *s.Altitude != 1600 {
		t.Errorf("altitude %v", s.Altitude)
	}
	if s.AmbientPressure == nil || *s.AmbientPressure != 84000 {
		t.Errorf("ambient pressure %v", s.AmbientPressure)
	}
	if s.TemperatureOffset != nil {
		t.Errorf("temperature offset should be unset, got %v", *s.TemperatureOffset)
	}
	// untouched sections keep their defaults
	if s.Address != 0x62 || cfg.Metrics.Listen != ":9121" {
		t.Errorf("defaults lost: address 0x%x metrics %q", s.Address, cfg.Metrics.Listen)
	}
	if cfg.Monitor.Interval() != 5*time.Second || cfg.Console.Listen != ":2222" || !cfg.Log.Debug {
		t.Errorf("unexpected config: %+v", cfg)
	}
}

func TestLoad_UnknownField(t *testing.T) {
	_, err := Load(writeFile(t, "sensor:\n  adress: 98\n"))
	if err == nil || !strings.Contains(err.Error(), "adress") {
		t.Fatalf("expected unknown field error, got %v", err)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error")
	}
}

func TestValidate(t *testing.T) {
	offset := float32(175)
	pressure := float32(7000000)

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"zero address", func(c *Config) { c.Sensor.Address = 0 }, "sensor.address"},
		{"10-bit address", func(c *Config) { c.Sensor.Address = 0x162 }, "sensor.address"},
		{"variant", func(c *Config) { c.Sensor.Variant = "scd30" }, "sensor.variant"},
		{"timeout", func(c *Config) { c.Sensor.TimeoutMs = 0 }, "sensor.timeout_ms"},
		{"offset", func(c *Config) { c.Sensor.TemperatureOffset = &offset }, "sensor.temperature_offset"},
		{"pressure", func(c *Config) { c.Sensor.AmbientPressure = &pressure }, "sensor.ambient_pressure"},
		{"interval", func(c *Config) { c.Monitor.IntervalMs = 10 }, "monitor.interval_ms"},
		{"metrics path", func(c *Config) { c.Metrics.Path = "metrics" }, "metrics.path"},
		{"host key without listener", func(c *Config) { c.Console.HostKey = "key.pem" }, "console.host_key"},
		{"log level", func(c *Config) { c.Log.Level = "loud" }, "log.level"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := Validate(cfg)
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("error %q does not mention %q", err, tt.want)
			}
		})
	}
}

func TestMarshalRoundTrip(t *testing.T) {
	cfg := Default()
	cfg.Sensor.Variant = "scd41"
	out, err := Marshal(cfg)
	if err != nil {
		t.Fatal(err)
	}
	loaded, err := Load(writeFile(t, string(out)))
	if err != nil {
		t.Fatalf("unexpected error: %v\n%s", err, out)
	}
	if loaded.Sensor.Variant != "scd41" {
		t.Errorf("variant %q after round trip", loaded.Sensor.Variant)
	}
}

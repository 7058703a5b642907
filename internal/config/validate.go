package config

import (
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Validate checks configuration correctness.
// It does not mutate cfg.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}

	s := cfg.Sensor
	if s.Address == 0 || s.Address > 0x7F {
		return errors.Errorf("sensor.address 0x%x is not a 7-bit I2C address", s.Address)
	}
	switch s.Variant {
	case "scd40", "scd41":
	default:
		return errors.Errorf("sensor.variant %q must be scd40 or scd41", s.Variant)
	}
	if s.TimeoutMs <= 0 {
		return errors.Errorf("sensor.timeout_ms must be positive, got %d", s.TimeoutMs)
	}
	if s.TemperatureOffset != nil && (*s.TemperatureOffset < 0 || *s.TemperatureOffset >= 175) {
		return errors.Errorf("sensor.temperature_offset %.2f outside [0, 175)", *s.TemperatureOffset)
	}
	if s.AmbientPressure != nil && (*s.AmbientPressure < 0 || *s.AmbientPressure > 6553500) {
		return errors.Errorf("sensor.ambient_pressure %.0f outside [0, 6553500]", *s.AmbientPressure)
	}

	if cfg.Monitor.IntervalMs < 100 {
		return errors.Errorf("monitor.interval_ms must be at least 100, got %d", cfg.Monitor.IntervalMs)
	}

	if cfg.Metrics.Listen != "" && (cfg.Metrics.Path == "" || cfg.Metrics.Path[0] != '/') {
		return errors.Errorf("metrics.path %q must start with /", cfg.Metrics.Path)
	}
	if cfg.Console.HostKey != "" && cfg.Console.Listen == "" {
		return errors.New("console.host_key is set but console.listen is empty")
	}

	if _, err := logrus.ParseLevel(cfg.Log.Level); err != nil {
		return errors.Wrap(err, "log.level")
	}
	return nil
}

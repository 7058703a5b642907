// Package config loads the co2sensor daemon configuration from YAML.
package config

import (
	"io"
	"os"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"code.nkcmr.net/co2sensor/scd4x"
)

type Config struct {
	Sensor  SensorConfig  `yaml:"sensor"`
	Monitor MonitorConfig `yaml:"monitor"`
	Metrics MetricsConfig `yaml:"metrics"`
	Console ConsoleConfig `yaml:"console"`
	Log     LogConfig     `yaml:"log"`
}

// ---- SENSOR ----

type SensorConfig struct {
	// periph bus name; empty opens the first bus found
	Bus       string `yaml:"bus"`
	Address   uint16 `yaml:"address"`
	Variant   string `yaml:"variant"` // scd40 | scd41
	TimeoutMs int    `yaml:"timeout_ms"`

	AutoCalibration bool `yaml:"auto_calibration"`
	LowPower        bool `yaml:"low_power"`
	SkipInitialStop bool `yaml:"skip_initial_stop"`

	// Applied after begin when set (optional)
	Altitude          *uint16  `yaml:"altitude"`           // metres
	TemperatureOffset *float32 `yaml:"temperature_offset"` // °C
	AmbientPressure   *float32 `yaml:"ambient_pressure"`   // Pa
}

// ---- MONITOR ----

type MonitorConfig struct {
	IntervalMs int `yaml:"interval_ms"`
}

// ---- METRICS ----

type MetricsConfig struct {
	// empty disables the HTTP listener
	Listen string `yaml:"listen"`
	Path   string `yaml:"path"`
}

// ---- CONSOLE ----

type ConsoleConfig struct {
	// empty disables the SSH console
	Listen string `yaml:"listen"`
	// PEM private key; a fresh ed25519 key is generated when empty
	HostKey string `yaml:"host_key"`
}

// ---- LOG ----

type LogConfig struct {
	Level string `yaml:"level"`
	// trace every sensor command
	Debug bool `yaml:"debug"`
}

// Default returns the configuration used for anything a file leaves out.
func Default() *Config {
	return &Config{
		Sensor: SensorConfig{
			Address:         scd4x.SensorAddress,
			Variant:         "scd40",
			TimeoutMs:       100,
			AutoCalibration: true,
		},
		Monitor: MonitorConfig{IntervalMs: 1000},
		Metrics: MetricsConfig{Listen: ":9121", Path: "/metrics"},
		Log:     LogConfig{Level: "info"},
	}
}

// Load reads path over Default. Unknown keys are rejected. An empty path
// returns Default.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "config")
	}
	defer f.Close()
	if err := decode(f, cfg); err != nil {
		return nil, errors.Wrapf(err, "config %s", path)
	}
	return cfg, nil
}

func decode(r io.Reader, cfg *Config) error {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && err != io.EOF {
		return err
	}
	return nil
}

// Marshal renders cfg as YAML.
func Marshal(cfg *Config) ([]byte, error) {
	return yaml.Marshal(cfg)
}

func (s SensorConfig) Timeout() time.Duration {
	return time.Duration(s.TimeoutMs) * time.Millisecond
}

// DriverVariant maps Variant to the driver's type. Call after Validate.
func (s SensorConfig) DriverVariant() scd4x.Variant {
	if s.Variant == "scd41" {
		return scd4x.SCD41
	}
	return scd4x.SCD40
}

func (m MonitorConfig) Interval() time.Duration {
	return time.Duration(m.IntervalMs) * time.Millisecond
}

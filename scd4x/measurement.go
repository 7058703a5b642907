package scd4x

import (
	"fmt"

	"github.com/pkg/errors"
	"periph.io/x/conn/v3/physic"

	"code.nkcmr.net/co2sensor/sensirion"
)

// Measurement contains the data that is yielded by the sensor.
type Measurement struct {
	CO2         uint16  // ppm
	Temperature float32 // celsius
	Humidity    float32 // relative humidity, percentage
}

// Env converts m to periph's unit types. Pressure is left at zero.
func (m Measurement) Env() physic.Env {
	return physic.Env{
		Temperature: physic.ZeroCelsius + physic.Temperature(float64(m.Temperature)*float64(physic.Celsius)),
		Humidity:    physic.RelativeHumidity(float64(m.Humidity) * float64(physic.PercentRH)),
	}
}

func (m Measurement) String() string {
	env := m.Env()
	return fmt.Sprintf("Temperature: %s Humidity: %s CO2: %d PPM", env.Temperature, env.Humidity, m.CO2)
}

func countToTemperature(count uint16) float32 {
	return -45 + float32(count)*175/65536
}

func countToHumidity(count uint16) float32 {
	return float32(count) * 100 / 65536
}

// DecodeMeasurement decodes a 9 byte read_measurement response: CO2,
// temperature and humidity words, each followed by its CRC. ok is false if
// any of the three checksums fails, in which case no field is usable.
func DecodeMeasurement(b []byte) (m Measurement, ok bool) {
	m, err := decodeMeasurement(b)
	return m, err == nil
}

func decodeMeasurement(b []byte) (Measurement, error) {
	if len(b) != 3*sensirion.WordSize {
		return Measurement{}, errors.Errorf("measurement frame is %d bytes, want %d", len(b), 3*sensirion.WordSize)
	}
	words, err := sensirion.DecodeWords(b)
	if err != nil {
		return Measurement{}, err
	}
	return Measurement{
		CO2:         words[0],
		Temperature: countToTemperature(words[1]),
		Humidity:    countToHumidity(words[2]),
	}, nil
}

// Serial is the 48 bit unique serial number of a sensor.
type Serial uint64

// String renders the serial as 12 upper case hex digits.
func (s Serial) String() string {
	return fmt.Sprintf("%012X", uint64(s))
}

// Variant is the member of the SCD4x family.
type Variant int

const (
	SCD40 Variant = iota
	SCD41
)

func (v Variant) String() string {
	switch v {
	case SCD40:
		return "SCD40"
	case SCD41:
		return "SCD41"
	default:
		return fmt.Sprintf("Variant(%d)", int(v))
	}
}

// State is the measurement mode the driver believes the chip is in.
type State int

const (
	// Idle accepts every command.
	Idle State = iota
	// Running is periodic (or low power periodic) measurement. Only reads,
	// data ready checks, ambient pressure and stop are accepted.
	Running
)

func (s State) String() string {
	if s == Running {
		return "running"
	}
	return "idle"
}

// Package scd4xtest is meant to be used to test drivers and applications
// built on scd4x without hardware.
//
// Sensor models an SCD4x behind a scd4x.Bus: it keeps the chip's settings,
// answers reads with correctly framed words, rejects the commands the chip
// ignores during periodic measurement and records every bus operation.
package scd4xtest

import (
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"github.com/pkg/errors"

	"code.nkcmr.net/co2sensor/scd4x"
	"code.nkcmr.net/co2sensor/sensirion"
)

const (
	opStartPeriodicMeasurement         = 0x21B1
	opReadMeasurement                  = 0xEC05
	opStopPeriodicMeasurement          = 0x3F86
	opSetTemperatureOffset             = 0x241D
	opGetTemperatureOffset             = 0x2318
	opSetSensorAltitude                = 0x2427
	opGetSensorAltitude                = 0x2322
	opSetAmbientPressure               = 0xE000
	opPerformForcedRecalibration       = 0x362F
	opSetAutomaticSelfCalibration      = 0x2416
	opGetAutomaticSelfCalibration      = 0x2313
	opStartLowPowerPeriodicMeasurement = 0x21AC
	opGetDataReadyStatus               = 0xE4B8
	opPersistSettings                  = 0x3615
	opGetSerialNumber                  = 0x3682
	opPerformSelfTest                  = 0x3639
	opPerformFactoryReset              = 0x3632
	opReinit                           = 0x3646
	opMeasureSingleShot                = 0x219D
	opMeasureSingleShotRHTOnly         = 0x2196
	opGetSensorVariant                 = 0x202F
)

// Power-on defaults of the chip.
const (
	DefaultSerial            = 0x73B1EB073B0C
	DefaultTemperatureOffset = 0x05B6 // 4 °C
)

// Kind is the type of a recorded bus operation.
type Kind int

const (
	Probe Kind = iota
	Write
	Read
)

func (k Kind) String() string {
	switch k {
	case Probe:
		return "probe"
	case Write:
		return "write"
	default:
		return "read"
	}
}

// Op is one recorded bus operation.
type Op struct {
	Kind Kind
	Addr uint16
	// Bytes written, or bytes returned by a read.
	Data []byte
}

// Command returns the command word of a write.
func (o Op) Command() uint16 {
	if o.Kind != Write || len(o.Data) < 2 {
		return 0
	}
	return binary.BigEndian.Uint16(o.Data)
}

func (o Op) String() string {
	return fmt.Sprintf("%s 0x%02x %#v", o.Kind, o.Addr, o.Data)
}

// Sensor is a simulated SCD4x. It implements scd4x.Bus; the zero value is
// not usable, use New.
//
// Exported fields may be changed between driver calls to script the chip's
// behavior. Guard concurrent access with Lock/Unlock.
type Sensor struct {
	busMu sync.Mutex
	mu    sync.Mutex

	Addr    uint16
	Serial  uint64
	Variant scd4x.Variant

	// Chip state.
	Running           bool
	ASC               bool
	TemperatureOffset uint16
	Altitude          uint16
	Pressure          uint16
	DataReady         bool
	// Raw CO2, temperature and humidity words of the next measurement.
	Frame [3]uint16
	// Word returned by perform_forced_recalibration. Zero means success with
	// no correction (0x8000 is sent).
	FRCResult      uint16
	FRCTarget      uint16
	SelfTestResult uint16
	Persisted      int

	// Faults.
	Absent    bool
	WriteErr  error
	ReadErr   error
	ReadDelay time.Duration
	// Commands whose responses are sent with a corrupted CRC on the first
	// word.
	Corrupt map[uint16]bool

	ops      []Op
	acquired int
	released int
	pending  []byte
}

// New returns a powered, idle sensor with default settings and ASC enabled.
func New() *Sensor {
	return &Sensor{
		Addr:              scd4x.SensorAddress,
		Serial:            DefaultSerial,
		Variant:           scd4x.SCD41,
		ASC:               true,
		TemperatureOffset: DefaultTemperatureOffset,
		Corrupt:           map[uint16]bool{},
	}
}

// Lock locks the simulated chip state.
func (s *Sensor) Lock() { s.mu.Lock() }

// Unlock unlocks the simulated chip state.
func (s *Sensor) Unlock() { s.mu.Unlock() }

// SetMeasurement queues a measurement and raises data ready.
func (s *Sensor) SetMeasurement(co2 uint16, temperature, humidity float32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Frame = [3]uint16{
		co2,
		uint16((temperature + 45) * 65536 / 175),
		uint16(humidity * 65536 / 100),
	}
	s.DataReady = true
}

// Ops returns a copy of the recorded operations.
func (s *Sensor) Ops() []Op {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Op(nil), s.ops...)
}

// Commands returns the command words written, in order.
func (s *Sensor) Commands() []uint16 {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []uint16
	for _, o := range s.ops {
		if o.Kind == Write {
			out = append(out, o.Command())
		}
	}
	return out
}

// Balanced reports whether every Acquire was matched by a Release.
func (s *Sensor) Balanced() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.acquired == s.released
}

// ResetOps clears the recorded operations.
func (s *Sensor) ResetOps() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ops = nil
}

func (s *Sensor) Acquire() {
	s.busMu.Lock()
	s.mu.Lock()
	s.acquired++
	s.mu.Unlock()
}

func (s *Sensor) Release() {
	s.mu.Lock()
	s.released++
	s.mu.Unlock()
	s.busMu.Unlock()
}

func (s *Sensor) DeviceReady(addr uint16, timeout time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ops = append(s.ops, Op{Kind: Probe, Addr: addr})
	return !s.Absent && addr == s.Addr
}

func (s *Sensor) Write(addr uint16, w []byte, timeout time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ops = append(s.ops, Op{Kind: Write, Addr: addr, Data: append([]byte(nil), w...)})
	if s.Absent || addr != s.Addr {
		return errors.Errorf("scd4xtest: no ACK from 0x%02x", addr)
	}
	if s.WriteErr != nil {
		return s.WriteErr
	}
	if len(w) != 2 && len(w) != 5 {
		return errors.Errorf("scd4xtest: unexpected write of %d bytes", len(w))
	}
	op := binary.BigEndian.Uint16(w)
	var arg uint16
	if len(w) == 5 {
		v, ok := sensirion.DecodeWord(w[2:])
		if !ok {
			return errors.Errorf("scd4xtest: bad argument CRC for 0x%04x", op)
		}
		arg = v
	}
	s.pending = nil
	if err := s.exec(op, arg, len(w) == 5); err != nil {
		return err
	}
	if s.Corrupt[op] && len(s.pending) > 0 {
		s.pending[2] ^= 0xFF
	}
	return nil
}

func (s *Sensor) Read(addr uint16, r []byte, timeout time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ReadDelay > timeout {
		s.ops = append(s.ops, Op{Kind: Read, Addr: addr})
		return errors.Errorf("scd4xtest: read timed out after %s", timeout)
	}
	if s.Absent || addr != s.Addr {
		s.ops = append(s.ops, Op{Kind: Read, Addr: addr})
		return errors.Errorf("scd4xtest: no ACK from 0x%02x", addr)
	}
	if s.ReadErr != nil {
		s.ops = append(s.ops, Op{Kind: Read, Addr: addr})
		return s.ReadErr
	}
	if len(r) != len(s.pending) {
		s.ops = append(s.ops, Op{Kind: Read, Addr: addr})
		return errors.Errorf("scd4xtest: read of %d bytes, %d pending", len(r), len(s.pending))
	}
	copy(r, s.pending)
	s.ops = append(s.ops, Op{Kind: Read, Addr: addr, Data: append([]byte(nil), r...)})
	s.pending = nil
	return nil
}

func (s *Sensor) respond(words ...uint16) {
	s.pending = sensirion.EncodeWords(words...)
}

// exec applies one command. The real chip does not acknowledge commands it
// cannot execute; that is reported as a write error.
func (s *Sensor) exec(op, arg uint16, hasArg bool) error {
	switch op {
	case opReadMeasurement, opStopPeriodicMeasurement, opGetDataReadyStatus, opSetAmbientPressure:
	default:
		if s.Running {
			return errors.Errorf("scd4xtest: command 0x%04x ignored during periodic measurement", op)
		}
	}
	needArg := false
	switch op {
	case opSetTemperatureOffset, opSetSensorAltitude, opSetAmbientPressure,
		opPerformForcedRecalibration, opSetAutomaticSelfCalibration:
		needArg = true
	}
	if needArg != hasArg {
		return errors.Errorf("scd4xtest: command 0x%04x sent with wrong argument count", op)
	}

	switch op {
	case opStartPeriodicMeasurement, opStartLowPowerPeriodicMeasurement:
		s.Running = true
	case opStopPeriodicMeasurement:
		s.Running = false
	case opGetDataReadyStatus:
		if s.DataReady {
			s.respond(0x8006)
		} else {
			s.respond(0x8000)
		}
	case opReadMeasurement:
		if !s.DataReady {
			return errors.New("scd4xtest: no measurement available")
		}
		s.respond(s.Frame[0], s.Frame[1], s.Frame[2])
		s.DataReady = false
	case opSetTemperatureOffset:
		s.TemperatureOffset = arg
	case opGetTemperatureOffset:
		s.respond(s.TemperatureOffset)
	case opSetSensorAltitude:
		s.Altitude = arg
	case opGetSensorAltitude:
		s.respond(s.Altitude)
	case opSetAmbientPressure:
		s.Pressure = arg
	case opPerformForcedRecalibration:
		s.FRCTarget = arg
		if s.FRCResult == 0 {
			s.respond(0x8000)
		} else {
			s.respond(s.FRCResult)
		}
	case opSetAutomaticSelfCalibration:
		s.ASC = arg == 1
	case opGetAutomaticSelfCalibration:
		if s.ASC {
			s.respond(1)
		} else {
			s.respond(0)
		}
	case opPersistSettings:
		s.Persisted++
	case opGetSerialNumber:
		s.respond(uint16(s.Serial>>32), uint16(s.Serial>>16), uint16(s.Serial))
	case opPerformSelfTest:
		s.respond(s.SelfTestResult)
	case opPerformFactoryReset:
		s.ASC = true
		s.TemperatureOffset = DefaultTemperatureOffset
		s.Altitude = 0
		s.Pressure = 0
	case opReinit:
	case opMeasureSingleShot, opMeasureSingleShotRHTOnly:
		if s.Variant != scd4x.SCD41 {
			return errors.Errorf("scd4xtest: 0x%04x not supported by %s", op, s.Variant)
		}
		if op == opMeasureSingleShotRHTOnly {
			s.Frame[0] = 0
		}
		s.DataReady = true
	case opGetSensorVariant:
		if s.Variant == scd4x.SCD41 {
			s.respond(0x1000)
		} else {
			s.respond(0x0000)
		}
	default:
		return errors.Errorf("scd4xtest: unknown command 0x%04x", op)
	}
	return nil
}

var _ scd4x.Bus = &Sensor{}

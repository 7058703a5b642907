package scd4x

import (
	"fmt"

	"github.com/pkg/errors"

	"code.nkcmr.net/co2sensor/sensirion"
)

// Error classes reported by the driver. Use errors.Is to test for them; the
// returned errors carry the failing command as context.
var (
	// ErrDeviceNotPresent means the presence check failed or the chip did
	// not acknowledge its address.
	ErrDeviceNotPresent = errors.New("scd4x: device not present")
	// ErrTransport means a write or read did not complete.
	ErrTransport = errors.New("scd4x: transport failure")
	// ErrChecksumMismatch means a received word failed CRC validation.
	ErrChecksumMismatch = errors.New("scd4x: checksum mismatch")
	// ErrInvalidState means the command is not legal in the current mode, or
	// not supported by the configured sensor variant.
	ErrInvalidState = errors.New("scd4x: invalid state")
	// ErrCalibrationFailed means forced recalibration returned 0xFFFF.
	ErrCalibrationFailed = errors.New("scd4x: forced recalibration failed")
	// ErrInvalidArgument means a value is outside the range the chip accepts.
	ErrInvalidArgument = errors.New("scd4x: invalid argument")
	// ErrMalfunction means the self test reported a non-zero result.
	ErrMalfunction = errors.New("scd4x: sensor malfunction detected")
)

// BusError wraps a failure returned by the Bus during a write or read.
type BusError struct {
	// Op is the command or phase that failed.
	Op   string
	Addr uint16
	Err  error
}

func (e *BusError) Error() string {
	return fmt.Sprintf("scd4x: %s (addr 0x%02x): %v", e.Op, e.Addr, e.Err)
}

func (e *BusError) Unwrap() error { return e.Err }

// Is reports BusError as ErrTransport.
func (e *BusError) Is(target error) bool { return target == ErrTransport }

// ChecksumError wraps a CRC failure in the response to Op.
type ChecksumError struct {
	Op  string
	Err *sensirion.CRCError
}

func (e *ChecksumError) Error() string {
	return fmt.Sprintf("scd4x: %s: %v", e.Op, e.Err)
}

func (e *ChecksumError) Unwrap() error { return e.Err }

// Is reports ChecksumError as ErrChecksumMismatch.
func (e *ChecksumError) Is(target error) bool { return target == ErrChecksumMismatch }

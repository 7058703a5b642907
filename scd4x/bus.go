package scd4x

import (
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"periph.io/x/conn/v3/i2c"
)

// Bus is the two-wire transport the driver talks through. The driver calls
// Acquire before and Release after each transaction, and checks DeviceReady
// before every write or read. Every call is bounded by timeout. A Write error
// matching ErrDeviceNotPresent is reported as such rather than as a
// transport failure.
type Bus interface {
	Acquire()
	Release()
	DeviceReady(addr uint16, timeout time.Duration) bool
	Write(addr uint16, w []byte, timeout time.Duration) error
	Read(addr uint16, r []byte, timeout time.Duration) error
}

// PeriphBus adapts a periph.io I2C bus to Bus. One PeriphBus should be
// shared by every driver on the same physical bus so that Acquire
// serializes them.
type PeriphBus struct {
	mu  sync.Mutex
	bus i2c.Bus

	txMu sync.Mutex
	// Result of a transaction that outlived its timeout. No new transaction
	// starts until it arrives.
	pending chan error
}

// NewPeriphBus wraps b.
func NewPeriphBus(b i2c.Bus) *PeriphBus {
	return &PeriphBus{bus: b}
}

func (p *PeriphBus) Acquire() { p.mu.Lock() }

func (p *PeriphBus) Release() { p.mu.Unlock() }

// DeviceReady reports whether an empty transaction with addr succeeds. The
// Linux i2c-dev driver completes empty transactions without touching the
// bus, so there an absent chip is only detected by Write.
func (p *PeriphBus) DeviceReady(addr uint16, timeout time.Duration) bool {
	return p.tx(addr, nil, nil, timeout) == nil
}

// Write sends w to addr. When the address is not acknowledged the error
// matches ErrDeviceNotPresent.
func (p *PeriphBus) Write(addr uint16, w []byte, timeout time.Duration) error {
	err := p.tx(addr, w, nil, timeout)
	if err != nil && isAddressNACK(err) {
		return &notPresentError{addr: addr, err: err}
	}
	return err
}

func (p *PeriphBus) Read(addr uint16, r []byte, timeout time.Duration) error {
	return p.tx(addr, nil, r, timeout)
}

func (p *PeriphBus) String() string {
	return p.bus.String()
}

// tx runs the periph transaction in its own goroutine since i2c.Bus has no
// deadline. Reads land in a scratch buffer so a late completion cannot write
// into r after a timeout. A transaction that timed out still owns the bus:
// the next tx waits for it within its own timeout, or fails as busy.
func (p *PeriphBus) tx(addr uint16, w, r []byte, timeout time.Duration) error {
	p.txMu.Lock()
	defer p.txMu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	if p.pending != nil {
		select {
		case <-p.pending:
			p.pending = nil
		case <-timer.C:
			return errors.Errorf("i2c bus busy: a timed out transaction is still running, 0x%02x not addressed", addr)
		}
	}

	var scratch []byte
	if len(r) > 0 {
		scratch = make([]byte, len(r))
	}
	done := make(chan error, 1)
	go func() {
		done <- p.bus.Tx(addr, w, scratch)
	}()

	select {
	case err := <-done:
		if err != nil {
			return err
		}
		copy(r, scratch)
		return nil
	case <-timer.C:
		p.pending = done
		return errors.Errorf("i2c transaction with 0x%02x timed out after %s", addr, timeout)
	}
}

// Messages of EREMOTEIO and ENXIO, which i2c-dev reports when the address
// byte is not acknowledged. periph formats the errno into its error, so only
// the text survives.
var nackMessages = []string{
	"remote I/O error",
	"no such device or address",
}

func isAddressNACK(err error) bool {
	msg := err.Error()
	for _, m := range nackMessages {
		if strings.Contains(msg, m) {
			return true
		}
	}
	return false
}

type notPresentError struct {
	addr uint16
	err  error
}

func (e *notPresentError) Error() string {
	return errors.Wrapf(e.err, "0x%02x not acknowledged", e.addr).Error()
}

func (e *notPresentError) Unwrap() error { return e.err }

func (e *notPresentError) Is(target error) bool { return target == ErrDeviceNotPresent }

var _ Bus = &PeriphBus{}

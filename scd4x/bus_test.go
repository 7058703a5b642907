package scd4x

import (
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"periph.io/x/conn/v3/i2c/i2ctest"
)

func probe() i2ctest.IO { return i2ctest.IO{Addr: SensorAddress} }

// Begin with an initial stop, ASC disabled and periodic measurement started.
var beginPlayback = []i2ctest.IO{
	probe(),
	{Addr: SensorAddress, W: []byte{0x3f, 0x86}},
	probe(),
	{Addr: SensorAddress, W: []byte{0x36, 0x82}},
	probe(),
	{Addr: SensorAddress, R: []byte{0x73, 0xb1, 0x19, 0xeb, 0x07, 0x7a, 0x3b, 0x0c, 0x54}},
	probe(),
	{Addr: SensorAddress, W: []byte{0x24, 0x16, 0x00, 0x00, 0x81}},
	probe(),
	{Addr: SensorAddress, W: []byte{0x23, 0x13}},
	probe(),
	{Addr: SensorAddress, R: []byte{0x00, 0x00, 0x81}},
	probe(),
	{Addr: SensorAddress, W: []byte{0x21, 0xb1}},
}

var readPlayback = []i2ctest.IO{
	probe(),
	{Addr: SensorAddress, W: []byte{0xe4, 0xb8}},
	probe(),
	{Addr: SensorAddress, R: []byte{0x80, 0x06, 0x04}},
	probe(),
	{Addr: SensorAddress, W: []byte{0xec, 0x05}},
	probe(),
	{Addr: SensorAddress, R: []byte{0x01, 0xf4, 0x33, 0x66, 0x67, 0xa2, 0x5e, 0xb9, 0x3c}},
}

func nosleep(time.Duration) {}

func TestPeriphBusBegin(t *testing.T) {
	pb := &i2ctest.Playback{Ops: beginPlayback, DontPanic: true}
	dev := New(NewPeriphBus(pb), WithSleep(nosleep))
	if err := dev.Begin(BeginOptions{StartMeasurement: true}); err != nil {
		t.Fatal(err)
	}
	if !dev.Running() {
		t.Error("expected periodic measurement to be running")
	}
	if err := pb.Close(); err != nil {
		t.Error(err)
	}
}

func TestPeriphBusReadMeasurement(t *testing.T) {
	pb := &i2ctest.Playback{Ops: readPlayback, DontPanic: true}
	dev := New(NewPeriphBus(pb), WithSleep(nosleep))
	fresh, err := dev.ReadMeasurement()
	if err != nil {
		t.Fatal(err)
	}
	if !fresh {
		t.Fatal("expected a fresh measurement")
	}
	if m := dev.Last(); m.CO2 != 500 {
		t.Errorf("unexpected measurement %s", m)
	}
	if err := pb.Close(); err != nil {
		t.Error(err)
	}
}

func TestPeriphBusTransportError(t *testing.T) {
	// The chip answers the probe but the script expects a different command.
	pb := &i2ctest.Playback{
		Ops: []i2ctest.IO{
			probe(),
			{Addr: SensorAddress, W: []byte{0x21, 0xb1}},
		},
		DontPanic: true,
	}
	dev := New(NewPeriphBus(pb), WithSleep(nosleep))
	err := dev.PersistSettings()
	if !errors.Is(err, ErrTransport) {
		t.Fatalf("expected ErrTransport, got %v", err)
	}
	var busErr *BusError
	if !errors.As(err, &busErr) || busErr.Addr != SensorAddress {
		t.Errorf("expected a BusError for 0x62, got %#v", err)
	}
}

func TestPeriphBusNotPresent(t *testing.T) {
	pb := &i2ctest.Playback{DontPanic: true}
	dev := New(NewPeriphBus(pb), WithSleep(nosleep))
	if err := dev.StopPeriodicMeasurement(); !errors.Is(err, ErrDeviceNotPresent) {
		t.Fatalf("expected ErrDeviceNotPresent, got %v", err)
	}
}

type stuckBus struct {
	i2ctest.Playback
	release chan struct{}
}

func (s *stuckBus) Tx(addr uint16, w, r []byte) error {
	<-s.release
	return nil
}

func TestPeriphBusTimeout(t *testing.T) {
	b := &stuckBus{release: make(chan struct{})}
	defer close(b.release)
	p := NewPeriphBus(b)
	start := time.Now()
	err := p.Read(SensorAddress, make([]byte, 3), 10*time.Millisecond)
	if err == nil {
		t.Fatal("expected a timeout")
	}
	if time.Since(start) > time.Second {
		t.Errorf("timeout took %s", time.Since(start))
	}
	if p.String() != "playback" {
		t.Errorf("String() = %q", p.String())
	}
}

// sysfsBus behaves like i2c-dev with nothing at the address: empty
// transactions succeed without touching the wire, anything else is NACKed.
type sysfsBus struct {
	i2ctest.Playback
}

func (s *sysfsBus) Tx(addr uint16, w, r []byte) error {
	if len(w) == 0 && len(r) == 0 {
		return nil
	}
	return errors.New("sysfs-i2c: remote I/O error")
}

func TestPeriphBusAddressNotAcknowledged(t *testing.T) {
	dev := New(NewPeriphBus(&sysfsBus{}), WithSleep(nosleep))
	err := dev.Reinit()
	if !errors.Is(err, ErrDeviceNotPresent) {
		t.Fatalf("expected ErrDeviceNotPresent, got %v", err)
	}
	if errors.Is(err, ErrTransport) {
		t.Errorf("absent chip reported as a transport failure: %v", err)
	}
	if _, err := dev.SerialNumber(); !errors.Is(err, ErrDeviceNotPresent) {
		t.Errorf("expected ErrDeviceNotPresent, got %v", err)
	}
}

// slowBus blocks every Tx until release is closed and records how many run
// at once.
type slowBus struct {
	i2ctest.Playback
	release chan struct{}

	mu     sync.Mutex
	calls  int
	active int
	peak   int
}

func (s *slowBus) Tx(addr uint16, w, r []byte) error {
	s.mu.Lock()
	s.calls++
	s.active++
	if s.active > s.peak {
		s.peak = s.active
	}
	s.mu.Unlock()

	<-s.release

	s.mu.Lock()
	s.active--
	s.mu.Unlock()
	return nil
}

func (s *slowBus) stats() (calls, peak int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls, s.peak
}

func TestPeriphBusTimedOutTransactionHoldsBus(t *testing.T) {
	b := &slowBus{release: make(chan struct{})}
	p := NewPeriphBus(b)
	cmd := []byte{0x36, 0x82}
	for i := 0; i < 3; i++ {
		p.Acquire()
		err := p.Write(SensorAddress, cmd, 10*time.Millisecond)
		p.Release()
		if err == nil {
			t.Fatalf("write %d: expected an error", i)
		}
	}
	if calls, _ := b.stats(); calls != 1 {
		t.Errorf("%d transactions started while the first was stuck", calls)
	}

	close(b.release)
	if err := p.Write(SensorAddress, cmd, time.Second); err != nil {
		t.Fatal(err)
	}
	calls, peak := b.stats()
	if calls != 2 || peak != 1 {
		t.Errorf("calls %d, peak concurrency %d", calls, peak)
	}
}

// Package monitor owns a sensor driver in the daemon: it brings the sensor
// up, polls it on a fixed interval and publishes the latest reading to
// metrics and subscribers.
package monitor

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"code.nkcmr.net/co2sensor/scd4x"
)

// Sensor is the part of *scd4x.Dev the monitor drives.
type Sensor interface {
	Begin(scd4x.BeginOptions) error
	Serial() scd4x.Serial
	StartPeriodicMeasurement() error
	StartLowPowerPeriodicMeasurement() error
	StopPeriodicMeasurement() error
	SetSensorAltitude(uint16) error
	SetTemperatureOffset(float32) error
	SetAmbientPressure(float32) error
	ReadMeasurement() (bool, error)
	Temperature() float32
	Humidity() float32
	CO2() uint16
}

var _ Sensor = &scd4x.Dev{}

type Status int

const (
	Initializing Status = iota
	NoSensor
	Measuring
)

func (s Status) String() string {
	switch s {
	case Initializing:
		return "Initializing.."
	case NoSensor:
		return "No sensor found!"
	default:
		return "Measuring"
	}
}

// Snapshot is the state published after every change.
type Snapshot struct {
	Status      Status
	Serial      scd4x.Serial
	Measurement scd4x.Measurement
	// Zero until the first fresh measurement.
	Updated time.Time
}

// Valid reports whether Measurement holds a reading.
func (s Snapshot) Valid() bool {
	return s.Status == Measuring && !s.Updated.IsZero()
}

type Options struct {
	// StartMeasurement is ignored; the monitor starts measuring itself.
	Begin    scd4x.BeginOptions
	LowPower bool

	// Applied between begin and the start of measurement when non-nil.
	Altitude          *uint16
	TemperatureOffset *float32
	AmbientPressure   *float32

	// Defaults to one second.
	Interval time.Duration
	Log      logrus.FieldLogger
	// Metrics are not registered when nil.
	Registerer prometheus.Registerer
}

type Monitor struct {
	// mu serializes every call into sensor.
	mu     sync.Mutex
	sensor Sensor

	opts    Options
	log     logrus.FieldLogger
	metrics *metrics
	now     func() time.Time

	snapMu sync.RWMutex
	snap   Snapshot
	subs   map[chan Snapshot]struct{}
}

func New(sensor Sensor, opts Options) *Monitor {
	if opts.Interval <= 0 {
		opts.Interval = time.Second
	}
	log := opts.Log
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Monitor{
		sensor:  sensor,
		opts:    opts,
		log:     log,
		metrics: newMetrics(opts.Registerer),
		now:     time.Now,
		subs:    map[chan Snapshot]struct{}{},
	}
}

// Start initializes the sensor and starts periodic measurement. On failure
// the status becomes NoSensor.
func (m *Monitor) Start() error {
	m.publish(func(s *Snapshot) { *s = Snapshot{Status: Initializing} })
	err := m.bringUp()
	if err != nil {
		m.log.WithError(err).Error("sensor start up failed")
	}
	return err
}

func (m *Monitor) bringUp() error {
	m.mu.Lock()
	serial, err := m.start()
	m.mu.Unlock()

	if err != nil {
		m.metrics.up.Set(0)
		m.publish(func(s *Snapshot) { s.Status = NoSensor })
		return err
	}
	m.log.WithField("serial_number", serial.String()).Info("sensor is measuring")
	m.metrics.up.Set(1)
	m.publish(func(s *Snapshot) {
		s.Status = Measuring
		s.Serial = serial
	})
	return nil
}

func (m *Monitor) start() (scd4x.Serial, error) {
	begin := m.opts.Begin
	begin.StartMeasurement = false
	if err := m.sensor.Begin(begin); err != nil {
		return 0, err
	}
	serial := m.sensor.Serial()
	if m.opts.Altitude != nil {
		if err := m.sensor.SetSensorAltitude(*m.opts.Altitude); err != nil {
			return 0, err
		}
	}
	if m.opts.TemperatureOffset != nil {
		if err := m.sensor.SetTemperatureOffset(*m.opts.TemperatureOffset); err != nil {
			return 0, err
		}
	}
	start := m.sensor.StartPeriodicMeasurement
	if m.opts.LowPower {
		start = m.sensor.StartLowPowerPeriodicMeasurement
	}
	if err := start(); err != nil {
		return 0, err
	}
	if m.opts.AmbientPressure != nil {
		if err := m.sensor.SetAmbientPressure(*m.opts.AmbientPressure); err != nil {
			return 0, err
		}
	}
	return serial, nil
}

// Tick reads a measurement if one is ready. It reports whether a fresh
// reading was published. Tick does nothing unless the sensor is measuring.
func (m *Monitor) Tick() (bool, error) {
	if m.Snapshot().Status != Measuring {
		return false, nil
	}

	m.mu.Lock()
	fresh, err := m.sensor.ReadMeasurement()
	var meas scd4x.Measurement
	if err == nil && fresh {
		meas.Temperature = m.sensor.Temperature()
		meas.Humidity = m.sensor.Humidity()
		meas.CO2 = m.sensor.CO2()
	}
	m.mu.Unlock()

	if err != nil {
		m.metrics.readFailures.Inc()
		m.log.WithError(err).Warn("reading measurement failed")
		return false, err
	}
	if !fresh {
		return false, nil
	}

	now := m.now()
	snap := m.publish(func(s *Snapshot) {
		s.Measurement = meas
		s.Updated = now
	})
	m.metrics.observe(snap)
	m.log.WithFields(logrus.Fields{
		"co2":         meas.CO2,
		"temperature": meas.Temperature,
		"humidity":    meas.Humidity,
	}).Debug("measurement")
	return true, nil
}

// Run starts the sensor and ticks every interval until ctx is done, then
// stops periodic measurement. While the sensor cannot be started the status
// stays NoSensor and the start is retried every interval. Read failures are
// logged and counted only.
func (m *Monitor) Run(ctx context.Context) error {
	_ = m.Start()

	ticker := time.NewTicker(m.opts.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			if m.Snapshot().Status != Measuring {
				return nil
			}
			err := m.Do(func(s Sensor) error { return s.StopPeriodicMeasurement() })
			if err != nil {
				return errors.Wrap(err, "stopping measurement")
			}
			return nil
		case <-ticker.C:
			if m.Snapshot().Status == NoSensor {
				if err := m.bringUp(); err != nil {
					m.log.WithError(err).Debug("sensor still not found")
				}
				continue
			}
			_, _ = m.Tick()
		}
	}
}

// Do runs fn with exclusive access to the sensor, between ticks.
func (m *Monitor) Do(fn func(Sensor) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return fn(m.sensor)
}

func (m *Monitor) Snapshot() Snapshot {
	m.snapMu.RLock()
	defer m.snapMu.RUnlock()
	return m.snap
}

// Subscribe returns a channel that receives the current snapshot and every
// later one. A subscriber that falls behind misses intermediate snapshots.
// Call cancel to unsubscribe; the channel is closed.
func (m *Monitor) Subscribe() (<-chan Snapshot, func()) {
	ch := make(chan Snapshot, 1)
	m.snapMu.Lock()
	m.subs[ch] = struct{}{}
	ch <- m.snap
	m.snapMu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			m.snapMu.Lock()
			delete(m.subs, ch)
			close(ch)
			m.snapMu.Unlock()
		})
	}
	return ch, cancel
}

func (m *Monitor) publish(update func(*Snapshot)) Snapshot {
	m.snapMu.Lock()
	defer m.snapMu.Unlock()
	update(&m.snap)
	snap := m.snap
	for ch := range m.subs {
		// keep only the newest snapshot queued
		select {
		case <-ch:
		default:
		}
		ch <- snap
	}
	return snap
}

// Package scd4x drives the Sensirion SCD40/SCD41 CO2, temperature and
// humidity sensors.
//
// A Dev tracks whether the chip is in periodic measurement and refuses the
// commands the chip would reject in that mode before touching the bus. It
// also caches the last measurement: CO2, Temperature and Humidity return the
// cached value once and only go back to the bus when asked again.
//
// A Dev is not safe for concurrent use.
package scd4x // import "code.nkcmr.net/co2sensor/scd4x"

import (
	"encoding/binary"
	"time"

	"github.com/pkg/errors"

	"code.nkcmr.net/co2sensor/sensirion"
)

// Logger receives the driver's debug traces. *logrus.Logger and
// *logrus.Entry satisfy it.
type Logger interface {
	Debugf(format string, args ...interface{})
}

type nopLogger struct{}

func (nopLogger) Debugf(string, ...interface{}) {}

// Option configures a Dev.
type Option func(*Dev)

// WithAddress overrides SensorAddress.
func WithAddress(addr uint16) Option {
	return func(d *Dev) { d.addr = addr }
}

// WithVariant sets the sensor variant. Single shot measurement is only
// available on SCD41. Default is SCD40.
func WithVariant(v Variant) Option {
	return func(d *Dev) { d.variant = v }
}

// WithLogger sets the destination for debug traces. Default discards them.
func WithLogger(l Logger) Option {
	return func(d *Dev) {
		if l != nil {
			d.log = l
		}
	}
}

// WithTimeout sets the bound on each bus call. Default is 100ms.
func WithTimeout(timeout time.Duration) Option {
	return func(d *Dev) {
		if timeout > 0 {
			d.timeout = timeout
		}
	}
}

// WithSleep replaces time.Sleep for the command execution delays.
func WithSleep(sleep func(time.Duration)) Option {
	return func(d *Dev) {
		if sleep != nil {
			d.sleep = sleep
		}
	}
}

// Dev is the instance of a particular sensor.
type Dev struct {
	bus     Bus
	addr    uint16
	variant Variant
	timeout time.Duration
	sleep   func(time.Duration)
	log     Logger

	state State
	// Read by the last Begin.
	serial Serial

	last Measurement
	// Set once the matching field of last has been handed out.
	co2Reported         bool
	temperatureReported bool
	humidityReported    bool
}

// New returns a driver for the sensor on bus. It does not touch the bus;
// call Begin to verify the sensor and bring it into a known state.
func New(bus Bus, opts ...Option) *Dev {
	d := &Dev{
		bus:     bus,
		addr:    SensorAddress,
		variant: SCD40,
		timeout: 100 * time.Millisecond,
		sleep:   time.Sleep,
		log:     nopLogger{},

		co2Reported:         true,
		temperatureReported: true,
		humidityReported:    true,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// State returns the measurement mode the driver believes the chip is in.
func (d *Dev) State() State { return d.state }

// Running reports whether periodic measurement is active.
func (d *Dev) Running() bool { return d.state == Running }

// Variant returns the configured sensor variant.
func (d *Dev) Variant() Variant { return d.variant }

// Serial returns the serial number read by Begin, or zero before Begin has
// read it.
func (d *Dev) Serial() Serial { return d.serial }

// BeginOptions controls Begin.
type BeginOptions struct {
	// AutoCalibrate enables automatic self calibration. When false it is
	// disabled.
	AutoCalibrate bool
	// StartMeasurement starts periodic measurement once configured.
	StartMeasurement bool
	// SkipInitialStop skips the stop_periodic_measurement sent first. The
	// serial number cannot be read while the chip is measuring, so only set
	// this when the chip is known to be idle.
	SkipInitialStop bool
}

// Begin brings the sensor into a known state: it stops any running
// measurement, reads the serial number to verify the sensor is present,
// applies the self calibration setting and checks it reads back, then
// optionally starts periodic measurement.
//
// If the stop or the serial number read fails, Begin returns without
// attempting the remaining steps. Past that point every step is attempted
// and the first error is returned.
func (d *Dev) Begin(opts BeginOptions) error {
	var first error
	keep := func(err error) {
		if err != nil && first == nil {
			first = err
		}
	}

	if !opts.SkipInitialStop {
		keep(d.StopPeriodicMeasurement())
	}
	serial, err := d.SerialNumber()
	keep(err)
	if first != nil {
		return errors.Wrap(first, "scd4x: begin")
	}
	d.log.Debugf("scd4x: begin: got serial number 0x%s", serial)
	d.serial = serial

	keep(d.SetAutomaticSelfCalibration(opts.AutoCalibrate))
	enabled, err := d.AutomaticSelfCalibration()
	keep(err)
	if err == nil && enabled != opts.AutoCalibrate {
		keep(errors.Errorf("scd4x: automatic self calibration reads back %t, want %t", enabled, opts.AutoCalibrate))
	}

	if opts.StartMeasurement {
		keep(d.StartPeriodicMeasurement())
	}
	if first != nil {
		return errors.Wrap(first, "scd4x: begin")
	}
	return nil
}

// StartPeriodicMeasurement starts periodic measurement, signal update interval
// is 5 seconds. Calling it while measurement is already running does nothing;
// unlike the other commands that need an idle sensor, it does not return
// ErrInvalidState.
func (d *Dev) StartPeriodicMeasurement() error {
	if d.state == Running {
		d.log.Debugf("scd4x: %s: periodic measurements are already running", cmdStartPeriodicMeasurement.name)
		return nil
	}
	if err := d.sendCommand(cmdStartPeriodicMeasurement); err != nil {
		return err
	}
	d.state = Running
	return nil
}

// StartLowPowerPeriodicMeasurement will start low power periodic measurement,
// signal update interval is approximately 30 seconds.
func (d *Dev) StartLowPowerPeriodicMeasurement() error {
	if err := d.checkIdle(cmdStartLowPowerPeriodicMeasurement); err != nil {
		return err
	}
	if err := d.sendCommand(cmdStartLowPowerPeriodicMeasurement); err != nil {
		return err
	}
	d.state = Running
	return nil
}

// StopPeriodicMeasurement stops periodic measurement to change the sensor
// configuration or to save power. The sensor only responds to other commands
// 500 ms after stop_periodic_measurement; this call blocks for that long.
func (d *Dev) StopPeriodicMeasurement() error {
	if err := d.sendCommand(cmdStopPeriodicMeasurement); err != nil {
		return err
	}
	d.state = Idle
	return nil
}

// DataReady reports whether the sensor has a measurement that is ready to
// be read.
func (d *Dev) DataReady() (bool, error) {
	status, err := d.readWord(cmdGetDataReadyStatus)
	if err != nil {
		return false, err
	}
	// If the least significant 11 bits are 0, data is not ready.
	return status&0x07FF != 0, nil
}

// ReadMeasurement fetches a fresh measurement into the cache. It returns
// false without reading if the sensor has no data ready. The measurement
// buffer on the chip is emptied upon read-out.
//
// On a bus or checksum failure the cached measurement is left as it was.
func (d *Dev) ReadMeasurement() (bool, error) {
	ready, err := d.DataReady()
	if err != nil {
		return false, err
	}
	if !ready {
		return false, nil
	}

	if err := d.sendCommand(cmdReadMeasurement); err != nil {
		return false, err
	}
	d.sleep(readoutDelay)

	buf := make([]byte, 3*sensirion.WordSize)
	if err := d.receive(cmdReadMeasurement, buf); err != nil {
		return false, err
	}
	m, err := decodeMeasurement(buf)
	if err != nil {
		d.log.Debugf("scd4x: %s: %v", cmdReadMeasurement.name, err)
		return false, d.responseError(cmdReadMeasurement, err)
	}

	d.last = m
	d.co2Reported = false
	d.temperatureReported = false
	d.humidityReported = false
	return true, nil
}

// CO2 returns the cached CO2 concentration in ppm. If it has already been
// returned since the last fresh read, ReadMeasurement is called first; its
// outcome is not reported and the cached value is returned either way.
func (d *Dev) CO2() uint16 {
	if d.co2Reported {
		_, _ = d.ReadMeasurement()
	}
	d.co2Reported = true
	return d.last.CO2
}

// Temperature returns the cached temperature in °C, with the same refresh
// rule as CO2.
func (d *Dev) Temperature() float32 {
	if d.temperatureReported {
		_, _ = d.ReadMeasurement()
	}
	d.temperatureReported = true
	return d.last.Temperature
}

// Humidity returns the cached relative humidity in percent, with the same
// refresh rule as CO2.
func (d *Dev) Humidity() float32 {
	if d.humidityReported {
		_, _ = d.ReadMeasurement()
	}
	d.humidityReported = true
	return d.last.Humidity
}

// Last returns the cached measurement without touching the bus or the
// reported flags.
func (d *Dev) Last() Measurement {
	return d.last
}

// SetTemperatureOffset: The temperature offset has no influence on the SCD4x
// CO2 accuracy. Setting the temperature offset of the SCD4x inside the customer
// device correctly allows the user to leverage the RH and T output signal. Per
// default, the temperature offset is set to 4° C. To save the setting to the
// EEPROM, PersistSettings must be issued.
//
//	T_offset = T_scd40 - T_reference + T_offset_previous
//
// offset must be in [0, 175) °C.
func (d *Dev) SetTemperatureOffset(offset float32) error {
	if err := d.checkIdle(cmdSetTemperatureOffset); err != nil {
		return err
	}
	if offset < 0 || offset >= 175 {
		return errors.Wrapf(ErrInvalidArgument, "temperature offset %.2f°C outside [0, 175)", offset)
	}
	return d.sendCommandArg(cmdSetTemperatureOffset, uint16(offset*65536/175))
}

// TemperatureOffset returns the current temperature offset in °C.
func (d *Dev) TemperatureOffset() (float32, error) {
	if err := d.checkIdle(cmdGetTemperatureOffset); err != nil {
		return 0, err
	}
	w, err := d.readWord(cmdGetTemperatureOffset)
	if err != nil {
		return 0, err
	}
	return float32(w) * 175 / 65535, nil
}

// SetSensorAltitude: Reading and writing of the sensor altitude must be done
// while the SCD4x is in idle mode. Typically, the sensor altitude is set once
// after device installation. Per default, the sensor altitude is set to 0
// meter above sea-level.
func (d *Dev) SetSensorAltitude(masl uint16) error {
	if err := d.checkIdle(cmdSetSensorAltitude); err != nil {
		return err
	}
	return d.sendCommandArg(cmdSetSensorAltitude, masl)
}

// SensorAltitude returns the current sensor altitude setting in metres.
func (d *Dev) SensorAltitude() (uint16, error) {
	if err := d.checkIdle(cmdGetSensorAltitude); err != nil {
		return 0, err
	}
	return d.readWord(cmdGetSensorAltitude)
}

// SetAmbientPressure can be sent during periodic measurements to enable
// continuous pressure compensation. It overrides any compensation based on a
// previously set sensor altitude. pressure is in Pa and must be within
// [0, 6553500]; the chip stores it with a resolution of 100 Pa.
func (d *Dev) SetAmbientPressure(pressure float32) error {
	if pressure < 0 || pressure > 6553500 {
		return errors.Wrapf(ErrInvalidArgument, "ambient pressure %.0f Pa outside [0, 6553500]", pressure)
	}
	return d.sendCommandArg(cmdSetAmbientPressure, uint16(pressure/100))
}

// PerformForcedRecalibration corrects the CO2 baseline against a known
// reference concentration in ppm, and returns the applied correction in ppm.
//
// To successfully conduct an accurate forced recalibration:
// 1. Operate the SCD4x in the operation mode later used in normal sensor
// operation for > 3 minutes in an environment with homogenous and constant
// CO2 concentration.
// 2. Stop periodic measurement.
// 3. Call PerformForcedRecalibration.
//
// A response of 0xFFFF means the recalibration failed and is reported as
// ErrCalibrationFailed whether or not its checksum is valid.
func (d *Dev) PerformForcedRecalibration(targetCO2Concentration uint16) (frcCorrection int, _ error) {
	if err := d.checkIdle(cmdPerformForcedRecalibration); err != nil {
		return 0, err
	}
	if err := d.sendCommandArg(cmdPerformForcedRecalibration, targetCO2Concentration); err != nil {
		return 0, err
	}
	buf := make([]byte, sensirion.WordSize)
	if err := d.receive(cmdPerformForcedRecalibration, buf); err != nil {
		return 0, err
	}
	if binary.BigEndian.Uint16(buf) == 0xFFFF {
		return 0, errors.Wrapf(ErrCalibrationFailed, "target %d ppm", targetCO2Concentration)
	}
	w, err := d.decodeWord(cmdPerformForcedRecalibration, buf)
	if err != nil {
		return 0, err
	}
	return int(w) - 0x8000, nil
}

// SetAutomaticSelfCalibration sets the current state (enabled / disabled) of
// the automatic self-calibration. By default, ASC is enabled.
func (d *Dev) SetAutomaticSelfCalibration(enabled bool) error {
	if err := d.checkIdle(cmdSetAutomaticSelfCalibration); err != nil {
		return err
	}
	arg := uint16(0)
	if enabled {
		arg = 1
	}
	return d.sendCommandArg(cmdSetAutomaticSelfCalibration, arg)
}

// AutomaticSelfCalibration returns the current state of ASC.
func (d *Dev) AutomaticSelfCalibration() (bool, error) {
	if err := d.checkIdle(cmdGetAutomaticSelfCalibration); err != nil {
		return false, err
	}
	w, err := d.readWord(cmdGetAutomaticSelfCalibration)
	if err != nil {
		return false, err
	}
	return w == 1, nil
}

// PersistSettings: Configuration settings such as the temperature offset,
// sensor altitude and the ASC enabled/disabled parameter are by default stored
// in the volatile memory (RAM) only and will be lost after a power-cycle.
// PersistSettings stores them in the EEPROM. The EEPROM is guaranteed to
// endure at least 2000 write cycles, so only call this after actual changes.
func (d *Dev) PersistSettings() error {
	if err := d.checkIdle(cmdPersistSettings); err != nil {
		return err
	}
	return d.sendCommand(cmdPersistSettings)
}

// SerialNumber reads the 48 bit serial number. Reading it out can be used to
// identify the chip and to verify the presence of the sensor.
func (d *Dev) SerialNumber() (Serial, error) {
	if err := d.checkIdle(cmdGetSerialNumber); err != nil {
		return 0, err
	}
	if err := d.sendCommand(cmdGetSerialNumber); err != nil {
		return 0, err
	}
	d.sleep(readoutDelay)
	buf := make([]byte, 3*sensirion.WordSize)
	if err := d.receive(cmdGetSerialNumber, buf); err != nil {
		return 0, err
	}
	words, err := sensirion.DecodeWords(buf)
	if err != nil {
		d.log.Debugf("scd4x: %s: %v", cmdGetSerialNumber.name, err)
		return 0, d.responseError(cmdGetSerialNumber, err)
	}
	return Serial(uint64(words[0])<<32 | uint64(words[1])<<16 | uint64(words[2])), nil
}

// PerformSelfTest can be used as an end-of-line test to check sensor
// functionality and the customer power supply to the sensor. It blocks for
// 10 seconds.
func (d *Dev) PerformSelfTest() error {
	if err := d.checkIdle(cmdPerformSelfTest); err != nil {
		return err
	}
	d.log.Debugf("scd4x: %s: waiting %s for the result", cmdPerformSelfTest.name, cmdPerformSelfTest.delay)
	w, err := d.readWord(cmdPerformSelfTest)
	if err != nil {
		return err
	}
	d.log.Debugf("scd4x: %s: sensor response is 0x%04x", cmdPerformSelfTest.name, w)
	if w != 0 {
		return errors.Wrapf(ErrMalfunction, "self test result 0x%04x", w)
	}
	return nil
}

// PerformFactoryReset resets all configuration settings stored in the EEPROM
// and erases the FRC and ASC algorithm history.
func (d *Dev) PerformFactoryReset() error {
	if err := d.checkIdle(cmdPerformFactoryReset); err != nil {
		return err
	}
	return d.sendCommand(cmdPerformFactoryReset)
}

// Reinit reinitializes the sensor by reloading user settings from EEPROM.
// If it does not trigger the desired re-initialization, a power-cycle should
// be applied to the SCD4x.
func (d *Dev) Reinit() error {
	if err := d.checkIdle(cmdReinit); err != nil {
		return err
	}
	return d.sendCommand(cmdReinit)
}

// MeasureSingleShot triggers on-demand measurement of CO2 concentration,
// relative humidity and temperature. SCD41 only. The call blocks for the 5
// seconds the measurement takes; the result is then read with
// ReadMeasurement.
func (d *Dev) MeasureSingleShot() error {
	if err := d.checkSingleShot(cmdMeasureSingleShot); err != nil {
		return err
	}
	if err := d.sendCommand(cmdMeasureSingleShot); err != nil {
		return err
	}
	d.log.Debugf("scd4x: %s: data ready", cmdMeasureSingleShot.name)
	return nil
}

// MeasureSingleShotRHTOnly measures relative humidity and temperature only.
// SCD41 only. CO2 output is returned as 0 ppm.
func (d *Dev) MeasureSingleShotRHTOnly() error {
	if err := d.checkSingleShot(cmdMeasureSingleShotRHTOnly); err != nil {
		return err
	}
	return d.sendCommand(cmdMeasureSingleShotRHTOnly)
}

// ReadVariant asks the chip which member of the family it is. The variant
// configured with WithVariant is not changed.
func (d *Dev) ReadVariant() (Variant, error) {
	if err := d.checkIdle(cmdGetSensorVariant); err != nil {
		return 0, err
	}
	w, err := d.readWord(cmdGetSensorVariant)
	if err != nil {
		return 0, err
	}
	if (w>>11)&0x07 == 0 {
		return SCD40, nil
	}
	return SCD41, nil
}

func (d *Dev) checkIdle(cmd command) error {
	if cmd.idleOnly && d.state == Running {
		d.log.Debugf("scd4x: %s: periodic measurements are running. Aborting", cmd.name)
		return errors.Wrapf(ErrInvalidState, "%s while periodic measurement is running", cmd.name)
	}
	return nil
}

func (d *Dev) checkSingleShot(cmd command) error {
	if d.variant != SCD41 {
		d.log.Debugf("scd4x: %s: not supported by %s", cmd.name, d.variant)
		return errors.Wrapf(ErrInvalidState, "%s is not supported by %s", cmd.name, d.variant)
	}
	return d.checkIdle(cmd)
}

func (d *Dev) sendCommand(cmd command) error {
	d.log.Debugf("scd4x: sendCommand: 0x%04x (%s)", cmd.word, cmd.name)
	return d.writeAndWait(cmd, sensirion.EncodeCommand(cmd.word))
}

func (d *Dev) sendCommandArg(cmd command, arg uint16) error {
	d.log.Debugf("scd4x: sendCommandArg: cmd=0x%04x (%s) arg=0x%04x", cmd.word, cmd.name, arg)
	return d.writeAndWait(cmd, sensirion.EncodeCommandArg(cmd.word, arg))
}

func (d *Dev) writeAndWait(cmd command, data []byte) error {
	err := d.transaction(cmd.name, func() error {
		return d.bus.Write(d.addr, data, d.timeout)
	})
	if err != nil {
		return err
	}
	if cmd.delay > time.Second {
		d.log.Debugf("scd4x: %s: waiting %s for completion", cmd.name, cmd.delay)
	}
	if cmd.delay > 0 {
		d.sleep(cmd.delay)
	}
	return nil
}

func (d *Dev) receive(cmd command, buf []byte) error {
	err := d.transaction(cmd.name+" read", func() error {
		return d.bus.Read(d.addr, buf, d.timeout)
	})
	if err == nil {
		d.log.Debugf("scd4x: %s: rx %#v", cmd.name, buf)
	}
	return err
}

// readWord sends cmd, waits its execution time and reads back one word.
func (d *Dev) readWord(cmd command) (uint16, error) {
	if err := d.sendCommand(cmd); err != nil {
		return 0, err
	}
	buf := make([]byte, sensirion.WordSize)
	if err := d.receive(cmd, buf); err != nil {
		return 0, err
	}
	return d.decodeWord(cmd, buf)
}

func (d *Dev) decodeWord(cmd command, buf []byte) (uint16, error) {
	w, ok := sensirion.DecodeWord(buf)
	if !ok {
		err := &sensirion.CRCError{Want: sensirion.CRC8(buf[:2]), Got: buf[2]}
		d.log.Debugf("scd4x: %s: %v", cmd.name, err)
		return 0, &ChecksumError{Op: cmd.name, Err: err}
	}
	return w, nil
}

func (d *Dev) responseError(cmd command, err error) error {
	if crcErr, ok := err.(*sensirion.CRCError); ok {
		return &ChecksumError{Op: cmd.name, Err: crcErr}
	}
	return errors.Wrapf(err, "scd4x: %s", cmd.name)
}

// transaction brackets fn with bus acquisition and the presence check.
func (d *Dev) transaction(op string, fn func() error) error {
	d.bus.Acquire()
	defer d.bus.Release()

	if !d.bus.DeviceReady(d.addr, d.timeout) {
		d.log.Debugf("scd4x: %s: device not ready", op)
		return errors.Wrapf(ErrDeviceNotPresent, "%s: address 0x%02x", op, d.addr)
	}
	if err := fn(); err != nil {
		d.log.Debugf("scd4x: %s: %v", op, err)
		if errors.Is(err, ErrDeviceNotPresent) {
			return errors.Wrapf(err, "scd4x: %s", op)
		}
		return &BusError{Op: op, Addr: d.addr, Err: err}
	}
	return nil
}

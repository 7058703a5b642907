package scd4x

import "time"

// SensorAddress is the only I2C address the SCD4x family answers on.
const SensorAddress uint16 = 0x62

// readoutDelay is waited between issuing a command with a multi-word
// response and clocking the response out.
const readoutDelay = 100 * time.Millisecond

type command struct {
	name string
	word uint16
	// Execution time to wait after the write completes.
	delay time.Duration
	// True if the chip rejects this command during periodic measurement.
	idleOnly bool
}

var (
	cmdStartPeriodicMeasurement         = command{"start_periodic_measurement", 0x21B1, 0, true}
	cmdReadMeasurement                  = command{"read_measurement", 0xEC05, time.Millisecond, false}
	cmdStopPeriodicMeasurement          = command{"stop_periodic_measurement", 0x3F86, 500 * time.Millisecond, false}
	cmdSetTemperatureOffset             = command{"set_temperature_offset", 0x241D, time.Millisecond, true}
	cmdGetTemperatureOffset             = command{"get_temperature_offset", 0x2318, time.Millisecond, true}
	cmdSetSensorAltitude                = command{"set_sensor_altitude", 0x2427, time.Millisecond, true}
	cmdGetSensorAltitude                = command{"get_sensor_altitude", 0x2322, time.Millisecond, true}
	cmdSetAmbientPressure               = command{"set_ambient_pressure", 0xE000, time.Millisecond, false}
	cmdPerformForcedRecalibration       = command{"perform_forced_recalibration", 0x362F, 400 * time.Millisecond, true}
	cmdSetAutomaticSelfCalibration      = command{"set_automatic_self_calibration_enabled", 0x2416, time.Millisecond, true}
	cmdGetAutomaticSelfCalibration      = command{"get_automatic_self_calibration_enabled", 0x2313, time.Millisecond, true}
	cmdStartLowPowerPeriodicMeasurement = command{"start_low_power_periodic_measurement", 0x21AC, 0, true}
	cmdGetDataReadyStatus               = command{"get_data_ready_status", 0xE4B8, time.Millisecond, false}
	cmdPersistSettings                  = command{"persist_settings", 0x3615, 800 * time.Millisecond, true}
	cmdGetSerialNumber                  = command{"get_serial_number", 0x3682, time.Millisecond, true}
	cmdPerformSelfTest                  = command{"perform_self_test", 0x3639, 10 * time.Second, true}
	cmdPerformFactoryReset              = command{"perform_factory_reset", 0x3632, 1200 * time.Millisecond, true}
	cmdReinit                           = command{"reinit", 0x3646, 20 * time.Millisecond, true}
	cmdMeasureSingleShot                = command{"measure_single_shot", 0x219D, 5 * time.Second, true}
	cmdMeasureSingleShotRHTOnly         = command{"measure_single_shot_rht_only", 0x2196, 50 * time.Millisecond, true}
	cmdGetSensorVariant                 = command{"get_sensor_variant", 0x202F, time.Millisecond, true}
)

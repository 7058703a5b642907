package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/maruel/ansi256"
	"github.com/mattn/go-colorable"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"code.nkcmr.net/co2sensor/scd4x"
)

func (a *app) readCmd() *cobra.Command {
	var (
		singleShot bool
		timeout    time.Duration
	)
	cmd := &cobra.Command{
		Use:   "read",
		Short: "Print one measurement",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			dev, closeBus, err := a.openSensor(cmd.Context())
			if err != nil {
				return err
			}
			defer closeBus()

			if singleShot {
				if err := dev.Begin(a.beginOptions(false)); err != nil {
					return err
				}
				if err := dev.MeasureSingleShot(); err != nil {
					return err
				}
			} else {
				if err := dev.Begin(a.beginOptions(true)); err != nil {
					return err
				}
				defer func() {
					if err := dev.StopPeriodicMeasurement(); err != nil {
						a.log.WithError(err).Warn("stopping measurement")
					}
				}()
			}
			m, err := waitMeasurement(cmd.Context(), dev, timeout)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), m)
			return nil
		},
	}
	cmd.Flags().BoolVar(&singleShot, "single-shot", false, "use single shot measurement (SCD41 only)")
	cmd.Flags().DurationVar(&timeout, "timeout", 15*time.Second, "how long to wait for data")
	return cmd
}

// waitMeasurement polls dev once a second until it has a fresh measurement.
func waitMeasurement(ctx context.Context, dev *scd4x.Dev, timeout time.Duration) (scd4x.Measurement, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		fresh, err := dev.ReadMeasurement()
		if err != nil {
			return scd4x.Measurement{}, err
		}
		if fresh {
			return dev.Last(), nil
		}
		select {
		case <-ctx.Done():
			return scd4x.Measurement{}, errors.Wrap(ctx.Err(), "waiting for a measurement")
		case <-ticker.C:
		}
	}
}

func (a *app) watchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Print measurements as they arrive, with a CO2 level swatch",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			dev, closeBus, err := a.openSensor(cmd.Context())
			if err != nil {
				return err
			}
			defer closeBus()

			start := dev.StartPeriodicMeasurement
			if a.cfg.Sensor.LowPower {
				start = dev.StartLowPowerPeriodicMeasurement
			}
			if err := dev.Begin(a.beginOptions(false)); err != nil {
				return err
			}
			if err := start(); err != nil {
				return err
			}
			defer func() { _ = dev.StopPeriodicMeasurement() }()

			out := colorable.NewColorableStdout()
			ticker := time.NewTicker(a.cfg.Monitor.Interval())
			defer ticker.Stop()
			for {
				select {
				case <-cmd.Context().Done():
					return nil
				case <-ticker.C:
				}
				fresh, err := dev.ReadMeasurement()
				if err != nil {
					a.log.WithError(err).Warn("reading measurement failed")
					continue
				}
				if fresh {
					printLevel(out, time.Now(), dev.Last())
				}
			}
		},
	}
}

func printLevel(w io.Writer, now time.Time, m scd4x.Measurement) {
	fmt.Fprintf(w, "\r\033[0m%s%s\033[0m %s  %-9s %s\n",
		ansi256.Default.Block(bandColor(m.CO2)), ansi256.Default.Block(bandColor(m.CO2)),
		now.Format("15:04:05"), band(m.CO2), m)
}

func (a *app) infoCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "info",
		Short: "Print the sensor identity and settings",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withIdleSensor(cmd, func(dev *scd4x.Dev) error {
				serial, err := dev.SerialNumber()
				if err != nil {
					return err
				}
				variant, err := dev.ReadVariant()
				if err != nil {
					return err
				}
				asc, err := dev.AutomaticSelfCalibration()
				if err != nil {
					return err
				}
				altitude, err := dev.SensorAltitude()
				if err != nil {
					return err
				}
				offset, err := dev.TemperatureOffset()
				if err != nil {
					return err
				}
				w := cmd.OutOrStdout()
				fmt.Fprintf(w, "serial number:          %s\n", serial)
				fmt.Fprintf(w, "variant:                %s\n", variant)
				fmt.Fprintf(w, "automatic calibration:  %t\n", asc)
				fmt.Fprintf(w, "altitude:               %d m\n", altitude)
				fmt.Fprintf(w, "temperature offset:     %.2f °C\n", offset)
				return nil
			})
		},
	}
}

func (a *app) selfTestCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "selftest",
		Short: "Run the sensor self test (takes 10 seconds)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withIdleSensor(cmd, func(dev *scd4x.Dev) error {
				if err := dev.PerformSelfTest(); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "self test passed")
				return nil
			})
		},
	}
}

func (a *app) calibrateCmd() *cobra.Command {
	var ppm uint16
	cmd := &cobra.Command{
		Use:   "calibrate",
		Short: "Force recalibration against a known CO2 concentration",
		Long: `Force recalibration against a known CO2 concentration.

Operate the sensor for at least 3 minutes in an environment with a
homogeneous and constant CO2 concentration before running this.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if ppm == 0 {
				return errors.New("--ppm is required")
			}
			return a.withIdleSensor(cmd, func(dev *scd4x.Dev) error {
				correction, err := dev.PerformForcedRecalibration(ppm)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "correction: %+d ppm\n", correction)
				return nil
			})
		},
	}
	cmd.Flags().Uint16Var(&ppm, "ppm", 0, "reference CO2 concentration")
	return cmd
}

func (a *app) resetCmd() *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Factory reset: erase persisted settings and calibration history",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !yes {
				return errors.New("refusing to reset without --yes")
			}
			return a.withIdleSensor(cmd, func(dev *scd4x.Dev) error {
				return dev.PerformFactoryReset()
			})
		},
	}
	cmd.Flags().BoolVar(&yes, "yes", false, "confirm the factory reset")
	return cmd
}

func (a *app) reinitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reinit",
		Short: "Reload the persisted settings",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withIdleSensor(cmd, func(dev *scd4x.Dev) error {
				return dev.Reinit()
			})
		},
	}
}

func (a *app) persistCmd() *cobra.Command {
	var (
		altitude uint16
		offset   float32
	)
	cmd := &cobra.Command{
		Use:   "persist",
		Short: "Write settings to the sensor EEPROM",
		Long: `Write settings to the sensor EEPROM.

The automatic calibration setting always comes from the configuration.
--altitude and --temperature-offset are applied first when given. The
EEPROM endures about 2000 write cycles.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withIdleSensor(cmd, func(dev *scd4x.Dev) error {
				if cmd.Flags().Changed("altitude") {
					if err := dev.SetSensorAltitude(altitude); err != nil {
						return err
					}
				}
				if cmd.Flags().Changed("temperature-offset") {
					if err := dev.SetTemperatureOffset(offset); err != nil {
						return err
					}
				}
				return dev.PersistSettings()
			})
		},
	}
	cmd.Flags().Uint16Var(&altitude, "altitude", 0, "sensor altitude in metres")
	cmd.Flags().Float32Var(&offset, "temperature-offset", 4, "temperature offset in °C")
	return cmd
}

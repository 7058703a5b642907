// Command co2sensor reads a Sensirion SCD4x CO2 sensor on an I2C bus, and
// runs the daemon exporting its readings to Prometheus and an SSH console.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"periph.io/x/conn/v3/i2c/i2creg"
	"periph.io/x/host/v3"

	"code.nkcmr.net/co2sensor/internal/config"
	"code.nkcmr.net/co2sensor/scd4x"
	"code.nkcmr.net/co2sensor/scd4x/scd4xtest"
)

// app carries the persistent flags and what they resolve to.
type app struct {
	configPath string
	busName    string
	simulate   bool
	debug      bool
	logLevel   string

	cfg *config.Config
	log *logrus.Logger
}

func main() {
	a := &app{log: logrus.New()}
	a.log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := a.rootCmd().ExecuteContext(ctx)
	stop()
	if err != nil {
		a.log.Error(err)
		os.Exit(1)
	}
}

func (a *app) rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "co2sensor",
		Short:        "Read and maintain a Sensirion SCD4x CO2 sensor",
		SilenceUsage: true,
		// errors are logged by main
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.setup(cmd)
		},
	}
	pf := root.PersistentFlags()
	pf.StringVarP(&a.configPath, "config", "c", "", "path to the YAML configuration")
	pf.StringVar(&a.busName, "bus", "", "I2C bus name, overrides sensor.bus")
	pf.BoolVar(&a.simulate, "simulate", false, "use an in-memory sensor instead of the I2C bus")
	pf.BoolVar(&a.debug, "debug", false, "trace every sensor command")
	pf.StringVar(&a.logLevel, "log-level", "", "log level, overrides log.level")

	root.AddCommand(
		a.runCmd(),
		a.readCmd(),
		a.watchCmd(),
		a.infoCmd(),
		a.selfTestCmd(),
		a.calibrateCmd(),
		a.resetCmd(),
		a.reinitCmd(),
		a.persistCmd(),
		a.configCmd(),
	)
	return root
}

func (a *app) setup(cmd *cobra.Command) error {
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return err
	}
	if cmd.Flags().Changed("bus") {
		cfg.Sensor.Bus = a.busName
	}
	if a.logLevel != "" {
		cfg.Log.Level = a.logLevel
	}
	if a.debug {
		cfg.Log.Debug = true
		cfg.Log.Level = "debug"
	}
	if err := config.Validate(cfg); err != nil {
		return errors.Wrap(err, "invalid configuration")
	}
	level, err := logrus.ParseLevel(cfg.Log.Level)
	if err != nil {
		return err
	}
	a.log.SetLevel(level)
	a.cfg = cfg
	return nil
}

// openSensor returns a driver for the configured sensor and a function
// releasing the bus.
func (a *app) openSensor(ctx context.Context) (*scd4x.Dev, func() error, error) {
	s := a.cfg.Sensor
	opts := []scd4x.Option{
		scd4x.WithAddress(s.Address),
		scd4x.WithVariant(s.DriverVariant()),
		scd4x.WithTimeout(s.Timeout()),
	}
	if a.cfg.Log.Debug {
		opts = append(opts, scd4x.WithLogger(a.log.WithField("component", "scd4x")))
	}

	if a.simulate {
		sim := scd4xtest.New()
		sim.Addr = s.Address
		sim.Variant = s.DriverVariant()
		stop := feedSimulator(ctx, sim)
		a.log.Info("using a simulated sensor")
		return scd4x.New(sim, opts...), func() error { stop(); return nil }, nil
	}

	if _, err := host.Init(); err != nil {
		return nil, nil, errors.Wrap(err, "initializing host drivers")
	}
	bus, err := i2creg.Open(s.Bus)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "opening I2C bus %q", s.Bus)
	}
	pb := scd4x.NewPeriphBus(bus)
	a.log.WithField("bus", pb.String()).Debug("opened I2C bus")
	return scd4x.New(pb, opts...), bus.Close, nil
}

func (a *app) beginOptions(start bool) scd4x.BeginOptions {
	return scd4x.BeginOptions{
		AutoCalibrate:    a.cfg.Sensor.AutoCalibration,
		StartMeasurement: start,
		SkipInitialStop:  a.cfg.Sensor.SkipInitialStop,
	}
}

// withIdleSensor opens and begins the sensor without starting measurement,
// then runs fn.
func (a *app) withIdleSensor(cmd *cobra.Command, fn func(*scd4x.Dev) error) error {
	dev, closeBus, err := a.openSensor(cmd.Context())
	if err != nil {
		return err
	}
	defer closeBus()
	if err := dev.Begin(a.beginOptions(false)); err != nil {
		return err
	}
	return fn(dev)
}

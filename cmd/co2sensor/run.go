package main

import (
	"context"
	"net/http"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"code.nkcmr.net/co2sensor/internal/console"
	"code.nkcmr.net/co2sensor/internal/monitor"
)

func (a *app) runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Poll the sensor and serve metrics and the SSH console",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.run(cmd.Context())
		},
	}
}

func (a *app) run(ctx context.Context) error {
	dev, closeBus, err := a.openSensor(ctx)
	if err != nil {
		return err
	}
	defer closeBus()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewBuildInfoCollector(),
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	s := a.cfg.Sensor
	mon := monitor.New(dev, monitor.Options{
		Begin:             a.beginOptions(false),
		LowPower:          s.LowPower,
		Altitude:          s.Altitude,
		TemperatureOffset: s.TemperatureOffset,
		AmbientPressure:   s.AmbientPressure,
		Interval:          a.cfg.Monitor.Interval(),
		Log:               a.log.WithField("component", "monitor"),
		Registerer:        reg,
	})

	errc := make(chan error, 2)

	if listen := a.cfg.Metrics.Listen; listen != "" {
		mux := http.NewServeMux()
		mux.Handle(a.cfg.Metrics.Path, promhttp.HandlerFor(reg, promhttp.HandlerOpts{
			// Opt into OpenMetrics to support exemplars.
			EnableOpenMetrics: true,
		}))
		srv := &http.Server{Addr: listen, Handler: mux}
		go func() {
			a.log.WithField("addr", listen).Info("metrics listening")
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				errc <- errors.Wrap(err, "metrics server")
			}
		}()
		defer shutdown(srv.Shutdown)
	}

	if listen := a.cfg.Console.Listen; listen != "" {
		key, err := console.LoadHostKey(a.cfg.Console.HostKey)
		if err != nil {
			return err
		}
		con := console.New(listen, mon, key, a.log.WithField("component", "console"))
		go func() {
			if err := con.ListenAndServe(); err != nil {
				errc <- errors.Wrap(err, "ssh console")
			}
		}()
		defer shutdown(con.Shutdown)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	monc := make(chan error, 1)
	go func() { monc <- mon.Run(ctx) }()

	select {
	case <-ctx.Done():
		// wait for the monitor to stop measurement
		return <-monc
	case err := <-errc:
		cancel()
		<-monc
		return err
	}
}

func shutdown(fn func(context.Context) error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = fn(ctx)
}

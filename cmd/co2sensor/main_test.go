package main

import (
	"bytes"
	"context"
	"io"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"code.nkcmr.net/co2sensor/internal/config"
	"code.nkcmr.net/co2sensor/scd4x"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	log := logrus.New()
	log.SetOutput(io.Discard)
	a := &app{log: log}
	root := a.rootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	err := root.ExecuteContext(ctx)
	return out.String(), err
}

func TestBand(t *testing.T) {
	tests := []struct {
		ppm  uint16
		want string
	}{
		{0, "good"},
		{799, "good"},
		{800, "moderate"},
		{1199, "moderate"},
		{1500, "poor"},
		{2000, "bad"},
		{40000, "bad"},
		{0xFFFF, "bad"},
	}
	for _, tt := range tests {
		if got := band(tt.ppm); got != tt.want {
			t.Errorf("band(%d) = %q, want %q", tt.ppm, got, tt.want)
		}
	}
	if bandColor(500) == bandColor(2500) {
		t.Error("good and bad share a colour")
	}
}

func TestPrintLevel(t *testing.T) {
	var buf bytes.Buffer
	printLevel(&buf, time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC), scd4x.Measurement{CO2: 1300, Temperature: 21, Humidity: 40})
	out := buf.String()
	for _, want := range []string{"03:04:05", "poor", "CO2: 1300 PPM"} {
		if !strings.Contains(out, want) {
			t.Errorf("output %q does not contain %q", out, want)
		}
	}
}

func TestReadSimulated(t *testing.T) {
	out, err := execute(t, "read", "--simulate")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "CO2: ") || !strings.Contains(out, "PPM") {
		t.Errorf("unexpected output %q", out)
	}
}

func TestInfoSimulated(t *testing.T) {
	out, err := execute(t, "info", "--simulate")
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{"73B1EB073B0C", "SCD40", "automatic calibration:  true"} {
		if !strings.Contains(out, want) {
			t.Errorf("output %q does not contain %q", out, want)
		}
	}
}

func TestCalibrateSimulated(t *testing.T) {
	if _, err := execute(t, "calibrate", "--simulate"); err == nil {
		t.Error("expected an error without --ppm")
	}
	out, err := execute(t, "calibrate", "--simulate", "--ppm", "420")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "correction: +0 ppm") {
		t.Errorf("unexpected output %q", out)
	}
}

func TestResetRequiresConfirmation(t *testing.T) {
	if _, err := execute(t, "reset", "--simulate"); err == nil {
		t.Error("expected an error without --yes")
	}
	if _, err := execute(t, "reset", "--simulate", "--yes"); err != nil {
		t.Error(err)
	}
}

func TestConfigShow(t *testing.T) {
	out, err := execute(t, "config", "show", "--bus", "/dev/i2c-3", "--log-level", "warn")
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{"bus: /dev/i2c-3", "level: warn", "interval_ms: 1000"} {
		if !strings.Contains(out, want) {
			t.Errorf("output %q does not contain %q", out, want)
		}
	}
}

func TestInvalidLogLevel(t *testing.T) {
	if _, err := execute(t, "config", "check", "--log-level", "loud"); err == nil {
		t.Error("expected an error")
	}
}

func simulatedApp(metricsListen string) *app {
	log := logrus.New()
	log.SetOutput(io.Discard)
	cfg := config.Default()
	cfg.Metrics.Listen = metricsListen
	cfg.Console.Listen = ""
	cfg.Monitor.IntervalMs = 100
	return &app{simulate: true, cfg: cfg, log: log}
}

func TestRunStopsOnCancel(t *testing.T) {
	a := simulatedApp("")
	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	if err := a.run(ctx); err != nil {
		t.Fatal(err)
	}
}

func TestRunReturnsServerError(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer l.Close()

	a := simulatedApp(l.Addr().String())
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	err = a.run(ctx)
	if err == nil || !strings.Contains(err.Error(), "metrics server") {
		t.Fatalf("expected the metrics server error, got %v", err)
	}
	if ctx.Err() != nil {
		t.Error("run waited for the context instead of returning the error")
	}
}

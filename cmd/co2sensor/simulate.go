package main

import (
	"context"
	"math/rand"
	"time"

	"code.nkcmr.net/co2sensor/scd4x/scd4xtest"
)

const simulatedInterval = 5 * time.Second

// feedSimulator queues a new reading on sim every five seconds, like the
// real chip in periodic mode, until ctx is done or stop is called.
func feedSimulator(ctx context.Context, sim *scd4xtest.Sensor) (stop func()) {
	ctx, cancel := context.WithCancel(ctx)
	rnd := rand.New(rand.NewSource(time.Now().UnixNano()))
	co2, temp, rh := 650.0, 21.0, 45.0

	step := func() {
		co2 = clamp(co2+rnd.NormFloat64()*25, 400, 5000)
		temp = clamp(temp+rnd.NormFloat64()*0.1, 10, 35)
		rh = clamp(rh+rnd.NormFloat64()*0.5, 10, 90)
		sim.SetMeasurement(uint16(co2), float32(temp), float32(rh))
	}
	step()

	go func() {
		ticker := time.NewTicker(simulatedInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				step()
			}
		}
	}()
	return cancel
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

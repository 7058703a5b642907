package monitor

import (
	"github.com/prometheus/client_golang/prometheus"
)

type metrics struct {
	co2          *prometheus.GaugeVec
	temperature  *prometheus.GaugeVec
	humidity     *prometheus.GaugeVec
	up           prometheus.Gauge
	readFailures prometheus.Counter
	lastUpdate   prometheus.Gauge
}

func newGauge(name string, help string) *prometheus.GaugeVec {
	return prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "scd4x",
			Name:      name,
			Help:      help,
		},
		[]string{"serial_number"},
	)
}

func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		co2:         newGauge("co2_ppm", "Carbon dioxide concentration (units: ppm)"),
		temperature: newGauge("temperature_celsius", "Air temperature (units: degrees Celsius)"),
		humidity:    newGauge("humidity_percent", "Relative humidity (units: %)"),
		up: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "scd4x",
			Name:      "up",
			Help:      "1 if the sensor answered during start up, 0 otherwise",
		}),
		readFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "scd4x",
			Name:      "read_failures_total",
			Help:      "Measurement reads that failed on the bus or checksum",
		}),
		lastUpdate: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "scd4x",
			Name:      "last_update_timestamp_seconds",
			Help:      "Unix time of the last fresh measurement",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.co2, m.temperature, m.humidity, m.up, m.readFailures, m.lastUpdate)
	}
	return m
}

func (m *metrics) observe(s Snapshot) {
	serial := s.Serial.String()
	m.co2.WithLabelValues(serial).Set(float64(s.Measurement.CO2))
	m.temperature.WithLabelValues(serial).Set(float64(s.Measurement.Temperature))
	m.humidity.WithLabelValues(serial).Set(float64(s.Measurement.Humidity))
	m.lastUpdate.Set(float64(s.Updated.UnixNano()) / 1e9)
}

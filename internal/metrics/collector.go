// Package metrics exposes the cached sensor state to Prometheus.
package metrics

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/chaz8081/aranet-reader/internal/cache"
)

const namespace = "aranet"

// TemperatureUnit selects which temperature gauge is exported.
type TemperatureUnit string

const (
	Celsius    TemperatureUnit = "celsius"
	Fahrenheit TemperatureUnit = "fahrenheit"
)

// ParseTemperatureUnit accepts "celsius" or "fahrenheit"; empty means celsius.
func ParseTemperatureUnit(s string) (TemperatureUnit, error) {
	switch TemperatureUnit(s) {
	case "", Celsius:
		return Celsius, nil
	case Fahrenheit:
		return Fahrenheit, nil
	}
	return "", fmt.Errorf("metrics: unknown temperature unit %q (want celsius or fahrenheit)", s)
}

// Collector builds gauges from the cache on every scrape, so a scrape never
// triggers BLE traffic and a stale value is never left behind.
type Collector struct {
	cache *cache.Cache
	unit  TemperatureUnit

	up          *prometheus.Desc
	co2         *prometheus.Desc
	temperature *prometheus.Desc
	humidity    *prometheus.Desc
	pressure    *prometheus.Desc
	battery     *prometheus.Desc
	status      *prometheus.Desc
	lastSuccess *prometheus.Desc
	failures    *prometheus.Desc
}

// NewCollector returns a collector for the device at address.
func NewCollector(c *cache.Cache, address string, unit TemperatureUnit) *Collector {
	labels := prometheus.Labels{"address": address}
	desc := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(namespace, "", name), help, nil, labels)
	}

	tempName, tempHelp := "temperature_celsius", "Air temperature (units: degrees Celsius)"
	if unit == Fahrenheit {
		tempName, tempHelp = "temperature_fahrenheit", "Air temperature (units: degrees Fahrenheit)"
	} else {
		unit = Celsius
	}

	return &Collector{
		cache:       c,
		unit:        unit,
		up:          desc("up", "Whether the last attempt to read the sensor succeeded"),
		co2:         desc("co2_ppm", "Carbon dioxide level (units: ppm)"),
		temperature: desc(tempName, tempHelp),
		humidity:    desc("humidity_percent", "Relative humidity (units: %)"),
		pressure:    desc("pressure_hpa", "Atmospheric pressure (units: hPa)"),
		battery:     desc("battery_percent", "Sensor battery level (units: %)"),
		status:      desc("status", "CO2 status code reported by the sensor (1 ok, 2 warn, 3 alarm)"),
		lastSuccess: desc("last_success_timestamp_seconds", "Unix time of the last successful reading"),
		failures:    desc("consecutive_failures", "Attempts failed since the last successful reading"),
	}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.up
	ch <- c.co2
	ch <- c.temperature
	ch <- c.humidity
	ch <- c.pressure
	ch <- c.battery
	ch <- c.status
	ch <- c.lastSuccess
	ch <- c.failures
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	snap := c.cache.Latest()

	up := 0.0
	if snap.Up() {
		up = 1
	}
	ch <- prometheus.MustNewConstMetric(c.up, prometheus.GaugeValue, up)
	ch <- prometheus.MustNewConstMetric(c.failures, prometheus.GaugeValue, float64(snap.Failures))

	r := snap.Reading
	if r == nil {
		return
	}

	temp := r.Temperature.Celsius()
	if c.unit == Fahrenheit {
		temp = r.Temperature.Fahrenheit()
	}

	ch <- prometheus.MustNewConstMetric(c.co2, prometheus.GaugeValue, float64(r.CO2))
	ch <- prometheus.MustNewConstMetric(c.temperature, prometheus.GaugeValue, temp)
	ch <- prometheus.MustNewConstMetric(c.humidity, prometheus.GaugeValue, float64(r.Humidity))
	ch <- prometheus.MustNewConstMetric(c.pressure, prometheus.GaugeValue, r.Pressure.HPa())
	ch <- prometheus.MustNewConstMetric(c.battery, prometheus.GaugeValue, float64(r.Battery))
	ch <- prometheus.MustNewConstMetric(c.status, prometheus.GaugeValue, float64(r.Status))
	ch <- prometheus.MustNewConstMetric(c.lastSuccess, prometheus.GaugeValue, float64(snap.LastSuccess.UnixNano())/1e9)
}

// Compile-time check that Collector implements prometheus.Collector.
var _ prometheus.Collector = (*Collector)(nil)

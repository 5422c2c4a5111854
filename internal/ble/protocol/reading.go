package protocol

import (
	"fmt"
	"math"
	"strings"
	"time"
)

// Temperature is a fixed-point Celsius value in steps of 1/20 °C, the
// device's native resolution.
type Temperature int16

// Celsius returns the temperature in degrees Celsius.
func (t Temperature) Celsius() float64 {
	return float64(t) / 20
}

// Fahrenheit returns the temperature in degrees Fahrenheit.
func (t Temperature) Fahrenheit() float64 {
	return t.Celsius()*9/5 + 32
}

// TemperatureFromFahrenheit converts back to the fixed-point representation,
// rounding to the nearest 1/20 °C.
func TemperatureFromFahrenheit(f float64) Temperature {
	return Temperature(math.Round((f - 32) * 5 / 9 * 20))
}

// Pressure is a fixed-point value in steps of 1/10 hPa.
type Pressure uint16

// HPa returns the pressure in hectopascal.
func (p Pressure) HPa() float64 {
	return float64(p) / 10
}

// Status is the CO2 alarm level reported by the device.
type Status uint8

const (
	StatusUnknown Status = 0
	StatusOK      Status = 1
	StatusWarn    Status = 2
	StatusAlarm   Status = 3
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusWarn:
		return "co2-warn"
	case StatusAlarm:
		return "co2-alarm"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(s))
	}
}

// Known reports whether the status code is one the device documents.
func (s Status) Known() bool {
	return s >= StatusOK && s <= StatusAlarm
}

// Reading is one decoded current readings payload. Readings are values and
// are never modified after Decode returns them.
type Reading struct {
	Time        time.Time
	CO2         uint16 // ppm
	Temperature Temperature
	Pressure    Pressure
	Humidity    uint8 // %
	Battery     uint8 // %
	Status      Status

	// Interval and Age are only set by the extended payload layout.
	Interval time.Duration
	Age      time.Duration
}

// OneLine renders the reading on a single line, e.g.
// "612ppm 22.35°C 41% 1013hPa". Pressure is truncated to whole hPa.
func (r Reading) OneLine(fahrenheit bool) string {
	temp, unit := r.Temperature.Celsius(), "C"
	if fahrenheit {
		temp, unit = r.Temperature.Fahrenheit(), "F"
	}
	return fmt.Sprintf("%dppm %.2f°%s %d%% %dhPa", r.CO2, temp, unit, r.Humidity, r.Pressure/10)
}

func (r Reading) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "CO2:         %d ppm\n", r.CO2)
	fmt.Fprintf(&b, "Temperature: %.2f°C / %.2f°F\n", r.Temperature.Celsius(), r.Temperature.Fahrenheit())
	fmt.Fprintf(&b, "Humidity:    %d%%\n", r.Humidity)
	fmt.Fprintf(&b, "Pressure:    %.1f hPa\n", r.Pressure.HPa())
	fmt.Fprintf(&b, "Battery:     %d%%\n", r.Battery)
	fmt.Fprintf(&b, "Status:      %s", r.Status)
	if r.Interval > 0 {
		fmt.Fprintf(&b, "\nInterval:    %s (updated %s ago)", r.Interval, r.Age)
	}
	return b.String()
}

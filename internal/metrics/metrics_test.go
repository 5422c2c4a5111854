package metrics

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/chaz8081/aranet-reader/internal/ble/protocol"
	"github.com/chaz8081/aranet-reader/internal/cache"
)

const testAddress = "AA:BB:CC:DD:EE:FF"

func testReading() protocol.Reading {
	return protocol.Reading{
		Time:        time.Unix(1700000000, 0),
		CO2:         420,
		Temperature: 430, // 21.5 °C
		Pressure:    10132,
		Humidity:    55,
		Battery:     80,
		Status:      protocol.StatusOK,
	}
}

func TestParseTemperatureUnit(t *testing.T) {
	tests := []struct {
		in      string
		want    TemperatureUnit
		wantErr bool
	}{
		{"", Celsius, false},
		{"celsius", Celsius, false},
		{"fahrenheit", Fahrenheit, false},
		{"kelvin", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseTemperatureUnit(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseTemperatureUnit(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("ParseTemperatureUnit(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestCollectorBeforeFirstReading(t *testing.T) {
	c := cache.New()
	col := NewCollector(c, testAddress, Celsius)

	expected := `
# HELP aranet_up Whether the last attempt to read the sensor succeeded
# TYPE aranet_up gauge
aranet_up{address="AA:BB:CC:DD:EE:FF"} 0
# HELP aranet_consecutive_failures Attempts failed since the last successful reading
# TYPE aranet_consecutive_failures gauge
aranet_consecutive_failures{address="AA:BB:CC:DD:EE:FF"} 0
`
	if err := testutil.CollectAndCompare(col, strings.NewReader(expected)); err != nil {
		t.Error(err)
	}
	if n := testutil.CollectAndCount(col, "aranet_co2_ppm"); n != 0 {
		t.Errorf("aranet_co2_ppm count = %d, want 0 before the first reading", n)
	}
}

func TestCollectorReading(t *testing.T) {
	c := cache.New()
	c.Store(testReading())
	col := NewCollector(c, testAddress, Celsius)

	expected := `
# HELP aranet_battery_percent Sensor battery level (units: %)
# TYPE aranet_battery_percent gauge
aranet_battery_percent{address="AA:BB:CC:DD:EE:FF"} 80
# HELP aranet_co2_ppm Carbon dioxide level (units: ppm)
# TYPE aranet_co2_ppm gauge
aranet_co2_ppm{address="AA:BB:CC:DD:EE:FF"} 420
# HELP aranet_humidity_percent Relative humidity (units: %)
# TYPE aranet_humidity_percent gauge
aranet_humidity_percent{address="AA:BB:CC:DD:EE:FF"} 55
# HELP aranet_pressure_hpa Atmospheric pressure (units: hPa)
# TYPE aranet_pressure_hpa gauge
aranet_pressure_hpa{address="AA:BB:CC:DD:EE:FF"} 1013.2
# HELP aranet_status CO2 status code reported by the sensor (1 ok, 2 warn, 3 alarm)
# TYPE aranet_status gauge
aranet_status{address="AA:BB:CC:DD:EE:FF"} 1
# HELP aranet_temperature_celsius Air temperature (units: degrees Celsius)
# TYPE aranet_temperature_celsius gauge
aranet_temperature_celsius{address="AA:BB:CC:DD:EE:FF"} 21.5
# HELP aranet_up Whether the last attempt to read the sensor succeeded
# TYPE aranet_up gauge
aranet_up{address="AA:BB:CC:DD:EE:FF"} 1
`
	err := testutil.CollectAndCompare(col, strings.NewReader(expected),
		"aranet_battery_percent", "aranet_co2_ppm", "aranet_humidity_percent",
		"aranet_pressure_hpa", "aranet_status", "aranet_temperature_celsius", "aranet_up")
	if err != nil {
		t.Error(err)
	}
	if n := testutil.CollectAndCount(col, "aranet_last_success_timestamp_seconds"); n != 1 {
		t.Errorf("last success count = %d, want 1", n)
	}
}

func TestCollectorFahrenheit(t *testing.T) {
	c := cache.New()
	c.Store(testReading())
	col := NewCollector(c, testAddress, Fahrenheit)

	expected := `
# HELP aranet_temperature_fahrenheit Air temperature (units: degrees Fahrenheit)
# TYPE aranet_temperature_fahrenheit gauge
aranet_temperature_fahrenheit{address="AA:BB:CC:DD:EE:FF"} 70.7
`
	if err := testutil.CollectAndCompare(col, strings.NewReader(expected), "aranet_temperature_fahrenheit"); err != nil {
		t.Error(err)
	}
	if n := testutil.CollectAndCount(col, "aranet_temperature_celsius"); n != 0 {
		t.Errorf("celsius gauge count = %d, want 0", n)
	}
}

func TestCollectorFailureKeepsLastReading(t *testing.T) {
	c := cache.New()
	c.Store(testReading())
	c.Fail(errors.New("device unreachable"), time.Unix(1700000060, 0))
	col := NewCollector(c, testAddress, Celsius)

	expected := `
# HELP aranet_co2_ppm Carbon dioxide level (units: ppm)
# TYPE aranet_co2_ppm gauge
aranet_co2_ppm{address="AA:BB:CC:DD:EE:FF"} 420
# HELP aranet_consecutive_failures Attempts failed since the last successful reading
# TYPE aranet_consecutive_failures gauge
aranet_consecutive_failures{address="AA:BB:CC:DD:EE:FF"} 1
# HELP aranet_up Whether the last attempt to read the sensor succeeded
# TYPE aranet_up gauge
aranet_up{address="AA:BB:CC:DD:EE:FF"} 0
`
	err := testutil.CollectAndCompare(col, strings.NewReader(expected),
		"aranet_co2_ppm", "aranet_consecutive_failures", "aranet_up")
	if err != nil {
		t.Error(err)
	}
}

func TestServerHandler(t *testing.T) {
	c := cache.New()
	c.Store(testReading())
	s, err := NewServer(WithCollector(NewCollector(c, testAddress, Celsius)))
	if err != nil {
		t.Fatalf("NewServer() error = %v", err)
	}

	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics error = %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	for _, want := range []string{`aranet_co2_ppm{address="AA:BB:CC:DD:EE:FF"} 420`, "go_build_info"} {
		if !strings.Contains(string(body), want) {
			t.Errorf("body missing %q", want)
		}
	}
}

func TestNewServerRejectsDuplicateCollector(t *testing.T) {
	col := NewCollector(cache.New(), testAddress, Celsius)
	if _, err := NewServer(WithCollector(col), WithCollector(col)); err == nil {
		t.Error("NewServer() should fail when a collector is registered twice")
	}
}

func TestServeShutsDownOnCancel(t *testing.T) {
	s, err := NewServer()
	if err != nil {
		t.Fatalf("NewServer() error = %v", err)
	}
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx, ln) }()

	resp, err := http.Get("http://" + ln.Addr().String() + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics error = %v", err)
	}
	resp.Body.Close()

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Serve() error = %v, want nil after shutdown", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Serve() did not return after cancel")
	}
}

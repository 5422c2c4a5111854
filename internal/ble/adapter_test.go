package ble

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestParseAddress(t *testing.T) {
	addr, err := ParseAddress("hci1", "ed:12:89:6c:08:37")
	if err != nil {
		t.Fatalf("ParseAddress() error = %v", err)
	}
	if addr.Adapter != "hci1" {
		t.Errorf("Adapter = %q, want %q", addr.Adapter, "hci1")
	}
	want := [6]byte{0xED, 0x12, 0x89, 0x6C, 0x08, 0x37}
	if addr.MAC != want {
		t.Errorf("MAC = %x, want %x", addr.MAC, want)
	}
	if got := addr.String(); got != "ED:12:89:6C:08:37" {
		t.Errorf("String() = %q, want %q", got, "ED:12:89:6C:08:37")
	}
}

func TestParseAddressInvalid(t *testing.T) {
	for _, mac := range []string{"", "not-a-mac", "AA:BB:CC", "00:00:00:00:fe:80:00:00"} {
		if _, err := ParseAddress("hci0", mac); err == nil {
			t.Errorf("ParseAddress(%q) should fail", mac)
		}
	}
}

func TestPersistent(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{fmt.Errorf("discover: %w", ErrServiceNotFound), true},
		{fmt.Errorf("discover: %w", ErrCharacteristicNotFound), true},
		{fmt.Errorf("%w: short", ErrProtocol), true},
		{ErrDeviceUnreachable, false},
		{ErrConnectionLost, false},
		{ErrPairingTimeout, false},
		{errors.New("other"), false},
	}
	for _, tt := range tests {
		if got := Persistent(tt.err); got != tt.want {
			t.Errorf("Persistent(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}

func TestRetryable(t *testing.T) {
	if Retryable(nil) {
		t.Error("Retryable(nil) should be false")
	}
	if Retryable(fmt.Errorf("connect: %w", context.Canceled)) {
		t.Error("cancellation should not be retryable")
	}
	for _, err := range []error{ErrAdapterUnavailable, ErrDeviceUnreachable, ErrConnectionLost, ErrPairingTimeout, ErrServiceNotFound} {
		if !Retryable(err) {
			t.Errorf("Retryable(%v) should be true", err)
		}
	}
}

func TestStateString(t *testing.T) {
	tests := map[State]string{
		StateDisconnected: "disconnected",
		StateConnecting:   "connecting",
		StatePairing:      "pairing",
		StateConnected:    "connected",
		StatePolling:      "polling",
		StateBackoff:      "backoff",
		State(42):         "state(42)",
	}
	for s, want := range tests {
		if got := s.String(); got != want {
			t.Errorf("State(%d).String() = %q, want %q", int32(s), got, want)
		}
	}
}

func TestScanForDevices(t *testing.T) {
	adapter := newMockAdapter()
	adapter.devices = []Device{
		{Name: "Aranet4 1A2B3", MAC: "ED:12:89:6C:08:37", RSSI: -61},
	}

	result, err := ScanForDevices(context.Background(), adapter, 5*time.Second)
	if err != nil {
		t.Fatalf("ScanForDevices() error = %v", err)
	}
	if len(result) != 1 {
		t.Fatalf("got %d devices, want 1", len(result))
	}
	if result[0].Name != "Aranet4 1A2B3" {
		t.Errorf("Name = %q, want %q", result[0].Name, "Aranet4 1A2B3")
	}
}

func TestScanForDevicesAdapterUnavailable(t *testing.T) {
	adapter := newMockAdapter()
	adapter.enableErr = errors.New("rfkill")
	_, err := ScanForDevices(context.Background(), adapter, time.Second)
	if !errors.Is(err, ErrAdapterUnavailable) {
		t.Fatalf("ScanForDevices() error = %v, want ErrAdapterUnavailable", err)
	}
}

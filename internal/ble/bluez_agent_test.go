//go:build linux

package ble

import (
	"context"
	"errors"
	"testing"

	"github.com/godbus/dbus/v5"
	"go.uber.org/zap"
)

func newTestAgent(pins PINProvider) *pairingAgent {
	return &pairingAgent{ctx: context.Background(), pins: pins, log: zap.NewNop()}
}

func TestAgentRequestPasskey(t *testing.T) {
	agent := newTestAgent(staticPIN("012345"))
	passkey, derr := agent.RequestPasskey("/org/bluez/hci0/dev_ED_12_89_6C_08_37")
	if derr != nil {
		t.Fatalf("RequestPasskey() error = %v", derr)
	}
	if passkey != 12345 {
		t.Errorf("RequestPasskey() = %d, want 12345", passkey)
	}
}

func TestAgentRequestPasskeyInvalid(t *testing.T) {
	for _, pin := range []string{"abc", "1234567", "-1"} {
		agent := newTestAgent(staticPIN(pin))
		_, derr := agent.RequestPasskey("/org/bluez/hci0/dev_ED_12_89_6C_08_37")
		if derr == nil || derr.Name != "org.bluez.Error.Rejected" {
			t.Errorf("RequestPasskey() with PIN %q error = %v, want Rejected", pin, derr)
		}
	}
}

func TestAgentRequestPinCode(t *testing.T) {
	agent := newTestAgent(staticPIN("0000"))
	pin, derr := agent.RequestPinCode("/org/bluez/hci0/dev_ED_12_89_6C_08_37")
	if derr != nil {
		t.Fatalf("RequestPinCode() error = %v", derr)
	}
	if pin != "0000" {
		t.Errorf("RequestPinCode() = %q, want %q", pin, "0000")
	}
}

func TestAgentRejections(t *testing.T) {
	tests := []struct {
		name string
		err  error
		pin  string
		want string
	}{
		{"rejected", ErrPINRejected, "", "org.bluez.Error.Rejected"},
		{"empty", nil, "", "org.bluez.Error.Rejected"},
		{"timeout", context.DeadlineExceeded, "", "org.bluez.Error.Canceled"},
		{"failure", errors.New("pinentry crashed"), "", "org.bluez.Error.Rejected"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			agent := newTestAgent(pinFunc(func(context.Context, string) (string, error) { return tt.pin, tt.err }))
			_, derr := agent.RequestPinCode("/org/bluez/hci0/dev_ED_12_89_6C_08_37")
			if derr == nil || derr.Name != tt.want {
				t.Errorf("RequestPinCode() error = %v, want %s", derr, tt.want)
			}
		})
	}
}

func TestPairError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want error
	}{
		{"already paired", dbus.NewError("org.bluez.Error.AlreadyExists", nil), nil},
		{"rejected", dbus.NewError("org.bluez.Error.AuthenticationRejected", nil), ErrPairingDenied},
		{"failed", dbus.NewError("org.bluez.Error.AuthenticationFailed", nil), ErrPairingDenied},
		{"timeout", dbus.NewError("org.bluez.Error.AuthenticationTimeout", nil), ErrPairingTimeout},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := pairError(tt.err)
			if tt.want == nil {
				if got != nil {
					t.Errorf("pairError() = %v, want nil", got)
				}
				return
			}
			if !errors.Is(got, tt.want) {
				t.Errorf("pairError() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestDevicePath(t *testing.T) {
	addr, err := ParseAddress("hci0", "ed:12:89:6c:08:37")
	if err != nil {
		t.Fatalf("ParseAddress() error = %v", err)
	}
	want := dbus.ObjectPath("/org/bluez/hci0/dev_ED_12_89_6C_08_37")
	if got := devicePath("hci0", addr); got != want {
		t.Errorf("devicePath() = %q, want %q", got, want)
	}
}

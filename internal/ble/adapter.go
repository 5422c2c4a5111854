// Package ble talks to an Aranet4 sensor over Bluetooth Low Energy. It owns
// the connection lifecycle, pairing, and GATT resolution of the current
// readings characteristic.
package ble

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
)

// Aranet4 BLE UUIDs
const (
	ServiceUUID             = "0000fce0-0000-1000-8000-00805f9b34fb"
	CurrentReadingsCharUUID = "f0cd1503-95da-4f4b-9ac8-aa55d312af0c"
)

// Transport names accepted by NewAdapter.
const (
	TransportBlueZ = "bluez"
	TransportHCI   = "hci"
)

// Characteristic represents a readable BLE GATT characteristic.
type Characteristic interface {
	// Read returns the current value of the characteristic.
	Read() ([]byte, error)
}

// Device represents a discovered BLE peripheral.
type Device struct {
	Name string
	MAC  string
	RSSI int
}

// Connection represents an active BLE connection to a peripheral.
type Connection interface {
	// Paired reports whether the host holds a bond with the peripheral.
	Paired() (bool, error)
	// Pair runs the bonding handshake, asking pins for a PIN if the
	// peripheral requests one.
	Pair(ctx context.Context, pins PINProvider) error
	// DiscoverCharacteristic finds a characteristic by UUID within a service.
	// It returns errors wrapping ErrServiceNotFound or ErrCharacteristicNotFound
	// when the peripheral does not expose them.
	DiscoverCharacteristic(serviceUUID, charUUID string) (Characteristic, error)
	// Disconnect terminates the connection.
	Disconnect() error
	// Disconnected is closed when the connection drops.
	Disconnected() <-chan struct{}
}

// Adapter abstracts the BLE hardware adapter for testing.
type Adapter interface {
	// Enable powers on the BLE adapter.
	Enable() error
	// Scan discovers BLE peripherals advertising the given service UUID.
	// Returns discovered devices until ctx is cancelled or timeout.
	Scan(ctx context.Context, serviceUUID string) ([]Device, error)
	// Connect establishes a connection to the device with the given address.
	Connect(ctx context.Context, addr Address) (Connection, error)
}

// ErrPINRejected is returned by a PINProvider when the user declines to
// enter a PIN.
var ErrPINRejected = errors.New("ble: PIN entry rejected")

// PINProvider supplies the PIN a peripheral asks for during pairing.
type PINProvider interface {
	RequestPIN(ctx context.Context, device string) (string, error)
}

// Address identifies the target device and the local radio used to reach it.
type Address struct {
	Adapter string
	MAC     [6]byte
}

// ParseAddress builds an Address from an adapter id such as "hci0" and a
// colon separated MAC address.
func ParseAddress(adapter, mac string) (Address, error) {
	hw, err := net.ParseMAC(mac)
	if err != nil {
		return Address{}, fmt.Errorf("ble: parse address %q: %w", mac, err)
	}
	if len(hw) != 6 {
		return Address{}, fmt.Errorf("ble: address %q is not a 6-byte MAC", mac)
	}
	a := Address{Adapter: adapter}
	copy(a.MAC[:], hw)
	return a, nil
}

// String returns the MAC in upper case colon notation.
func (a Address) String() string {
	return strings.ToUpper(net.HardwareAddr(a.MAC[:]).String())
}

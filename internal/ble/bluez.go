//go:build linux

package ble

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/godbus/dbus/v5"
	"go.uber.org/zap"
	"tinygo.org/x/bluetooth"
)

const bluezBusName = "org.bluez"

// BlueZAdapter wraps tinygo-org/bluetooth, which drives BlueZ over D-Bus on
// Linux. Pairing is done directly against BlueZ's Device1 interface since
// tinygo/bluetooth does not expose it.
type BlueZAdapter struct {
	id      string
	adapter *bluetooth.Adapter
	log     *zap.Logger

	// mu protects the connections map.
	mu          sync.Mutex
	connections map[string]*bluezConnection // keyed by upper case MAC
}

// NewBlueZAdapter creates a BLE adapter for the BlueZ controller id, e.g. "hci0".
func NewBlueZAdapter(id string, log *zap.Logger) *BlueZAdapter {
	if log == nil {
		log = zap.NewNop()
	}
	return &BlueZAdapter{
		id:          id,
		adapter:     bluetooth.NewAdapter(id),
		log:         log,
		connections: make(map[string]*bluezConnection),
	}
}

func (a *BlueZAdapter) Enable() error {
	if err := a.adapter.Enable(); err != nil {
		return err
	}

	// tinygo/bluetooth fires this callback with connected=false when BlueZ
	// reports the device as gone.
	a.adapter.SetConnectHandler(func(device bluetooth.Device, connected bool) {
		if connected {
			return
		}
		mac := strings.ToUpper(device.Address.String())
		a.mu.Lock()
		conn, ok := a.connections[mac]
		delete(a.connections, mac)
		a.mu.Unlock()
		if ok {
			a.log.Debug("bluez reported disconnect", zap.String("mac", mac))
			conn.markLost()
		}
	})

	return nil
}

func (a *BlueZAdapter) Scan(ctx context.Context, serviceUUID string) ([]Device, error) {
	uuid, err := bluetooth.ParseUUID(serviceUUID)
	if err != nil {
		return nil, fmt.Errorf("ble: parse service UUID: %w", err)
	}

	var mu sync.Mutex
	var devices []Device
	seen := make(map[string]bool)

	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			_ = a.adapter.StopScan()
		case <-done:
		}
	}()

	err = a.adapter.Scan(func(adapter *bluetooth.Adapter, result bluetooth.ScanResult) {
		if !result.HasServiceUUID(uuid) {
			return
		}
		mac := strings.ToUpper(result.Address.String())
		mu.Lock()
		defer mu.Unlock()
		if seen[mac] {
			return
		}
		seen[mac] = true
		devices = append(devices, Device{
			Name: result.LocalName(),
			MAC:  mac,
			RSSI: int(result.RSSI),
		})
	})
	close(done)

	if err != nil && ctx.Err() == nil {
		return nil, fmt.Errorf("ble: scan: %w", err)
	}
	return devices, nil
}

func (a *BlueZAdapter) Connect(ctx context.Context, addr Address) (Connection, error) {
	var target bluetooth.Address
	target.Set(addr.String())

	params := bluetooth.ConnectionParams{}
	if deadline, ok := ctx.Deadline(); ok {
		params.ConnectionTimeout = bluetooth.NewDuration(time.Until(deadline))
	}

	type connectResult struct {
		device bluetooth.Device
		err    error
	}
	ch := make(chan connectResult, 1)
	go func() {
		device, err := a.adapter.Connect(target, params)
		ch <- connectResult{device, err}
	}()

	select {
	case <-ctx.Done():
		go func() {
			if res := <-ch; res.err == nil {
				_ = res.device.Disconnect()
			}
		}()
		return nil, fmt.Errorf("ble: connect to %s: %w", addr, ctx.Err())
	case res := <-ch:
		if res.err != nil {
			return nil, fmt.Errorf("ble: connect to %s: %w", addr, res.err)
		}
		conn := &bluezConnection{
			device: res.device,
			path:   devicePath(a.id, addr),
			log:    a.log,
			lost:   make(chan struct{}),
		}

		// Track this connection so the adapter-level disconnect handler
		// can find it.
		a.mu.Lock()
		a.connections[addr.String()] = conn
		a.mu.Unlock()

		return conn, nil
	}
}

// Compile-time check that BlueZAdapter implements Adapter.
var _ Adapter = (*BlueZAdapter)(nil)

// devicePath returns the BlueZ object path of a device, e.g.
// /org/bluez/hci0/dev_AA_BB_CC_DD_EE_FF.
func devicePath(adapterID string, addr Address) dbus.ObjectPath {
	return dbus.ObjectPath("/org/bluez/" + adapterID + "/dev_" + strings.ReplaceAll(addr.String(), ":", "_"))
}

type bluezConnection struct {
	device bluetooth.Device
	path   dbus.ObjectPath
	log    *zap.Logger

	once sync.Once
	lost chan struct{}
}

func (c *bluezConnection) markLost() {
	c.once.Do(func() { close(c.lost) })
}

func (c *bluezConnection) Paired() (bool, error) {
	bus, err := dbus.SystemBus()
	if err != nil {
		return false, fmt.Errorf("ble: system bus: %w", err)
	}
	v, err := bus.Object(bluezBusName, c.path).GetProperty("org.bluez.Device1.Paired")
	if err != nil {
		return false, fmt.Errorf("ble: read Paired property: %w", err)
	}
	paired, ok := v.Value().(bool)
	if !ok {
		return false, fmt.Errorf("ble: unexpected Paired property type %s", v.Signature())
	}
	return paired, nil
}

func (c *bluezConnection) Pair(ctx context.Context, pins PINProvider) error {
	bus, err := dbus.SystemBus()
	if err != nil {
		return fmt.Errorf("ble: system bus: %w", err)
	}

	unregister, err := registerAgent(ctx, bus, pins, c.log)
	if err != nil {
		return err
	}
	defer unregister()

	call := bus.Object(bluezBusName, c.path).CallWithContext(ctx, "org.bluez.Device1.Pair", 0)
	return pairError(call.Err)
}

// pairError maps BlueZ pairing failures onto the session error taxonomy.
func pairError(err error) error {
	if err == nil {
		return nil
	}
	switch dbusErrorName(err) {
	case "org.bluez.Error.AlreadyExists":
		return nil
	case "org.bluez.Error.AuthenticationRejected",
		"org.bluez.Error.AuthenticationCanceled",
		"org.bluez.Error.AuthenticationFailed":
		return fmt.Errorf("%w: %w", ErrPairingDenied, err)
	case "org.bluez.Error.AuthenticationTimeout":
		return fmt.Errorf("%w: %w", ErrPairingTimeout, err)
	}
	return fmt.Errorf("ble: pair: %w", err)
}

func dbusErrorName(err error) string {
	var ptr *dbus.Error
	if errors.As(err, &ptr) {
		return ptr.Name
	}
	var val dbus.Error
	if errors.As(err, &val) {
		return val.Name
	}
	return ""
}

func (c *bluezConnection) DiscoverCharacteristic(serviceUUID, charUUID string) (Characteristic, error) {
	svcUUID, err := bluetooth.ParseUUID(serviceUUID)
	if err != nil {
		return nil, err
	}
	charUUIDParsed, err := bluetooth.ParseUUID(charUUID)
	if err != nil {
		return nil, err
	}

	svcs, err := c.device.DiscoverServices([]bluetooth.UUID{svcUUID})
	if err != nil {
		return nil, classifyDiscoverErr("services", err, ErrServiceNotFound, serviceUUID)
	}
	if len(svcs) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrServiceNotFound, serviceUUID)
	}

	chars, err := svcs[0].DiscoverCharacteristics([]bluetooth.UUID{charUUIDParsed})
	if err != nil {
		return nil, classifyDiscoverErr("characteristics", err, ErrCharacteristicNotFound, charUUID)
	}
	if len(chars) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrCharacteristicNotFound, charUUID)
	}

	return &bluezCharacteristic{char: &chars[0]}, nil
}

// classifyDiscoverErr maps a failed filtered discovery onto notFound.
// tinygo/bluetooth reports a requested UUID the device lacks as an error
// ("could not find some services") rather than an empty result.
func classifyDiscoverErr(what string, err, notFound error, uuid string) error {
	if strings.Contains(err.Error(), "could not find some "+what) {
		return fmt.Errorf("%w: %s: %w", notFound, uuid, err)
	}
	return fmt.Errorf("ble: discover %s: %w", what, err)
}

func (c *bluezConnection) Disconnect() error {
	err := c.device.Disconnect()
	c.markLost()
	return err
}

func (c *bluezConnection) Disconnected() <-chan struct{} {
	return c.lost
}

type bluezCharacteristic struct {
	char *bluetooth.DeviceCharacteristic
}

func (c *bluezCharacteristic) Read() ([]byte, error) {
	buf := make([]byte, 64)
	n, err := c.char.Read(buf)
	if err != nil {
		return nil, err
	}
	return buf[:n], nil
}

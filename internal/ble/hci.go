//go:build linux

package ble

import (
	"context"
	"strconv"
	"strings"
	"sync"

	"github.com/go-ble/ble"
	"github.com/go-ble/ble/linux"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// HCIAdapter drives the controller through a raw HCI socket using go-ble,
// bypassing BlueZ. It has no SMP support, so it cannot bond: use it only with
// devices that serve readings without pairing (pairing.required: false).
type HCIAdapter struct {
	id  int
	log *zap.Logger

	mu  sync.Mutex
	dev ble.Device
}

// NewHCIAdapter creates an adapter for a controller id such as "hci0".
func NewHCIAdapter(id string, log *zap.Logger) (*HCIAdapter, error) {
	n, err := strconv.Atoi(strings.TrimPrefix(id, "hci"))
	if err != nil {
		return nil, errors.Wrapf(err, "invalid hci adapter id %q", id)
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &HCIAdapter{id: n, log: log}, nil
}

func (a *HCIAdapter) Enable() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.dev != nil {
		return nil
	}
	d, err := linux.NewDevice(ble.OptDeviceID(a.id))
	if err != nil {
		return errors.Wrapf(err, "open hci%d", a.id)
	}
	a.dev = d
	return nil
}

func (a *HCIAdapter) device() (ble.Device, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.dev == nil {
		return nil, errors.New("hci adapter not enabled")
	}
	return a.dev, nil
}

func (a *HCIAdapter) Scan(ctx context.Context, serviceUUID string) ([]Device, error) {
	dev, err := a.device()
	if err != nil {
		return nil, err
	}
	uuid, err := ble.Parse(serviceUUID)
	if err != nil {
		return nil, errors.Wrap(err, "parse service uuid")
	}

	var mu sync.Mutex
	var devices []Device
	seen := make(map[string]bool)

	err = dev.Scan(ctx, false, func(adv ble.Advertisement) {
		if !adv.Connectable() || !advertises(adv, uuid) {
			return
		}
		mac := strings.ToUpper(adv.Addr().String())
		mu.Lock()
		defer mu.Unlock()
		if seen[mac] {
			return
		}
		seen[mac] = true
		devices = append(devices, Device{Name: adv.LocalName(), MAC: mac, RSSI: adv.RSSI()})
	})
	switch errors.Cause(err) {
	case nil, context.DeadlineExceeded:
	case context.Canceled:
		if ctx.Err() == nil {
			return nil, errors.Wrap(err, "scan for devices cancelled")
		}
	default:
		return nil, errors.Wrap(err, "failed to scan for devices")
	}

	mu.Lock()
	defer mu.Unlock()
	return devices, nil
}

func advertises(adv ble.Advertisement, uuid ble.UUID) bool {
	for _, u := range adv.Services() {
		if u.Equal(uuid) {
			return true
		}
	}
	return false
}

func (a *HCIAdapter) Connect(ctx context.Context, addr Address) (Connection, error) {
	dev, err := a.device()
	if err != nil {
		return nil, err
	}
	cln, err := dev.Dial(ctx, ble.NewAddr(strings.ToLower(addr.String())))
	if err != nil {
		return nil, errors.Wrapf(err, "couldn't connect to %s", addr)
	}
	a.log.Debug("hci connection established", zap.Stringer("address", addr))
	return &hciConnection{client: cln}, nil
}

// Compile-time check that HCIAdapter implements Adapter.
var _ Adapter = (*HCIAdapter)(nil)

type hciConnection struct {
	client ble.Client
}

// Paired always reports false: go-ble keeps no bond database.
func (c *hciConnection) Paired() (bool, error) {
	return false, nil
}

func (c *hciConnection) Pair(context.Context, PINProvider) error {
	return errors.Wrap(ErrPairingDenied, "raw hci transport cannot pair")
}

func (c *hciConnection) DiscoverCharacteristic(serviceUUID, charUUID string) (Characteristic, error) {
	svcUUID, err := ble.Parse(serviceUUID)
	if err != nil {
		return nil, errors.Wrap(err, "could not parse service uuid")
	}
	chrUUID, err := ble.Parse(charUUID)
	if err != nil {
		return nil, errors.Wrap(err, "could not parse characteristic uuid")
	}

	services, err := c.client.DiscoverServices([]ble.UUID{svcUUID})
	if err != nil {
		return nil, errors.Wrap(err, "couldn't discover services")
	}
	if len(services) == 0 {
		return nil, errors.Wrap(ErrServiceNotFound, serviceUUID)
	}

	characteristics, err := c.client.DiscoverCharacteristics([]ble.UUID{chrUUID}, services[0])
	if err != nil {
		return nil, errors.Wrap(err, "couldn't discover characteristic")
	}
	if len(characteristics) == 0 {
		return nil, errors.Wrap(ErrCharacteristicNotFound, charUUID)
	}

	return &hciCharacteristic{client: c.client, char: characteristics[0]}, nil
}

func (c *hciConnection) Disconnect() error {
	return c.client.CancelConnection()
}

func (c *hciConnection) Disconnected() <-chan struct{} {
	return c.client.Disconnected()
}

type hciCharacteristic struct {
	client ble.Client
	char   *ble.Characteristic
}

func (c *hciCharacteristic) Read() ([]byte, error) {
	data, err := c.client.ReadCharacteristic(c.char)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read characteristic value")
	}
	return data, nil
}

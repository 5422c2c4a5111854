//go:build linux

package ble

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/godbus/dbus/v5"
	"go.uber.org/zap"
)

const (
	agentPath          = dbus.ObjectPath("/com/github/chaz8081/aranet_reader/agent")
	agentInterface     = "org.bluez.Agent1"
	agentManagerPath   = dbus.ObjectPath("/org/bluez")
	agentManagerMethod = "org.bluez.AgentManager1."

	// KeyboardOnly makes BlueZ ask us for the passkey the sensor displays.
	agentCapability = "KeyboardOnly"
)

// pairingAgent implements the org.bluez.Agent1 interface. BlueZ calls it
// while a Pair call is in flight; PIN entry is delegated to a PINProvider.
type pairingAgent struct {
	ctx  context.Context
	pins PINProvider
	log  *zap.Logger
}

// registerAgent exports an agent on bus and registers it with BlueZ for the
// lifetime of ctx's pairing attempt. The returned func undoes both.
func registerAgent(ctx context.Context, bus *dbus.Conn, pins PINProvider, log *zap.Logger) (func(), error) {
	agent := &pairingAgent{ctx: ctx, pins: pins, log: log}
	if err := bus.Export(agent, agentPath, agentInterface); err != nil {
		return nil, fmt.Errorf("ble: export pairing agent: %w", err)
	}

	mgr := bus.Object(bluezBusName, agentManagerPath)
	if err := mgr.CallWithContext(ctx, agentManagerMethod+"RegisterAgent", 0, agentPath, agentCapability).Err; err != nil {
		_ = bus.Export(nil, agentPath, agentInterface)
		return nil, fmt.Errorf("ble: register pairing agent: %w", err)
	}
	if err := mgr.CallWithContext(ctx, agentManagerMethod+"RequestDefaultAgent", 0, agentPath).Err; err != nil {
		log.Warn("could not become default agent", zap.Error(err))
	}

	return func() {
		if err := mgr.Call(agentManagerMethod+"UnregisterAgent", 0, agentPath).Err; err != nil {
			log.Debug("unregister agent", zap.Error(err))
		}
		_ = bus.Export(nil, agentPath, agentInterface)
	}, nil
}

func rejected(reason string) *dbus.Error {
	return dbus.NewError("org.bluez.Error.Rejected", []interface{}{reason})
}

func canceled(reason string) *dbus.Error {
	return dbus.NewError("org.bluez.Error.Canceled", []interface{}{reason})
}

func (a *pairingAgent) pin(device dbus.ObjectPath) (string, *dbus.Error) {
	pin, err := a.pins.RequestPIN(a.ctx, string(device))
	switch {
	case err == nil && pin != "":
		return pin, nil
	case err == nil, errors.Is(err, ErrPINRejected):
		a.log.Info("PIN entry rejected", zap.String("device", string(device)))
		return "", rejected("PIN entry rejected")
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return "", canceled("PIN entry timed out")
	default:
		a.log.Warn("PIN entry failed", zap.Error(err))
		return "", rejected(err.Error())
	}
}

func (a *pairingAgent) Release() *dbus.Error {
	return nil
}

func (a *pairingAgent) RequestPinCode(device dbus.ObjectPath) (string, *dbus.Error) {
	a.log.Info("device requests PIN code", zap.String("device", string(device)))
	return a.pin(device)
}

func (a *pairingAgent) DisplayPinCode(device dbus.ObjectPath, pincode string) *dbus.Error {
	return nil
}

func (a *pairingAgent) RequestPasskey(device dbus.ObjectPath) (uint32, *dbus.Error) {
	a.log.Info("device requests passkey", zap.String("device", string(device)))
	pin, derr := a.pin(device)
	if derr != nil {
		return 0, derr
	}
	passkey, err := strconv.ParseUint(pin, 10, 32)
	if err != nil || passkey > 999999 {
		return 0, rejected(fmt.Sprintf("passkey %q is not a 6-digit number", pin))
	}
	return uint32(passkey), nil
}

func (a *pairingAgent) DisplayPasskey(device dbus.ObjectPath, passkey uint32, entered uint16) *dbus.Error {
	return nil
}

func (a *pairingAgent) RequestConfirmation(device dbus.ObjectPath, passkey uint32) *dbus.Error {
	return nil
}

func (a *pairingAgent) RequestAuthorization(device dbus.ObjectPath) *dbus.Error {
	return nil
}

func (a *pairingAgent) AuthorizeService(device dbus.ObjectPath, uuid string) *dbus.Error {
	return nil
}

func (a *pairingAgent) Cancel() *dbus.Error {
	a.log.Info("pairing canceled by bluez")
	return nil
}

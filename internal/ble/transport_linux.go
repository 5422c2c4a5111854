package ble

import (
	"fmt"

	"go.uber.org/zap"
)

// NewAdapter returns the adapter implementation for the named transport.
func NewAdapter(transport, id string, log *zap.Logger) (Adapter, error) {
	switch transport {
	case TransportBlueZ, "":
		return NewBlueZAdapter(id, log), nil
	case TransportHCI:
		return NewHCIAdapter(id, log)
	default:
		return nil, fmt.Errorf("ble: unknown transport %q (supported: bluez, hci)", transport)
	}
}

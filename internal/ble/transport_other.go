//go:build !linux

package ble

import (
	"fmt"
	"runtime"

	"go.uber.org/zap"
)

// NewAdapter returns the adapter implementation for the named transport.
// Both transports need Linux.
func NewAdapter(transport, id string, log *zap.Logger) (Adapter, error) {
	return nil, fmt.Errorf("ble: transport %q is not supported on %s", transport, runtime.GOOS)
}

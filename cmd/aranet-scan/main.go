// Command aranet-scan lists nearby devices advertising the Aranet4 service,
// to find the device_address for aranet-reader's config.
//
// Usage:
//
//	aranet-scan [--adapter hci0] [--transport bluez|hci] [--timeout 10s]
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/chaz8081/aranet-reader/internal/ble"
	"github.com/chaz8081/aranet-reader/internal/config"
	"github.com/chaz8081/aranet-reader/internal/logger"
)

func main() {
	os.Exit(run())
}

func run() int {
	adapterID := pflag.StringP("adapter", "a", "hci0", "bluetooth adapter id")
	transport := pflag.StringP("transport", "t", ble.TransportBlueZ, "transport: bluez or hci")
	timeout := pflag.Duration("timeout", 10*time.Second, "how long to scan")
	logLevel := pflag.String("log-level", "warn", "log level: debug, info, warn or error")
	pflag.Parse()

	log := logger.New(config.ParseLogLevel(*logLevel))
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	adapter, err := ble.NewAdapter(*transport, *adapterID, log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	fmt.Printf("Scanning for Aranet4 devices on %s for %s...\n", *adapterID, *timeout)
	devices, err := ble.ScanForDevices(ctx, adapter, *timeout)
	if err != nil {
		log.Debug("scan failed", zap.Error(err))
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	if len(devices) == 0 {
		fmt.Println("No devices found. Make sure the sensor is nearby and Smart Home integration is enabled.")
		return 1
	}

	sort.Slice(devices, func(i, j int) bool { return devices[i].RSSI > devices[j].RSSI })

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ADDRESS\tNAME\tRSSI")
	for _, d := range devices {
		fmt.Fprintf(w, "%s\t%s\t%d dBm\n", d.MAC, d.Name, d.RSSI)
	}
	_ = w.Flush()
	return 0
}

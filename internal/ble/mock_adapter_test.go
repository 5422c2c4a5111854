package ble

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/chaz8081/aranet-reader/internal/ble/protocol"
)

// testPayload is 420 ppm, 21.5 °C, 1013.2 hPa, 55 %, 80 % battery, green.
var testPayload = []byte{0xA4, 0x01, 0xAE, 0x01, 0x94, 0x27, 0x37, 0x50, 0x01}

// mockCharacteristic returns a fixed value, optionally blocking until
// released.
type mockCharacteristic struct {
	mu    sync.Mutex
	data  []byte
	err   error
	block chan struct{}
	reads int
}

func (c *mockCharacteristic) Read() ([]byte, error) {
	c.mu.Lock()
	c.reads++
	block, data, err := c.block, c.data, c.err
	c.mu.Unlock()
	if block != nil {
		<-block
	}
	if err != nil {
		return nil, err
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	return cp, nil
}

func (c *mockCharacteristic) readCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reads
}

// mockConnection simulates a BLE connection to an Aranet4.
type mockConnection struct {
	mu            sync.Mutex
	char          *mockCharacteristic
	discoverErr   error
	discoverBlock chan struct{}
	paired        bool
	pairErr       error
	pairBlock     bool
	pairCalls     int
	disconnects   int

	once sync.Once
	lost chan struct{}
}

func newMockConnection() *mockConnection {
	return &mockConnection{
		char:   &mockCharacteristic{data: testPayload},
		paired: true,
		lost:   make(chan struct{}),
	}
}

func (c *mockConnection) Paired() (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.paired, nil
}

func (c *mockConnection) Pair(ctx context.Context, pins PINProvider) error {
	c.mu.Lock()
	c.pairCalls++
	block, pairErr := c.pairBlock, c.pairErr
	c.mu.Unlock()

	if block {
		<-ctx.Done()
		return ctx.Err()
	}
	if pairErr != nil {
		return pairErr
	}
	if _, err := pins.RequestPIN(ctx, "dev_AA_BB_CC_DD_EE_FF"); err != nil {
		return fmt.Errorf("%w: %w", ErrPairingDenied, err)
	}

	c.mu.Lock()
	c.paired = true
	c.mu.Unlock()
	return nil
}

func (c *mockConnection) DiscoverCharacteristic(serviceUUID, charUUID string) (Characteristic, error) {
	c.mu.Lock()
	block := c.discoverBlock
	c.mu.Unlock()
	if block != nil {
		<-block
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.discoverErr != nil {
		return nil, c.discoverErr
	}
	if serviceUUID != ServiceUUID || charUUID != CurrentReadingsCharUUID {
		return nil, fmt.Errorf("mock: unknown characteristic %s/%s", serviceUUID, charUUID)
	}
	return c.char, nil
}

func (c *mockConnection) Disconnect() error {
	c.mu.Lock()
	c.disconnects++
	c.mu.Unlock()
	c.SimulateDisconnect()
	return nil
}

func (c *mockConnection) Disconnected() <-chan struct{} {
	return c.lost
}

// SimulateDisconnect drops the link as if the peripheral went away.
func (c *mockConnection) SimulateDisconnect() {
	c.once.Do(func() { close(c.lost) })
}

func (c *mockConnection) disconnectCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.disconnects
}

// mockAdapter simulates the BLE adapter.
type mockAdapter struct {
	mu           sync.Mutex
	enableErr    error
	connectErr   error
	connectDelay time.Duration // ignores ctx, like a controller that cannot abort
	devices      []Device
	newConn      func() *mockConnection
	connections  []*mockConnection
}

func newMockAdapter() *mockAdapter {
	return &mockAdapter{newConn: newMockConnection}
}

func (a *mockAdapter) Enable() error { return a.enableErr }

func (a *mockAdapter) Scan(_ context.Context, _ string) ([]Device, error) {
	return a.devices, nil
}

func (a *mockAdapter) Connect(_ context.Context, _ Address) (Connection, error) {
	if a.connectDelay > 0 {
		time.Sleep(a.connectDelay)
	}
	if a.connectErr != nil {
		return nil, a.connectErr
	}
	conn := a.newConn()
	a.mu.Lock()
	a.connections = append(a.connections, conn)
	a.mu.Unlock()
	return conn, nil
}

func (a *mockAdapter) connectCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.connections)
}

// latestConnection returns the most recently created connection (thread-safe).
func (a *mockAdapter) latestConnection() *mockConnection {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.connections) == 0 {
		return nil
	}
	return a.connections[len(a.connections)-1]
}

// pinFunc adapts a function to PINProvider.
type pinFunc func(ctx context.Context, device string) (string, error)

func (f pinFunc) RequestPIN(ctx context.Context, device string) (string, error) {
	return f(ctx, device)
}

func staticPIN(pin string) PINProvider {
	return pinFunc(func(context.Context, string) (string, error) { return pin, nil })
}

func testAddress(t *testing.T) Address {
	t.Helper()
	addr, err := ParseAddress("hci0", "aa:bb:cc:dd:ee:ff")
	if err != nil {
		t.Fatalf("ParseAddress() error = %v", err)
	}
	return addr
}

func fastOptions() SessionOptions {
	return SessionOptions{
		ConnectTimeout: 200 * time.Millisecond,
		PairTimeout:    200 * time.Millisecond,
		ReadTimeout:    200 * time.Millisecond,
		RequirePairing: true,
	}
}

func TestMockAdapterImplementsInterface(t *testing.T) {
	var _ Adapter = (*mockAdapter)(nil)
}

func TestMockConnectionImplementsInterface(t *testing.T) {
	var _ Connection = (*mockConnection)(nil)
}

func TestMockCharacteristicImplementsInterface(t *testing.T) {
	var _ Characteristic = (*mockCharacteristic)(nil)
}

func TestTestPayloadDecodes(t *testing.T) {
	if _, err := protocol.Decode(testPayload, time.Now()); err != nil {
		t.Fatalf("testPayload does not decode: %v", err)
	}
}

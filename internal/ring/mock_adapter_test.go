package ring

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/abduljabar5/zikrlink/internal/ble"
)

// mockCharacteristic is an in-memory tap characteristic.
type mockCharacteristic struct {
	mu           sync.Mutex
	callback     func([]byte)
	readValue    []byte
	readErr      error
	unsubscribed bool
}

func (c *mockCharacteristic) Read() ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.readErr != nil {
		return nil, c.readErr
	}
	cp := make([]byte, len(c.readValue))
	copy(cp, c.readValue)
	return cp, nil
}

func (c *mockCharacteristic) Subscribe(cb func([]byte)) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.callback = cb
	return nil
}

func (c *mockCharacteristic) Unsubscribe() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.callback = nil
	c.unsubscribed = true
	return nil
}

// SimulateNotification delivers a notification to the subscriber.
func (c *mockCharacteristic) SimulateNotification(data []byte) {
	c.mu.Lock()
	cb := c.callback
	c.mu.Unlock()
	if cb != nil {
		cb(data)
	}
}

func (c *mockCharacteristic) setReadValue(data []byte) {
	c.mu.Lock()
	c.readValue = data
	c.mu.Unlock()
}

func (c *mockCharacteristic) isUnsubscribed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.unsubscribed
}

// mockConnection simulates a BLE connection to one ring.
type mockConnection struct {
	mu           sync.Mutex
	char         *mockCharacteristic
	discoverErr  error
	svcUUID      string
	charUUID     string
	disconnectCb func()
	disconnected bool
}

func newMockConnection() *mockConnection {
	return &mockConnection{char: &mockCharacteristic{}}
}

func (c *mockConnection) DiscoverCharacteristic(serviceUUID, charUUID string) (ble.Characteristic, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.discoverErr != nil {
		return nil, c.discoverErr
	}
	c.svcUUID = serviceUUID
	c.charUUID = charUUID
	return c.char, nil
}

func (c *mockConnection) Disconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disconnected = true
	return nil
}

func (c *mockConnection) OnDisconnect(cb func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disconnectCb = cb
}

// SimulateDisconnect fires the drop callback the way the platform stack
// would on a lost link.
func (c *mockConnection) SimulateDisconnect() {
	c.mu.Lock()
	cb := c.disconnectCb
	c.mu.Unlock()
	if cb != nil {
		cb()
	}
}

func (c *mockConnection) isDisconnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.disconnected
}

func (c *mockConnection) discovered() (string, string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.svcUUID, c.charUUID
}

// mockAdapter simulates the BLE adapter. A scan first replays the preset
// sightings and then streams anything pushed with pushSighting until the
// scan context ends. Connects are scripted per test: failConnects fails
// the next n dials, blockConnect parks a dial until its context expires,
// holdConnect parks it until the channel is closed while ignoring the
// context.
type mockAdapter struct {
	mu           sync.Mutex
	sightings    []ble.ScanResult
	live         chan ble.ScanResult
	enableErr    error
	scanErr      error
	failConnects int
	connectErr   error
	blockConnect bool
	holdConnect  chan struct{}
	baseline     []byte
	scanCount    int
	scansActive  int
	connects     int
	connections  []*mockConnection
}

func newMockAdapter(sightings ...ble.ScanResult) *mockAdapter {
	return &mockAdapter{
		sightings: sightings,
		live:      make(chan ble.ScanResult, 16),
		baseline:  tapFrame(100, 90),
	}
}

func (a *mockAdapter) Enable() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.enableErr
}

func (a *mockAdapter) Scan(ctx context.Context, _ ble.Filter, onResult func(ble.ScanResult)) error {
	a.mu.Lock()
	if a.scanErr != nil {
		err := a.scanErr
		a.mu.Unlock()
		return err
	}
	a.scanCount++
	a.scansActive++
	preset := append([]ble.ScanResult(nil), a.sightings...)
	a.mu.Unlock()

	defer func() {
		a.mu.Lock()
		a.scansActive--
		a.mu.Unlock()
	}()

	for _, r := range preset {
		onResult(r)
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case r := <-a.live:
			onResult(r)
		}
	}
}

func (a *mockAdapter) Connect(ctx context.Context, _ string) (ble.Connection, error) {
	a.mu.Lock()
	a.connects++
	if a.failConnects > 0 {
		a.failConnects--
		err := a.connectErr
		if err == nil {
			err = errors.New("mock: ring refused connection")
		}
		a.mu.Unlock()
		return nil, err
	}
	block := a.blockConnect
	hold := a.holdConnect
	baseline := a.baseline
	a.mu.Unlock()

	if hold != nil {
		<-hold
	} else if block {
		<-ctx.Done()
		return nil, ctx.Err()
	}

	conn := newMockConnection()
	conn.char.setReadValue(baseline)
	a.mu.Lock()
	a.connections = append(a.connections, conn)
	a.mu.Unlock()
	return conn, nil
}

// latestConnection returns the most recently created connection.
func (a *mockAdapter) latestConnection() *mockConnection {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.connections) == 0 {
		return nil
	}
	return a.connections[len(a.connections)-1]
}

func (a *mockAdapter) connectAttempts() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.connects
}

func (a *mockAdapter) scans() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.scanCount
}

func (a *mockAdapter) activeScans() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.scansActive
}

func (a *mockAdapter) pushSighting(r ble.ScanResult) {
	a.live <- r
}

func (a *mockAdapter) setBaseline(data []byte) {
	a.mu.Lock()
	a.baseline = data
	a.mu.Unlock()
}

func (a *mockAdapter) setFailConnects(n int, err error) {
	a.mu.Lock()
	a.failConnects = n
	a.connectErr = err
	a.mu.Unlock()
}

func (a *mockAdapter) setEnableErr(err error) {
	a.mu.Lock()
	a.enableErr = err
	a.mu.Unlock()
}

func TestMockAdapterImplementsInterface(t *testing.T) {
	var _ ble.Adapter = (*mockAdapter)(nil)
}

func TestMockConnectionImplementsInterface(t *testing.T) {
	var _ ble.Connection = (*mockConnection)(nil)
}

func TestMockCharacteristicImplementsInterface(t *testing.T) {
	var _ ble.Characteristic = (*mockCharacteristic)(nil)
}

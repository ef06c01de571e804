package ble

import (
	"context"
	"fmt"
	"sync"

	"tinygo.org/x/bluetooth"
)

// readBufSize is generous for a GATT read; the ring's frames are a few
// bytes, but other firmware revisions pad their values.
const readBufSize = 512

// PlatformAdapter drives the host BLE stack through tinygo.org/x/bluetooth,
// which backs onto BlueZ, CoreBluetooth or WinRT depending on the OS.
type PlatformAdapter struct {
	adapter *bluetooth.Adapter

	// mu protects the connections map.
	mu          sync.Mutex
	connections map[string]*platformConnection // keyed by peripheral id
}

// NewPlatformAdapter returns an adapter over the default system radio.
func NewPlatformAdapter() *PlatformAdapter {
	return &PlatformAdapter{
		adapter:     bluetooth.DefaultAdapter,
		connections: make(map[string]*platformConnection),
	}
}

func (a *PlatformAdapter) Enable() error {
	if err := a.adapter.Enable(); err != nil {
		return classifyError(err)
	}

	// The stack fires this callback with connected=false when a peripheral
	// drops (DidDisconnectPeripheral on macOS, PropertiesChanged on BlueZ).
	// Route it to the matching connection's OnDisconnect callback.
	a.adapter.SetConnectHandler(func(device bluetooth.Device, connected bool) {
		if connected {
			return
		}
		id := device.Address.String()
		a.mu.Lock()
		conn, ok := a.connections[id]
		delete(a.connections, id)
		a.mu.Unlock()
		if ok {
			conn.dropped()
		}
	})

	return nil
}

func (a *PlatformAdapter) Scan(ctx context.Context, filter Filter, onResult func(ScanResult)) error {
	var svcUUID bluetooth.UUID
	haveSvc := false
	if filter.ServiceUUID != "" {
		parsed, err := bluetooth.ParseUUID(filter.ServiceUUID)
		if err != nil {
			return fmt.Errorf("ble: parse service UUID: %w", err)
		}
		svcUUID = parsed
		haveSvc = true
	}

	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			a.adapter.StopScan()
		case <-done:
		}
	}()

	err := a.adapter.Scan(func(_ *bluetooth.Adapter, result bluetooth.ScanResult) {
		hasService := haveSvc && result.HasServiceUUID(svcUUID)
		if !filter.match(result.LocalName(), hasService) {
			return
		}
		onResult(ScanResult{
			ID:   result.Address.String(),
			Name: result.LocalName(),
			RSSI: result.RSSI,
		})
	})
	close(done)

	if err != nil && ctx.Err() == nil {
		return fmt.Errorf("ble: scan: %w", err)
	}
	return nil
}

func (a *PlatformAdapter) Connect(ctx context.Context, id string) (Connection, error) {
	var addr bluetooth.Address
	addr.Set(id)

	// The stack's Connect blocks with its own internal timeout. Wrap it so
	// the caller's deadline and cancellation win.
	type connectResult struct {
		device bluetooth.Device
		err    error
	}
	ch := make(chan connectResult, 1)
	go func() {
		device, err := a.adapter.Connect(addr, bluetooth.ConnectionParams{})
		ch <- connectResult{device, err}
	}()

	select {
	case <-ctx.Done():
		// The underlying Connect cannot be aborted from here; it will time
		// out or succeed on its own and the result is discarded.
		return nil, fmt.Errorf("ble: connect to %s: %w", id, ctx.Err())
	case result := <-ch:
		if result.err != nil {
			return nil, fmt.Errorf("ble: connect to %s: %w", id, result.err)
		}
		conn := &platformConnection{device: &result.device}

		// Track the connection so the adapter-level handler can find it
		// and fire its OnDisconnect callback.
		a.mu.Lock()
		a.connections[id] = conn
		a.mu.Unlock()

		return conn, nil
	}
}

// Compile-time check that PlatformAdapter implements Adapter.
var _ Adapter = (*PlatformAdapter)(nil)

type platformConnection struct {
	device *bluetooth.Device

	mu           sync.Mutex
	disconnectCb func()
}

func (c *platformConnection) DiscoverCharacteristic(serviceUUID, charUUID string) (Characteristic, error) {
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
		return nil, fmt.Errorf("ble: discover services: %w", err)
	}
	if len(svcs) == 0 {
		return nil, fmt.Errorf("ble: service %s not found", serviceUUID)
	}

	chars, err := svcs[0].DiscoverCharacteristics([]bluetooth.UUID{charUUIDParsed})
	if err != nil {
		return nil, fmt.Errorf("ble: discover characteristics: %w", err)
	}
	if len(chars) == 0 {
		return nil, fmt.Errorf("ble: characteristic %s not found", charUUID)
	}

	return &platformCharacteristic{char: &chars[0]}, nil
}

func (c *platformConnection) Disconnect() error {
	return c.device.Disconnect()
}

func (c *platformConnection) OnDisconnect(cb func()) {
	c.mu.Lock()
	c.disconnectCb = cb
	c.mu.Unlock()
}

// dropped fires the registered disconnect callback once.
func (c *platformConnection) dropped() {
	c.mu.Lock()
	cb := c.disconnectCb
	c.disconnectCb = nil
	c.mu.Unlock()
	if cb != nil {
		cb()
	}
}

type platformCharacteristic struct {
	char *bluetooth.DeviceCharacteristic
}

func (c *platformCharacteristic) Read() ([]byte, error) {
	buf := make([]byte, readBufSize)
	n, err := c.char.Read(buf)
	if err != nil {
		return nil, fmt.Errorf("ble: read characteristic: %w", err)
	}
	return buf[:n], nil
}

func (c *platformCharacteristic) Subscribe(cb func([]byte)) error {
	return c.char.EnableNotifications(func(buf []byte) {
		// The stack reuses buf between notifications.
		data := make([]byte, len(buf))
		copy(data, buf)
		cb(data)
	})
}

func (c *platformCharacteristic) Unsubscribe() error {
	return c.char.EnableNotifications(nil)
}

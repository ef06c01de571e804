package ring

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/abduljabar5/zikrlink/internal/ble"
)

// Zikr Ring GATT identifiers. Overridable in configuration for firmware
// variants that relocate the tap service.
const (
	DefaultServiceUUID = "0000fff0-0000-1000-8000-00805f9b34fb"
	DefaultTapCharUUID = "0000fff1-0000-1000-8000-00805f9b34fb"
)

// TapSink receives decoded tap deltas. The devotional counter lives on the
// other side of this boundary; the manager forwards each decoded delta
// exactly once and keeps no history beyond the session count.
type TapSink interface {
	OnTapIncrement(delta int)
}

// Options configures a Manager.
type Options struct {
	ServiceUUID    string
	TapCharUUID    string
	NamePrefixes   []string
	ConnectTimeout time.Duration
	ScanTimeout    time.Duration // 0 scans until stopped
	Reconnect      Policy
}

// DefaultOptions returns the shipping ring settings.
func DefaultOptions() Options {
	return Options{
		ServiceUUID:    DefaultServiceUUID,
		TapCharUUID:    DefaultTapCharUUID,
		NamePrefixes:   []string{"Zikr"},
		ConnectTimeout: 10 * time.Second,
		Reconnect:      DefaultPolicy(),
	}
}

// Snapshot is the observable projection of the manager for UI layers.
type Snapshot struct {
	Status      string           `json:"status"`
	Detail      string           `json:"detail,omitempty"`
	IsScanning  bool             `json:"is_scanning"`
	IsConnected bool             `json:"is_connected"`
	RingID      string           `json:"ring_id,omitempty"`
	RingName    string           `json:"ring_name,omitempty"`
	SessionID   string           `json:"session_id,omitempty"`
	TapCount    uint64           `json:"tap_count"`
	Battery     int              `json:"battery"`
	Rings       []DiscoveredRing `json:"rings"`
}

// Stats are process-lifetime counters for the stats endpoint.
type Stats struct {
	TotalTaps    uint64 `json:"total_taps"`
	DecodeErrors uint64 `json:"decode_errors"`
	SessionID    string `json:"session_id,omitempty"`
	SessionTaps  uint64 `json:"session_taps"`
}

// session is the per-connection tap context. It survives reconnects to the
// same ring and is discarded on teardown or when a different ring becomes
// the target.
type session struct {
	id      string
	ringID  string
	name    string
	count   uint64
	battery int
	tracker tapTracker
	started time.Time
}

// Manager owns the whole link: the scan registry, the state machine, the
// reconnect schedule and the notification session. All mutable state is
// guarded by mu. BLE callbacks and timers re-enter through methods that
// first check the generation they were created under; any state change
// bumps the generation, so work belonging to a superseded state drops out
// without touching anything.
type Manager struct {
	adapter ble.Adapter
	sink    TapSink
	opts    Options

	mu         sync.Mutex
	state      State
	registry   *Registry
	gen        uint64
	timer      *time.Timer        // pending scan-timeout or reconnect timer
	cancelOp   context.CancelFunc // cancels the in-flight scan or connect
	conn       ble.Connection
	char       ble.Characteristic
	session    *session
	detail     string // last informational or error status line
	enabled    bool
	totalTaps  uint64
	decodeErrs uint64
	listeners  []func(Snapshot)
	closed     bool
}

// NewManager wires a manager to a BLE adapter and a tap sink. sink may be
// nil when nothing consumes increments, e.g. a bare scan utility.
func NewManager(adapter ble.Adapter, sink TapSink, opts Options) *Manager {
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 10 * time.Second
	}
	if opts.Reconnect.MaxAttempts <= 0 {
		opts.Reconnect = DefaultPolicy()
	}
	return &Manager{
		adapter:  adapter,
		sink:     sink,
		opts:     opts,
		registry: NewRegistry(),
	}
}

// OnChange registers a listener called with a fresh snapshot after every
// observable change. Listeners run outside the manager lock.
func (m *Manager) OnChange(fn func(Snapshot)) {
	m.mu.Lock()
	m.listeners = append(m.listeners, fn)
	m.mu.Unlock()
}

// Snapshot returns the current observable state.
func (m *Manager) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked()
}

// Stats returns cumulative counters.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := Stats{TotalTaps: m.totalTaps, DecodeErrors: m.decodeErrs}
	if m.session != nil {
		s.SessionID = m.session.id
		s.SessionTaps = m.session.count
	}
	return s
}

// StartScanning begins ring discovery. It is a no-op while a scan is
// already running and is rejected while a connection exists or is being
// established.
func (m *Manager) StartScanning() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	if m.state.Phase == PhaseScanning {
		m.mu.Unlock()
		return nil
	}
	if m.state.Phase != PhaseDisconnected {
		err := fmt.Errorf("%w: cannot scan while %s", ErrBusy, m.state.Phase)
		m.mu.Unlock()
		return err
	}
	if !m.enabled {
		if err := m.adapter.Enable(); err != nil {
			m.detail = err.Error()
			slog.Error("[RING] adapter enable failed", "error", err)
			snap, ls := m.commitLocked()
			m.mu.Unlock()
			emit(ls, snap)
			return err
		}
		m.enabled = true
	}
	m.detail = ""
	m.transitionLocked(Event{Kind: EventStartScan})
	snap, ls := m.commitLocked()
	m.mu.Unlock()
	emit(ls, snap)
	return nil
}

// StopScanning ends the scan session and clears the registry. reason is
// surfaced as the status detail ("user navigated away", "timeout").
func (m *Manager) StopScanning(reason string) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	if m.state.Phase != PhaseScanning {
		m.mu.Unlock()
		return nil
	}
	m.detail = stopDetail(reason)
	slog.Info("[RING] scan stopped", "reason", reason)
	m.transitionLocked(Event{Kind: EventStopScan})
	snap, ls := m.commitLocked()
	m.mu.Unlock()
	emit(ls, snap)
	return nil
}

// Connect targets the ring with the given id, which must be present in
// the scan registry. Any established connection or pending reconnection is
// torn down first; a connect already in flight is not preempted.
func (m *Manager) Connect(id string) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	switch m.state.Phase {
	case PhaseConnecting:
		err := fmt.Errorf("%w: already connecting to %s", ErrConnectInProgress, m.state.DeviceID)
		m.mu.Unlock()
		return err
	case PhaseConnected:
		if m.state.DeviceID == id {
			m.mu.Unlock()
			return nil
		}
	}
	if _, ok := m.registry.Get(id); !ok {
		err := fmt.Errorf("%w: %s", ErrDeviceNotFound, id)
		m.mu.Unlock()
		return err
	}
	// Switching rings or preempting a background reconnect starts from a
	// clean slate.
	if m.state.Phase == PhaseConnected || m.state.Phase == PhaseReconnecting {
		m.transitionLocked(Event{Kind: EventUserDisconnect, DeviceID: m.state.DeviceID})
	}
	m.detail = ""
	m.transitionLocked(Event{Kind: EventConnect, DeviceID: id})
	snap, ls := m.commitLocked()
	m.mu.Unlock()
	emit(ls, snap)
	return nil
}

// Disconnect tears the link down from any phase: it cancels scans, pending
// connects and reconnect timers, and always lands in Disconnected.
func (m *Manager) Disconnect() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	if m.state.Phase == PhaseDisconnected {
		m.mu.Unlock()
		return nil
	}
	m.detail = ""
	m.transitionLocked(m.teardownEventLocked())
	snap, ls := m.commitLocked()
	m.mu.Unlock()
	emit(ls, snap)
	return nil
}

// Close shuts the manager down: the link is torn down, the registry is
// dropped and no further snapshots are delivered.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	if m.state.Phase != PhaseDisconnected {
		m.transitionLocked(m.teardownEventLocked())
	}
	m.registry.Clear()
	m.listeners = nil
	m.closed = true
	m.mu.Unlock()
	return nil
}

// teardownEventLocked picks the event that lands the current phase in
// Disconnected.
func (m *Manager) teardownEventLocked() Event {
	if m.state.Phase == PhaseScanning {
		return Event{Kind: EventStopScan}
	}
	return Event{Kind: EventUserDisconnect, DeviceID: m.state.DeviceID}
}

// transitionLocked applies ev and runs the entry actions for the new
// state. Rejected moves are logged and reported as false.
func (m *Manager) transitionLocked(ev Event) bool {
	next, ok := Apply(m.state, ev)
	if !ok {
		slog.Debug("[RING] event rejected", "event", ev.Kind, "id", ev.DeviceID, "phase", m.state.Phase)
		return false
	}
	m.enterLocked(next, ev)
	return true
}

// enterLocked replaces the state. Bumping gen and stopping the timer and
// the in-flight operation here means no timer or callback created for the
// old state can ever act on the new one.
func (m *Manager) enterLocked(next State, ev Event) {
	prev := m.state
	m.gen++
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	if m.cancelOp != nil {
		m.cancelOp()
		m.cancelOp = nil
	}
	m.state = next
	slog.Debug("[RING] transition", "from", prev.Phase, "to", next.Phase, "event", ev.Kind)

	switch next.Phase {
	case PhaseDisconnected:
		if ev.Kind == EventStopScan {
			m.registry.Clear()
		}
		if m.char != nil {
			if err := m.char.Unsubscribe(); err != nil {
				slog.Debug("[RING] unsubscribe", "error", err)
			}
			m.char = nil
		}
		if m.conn != nil {
			if err := m.conn.Disconnect(); err != nil {
				slog.Debug("[RING] disconnect", "error", err)
			}
			m.conn = nil
		}
		m.session = nil

	case PhaseScanning:
		gen := m.gen
		ctx, cancel := context.WithCancel(context.Background())
		m.cancelOp = cancel
		go m.runScan(ctx, gen)
		if m.opts.ScanTimeout > 0 {
			m.timer = time.AfterFunc(m.opts.ScanTimeout, func() {
				m.scanEnded(gen, stopDetail("timeout"))
			})
		}
		slog.Info("[RING] scanning", "service", m.opts.ServiceUUID, "prefixes", m.opts.NamePrefixes)

	case PhaseConnecting:
		gen := m.gen
		id := next.DeviceID
		ctx, cancel := context.WithTimeout(context.Background(), m.opts.ConnectTimeout)
		m.cancelOp = cancel
		slog.Info("[RING] connecting", "id", id)
		go m.runConnect(ctx, gen, id)

	case PhaseConnected:
		if prev.Phase != PhaseReconnecting || m.session == nil || m.session.ringID != next.DeviceID {
			name := ""
			if d, ok := m.registry.Get(next.DeviceID); ok {
				name = d.Name
			}
			m.session = &session{
				id:      uuid.NewString(),
				ringID:  next.DeviceID,
				name:    name,
				battery: -1,
				started: time.Now(),
			}
			slog.Info("[RING] connected", "id", next.DeviceID, "session", m.session.id)
		} else {
			slog.Info("[RING] reconnected", "id", next.DeviceID, "session", m.session.id, "count", m.session.count)
		}
		m.detail = ""
		if m.conn != nil {
			gen := m.gen
			id := next.DeviceID
			m.conn.OnDisconnect(func() { m.peripheralDropped(gen, id) })
		}

	case PhaseReconnecting:
		dec := m.opts.Reconnect.Decide(next.Attempt)
		if dec.GiveUp {
			m.detail = ErrRetriesExhausted.Error()
			slog.Warn("[RING] giving up", "id", next.DeviceID, "attempts", m.opts.Reconnect.MaxAttempts)
			m.transitionLocked(Event{Kind: EventRetryExhausted, DeviceID: next.DeviceID})
			return
		}
		gen := m.gen
		id := next.DeviceID
		m.timer = time.AfterFunc(dec.Delay, func() { m.retryConnect(gen, id) })
		slog.Info("[RING] reconnect scheduled", "id", id, "attempt", next.Attempt, "delay", dec.Delay)
	}
}

// runScan owns the BLE scan for one scanning session. Sightings stream
// into the registry until the session's ctx is cancelled or the platform
// reports an error.
func (m *Manager) runScan(ctx context.Context, gen uint64) {
	filter := ble.Filter{ServiceUUID: m.opts.ServiceUUID, NamePrefixes: m.opts.NamePrefixes}
	err := m.adapter.Scan(ctx, filter, func(r ble.ScanResult) {
		m.sighting(gen, r)
	})
	if err != nil && ctx.Err() == nil {
		slog.Error("[RING] scan aborted", "error", err)
		m.scanEnded(gen, "scan failed: "+err.Error())
	}
}

// sighting records one advertisement into the registry.
func (m *Manager) sighting(gen uint64, r ble.ScanResult) {
	m.mu.Lock()
	if m.closed || gen != m.gen || m.state.Phase != PhaseScanning {
		m.mu.Unlock()
		return
	}
	m.registry.Upsert(DiscoveredRing{
		ID:         r.ID,
		Name:       r.Name,
		RSSI:       r.RSSI,
		LastSeenAt: time.Now(),
	})
	snap, ls := m.commitLocked()
	m.mu.Unlock()
	emit(ls, snap)
}

// scanEnded stops a scanning session that ended on its own, via the scan
// timeout or a platform error.
func (m *Manager) scanEnded(gen uint64, detail string) {
	m.mu.Lock()
	if m.closed || gen != m.gen {
		m.mu.Unlock()
		return
	}
	m.detail = detail
	if !m.transitionLocked(Event{Kind: EventStopScan}) {
		m.mu.Unlock()
		return
	}
	snap, ls := m.commitLocked()
	m.mu.Unlock()
	emit(ls, snap)
}

// runConnect dials the ring, discovers the tap characteristic, subscribes
// and reads the counter baseline, then reports back through the dispatch
// funnel. The whole sequence runs off the lock; gen ties the outcome to
// the attempt that launched it.
func (m *Manager) runConnect(ctx context.Context, gen uint64, id string) {
	conn, err := m.adapter.Connect(ctx, id)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			err = fmt.Errorf("%w: %s after %s", ErrConnectTimeout, id, m.opts.ConnectTimeout)
		}
		m.connectFailed(gen, id, err)
		return
	}

	char, err := conn.DiscoverCharacteristic(m.opts.ServiceUUID, m.opts.TapCharUUID)
	if err != nil {
		_ = conn.Disconnect()
		m.connectFailed(gen, id, err)
		return
	}
	if err := char.Subscribe(func(data []byte) { m.handleNotification(char, data) }); err != nil {
		_ = conn.Disconnect()
		m.connectFailed(gen, id, fmt.Errorf("subscribe: %w", err))
		return
	}

	// Baseline read primes the counter tracker so the ring's stored total
	// is never billed as taps. Firmware that rejects reads falls back to
	// priming on the first notification.
	var baseline []byte
	if value, err := char.Read(); err == nil {
		baseline = value
	}

	m.connectSucceeded(gen, id, conn, char, baseline)
}

func (m *Manager) connectFailed(gen uint64, id string, err error) {
	m.mu.Lock()
	if m.closed || gen != m.gen {
		m.mu.Unlock()
		return
	}
	ev := Event{Kind: EventConnectFailed, DeviceID: id}
	next, ok := Apply(m.state, ev)
	if !ok {
		slog.Debug("[RING] stale connect failure", "id", id)
		m.mu.Unlock()
		return
	}
	m.detail = err.Error()
	slog.Warn("[RING] connect failed", "id", id, "error", err)
	m.enterLocked(next, ev)
	snap, ls := m.commitLocked()
	m.mu.Unlock()
	emit(ls, snap)
}

func (m *Manager) connectSucceeded(gen uint64, id string, conn ble.Connection, char ble.Characteristic, baseline []byte) {
	m.mu.Lock()
	stale := m.closed || gen != m.gen
	var next State
	if !stale {
		var ok bool
		next, ok = Apply(m.state, Event{Kind: EventConnectSucceeded, DeviceID: id})
		stale = !ok
	}
	if stale {
		m.mu.Unlock()
		// A user action superseded this attempt while it was in flight.
		_ = conn.Disconnect()
		slog.Debug("[RING] discarding superseded connection", "id", id)
		return
	}
	m.conn = conn
	m.char = char
	m.enterLocked(next, Event{Kind: EventConnectSucceeded, DeviceID: id})

	var delta int
	if len(baseline) > 0 {
		if r, err := DecodeTapPayload(baseline); err == nil {
			delta = m.applyReadingLocked(r)
		}
	}
	snap, ls := m.commitLocked()
	sink := m.sink
	m.mu.Unlock()

	if delta > 0 {
		slog.Info("[RING] taps recovered from baseline", "delta", delta)
		if sink != nil {
			sink.OnTapIncrement(delta)
		}
	}
	emit(ls, snap)
}

// retryConnect launches the next reconnect attempt when its backoff timer
// fires. The state stays Reconnecting; gen still identifies the cycle.
func (m *Manager) retryConnect(gen uint64, id string) {
	m.mu.Lock()
	if m.closed || gen != m.gen || m.state.Phase != PhaseReconnecting {
		m.mu.Unlock()
		return
	}
	m.timer = nil
	ctx, cancel := context.WithTimeout(context.Background(), m.opts.ConnectTimeout)
	m.cancelOp = cancel
	slog.Info("[RING] reconnect attempt", "id", id, "attempt", m.state.Attempt)
	go m.runConnect(ctx, gen, id)
	m.mu.Unlock()
}

func (m *Manager) peripheralDropped(gen uint64, id string) {
	m.mu.Lock()
	if m.closed || gen != m.gen {
		m.mu.Unlock()
		return
	}
	ev := Event{Kind: EventPeripheralDropped, DeviceID: id}
	next, ok := Apply(m.state, ev)
	if !ok {
		slog.Debug("[RING] stale drop notification", "id", id)
		m.mu.Unlock()
		return
	}
	m.detail = ErrUnexpectedDisconnect.Error()
	slog.Warn("[RING] link dropped", "id", id)
	// The old connection is gone; keep the session so the count survives
	// the reconnect.
	m.conn = nil
	m.char = nil
	m.enterLocked(next, ev)
	snap, ls := m.commitLocked()
	m.mu.Unlock()
	emit(ls, snap)
}

// handleNotification is the subscription callback for tap frames. The
// characteristic identity stands in for a generation: a notification from
// a torn-down session carries a characteristic the manager no longer
// holds.
func (m *Manager) handleNotification(ch ble.Characteristic, payload []byte) {
	m.mu.Lock()
	if m.closed || m.state.Phase != PhaseConnected || m.char != ch {
		m.mu.Unlock()
		return
	}
	r, err := DecodeTapPayload(payload)
	if err != nil {
		m.decodeErrs++
		m.mu.Unlock()
		slog.Warn("[RING] dropping bad notification", "error", err)
		return
	}
	delta := m.applyReadingLocked(r)
	snap, ls := m.commitLocked()
	sink := m.sink
	m.mu.Unlock()

	if delta > 0 {
		slog.Debug("[RING] taps", "delta", delta, "count", snap.TapCount)
		if sink != nil {
			sink.OnTapIncrement(delta)
		}
	}
	emit(ls, snap)
}

// applyReadingLocked runs r through the session tracker and books the
// resulting delta. Returns the delta so the caller can forward it to the
// sink outside the lock.
func (m *Manager) applyReadingLocked(r Reading) int {
	if m.session == nil {
		return 0
	}
	delta := m.session.tracker.delta(r)
	if r.Battery >= 0 {
		m.session.battery = r.Battery
	}
	if delta > 0 {
		m.session.count += uint64(delta)
		m.totalTaps += uint64(delta)
	}
	return delta
}

func (m *Manager) snapshotLocked() Snapshot {
	s := Snapshot{
		Status:      m.statusLocked(),
		Detail:      m.detail,
		IsScanning:  m.state.Phase == PhaseScanning,
		IsConnected: m.state.Phase == PhaseConnected,
		RingID:      m.state.DeviceID,
		Battery:     -1,
		Rings:       m.registry.Sorted(),
	}
	if m.session != nil {
		s.RingName = m.session.name
		s.SessionID = m.session.id
		s.TapCount = m.session.count
		s.Battery = m.session.battery
	}
	return s
}

func (m *Manager) statusLocked() string {
	switch m.state.Phase {
	case PhaseScanning:
		return "scanning"
	case PhaseConnecting:
		return "connecting to " + m.ringLabelLocked()
	case PhaseConnected:
		return "connected to " + m.ringLabelLocked()
	case PhaseReconnecting:
		return fmt.Sprintf("reconnecting to %s (attempt %d/%d)",
			m.ringLabelLocked(), m.state.Attempt, m.opts.Reconnect.MaxAttempts)
	default:
		return "disconnected"
	}
}

// ringLabelLocked favors a human name over the platform id.
func (m *Manager) ringLabelLocked() string {
	id := m.state.DeviceID
	if m.session != nil && m.session.ringID == id && m.session.name != "" {
		return m.session.name
	}
	if d, ok := m.registry.Get(id); ok && d.Name != "" {
		return d.Name
	}
	return id
}

// commitLocked captures the snapshot and the listener list so both can be
// used after the lock is released.
func (m *Manager) commitLocked() (Snapshot, []func(Snapshot)) {
	return m.snapshotLocked(), append(([]func(Snapshot))(nil), m.listeners...)
}

func emit(listeners []func(Snapshot), snap Snapshot) {
	for _, fn := range listeners {
		fn(snap)
	}
}

func stopDetail(reason string) string {
	if reason == "" {
		return "scan stopped"
	}
	return "scan stopped: " + reason
}

package ring

// Phase enumerates the connection lifecycle states.
type Phase int

const (
	PhaseDisconnected Phase = iota
	PhaseScanning
	PhaseConnecting
	PhaseConnected
	PhaseReconnecting
)

func (p Phase) String() string {
	switch p {
	case PhaseDisconnected:
		return "disconnected"
	case PhaseScanning:
		return "scanning"
	case PhaseConnecting:
		return "connecting"
	case PhaseConnected:
		return "connected"
	case PhaseReconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

// State is the machine's position: the phase plus, where the phase
// concerns a particular ring, that ring's id and the pending reconnect
// attempt number.
type State struct {
	Phase    Phase
	DeviceID string // target or active ring; empty in Disconnected and Scanning
	Attempt  int    // next reconnect attempt, Reconnecting only
}

// EventKind enumerates the inputs the machine reacts to.
type EventKind int

const (
	EventStartScan EventKind = iota
	EventStopScan
	EventConnect
	EventConnectSucceeded
	EventConnectFailed
	EventUserDisconnect
	EventPeripheralDropped
	EventRetryExhausted
)

func (k EventKind) String() string {
	switch k {
	case EventStartScan:
		return "startScan"
	case EventStopScan:
		return "stopScan"
	case EventConnect:
		return "connect"
	case EventConnectSucceeded:
		return "connectSucceeded"
	case EventConnectFailed:
		return "connectFailed"
	case EventUserDisconnect:
		return "userDisconnect"
	case EventPeripheralDropped:
		return "peripheralDropped"
	case EventRetryExhausted:
		return "retryExhausted"
	default:
		return "unknown"
	}
}

// Event is one input to the machine. DeviceID must be set on events that
// concern a particular ring; results carrying a different id than the
// current target are rejected so a superseded attempt cannot corrupt the
// state.
type Event struct {
	Kind     EventKind
	DeviceID string
}

type transitionKey struct {
	phase Phase
	kind  EventKind
}

// transitions is the legal-move table. Anything absent is an illegal move
// and leaves the state untouched. Connect is legal from Disconnected as
// well as Scanning because a ring stays targetable from the last scan's
// registry until that registry is cleared.
var transitions = map[transitionKey]func(State, Event) State{
	{PhaseDisconnected, EventStartScan}: toScanning,
	{PhaseDisconnected, EventConnect}:   toConnecting,

	{PhaseScanning, EventStopScan}: toDisconnected,
	{PhaseScanning, EventConnect}:  toConnecting,

	{PhaseConnecting, EventConnectSucceeded}: toConnected,
	{PhaseConnecting, EventConnectFailed}:    toDisconnected,
	{PhaseConnecting, EventUserDisconnect}:   toDisconnected,

	{PhaseConnected, EventUserDisconnect}: toDisconnected,
	{PhaseConnected, EventPeripheralDropped}: func(s State, _ Event) State {
		return State{Phase: PhaseReconnecting, DeviceID: s.DeviceID, Attempt: 1}
	},

	{PhaseReconnecting, EventConnectSucceeded}: toConnected,
	{PhaseReconnecting, EventConnectFailed}: func(s State, _ Event) State {
		return State{Phase: PhaseReconnecting, DeviceID: s.DeviceID, Attempt: s.Attempt + 1}
	},
	{PhaseReconnecting, EventUserDisconnect}: toDisconnected,
	{PhaseReconnecting, EventRetryExhausted}: toDisconnected,
}

func toDisconnected(State, Event) State {
	return State{Phase: PhaseDisconnected}
}

func toScanning(State, Event) State {
	return State{Phase: PhaseScanning}
}

func toConnecting(_ State, ev Event) State {
	return State{Phase: PhaseConnecting, DeviceID: ev.DeviceID}
}

func toConnected(s State, _ Event) State {
	return State{Phase: PhaseConnected, DeviceID: s.DeviceID}
}

// Apply returns the state after ev. Moves outside the table, and results
// naming a ring other than the current one, are rejected: the state comes
// back unchanged with ok=false and the caller decides whether that is
// noise from a stale callback or a bug worth logging.
func Apply(s State, ev Event) (State, bool) {
	if !eventMatches(s, ev) {
		return s, false
	}
	next, ok := transitions[transitionKey{s.Phase, ev.Kind}]
	if !ok {
		return s, false
	}
	return next(s, ev), true
}

// eventMatches enforces id keying for per-ring results.
func eventMatches(s State, ev Event) bool {
	switch ev.Kind {
	case EventConnectSucceeded, EventConnectFailed, EventPeripheralDropped:
		return s.DeviceID != "" && ev.DeviceID == s.DeviceID
	}
	return true
}

package lifecycle

// HostPhase is the host session's position in its lifecycle.
type HostPhase int

const (
	HostIdle HostPhase = iota
	HostListening
	HostServing
	HostShuttingDown
	HostClosed
)

func (p HostPhase) String() string {
	switch p {
	case HostIdle:
		return "idle"
	case HostListening:
		return "listening"
	case HostServing:
		return "serving"
	case HostShuttingDown:
		return "shutting_down"
	case HostClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// HostTransitions allows Listening -> Idle so a failed bind can be retried,
// and Idle -> Closed so an unstarted host can be discarded.
var HostTransitions = map[HostPhase][]HostPhase{
	HostIdle:         {HostListening, HostClosed},
	HostListening:    {HostServing, HostIdle, HostShuttingDown},
	HostServing:      {HostShuttingDown},
	HostShuttingDown: {HostClosed},
}

// NewHostMachine starts a host machine in HostIdle.
func NewHostMachine(onChange func(from, to HostPhase)) *Machine[HostPhase] {
	return NewMachine(HostIdle, HostTransitions, onChange)
}

// ClientPhase is the client session's position in its lifecycle.
type ClientPhase int

const (
	ClientDisconnected ClientPhase = iota
	ClientConnecting
	ClientConnected
	ClientShuttingDown
	ClientClosed
)

func (p ClientPhase) String() string {
	switch p {
	case ClientDisconnected:
		return "disconnected"
	case ClientConnecting:
		return "connecting"
	case ClientConnected:
		return "connected"
	case ClientShuttingDown:
		return "shutting_down"
	case ClientClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// ClientTransitions lets a dropped or failed client rejoin from Disconnected.
// Closed is terminal.
var ClientTransitions = map[ClientPhase][]ClientPhase{
	ClientDisconnected: {ClientConnecting, ClientClosed},
	ClientConnecting:   {ClientConnected, ClientDisconnected},
	ClientConnected:    {ClientShuttingDown, ClientDisconnected},
	ClientShuttingDown: {ClientClosed},
}

// NewClientMachine starts a client machine in ClientDisconnected.
func NewClientMachine(onChange func(from, to ClientPhase)) *Machine[ClientPhase] {
	return NewMachine(ClientDisconnected, ClientTransitions, onChange)
}

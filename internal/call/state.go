package call

// State is the lifecycle state of a call session.
//
// idle → connecting → ringing → connected → ended, with declined as an
// alternate terminal reachable only from ringing on the callee side, and
// failed reachable from any non-terminal state. No transitions leave a
// terminal state.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateRinging
	StateConnected
	StateEnded
	StateDeclined
	StateFailed
)

// Terminal reports whether no further transitions may leave the state.
func (s State) Terminal() bool {
	return s == StateEnded || s == StateDeclined || s == StateFailed
}

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateRinging:
		return "ringing"
	case StateConnected:
		return "connected"
	case StateEnded:
		return "ended"
	case StateDeclined:
		return "declined"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Role distinguishes which side of the session the local party is.
type Role int

const (
	RoleCaller Role = iota
	RoleCallee
)

func (r Role) String() string {
	if r == RoleCallee {
		return "callee"
	}
	return "caller"
}

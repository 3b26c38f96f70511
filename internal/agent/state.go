package agent

// State is the lifecycle phase of an Agent.
type State int32

const (
	StateUninitialized State = iota
	StateInitializing
	StateServing
	StateTerminating
	StateCleanedUp
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateInitializing:
		return "initializing"
	case StateServing:
		return "serving"
	case StateTerminating:
		return "terminating"
	case StateCleanedUp:
		return "cleaned-up"
	default:
		return "unknown"
	}
}

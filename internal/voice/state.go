package voice

import "fmt"

// Phase is the lifecycle phase of one relayed connection.
type Phase int32

const (
	PhaseConnecting Phase = iota
	PhaseAuthenticating
	PhaseBridging
	PhaseClosing
	PhaseClosed
	PhaseFailed
)

func (p Phase) String() string {
	switch p {
	case PhaseConnecting:
		return "connecting"
	case PhaseAuthenticating:
		return "authenticating"
	case PhaseBridging:
		return "bridging"
	case PhaseClosing:
		return "closing"
	case PhaseClosed:
		return "closed"
	case PhaseFailed:
		return "failed"
	default:
		return fmt.Sprintf("phase(%d)", int32(p))
	}
}

func (p Phase) Terminal() bool {
	return p == PhaseClosed || p == PhaseFailed
}

// Failed is only reachable before bridging; once bridged every exit goes
// through Closing.
var transitions = map[Phase][]Phase{
	PhaseConnecting:     {PhaseAuthenticating, PhaseFailed},
	PhaseAuthenticating: {PhaseBridging, PhaseFailed},
	PhaseBridging:       {PhaseClosing},
	PhaseClosing:        {PhaseClosed},
}

func canTransition(from, to Phase) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

type transitionError struct {
	from, to Phase
}

func (e *transitionError) Error() string {
	return fmt.Sprintf("invalid phase transition %s -> %s", e.from, e.to)
}

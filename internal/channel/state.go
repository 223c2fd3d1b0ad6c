package channel

// State is the lifecycle position of a Channel.
//
//	Opening -> Running -> (TimedOut ->) (Closing ->) Exited -> Settled
//
// Settled is reached once the outcome future has settled and the channel has
// exited. It is terminal.
type State int32

const (
	Opening State = iota
	Running
	TimedOut
	Closing
	Exited
	Settled
)

var stateNames = [...]string{
	Opening:  "opening",
	Running:  "running",
	TimedOut: "timed-out",
	Closing:  "closing",
	Exited:   "exited",
	Settled:  "settled",
}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "unknown"
}

var transitions = map[State][]State{
	Opening:  {Running, Closing, Exited},
	Running:  {TimedOut, Closing, Exited},
	TimedOut: {Closing, Exited},
	Closing:  {Exited},
	Exited:   {Settled},
}

func canTransition(from, to State) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

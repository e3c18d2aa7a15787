package transaction

import "fmt"

// State is a transaction's position in its lifecycle. Transitions are
// explicit and validated; an illegal transition is a programmer error and
// panics rather than corrupting a receipt.
type State int

const (
	Idle State = iota
	SnapshotTaken
	Staged
	Validated
	GuardArmed
	Applied
	Confirmed
	Reverted
	Aborted
)

var stateNames = map[State]string{
	Idle:          "idle",
	SnapshotTaken: "snapshot-taken",
	Staged:        "staged",
	Validated:     "validated",
	GuardArmed:    "guard-armed",
	Applied:       "applied",
	Confirmed:     "confirmed",
	Reverted:      "reverted",
	Aborted:       "aborted",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// MarshalText makes states readable in JSON receipts.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText restores a state from its receipt form.
func (s *State) UnmarshalText(text []byte) error {
	for st, name := range stateNames {
		if name == string(text) {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("unknown transaction state %q", text)
}

// Terminal reports whether the lifecycle ends here.
func (s State) Terminal() bool {
	switch s {
	case Confirmed, Reverted, Aborted:
		return true
	}
	return false
}

// transitions lists every legal edge. Aborted is reachable from any state
// before the guard is armed; once armed, recovery belongs to the guard and
// the only exits are Applied and then Confirmed or Reverted.
var transitions = map[State][]State{
	Idle:          {SnapshotTaken, Aborted},
	SnapshotTaken: {Staged, Aborted},
	Staged:        {Validated, Aborted},
	Validated:     {GuardArmed, Aborted},
	GuardArmed:    {Applied},
	Applied:       {Confirmed, Reverted},
}

func (s State) canTransition(to State) bool {
	for _, next := range transitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// advance moves to the next state or panics on an illegal edge.
func advance(from, to State) State {
	if !from.canTransition(to) {
		panic(fmt.Sprintf("transaction: illegal transition %s -> %s", from, to))
	}
	return to
}

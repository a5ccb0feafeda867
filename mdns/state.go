package mdns

import "fmt"

type State int

const (
	StateIdle State = iota
	StateReady
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateReady:
		return "ready"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// StateCallback is invoked on every publisher state transition.
type StateCallback func(State)

type StateObserver interface {
	HandleMdnsState(state State)
}

// StateSubject fans publisher state transitions out to every observer in
// registration order.
type StateSubject struct {
	observers []StateObserver
}

func (s *StateSubject) AddObserver(o StateObserver) {
	s.observers = append(s.observers, o)
}

func (s *StateSubject) UpdateState(state State) {
	for _, o := range append([]StateObserver(nil), s.observers...) {
		o.HandleMdnsState(state)
	}
}

func (s *StateSubject) Clear() {
	s.observers = nil
}

// StateObserverFunc adapts a plain function to StateObserver.
type StateObserverFunc func(State)

func (f StateObserverFunc) HandleMdnsState(state State) {
	f(state)
}

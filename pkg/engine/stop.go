package engine

import "sync/atomic"

// Stop is the process-wide emergency stop switch. The orchestrator consults
// it at the top of dispatching for every new request; it never interrupts a
// request that is already dispatching, so a started saga still reaches a
// terminal state.
type Stop struct {
	engaged atomic.Bool
	reason  atomic.Value // string
}

// Engage flips the switch on. Subsequent dispatch attempts are refused
// until Release is called.
func (s *Stop) Engage(reason string) {
	s.reason.Store(reason)
	s.engaged.Store(true)
}

// Release flips the switch off.
func (s *Stop) Release() {
	s.engaged.Store(false)
}

// Engaged reports whether the switch is on.
func (s *Stop) Engaged() bool {
	return s.engaged.Load()
}

// Reason returns the reason recorded when the switch was engaged.
func (s *Stop) Reason() string {
	if r, ok := s.reason.Load().(string); ok {
		return r
	}
	return ""
}

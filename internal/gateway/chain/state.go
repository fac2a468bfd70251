package chain

import "fmt"

// Phase is the lifecycle phase of a chain run.
type Phase int

const (
	PhasePending Phase = iota
	PhaseRunning
	PhaseCompleted
	PhaseAborted
)

func (p Phase) String() string {
	switch p {
	case PhasePending:
		return "pending"
	case PhaseRunning:
		return "running"
	case PhaseCompleted:
		return "completed"
	case PhaseAborted:
		return "aborted"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

// runState is Pending -> Running(i) -> Completed | Aborted(i, cause).
// Running only advances one task at a time, in order.
type runState struct {
	phase Phase
	index int
	cause error
}

func (s *runState) advance(index int) error {
	switch {
	case s.phase == PhasePending && index == 0:
	case s.phase == PhaseRunning && index == s.index+1:
	default:
		return fmt.Errorf("chain: cannot run task #%d from %s(#%d)", index, s.phase, s.index)
	}
	s.phase = PhaseRunning
	s.index = index
	return nil
}

func (s *runState) complete() error {
	if s.phase != PhaseRunning {
		return fmt.Errorf("chain: cannot complete from %s", s.phase)
	}
	s.phase = PhaseCompleted
	return nil
}

func (s *runState) abort(cause error) error {
	if s.phase != PhaseRunning {
		return fmt.Errorf("chain: cannot abort from %s", s.phase)
	}
	s.phase = PhaseAborted
	s.cause = cause
	return nil
}

func (s *runState) terminal() bool {
	return s.phase == PhaseCompleted || s.phase == PhaseAborted
}

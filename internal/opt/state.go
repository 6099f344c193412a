package opt

import "github.com/cwbudde/optbridge/internal/parallel"

// RunState is the mutable state of one solve. It is created when a solve
// starts and dropped when it returns, so nothing leaks between solves on the
// same optimizer.
//
// The hot start flag only ever goes from true to false.
type RunState struct {
	Parallel    bool
	Rank        int
	Coordinator parallel.Coordinator

	hotStart bool
}

func newRunState(coord parallel.Coordinator) *RunState {
	if coord == nil {
		coord = parallel.Local{}
	}
	return &RunState{
		Parallel:    coord.Size() > 1,
		Rank:        coord.Rank(),
		Coordinator: coord,
	}
}

// Root reports whether this rank owns the history files.
func (s *RunState) Root() bool {
	return s.Rank == 0
}

// HotStart reports whether evaluations are still replayed.
func (s *RunState) HotStart() bool {
	return s.hotStart
}

func (s *RunState) endHotStart() {
	s.hotStart = false
}

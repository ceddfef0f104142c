package supervisor

import "sync/atomic"

// StopLatch emits an episode's stopped event exactly once, whichever of
// normal return, exit, fault, panic or teardown gets there first.
type StopLatch struct {
	fired atomic.Bool
	emit  func()
}

// NewStopLatch creates an armed latch.
func NewStopLatch(emit func()) *StopLatch {
	return &StopLatch{emit: emit}
}

// Fire emits on the first call and reports whether this call emitted.
func (l *StopLatch) Fire() bool {
	if !l.fired.CompareAndSwap(false, true) {
		return false
	}
	l.emit()
	return true
}

// Fired reports whether the latch has emitted.
func (l *StopLatch) Fired() bool {
	return l.fired.Load()
}

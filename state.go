package mcp

import "sync/atomic"

// runState is the lifecycle of a transport: idle until Listen or Connect, running until
// Close begins, closing while resources are released, then closed.
type runState struct {
	v atomic.Int32
}

const (
	stateIdle int32 = iota
	stateRunning
	stateClosing
	stateClosed
)

func (s *runState) load() int32 { return s.v.Load() }

// transition moves from one state to another, reporting whether the move happened.
func (s *runState) transition(from, to int32) bool {
	return s.v.CompareAndSwap(from, to)
}

func (s *runState) set(to int32) { s.v.Store(to) }

func (s *runState) running() bool { return s.v.Load() == stateRunning }

// beginClose moves an idle or running transport to closing. It returns false when another
// caller already started closing.
func (s *runState) beginClose() bool {
	return s.transition(stateRunning, stateClosing) || s.transition(stateIdle, stateClosing)
}

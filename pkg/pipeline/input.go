// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package pipeline

// InputContext brackets one turn of input: an external event plus all of
// its synchronous propagation. Pipelines freed during the turn are
// collected and released at scope exit, so intrusive state being iterated
// is never mutated reentrantly. Nested contexts flatten to the outermost
// release point.
//
// Input contexts are confined to the engine loop goroutine.
type InputContext struct {
	outer    bool
	deferred []func()
}

var currentTurn *InputContext

// NewInputContext opens a turn scope. Close it when the turn's synchronous
// propagation is complete:
//
//	ic := pipeline.NewInputContext()
//	defer ic.Close()
func NewInputContext() *InputContext {
	if currentTurn != nil {
		return &InputContext{}
	}
	ic := &InputContext{outer: true}
	currentTurn = ic
	return ic
}

// Close runs the deferred releases collected during the turn. Releases
// scheduled while draining are drained too. Closing a nested context is a
// no-op.
func (ic *InputContext) Close() {
	if !ic.outer {
		return
	}
	for len(ic.deferred) > 0 {
		fns := ic.deferred
		ic.deferred = nil
		for _, fn := range fns {
			fn()
		}
	}
	currentTurn = nil
}

// autoRelease defers fn to the end of the current turn, or runs it
// immediately when no turn is open.
func autoRelease(fn func()) {
	if currentTurn == nil {
		fn()
		return
	}
	currentTurn.deferred = append(currentTurn.deferred, fn)
}

// Defer schedules fn at the end of the current input turn. Outside a turn
// it runs immediately.
func Defer(fn func()) { autoRelease(fn) }

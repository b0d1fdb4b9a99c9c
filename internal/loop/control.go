// Package loop runs a single task's observe/decide/execute cycle inside
// its execution environment, bounded by iteration, time, and completion
// verification limits.
package loop

import (
	"context"
	"sync"
)

// Control carries pause, resume, and cancel signals into a running
// session. One Control belongs to exactly one task.
type Control struct {
	mu          sync.Mutex
	paused      bool
	cancelled   bool
	instruction string
	resumeCh    chan struct{}
}

func NewControl() *Control {
	return &Control{}
}

// Pause requests the session hold at the next step boundary. Pausing a
// cancelled session has no effect.
func (c *Control) Pause() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancelled || c.paused {
		return
	}
	c.paused = true
	c.resumeCh = make(chan struct{})
}

// Resume releases a paused session. instruction, when non-empty, is
// injected into the conversation as operator guidance.
func (c *Control) Resume(instruction string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.paused {
		return
	}
	c.paused = false
	c.instruction = instruction
	close(c.resumeCh)
	c.resumeCh = nil
}

// Cancel requests termination. It also releases a paused session so the
// loop can observe the cancellation.
func (c *Control) Cancel() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancelled {
		return
	}
	c.cancelled = true
	if c.paused {
		c.paused = false
		close(c.resumeCh)
		c.resumeCh = nil
	}
}

func (c *Control) Paused() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.paused
}

func (c *Control) Cancelled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cancelled
}

// WaitIfPaused blocks while the session is paused. It returns the resume
// instruction (empty when none), or the context error if ctx ends first.
// A cancel during the pause returns immediately with no instruction; the
// caller sees it via Cancelled.
func (c *Control) WaitIfPaused(ctx context.Context) (string, error) {
	c.mu.Lock()
	if !c.paused {
		c.mu.Unlock()
		return c.takeInstruction(), nil
	}
	ch := c.resumeCh
	c.mu.Unlock()

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case <-ch:
		return c.takeInstruction(), nil
	}
}

// takeInstruction returns the pending resume instruction once.
func (c *Control) takeInstruction() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := c.instruction
	c.instruction = ""
	return out
}

// Package hooks runs commands through a flat, priority-ordered list of
// handlers before and after execution. Pre-phase handlers can block a
// command; post-phase handlers observe its outcome.
package hooks

import (
	"context"
	"sort"
)

// Phases a handler may be invoked in, carried in the meta map under
// MetaPhase.
const (
	PhasePre  = "pre"
	PhasePost = "post"
)

// Well-known meta keys.
const (
	MetaPhase    = "phase"
	MetaThreadID = "thread_id"
	MetaCwd      = "cwd"
	MetaExitCode = "exit_code"
)

// Action taken by a handler.
type Action string

const (
	ActionAllow Action = "allow"
	ActionBlock Action = "block"
)

// Decision is a handler's verdict on one command. Metadata entries are
// merged into the meta map seen by later handlers in the chain.
type Decision struct {
	Action   Action
	Reason   string
	Metadata map[string]string
}

// Allow is the neutral decision.
func Allow() Decision {
	return Decision{Action: ActionAllow}
}

// Block rejects the command with a reason shown to the caller.
func Block(reason string) Decision {
	return Decision{Action: ActionBlock, Reason: reason}
}

// Tag allows the command and attaches metadata for later handlers.
func Tag(md map[string]string) Decision {
	return Decision{Action: ActionAllow, Metadata: md}
}

// Handler inspects one command. Handlers run in ascending priority
// order; the first block wins.
type Handler interface {
	Name() string
	Priority() int
	Check(ctx context.Context, command string, meta map[string]string) Decision
}

// Chain is a priority-sorted list of handlers.
type Chain struct {
	handlers []Handler
}

// NewChain builds a chain from the given handlers.
func NewChain(handlers ...Handler) *Chain {
	c := &Chain{}
	for _, h := range handlers {
		c.Add(h)
	}
	return c
}

// Add inserts a handler, keeping the chain sorted. Equal priorities
// keep insertion order.
func (c *Chain) Add(h Handler) {
	c.handlers = append(c.handlers, h)
	sort.SliceStable(c.handlers, func(i, j int) bool {
		return c.handlers[i].Priority() < c.handlers[j].Priority()
	})
}

// Len returns the number of handlers in the chain.
func (c *Chain) Len() int {
	if c == nil {
		return 0
	}
	return len(c.handlers)
}

// Check runs every handler against the command. Blocks are honored in
// the pre phase only; metadata accumulates across handlers either way.
// The meta map is mutated in place.
func (c *Chain) Check(ctx context.Context, command string, meta map[string]string) Decision {
	if c == nil {
		return Allow()
	}
	if meta == nil {
		meta = map[string]string{}
	}
	merged := map[string]string{}
	for _, h := range c.handlers {
		d := h.Check(ctx, command, meta)
		for k, v := range d.Metadata {
			meta[k] = v
			merged[k] = v
		}
		if d.Action == ActionBlock && meta[MetaPhase] != PhasePost {
			d.Metadata = merged
			return d
		}
	}
	return Decision{Action: ActionAllow, Metadata: merged}
}

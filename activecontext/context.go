// Package activecontext tracks which trace and event the running asynchronous
// continuation belongs to. The host scheduler reports the lifecycle of its
// execution units; the selected Propagator carries the association across them.
package activecontext

import (
	"context"
	"github.com/juju/errors"
	"github.com/monti-apm/monti-apm-agent-sub000/tracer"
)

const (
	ModeCooperative = "cooperative"
	ModeScoped      = "scoped"
)

// Context is the per operation state. It is treated as immutable once
// published: use With* to derive a changed copy.
type Context struct {
	Trace *tracer.Trace
	Event *tracer.Event
	// NoAsync stops async continuations created under it from being attributed.
	NoAsync bool
}

func (c *Context) WithEvent(event *tracer.Event) *Context {
	if c == nil {
		return nil
	}
	derived := *c
	derived.Event = event
	return &derived
}

type Propagator interface {
	Current() *Context
	// RunWith makes ctx current for fn and whatever fn spawns, then restores.
	RunWith(ctx *Context, fn func())
	// EnterWith replaces the current unit's context without opening a scope.
	EnterWith(ctx *Context)

	Created(id, triggerID uint64)
	Resumed(id uint64)
	Suspended(id uint64)
	Released(id uint64)
}

// New returns the propagator for mode. It is chosen once at start up.
func New(mode string) (Propagator, error) {
	switch mode {
	case ModeCooperative:
		return NewCooperative(), nil
	case "", ModeScoped:
		return NewScoped(), nil
	}
	return nil, errors.NotValidf("context propagation mode %q", mode)
}

type contextKey struct{}

// NewContext carries ac in a context.Context for hosts that pass one explicitly.
func NewContext(parent context.Context, ac *Context) context.Context {
	return context.WithValue(parent, contextKey{}, ac)
}

func FromContext(ctx context.Context) (*Context, bool) {
	ac, ok := ctx.Value(contextKey{}).(*Context)
	return ac, ok && ac != nil
}

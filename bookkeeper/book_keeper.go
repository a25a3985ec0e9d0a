// Package bookkeeper remembers which traces are still in flight so that
// traces abandoned by a disconnected client can be evicted after a TTL.
package bookkeeper

import (
	"context"
	"github.com/juju/errors"
	"time"
)

type ExpireListener func(traceID string)

type BookKeeper interface {
	TraceStarted(traceID string) bool
	TraceEnded(traceID string) bool

	MarkTraceStarted(traceID string)
	MarkTraceEnded(traceID string)

	// OnExpire registers a listener called with the id of every trace that
	// was started but not ended within the TTL.
	OnExpire(listener ExpireListener)
	Discard() error
	Close() error
}

type Config struct {
	TTL         time.Duration
	CleanWindow time.Duration
}

// New returns the in-memory bookkeeper. The clean window defaults to a tenth
// of the TTL, but never less than a second.
func New(ctx context.Context, config Config) (BookKeeper, error) {
	if config.TTL <= 0 {
		return nil, errors.NotValidf("trace ttl %v", config.TTL)
	}
	if config.CleanWindow <= 0 {
		config.CleanWindow = config.TTL / 10
	}
	if config.CleanWindow < time.Second {
		config.CleanWindow = time.Second
	}
	bk := &bigCacheBK{}
	if err := bk.init(ctx, config); err != nil {
		return nil, errors.Annotate(err, "unable to create bookkeeper cache")
	}
	return bk, nil
}

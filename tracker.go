package msgbus

import (
	"context"
	"sort"
	"sync"
)

type trackerKey struct{}

// optionTracker records connector-specific option names until their
// values are consumed, so a connector can warn about options it never
// looked at.
type optionTracker struct {
	mu      sync.Mutex
	pending map[any]string
}

func tracker(ctx context.Context) *optionTracker {
	if ctx == nil {
		return nil
	}
	t, _ := ctx.Value(trackerKey{}).(*optionTracker)
	return t
}

// TrackOptions attaches an option tracker to ctx. WithTrackedValue does
// this on demand; TrackOptions exists for callers that want one tracker
// shared across several derived contexts.
func TrackOptions(ctx context.Context) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	if tracker(ctx) != nil {
		return ctx
	}
	return context.WithValue(ctx, trackerKey{}, &optionTracker{
		pending: make(map[any]string),
	})
}

// WithTrackedValue stores a connector-specific option value under key
// and records name until the value is consumed with GetTrackedValue.
func WithTrackedValue(ctx context.Context, key, val any, name string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	t := tracker(ctx)
	if t == nil {
		t = &optionTracker{pending: make(map[any]string)}
		ctx = context.WithValue(ctx, trackerKey{}, t)
	}
	t.mu.Lock()
	t.pending[key] = name
	t.mu.Unlock()
	return context.WithValue(ctx, key, val)
}

// GetTrackedValue returns the value stored under key, marking it
// consumed. It returns nil when key was never set.
func GetTrackedValue(ctx context.Context, key any) any {
	if ctx == nil {
		return nil
	}
	if t := tracker(ctx); t != nil {
		t.mu.Lock()
		delete(t.pending, key)
		t.mu.Unlock()
	}
	return ctx.Value(key)
}

// WarnUnconsumed logs one warning per tracked option that was set but
// never consumed. Connectors call it once a connection is established,
// when every option they understand has been read.
func WarnUnconsumed(ctx context.Context, l Logger) {
	if l == nil {
		return
	}
	t := tracker(ctx)
	if t == nil {
		return
	}
	t.mu.Lock()
	names := make([]string, 0, len(t.pending))
	for _, name := range t.pending {
		names = append(names, name)
	}
	t.mu.Unlock()

	sort.Strings(names)
	for _, name := range names {
		l.Warnf("msgbus: option %s was set but not used by this connector", name)
	}
}

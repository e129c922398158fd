package fleetcoord

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	clocks "github.com/vimeo/go-clocks"
	retry "github.com/vimeo/go-retry"

	"github.com/vimeo/fleetcoord/coord"
)

// DefaultRetryDelay is the pause between attempts of a coordination-service
// read that failed with a transient error.
const DefaultRetryDelay = 500 * time.Millisecond

// retrier repeats reads that fail transiently, forever, with a fixed delay.
// The loop ends early only on the caller's context.
type retrier struct {
	clock  clocks.Clock
	delay  time.Duration
	logger hclog.Logger
}

func newRetrier(clock clocks.Clock, delay time.Duration, logger hclog.Logger) *retrier {
	if clock == nil {
		clock = clocks.DefaultClock()
	}
	if delay <= 0 {
		delay = DefaultRetryDelay
	}
	return &retrier{clock: clock, delay: delay, logger: logger}
}

func (r *retrier) backoff() *retry.Backoff {
	b := retry.DefaultBackoff()
	// pin both ends so every pause is the same length
	b.MinBackoff = r.delay
	b.MaxBackoff = r.delay
	return &b
}

// sleep pauses for one retry interval, returning false if ctx ended first.
func (r *retrier) sleep(ctx context.Context, b *retry.Backoff) bool {
	return r.clock.SleepFor(ctx, b.Next())
}

func retryRead[T any](ctx context.Context, r *retrier, what string, op func(ctx context.Context) (T, error)) (T, error) {
	b := r.backoff()
	for {
		v, err := op(ctx)
		if !isTransient(err) {
			return v, err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			var zero T
			return zero, ctxErr
		}
		r.logger.Warn("coordination read failed, retrying", "op", what, "error", err, "delay", r.delay)
		if !r.sleep(ctx, b) {
			var zero T
			return zero, ctx.Err()
		}
	}
}

// watchLoop runs one reaction chain: it installs a persistent watch on
// path, calls refresh once, then calls refresh again for every event that
// interested accepts. It returns when ctx ends, when refresh fails, or when
// the session is lost.
func watchLoop(ctx context.Context, r *retrier, c coord.Coordinator, path string,
	interested func(coord.Event) bool, refresh func(ctx context.Context) error) error {

	events, watchErr := retryRead(ctx, r, "watch "+path, func(ctx context.Context) (<-chan coord.Event, error) {
		return c.Watch(ctx, path)
	})
	if watchErr != nil {
		return fmt.Errorf("failed to watch %q: %w", path, watchErr)
	}
	if err := refresh(ctx); err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				if sessErr := c.Err(); sessErr != nil {
					return sessErr
				}
				return fmt.Errorf("watch on %q ended: %w", path, coord.ErrClosed)
			}
			r.logger.Trace("watch fired", "path", ev.Path, "type", ev.Type)
			if !interested(ev) {
				continue
			}
			if err := refresh(ctx); err != nil {
				return err
			}
		}
	}
}

// ensurePath creates p and any missing ancestors as persistent nodes.
func ensurePath(ctx context.Context, r *retrier, c coord.Coordinator, p string) error {
	cur := ""
	for _, elem := range strings.Split(strings.Trim(p, "/"), "/") {
		cur += "/" + elem
		_, createErr := retryRead(ctx, r, "create "+cur, func(ctx context.Context) (string, error) {
			return c.Create(ctx, cur, nil, coord.Persistent)
		})
		if createErr != nil && !errors.Is(createErr, coord.ErrNodeExists) {
			return fmt.Errorf("failed to create %q: %w", cur, createErr)
		}
	}
	return nil
}

// notifier fans out coalesced "something changed" signals. A subscriber
// that hasn't consumed the previous signal doesn't get a second one.
type notifier struct {
	mu   sync.Mutex
	subs map[chan struct{}]struct{}
}

func (n *notifier) subscribe() (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.subs == nil {
		n.subs = map[chan struct{}]struct{}{}
	}
	n.subs[ch] = struct{}{}
	return ch, func() {
		n.mu.Lock()
		defer n.mu.Unlock()
		delete(n.subs, ch)
	}
}

func (n *notifier) notify() {
	n.mu.Lock()
	defer n.mu.Unlock()
	for ch := range n.subs {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

func namedLogger(l hclog.Logger, name string) hclog.Logger {
	if l == nil {
		return hclog.NewNullLogger()
	}
	return l.Named(name)
}

package fleetcoord

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-hclog"
	clocks "github.com/vimeo/go-clocks"

	"github.com/vimeo/fleetcoord/coord"
	"github.com/vimeo/fleetcoord/entry"
)

// State is the local process's position in the leader election.
type State int32

const (
	// Watching is the default: the process tracks the current leader but
	// isn't creating the marker.
	Watching State = iota
	// Attempting is transient, while the marker create is in flight.
	Attempting
	// Leading means this process created the marker and still believes
	// it owns it.
	Leading
)

func (s State) String() string {
	switch s {
	case Watching:
		return "watching"
	case Attempting:
		return "attempting"
	case Leading:
		return "leading"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Membership provides the replica set that decides who may lead.
type Membership interface {
	Current() entry.VersionedReplicaSet
	// Subscribe returns a channel signalled when the replica set
	// changes.
	Subscribe() (<-chan struct{}, func())
}

// StaticMembership is a Membership that never changes.
type StaticMembership entry.ReplicaSet

// Current implements Membership
func (s StaticMembership) Current() entry.VersionedReplicaSet {
	return entry.VersionedReplicaSet{Replicas: entry.ReplicaSet(s), Version: 0}
}

// Subscribe implements Membership
func (s StaticMembership) Subscribe() (<-chan struct{}, func()) {
	return nil, func() {}
}

// ElectionConfig configures an Election.
type ElectionConfig struct {
	Coordinator coord.Coordinator
	// Path of the leader marker; DefaultLeaderPath if empty.
	Path string
	// Self is the local PeerID, written as the marker's payload.
	Self entry.PeerID
	// Members gates candidacy: only members of the current replica set
	// ever create the marker.
	Members Membership
	// Campaign makes the process try to lead as soon as Run starts.
	Campaign bool

	// OnElected is called when the local instance becomes leader.
	// The context is cancelled when leadership is lost.
	OnElected func(ctx context.Context)
	// OnOusting is called when leadership is lost.
	OnOusting func(ctx context.Context)
	// LeaderChanged is called whenever a different peer (or nobody) is
	// observed holding the marker.
	LeaderChanged func(ctx context.Context, leader entry.Leader)

	RetryDelay time.Duration
	Clock      clocks.Clock
	Logger     hclog.Logger
}

// Election tracks the leader marker and, when asked to, competes for it.
// All transitions happen on the goroutine running Run; TryToLead and
// membership changes only enqueue work for it.
type Election struct {
	c       coord.Coordinator
	path    string
	self    entry.PeerID
	members Membership
	cfg     ElectionConfig
	r       *retrier
	logger  hclog.Logger

	want    atomic.Bool
	state   atomic.Int32
	leader  atomic.Pointer[entry.Leader]
	changes notifier
	kick    chan struct{}

	// owned by Run
	ownedVersion  entry.Version
	electedCancel context.CancelFunc
}

// NewElection constructs an Election.
func NewElection(cfg ElectionConfig) (*Election, error) {
	if cfg.Self == "" {
		return nil, fmt.Errorf("missing Self")
	}
	if cfg.Coordinator == nil {
		return nil, fmt.Errorf("missing Coordinator")
	}
	if cfg.Path == "" {
		cfg.Path = DefaultLeaderPath
	}
	if cfg.Members == nil {
		cfg.Members = StaticMembership(nil)
	}
	logger := namedLogger(cfg.Logger, "election")
	e := &Election{
		c:       cfg.Coordinator,
		path:    cfg.Path,
		self:    cfg.Self,
		members: cfg.Members,
		cfg:     cfg,
		r:       newRetrier(cfg.Clock, cfg.RetryDelay, logger),
		logger:  logger,
		kick:    make(chan struct{}, 1),
	}
	e.want.Store(cfg.Campaign)
	e.leader.Store(&entry.Leader{})
	return e, nil
}

// poke enqueues an evaluation.
func (e *Election) poke() {
	select {
	case e.kick <- struct{}{}:
	default:
	}
}

// TryToLead sets whether this process should compete for leadership.
// Asking to lead while leading is a no-op; asking to stop while leading
// deletes the marker.
func (e *Election) TryToLead(wantLead bool) {
	e.want.Store(wantLead)
	if wantLead && e.State() == Leading {
		return
	}
	e.poke()
}

// Campaigning reports whether this process is currently trying to lead.
func (e *Election) Campaigning() bool {
	return e.want.Load()
}

// State returns the current state.
func (e *Election) State() State {
	return State(e.state.Load())
}

// Leader returns the cached holder of the marker. It is eventually
// consistent with the coordination service.
func (e *Election) Leader() entry.Leader {
	return *e.leader.Load()
}

// IsLeading compares the local identity to the cached leader. This is a
// cache read, not a linearizable check.
func (e *Election) IsLeading() bool {
	return e.Leader().Peer == e.self
}

// Subscribe returns a channel signalled whenever the cached leader changes.
func (e *Election) Subscribe() (<-chan struct{}, func()) {
	return e.changes.subscribe()
}

type stepResult int

const (
	stepDone stepResult = iota
	// evaluate again right away (lost a create race)
	stepAgain
	// evaluate again after the retry delay
	stepRetry
)

// Run drives the state machine until ctx is cancelled or the session is
// lost. Leadership held when Run returns is reported as lost via
// OnOusting; the marker itself vanishes with the session.
func (e *Election) Run(ctx context.Context) error {
	events, watchErr := retryRead(ctx, e.r, "watch "+e.path, func(ctx context.Context) (<-chan coord.Event, error) {
		return e.c.Watch(ctx, e.path)
	})
	if watchErr != nil {
		return fmt.Errorf("failed to watch %q: %w", e.path, watchErr)
	}
	memberCh, unsubscribe := e.members.Subscribe()
	defer unsubscribe()

	runCtx, runCancel := context.WithCancel(ctx)
	defer runCancel()

	cbwg := sync.WaitGroup{}
	defer cbwg.Wait()
	cbRunCh := make(chan func(), 128)
	defer close(cbRunCh)
	cbwg.Add(1)
	go func() {
		defer cbwg.Done()
		for cb := range cbRunCh {
			cb()
		}
	}()
	// Runs before the callback channel is closed.
	defer func() {
		e.observe(ctx, entry.Leader{}, entry.NoVersion, cbRunCh)
	}()

	b := e.r.backoff()
	e.poke()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-e.c.Done():
			return fmt.Errorf("%w: %w", ErrSessionLost, e.c.Err())
		case ev, ok := <-events:
			if !ok {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				return fmt.Errorf("%w: leader watch ended: %w", ErrSessionLost, e.c.Err())
			}
			if ev.Type == coord.EventNodeChildrenChanged {
				continue
			}
			e.logger.Debug("leader marker changed", "event", ev.Type)
		case <-memberCh:
		case <-e.kick:
		}

		res, stepErr := e.step(runCtx, cbRunCh)
		if stepErr != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if coord.IsFatal(stepErr) {
				return fmt.Errorf("%w: %w", ErrSessionLost, stepErr)
			}
			return stepErr
		}
		switch res {
		case stepDone:
			b.Reset()
		case stepAgain:
			e.poke()
		case stepRetry:
			delay := b.Next()
			go func() {
				if e.r.clock.SleepFor(runCtx, delay) {
					e.poke()
				}
			}()
		}
	}
}

// step runs one evaluation. It returns an error only when the election
// can't continue.
func (e *Election) step(ctx context.Context, cbRunCh chan<- func()) (stepResult, error) {
	wantLead := e.want.Load()

	if !wantLead && e.State() == Leading {
		delErr := e.c.Delete(ctx, e.path, e.ownedVersion)
		switch {
		case delErr == nil:
			e.logger.Info("gave up leadership")
		case errors.Is(delErr, coord.ErrNoNode), errors.Is(delErr, coord.ErrBadVersion):
			// the session was lost (or the marker replaced) in the
			// meantime; either way we no longer hold it
			e.logger.Info("no leader marker of ours to give up")
		case coord.IsFatal(delErr):
			return stepDone, delErr
		default:
			e.logger.Error("failed to delete leader marker", "error", delErr)
			return stepRetry, nil
		}
		e.observe(ctx, entry.Leader{}, entry.NoVersion, cbRunCh)
	}

	type marker struct {
		data []byte
		stat coord.Stat
	}
	m, readErr := retryRead(ctx, e.r, "get "+e.path, func(ctx context.Context) (marker, error) {
		data, st, err := e.c.Get(ctx, e.path)
		return marker{data: data, stat: st}, err
	})
	switch {
	case readErr == nil:
		e.observe(ctx, entry.Leader{Peer: entry.PeerID(m.data), Zxid: m.stat.Mzxid}, m.stat.Version, cbRunCh)
		return stepDone, nil
	case errors.Is(readErr, coord.ErrNoNode):
	default:
		return stepDone, readErr
	}

	e.observe(ctx, entry.Leader{}, entry.NoVersion, cbRunCh)
	if !wantLead {
		return stepDone, nil
	}
	if !e.members.Current().Replicas.Contains(e.self) {
		e.logger.Warn("not in replica set, cannot become leader", "peer", e.self)
		return stepDone, nil
	}

	e.logger.Info("trying to become leader")
	e.state.Store(int32(Attempting))
	_, createErr := e.c.Create(ctx, e.path, []byte(e.self), coord.Ephemeral)
	switch {
	case createErr == nil:
		// The watch will deliver the creation event and the re-read
		// picks up the marker's zxid.
		e.observe(ctx, entry.Leader{Peer: e.self}, 0, cbRunCh)
		e.logger.Info("became leader")
		return stepDone, nil
	case errors.Is(createErr, coord.ErrNodeExists):
		e.logger.Info("another peer became leader first")
		e.state.Store(int32(Watching))
		return stepAgain, nil
	case coord.IsFatal(createErr):
		e.state.Store(int32(Watching))
		return stepDone, createErr
	default:
		e.logger.Error("failed to create leader marker", "error", createErr)
		e.state.Store(int32(Watching))
		return stepRetry, nil
	}
}

// observe installs a newly observed leader, updates the state and
// dispatches callbacks for the transitions.
func (e *Election) observe(ctx context.Context, l entry.Leader, version entry.Version, cbRunCh chan<- func()) {
	prev := e.leader.Swap(&l)

	newState := Watching
	if l.Peer == e.self {
		newState = Leading
		e.ownedVersion = version
	}
	oldState := State(e.state.Swap(int32(newState)))

	if prev.Peer != l.Peer {
		if l.Peer == "" {
			e.logger.Info("no current leader")
		} else {
			e.logger.Info("current leader", "peer", l.Peer)
		}
		e.changes.notify()
		if e.cfg.LeaderChanged != nil {
			cbRunCh <- func() { e.cfg.LeaderChanged(ctx, l) }
		}
	}

	switch {
	case oldState != Leading && newState == Leading:
		electedCtx, electedCancel := context.WithCancel(ctx)
		e.electedCancel = electedCancel
		if e.cfg.OnElected != nil {
			cbRunCh <- func() { e.cfg.OnElected(electedCtx) }
		}
	case oldState == Leading && newState != Leading:
		if e.electedCancel != nil {
			e.electedCancel()
			e.electedCancel = nil
		}
		if e.cfg.OnOusting != nil {
			cbRunCh <- func() { e.cfg.OnOusting(ctx) }
		}
	}
}

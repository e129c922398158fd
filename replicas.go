package fleetcoord

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-hclog"
	clocks "github.com/vimeo/go-clocks"

	"github.com/vimeo/fleetcoord/coord"
	"github.com/vimeo/fleetcoord/entry"
)

// Leadership is consulted before writing the replica set.
type Leadership interface {
	IsLeading() bool
}

// ReplicaSetConfig configures a ReplicaSetManager.
type ReplicaSetConfig struct {
	Coordinator coord.Coordinator
	// Path of the replica-set node; DefaultReplicasPath if empty.
	Path string
	// Leadership guards SetReplicas.
	Leadership Leadership

	RetryDelay time.Duration
	Clock      clocks.Clock
	Logger     hclog.Logger
}

// ReplicaSetManager caches the versioned replica set and performs
// leader-gated conditional writes of it.
type ReplicaSetManager struct {
	c       coord.Coordinator
	path    string
	leader  Leadership
	r       *retrier
	logger  hclog.Logger
	current atomic.Pointer[entry.VersionedReplicaSet]
	changes notifier
}

// NewReplicaSetManager constructs a ReplicaSetManager. Until the first
// read completes, the replica set is reported as absent.
func NewReplicaSetManager(cfg ReplicaSetConfig) *ReplicaSetManager {
	if cfg.Path == "" {
		cfg.Path = DefaultReplicasPath
	}
	logger := namedLogger(cfg.Logger, "replicas")
	m := &ReplicaSetManager{
		c:      cfg.Coordinator,
		path:   cfg.Path,
		leader: cfg.Leadership,
		r:      newRetrier(cfg.Clock, cfg.RetryDelay, logger),
		logger: logger,
	}
	m.current.Store(&entry.VersionedReplicaSet{Version: entry.NoVersion})
	return m
}

// Current returns the cached replica set and the version it was read at.
func (m *ReplicaSetManager) Current() entry.VersionedReplicaSet {
	cur := *m.current.Load()
	cur.Replicas = append(entry.ReplicaSet(nil), cur.Replicas...)
	return cur
}

// Subscribe returns a channel signalled whenever the cached replica set
// changes.
func (m *ReplicaSetManager) Subscribe() (<-chan struct{}, func()) {
	return m.changes.subscribe()
}

// Read fetches the replica set from the coordination service, retrying
// transient failures. An absent node yields Version entry.NoVersion.
func (m *ReplicaSetManager) Read(ctx context.Context) (entry.VersionedReplicaSet, error) {
	return readReplicaSet(ctx, m.r, m.c, m.path)
}

func readReplicaSet(ctx context.Context, r *retrier, c coord.Coordinator, p string) (entry.VersionedReplicaSet, error) {
	type result struct {
		data []byte
		stat coord.Stat
	}
	res, readErr := retryRead(ctx, r, "get "+p, func(ctx context.Context) (result, error) {
		data, st, err := c.Get(ctx, p)
		return result{data: data, stat: st}, err
	})
	switch {
	case readErr == nil:
		return entry.VersionedReplicaSet{
			Replicas: entry.ParseReplicaSet(string(res.data)),
			Version:  res.stat.Version,
		}, nil
	case errors.Is(readErr, coord.ErrNoNode):
		return entry.VersionedReplicaSet{Version: entry.NoVersion}, nil
	default:
		return entry.VersionedReplicaSet{}, fmt.Errorf("failed to read replica set: %w", readErr)
	}
}

// Refresh re-reads the replica set into the cache.
func (m *ReplicaSetManager) Refresh(ctx context.Context) error {
	cur, readErr := m.Read(ctx)
	if readErr != nil {
		return readErr
	}
	m.current.Store(&cur)
	m.changes.notify()
	if cur.Exists() {
		m.logger.Info("current replicas", "replicas", cur.Replicas.String(), "version", cur.Version)
	} else {
		m.logger.Warn("replica set does not exist", "path", m.path)
	}
	return nil
}

// Run keeps the cached replica set current until ctx is cancelled or the
// session is lost.
func (m *ReplicaSetManager) Run(ctx context.Context) error {
	return watchLoop(ctx, m.r, m.c, m.path, func(ev coord.Event) bool {
		return ev.Type != coord.EventNodeChildrenChanged
	}, m.Refresh)
}

// SetReplicas writes a new replica set, conditional on the version last
// observed by this process. It fails with ErrNotLeader unless this process
// believes it is the leader, and with ErrVersionConflict if the replica set
// changed since it was last read. Neither failure is retried.
func (m *ReplicaSetManager) SetReplicas(ctx context.Context, replicas entry.ReplicaSet) (entry.Version, error) {
	if m.leader == nil || !m.leader.IsLeading() {
		m.logger.Error("refusing to set replica set while not leading")
		return entry.NoVersion, ErrNotLeader
	}
	if len(replicas) == 0 {
		return entry.NoVersion, fmt.Errorf("refusing to write an empty replica set")
	}
	cur := m.current.Load()
	if !cur.Exists() {
		return entry.NoVersion, ErrNoReplicaSet
	}
	st, setErr := m.c.Set(ctx, m.path, replicas.Payload(), cur.Version)
	switch {
	case setErr == nil:
		m.logger.Info("replica set updated", "replicas", replicas.String(), "version", st.Version)
		return st.Version, nil
	case errors.Is(setErr, coord.ErrBadVersion):
		return entry.NoVersion, fmt.Errorf("%w (wrote against version %d): %w", ErrVersionConflict, cur.Version, setErr)
	case errors.Is(setErr, coord.ErrNoNode):
		return entry.NoVersion, fmt.Errorf("%w: %w", ErrNoReplicaSet, setErr)
	default:
		return entry.NoVersion, fmt.Errorf("failed to write replica set: %w", setErr)
	}
}

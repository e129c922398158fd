// Package zookeeper implements coord.Coordinator on top of a ZooKeeper
// ensemble.
package zookeeper

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-zookeeper/zk"
	"github.com/hashicorp/go-hclog"
	clocks "github.com/vimeo/go-clocks"
	retry "github.com/vimeo/go-retry"

	"github.com/vimeo/fleetcoord/coord"
	"github.com/vimeo/fleetcoord/entry"
)

// DefaultSessionTimeout is the session timeout requested from the ensemble
// when Config.SessionTimeout is zero.
const DefaultSessionTimeout = 3 * time.Second

// Config configures a ZooKeeper session.
type Config struct {
	// Servers is the list of host:port addresses of the ensemble.
	Servers        []string
	SessionTimeout time.Duration
	// Logger receives both our log lines and the client library's.
	Logger hclog.Logger
	// Clock is used for pauses between watch re-registration attempts.
	Clock clocks.Clock
}

// watchConn is the part of *zk.Conn that registers watches.
type watchConn interface {
	ExistsW(path string) (bool, *zk.Stat, <-chan zk.Event, error)
	ChildrenW(path string) ([]string, *zk.Stat, <-chan zk.Event, error)
}

// Session implements coord.Coordinator
type Session struct {
	conn    *zk.Conn
	watches watchConn
	logger  hclog.Logger
	clock  clocks.Clock
	acl    []zk.ACL

	mu        sync.Mutex
	connected bool
	err       error
	done      chan struct{}
	wg        sync.WaitGroup
}

var _ coord.Coordinator = (*Session)(nil)

// Connect opens a session and waits until it's established (or ctx ends).
func Connect(ctx context.Context, cfg Config) (*Session, error) {
	if len(cfg.Servers) == 0 {
		return nil, fmt.Errorf("no ZooKeeper servers configured")
	}
	if cfg.SessionTimeout <= 0 {
		cfg.SessionTimeout = DefaultSessionTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	logger = logger.Named("zookeeper")
	if cfg.Clock == nil {
		cfg.Clock = clocks.DefaultClock()
	}

	conn, events, connErr := zk.Connect(cfg.Servers, cfg.SessionTimeout,
		zk.WithLogger(logger.StandardLogger(&hclog.StandardLoggerOptions{InferLevels: true})))
	if connErr != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", strings.Join(cfg.Servers, ","), connErr)
	}
	s := &Session{
		conn:    conn,
		watches: conn,
		logger:  logger,
		clock:   cfg.Clock,
		acl:     zk.WorldACL(zk.PermAll),
		done:    make(chan struct{}),
	}
	established := make(chan struct{})
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.trackSession(events, established)
	}()

	select {
	case <-established:
		return s, nil
	case <-s.done:
		s.Close()
		return nil, fmt.Errorf("failed to establish session: %w", s.Err())
	case <-ctx.Done():
		s.Close()
		return nil, fmt.Errorf("failed to establish session: %w", ctx.Err())
	}
}

// trackSession consumes session-level events until the session ends or the
// client library closes the event channel.
func (s *Session) trackSession(events <-chan zk.Event, established chan<- struct{}) {
	estOnce := sync.Once{}
	for {
		var ev zk.Event
		select {
		case <-s.done:
			return
		case e, ok := <-events:
			if !ok {
				s.end(coord.ErrClosed)
				return
			}
			ev = e
		}
		if ev.Type != zk.EventSession {
			continue
		}
		switch ev.State {
		case zk.StateHasSession:
			s.setConnected(true)
			s.logger.Info("session established", "session_id", s.conn.SessionID(), "server", ev.Server)
			estOnce.Do(func() { close(established) })
		case zk.StateDisconnected, zk.StateConnecting:
			if s.setConnected(false) {
				s.logger.Warn("disconnected from ZooKeeper", "state", ev.State.String())
			}
		case zk.StateExpired:
			s.logger.Error("session expired")
			s.end(coord.ErrSessionExpired)
		case zk.StateAuthFailed:
			s.logger.Error("authentication failed")
			s.end(coord.ErrAuthFailed)
		}
	}
}

// setConnected returns true if the value changed.
func (s *Session) setConnected(c bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	changed := s.connected != c
	s.connected = c
	return changed
}

func (s *Session) end(reason error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return
	}
	s.err = reason
	s.connected = false
	close(s.done)
}

// Connected implements coord.Coordinator
func (s *Session) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

// Done implements coord.Coordinator
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Err implements coord.Coordinator
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close implements coord.Coordinator
func (s *Session) Close() error {
	s.end(coord.ErrClosed)
	s.conn.Close()
	s.wg.Wait()
	return nil
}

// translateErr maps client-library errors onto the coord sentinels, keeping
// the original in the chain.
func translateErr(err error) error {
	var sentinel error
	switch {
	case err == nil:
		return nil
	case errors.Is(err, zk.ErrNoNode):
		sentinel = coord.ErrNoNode
	case errors.Is(err, zk.ErrNodeExists):
		sentinel = coord.ErrNodeExists
	case errors.Is(err, zk.ErrBadVersion):
		sentinel = coord.ErrBadVersion
	case errors.Is(err, zk.ErrNotEmpty):
		sentinel = coord.ErrNotEmpty
	case errors.Is(err, zk.ErrSessionExpired):
		sentinel = coord.ErrSessionExpired
	case errors.Is(err, zk.ErrAuthFailed), errors.Is(err, zk.ErrNoAuth):
		sentinel = coord.ErrAuthFailed
	case errors.Is(err, zk.ErrClosing):
		sentinel = coord.ErrClosed
	case errors.Is(err, zk.ErrConnectionClosed), errors.Is(err, zk.ErrNoServer), errors.Is(err, zk.ErrSessionMoved):
		sentinel = coord.ErrConnectionLoss
	default:
		// anything else (timeouts, dropped connections) is worth
		// retrying
		return err
	}
	return fmt.Errorf("%w: %w", sentinel, err)
}

func (s *Session) precheck(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.Err()
}

func stat(st *zk.Stat) coord.Stat {
	if st == nil {
		return coord.Stat{Version: entry.NoVersion}
	}
	return coord.Stat{Version: entry.Version(st.Version), Mzxid: st.Mzxid}
}

// Get implements coord.Coordinator
func (s *Session) Get(ctx context.Context, path string) ([]byte, coord.Stat, error) {
	if err := s.precheck(ctx); err != nil {
		return nil, coord.Stat{}, err
	}
	data, st, getErr := s.conn.Get(path)
	if getErr != nil {
		return nil, coord.Stat{}, translateErr(getErr)
	}
	return data, stat(st), nil
}

// Children implements coord.Coordinator
func (s *Session) Children(ctx context.Context, path string) ([]string, error) {
	if err := s.precheck(ctx); err != nil {
		return nil, err
	}
	children, _, childErr := s.conn.Children(path)
	return children, translateErr(childErr)
}

// Create implements coord.Coordinator
func (s *Session) Create(ctx context.Context, path string, data []byte, mode coord.CreateMode) (string, error) {
	if err := s.precheck(ctx); err != nil {
		return "", err
	}
	var flags int32
	switch mode {
	case coord.Ephemeral:
		flags = zk.FlagEphemeral
	case coord.EphemeralSequential:
		flags = zk.FlagEphemeral | zk.FlagSequence
	}
	created, createErr := s.conn.Create(path, data, flags, s.acl)
	return created, translateErr(createErr)
}

// Set implements coord.Coordinator
func (s *Session) Set(ctx context.Context, path string, data []byte, version entry.Version) (coord.Stat, error) {
	if err := s.precheck(ctx); err != nil {
		return coord.Stat{}, err
	}
	st, setErr := s.conn.Set(path, data, int32(version))
	if setErr != nil {
		return coord.Stat{}, translateErr(setErr)
	}
	return stat(st), nil
}

// Delete implements coord.Coordinator
func (s *Session) Delete(ctx context.Context, path string, version entry.Version) error {
	if err := s.precheck(ctx); err != nil {
		return err
	}
	return translateErr(s.conn.Delete(path, int32(version)))
}

func translateEvent(ev zk.Event) (coord.Event, bool) {
	var t coord.EventType
	switch ev.Type {
	case zk.EventNodeCreated:
		t = coord.EventNodeCreated
	case zk.EventNodeDeleted:
		t = coord.EventNodeDeleted
	case zk.EventNodeDataChanged:
		t = coord.EventNodeDataChanged
	case zk.EventNodeChildrenChanged:
		t = coord.EventNodeChildrenChanged
	default:
		return coord.Event{}, false
	}
	return coord.Event{Type: t, Path: ev.Path}, true
}

// Watch implements coord.Coordinator. ZooKeeper watches are one-shot, so
// the watch that fired (existence/data or children) is re-armed before its
// event is forwarded; a change made between the trigger and the re-arm is
// still visible to the read the consumer does in response.
func (s *Session) Watch(ctx context.Context, path string) (<-chan coord.Event, error) {
	if err := s.precheck(ctx); err != nil {
		return nil, err
	}
	nodeCh, exists, nodeErr := s.armNode(path)
	if nodeErr != nil {
		return nil, nodeErr
	}
	var childCh <-chan zk.Event
	if exists {
		var childErr error
		if childCh, childErr = s.armChildren(path); childErr != nil {
			return nil, childErr
		}
	}
	out := make(chan coord.Event)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer close(out)
		s.forward(ctx, path, nodeCh, childCh, out)
	}()
	return out, nil
}

// armNode registers a one-shot existence/data watch on path.
func (s *Session) armNode(path string) (<-chan zk.Event, bool, error) {
	exists, _, nodeCh, existsErr := s.watches.ExistsW(path)
	if existsErr != nil {
		return nil, false, translateErr(existsErr)
	}
	return nodeCh, exists, nil
}

// armChildren registers a one-shot children watch on path. That's only
// possible on an existing node; a nil channel is returned otherwise.
func (s *Session) armChildren(path string) (<-chan zk.Event, error) {
	_, _, childCh, childErr := s.watches.ChildrenW(path)
	switch {
	case childErr == nil:
		return childCh, nil
	case errors.Is(childErr, zk.ErrNoNode):
		// deleted in between; the existence watch will report it
		return nil, nil
	default:
		return nil, translateErr(childErr)
	}
}

// rearm replaces the channels of the watches that fired. Both are
// re-registered after the client library dropped its watches; otherwise
// only the one that fired is, plus the children watch if the node appeared
// without one.
func (s *Session) rearm(path string, ev zk.Event, fromNode bool, nodeCh, childCh <-chan zk.Event) (<-chan zk.Event, <-chan zk.Event, error) {
	dropped := ev.Type == zk.EventNotWatching || ev.Err != nil
	if dropped || ev.Type == zk.EventNodeDeleted {
		// every watch on a deleted node fires; the stale ones are buffered
		// and discarded along with their channels
		childCh = nil
	}
	if dropped || fromNode {
		var exists bool
		var nodeErr error
		if nodeCh, exists, nodeErr = s.armNode(path); nodeErr != nil {
			return nil, nil, nodeErr
		}
		if !exists {
			return nodeCh, nil, nil
		}
	} else {
		childCh = nil
	}
	if childCh == nil {
		var childErr error
		if childCh, childErr = s.armChildren(path); childErr != nil {
			return nil, nil, childErr
		}
	}
	return nodeCh, childCh, nil
}

func (s *Session) forward(ctx context.Context, path string, nodeCh, childCh <-chan zk.Event, out chan<- coord.Event) {
	b := retry.DefaultBackoff()
	for {
		var ev zk.Event
		fromNode := false
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		case ev = <-nodeCh:
			fromNode = true
		case ev = <-childCh:
		}
		if ev.Type == zk.EventNotWatching || ev.Err != nil {
			s.logger.Debug("watch dropped", "path", path, "error", ev.Err)
		}

		// re-arm before forwarding
		for {
			newNode, newChild, armErr := s.rearm(path, ev, fromNode, nodeCh, childCh)
			if armErr == nil {
				nodeCh, childCh = newNode, newChild
				b.Reset()
				break
			}
			if coord.IsFatal(armErr) {
				return
			}
			s.logger.Warn("failed to re-register watch, retrying", "path", path, "error", armErr)
			if !s.clock.SleepFor(ctx, b.Next()) {
				return
			}
		}

		cev, ok := translateEvent(ev)
		if !ok {
			// the watches were lost with the connection; have the
			// consumer re-read in case something changed meanwhile
			cev = coord.Event{Type: coord.EventNodeDataChanged, Path: path}
		}
		select {
		case out <- cev:
		case <-ctx.Done():
			return
		case <-s.done:
			return
		}
	}
}

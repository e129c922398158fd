// Package memory implements an in-process coordination service to allow for
// quick local/single-process testing. A Tree plays the role of the service;
// each Session is an independent client with its own ephemeral nodes.
package memory

import (
	"context"
	"fmt"
	"math/rand"
	"path"
	"sort"
	"strings"
	"sync"

	"github.com/vimeo/fleetcoord/coord"
	"github.com/vimeo/fleetcoord/entry"
)

// Tree is the shared node namespace.
type Tree struct {
	mu        sync.Mutex
	nodes     map[string]*node
	zxid      int64
	nextSess  int64
	watchers  map[string]map[*watcher]struct{}
	mutations map[string]int
}

type node struct {
	data     []byte
	version  entry.Version
	mzxid    int64
	owner    *Session
	children map[string]struct{}
	// counter for sequential children
	cseq int64
}

// NewTree returns a new, initialized instance containing only the root node.
func NewTree() *Tree {
	return &Tree{
		nodes: map[string]*node{"/": {children: map[string]struct{}{}}},
		// Pick a random base zxid so tests can't accidentally depend on
		// absolute values.
		zxid:      rand.Int63n(1 << 20),
		watchers:  map[string]map[*watcher]struct{}{},
		mutations: map[string]int{},
	}
}

// Mutations returns the number of successful creates, sets and deletes
// applied to path.
func (t *Tree) Mutations(p string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.mutations[p]
}

// Session implements coord.Coordinator
type Session struct {
	tree *Tree
	id   int64
	done chan struct{}

	// the remaining fields are protected by tree.mu
	err          error
	disconnected bool
	watchers     map[*watcher]struct{}
}

var _ coord.Coordinator = (*Session)(nil)

// NewSession opens a new client session against the tree.
func (t *Tree) NewSession() *Session {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.nextSess++
	return &Session{
		tree:     t,
		id:       t.nextSess,
		done:     make(chan struct{}),
		watchers: map[*watcher]struct{}{},
	}
}

// ID returns the session's identifier.
func (s *Session) ID() int64 {
	return s.id
}

func (s *Session) checkLocked() error {
	if s.err != nil {
		return s.err
	}
	if s.disconnected {
		return coord.ErrConnectionLoss
	}
	return nil
}

func validatePath(p string) error {
	if !strings.HasPrefix(p, "/") || (len(p) > 1 && strings.HasSuffix(p, "/")) || path.Clean(p) != p {
		return fmt.Errorf("invalid path %q", p)
	}
	return nil
}

// Get implements coord.Coordinator
func (s *Session) Get(ctx context.Context, p string) ([]byte, coord.Stat, error) {
	t := s.tree
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := s.checkLocked(); err != nil {
		return nil, coord.Stat{}, err
	}
	n, ok := t.nodes[p]
	if !ok {
		return nil, coord.Stat{}, coord.ErrNoNode
	}
	return append([]byte(nil), n.data...), coord.Stat{Version: n.version, Mzxid: n.mzxid}, nil
}

// Children implements coord.Coordinator
func (s *Session) Children(ctx context.Context, p string) ([]string, error) {
	t := s.tree
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := s.checkLocked(); err != nil {
		return nil, err
	}
	n, ok := t.nodes[p]
	if !ok {
		return nil, coord.ErrNoNode
	}
	out := make([]string, 0, len(n.children))
	for c := range n.children {
		out = append(out, c)
	}
	sort.Strings(out)
	return out, nil
}

// Create implements coord.Coordinator
func (s *Session) Create(ctx context.Context, p string, data []byte, mode coord.CreateMode) (string, error) {
	if err := validatePath(p); err != nil {
		return "", err
	}
	if p == "/" {
		return "", coord.ErrNodeExists
	}
	t := s.tree
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := s.checkLocked(); err != nil {
		return "", err
	}
	parentPath := path.Dir(p)
	parent, ok := t.nodes[parentPath]
	if !ok {
		return "", coord.ErrNoNode
	}
	if mode == coord.EphemeralSequential {
		p = fmt.Sprintf("%s%010d", p, parent.cseq)
		parent.cseq++
	}
	if _, exists := t.nodes[p]; exists {
		return "", coord.ErrNodeExists
	}
	t.zxid++
	n := &node{
		data:     append([]byte(nil), data...),
		version:  0,
		mzxid:    t.zxid,
		children: map[string]struct{}{},
	}
	if mode != coord.Persistent {
		n.owner = s
	}
	t.nodes[p] = n
	parent.children[path.Base(p)] = struct{}{}
	t.mutations[p]++
	t.fireLocked(p, coord.EventNodeCreated)
	t.fireLocked(parentPath, coord.EventNodeChildrenChanged)
	return p, nil
}

// Set implements coord.Coordinator
func (s *Session) Set(ctx context.Context, p string, data []byte, version entry.Version) (coord.Stat, error) {
	t := s.tree
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := s.checkLocked(); err != nil {
		return coord.Stat{}, err
	}
	n, ok := t.nodes[p]
	if !ok {
		return coord.Stat{}, coord.ErrNoNode
	}
	if version != entry.AnyVersion && version != n.version {
		return coord.Stat{}, coord.ErrBadVersion
	}
	t.zxid++
	n.data = append([]byte(nil), data...)
	n.version++
	n.mzxid = t.zxid
	t.mutations[p]++
	t.fireLocked(p, coord.EventNodeDataChanged)
	return coord.Stat{Version: n.version, Mzxid: n.mzxid}, nil
}

// Delete implements coord.Coordinator
func (s *Session) Delete(ctx context.Context, p string, version entry.Version) error {
	t := s.tree
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := s.checkLocked(); err != nil {
		return err
	}
	n, ok := t.nodes[p]
	if !ok || p == "/" {
		return coord.ErrNoNode
	}
	if version != entry.AnyVersion && version != n.version {
		return coord.ErrBadVersion
	}
	if len(n.children) > 0 {
		return coord.ErrNotEmpty
	}
	t.deleteLocked(p)
	return nil
}

func (t *Tree) deleteLocked(p string) {
	parentPath := path.Dir(p)
	delete(t.nodes, p)
	if parent, ok := t.nodes[parentPath]; ok {
		delete(parent.children, path.Base(p))
	}
	t.zxid++
	t.mutations[p]++
	t.fireLocked(p, coord.EventNodeDeleted)
	t.fireLocked(parentPath, coord.EventNodeChildrenChanged)
}

func (t *Tree) fireLocked(p string, typ coord.EventType) {
	for w := range t.watchers[p] {
		w.push(coord.Event{Type: typ, Path: p})
	}
}

// Watch implements coord.Coordinator
func (s *Session) Watch(ctx context.Context, p string) (<-chan coord.Event, error) {
	if err := validatePath(p); err != nil {
		return nil, err
	}
	t := s.tree
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := s.checkLocked(); err != nil {
		return nil, err
	}
	w := &watcher{
		path: p,
		sess: s,
		out:  make(chan coord.Event),
		wake: make(chan struct{}, 1),
		stop: make(chan struct{}),
	}
	if t.watchers[p] == nil {
		t.watchers[p] = map[*watcher]struct{}{}
	}
	t.watchers[p][w] = struct{}{}
	s.watchers[w] = struct{}{}
	go w.run(ctx)
	return w.out, nil
}

func (t *Tree) removeWatcherLocked(w *watcher) {
	delete(t.watchers[w.path], w)
	delete(w.sess.watchers, w)
	w.stopOnce.Do(func() { close(w.stop) })
}

// Connected implements coord.Coordinator
func (s *Session) Connected() bool {
	s.tree.mu.Lock()
	defer s.tree.mu.Unlock()
	return s.err == nil && !s.disconnected
}

// SetConnected simulates a dropped (or restored) connection. While
// disconnected every operation fails with coord.ErrConnectionLoss, but the
// session and its ephemeral nodes survive.
func (s *Session) SetConnected(connected bool) {
	s.tree.mu.Lock()
	defer s.tree.mu.Unlock()
	s.disconnected = !connected
}

// Done implements coord.Coordinator
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Err implements coord.Coordinator
func (s *Session) Err() error {
	s.tree.mu.Lock()
	defer s.tree.mu.Unlock()
	return s.err
}

// Expire simulates the service expiring the session: its ephemeral nodes
// are removed and every later operation fails with coord.ErrSessionExpired.
func (s *Session) Expire() {
	s.end(coord.ErrSessionExpired)
}

// Close implements coord.Coordinator
func (s *Session) Close() error {
	s.end(coord.ErrClosed)
	return nil
}

func (s *Session) end(reason error) {
	t := s.tree
	t.mu.Lock()
	defer t.mu.Unlock()
	if s.err != nil {
		return
	}
	s.err = reason
	for w := range s.watchers {
		t.removeWatcherLocked(w)
	}
	owned := []string{}
	for p, n := range t.nodes {
		if n.owner == s {
			owned = append(owned, p)
		}
	}
	// children before parents
	sort.Sort(sort.Reverse(sort.StringSlice(owned)))
	for _, p := range owned {
		t.deleteLocked(p)
	}
	close(s.done)
}

// watcher buffers events for one persistent watch so firing never blocks
// the tree.
type watcher struct {
	path     string
	sess     *Session
	out      chan coord.Event
	mu       sync.Mutex
	queue    []coord.Event
	wake     chan struct{}
	stop     chan struct{}
	stopOnce sync.Once
}

func (w *watcher) push(ev coord.Event) {
	w.mu.Lock()
	w.queue = append(w.queue, ev)
	w.mu.Unlock()
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

func (w *watcher) run(ctx context.Context) {
	defer close(w.out)
	defer func() {
		t := w.sess.tree
		t.mu.Lock()
		defer t.mu.Unlock()
		t.removeWatcherLocked(w)
	}()
	for {
		w.mu.Lock()
		pending := w.queue
		w.queue = nil
		w.mu.Unlock()
		for _, ev := range pending {
			select {
			case w.out <- ev:
			case <-ctx.Done():
				return
			case <-w.stop:
				return
			}
		}
		select {
		case <-w.wake:
		case <-ctx.Done():
			return
		case <-w.stop:
			return
		}
	}
}

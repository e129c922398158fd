package fleetcoord

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/vimeo/go-clocks/fake"

	"github.com/vimeo/fleetcoord/coord"
	"github.com/vimeo/fleetcoord/entry"
	"github.com/vimeo/fleetcoord/memory"
)

type leadingFlag bool

func (l leadingFlag) IsLeading() bool { return bool(l) }

func TestSetReplicasVersionGuard(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	tree := memory.NewTree()
	admin := tree.NewSession()
	if _, err := admin.Create(ctx, DefaultReplicasPath, []byte("a,b"), coord.Persistent); err != nil {
		t.Fatalf("failed to create replica set: %s", err)
	}

	// two writers that both (wrongly) believe they lead, as can happen
	// briefly during a handover
	writers := []*ReplicaSetManager{}
	for i := 0; i < 2; i++ {
		m := NewReplicaSetManager(ReplicaSetConfig{Coordinator: tree.NewSession(), Leadership: leadingFlag(true)})
		if err := m.Refresh(ctx); err != nil {
			t.Fatalf("failed to read replica set: %s", err)
		}
		if cur := m.Current(); cur.Version != 0 || cur.Replicas.String() != "a,b" {
			t.Fatalf("unexpected replica set: %+v", cur)
		}
		writers = append(writers, m)
	}

	errs := make([]error, len(writers))
	wg := sync.WaitGroup{}
	for i, m := range writers {
		wg.Add(1)
		go func(i int, m *ReplicaSetManager) {
			defer wg.Done()
			_, errs[i] = m.SetReplicas(ctx, entry.ReplicaSet{"a", "b", entry.PeerID(rune('c' + i))})
		}(i, m)
	}
	wg.Wait()

	succeeded, conflicted := 0, 0
	for _, err := range errs {
		switch {
		case err == nil:
			succeeded++
		case errors.Is(err, ErrVersionConflict):
			if !errors.Is(err, coord.ErrBadVersion) {
				t.Errorf("version conflict doesn't wrap ErrBadVersion: %s", err)
			}
			conflicted++
		default:
			t.Errorf("unexpected error: %s", err)
		}
	}
	if succeeded != 1 || conflicted != 1 {
		t.Errorf("unexpected outcomes: %d succeeded, %d conflicted; errors %v", succeeded, conflicted, errs)
	}
	// the create plus exactly one set: the loser didn't retry
	if muts := tree.Mutations(DefaultReplicasPath); muts != 2 {
		t.Errorf("unexpected number of replica-set mutations: got %d; want %d", muts, 2)
	}
}

func TestSetReplicasRequiresLeadership(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	tree := memory.NewTree()
	s := tree.NewSession()
	if _, err := s.Create(ctx, DefaultReplicasPath, []byte("a"), coord.Persistent); err != nil {
		t.Fatalf("failed to create replica set: %s", err)
	}
	m := NewReplicaSetManager(ReplicaSetConfig{Coordinator: s, Leadership: leadingFlag(false)})
	if err := m.Refresh(ctx); err != nil {
		t.Fatalf("failed to read replica set: %s", err)
	}
	if _, err := m.SetReplicas(ctx, entry.ReplicaSet{"b"}); !errors.Is(err, ErrNotLeader) {
		t.Errorf("unexpected error from non-leader write: %v", err)
	}
	if muts := tree.Mutations(DefaultReplicasPath); muts != 1 {
		t.Errorf("non-leader write reached the service: %d mutations", muts)
	}
}

func TestSetReplicasWithoutReplicaSet(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	tree := memory.NewTree()
	m := NewReplicaSetManager(ReplicaSetConfig{Coordinator: tree.NewSession(), Leadership: leadingFlag(true)})
	if err := m.Refresh(ctx); err != nil {
		t.Fatalf("failed to read absent replica set: %s", err)
	}
	if cur := m.Current(); cur.Exists() || len(cur.Replicas) != 0 {
		t.Errorf("absent replica set reported as %+v", cur)
	}
	if _, err := m.SetReplicas(ctx, entry.ReplicaSet{"a"}); !errors.Is(err, ErrNoReplicaSet) {
		t.Errorf("unexpected error writing absent replica set: %v", err)
	}
}

func TestReplicaSetManagerRunTracksChanges(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	tree := memory.NewTree()
	admin := tree.NewSession()
	m := NewReplicaSetManager(ReplicaSetConfig{Coordinator: tree.NewSession()})
	changes, unsub := m.Subscribe()
	defer unsub()

	runErr := make(chan error, 1)
	go func() { runErr <- m.Run(ctx) }()

	<-changes
	if m.Current().Exists() {
		t.Errorf("replica set unexpectedly exists")
	}

	if _, err := admin.Create(ctx, DefaultReplicasPath, []byte("x,y"), coord.Persistent); err != nil {
		t.Fatalf("failed to create replica set: %s", err)
	}
	waitFor(t, "the created replica set", func() bool { return m.Current().Exists() })
	if _, err := admin.Set(ctx, DefaultReplicasPath, []byte("x,y,z"), 0); err != nil {
		t.Fatalf("failed to update replica set: %s", err)
	}
	waitFor(t, "the updated replica set", func() bool { return m.Current().Version == 1 })
	if got := m.Current().Replicas.String(); got != "x,y,z" {
		t.Errorf("unexpected replicas: got %q; want %q", got, "x,y,z")
	}

	cancel()
	if err := <-runErr; !errors.Is(err, context.Canceled) {
		t.Errorf("unexpected error from Run: %v", err)
	}
}

func TestReplicaSetReadRetriesTransientFailures(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	tree := memory.NewTree()
	s := tree.NewSession()
	if _, err := s.Create(ctx, DefaultReplicasPath, []byte("a"), coord.Persistent); err != nil {
		t.Fatalf("failed to create replica set: %s", err)
	}
	fc := fake.NewClock(time.Now())
	m := NewReplicaSetManager(ReplicaSetConfig{Coordinator: s, Clock: fc})

	s.SetConnected(false)
	readCh := make(chan error, 1)
	go func() { readCh <- m.Refresh(ctx) }()

	// wait for the first failed attempt to go to sleep
	fc.AwaitSleepers(1)
	s.SetConnected(true)
	// generous, to cover any jitter
	fc.Advance(2 * DefaultRetryDelay)

	if err := <-readCh; err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	if cur := m.Current(); cur.Version != 0 || cur.Replicas.String() != "a" {
		t.Errorf("unexpected replica set: %+v", cur)
	}
}

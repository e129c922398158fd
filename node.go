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

// Config configures a Node.
type Config struct {
	// Coordinator is the session shared by every component of the node.
	Coordinator coord.Coordinator

	PeersPath    string
	LeaderPath   string
	ReplicasPath string

	// Name prefixes the node's registration (see DirectoryConfig.Name).
	Name string
	// Address other peers use to reach this node's RPC server.
	Address     string
	Description string

	// Campaign makes the node try to lead as soon as it's registered.
	Campaign bool

	// OnElected is called when the local instance becomes leader.
	// The context is cancelled when leadership is lost.
	OnElected func(ctx context.Context)
	// OnOusting is called when leadership is lost.
	OnOusting func(ctx context.Context)
	// LeaderChanged is called when a different peer (or nobody) holds the
	// leader marker.
	LeaderChanged func(ctx context.Context, leader entry.Leader)

	// Querier reaches other peers' RPC servers; ListPeers and Bootstrap
	// fail without one.
	Querier      TxnQuerier
	QueryTimeout time.Duration

	RetryDelay time.Duration
	// Clock implementation to use when scheduling retries. The nil-value
	// falls back to a sane default implementation that simply wraps the
	// `time` package's functions.
	Clock  clocks.Clock
	Logger hclog.Logger
}

// Node is one replica's view of, and participation in, the fleet.
type Node struct {
	cfg      Config
	c        coord.Coordinator
	dir      *Directory
	replicas *ReplicaSetManager
	boot     *Bootstrapper
	logger   hclog.Logger

	want     atomic.Bool
	election atomic.Pointer[Election]
	running  atomic.Bool
	changes  notifier
}

// Status is a point-in-time summary of a node.
type Status struct {
	State       State
	Campaigning bool
	Connected   bool
	Leader      entry.Leader
	Self        entry.PeerRecord
	Peers       []entry.PeerRecord
	Replicas    entry.VersionedReplicaSet
}

// NewNode constructs a Node. Nothing is registered until Run is called.
func NewNode(cfg Config) (*Node, error) {
	if cfg.Coordinator == nil {
		return nil, fmt.Errorf("missing Coordinator")
	}
	if cfg.Address == "" {
		return nil, fmt.Errorf("missing Address")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	n := &Node{
		cfg:    cfg,
		c:      cfg.Coordinator,
		logger: logger,
	}
	n.want.Store(cfg.Campaign)
	n.dir = NewDirectory(DirectoryConfig{
		Coordinator: cfg.Coordinator,
		Path:        cfg.PeersPath,
		Name:        cfg.Name,
		Address:     cfg.Address,
		Description: cfg.Description,
		RetryDelay:  cfg.RetryDelay,
		Clock:       cfg.Clock,
		Logger:      logger,
	})
	n.replicas = NewReplicaSetManager(ReplicaSetConfig{
		Coordinator: cfg.Coordinator,
		Path:        cfg.ReplicasPath,
		Leadership:  n,
		RetryDelay:  cfg.RetryDelay,
		Clock:       cfg.Clock,
		Logger:      logger,
	})
	if cfg.Querier != nil {
		boot, bootErr := NewBootstrapper(BootstrapConfig{
			Coordinator:  cfg.Coordinator,
			Directory:    n.dir,
			Querier:      cfg.Querier,
			ReplicasPath: cfg.ReplicasPath,
			QueryTimeout: cfg.QueryTimeout,
			RetryDelay:   cfg.RetryDelay,
			Clock:        cfg.Clock,
			Logger:       logger,
		})
		if bootErr != nil {
			return nil, bootErr
		}
		n.boot = boot
	}
	return n, nil
}

// Run registers the node and keeps its peer, replica-set and leader caches
// current, competing for leadership when asked to. It blocks until ctx is
// cancelled or a component fails; a lost session is reported as
// ErrSessionLost, after which the process should stop coordinating.
func (n *Node) Run(ctx context.Context) error {
	if !n.running.CompareAndSwap(false, true) {
		return fmt.Errorf("node is already running")
	}
	self, regErr := n.dir.Register(ctx)
	if regErr != nil {
		return n.classify(ctx, fmt.Errorf("failed to register: %w", regErr))
	}
	e, elErr := NewElection(ElectionConfig{
		Coordinator:   n.c,
		Path:          n.cfg.LeaderPath,
		Self:          self.ID,
		Members:       n.replicas,
		Campaign:      n.want.Load(),
		OnElected:     n.cfg.OnElected,
		OnOusting:     n.cfg.OnOusting,
		LeaderChanged: n.cfg.LeaderChanged,
		RetryDelay:    n.cfg.RetryDelay,
		Clock:         n.cfg.Clock,
		Logger:        n.logger,
	})
	if elErr != nil {
		return elErr
	}
	n.election.Store(e)
	// catch up with a TryToLead that raced with the store
	if want := n.want.Load(); want != e.Campaigning() {
		e.TryToLead(want)
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	wg := sync.WaitGroup{}
	defer wg.Wait()

	wg.Add(1)
	go func() {
		defer wg.Done()
		n.forwardChanges(runCtx, e)
	}()

	runners := []func(context.Context) error{n.dir.Run, n.replicas.Run, e.Run}
	errCh := make(chan error, len(runners))
	for _, run := range runners {
		wg.Add(1)
		go func(run func(context.Context) error) {
			defer wg.Done()
			errCh <- run(runCtx)
		}(run)
	}
	runErr := <-errCh
	cancel()
	return n.classify(ctx, runErr)
}

func (n *Node) classify(ctx context.Context, err error) error {
	switch {
	case ctx.Err() != nil:
		return ctx.Err()
	case errors.Is(err, ErrSessionLost):
		n.logger.Error("coordination session lost", "error", err)
		return err
	case coord.IsFatal(err):
		n.logger.Error("coordination session lost", "error", err)
		return fmt.Errorf("%w: %w", ErrSessionLost, err)
	default:
		return err
	}
}

// forwardChanges re-signals leader and directory changes to SubscribeLeader
// subscribers, since either can change the leader's address.
func (n *Node) forwardChanges(ctx context.Context, e *Election) {
	leaderCh, unsubLeader := e.Subscribe()
	defer unsubLeader()
	peersCh, unsubPeers := n.dir.Subscribe()
	defer unsubPeers()
	for {
		select {
		case <-ctx.Done():
			return
		case <-leaderCh:
		case <-peersCh:
		}
		n.changes.notify()
	}
}

// TryToLead sets whether the node should compete for leadership.
func (n *Node) TryToLead(wantLead bool) {
	n.want.Store(wantLead)
	if e := n.election.Load(); e != nil {
		e.TryToLead(wantLead)
	}
}

// IsLeading reports whether the node believes it holds the leader marker.
func (n *Node) IsLeading() bool {
	e := n.election.Load()
	return e != nil && e.IsLeading()
}

// Leader returns the cached leader.
func (n *Node) Leader() entry.Leader {
	if e := n.election.Load(); e != nil {
		return e.Leader()
	}
	return entry.Leader{}
}

// Self returns the node's registration (the zero value before Run
// registers it).
func (n *Node) Self() entry.PeerRecord {
	return n.dir.Self()
}

// Peers returns the cached peer set.
func (n *Node) Peers() entry.PeerSet {
	return n.dir.Peers()
}

// Replicas returns the cached replica set.
func (n *Node) Replicas() entry.VersionedReplicaSet {
	return n.replicas.Current()
}

// SetReplicas writes the replica set; see ReplicaSetManager.SetReplicas.
func (n *Node) SetReplicas(ctx context.Context, replicas entry.ReplicaSet) (entry.Version, error) {
	return n.replicas.SetReplicas(ctx, replicas)
}

// Status summarizes the node's cached state.
func (n *Node) Status() Status {
	st := Status{
		State:       Watching,
		Campaigning: n.want.Load(),
		Connected:   n.c.Connected(),
		Self:        n.dir.Self(),
		Peers:       n.dir.Peers().Sorted(),
		Replicas:    n.replicas.Current(),
	}
	if e := n.election.Load(); e != nil {
		st.State = e.State()
		st.Leader = e.Leader()
	}
	return st
}

var errNoQuerier = errors.New("no peer RPC client configured")

// ListPeers asks every registered peer for its last transaction number.
func (n *Node) ListPeers(ctx context.Context) (ScanResult, error) {
	if n.boot == nil {
		return ScanResult{}, errNoQuerier
	}
	return n.boot.ScanPeers(ctx)
}

// Bootstrap runs the bootstrap procedure from this node.
func (n *Node) Bootstrap(ctx context.Context, req BootstrapRequest, confirm Confirmer) (BootstrapResult, error) {
	if n.boot == nil {
		return BootstrapResult{}, errNoQuerier
	}
	return n.boot.Bootstrap(ctx, req, confirm)
}

// LeaderAddress returns the registered RPC address of the current leader,
// or an empty string if there is no leader or its registration isn't
// cached.
func (n *Node) LeaderAddress() string {
	l := n.Leader()
	if l.Peer == "" {
		return ""
	}
	return n.dir.Peers()[l.Peer].Address
}

// SubscribeLeader returns a channel signalled whenever the leader or its
// address may have changed. Signals only flow while Run is running.
func (n *Node) SubscribeLeader() (<-chan struct{}, func()) {
	return n.changes.subscribe()
}

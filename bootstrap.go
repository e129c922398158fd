package fleetcoord

import (
	"context"
	"errors"
	"fmt"
	"math"
	"path"
	"time"

	"github.com/hashicorp/go-hclog"
	clocks "github.com/vimeo/go-clocks"

	"github.com/vimeo/fleetcoord/coord"
	"github.com/vimeo/fleetcoord/entry"
)

// DefaultQueryTimeout bounds each GetLastTxn call made while scanning peers.
const DefaultQueryTimeout = 2 * time.Second

// TxnQuerier asks the replica listening at address for its last applied
// transaction number.
type TxnQuerier interface {
	LastTxn(ctx context.Context, address string) (int64, error)
}

// Outcome is the result of a bootstrap invocation.
type Outcome int

const (
	// OutcomeReported means initialization wasn't requested; the scan and
	// the current replica set were only reported.
	OutcomeReported Outcome = iota
	// OutcomeAlreadyInitialized means the replica set exists and was left
	// alone.
	OutcomeAlreadyInitialized
	// OutcomeRefused means an override was requested against an existing
	// replica set.
	OutcomeRefused
	// OutcomeSeeded means the replica set was created from the most
	// up-to-date peer.
	OutcomeSeeded
	// OutcomeOverridden means the replica set was created from the
	// operator's override after a correct confirmation.
	OutcomeOverridden
	// OutcomeAborted means the confirmation answer was wrong or missing.
	OutcomeAborted
	// OutcomeNothingToSeed means no peer answered and no override was
	// given.
	OutcomeNothingToSeed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeReported:
		return "reported"
	case OutcomeAlreadyInitialized:
		return "already initialized"
	case OutcomeRefused:
		return "refused"
	case OutcomeSeeded:
		return "seeded"
	case OutcomeOverridden:
		return "overridden"
	case OutcomeAborted:
		return "aborted"
	case OutcomeNothingToSeed:
		return "nothing to seed"
	default:
		return fmt.Sprintf("Outcome(%d)", int(o))
	}
}

// ExitCode maps the outcome onto the bootstrap tool's process exit code.
func (o Outcome) ExitCode() int {
	switch o {
	case OutcomeReported, OutcomeAlreadyInitialized, OutcomeSeeded, OutcomeOverridden:
		return 0
	case OutcomeRefused:
		return 1
	default:
		return 2
	}
}

// PeerTxn is one peer's answer during a scan.
type PeerTxn struct {
	Peer entry.PeerRecord
	// LastTxn is entry.TxnQueryFailed if the query failed.
	LastTxn int64
	Err     error
}

// ScanResult is the outcome of querying every known peer.
type ScanResult struct {
	// Peers in the order they were queried.
	Peers []PeerTxn
	// Best is the first peer reporting the greatest transaction number,
	// empty if nobody answered.
	Best    entry.PeerID
	BestTxn int64
}

// Answered reports whether any peer answered.
func (s ScanResult) Answered() bool {
	return s.Best != ""
}

// HasTxns reports whether some peer answered with a transaction number
// above entry.NoTxn.
func (s ScanResult) HasTxns() bool {
	return s.Answered() && s.BestTxn > entry.NoTxn
}

// BootstrapRequest selects what Bootstrap may do.
type BootstrapRequest struct {
	// Initialize allows creating the replica set.
	Initialize bool
	// Override, if non-empty, is the membership to force when no peer
	// can corroborate one.
	Override entry.ReplicaSet
}

// BootstrapResult describes what Bootstrap observed and did.
type BootstrapResult struct {
	Outcome Outcome
	Scan    ScanResult
	// Replicas is the replica set found, or the one written.
	Replicas entry.VersionedReplicaSet
}

// BootstrapConfig configures a Bootstrapper.
type BootstrapConfig struct {
	Coordinator coord.Coordinator
	// Directory supplies the peers to scan. It's refreshed before each
	// scan.
	Directory *Directory
	Querier   TxnQuerier
	// ReplicasPath is DefaultReplicasPath if empty.
	ReplicasPath string
	// QueryTimeout is DefaultQueryTimeout if zero.
	QueryTimeout time.Duration

	RetryDelay time.Duration
	Clock      clocks.Clock
	Logger     hclog.Logger
}

// Bootstrapper establishes the replica set of a new fleet from the peer
// reporting the most advanced transaction state, or, with an operator's
// confirmation, from an explicit override.
type Bootstrapper struct {
	c            coord.Coordinator
	dir          *Directory
	q            TxnQuerier
	replicasPath string
	timeout      time.Duration
	r            *retrier
	logger       hclog.Logger
}

// NewBootstrapper constructs a Bootstrapper.
func NewBootstrapper(cfg BootstrapConfig) (*Bootstrapper, error) {
	if cfg.Coordinator == nil {
		return nil, fmt.Errorf("missing Coordinator")
	}
	if cfg.Directory == nil {
		return nil, fmt.Errorf("missing Directory")
	}
	if cfg.Querier == nil {
		return nil, fmt.Errorf("missing Querier")
	}
	if cfg.ReplicasPath == "" {
		cfg.ReplicasPath = DefaultReplicasPath
	}
	if cfg.QueryTimeout <= 0 {
		cfg.QueryTimeout = DefaultQueryTimeout
	}
	logger := namedLogger(cfg.Logger, "bootstrap")
	return &Bootstrapper{
		c:            cfg.Coordinator,
		dir:          cfg.Directory,
		q:            cfg.Querier,
		replicasPath: cfg.ReplicasPath,
		timeout:      cfg.QueryTimeout,
		r:            newRetrier(cfg.Clock, cfg.RetryDelay, logger),
		logger:       logger,
	}, nil
}

// ScanPeers refreshes the peer directory and asks every peer, one at a
// time and in registration order, for its last transaction number. A peer
// that fails to answer is recorded with entry.TxnQueryFailed and skipped.
func (b *Bootstrapper) ScanPeers(ctx context.Context) (ScanResult, error) {
	if err := b.dir.Refresh(ctx); err != nil {
		return ScanResult{}, err
	}
	peers := b.dir.Peers().Sorted()
	res := ScanResult{Peers: make([]PeerTxn, 0, len(peers)), BestTxn: math.MinInt64}
	for _, p := range peers {
		pt := PeerTxn{Peer: p, LastTxn: entry.TxnQueryFailed}
		qctx, cancel := context.WithTimeout(ctx, b.timeout)
		txn, qErr := b.q.LastTxn(qctx, p.Address)
		cancel()
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ScanResult{}, ctxErr
		}
		if qErr != nil {
			pt.Err = qErr
			b.logger.Warn("failed to get last txn from peer", "peer", p.ID, "address", p.Address, "error", qErr)
			res.Peers = append(res.Peers, pt)
			continue
		}
		pt.LastTxn = txn
		b.logger.Info("peer last txn", "peer", p.ID, "address", p.Address, "last_txn", txn)
		res.Peers = append(res.Peers, pt)
		if txn > res.BestTxn {
			res.Best, res.BestTxn = p.ID, txn
		}
	}
	if !res.Answered() {
		res.BestTxn = entry.TxnQueryFailed
	}
	return res, nil
}

// Bootstrap scans the peers and, if requested, initializes the replica set.
// An existing replica set is never modified. Writing from the override
// requires confirm to return the answer to a randomly generated challenge;
// a nil confirm always aborts. The returned error is non-nil only when
// the coordination service or the context failed; in that case the
// outcome is meaningless.
func (b *Bootstrapper) Bootstrap(ctx context.Context, req BootstrapRequest, confirm Confirmer) (BootstrapResult, error) {
	scan, scanErr := b.ScanPeers(ctx)
	if scanErr != nil {
		return BootstrapResult{}, fmt.Errorf("failed to scan peers: %w", scanErr)
	}
	res := BootstrapResult{Scan: scan}

	cur, readErr := readReplicaSet(ctx, b.r, b.c, b.replicasPath)
	if readErr != nil {
		return res, readErr
	}
	res.Replicas = cur

	switch {
	case cur.Exists():
		b.logger.Info("current replicas", "replicas", cur.Replicas.String(), "version", cur.Version)
		switch {
		case !req.Initialize:
			res.Outcome = OutcomeReported
		case len(req.Override) > 0:
			b.logger.Warn("not overriding replica set because it already exists",
				"replicas", cur.Replicas.String(), "override", req.Override.String())
			res.Outcome = OutcomeRefused
		default:
			b.logger.Info("not initializing replica set because it already exists")
			res.Outcome = OutcomeAlreadyInitialized
		}
		return res, nil
	case !req.Initialize:
		b.logger.Info("replica set does not exist", "path", b.replicasPath)
		res.Outcome = OutcomeReported
		return res, nil
	case scan.HasTxns():
		if len(req.Override) > 0 {
			b.logger.Warn("ignoring override, a peer reported its last txn",
				"peer", scan.Best, "last_txn", scan.BestTxn, "override", req.Override.String())
		}
		return b.seed(ctx, res, scan.Best)
	case len(req.Override) > 0:
		if !b.confirmed(ctx, req.Override, confirm) {
			res.Outcome = OutcomeAborted
			return res, nil
		}
		return b.create(ctx, res, req.Override, OutcomeOverridden)
	case scan.Answered():
		// only empty replicas answered; the first of them seeds
		return b.seed(ctx, res, scan.Best)
	default:
		b.logger.Error("no peers found to initialize replica set")
		res.Outcome = OutcomeNothingToSeed
		return res, nil
	}
}

// seed creates the replica set with the single peer id, provided the peer
// is still registered.
func (b *Bootstrapper) seed(ctx context.Context, res BootstrapResult, id entry.PeerID) (BootstrapResult, error) {
	if _, lookupErr := b.dir.Lookup(ctx, id); lookupErr != nil {
		return res, fmt.Errorf("failed to read registration of most up-to-date peer %q: %w", id, lookupErr)
	}
	return b.create(ctx, res, entry.ReplicaSet{id}, OutcomeSeeded)
}

func (b *Bootstrapper) confirmed(ctx context.Context, override entry.ReplicaSet, confirm Confirmer) bool {
	if confirm == nil {
		b.logger.Error("override requires confirmation, but nothing can confirm it")
		return false
	}
	ch := NewChallenge(override)
	answer, confErr := confirm.Confirm(ctx, ch)
	if confErr != nil {
		b.logger.Error("confirmation failed, aborting", "error", confErr)
		return false
	}
	if !ch.Check(answer) {
		b.logger.Error("incorrect confirmation answer, aborting")
		return false
	}
	return true
}

// create writes a replica set that was just observed absent. Another
// initializer winning the race surfaces as coord.ErrNodeExists.
func (b *Bootstrapper) create(ctx context.Context, res BootstrapResult, replicas entry.ReplicaSet, o Outcome) (BootstrapResult, error) {
	if parent := path.Dir(b.replicasPath); parent != "/" {
		if err := ensurePath(ctx, b.r, b.c, parent); err != nil {
			return res, err
		}
	}
	if _, createErr := b.c.Create(ctx, b.replicasPath, replicas.Payload(), coord.Persistent); createErr != nil {
		if errors.Is(createErr, coord.ErrNodeExists) {
			return res, fmt.Errorf("replica set was initialized concurrently: %w", createErr)
		}
		return res, fmt.Errorf("failed to create replica set: %w", createErr)
	}
	b.logger.Info("initialized replica set", "replicas", replicas.String(), "outcome", o)
	res.Outcome = o
	res.Replicas = entry.VersionedReplicaSet{Replicas: replicas, Version: 0}
	return res, nil
}

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

// DirectoryConfig configures a Directory.
type DirectoryConfig struct {
	Coordinator coord.Coordinator
	// Path of the peers container; DefaultPeersPath if empty.
	Path string
	// Name prefixes the sequence number the service appends to this
	// process's registration; "peer" if empty.
	Name string
	// Address other peers use to reach this process's RPC server.
	Address     string
	Description string

	// RetryDelay between attempts of failing reads (DefaultRetryDelay if
	// zero).
	RetryDelay time.Duration
	// Clock used for retry sleeps; the nil-value falls back to a wrapper
	// around the time package.
	Clock  clocks.Clock
	Logger hclog.Logger
}

// Directory keeps a locally cached copy of the peers namespace and
// registers the local process in it.
type Directory struct {
	c           coord.Coordinator
	path        string
	name        string
	address     string
	description string
	r           *retrier
	logger      hclog.Logger

	self    atomic.Pointer[entry.PeerRecord]
	peers   atomic.Pointer[entry.PeerSet]
	changes notifier
}

// NewDirectory constructs a Directory. Nothing is read or written until
// Register, Refresh or Run is called.
func NewDirectory(cfg DirectoryConfig) *Directory {
	if cfg.Path == "" {
		cfg.Path = DefaultPeersPath
	}
	if cfg.Name == "" {
		cfg.Name = "peer"
	}
	logger := namedLogger(cfg.Logger, "directory")
	return &Directory{
		c:           cfg.Coordinator,
		path:        cfg.Path,
		name:        cfg.Name,
		address:     cfg.Address,
		description: cfg.Description,
		r:           newRetrier(cfg.Clock, cfg.RetryDelay, logger),
		logger:      logger,
	}
}

// Register creates this process's ephemeral, sequentially-named entry under
// the peers container and returns the resulting record. The entry lives as
// long as the coordination session.
func (d *Directory) Register(ctx context.Context) (entry.PeerRecord, error) {
	if d.address == "" {
		return entry.PeerRecord{}, fmt.Errorf("missing address for peer registration")
	}
	if err := ensurePath(ctx, d.r, d.c, d.path); err != nil {
		return entry.PeerRecord{}, err
	}
	rec := entry.PeerRecord{Address: d.address, Description: d.description}
	created, createErr := d.c.Create(ctx, coord.Join(d.path, d.name+"-"), rec.Payload(), coord.EphemeralSequential)
	if createErr != nil {
		return entry.PeerRecord{}, fmt.Errorf("failed to register under %q: %w", d.path, createErr)
	}
	rec.ID = entry.PeerID(coord.Base(created))
	d.self.Store(&rec)
	d.logger.Info("registered", "peer", rec.ID, "address", rec.Address)
	return rec, nil
}

// Self returns the record created by Register (the zero value before).
func (d *Directory) Self() entry.PeerRecord {
	if s := d.self.Load(); s != nil {
		return *s
	}
	return entry.PeerRecord{}
}

// Peers returns a snapshot of the cached peer set. It may lag behind the
// coordination service.
func (d *Directory) Peers() entry.PeerSet {
	p := d.peers.Load()
	if p == nil {
		return entry.PeerSet{}
	}
	return p.Clone()
}

// Subscribe returns a channel signalled whenever the cached peer set is
// replaced, and a function to unsubscribe.
func (d *Directory) Subscribe() (<-chan struct{}, func()) {
	return d.changes.subscribe()
}

// Lookup reads one peer's registration. coord.ErrNoNode if the peer is
// gone.
func (d *Directory) Lookup(ctx context.Context, id entry.PeerID) (entry.PeerRecord, error) {
	payload, readErr := retryRead(ctx, d.r, "get peer "+string(id), func(ctx context.Context) ([]byte, error) {
		data, _, err := d.c.Get(ctx, coord.Join(d.path, string(id)))
		return data, err
	})
	if readErr != nil {
		return entry.PeerRecord{}, readErr
	}
	return entry.ParsePeerRecord(id, payload)
}

// Refresh re-lists the peers container and replaces the cached peer set
// wholesale.
func (d *Directory) Refresh(ctx context.Context) error {
	names, listErr := retryRead(ctx, d.r, "list "+d.path, func(ctx context.Context) ([]string, error) {
		return d.c.Children(ctx, d.path)
	})
	switch {
	case listErr == nil:
	case errors.Is(listErr, coord.ErrNoNode):
		names = nil
	default:
		return fmt.Errorf("failed to list peers: %w", listErr)
	}

	set := make(entry.PeerSet, len(names))
	for _, name := range names {
		rec, lookupErr := d.Lookup(ctx, entry.PeerID(name))
		switch {
		case lookupErr == nil:
			set[rec.ID] = rec
		case errors.Is(lookupErr, coord.ErrNoNode):
			// deregistered between the listing and the read
			continue
		case coord.IsFatal(lookupErr), ctx.Err() != nil:
			return fmt.Errorf("failed to read peer %q: %w", name, lookupErr)
		default:
			d.logger.Warn("skipping peer with malformed registration", "peer", name, "error", lookupErr)
		}
	}
	d.peers.Store(&set)
	d.changes.notify()
	d.logger.Info("current peers", "peers", set.IDs())
	return nil
}

// Run keeps the cached peer set current until ctx is cancelled or the
// session is lost.
func (d *Directory) Run(ctx context.Context) error {
	return watchLoop(ctx, d.r, d.c, d.path, func(ev coord.Event) bool {
		return ev.Type == coord.EventNodeChildrenChanged || ev.Type == coord.EventNodeCreated
	}, d.Refresh)
}

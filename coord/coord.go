// Package coord defines the contract fleetcoord expects from a ZooKeeper-like
// coordination service: a tree of persistent and ephemeral nodes with
// versioned conditional writes and persistent watches.
package coord

import (
	"context"
	"errors"
	"path"

	"github.com/vimeo/fleetcoord/entry"
)

// CreateMode selects the lifetime and naming of a created node.
type CreateMode int

const (
	// Persistent nodes outlive the creating session.
	Persistent CreateMode = iota
	// Ephemeral nodes are removed when the creating session ends.
	Ephemeral
	// EphemeralSequential nodes are ephemeral, and the service appends a
	// monotonically increasing counter to the requested name.
	EphemeralSequential
)

// EventType identifies the kind of change a watch observed.
type EventType int

// Watch event types
const (
	EventNodeCreated EventType = iota + 1
	EventNodeDeleted
	EventNodeDataChanged
	EventNodeChildrenChanged
)

func (e EventType) String() string {
	switch e {
	case EventNodeCreated:
		return "NodeCreated"
	case EventNodeDeleted:
		return "NodeDeleted"
	case EventNodeDataChanged:
		return "NodeDataChanged"
	case EventNodeChildrenChanged:
		return "NodeChildrenChanged"
	default:
		return "Unknown"
	}
}

// Event is delivered on a watch channel.
type Event struct {
	Type EventType
	Path string
}

// Stat carries the node metadata the coordination layer relies on.
type Stat struct {
	Version entry.Version
	// Mzxid is the id of the transaction that last modified the node.
	Mzxid int64
}

// Coordinator is the coordination-service session used by every component
// of a process. Implementations must be safe for concurrent use.
type Coordinator interface {
	// Get returns a node's payload. ErrNoNode if it doesn't exist.
	Get(ctx context.Context, path string) ([]byte, Stat, error)
	// Children lists the names (not full paths) of a node's children.
	Children(ctx context.Context, path string) ([]string, error)
	// Create creates a node and returns its actual path (which differs
	// from path for EphemeralSequential nodes). ErrNodeExists if a node is
	// already present at that path.
	Create(ctx context.Context, path string, data []byte, mode CreateMode) (string, error)
	// Set replaces a node's payload if its current version matches
	// version (or version is entry.AnyVersion). ErrBadVersion otherwise.
	Set(ctx context.Context, path string, data []byte, version entry.Version) (Stat, error)
	// Delete removes a node if its current version matches version (or
	// version is entry.AnyVersion).
	Delete(ctx context.Context, path string, version entry.Version) error
	// Watch registers a persistent watch on path. Events for the node's
	// creation, deletion and data changes, as well as changes to its set
	// of children, are delivered until ctx is cancelled or the session
	// ends, after which the channel is closed.
	Watch(ctx context.Context, path string) (<-chan Event, error)

	// Connected reports whether the session currently has a live
	// connection to the service.
	Connected() bool
	// Done is closed once the session is irrecoverably lost.
	Done() <-chan struct{}
	// Err returns the reason Done was closed (nil while it's open).
	Err() error
	// Close ends the session, removing its ephemeral nodes.
	Close() error
}

var (
	// ErrNoNode indicates the node does not exist. This is a definitive
	// answer rather than a failure.
	ErrNoNode = errors.New("node does not exist")
	// ErrNodeExists is returned by Create when the node already exists.
	ErrNodeExists = errors.New("node already exists")
	// ErrBadVersion is returned by conditional writes and deletes whose
	// expected version is stale.
	ErrBadVersion = errors.New("version conflict")
	// ErrSessionExpired indicates the session expired; its ephemeral
	// nodes are gone.
	ErrSessionExpired = errors.New("coordination session expired")
	// ErrAuthFailed indicates the service rejected our credentials.
	ErrAuthFailed = errors.New("coordination service authentication failed")
	// ErrClosed is returned for operations on a closed session.
	ErrClosed = errors.New("coordination session closed")
	// ErrNotEmpty is returned when deleting a node that has children.
	ErrNotEmpty = errors.New("node has children")
	// ErrConnectionLoss indicates the connection to the service dropped
	// mid-operation. The session may still recover; callers should retry.
	ErrConnectionLoss = errors.New("connection to coordination service lost")
)

// IsFatal reports whether err means the session can no longer be used. A
// process observing a fatal error must stop coordinating, since its cached
// state and ephemeral registrations are no longer valid.
func IsFatal(err error) bool {
	return errors.Is(err, ErrSessionExpired) || errors.Is(err, ErrAuthFailed) || errors.Is(err, ErrClosed)
}

// Join returns the path of child name under parent.
func Join(parent, name string) string {
	return path.Join(parent, name)
}

// Base returns the last element of p (a node's name).
func Base(p string) string {
	return path.Base(p)
}

// Package fleetcoord coordinates a fleet of server replicas through a
// ZooKeeper-like coordination service: each replica registers itself under
// a peers container, at most one replica holds the leader marker, the
// leader maintains the versioned replica set, and a new fleet can bootstrap
// its replica set from whichever peer reports the most advanced
// transaction.
//
// Node is the main entrypoint; it wires a Directory, an Election and a
// ReplicaSetManager over a single coord.Coordinator session. Bootstrapper
// can also be used on its own (e.g. from a command-line tool) with only a
// Directory.
package fleetcoord

import (
	"errors"

	"github.com/vimeo/fleetcoord/coord"
)

// Default node paths within the coordination service.
const (
	DefaultPeersPath    = "/peers"
	DefaultLeaderPath   = "/leader"
	DefaultReplicasPath = "/replicas"
)

var (
	// ErrNotLeader is returned for writes attempted by a process that
	// doesn't believe it holds the leader marker.
	ErrNotLeader = errors.New("not the leader")
	// ErrVersionConflict is returned when a replica-set write carried a
	// stale version; someone else wrote in between.
	ErrVersionConflict = errors.New("replica set changed since last read")
	// ErrNoReplicaSet is returned when writing a replica set that hasn't
	// been initialized yet.
	ErrNoReplicaSet = errors.New("replica set not initialized")
	// ErrSessionLost is returned by Node.Run after the coordination
	// session became unusable.
	ErrSessionLost = errors.New("coordination session lost")
)

// isTransient reports whether a failure should be retried. Definitive
// answers from the service and fatal session errors are not transient.
// Context errors are, unless the caller's own context is done (checked by
// the retry loop).
func isTransient(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, coord.ErrNoNode), errors.Is(err, coord.ErrNodeExists),
		errors.Is(err, coord.ErrBadVersion), errors.Is(err, coord.ErrNotEmpty):
		return false
	case coord.IsFatal(err):
		return false
	default:
		return true
	}
}

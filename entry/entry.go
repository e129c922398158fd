// Package entry holds the values stored in, and read back from, the
// coordination service: peer registrations, the leader marker and the
// versioned replica set.
package entry

import (
	"fmt"
	"sort"
	"strings"
)

// PeerID is the name the coordination service assigned to a registered peer
// (the basename of its sequential-ephemeral node).
type PeerID string

func (p PeerID) String() string {
	return string(p)
}

// Version is the coordination service's data version of a node.
type Version int32

const (
	// NoVersion indicates that the node did not exist when last observed.
	NoVersion Version = -1
	// AnyVersion makes a conditional operation unconditional.
	AnyVersion Version = -1
)

// LastTxn sentinels.
const (
	// NoTxn is reported by a replica that hasn't applied any transactions.
	NoTxn int64 = -1
	// TxnQueryFailed stands in for the last transaction of a peer that
	// could not be queried.
	TxnQueryFailed int64 = -100
)

// PeerRecord describes a registered peer.
type PeerRecord struct {
	ID PeerID
	// Address is the host:port at which the peer serves RPCs.
	Address     string
	Description string
}

// Payload serializes the record as stored in the peer's node.
func (r PeerRecord) Payload() []byte {
	return []byte(r.Address + "\n" + r.Description)
}

// ParsePeerRecord decodes a peer node's payload: the first
// whitespace-delimited token is the address, the remainder is the
// description.
func ParsePeerRecord(id PeerID, payload []byte) (PeerRecord, error) {
	s := strings.TrimLeft(string(payload), " \t\r\n")
	if s == "" {
		return PeerRecord{}, fmt.Errorf("empty registration payload for peer %q", id)
	}
	addr, desc := s, ""
	if i := strings.IndexAny(s, " \t\r\n"); i >= 0 {
		addr, desc = s[:i], strings.TrimSpace(s[i+1:])
	}
	return PeerRecord{ID: id, Address: addr, Description: desc}, nil
}

// PeerSet maps registered peers to their records.
type PeerSet map[PeerID]PeerRecord

// Sorted returns the records in encounter order. Sequential IDs sort in
// the order the peers registered.
func (s PeerSet) Sorted() []PeerRecord {
	out := make([]PeerRecord, 0, len(s))
	for _, r := range s {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// IDs returns the peer IDs in encounter order.
func (s PeerSet) IDs() []PeerID {
	out := make([]PeerID, 0, len(s))
	for _, r := range s.Sorted() {
		out = append(out, r.ID)
	}
	return out
}

// Clone returns a copy that can be handed to readers.
func (s PeerSet) Clone() PeerSet {
	out := make(PeerSet, len(s))
	for k, v := range s {
		out[k] = v
	}
	return out
}

// ReplicaSet is the ordered list of authoritative fleet members.
type ReplicaSet []PeerID

// ParseReplicaSet decodes a comma-joined list. Blank elements are dropped.
func ParseReplicaSet(payload string) ReplicaSet {
	var out ReplicaSet
	for _, p := range strings.Split(payload, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, PeerID(p))
		}
	}
	return out
}

// Contains reports whether id is a member.
func (r ReplicaSet) Contains(id PeerID) bool {
	for _, m := range r {
		if m == id {
			return true
		}
	}
	return false
}

func (r ReplicaSet) String() string {
	parts := make([]string, len(r))
	for i, m := range r {
		parts[i] = string(m)
	}
	return strings.Join(parts, ",")
}

// Payload serializes the set as stored in the replica-set node.
func (r ReplicaSet) Payload() []byte {
	return []byte(r.String())
}

// VersionedReplicaSet is a replica set along with the version it was read
// at. Version is NoVersion if the node didn't exist.
type VersionedReplicaSet struct {
	Replicas ReplicaSet
	Version  Version
}

// Exists reports whether the replica-set node existed when observed.
func (v VersionedReplicaSet) Exists() bool {
	return v.Version != NoVersion
}

// Leader describes the holder of the leader marker.
type Leader struct {
	// Peer is empty if no marker exists.
	Peer PeerID
	// Zxid is the transaction id of the marker's last modification; it
	// increases with every leadership change and can be used as a
	// fencing token.
	Zxid int64
}

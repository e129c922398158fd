package entry

import (
	"testing"
)

func TestParsePeerRecord(t *testing.T) {
	for _, tbl := range []struct {
		name     string
		payload  string
		wantAddr string
		wantDesc string
		wantErr  bool
	}{
		{name: "newline", payload: "10.0.0.1:9090\nrack 3, east", wantAddr: "10.0.0.1:9090", wantDesc: "rack 3, east"},
		{name: "space", payload: "[::1]:9090 some host", wantAddr: "[::1]:9090", wantDesc: "some host"},
		{name: "addressOnly", payload: "host:1", wantAddr: "host:1"},
		{name: "leadingSpace", payload: "  host:1\n", wantAddr: "host:1"},
		{name: "empty", payload: "", wantErr: true},
	} {
		tbl := tbl
		t.Run(tbl.name, func(t *testing.T) {
			rec, err := ParsePeerRecord("peer-0000000001", []byte(tbl.payload))
			if tbl.wantErr {
				if err == nil {
					t.Errorf("expected error parsing %q", tbl.payload)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %s", err)
			}
			if rec.Address != tbl.wantAddr {
				t.Errorf("unexpected address: got %q; want %q", rec.Address, tbl.wantAddr)
			}
			if rec.Description != tbl.wantDesc {
				t.Errorf("unexpected description: got %q; want %q", rec.Description, tbl.wantDesc)
			}
		})
	}
}

func TestPeerRecordPayload(t *testing.T) {
	rec := PeerRecord{ID: "p", Address: "h:1", Description: "a b"}
	got, err := ParsePeerRecord("p", rec.Payload())
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	if got != rec {
		t.Errorf("unexpected record: got %+v; want %+v", got, rec)
	}
}

func TestPeerSetSorted(t *testing.T) {
	s := PeerSet{
		"peer-0000000003": {ID: "peer-0000000003"},
		"peer-0000000001": {ID: "peer-0000000001"},
		"peer-0000000002": {ID: "peer-0000000002"},
	}
	ids := s.IDs()
	want := []PeerID{"peer-0000000001", "peer-0000000002", "peer-0000000003"}
	if len(ids) != len(want) {
		t.Fatalf("unexpected length %d; want %d", len(ids), len(want))
	}
	for i := range want {
		if ids[i] != want[i] {
			t.Errorf("index %d: got %q; want %q", i, ids[i], want[i])
		}
	}
}

func TestReplicaSet(t *testing.T) {
	r := ParseReplicaSet(" a, b,,c ")
	if r.String() != "a,b,c" {
		t.Errorf("unexpected round-trip: %q", r.String())
	}
	if !r.Contains("b") || r.Contains("d") {
		t.Errorf("unexpected membership results for %v", r)
	}
	if len(ParseReplicaSet("")) != 0 {
		t.Errorf("expected empty set from empty payload")
	}
	if (VersionedReplicaSet{Version: NoVersion}).Exists() {
		t.Errorf("NoVersion set reported as existing")
	}
}

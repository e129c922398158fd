package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vimeo/fleetcoord"
	"github.com/vimeo/fleetcoord/coord"
	"github.com/vimeo/fleetcoord/entry"
	"github.com/vimeo/fleetcoord/memory"
)

type tableQuerier map[string]int64

func (q tableQuerier) LastTxn(ctx context.Context, addr string) (int64, error) {
	if txn, ok := q[addr]; ok {
		return txn, nil
	}
	return entry.TxnQueryFailed, fmt.Errorf("dial %s: connection refused", addr)
}

func testBootstrapper(t *testing.T, q fleetcoord.TxnQuerier, addrs ...string) (*fleetcoord.Bootstrapper, *memory.Session) {
	t.Helper()
	ctx := context.Background()
	tree := memory.NewTree()
	for _, addr := range addrs {
		sess := tree.NewSession()
		t.Cleanup(func() { sess.Close() })
		_, err := fleetcoord.NewDirectory(fleetcoord.DirectoryConfig{Coordinator: sess, Address: addr}).Register(ctx)
		require.NoError(t, err)
	}
	sess := tree.NewSession()
	t.Cleanup(func() { sess.Close() })
	boot, err := fleetcoord.NewBootstrapper(fleetcoord.BootstrapConfig{
		Coordinator: sess,
		Directory:   fleetcoord.NewDirectory(fleetcoord.DirectoryConfig{Coordinator: sess}),
		Querier:     q,
		RetryDelay:  10 * time.Millisecond,
	})
	require.NoError(t, err)
	return boot, sess
}

func TestRunInitSeeds(t *testing.T) {
	t.Parallel()
	boot, sess := testBootstrapper(t, tableQuerier{"10.0.0.2:7000": 9}, "10.0.0.1:7000", "10.0.0.2:7000")

	out := bytes.Buffer{}
	require.NoError(t, runInit(context.Background(), &out, boot, fleetcoord.BootstrapRequest{Initialize: true}, nil))
	assert.Contains(t, out.String(), "-100")
	assert.Contains(t, out.String(), "most up-to-date: peer-0000000001 (last txn 9)")
	assert.Contains(t, out.String(), "outcome: seeded")

	data, _, err := sess.Get(context.Background(), fleetcoord.DefaultReplicasPath)
	require.NoError(t, err)
	assert.Equal(t, "peer-0000000001", string(data))
}

func TestRunInitExitCodes(t *testing.T) {
	t.Parallel()
	for _, tbl := range []struct {
		name     string
		existing bool
		req      fleetcoord.BootstrapRequest
		code     int
	}{
		{name: "report", req: fleetcoord.BootstrapRequest{}, code: 0},
		{name: "refused", existing: true, req: fleetcoord.BootstrapRequest{Initialize: true, Override: entry.ReplicaSet{"x"}}, code: 1},
		{name: "nothing_to_seed", req: fleetcoord.BootstrapRequest{Initialize: true}, code: 2},
		{name: "aborted", req: fleetcoord.BootstrapRequest{Initialize: true, Override: entry.ReplicaSet{"x"}}, code: 2},
	} {
		tbl := tbl
		t.Run(tbl.name, func(t *testing.T) {
			t.Parallel()
			boot, sess := testBootstrapper(t, tableQuerier{}, "10.0.0.1:7000")
			if tbl.existing {
				_, err := sess.Create(context.Background(), fleetcoord.DefaultReplicasPath, []byte("a"), coord.Persistent)
				require.NoError(t, err)
			}
			wrong := fleetcoord.ConfirmerFunc(func(ctx context.Context, c fleetcoord.Challenge) (int, error) {
				return c.A + c.B + 1, nil
			})
			err := runInit(context.Background(), &bytes.Buffer{}, boot, tbl.req, wrong)
			if tbl.code == 0 {
				assert.NoError(t, err)
				return
			}
			var exitErr *exitError
			require.True(t, errors.As(err, &exitErr), "unexpected error: %v", err)
			assert.Equal(t, tbl.code, exitErr.code)
		})
	}
}

func TestRunBadConfig(t *testing.T) {
	t.Parallel()
	p := filepath.Join(t.TempDir(), "fleetcoord.yaml")
	require.NoError(t, os.WriteFile(p, []byte("rpc:\n  port: -1\n"), 0o600))
	assert.Equal(t, 2, run(context.Background(), []string{"peers", "--config", p}))
}

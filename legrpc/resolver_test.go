package legrpc

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/resolver"
	"google.golang.org/grpc/serviceconfig"

	"github.com/vimeo/fleetcoord"
	"github.com/vimeo/fleetcoord/coord"
	"github.com/vimeo/fleetcoord/memory"
	"github.com/vimeo/fleetcoord/txnrpc"
)

// partially copied from the ServiceConfig doc
// https://github.com/grpc/grpc/blob/master/doc/service_config.md#example
const unsimpleSC = `
{
  "methodConfig": [
    {
      "name": [
        { "service": "foo", "method": "bar" },
        { "service": "baz" }
      ],
      "timeout": "10.000000000s"
    }
  ]
}
`

func TestGRPCResolver(t *testing.T) {
	for _, itbl := range []struct {
		name      string
		sc        string
		checkConn func(t testing.TB, conn *grpc.ClientConn)
	}{
		{
			name: "simple",
		},
		{
			name: "withMethodConfig",
			sc:   unsimpleSC,
			checkConn: func(t testing.TB, conn *grpc.ClientConn) {
				mc := conn.GetMethodConfig("/foo/bar")
				if mc.Timeout == nil {
					t.Error("no timeout set for /foo/bar")
					return
				}
				if *mc.Timeout != time.Second*10 {
					t.Errorf("unexpected timeout for /foo/bar: %s; expected %s",
						*mc.Timeout, 10*time.Second)
				}
			},
		},
	} {
		tbl := itbl
		t.Run(tbl.name, func(t *testing.T) {
			t.Parallel()
			wg := sync.WaitGroup{}
			defer wg.Wait()
			ctx, cancel := context.WithTimeout(context.Background(), time.Second*10)
			defer cancel()

			l, listenErr := net.Listen("tcp", "localhost:0")
			if listenErr != nil {
				t.Fatalf("failed to create listener: %s", listenErr)
			}

			gsrv := grpc.NewServer()
			txnrpc.NewServer(txnrpc.TxnSourceFunc(func() (int64, error) { return 42, nil }), nil).Register(gsrv)

			wg.Add(1)
			go func() {
				defer wg.Done()
				if err := gsrv.Serve(l); err != nil {
					t.Errorf("ungraceful exit of grpc server: %s", err)
				}
			}()
			defer gsrv.GracefulStop()

			tree := memory.NewTree()
			n, nodeErr := fleetcoord.NewNode(fleetcoord.Config{
				Coordinator: tree.NewSession(),
				Address:     l.Addr().String(),
				Campaign:    true,
				RetryDelay:  10 * time.Millisecond,
			})
			if nodeErr != nil {
				t.Fatalf("failed to construct node: %s", nodeErr)
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				if err := n.Run(ctx); err != nil && err != context.Canceled && err != context.DeadlineExceeded {
					t.Errorf("node failed: %s", err)
				}
			}()
			defer cancel()

			for n.Self().ID == "" {
				if ctx.Err() != nil {
					t.Fatalf("node never registered")
				}
				time.Sleep(time.Millisecond)
			}
			// make the node the only replica so it may lead
			operator := tree.NewSession()
			defer operator.Close()
			if _, err := operator.Create(ctx, fleetcoord.DefaultReplicasPath, []byte(n.Self().ID), coord.Persistent); err != nil {
				t.Fatalf("failed to create replica set: %s", err)
			}

			rb := NewResolverBuilder(n, tbl.sc)

			conn, dialErr := grpc.DialContext(ctx, Scheme+":///leader", grpc.WithResolvers(rb), grpc.WithBlock(),
				grpc.WithTransportCredentials(insecure.NewCredentials()))
			if dialErr != nil {
				t.Fatalf("failed to dial request: %s", dialErr)
			}
			defer conn.Close()

			txn, callErr := txnrpc.LastTxn(ctx, conn)
			if callErr != nil {
				t.Errorf("failed to send request: %s", callErr)
			}
			if txn != 42 {
				t.Errorf("unexpected last txn: got %d; want %d", txn, 42)
			}
			if tbl.checkConn != nil {
				tbl.checkConn(t, conn)
			}
		})
	}
}

type fakeSource struct {
	mu      sync.Mutex
	addr    string
	changes chan struct{}
}

func (f *fakeSource) LeaderAddress() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.addr
}

func (f *fakeSource) SubscribeLeader() (<-chan struct{}, func()) {
	return f.changes, func() {}
}

func (f *fakeSource) set(addr string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.addr = addr
}

// recordingConn captures the states pushed by a Resolver.
type recordingConn struct {
	resolver.ClientConn
	states chan resolver.State
}

func (r *recordingConn) UpdateState(s resolver.State) error {
	r.states <- s
	return nil
}

func (r *recordingConn) ParseServiceConfig(string) *serviceconfig.ParseResult {
	return nil
}

func nextState(t testing.TB, ch <-chan resolver.State) resolver.State {
	t.Helper()
	select {
	case s := <-ch:
		return s
	case <-time.After(10 * time.Second):
		t.Fatalf("timed out waiting for resolver state")
	}
	return resolver.State{}
}

func TestResolverFollowsLeader(t *testing.T) {
	t.Parallel()
	src := &fakeSource{changes: make(chan struct{})}
	cc := &recordingConn{states: make(chan resolver.State, 4)}

	r, buildErr := NewResolverBuilder(src, "").Build(resolver.Target{}, cc, resolver.BuildOptions{})
	if buildErr != nil {
		t.Fatalf("failed to build resolver: %s", buildErr)
	}
	defer r.Close()

	if s := nextState(t, cc.states); len(s.Addresses) != 0 {
		t.Errorf("unexpected addresses without a leader: %v", s.Addresses)
	}

	src.set("10.0.0.2:7000")
	src.changes <- struct{}{}
	if s := nextState(t, cc.states); len(s.Addresses) != 1 || s.Addresses[0].Addr != "10.0.0.2:7000" {
		t.Errorf("unexpected addresses: got %v; want [10.0.0.2:7000]", s.Addresses)
	}

	src.set("")
	r.ResolveNow(resolver.ResolveNowOptions{})
	if s := nextState(t, cc.states); len(s.Addresses) != 0 {
		t.Errorf("unexpected addresses after leader loss: %v", s.Addresses)
	}
}

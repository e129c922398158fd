// Package legrpc provides a gRPC resolver that keeps a client connection
// pointed at the fleet's current leader.
package legrpc

import (
	"context"
	"sync"

	"google.golang.org/grpc/resolver"
)

// Scheme is the target scheme handled by ResolverBuilder, e.g.
// "fleetcoord:///leader".
const Scheme = "fleetcoord"

// LeaderSource supplies the leader's RPC address and signals when it may
// have changed. *fleetcoord.Node implements it.
type LeaderSource interface {
	// LeaderAddress returns an empty string if there's no leader.
	LeaderAddress() string
	SubscribeLeader() (<-chan struct{}, func())
}

// Resolver implements google.golang.org/grpc/resolver.Resolver
type Resolver struct {
	cc        resolver.ClientConn
	src       LeaderSource
	sc        string
	cancel    context.CancelFunc
	unsub     func()
	reresolve chan struct{}
	wg        sync.WaitGroup
}

// ResolveNow will be called by gRPC to try to resolve the target name
// again. It's just a hint, resolver can ignore this if it's not necessary.
//
// It could be called multiple times concurrently.
func (r *Resolver) ResolveNow(_ resolver.ResolveNowOptions) {
	// do a non-blocking write to the reresolve channel
	select {
	case r.reresolve <- struct{}{}:
	default:
	}
}

// update pushes the current leader to the ClientConn. With no leader the
// address list is empty, and the ClientConn fails RPCs until one shows up.
func (r *Resolver) update() {
	state := resolver.State{}
	if addr := r.src.LeaderAddress(); addr != "" {
		state.Addresses = []resolver.Address{{
			Addr: addr,
			// this field intentionally left blank (per advice in
			// the library's docstring)
			ServerName: "",
		}}
	}
	if r.sc != "" {
		state.ServiceConfig = r.cc.ParseServiceConfig(r.sc)
	}
	// an error here means the balancer rejected an empty address list;
	// it'll call ResolveNow again
	_ = r.cc.UpdateState(state)
}

func (r *Resolver) run(ctx context.Context, changes <-chan struct{}) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-changes:
		case <-r.reresolve:
		}
		r.update()
	}
}

// Close closes the resolver.
func (r *Resolver) Close() {
	// cancel the watching goroutine's context and await the exit
	r.cancel()
	r.wg.Wait()
	r.unsub()
}

// ResolverBuilder implements google.golang.org/grpc/resolver.Builder
type ResolverBuilder struct {
	src           LeaderSource
	serviceConfig string
}

// NewResolverBuilder creates a new ResolverBuilder following src's leader.
// serviceConfig, if non-empty, is a JSON service config applied to every
// connection built from it.
func NewResolverBuilder(src LeaderSource, serviceConfig string) *ResolverBuilder {
	return &ResolverBuilder{
		src:           src,
		serviceConfig: serviceConfig,
	}
}

// Build creates a new resolver for the given target.
//
// gRPC dial calls Build synchronously, and fails if the returned error is
// not nil.
// This implementation ignores the target; every connection follows the
// leader.
func (r *ResolverBuilder) Build(target resolver.Target, cc resolver.ClientConn, opts resolver.BuildOptions) (resolver.Resolver, error) {
	ctx, cancel := context.WithCancel(context.Background())
	changes, unsub := r.src.SubscribeLeader()
	res := &Resolver{
		cc:        cc,
		src:       r.src,
		sc:        r.serviceConfig,
		cancel:    cancel,
		unsub:     unsub,
		reresolve: make(chan struct{}, 1),
	}
	res.update()

	res.wg.Add(1)
	go func() {
		defer res.wg.Done()
		res.run(ctx, changes)
	}()
	return res, nil
}

// Scheme returns the scheme supported by this resolver.
// Scheme is defined at https://github.com/grpc/grpc/blob/master/doc/naming.md.
func (r *ResolverBuilder) Scheme() string {
	return Scheme
}

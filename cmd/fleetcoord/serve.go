package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/spf13/cobra"
	"google.golang.org/grpc"

	"github.com/vimeo/fleetcoord"
	"github.com/vimeo/fleetcoord/admin"
	"github.com/vimeo/fleetcoord/config"
	"github.com/vimeo/fleetcoord/entry"
	"github.com/vimeo/fleetcoord/txnrpc"
	"github.com/vimeo/fleetcoord/txnstore"
)

func newServeCmd(a *app) *cobra.Command {
	initialize := false
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run a replica's coordination process",
		Long: `Registers this replica, answers peers' last-transaction queries, follows
the replica set and competes for leadership; serves the admin API.

Examples:
  # Start a replica against a local ensemble
  fleetcoord serve --servers=127.0.0.1:2181

  # Start a replica that initializes the replica set if none exists
  fleetcoord serve --initialize`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := a.load()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, a, cfg, logger, initialize)
		},
	}
	cmd.Flags().BoolVar(&initialize, "initialize", false,
		"once registered, initialize the replica set from the most up-to-date peer if it doesn't exist")
	cmd.Flags().Bool("campaign", true, "compete for leadership")
	if err := a.v.BindPFlag("node.campaign", cmd.Flags().Lookup("campaign")); err != nil {
		panic(err)
	}
	return cmd
}

func serve(ctx context.Context, a *app, cfg *config.Config, logger hclog.Logger, initialize bool) error {
	address, addrErr := resolveAddress(cfg)
	if addrErr != nil {
		return addrErr
	}

	store, storeErr := txnstore.Open(cfg.Store.Dir, cfg.Store.InMemory)
	if storeErr != nil {
		return storeErr
	}
	defer store.Close()

	lis, listenErr := net.Listen("tcp", fmt.Sprintf(":%d", cfg.RPC.Port))
	if listenErr != nil {
		return fmt.Errorf("failed to listen for RPCs: %w", listenErr)
	}
	gsrv := grpc.NewServer()
	txnrpc.NewServer(store, logger).Register(gsrv)

	sess, connErr := a.connect(ctx, cfg, logger)
	if connErr != nil {
		lis.Close()
		return connErr
	}
	defer sess.Close()

	n, nodeErr := fleetcoord.NewNode(fleetcoord.Config{
		Coordinator:  sess,
		PeersPath:    cfg.Coordination.PeersPath,
		LeaderPath:   cfg.Coordination.LeaderPath,
		ReplicasPath: cfg.Coordination.ReplicasPath,
		Name:         cfg.Node.Name,
		Address:      address,
		Description:  cfg.Node.Description,
		Campaign:     cfg.Node.Campaign,
		OnElected: func(ctx context.Context) {
			logger.Info("elected leader")
		},
		OnOusting: func(ctx context.Context) {
			logger.Warn("no longer leader")
		},
		LeaderChanged: func(ctx context.Context, l entry.Leader) {
			logger.Info("leader changed", "leader", l.Peer, "zxid", l.Zxid)
		},
		Querier:      txnrpc.NewClient(),
		QueryTimeout: cfg.RPC.QueryTimeout,
		RetryDelay:   cfg.Coordination.RetryDelay,
		Logger:       logger,
	})
	if nodeErr != nil {
		lis.Close()
		return nodeErr
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	wg := sync.WaitGroup{}
	defer wg.Wait()

	wg.Add(1)
	go func() {
		defer wg.Done()
		logger.Info("serving peer RPCs", "address", lis.Addr().String(), "advertised", address)
		if err := gsrv.Serve(lis); err != nil {
			logger.Error("RPC server failed", "error", err)
			cancel()
		}
	}()
	defer gsrv.GracefulStop()

	if cfg.Admin.Listen != "" {
		adm, admErr := admin.New(admin.Config{
			Fleet:          n,
			ConfirmTimeout: cfg.Admin.ConfirmTimeout,
			Logger:         logger,
		})
		if admErr != nil {
			return admErr
		}
		defer adm.Close()
		adminLis, admListenErr := net.Listen("tcp", cfg.Admin.Listen)
		if admListenErr != nil {
			return fmt.Errorf("failed to listen for admin API: %w", admListenErr)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := adm.Serve(runCtx, adminLis); err != nil {
				logger.Error("admin API failed", "error", err)
				cancel()
			}
		}()
	}

	if initialize {
		wg.Add(1)
		go func() {
			defer wg.Done()
			initializeWhenRegistered(runCtx, n, logger)
		}()
	}

	runErr := n.Run(runCtx)
	cancel()
	switch {
	case errors.Is(runErr, fleetcoord.ErrSessionLost):
		return &exitError{code: 2, err: runErr}
	case runErr != nil && ctx.Err() == nil:
		return runErr
	}
	logger.Info("shutting down")
	return nil
}

// initializeWhenRegistered runs a bootstrap (without override) once the
// node's registration is visible.
func initializeWhenRegistered(ctx context.Context, n *fleetcoord.Node, logger hclog.Logger) {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for n.Self().ID == "" || len(n.Peers()) == 0 {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
	res, err := n.Bootstrap(ctx, fleetcoord.BootstrapRequest{Initialize: true}, nil)
	if err != nil {
		logger.Error("failed to initialize replica set", "error", err)
		return
	}
	logger.Info("initialization finished", "outcome", res.Outcome.String(),
		"replicas", res.Replicas.Replicas.String())
}

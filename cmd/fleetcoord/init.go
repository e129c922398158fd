package main

import (
	"context"
	"fmt"
	"io"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"

	"github.com/hashicorp/go-hclog"
	"github.com/spf13/cobra"

	"github.com/vimeo/fleetcoord"
	"github.com/vimeo/fleetcoord/config"
	"github.com/vimeo/fleetcoord/entry"
	"github.com/vimeo/fleetcoord/txnrpc"
	"github.com/vimeo/fleetcoord/zookeeper"
)

func newBootstrapper(cfg *config.Config, sess *zookeeper.Session, logger hclog.Logger) (*fleetcoord.Bootstrapper, error) {
	dir := fleetcoord.NewDirectory(fleetcoord.DirectoryConfig{
		Coordinator: sess,
		Path:        cfg.Coordination.PeersPath,
		RetryDelay:  cfg.Coordination.RetryDelay,
		Logger:      logger,
	})
	return fleetcoord.NewBootstrapper(fleetcoord.BootstrapConfig{
		Coordinator:  sess,
		Directory:    dir,
		Querier:      txnrpc.NewClient(),
		ReplicasPath: cfg.Coordination.ReplicasPath,
		QueryTimeout: cfg.RPC.QueryTimeout,
		RetryDelay:   cfg.Coordination.RetryDelay,
		Logger:       logger,
	})
}

func newInitCmd(a *app) *cobra.Command {
	initialize := false
	override := []string{}
	allowNonTerminal := false
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Report on, or initialize, the fleet's replica set",
		Long: `Asks every registered peer for its last transaction and reports them
along with the current replica set. With --initialize, creates the replica
set from the most up-to-date peer if it doesn't exist yet.

If no peer answers, --break-the-world forces the given replica set after an
interactive confirmation.

Exit status is 0 on success, 1 when an override was refused because the
replica set exists, and 2 on any failure to initialize.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := a.load()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			sess, connErr := a.connect(ctx, cfg, logger)
			if connErr != nil {
				return connErr
			}
			defer sess.Close()

			boot, bootErr := newBootstrapper(cfg, sess, logger)
			if bootErr != nil {
				return bootErr
			}
			confirmer := fleetcoord.NewPromptConfirmer()
			confirmer.In = cmd.InOrStdin()
			confirmer.Out = cmd.OutOrStdout()
			confirmer.AllowNonTerminal = allowNonTerminal

			req := fleetcoord.BootstrapRequest{
				Initialize: initialize,
				Override:   entry.ParseReplicaSet(strings.Join(override, ",")),
			}
			return runInit(ctx, cmd.OutOrStdout(), boot, req, confirmer)
		},
	}
	cmd.Flags().BoolVar(&initialize, "initialize", false, "create the replica set if it doesn't exist")
	cmd.Flags().StringSliceVar(&override, "break-the-world", nil,
		"replica set to force when no peer answers (comma-separated peer ids); requires confirmation")
	cmd.Flags().BoolVar(&allowNonTerminal, "allow-non-terminal", false,
		"accept the confirmation answer from a non-terminal stdin")
	return cmd
}

func runInit(ctx context.Context, out io.Writer, boot *fleetcoord.Bootstrapper, req fleetcoord.BootstrapRequest, confirm fleetcoord.Confirmer) error {
	res, err := boot.Bootstrap(ctx, req, confirm)
	if err != nil {
		return &exitError{code: 2, err: err}
	}
	printScan(out, res.Scan)
	if res.Replicas.Exists() {
		fmt.Fprintf(out, "replicas: %s (version %d)\n", res.Replicas.Replicas, res.Replicas.Version)
	} else {
		fmt.Fprintln(out, "replicas: not initialized")
	}
	fmt.Fprintf(out, "outcome: %s\n", res.Outcome)
	if code := res.Outcome.ExitCode(); code != 0 {
		return &exitError{code: code}
	}
	return nil
}

func printScan(out io.Writer, sr fleetcoord.ScanResult) {
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "PEER\tADDRESS\tLAST TXN\tDESCRIPTION")
	for _, p := range sr.Peers {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\n", p.Peer.ID, p.Peer.Address, p.LastTxn, p.Peer.Description)
	}
	tw.Flush()
	if sr.Answered() {
		fmt.Fprintf(out, "most up-to-date: %s (last txn %d)\n", sr.Best, sr.BestTxn)
	}
}

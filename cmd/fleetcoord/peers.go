package main

import (
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

func newPeersCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "peers",
		Short: "List registered peers with their last transaction",
		Long: `Lists every registered peer with its last transaction number; -100 marks
a peer that didn't answer.`,
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
			sr, scanErr := boot.ScanPeers(ctx)
			if scanErr != nil {
				return scanErr
			}
			printScan(cmd.OutOrStdout(), sr)
			return nil
		},
	}
}

package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/hashicorp/go-hclog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/vimeo/fleetcoord"
	"github.com/vimeo/fleetcoord/config"
	"github.com/vimeo/fleetcoord/zookeeper"
)

// exitError carries a specific process exit status out of a command.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string {
	if e.err == nil {
		return fmt.Sprintf("exit status %d", e.code)
	}
	return e.err.Error()
}

func (e *exitError) Unwrap() error {
	return e.err
}

type app struct {
	v          *viper.Viper
	configPath string
}

func newRootCmd() *cobra.Command {
	a := &app{v: config.New()}
	root := &cobra.Command{
		Use:   "fleetcoord",
		Short: "Fleet coordination over ZooKeeper",
		Long: `Coordinates a fleet of replicas through ZooKeeper: peer registration,
leader election, the versioned replica set and bootstrapping a new fleet.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	pf := root.PersistentFlags()
	pf.StringVarP(&a.configPath, "config", "c", "", "config file (default ./fleetcoord.yaml or /etc/fleetcoord/fleetcoord.yaml)")
	pf.StringSlice("servers", nil, "ZooKeeper servers (host:port, comma-separated)")
	pf.String("log-level", "", "log level (trace, debug, info, warn, error)")
	for key, flag := range map[string]string{
		"coordination.servers": "servers",
		"logging.level":        "log-level",
	} {
		if err := a.v.BindPFlag(key, pf.Lookup(flag)); err != nil {
			panic(err)
		}
	}

	root.AddCommand(newServeCmd(a), newInitCmd(a), newPeersCmd(a))
	return root
}

func (a *app) load() (*config.Config, hclog.Logger, error) {
	cfg, err := config.Load(a.v, a.configPath)
	if err != nil {
		return nil, nil, err
	}
	return cfg, cfg.Logging.NewLogger(os.Stderr), nil
}

func (a *app) connect(ctx context.Context, cfg *config.Config, logger hclog.Logger) (*zookeeper.Session, error) {
	sess, err := zookeeper.Connect(ctx, zookeeper.Config{
		Servers:        cfg.Coordination.Servers,
		SessionTimeout: cfg.Coordination.SessionTimeout,
		Logger:         logger,
	})
	if err != nil {
		return nil, &exitError{code: 2, err: err}
	}
	return sess, nil
}

// resolveAddress picks the address peers should use for this process.
func resolveAddress(cfg *config.Config) (string, error) {
	if cfg.Node.Address != "" {
		return cfg.Node.Address, nil
	}
	port := fmt.Sprint(cfg.RPC.Port)
	addr, routeErr := fleetcoord.SelfAddress(cfg.Coordination.Servers[0], port)
	if routeErr == nil {
		return addr, nil
	}
	candidates, ifErr := fleetcoord.SelfHostPorts(port)
	if ifErr != nil || len(candidates) == 0 {
		return "", fmt.Errorf("failed to determine node.address (%s); set it explicitly", errors.Join(routeErr, ifErr))
	}
	return candidates[0], nil
}

package config

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vimeo/fleetcoord"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "fleetcoord.yaml")
	require.NoError(t, os.WriteFile(p, []byte(body), 0o600))
	return p
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(New(), "")
	require.NoError(t, err)

	assert.Equal(t, []string{"127.0.0.1:2181"}, cfg.Coordination.Servers)
	assert.Equal(t, 3*time.Second, cfg.Coordination.SessionTimeout)
	assert.Equal(t, fleetcoord.DefaultPeersPath, cfg.Coordination.PeersPath)
	assert.Equal(t, fleetcoord.DefaultLeaderPath, cfg.Coordination.LeaderPath)
	assert.Equal(t, fleetcoord.DefaultReplicasPath, cfg.Coordination.ReplicasPath)
	assert.Equal(t, fleetcoord.DefaultRetryDelay, cfg.Coordination.RetryDelay)
	assert.True(t, cfg.Node.Campaign)
	assert.Equal(t, 7000, cfg.RPC.Port)
	assert.Equal(t, fleetcoord.DefaultQueryTimeout, cfg.RPC.QueryTimeout)
	assert.Equal(t, time.Minute, cfg.Admin.ConfirmTimeout)
	assert.Equal(t, "info", cfg.Logging.Level)
}

func TestLoadFileAndEnv(t *testing.T) {
	p := writeConfig(t, `
coordination:
  servers: ["zk1:2181", "zk2:2181"]
  session_timeout: 10s
  peers_path: /fleet/peers
  leader_path: /fleet/leader
  replicas_path: /fleet/replicas
node:
  name: db
  description: primary datacenter
  campaign: false
rpc:
  port: 9000
store:
  in_memory: true
  dir: ""
logging:
  level: debug
  format: json
`)
	t.Setenv("FLEETCOORD_RPC_QUERY_TIMEOUT", "750ms")
	t.Setenv("FLEETCOORD_NODE_ADDRESS", "10.1.2.3:9000")

	cfg, err := Load(New(), p)
	require.NoError(t, err)
	assert.Equal(t, []string{"zk1:2181", "zk2:2181"}, cfg.Coordination.Servers)
	assert.Equal(t, 10*time.Second, cfg.Coordination.SessionTimeout)
	assert.Equal(t, "/fleet/replicas", cfg.Coordination.ReplicasPath)
	assert.Equal(t, "db", cfg.Node.Name)
	assert.False(t, cfg.Node.Campaign)
	assert.Equal(t, "10.1.2.3:9000", cfg.Node.Address)
	assert.Equal(t, 9000, cfg.RPC.Port)
	assert.Equal(t, 750*time.Millisecond, cfg.RPC.QueryTimeout)
	assert.True(t, cfg.Store.InMemory)

	buf := bytes.Buffer{}
	cfg.Logging.NewLogger(&buf).Debug("hello", "peer", "peer-0000000001")
	assert.True(t, strings.HasPrefix(buf.String(), "{"), "expected JSON output, got %q", buf.String())
	assert.Contains(t, buf.String(), "peer-0000000001")
}

func TestLoadMissingExplicitFile(t *testing.T) {
	_, err := Load(New(), filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	t.Parallel()
	valid := func() Config {
		return Config{
			Coordination: CoordinationConfig{
				Servers:        []string{"zk:2181"},
				SessionTimeout: time.Second,
				PeersPath:      "/peers",
				LeaderPath:     "/leader",
				ReplicasPath:   "/replicas",
				RetryDelay:     time.Second,
			},
			Node:    NodeConfig{Name: "peer"},
			RPC:     RPCConfig{Port: 7000, QueryTimeout: time.Second},
			Admin:   AdminConfig{ConfirmTimeout: time.Second},
			Store:   StoreConfig{Dir: "/var/lib/fleetcoord"},
			Logging: LoggingConfig{Level: "info", Format: "text"},
		}
	}
	for _, tbl := range []struct {
		name   string
		mutate func(c *Config)
		errMsg string
	}{
		{name: "valid", mutate: func(c *Config) {}},
		{name: "blank_servers", mutate: func(c *Config) { c.Coordination.Servers = []string{" ", ""} }, errMsg: "coordination.servers"},
		{name: "relative_path", mutate: func(c *Config) { c.Coordination.LeaderPath = "leader" }, errMsg: "leader_path"},
		{name: "root_path", mutate: func(c *Config) { c.Coordination.PeersPath = "/" }, errMsg: "peers_path"},
		{name: "same_paths", mutate: func(c *Config) { c.Coordination.ReplicasPath = "/leader" }, errMsg: "must differ"},
		{name: "nested_in_peers", mutate: func(c *Config) { c.Coordination.LeaderPath = "/peers/leader" }, errMsg: "inside"},
		{name: "slash_in_name", mutate: func(c *Config) { c.Node.Name = "a/b" }, errMsg: "node.name"},
		{name: "bad_port", mutate: func(c *Config) { c.RPC.Port = 70000 }, errMsg: "rpc.port"},
		{name: "no_store_dir", mutate: func(c *Config) { c.Store.Dir = "" }, errMsg: "store.dir"},
		{name: "in_memory_store", mutate: func(c *Config) { c.Store = StoreConfig{InMemory: true} }},
		{name: "bad_level", mutate: func(c *Config) { c.Logging.Level = "loud" }, errMsg: "logging.level"},
		{name: "bad_format", mutate: func(c *Config) { c.Logging.Format = "xml" }, errMsg: "logging.format"},
	} {
		tbl := tbl
		t.Run(tbl.name, func(t *testing.T) {
			t.Parallel()
			c := valid()
			tbl.mutate(&c)
			err := c.Validate()
			if tbl.errMsg == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tbl.errMsg)
		})
	}
}

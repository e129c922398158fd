// Package config loads the fleetcoord process configuration from a YAML
// file, FLEETCOORD_-prefixed environment variables and defaults.
package config

import (
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/spf13/viper"

	"github.com/vimeo/fleetcoord"
)

// EnvPrefix prefixes every environment override, e.g.
// FLEETCOORD_COORDINATION_SERVERS.
const EnvPrefix = "FLEETCOORD"

// Config represents the process configuration
type Config struct {
	Coordination CoordinationConfig `mapstructure:"coordination"`
	Node         NodeConfig         `mapstructure:"node"`
	RPC          RPCConfig          `mapstructure:"rpc"`
	Admin        AdminConfig        `mapstructure:"admin"`
	Store        StoreConfig        `mapstructure:"store"`
	Logging      LoggingConfig      `mapstructure:"logging"`
}

// CoordinationConfig locates the coordination service and the fleet's
// nodes within it.
type CoordinationConfig struct {
	Servers        []string      `mapstructure:"servers"`
	SessionTimeout time.Duration `mapstructure:"session_timeout"`
	PeersPath      string        `mapstructure:"peers_path"`
	LeaderPath     string        `mapstructure:"leader_path"`
	ReplicasPath   string        `mapstructure:"replicas_path"`
	RetryDelay     time.Duration `mapstructure:"retry_delay"`
}

// NodeConfig describes the local replica.
type NodeConfig struct {
	Name        string `mapstructure:"name"`
	Description string `mapstructure:"description"`
	// Address peers use to reach the RPC server; detected from the route
	// to the first coordination server if empty.
	Address  string `mapstructure:"address"`
	Campaign bool   `mapstructure:"campaign"`
}

// RPCConfig configures the peer RPC server and client.
type RPCConfig struct {
	Port         int           `mapstructure:"port"`
	QueryTimeout time.Duration `mapstructure:"query_timeout"`
}

// AdminConfig configures the operator HTTP API. An empty Listen disables
// it.
type AdminConfig struct {
	Listen         string        `mapstructure:"listen"`
	ConfirmTimeout time.Duration `mapstructure:"confirm_timeout"`
}

// StoreConfig locates the local transaction store.
type StoreConfig struct {
	Dir      string `mapstructure:"dir"`
	InMemory bool   `mapstructure:"in_memory"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// New returns a viper instance with the defaults and environment binding
// in place. Callers may bind command-line flags to it before Load.
func New() *viper.Viper {
	v := viper.New()
	v.SetConfigName("fleetcoord")
	v.SetConfigType("yaml")
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("coordination.servers", []string{"127.0.0.1:2181"})
	v.SetDefault("coordination.session_timeout", 3*time.Second)
	v.SetDefault("coordination.peers_path", fleetcoord.DefaultPeersPath)
	v.SetDefault("coordination.leader_path", fleetcoord.DefaultLeaderPath)
	v.SetDefault("coordination.replicas_path", fleetcoord.DefaultReplicasPath)
	v.SetDefault("coordination.retry_delay", fleetcoord.DefaultRetryDelay)

	v.SetDefault("node.name", "peer")
	v.SetDefault("node.description", "")
	v.SetDefault("node.address", "")
	v.SetDefault("node.campaign", true)

	v.SetDefault("rpc.port", 7000)
	v.SetDefault("rpc.query_timeout", fleetcoord.DefaultQueryTimeout)

	v.SetDefault("admin.listen", "127.0.0.1:7080")
	v.SetDefault("admin.confirm_timeout", time.Minute)

	v.SetDefault("store.dir", "./data")
	v.SetDefault("store.in_memory", false)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
}

// Load reads configPath (or fleetcoord.yaml from the usual directories if
// empty; a missing file is fine in that case) into a validated Config.
func Load(v *viper.Viper, configPath string) (*Config, error) {
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/fleetcoord")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configPath != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	cfg := Config{}
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func checkPath(key, p string) error {
	if !strings.HasPrefix(p, "/") || p == "/" || path.Clean(p) != p {
		return fmt.Errorf("%s must be a clean absolute path other than the root, got %q", key, p)
	}
	return nil
}

// Validate checks the configuration for values the process can't run with.
func (c *Config) Validate() error {
	servers := c.Coordination.Servers[:0]
	for _, s := range c.Coordination.Servers {
		if s = strings.TrimSpace(s); s != "" {
			servers = append(servers, s)
		}
	}
	c.Coordination.Servers = servers
	if len(servers) == 0 {
		return fmt.Errorf("coordination.servers must list at least one server")
	}
	if c.Coordination.SessionTimeout <= 0 {
		return fmt.Errorf("coordination.session_timeout must be positive")
	}
	if c.Coordination.RetryDelay <= 0 {
		return fmt.Errorf("coordination.retry_delay must be positive")
	}
	paths := map[string]string{}
	for _, kp := range [...][2]string{
		{"coordination.peers_path", c.Coordination.PeersPath},
		{"coordination.leader_path", c.Coordination.LeaderPath},
		{"coordination.replicas_path", c.Coordination.ReplicasPath},
	} {
		if err := checkPath(kp[0], kp[1]); err != nil {
			return err
		}
		if other, dup := paths[kp[1]]; dup {
			return fmt.Errorf("%s and %s must differ (both %q)", other, kp[0], kp[1])
		}
		paths[kp[1]] = kp[0]
	}
	for key, p := range map[string]string{
		"coordination.leader_path":   c.Coordination.LeaderPath,
		"coordination.replicas_path": c.Coordination.ReplicasPath,
	} {
		if strings.HasPrefix(p, c.Coordination.PeersPath+"/") {
			return fmt.Errorf("%s must not live inside coordination.peers_path", key)
		}
	}
	if strings.Contains(c.Node.Name, "/") {
		return fmt.Errorf("node.name must not contain '/'")
	}
	if c.RPC.Port <= 0 || c.RPC.Port > 65535 {
		return fmt.Errorf("rpc.port %d out of range", c.RPC.Port)
	}
	if c.RPC.QueryTimeout <= 0 {
		return fmt.Errorf("rpc.query_timeout must be positive")
	}
	if c.Admin.ConfirmTimeout <= 0 {
		return fmt.Errorf("admin.confirm_timeout must be positive")
	}
	if !c.Store.InMemory && c.Store.Dir == "" {
		return fmt.Errorf("store.dir is required unless store.in_memory is set")
	}
	if hclog.LevelFromString(c.Logging.Level) == hclog.NoLevel {
		return fmt.Errorf("unknown logging.level %q", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format must be text or json, got %q", c.Logging.Format)
	}
	return nil
}

// NewLogger builds the root logger described by the logging section.
func (l LoggingConfig) NewLogger(w io.Writer) hclog.Logger {
	return hclog.New(&hclog.LoggerOptions{
		Name:       "fleetcoord",
		Level:      hclog.LevelFromString(l.Level),
		JSONFormat: l.Format == "json",
		Output:     w,
	})
}

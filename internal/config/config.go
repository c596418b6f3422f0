// Package config handles configuration loading and validation for chunkgrid.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/chunkgrid/chunkgrid/internal/objstore"
)

// Node roles.
const (
	RoleCoordinator = "coordinator"
	RoleData        = "data"
	RoleService     = "service"
)

// Backend kinds.
const (
	BackendFile  = "file"
	BackendS3    = "s3"
	BackendAzure = "azure"
)

// BackendConfig selects and configures the object storage backend. Exactly
// one backend is active per process.
type BackendConfig struct {
	Kind    string               `yaml:"kind"` // file, s3 or azure
	RootDir string               `yaml:"root_dir"`
	S3      objstore.S3Config    `yaml:"s3"`
	Azure   objstore.AzureConfig `yaml:"azure"`
}

// ClusterConfig tunes membership tracking. Durations are strings ("10s").
type ClusterConfig struct {
	TargetDataNodes    int    `yaml:"target_data_nodes"`
	TargetServiceNodes int    `yaml:"target_service_nodes"`
	SuspectAfter       string `yaml:"suspect_after"`
	DeadAfter          string `yaml:"dead_after"`
	SweepInterval      string `yaml:"sweep_interval"`
	HeartbeatInterval  string `yaml:"heartbeat_interval"`
}

// FanoutConfig tunes the service node's chunk crawler.
type FanoutConfig struct {
	Workers       int    `yaml:"workers"`
	MaxRetries    int    `yaml:"max_retries"`
	DegradedExtra int    `yaml:"degraded_extra"`
	BackoffBase   string `yaml:"backoff_base"`
	MaxBackoff    string `yaml:"max_backoff"`
	Jitter        string `yaml:"jitter"`
}

// Config is the full process configuration for any role.
type Config struct {
	Role        string        `yaml:"role"`
	NodeID      string        `yaml:"node_id"` // optional stable identity
	Listen      string        `yaml:"listen"`
	Advertise   string        `yaml:"advertise"`
	Coordinator string        `yaml:"coordinator"` // host:port, data/service roles
	Bucket      string        `yaml:"bucket"`      // key prefix scoping everything
	Compress    bool          `yaml:"compress"`    // zstd chunk compression at rest
	Backend     BackendConfig `yaml:"backend"`
	Cluster     ClusterConfig `yaml:"cluster"`
	Fanout      FanoutConfig  `yaml:"fanout"`
}

// Load reads the config file (optional: empty path loads pure defaults),
// applies defaults and environment overrides, and validates.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	cfg.applyDefaults()
	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Role == "" {
		c.Role = RoleService
	}
	if c.Listen == "" {
		switch c.Role {
		case RoleCoordinator:
			c.Listen = ":9100"
		case RoleData:
			c.Listen = ":9101"
		default:
			c.Listen = ":9102"
		}
	}
	if c.Bucket == "" {
		c.Bucket = "chunkgrid"
	}
	if c.Backend.Kind == "" {
		c.Backend.Kind = BackendFile
	}
	if c.Backend.RootDir == "" {
		c.Backend.RootDir = "/var/lib/chunkgrid"
	}
	if c.Cluster.TargetDataNodes == 0 {
		c.Cluster.TargetDataNodes = 1
	}
	if c.Cluster.TargetServiceNodes == 0 {
		c.Cluster.TargetServiceNodes = 1
	}
	if c.Cluster.SuspectAfter == "" {
		c.Cluster.SuspectAfter = "10s"
	}
	if c.Cluster.DeadAfter == "" {
		c.Cluster.DeadAfter = "30s"
	}
	if c.Cluster.SweepInterval == "" {
		c.Cluster.SweepInterval = "1s"
	}
	if c.Cluster.HeartbeatInterval == "" {
		c.Cluster.HeartbeatInterval = "2s"
	}
	if c.Fanout.Workers == 0 {
		c.Fanout.Workers = 8
	}
	if c.Fanout.MaxRetries == 0 {
		c.Fanout.MaxRetries = 3
	}
	if c.Fanout.DegradedExtra == 0 {
		c.Fanout.DegradedExtra = 2
	}
	if c.Fanout.BackoffBase == "" {
		c.Fanout.BackoffBase = "100ms"
	}
	if c.Fanout.MaxBackoff == "" {
		c.Fanout.MaxBackoff = "5s"
	}
	if c.Fanout.Jitter == "" {
		c.Fanout.Jitter = "100ms"
	}
}

// applyEnv layers the deployment environment contract over the file:
// NODE_TYPE selects the role (head_node, dn, sn), and the backend is
// inferred from whichever credentials are present.
func (c *Config) applyEnv() {
	if v := os.Getenv("NODE_TYPE"); v != "" {
		switch v {
		case "head_node":
			c.Role = RoleCoordinator
		case "dn":
			c.Role = RoleData
		case "sn":
			c.Role = RoleService
		default:
			c.Role = v
		}
	}
	if v := os.Getenv("TARGET_DN_COUNT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Cluster.TargetDataNodes = n
		}
	}
	if v := os.Getenv("TARGET_SN_COUNT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Cluster.TargetServiceNodes = n
		}
	}
	if v := os.Getenv("BUCKET_NAME"); v != "" {
		c.Bucket = v
	}
	if v := os.Getenv("ROOT_DIR"); v != "" {
		c.Backend.Kind = BackendFile
		c.Backend.RootDir = v
	}
	if v := os.Getenv("AWS_S3_GATEWAY"); v != "" {
		c.Backend.Kind = BackendS3
		c.Backend.S3.Endpoint = v
	}
	if v := os.Getenv("AWS_ACCESS_KEY_ID"); v != "" {
		c.Backend.S3.AccessKey = v
	}
	if v := os.Getenv("AWS_SECRET_ACCESS_KEY"); v != "" {
		c.Backend.S3.SecretKey = v
	}
	if v := os.Getenv("AZURE_CONNECTION_STRING"); v != "" {
		c.Backend.Kind = BackendAzure
		c.Backend.Azure.ConnectionString = v
	}
}

// Validate checks the configuration for the selected role.
func (c *Config) Validate() error {
	switch c.Role {
	case RoleCoordinator, RoleData, RoleService:
	default:
		return fmt.Errorf("unknown role %q", c.Role)
	}

	if c.Role != RoleCoordinator && c.Coordinator == "" {
		return fmt.Errorf("%s role requires a coordinator address", c.Role)
	}

	switch c.Backend.Kind {
	case BackendFile:
		if c.Backend.RootDir == "" {
			return fmt.Errorf("file backend requires root_dir")
		}
	case BackendS3:
		if c.Backend.S3.Endpoint == "" || c.Backend.S3.Bucket == "" {
			return fmt.Errorf("s3 backend requires endpoint and bucket")
		}
	case BackendAzure:
		if c.Backend.Azure.ConnectionString == "" || c.Backend.Azure.Container == "" {
			return fmt.Errorf("azure backend requires connection string and container")
		}
	default:
		return fmt.Errorf("unknown backend kind %q", c.Backend.Kind)
	}

	for name, v := range map[string]string{
		"suspect_after":      c.Cluster.SuspectAfter,
		"dead_after":         c.Cluster.DeadAfter,
		"sweep_interval":     c.Cluster.SweepInterval,
		"heartbeat_interval": c.Cluster.HeartbeatInterval,
		"backoff_base":       c.Fanout.BackoffBase,
		"max_backoff":        c.Fanout.MaxBackoff,
		"jitter":             c.Fanout.Jitter,
	} {
		if _, err := time.ParseDuration(v); err != nil {
			return fmt.Errorf("invalid duration for %s: %q", name, v)
		}
	}

	suspect, _ := time.ParseDuration(c.Cluster.SuspectAfter)
	dead, _ := time.ParseDuration(c.Cluster.DeadAfter)
	if dead <= suspect {
		return fmt.Errorf("dead_after (%s) must exceed suspect_after (%s)", c.Cluster.DeadAfter, c.Cluster.SuspectAfter)
	}
	return nil
}

// Duration parses a duration string already vetted by Validate.
func Duration(s string) time.Duration {
	d, _ := time.ParseDuration(s)
	return d
}

// chunkgrid is the clustered chunked-array storage service.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/chunkgrid/chunkgrid/internal/chunkstore"
	"github.com/chunkgrid/chunkgrid/internal/cluster"
	"github.com/chunkgrid/chunkgrid/internal/config"
	"github.com/chunkgrid/chunkgrid/internal/coord"
	"github.com/chunkgrid/chunkgrid/internal/datanode"
	"github.com/chunkgrid/chunkgrid/internal/hier"
	"github.com/chunkgrid/chunkgrid/internal/metrics"
	"github.com/chunkgrid/chunkgrid/internal/objstore"
	"github.com/chunkgrid/chunkgrid/internal/servicenode"
	"github.com/chunkgrid/chunkgrid/internal/transport"
)

var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

var (
	cfgFile  string
	logLevel string
	roleFlag string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "chunkgrid",
		Short: "ChunkGrid - clustered chunked-array storage",
		Long: `ChunkGrid stores large multidimensional arrays as chunks spread across a
cluster of data nodes, with a coordinator tracking membership and service
nodes fanning logical reads and writes out to the chunk owners.

Every process runs the same binary in one of three roles:

  chunkgrid serve --role coordinator
  chunkgrid serve --role data --config dn.yaml
  chunkgrid serve --role service --config sn.yaml

The role and backend can also come from the environment (NODE_TYPE,
ROOT_DIR, AWS_S3_GATEWAY, AZURE_CONNECTION_STRING).`,
	}

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().StringVarP(&logLevel, "log-level", "l", "info", "log level")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run a chunkgrid node",
		RunE:  runServe,
	}
	serveCmd.Flags().StringVar(&roleFlag, "role", "", "node role: coordinator, data or service (overrides config)")
	rootCmd.AddCommand(serveCmd)

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("chunkgrid %s\n", Version)
			fmt.Printf("  Commit:     %s\n", Commit)
			fmt.Printf("  Build Time: %s\n", BuildTime)
		},
	}
	rootCmd.AddCommand(versionCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupLogging() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	level, err := zerolog.ParseLevel(logLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
}

func runServe(cmd *cobra.Command, args []string) error {
	setupLogging()

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}
	if roleFlag != "" {
		cfg.Role = roleFlag
		if err := cfg.Validate(); err != nil {
			return err
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metrics.SetBuildInfo(Version, Commit, cfg.Role)

	log.Info().
		Str("version", Version).
		Str("role", cfg.Role).
		Str("listen", cfg.Listen).
		Msg("chunkgrid starting")

	switch cfg.Role {
	case config.RoleCoordinator:
		return runCoordinator(ctx, cfg)
	case config.RoleData:
		return runDataNode(ctx, cfg)
	case config.RoleService:
		return runServiceNode(ctx, cfg)
	default:
		return fmt.Errorf("unknown role %q", cfg.Role)
	}
}

func runCoordinator(ctx context.Context, cfg *config.Config) error {
	srv := coord.NewServer(coord.ServerConfig{
		ListenAddr: cfg.Listen,
		Targets: cluster.Targets{
			Data:    cfg.Cluster.TargetDataNodes,
			Service: cfg.Cluster.TargetServiceNodes,
		},
		SuspectAfter:  config.Duration(cfg.Cluster.SuspectAfter),
		DeadAfter:     config.Duration(cfg.Cluster.DeadAfter),
		SweepInterval: config.Duration(cfg.Cluster.SweepInterval),
		Logger:        log.Logger,
	})
	return srv.Run(ctx)
}

func runDataNode(ctx context.Context, cfg *config.Config) error {
	objects, err := newBackend(ctx, cfg)
	if err != nil {
		return err
	}
	store := chunkstore.New(chunkstore.Config{
		Objects:  objects,
		Prefix:   cfg.Bucket,
		Compress: cfg.Compress,
		Logger:   log.Logger,
	})

	srv := datanode.New(datanode.Config{
		NodeID:            cfg.NodeID,
		ListenAddr:        cfg.Listen,
		AdvertiseAddr:     cfg.Advertise,
		Coordinator:       cfg.Coordinator,
		DataDir:           cfg.Backend.RootDir,
		HeartbeatInterval: config.Duration(cfg.Cluster.HeartbeatInterval),
		Logger:            log.Logger,
	}, store)
	return srv.Run(ctx)
}

func runServiceNode(ctx context.Context, cfg *config.Config) error {
	objects, err := newBackend(ctx, cfg)
	if err != nil {
		return err
	}
	chunks := chunkstore.New(chunkstore.Config{
		Objects:  objects,
		Prefix:   cfg.Bucket,
		Compress: cfg.Compress,
		Logger:   log.Logger,
	})
	meta := hier.New(hier.Config{
		Objects: objects,
		Chunks:  chunks,
		Prefix:  cfg.Bucket,
		Logger:  log.Logger,
	})

	// The view cache needs a first view before anything can be routed, so
	// wait out a coordinator that is still booting.
	client := coord.NewClient(cfg.Coordinator, log.Logger)
	views, err := waitForViews(ctx, client)
	if err != nil {
		return err
	}

	node := servicenode.New(servicenode.Config{
		Workers: cfg.Fanout.Workers,
		Prefix:  cfg.Bucket,
		Retry: servicenode.RetryPolicy{
			MaxRetries:    cfg.Fanout.MaxRetries,
			DegradedExtra: cfg.Fanout.DegradedExtra,
			Base:          config.Duration(cfg.Fanout.BackoffBase),
			MaxBackoff:    config.Duration(cfg.Fanout.MaxBackoff),
			Jitter:        config.Duration(cfg.Fanout.Jitter),
		},
		Logger: log.Logger,
	}, views, transport.NewDataNodeClient(log.Logger))

	srv := servicenode.NewServer(servicenode.ServerConfig{
		NodeID:            cfg.NodeID,
		ListenAddr:        cfg.Listen,
		AdvertiseAddr:     cfg.Advertise,
		Coordinator:       cfg.Coordinator,
		HeartbeatInterval: config.Duration(cfg.Cluster.HeartbeatInterval),
		Logger:            log.Logger,
	}, node, meta)
	return srv.Run(ctx)
}

func waitForViews(ctx context.Context, client *coord.Client) (*servicenode.CoordViews, error) {
	for {
		views, err := servicenode.NewCoordViews(ctx, client, log.Logger)
		if err == nil {
			return views, nil
		}
		log.Warn().Err(err).Msg("coordinator not ready, retrying")
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(2 * time.Second):
		}
	}
}

func newBackend(ctx context.Context, cfg *config.Config) (objstore.Store, error) {
	switch cfg.Backend.Kind {
	case config.BackendFile:
		return objstore.NewFileStore(cfg.Backend.RootDir)
	case config.BackendS3:
		return objstore.NewS3Store(ctx, cfg.Backend.S3)
	case config.BackendAzure:
		return objstore.NewAzureStore(cfg.Backend.Azure)
	default:
		return nil, fmt.Errorf("unknown backend kind %q", cfg.Backend.Kind)
	}
}

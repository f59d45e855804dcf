package main

import (
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/asgardops/maestro/pkg/api"
	"github.com/asgardops/maestro/pkg/asgard"
	"github.com/asgardops/maestro/pkg/config"
	"github.com/asgardops/maestro/pkg/configsvc"
	"github.com/asgardops/maestro/pkg/control"
	"github.com/asgardops/maestro/pkg/executor"
	"github.com/asgardops/maestro/pkg/log"
	"github.com/asgardops/maestro/pkg/lockstore"
	"github.com/asgardops/maestro/pkg/metadata"
	"github.com/asgardops/maestro/pkg/metrics"
	"github.com/asgardops/maestro/pkg/pipeline"
	"github.com/asgardops/maestro/pkg/queue"
	"github.com/asgardops/maestro/pkg/store"
	"github.com/asgardops/maestro/pkg/tracker"
)

var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "maestro",
	Short: "Maestro - application deployment orchestrator",
	Long: `Maestro drives an application's deployment through a fixed
task sequence against a cloud autoscaling environment: preparing
parameters, creating the new auto scaling group, waiting for instance
and load balancer health, then retiring the predecessor.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"maestro version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("config", "", "Path to YAML config file")
	rootCmd.PersistentFlags().String("log-level", "", "Log level (debug, info, warn, error), overrides config")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format, overrides config")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(migrateCmd)
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if level, _ := cmd.Flags().GetString("log-level"); level != "" {
		cfg.LogLevel = level
	}
	if jsonOut, _ := cmd.Flags().GetBool("log-json"); jsonOut {
		cfg.LogJSON = true
	}
	return cfg, nil
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the deployment engine: API server plus queue workers",
	Long: `serve loads the process configuration, opens the document and
lock stores in --data-dir, and starts the HTTP/JSON API (spec §6) along
with the per-deployment queue workers that drive the parameter pipeline
and task executor.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}
		if dataDir, _ := cmd.Flags().GetString("data-dir"); dataDir != "" {
			cfg.DataDir = dataDir
		}
		if bindAddr, _ := cmd.Flags().GetString("bind-addr"); bindAddr != "" {
			cfg.BindAddr = bindAddr
		}

		log.Init(log.Config{Level: log.Level(cfg.LogLevel), JSONOutput: cfg.LogJSON})
		logger := log.WithComponent("serve")

		if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
			return fmt.Errorf("creating data directory: %w", err)
		}

		st, err := store.NewBoltStore(cfg.DataDir)
		if err != nil {
			return fmt.Errorf("opening document store: %w", err)
		}
		defer st.Close()

		locks, err := lockstore.Open(cfg.DataDir)
		if err != nil {
			return fmt.Errorf("opening lock store: %w", err)
		}
		defer locks.Close()

		asgardURL, _ := cmd.Flags().GetString("asgard-url")
		metadataURL, _ := cmd.Flags().GetString("metadata-url")
		configsvcURL, _ := cmd.Flags().GetString("configsvc-url")

		provider := asgard.NewHTTPClient(asgardURL)
		deps := &pipeline.Deps{
			Store:    st,
			Metadata: metadata.NewHTTPClient(metadataURL),
			Config:   configsvc.NewHTTPClient(configsvcURL),
			Policy:   configsvc.NewHTTPClient(configsvcURL),
			Provider: provider,
		}

		trk := tracker.New(provider, st)
		exec := executor.New(provider, st, trk, locks.IsPaused)
		ctrl := control.New(st, locks, queue.NewQueue(), pipeline.New(), deps, exec)

		collector := metrics.NewCollector(st, locks, ctrl.Queue)
		collector.Start()
		defer collector.Stop()

		metrics.SetVersion(Version)
		metrics.RegisterComponent("store", true, "ready")
		metrics.RegisterComponent("queue", true, "ready")
		metrics.RegisterComponent("api", false, "starting")

		server := api.NewServer(ctrl, st, cfg, Version)

		mux := http.NewServeMux()
		mux.Handle("/", server.Handler())
		mux.Handle("/health", metrics.HealthHandler())
		mux.Handle("/ready", metrics.ReadyHandler())
		mux.Handle("/live", metrics.LivenessHandler())

		errCh := make(chan error, 1)
		go func() {
			logger.Info().Str("addr", cfg.BindAddr).Msg("api listening")
			if err := http.ListenAndServe(cfg.BindAddr, mux); err != nil {
				errCh <- fmt.Errorf("api server error: %w", err)
			}
		}()
		metrics.RegisterComponent("api", true, "ready")

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

		select {
		case <-sigCh:
			logger.Info().Msg("shutting down")
		case err := <-errCh:
			return err
		}
		return nil
	},
}

func init() {
	serveCmd.Flags().String("data-dir", "", "Data directory for the document and lock stores, overrides config")
	serveCmd.Flags().String("bind-addr", "", "HTTP bind address, overrides config")
	serveCmd.Flags().String("asgard-url", "http://localhost:8090", "Cloud-façade base URL")
	serveCmd.Flags().String("metadata-url", "http://localhost:8091", "Application metadata service base URL")
	serveCmd.Flags().String("configsvc-url", "http://localhost:8092", "Per-hash configuration service base URL")
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Bootstrap the document and lock store buckets in --data-dir",
	Long: `migrate opens (creating if absent) the BoltDB files store.db and
lock.db in --data-dir, which has the side effect of creating every
bucket the engine expects. It is safe to run repeatedly: opening an
already-bootstrapped pair of files is a no-op.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		dataDir, _ := cmd.Flags().GetString("data-dir")
		if dataDir == "" {
			return fmt.Errorf("--data-dir is required")
		}

		if err := os.MkdirAll(dataDir, 0755); err != nil {
			return fmt.Errorf("creating data directory: %w", err)
		}

		fmt.Printf("Bootstrapping maestro data directory: %s\n", dataDir)

		st, err := store.NewBoltStore(dataDir)
		if err != nil {
			return fmt.Errorf("bootstrapping document store: %w", err)
		}
		defer st.Close()
		fmt.Println("  store.db: ok")

		locks, err := lockstore.Open(dataDir)
		if err != nil {
			return fmt.Errorf("bootstrapping lock store: %w", err)
		}
		defer locks.Close()
		fmt.Println("  lock.db: ok")

		fmt.Println("Bootstrap complete.")
		return nil
	},
}

func init() {
	migrateCmd.Flags().String("data-dir", "", "Data directory to bootstrap (required)")
	migrateCmd.MarkFlagRequired("data-dir")
}

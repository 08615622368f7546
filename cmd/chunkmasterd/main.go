package main

import (
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/cuemby/chunkmaster/pkg/config"
	"github.com/cuemby/chunkmaster/pkg/log"
	"github.com/cuemby/chunkmaster/pkg/manager"
	"github.com/cuemby/chunkmaster/pkg/metrics"
	"github.com/spf13/cobra"
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
	Use:     "chunkmasterd",
	Short:   "chunkmasterd runs the chunk manager node",
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"chunkmasterd version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")
	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(addVoterCmd)
	rootCmd.AddCommand(removeServerCmd)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")

	log.Init(log.Config{
		Level:      log.Level(logLevel),
		JSONOutput: logJSON,
	})
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start this node's manager and bootstrap a cluster",
	Long: `Start the chunk manager on this node. Every node bootstraps its own
single-node Raft cluster at startup; use "chunkmasterd add-voter" from an
already-running leader to grow the cluster.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		nodeID, _ := cmd.Flags().GetString("node-id")
		bindAddr, _ := cmd.Flags().GetString("bind-addr")
		dataDir, _ := cmd.Flags().GetString("data-dir")
		configPath, _ := cmd.Flags().GetString("config")
		metricsAddr, _ := cmd.Flags().GetString("metrics-addr")

		ccfg := config.Default()
		if configPath != "" {
			loaded, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			ccfg = loaded
		}

		mgr, err := manager.NewManager(&manager.Config{
			NodeID:      nodeID,
			BindAddr:    bindAddr,
			DataDir:     dataDir,
			ChunkConfig: ccfg,
		})
		if err != nil {
			return fmt.Errorf("create manager: %w", err)
		}

		if err := mgr.Bootstrap(); err != nil {
			return fmt.Errorf("bootstrap cluster: %w", err)
		}
		fmt.Println("✓ manager bootstrapped")

		metricsCollector := metrics.NewCollector(mgr)
		metricsCollector.Start()

		metrics.SetVersion(Version)
		metrics.RegisterComponent("raft", true, "bootstrapped")

		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		mux.Handle("/health", metrics.HealthHandler())
		mux.Handle("/ready", metrics.ReadyHandler())
		mux.Handle("/live", metrics.LivenessHandler())
		server := &http.Server{Addr: metricsAddr, Handler: mux}
		go func() {
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				fmt.Fprintf(os.Stderr, "metrics server error: %v\n", err)
			}
		}()
		fmt.Printf("✓ metrics endpoint: http://%s/metrics\n", metricsAddr)

		fmt.Printf("manager %s listening for Raft traffic on %s. Press Ctrl+C to stop.\n", nodeID, bindAddr)

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
		<-sigCh

		fmt.Println("\nshutting down...")
		metricsCollector.Stop()
		if err := server.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "metrics server close error: %v\n", err)
		}
		if err := mgr.Shutdown(); err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
		fmt.Println("✓ shutdown complete")
		return nil
	},
}

func init() {
	runCmd.Flags().String("node-id", "manager-1", "Unique node ID")
	runCmd.Flags().String("bind-addr", "127.0.0.1:9070", "Address for Raft communication")
	runCmd.Flags().String("data-dir", "/var/lib/chunkmaster", "Data directory for cluster state")
	runCmd.Flags().String("config", "", "Path to a YAML config file (overlays onto defaults)")
	runCmd.Flags().String("metrics-addr", "127.0.0.1:9090", "Address for the metrics/health HTTP server")
}

var addVoterCmd = &cobra.Command{
	Use:   "add-voter NODE_ID ADDRESS",
	Short: "Add a manager node to the Raft cluster (run against the leader's data dir)",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return fmt.Errorf("add-voter must be issued through an operator channel with access to the leader's running process; this binary does not expose a remote control plane")
	},
}

var removeServerCmd = &cobra.Command{
	Use:   "remove-server NODE_ID",
	Short: "Remove a manager node from the Raft cluster",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return fmt.Errorf("remove-server must be issued through an operator channel with access to the leader's running process; this binary does not expose a remote control plane")
	},
}

package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/kiisu-dsalyss/encryptedmeshlink-station/internal/config"
	"github.com/kiisu-dsalyss/encryptedmeshlink-station/internal/logging"
	"github.com/kiisu-dsalyss/encryptedmeshlink-station/internal/station"
)

var (
	dryRun  bool
	dataDir string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the bridging station",
	Long: `Start the Meshtastic mesh-network bridging station.

The station connects to a local Meshtastic radio, registers with the
configured discovery service, and relays messages to and from other
stations reachable over the internet.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().BoolVar(&dryRun, "dry-run", false, "validate configuration without starting the station")
	serveCmd.Flags().StringVar(&dataDir, "data-dir", "./data", "directory for the durable message queue")
}

func runServe(_ *cobra.Command, _ []string) error {
	logCfg := logging.Config{
		Level:  viper.GetString("logging.level"),
		Format: viper.GetString("logging.format"),
	}
	if err := logging.Initialize(logCfg); err != nil {
		return fmt.Errorf("failed to initialize logging: %w", err)
	}
	defer logging.Sync()

	if cfgFile := viper.ConfigFileUsed(); cfgFile != "" {
		logging.Info("using config file", zap.String("path", cfgFile))
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	if dryRun {
		fmt.Println("Configuration is valid!")
		fmt.Printf("  Station ID: %s\n", cfg.StationID)
		fmt.Printf("  Discovery:  %s\n", cfg.Discovery.ServiceURL)
		fmt.Printf("  P2P port:   %d\n", cfg.P2P.ListenPort)
		fmt.Printf("  Mesh:       auto_detect=%t device=%s\n", cfg.Mesh.AutoDetect, cfg.Mesh.DevicePath)
		return nil
	}

	st := station.New(cfg, GetConfigFile())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	if err := st.Start(ctx, dataDir); err != nil {
		return fmt.Errorf("failed to start station: %w", err)
	}

	runErr := make(chan error, 1)
	go func() { runErr <- st.Run(ctx) }()

	logging.Info("station is running, press ctrl+c to stop")
	var shutdownReason string
	select {
	case sig := <-sigChan:
		logging.Info("received shutdown signal", zap.String("signal", sig.String()))
		shutdownReason = sig.String()
	case err := <-runErr:
		if err != nil {
			logging.Error("station subsystems failed", zap.Error(err))
		}
		shutdownReason = "subsystem failure"
	}
	cancel()

	if err := st.Shutdown(shutdownReason); err != nil {
		logging.Error("error shutting down station", zap.Error(err))
	}

	return nil
}

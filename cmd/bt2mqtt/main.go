// bt2mqtt bridges MySmartBlinds BLE devices to an MQTT broker with
// Home Assistant auto-discovery, using the BlueZ daemon on the system
// bus.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/docbliny/bt2mqtt/pkg/bridge"
	"github.com/docbliny/bt2mqtt/pkg/busproxy"
	"github.com/docbliny/bt2mqtt/pkg/config"
	"github.com/docbliny/bt2mqtt/pkg/logger"
	"github.com/docbliny/bt2mqtt/pkg/metrics"
	"github.com/docbliny/bt2mqtt/pkg/mqtt"
	"github.com/docbliny/bt2mqtt/pkg/session"
)

var (
	version   = "1.0.0"
	buildTime = "dev"
	gitCommit = "unknown"
)

var (
	cfgFile string
	debug   bool
	verbose bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:     "bt2mqtt",
		Short:   "bt2mqtt - BLE smart blinds to MQTT bridge",
		Long:    "bt2mqtt maintains authenticated BLE sessions to MySmartBlinds devices\nthrough BlueZ and mirrors their state to an MQTT broker, with\nHome Assistant auto-discovery.",
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, gitCommit, buildTime),
	}

	rootCmd.AddCommand(
		newStartCmd(),
		newListAdaptersCmd(),
		newVersionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// newStartCmd creates the start command.
func newStartCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Run the bridge service",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStart()
		},
	}

	cmd.Flags().StringVarP(&cfgFile, "config", "c", "", "config file path")
	cmd.Flags().BoolVar(&debug, "debug", false, "enable debug logging")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	_ = cmd.MarkFlagRequired("config")

	return cmd
}

// runStart runs the bridge until a termination signal arrives.
func runStart() error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if debug || verbose {
		cfg.Logging.Level = "debug"
	}

	log := logger.New(cfg.Logging)
	logger.SetGlobal(log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bus := busproxy.NewBus(log)
	if err := bus.Initialize(); err != nil {
		return fmt.Errorf("failed to connect to system bus: %w", err)
	}

	desired := make([]string, 0, len(cfg.SmartBlinds.Blinds))
	for _, blind := range cfg.SmartBlinds.Blinds {
		desired = append(desired, blind.Mac)
	}

	manager := session.NewManager(bus, session.Config{
		AdapterName:       cfg.Adapter.Name,
		DesiredAddresses:  desired,
		DiscoveryTimeout:  cfg.Bluetooth.DiscoveryTimeout(),
		DiscoveryInterval: cfg.Bluetooth.DiscoveryInterval(),
		MaxConnectRetries: cfg.SmartBlinds.MaxConnectRetries,
		RetryInterval:     cfg.SmartBlinds.RetryInterval(),
	}, log)

	client := mqtt.NewClient(cfg.MQTT, log)
	if err := client.Connect(ctx); err != nil {
		return fmt.Errorf("failed to connect to broker: %w", err)
	}

	br := bridge.New(cfg, client, manager, log)
	if err := br.Start(ctx); err != nil {
		return fmt.Errorf("failed to start bridge: %w", err)
	}

	var metricsSrv *http.Server
	if cfg.Metrics.Enabled {
		metricsSrv = metrics.Serve(cfg.Metrics.ListenAddress)
		log.Info("metrics endpoint listening", "address", cfg.Metrics.ListenAddress)
	}

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)

	startErr := make(chan error, 1)
	go func() {
		startErr <- manager.Start(ctx)
	}()

	select {
	case err := <-startErr:
		if err != nil {
			shutdown(br, client, metricsSrv, log)
			return fmt.Errorf("failed to start session manager: %w", err)
		}
		log.Info("bridge is running")
		<-sigCh
	case <-sigCh:
	}

	log.Info("shutting down")

	// A second signal during shutdown forces immediate exit.
	go func() {
		<-sigCh
		fmt.Fprintln(os.Stderr, "forced exit")
		os.Exit(1)
	}()

	shutdown(br, client, metricsSrv, log)
	log.Info("bridge stopped")
	return nil
}

// shutdown disposes the bridge (which publishes offline availability
// and disposes the session manager), then disconnects the broker.
func shutdown(br *bridge.Bridge, client *mqtt.Client, metricsSrv *http.Server, log *logger.Logger) {
	if err := br.Dispose(); err != nil {
		log.Warn("error disposing bridge", "error", err)
	}
	client.Disconnect()
	if metricsSrv != nil {
		if err := metricsSrv.Shutdown(context.Background()); err != nil {
			log.Warn("error stopping metrics endpoint", "error", err)
		}
	}
}

// newListAdaptersCmd creates the list-adapters command.
func newListAdaptersCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list-adapters",
		Short: "List available Bluetooth adapters",
		RunE: func(cmd *cobra.Command, args []string) error {
			log := logger.New(logger.Config{Level: "error", Format: "text"})

			bus := busproxy.NewBus(log)
			if err := bus.Initialize(); err != nil {
				return fmt.Errorf("failed to connect to system bus: %w", err)
			}
			defer bus.Dispose()

			manager := session.NewManager(bus, session.Config{}, log)
			adapters, err := manager.GetAdapters()
			if err != nil {
				return fmt.Errorf("failed to enumerate adapters: %w", err)
			}

			if len(adapters) == 0 {
				fmt.Println("No Bluetooth adapters found.")
				return nil
			}
			fmt.Println("Available adapters:")
			for _, name := range adapters {
				fmt.Printf("  %s\n", name)
			}
			return nil
		},
	}
}

// newVersionCmd creates the version command.
func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("bt2mqtt %s\n", version)
			fmt.Printf("  Commit:  %s\n", gitCommit)
			fmt.Printf("  Built:   %s\n", buildTime)
		},
	}
}

package main

import (
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/outpostd/outpost/pkg/alarm"
	"github.com/outpostd/outpost/pkg/checker"
	"github.com/outpostd/outpost/pkg/config"
	"github.com/outpostd/outpost/pkg/dockers"
	"github.com/outpostd/outpost/pkg/log"
	"github.com/outpostd/outpost/pkg/metrics"
	"github.com/outpostd/outpost/pkg/monitor"
	"github.com/outpostd/outpost/pkg/notification"
	"github.com/outpostd/outpost/pkg/store"
	"github.com/outpostd/outpost/pkg/types"
)

var (
	// Version information (set via ldflags during build)
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
	Use:   "outpost",
	Short: "Outpost - multi-target environment monitor",
	Long: `Outpost periodically verifies the health of containerized workloads,
JVM services exposing managed-bean metrics, and generic web services,
publishing a rolling status view, a time-indexed history and alarms.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Outpost version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")

	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(monitorCmd)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")

	log.Init(log.Config{
		Level:      log.Level(logLevel),
		JSONOutput: logJSON,
	})
}

var monitorCmd = &cobra.Command{
	Use:   "monitor [config.yml|config-dir]...",
	Short: "Run the monitor against one or more configuration documents",
	RunE: func(cmd *cobra.Command, args []string) error {
		dataDir, _ := cmd.Flags().GetString("data-dir")
		metricsAddr, _ := cmd.Flags().GetString("metrics-addr")

		// .env is optional; when present it feeds ${ENV} substitution and
		// the alarm transports
		_ = godotenv.Load()

		if len(args) == 0 && os.Getenv(config.EnvConfigName) == "" {
			return fmt.Errorf("usage: outpost monitor config1.yml ... configN.yml")
		}

		cfg, err := config.Load(args)
		if err != nil {
			return fmt.Errorf("fatal configuration error: %w", err)
		}

		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return err
		}
		s, err := store.Open(dataDir)
		if err != nil {
			return err
		}
		defer s.Close()

		metrics.Register()

		pool, err := dockers.NewPool(cfg.Dockers)
		if err != nil {
			return err
		}
		defer pool.Close()

		alarms := alarm.NewComposite(
			store.NewHistorySink(s),
			alarm.NewSlackSender(),
			alarm.NewTelegramSender(),
			alarm.NewMetricsSender(),
		)
		alarms.Push("outpost started", types.SeverityInfo)

		window := notification.NewManager(s, alarms)

		orchestrator := monitor.New(
			checker.NewJMXChecker(cfg, s, pool, alarms, window),
			checker.NewDockerChecker(cfg, s, pool, alarms, window),
			checker.NewWebServiceChecker(cfg, s, pool, alarms, window),
		)

		if metricsAddr != "" {
			go func() {
				mux := http.NewServeMux()
				mux.Handle("/metrics", metrics.Handler())
				if err := http.ListenAndServe(metricsAddr, mux); err != nil {
					log.Logger.Error().Err(err).Msg("metrics server failed")
				}
			}()
		}

		orchestrator.Start()
		log.Info("monitor started")

		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
		<-sig

		log.Info("shutting down")
		orchestrator.Stop()
		return nil
	},
}

func init() {
	monitorCmd.Flags().String("data-dir", "/var/lib/outpost", "Directory for the time-series database")
	monitorCmd.Flags().String("metrics-addr", ":9090", "Listen address for the metrics endpoint (empty to disable)")
}

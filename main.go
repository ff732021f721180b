package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/phuslu/log"
	"github.com/spf13/cobra"

	"core_governor/internal/config"
	"core_governor/internal/governor"
	"core_governor/internal/logger"
	"core_governor/internal/metrics"
	"core_governor/internal/windowsapi"
)

var version = "0.1.0"

var (
	configPath    string
	loopCount     int
	intervalMs    int
	listenAddress string
)

// rootCmd starts the agent when no subcommand is given.
var rootCmd = &cobra.Command{
	Use:          "core_governor",
	Short:        "Pins the busiest threads of configured processes to preferred cores",
	Version:      version,
	SilenceUsage: true,
	RunE:         runGovernor,
}

var runCmd = &cobra.Command{
	Use:          "run",
	Short:        "Start the polling loop",
	SilenceUsage: true,
	RunE:         runGovernor,
}

var cpusCmd = &cobra.Command{
	Use:   "cpus",
	Short: "Print the logical processors and their CPU set ids",
	RunE: func(cmd *cobra.Command, args []string) error {
		return printCPUs(cmd.OutOrStdout(), windowsapi.New())
	},
}

var generateConfigCmd = &cobra.Command{
	Use:   "generate-config <path>",
	Short: "Write an example TOML configuration",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := config.GenerateExampleConfig(args[0]); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Example configuration written to %s\n", args[0])
		return nil
	},
}

func init() {
	for _, c := range []*cobra.Command{rootCmd, runCmd} {
		c.Flags().StringVarP(&configPath, "config", "c", "", "Path to configuration file (TOML or YAML)")
		c.Flags().IntVar(&loopCount, "loop-count", 0, "Stop after this many cycles (overrides scheduler.loop_count)")
		c.Flags().IntVar(&intervalMs, "interval", 0, "Milliseconds between cycles (overrides scheduler.interval_ms)")
		c.Flags().StringVar(&listenAddress, "listen-address", "", "Serve metrics on this address (enables the server)")
	}
	rootCmd.AddCommand(runCmd, cpusCmd, generateConfigCmd)
}

// loadConfig reads the file and applies command line overrides.
func loadConfig(cmd *cobra.Command) (*config.AppConfig, error) {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return nil, err
	}
	if cmd.Flags().Changed("loop-count") {
		cfg.Scheduler.LoopCount = loopCount
	}
	if cmd.Flags().Changed("interval") {
		cfg.Scheduler.IntervalMs = intervalMs
	}
	if cmd.Flags().Changed("listen-address") {
		cfg.Server.Enabled = true
		cfg.Server.ListenAddress = listenAddress
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func runGovernor(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if err := logger.ConfigureLogging(cfg.Logging); err != nil {
		return fmt.Errorf("failed to configure loggers: %w", err)
	}
	for _, w := range cfg.Warnings() {
		log.Warn().Msg(w)
	}

	rules, warnings, err := cfg.Rules()
	if err != nil {
		return err
	}
	for _, w := range warnings {
		log.Warn().Msg(w)
	}

	log.Info().
		Str("version", version).
		Int("rules", len(rules)).
		Int("interval_ms", cfg.Scheduler.IntervalMs).
		Bool("metrics", cfg.Server.Enabled).
		Msg("Starting Core Governor")

	gctx, err := governor.NewContext(windowsapi.New(), cfg, metrics.New())
	if err != nil {
		log.Fatal().Err(err).Msg("Cannot establish CPU topology")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return governor.New(gctx, cfg, rules).Run(ctx)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

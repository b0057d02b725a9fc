package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/atelier-run/atelier/pkg/config"
	"github.com/atelier-run/atelier/pkg/core"
	"github.com/atelier-run/atelier/pkg/log"
	"github.com/spf13/cobra"
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
	Use:   "atelier",
	Short: "Atelier - AI agent run orchestration service",
	Long: `Atelier plans, executes, and bills AI agent runs: natural-language
tasks are decomposed into phased plans, executed in isolated sandboxes
with metered LLM calls, and their artifacts can be edited
collaboratively in real time.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Atelier version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.AddCommand(serverCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(healthCmd)
}

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Start the Atelier server",
	Long: `Start the API server, run workers, sandbox manager, collaboration
gateway, and webhook deliverer as one process.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfgPath, _ := cmd.Flags().GetString("config")
		dataDir, _ := cmd.Flags().GetString("data-dir")
		apiAddr, _ := cmd.Flags().GetString("api-addr")

		cfg := config.DefaultConfig()
		if cfgPath != "" {
			var err error
			cfg, err = config.Load(cfgPath)
			if err != nil {
				return err
			}
		}
		if dataDir != "" {
			cfg.DataDir = dataDir
		}
		if apiAddr != "" {
			cfg.APIAddr = apiAddr
		}

		log.Init(log.Config{
			Level:      log.Level(cfg.LogLevel),
			JSONOutput: cfg.LogJSON,
		})

		c, err := core.New(cfg)
		if err != nil {
			return err
		}
		c.Start()

		errCh := make(chan error, 1)
		go func() { errCh <- c.API.Start() }()

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

		logger := log.WithComponent("main")
		select {
		case sig := <-sigCh:
			logger.Info().Str("signal", sig.String()).Msg("shutting down")
		case err := <-errCh:
			if err != nil {
				logger.Error().Err(err).Msg("api server failed")
			}
		}

		c.Stop(context.Background())
		return nil
	},
}

func init() {
	serverCmd.Flags().String("config", "", "Path to YAML configuration file")
	serverCmd.Flags().String("data-dir", "", "Override data directory")
	serverCmd.Flags().String("api-addr", "", "Override API listen address")
}

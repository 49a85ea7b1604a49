package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/opsdeckhq/opsdeck/internal/app"
	"github.com/opsdeckhq/opsdeck/internal/config"
	"github.com/opsdeckhq/opsdeck/internal/log"
)

var version = "dev"

func main() {
	var configPath string

	root := &cobra.Command{
		Use:           "opsdeck",
		Short:         "Workspace agent for the opsdeck dashboard",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to config file")

	agent := &cobra.Command{
		Use:   "agent",
		Short: "Run the agent: realtime subscriptions, call engine and control API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runAgent(cmd.Context(), configPath)
		},
	}

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print the agent version",
		Run: func(*cobra.Command, []string) {
			fmt.Println(version)
		},
	}

	root.AddCommand(agent, versionCmd)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func runAgent(ctx context.Context, configPath string) error {
	bootLog := log.New("info")
	cfg, usedPath, err := config.Load(bootLog, configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := log.New(cfg.LogLevel)
	logger.Info().Str("version", version).Str("config", usedPath).Msg("starting opsdeck agent")

	application, err := app.New(ctx, cfg, logger)
	if err != nil {
		return err
	}

	if err := application.Run(ctx); err != nil {
		return err
	}
	logger.Info().Msg("agent stopped")
	return nil
}

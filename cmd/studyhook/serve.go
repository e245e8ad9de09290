package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/loykin/studyhook"
)

func createServeCommand(globalFlags *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "serve [config.toml]",
		Short: "Run the notification daemon",
		Long: `Run the daemon: accept events on the HTTP ingress and, with
source.type = "changes", follow the archive's change feed.

Configuration comes from the TOML file and STUDYHOOK_* environment
variables. Without a file, STUDYHOOK_NOTIFY_URL must be set.

Examples:
  studyhook serve studyhook.toml
  STUDYHOOK_NOTIFY_URL=http://api/hook studyhook serve`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			configPath := globalFlags.ConfigPath
			if len(args) > 0 {
				configPath = args[0]
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, configPath)
		},
	}
}

func runServe(ctx context.Context, configPath string) error {
	cfg, err := studyhook.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("error loading config: %w", err)
	}
	svc, err := studyhook.NewService(cfg, nil)
	if err != nil {
		return err
	}
	return svc.Run(ctx)
}

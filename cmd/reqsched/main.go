package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"reqsched/internal/admin"
	"reqsched/internal/app"
	"reqsched/internal/config"
	"reqsched/internal/probe"
)

const stopTimeout = 10 * time.Second

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var envFiles []string
	root := &cobra.Command{
		Use:           "reqsched",
		Short:         "Bounded-concurrency request scheduler with retries and deduplication",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			// An explicit --env-file must exist; the default ./.env is optional.
			return config.LoadEnvFiles(!cmd.Flags().Changed("env-file"), envFiles...)
		},
	}
	root.PersistentFlags().StringSliceVar(&envFiles, "env-file", []string{".env"}, "dotenv file(s) loaded before reading config")
	root.AddCommand(runCmd(), checkCmd())
	return root
}

func runCmd() *cobra.Command {
	var cfgPath string
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the scheduler, probes and admin API",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			a, err := app.New(ctx, cfgPath)
			if err != nil {
				return err
			}
			if err := a.Start(ctx); err != nil {
				return err
			}

			reason := app.StopSignal
			select {
			case <-ctx.Done():
			case <-a.Done():
				reason = app.StopFatalError
			}
			stopCtx, stopCancel := context.WithTimeout(context.Background(), stopTimeout)
			defer stopCancel()
			_ = a.Stop(stopCtx, reason)
			if reason == app.StopFatalError {
				return a.Err()
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&cfgPath, "config", "c", "./config.yaml", "path to config (json or yaml)")
	return cmd
}

func checkCmd() *cobra.Command {
	var cfgPath string
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Validate the config and print the effective settings",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.NewManager(cfgPath).Parse()
			if err != nil {
				return err
			}
			sc, err := cfg.Scheduler.Resolve()
			if err != nil {
				return err
			}
			pc, err := probe.FromConfig(cfg.Probes)
			if err != nil {
				return err
			}
			ac, err := admin.FromConfig(cfg.Admin)
			if err != nil {
				return err
			}
			sc = sc.WithDefaults()

			targets := make([]map[string]any, 0, len(pc.Targets))
			for _, t := range pc.Targets {
				targets = append(targets, map[string]any{
					"name":     t.Name,
					"url":      t.URL,
					"schedule": t.Schedule.String(),
					"priority": t.Priority.String(),
				})
			}
			out := map[string]any{
				"scheduler": map[string]any{
					"max_concurrent":       sc.MaxConcurrent,
					"max_queue_size":       sc.MaxQueueSize,
					"request_timeout":      sc.RequestTimeout.String(),
					"retry_delay":          sc.RetryDelay.String(),
					"retry_max_delay":      sc.MaxRetryDelay.String(),
					"retry_jitter":         sc.RetryJitter.String(),
					"default_max_retries":  sc.DefaultMaxRetries,
					"deduplication_window": sc.DeduplicationWindow.String(),
					"sweep_interval":       sc.SweepInterval.String(),
				},
				"admin": map[string]any{
					"enabled":   ac.Enabled,
					"addr":      ac.Addr,
					"token_set": ac.Token != "",
				},
				"probes":  targets,
				"logging": cfg.Logging,
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if err := enc.Encode(out); err != nil {
				return fmt.Errorf("print config: %w", err)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&cfgPath, "config", "c", "./config.yaml", "path to config (json or yaml)")
	return cmd
}

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/user/logsift/internal/scheduler"
)

func init() {
	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run periodic ingestion as a daemon",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

func writePIDFile(dataDir string) (string, error) {
	pidPath := filepath.Join(dataDir, "logsift.pid")
	pid := os.Getpid()
	if err := os.WriteFile(pidPath, []byte(strconv.Itoa(pid)+"\n"), 0644); err != nil {
		return "", fmt.Errorf("write PID file: %w", err)
	}
	return pidPath, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg := loadConfig()
	setupLogging(cfg)

	a, err := buildApp(cfg, 0)
	if err != nil {
		return err
	}
	defer a.Close()

	pidPath, err := writePIDFile(cfg.DataDir)
	if err != nil {
		return err
	}
	defer os.Remove(pidPath)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := a.topics.Seed(ctx); err != nil {
		return fmt.Errorf("seed vocabulary: %w", err)
	}

	sched := scheduler.New(cfg.IngestSchedule, func() {
		// Topics confirmed through the CLI land in the shared database; pick
		// them up before classifying the next batch.
		if err := a.topics.Refresh(ctx); err != nil {
			slog.Error("topic index refresh failed", "error", err)
		}
		summary, err := a.orchestrator.Run(ctx, a.window(), cfg.ProviderFilter)
		if err != nil {
			slog.Error("scheduled ingestion failed", "error", err)
			return
		}
		slog.Info("scheduled ingestion complete",
			"run_id", summary.RunID,
			"fetched", summary.Fetched,
			"matched", summary.Matched,
			"new_candidates", summary.NewCandidates,
			"unresolved", summary.Unresolved)
	})
	if err := sched.Start(); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}
	defer sched.Stop()

	slog.Info("logsift started",
		"data_dir", cfg.DataDir,
		"log_level", cfg.LogLevel,
		"schedule", cfg.IngestSchedule,
		"event_file", cfg.EventFile,
		"match_threshold", cfg.MatchThreshold,
		"llm_model", cfg.LLM.Model,
		"embedding_model", cfg.Embedding.Model,
		"pid_file", pidPath,
	)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	for {
		sig := <-sigChan
		if sig == syscall.SIGHUP {
			slog.Info("received SIGHUP, restarting")
			execPath, err := os.Executable()
			if err != nil {
				slog.Error("failed to get executable path", "error", err)
				continue
			}
			os.Remove(pidPath)
			if err := syscall.Exec(execPath, os.Args, os.Environ()); err != nil {
				slog.Error("failed to re-exec", "error", err)
				if _, writeErr := writePIDFile(cfg.DataDir); writeErr != nil {
					slog.Error("failed to re-write PID file", "error", writeErr)
				}
				continue
			}
		}
		// SIGINT or SIGTERM
		slog.Info("shutting down", "signal", sig)
		return nil
	}
}

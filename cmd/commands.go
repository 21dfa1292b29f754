package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"tasksync/internal/app"
	"tasksync/internal/blob"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var errUnhealthy = errors.New("service is unhealthy")

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Run one sync cycle and exit",
	RunE:  runSync,
}

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check store reachability and sync recency",
	RunE:  runHealth,
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Print task counts, sync state and resource usage as JSON",
	RunE:  runStats,
}

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Prune old execution steps, heartbeats and sync history",
	RunE:  runCleanup,
}

var enqueueCmd = &cobra.Command{
	Use:   "enqueue",
	Short: "Insert pending tasks into the remote store",
	Long: `Insert a single task with --kind/--payload, or many from a JSON-lines file
(one {"kind":..., "payload":..., "scheduled_at":...} object per line, "-" for stdin).`,
	RunE: runEnqueue,
}

var workOnceCmd = &cobra.Command{
	Use:   "work-once",
	Short: "Pull, execute every runnable task, push results and exit",
	RunE:  runWorkOnce,
}

func init() {
	syncCmd.Flags().Bool("all", false, "Re-pull every pending task and push every finished result")

	enqueueCmd.Flags().String("kind", "", "Task kind")
	enqueueCmd.Flags().String("payload", "{}", "Task payload as JSON")
	enqueueCmd.Flags().String("file", "", "JSON-lines file of tasks")
	enqueueCmd.Flags().Bool("dry-run", false, "Validate input without inserting")
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func runSync(cmd *cobra.Command, args []string) error {
	cfg, log, err := bootstrap(cmd)
	if err != nil {
		return err
	}
	defer log.Sync()

	ctx, cancel := signalContext(log)
	defer cancel()

	svc, err := openService(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer svc.Close()

	all, _ := cmd.Flags().GetBool("all")
	sync := svc.SyncOnce
	if all {
		sync = svc.ForceSyncAll
	}

	result, err := sync(ctx)
	if err != nil {
		return err
	}
	if err := printJSON(cmd.OutOrStdout(), result); err != nil {
		return err
	}
	if !result.Success() {
		return fmt.Errorf("sync finished with %d errors", result.Errors())
	}
	return nil
}

func runHealth(cmd *cobra.Command, args []string) error {
	cfg, log, err := bootstrap(cmd)
	if err != nil {
		return err
	}
	defer log.Sync()

	ctx, cancel := signalContext(log)
	defer cancel()

	svc, err := openService(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer svc.Close()

	report := svc.HealthCheck(ctx)
	if err := printJSON(cmd.OutOrStdout(), report); err != nil {
		return err
	}
	if !report.Healthy() {
		return errUnhealthy
	}
	return nil
}

func runStats(cmd *cobra.Command, args []string) error {
	cfg, log, err := bootstrap(cmd)
	if err != nil {
		return err
	}
	defer log.Sync()

	ctx, cancel := signalContext(log)
	defer cancel()

	svc, err := openService(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer svc.Close()

	stats, err := svc.GetSystemStats(ctx)
	if err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), stats)
}

func runCleanup(cmd *cobra.Command, args []string) error {
	cfg, log, err := bootstrap(cmd)
	if err != nil {
		return err
	}
	defer log.Sync()

	ctx, cancel := signalContext(log)
	defer cancel()

	svc, err := openService(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer svc.Close()

	report, err := svc.Cleanup(ctx)
	if printErr := printJSON(cmd.OutOrStdout(), report); printErr != nil {
		log.Warn("Failed to print cleanup report", zap.Error(printErr))
	}
	return err
}

func runEnqueue(cmd *cobra.Command, args []string) error {
	cfg, log, err := bootstrap(cmd)
	if err != nil {
		return err
	}
	defer log.Sync()

	ctx, cancel := signalContext(log)
	defer cancel()

	svc, err := openService(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer svc.Close()

	file, _ := cmd.Flags().GetString("file")
	dryRun, _ := cmd.Flags().GetBool("dry-run")

	if file != "" {
		var r io.Reader = cmd.InOrStdin()
		if file != "-" {
			f, err := os.Open(file)
			if err != nil {
				return fmt.Errorf("failed to open task file: %w", err)
			}
			defer f.Close()
			r = f
		}

		n, err := svc.Producer().EnqueueLines(ctx, r, dryRun)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Enqueued %d tasks\n", n)
		return nil
	}

	kind, _ := cmd.Flags().GetString("kind")
	payload, _ := cmd.Flags().GetString("payload")
	if !json.Valid([]byte(payload)) {
		return fmt.Errorf("payload is not valid JSON")
	}
	if dryRun {
		if kind == "" {
			return fmt.Errorf("kind is required")
		}
		fmt.Fprintln(cmd.OutOrStdout(), "Dry run: task is valid")
		return nil
	}

	task, err := svc.Enqueue(ctx, app.TaskSpec{Kind: kind, Payload: blob.JSON(payload)})
	if err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), task)
}

func runWorkOnce(cmd *cobra.Command, args []string) error {
	cfg, log, err := bootstrap(cmd)
	if err != nil {
		return err
	}
	defer log.Sync()

	ctx, cancel := signalContext(log)
	defer cancel()

	svc, err := openService(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer svc.Close()

	if _, err := svc.SyncOnce(ctx); err != nil {
		return fmt.Errorf("initial sync failed: %w", err)
	}

	processed := 0
	for ctx.Err() == nil {
		ran, err := svc.ProcessNext(ctx)
		if err != nil {
			return err
		}
		if !ran {
			break
		}
		processed++
	}

	result, err := svc.SyncOnce(ctx)
	if err != nil {
		return fmt.Errorf("final sync failed: %w", err)
	}
	log.Info("Work cycle finished",
		zap.Int("processed", processed),
		zap.Int("pushed", result.Pushed.Processed))
	return nil
}

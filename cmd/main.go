package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"tasksync/internal/api"
	"tasksync/internal/app"
	"tasksync/internal/config"
	"tasksync/internal/logger"
	"tasksync/internal/worker"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var configFile string

var rootCmd = &cobra.Command{
	Use:   "tasksync",
	Short: "Pull tasks from a shared store, execute them locally and push results back",
	Long: `A worker daemon that mirrors pending tasks from a remote database into a local store,
executes them with step-level logging, retries and timeouts, and reports results back.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runDaemon,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "config file (default is built-in defaults)")
	config.RegisterFlags(rootCmd.PersistentFlags())

	rootCmd.AddCommand(syncCmd, healthCmd, statsCmd, cleanupCmd, enqueueCmd, workOnceCmd)
}

// bootstrap loads configuration and creates the logger for cmd
func bootstrap(cmd *cobra.Command) (*config.Config, *zap.Logger, error) {
	cfg, err := config.Load(configFile, cmd.Flags())
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}

	log, err := logger.New(cfg.LogLevel)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	return cfg, log, nil
}

// openService builds a Service with the built-in task handlers
func openService(ctx context.Context, cfg *config.Config, log *zap.Logger) (*app.Service, error) {
	registry := worker.NewRegistry()
	registry.Register("echo", worker.EchoBackend())
	registry.Register("log", worker.LogBackend(log))

	svc, err := app.Open(ctx, cfg, registry, log)
	if err != nil {
		return nil, fmt.Errorf("failed to create service: %w", err)
	}
	return svc, nil
}

// signalContext is cancelled on SIGINT or SIGTERM
func signalContext(log *zap.Logger) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		select {
		case <-sigChan:
			log.Info("Received shutdown signal, gracefully stopping...")
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(sigChan)
	}()

	return ctx, cancel
}

func runDaemon(cmd *cobra.Command, args []string) error {
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

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return svc.Run(gctx)
	})
	if cfg.API.Listen != "" {
		server := api.NewServer(api.Config{Listen: cfg.API.Listen, Token: cfg.API.Token},
			svc, svc.Metrics().Handler(), log)
		g.Go(func() error {
			if err := server.Run(gctx); err != nil {
				return fmt.Errorf("admin api: %w", err)
			}
			return nil
		})
	}

	err = g.Wait()

	if closeErr := svc.Close(); closeErr != nil {
		log.Error("Error closing service", zap.Error(closeErr))
	}

	return err
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

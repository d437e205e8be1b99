package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cuemby/burrow/pkg/api"
	"github.com/cuemby/burrow/pkg/events"
	"github.com/cuemby/burrow/pkg/health"
	"github.com/cuemby/burrow/pkg/log"
	"github.com/cuemby/burrow/pkg/metrics"
	"github.com/cuemby/burrow/pkg/reconciler"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API, gRPC health service and migration reconciler",
	Long: `Run burrow as a service.

The HTTP API exposes schemas, tables, records and migrations, along with
/health, /ready and /metrics. The gRPC health service reports SERVING once
the registry and migration tables are ready. The reconciler resumes
migrations left unfinished by an earlier process.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if addr, _ := cmd.Flags().GetString("http-addr"); addr != "" {
			cfg.Server.HTTPAddr = addr
		}
		if addr, _ := cmd.Flags().GetString("grpc-addr"); addr != "" {
			cfg.Server.GRPCAddr = addr
		}

		ctx := cmd.Context()
		logger := log.WithComponent("serve")

		fmt.Println("Starting burrow...")
		fmt.Printf("  Backend: %s\n", cfg.Backend.Type)
		fmt.Printf("  HTTP API: %s\n", cfg.Server.HTTPAddr)
		fmt.Printf("  gRPC health: %s\n", cfg.Server.GRPCAddr)
		fmt.Println()

		grpcHealth := api.NewHealthService()
		errCh := make(chan error, 2)
		go func() {
			if err := grpcHealth.Start(cfg.Server.GRPCAddr); err != nil {
				errCh <- fmt.Errorf("gRPC health service error: %w", err)
			}
		}()

		s, err := openStack(ctx, cfg)
		if err != nil {
			grpcHealth.Stop()
			return fmt.Errorf("failed to open store: %w", err)
		}
		defer s.Close()
		fmt.Println("✓ Registry and migration tables ready")

		deps := api.Deps{
			Tables:   s.tables,
			Registry: s.registry,
			Items:    s.items,
			Engine:   s.engine,
			Events:   s.broker,
			Guard:    s.guard,
		}
		monitor := health.NewMonitor(health.Config{
			Interval: 10 * time.Second,
			Timeout:  5 * time.Second,
			Retries:  3,
		}, grpcHealth.SetServing, api.ReadinessChecks(deps)...)
		monitor.Start(ctx)

		sub := s.broker.Subscribe()
		go logEvents(sub)

		collector := metrics.NewCollector(s.tables, s.registry, s.engine, 15*time.Second)
		collector.Start()

		var recon *reconciler.Reconciler
		if cfg.Reconciler.Enabled {
			recon = reconciler.NewReconciler(s.engine, reconciler.Config{
				Interval:   cfg.Reconciler.Interval,
				StaleAfter: cfg.Reconciler.StaleAfter,
			})
			recon.Start()
			fmt.Println("✓ Reconciler started")
		}

		server := api.NewServer(deps)
		go func() {
			if err := server.Start(cfg.Server.HTTPAddr); err != nil {
				errCh <- fmt.Errorf("API server error: %w", err)
			}
		}()

		fmt.Println()
		fmt.Println("Burrow is running. Press Ctrl+C to stop.")

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

		select {
		case <-sigCh:
			fmt.Println("\nShutting down...")
		case err := <-errCh:
			logger.Error().Err(err).Msg("Server failed")
			fmt.Fprintf(os.Stderr, "\nError: %v\n", err)
		}

		monitor.Stop()
		grpcHealth.SetServing(false)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Warn().Err(err).Msg("HTTP shutdown incomplete")
		}
		if recon != nil {
			recon.Stop()
		}
		collector.Stop()
		s.broker.Unsubscribe(sub)
		grpcHealth.Stop()

		fmt.Println("✓ Shutdown complete")
		return nil
	},
}

// logEvents writes every broker event to the log until sub is closed
func logEvents(sub events.Subscriber) {
	logger := log.WithComponent("events")
	for ev := range sub {
		e := logger.Info().Str("event", string(ev.Type))
		for k, v := range ev.Metadata {
			e = e.Str(k, v)
		}
		e.Msg(ev.Message)
	}
}

func init() {
	serveCmd.Flags().String("http-addr", "", "Address for the HTTP API (overrides config)")
	serveCmd.Flags().String("grpc-addr", "", "Address for the gRPC health service (overrides config)")
}

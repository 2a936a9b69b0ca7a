package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"jobwatch/internal/auth"
	"jobwatch/internal/config"
	"jobwatch/internal/mockserver"
)

var (
	mockAddr      string
	mockTokens    []string
	mockSimulate  time.Duration
	mockStep      int
	mockFailEvery int
)

var mockServerCmd = &cobra.Command{
	Use:   "mock-server",
	Short: "Run a local job server for development",
	Long: `Serve the job progress protocol on /ws/transcription so the watch command
can be exercised without a real backend.

With --simulate the server runs a synthetic workload: one job at a time,
advancing by --step percent per interval, with every --fail-every'th job
failing half way.

Tokens are checked against MOCK_TOKENS/--token and, when
JOBWATCH_SIGNING_KEY_FILE is set, against HS256 signatures. With neither
configured any non-empty token is accepted.

Examples:
  jobwatch mock-server --addr :8080 --simulate 500ms
  jobwatch mock-server --token dev --simulate 1s --fail-every 3`,
	RunE: runMockServer,
}

func init() {
	rootCmd.AddCommand(mockServerCmd)

	mockServerCmd.Flags().StringVar(&mockAddr, "addr", "", "Listen address (default from MOCK_ADDR or :8080)")
	mockServerCmd.Flags().StringSliceVar(&mockTokens, "token", nil, "Static token to accept (repeatable)")
	mockServerCmd.Flags().DurationVar(&mockSimulate, "simulate", 0, "Run a synthetic workload stepping at this interval (0 disables)")
	mockServerCmd.Flags().IntVar(&mockStep, "step", 20, "Progress increment per simulated step")
	mockServerCmd.Flags().IntVar(&mockFailEvery, "fail-every", 0, "Fail every Nth simulated job (0 never fails)")
}

func runMockServer(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg := config.LoadMockServerConfig()
	if cmd.Flags().Changed("addr") {
		cfg.Addr = mockAddr
	}
	if len(mockTokens) > 0 {
		cfg.Tokens = mockTokens
	}

	authenticator := auth.Authenticator{SigningKey: cfg.SigningKey, Tokens: cfg.Tokens}
	if !authenticator.Enabled() {
		slog.Warn("Token checks disabled - any non-empty token is accepted")
	}

	srv := mockserver.New(authenticator)
	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("Starting mock job server", "addr", cfg.Addr)
		return listen(httpServer)
	})
	if mockSimulate > 0 {
		g.Go(func() error {
			slog.Info("Simulating jobs", "interval", mockSimulate, "step", mockStep, "fail_every", mockFailEvery)
			err := srv.Simulate(gctx, mockserver.SimulationConfig{
				Interval:  mockSimulate,
				Step:      mockStep,
				FailEvery: mockFailEvery,
			})
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		})
	}

	<-gctx.Done()
	if ctx.Err() != nil {
		slog.Info("Received shutdown signal")
	}

	shutdown(5*time.Second, httpServer)
	// Hijacked sessions are not tracked by http.Server; close them with 1001.
	srv.Close()

	if err := g.Wait(); err != nil {
		return err
	}
	slog.Info("Shutdown complete")
	return nil
}

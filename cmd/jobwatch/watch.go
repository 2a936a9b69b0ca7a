package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"jobwatch/internal/api"
	"jobwatch/internal/apperrors"
	"jobwatch/internal/auth"
	"jobwatch/internal/callback"
	"jobwatch/internal/config"
	"jobwatch/internal/dispatcher"
	"jobwatch/internal/eventbus"
	"jobwatch/internal/health"
	"jobwatch/internal/observability"
	"jobwatch/internal/session"
	"jobwatch/internal/view"
)

// tokenSubject is the subject of tokens minted from a local signing key.
const tokenSubject = "jobwatch"

var (
	watchOrigin      string
	watchURL         string
	watchToken       string
	watchJobs        []string
	watchPort        string
	watchMetricsPort string
	watchCallbackURL string
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Connect to a job server and follow its jobs",
	Long: `Open a session to the job server, render job progress to stdout and
serve the tracked jobs on the status API.

The session reconnects on its own after involuntary closes. The command exits
when the reconnect attempts are exhausted or on SIGINT/SIGTERM.

Configuration is read from the environment (JOBWATCH_*, PORT, METRICS_PORT,
CALLBACK_*) and flags override it.

Examples:
  jobwatch watch --origin https://jobs.example.com --token $TOKEN
  jobwatch watch --url ws://localhost:8080/ws/transcription --job j1 --job j2
  CALLBACK_URL=http://localhost:9000/hook jobwatch watch`,
	RunE: runWatch,
}

func init() {
	rootCmd.AddCommand(watchCmd)

	watchCmd.Flags().StringVar(&watchOrigin, "origin", "", "Page origin the WebSocket URL is derived from")
	watchCmd.Flags().StringVar(&watchURL, "url", "", "Full WebSocket endpoint (overrides --origin)")
	watchCmd.Flags().StringVar(&watchToken, "token", "", "Bearer token for the session")
	watchCmd.Flags().StringSliceVar(&watchJobs, "job", nil, "Job ID to subscribe to (repeatable)")
	watchCmd.Flags().StringVar(&watchPort, "port", "", "Status API port")
	watchCmd.Flags().StringVar(&watchMetricsPort, "metrics-port", "", "Metrics port")
	watchCmd.Flags().StringVar(&watchCallbackURL, "callback-url", "", "Forward job lifecycle events to this webhook")
}

// applyWatchFlags lets explicitly set flags override the environment.
func applyWatchFlags(cmd *cobra.Command, clientCfg *config.ClientConfig, svcCfg *config.ServiceConfig, cbCfg *config.CallbackConfig) {
	flags := cmd.Flags()
	if flags.Changed("origin") {
		clientCfg.Origin = watchOrigin
	}
	if flags.Changed("url") {
		clientCfg.WSURL = watchURL
	}
	if flags.Changed("token") {
		clientCfg.Token = watchToken
	}
	if flags.Changed("port") {
		svcCfg.Port = watchPort
	}
	if flags.Changed("metrics-port") {
		svcCfg.MetricsPort = watchMetricsPort
	}
	if flags.Changed("callback-url") {
		cbCfg.URL = watchCallbackURL
	}
	clientCfg.Debug = clientCfg.Debug || debug
}

func runWatch(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Load configuration
	clientCfg := config.LoadClientConfig()
	svcCfg := config.LoadServiceConfig()
	cbCfg := config.LoadCallbackConfig()
	applyWatchFlags(cmd, clientCfg, svcCfg, cbCfg)
	if err := callback.Validate(*cbCfg); err != nil {
		return fmt.Errorf("callback config: %w", err)
	}

	// Setup metrics
	metrics, metricsHandler, err := observability.NewMetrics(ctx)
	if err != nil {
		return err
	}

	client := session.New(session.Config{
		Origin:               clientCfg.Origin,
		WSURL:                clientCfg.WSURL,
		Token:                clientCfg.Token,
		ReconnectInterval:    clientCfg.ReconnectInterval,
		MaxReconnectAttempts: clientCfg.MaxReconnectAttempts,
		HeartbeatInterval:    clientCfg.HeartbeatInterval,
		HandshakeTimeout:     clientCfg.HandshakeTimeout,
		Debug:                clientCfg.Debug,
	}, session.WithMetrics(metrics))

	if clientCfg.Token == "" && clientCfg.SigningKey != "" {
		stopRefresh, err := auth.NewRefresher(clientCfg.SigningKey, tokenSubject, auth.DefaultTTL).Attach(client)
		if err != nil {
			client.Close()
			return fmt.Errorf("mint session token: %w", err)
		}
		defer stopRefresh()
		slog.Info("Minting session tokens from local signing key")
	}

	adapter := view.NewAdapter(view.NewConsole(os.Stdout))
	adapter.Attach(client)
	defer adapter.Detach()

	// Optional webhook forwarding
	var eventDispatcher dispatcher.Dispatcher
	var healthOpts []health.Option
	if cbCfg.Enabled() {
		memory := dispatcher.NewMemory(dispatcher.LoadConfig(), dispatcher.WithMetrics(metrics))
		forwarder := callback.New(*cbCfg, memory)
		forwarder.Attach(client)
		defer forwarder.Detach()

		eventDispatcher = memory
		healthOpts = append(healthOpts, health.WithCallbacks(memory))
	}

	healthChecker := health.NewChecker(client, healthOpts...)

	router := api.NewRouter(api.RouterConfig{
		Session:       client,
		Metrics:       metrics,
		HealthChecker: healthChecker,
		Dispatcher:    eventDispatcher,
		APIKey:        svcCfg.APIKey,
		RateLimit: api.RateLimitConfig{
			Rate:  rate.Limit(svcCfg.RateLimit),
			Burst: svcCfg.RateBurst,
		},
	})

	if svcCfg.APIKey != "" {
		slog.Info("API authentication enabled")
	} else {
		slog.Warn("API authentication disabled - no API_KEY_FILE configured")
	}

	apiServer := &http.Server{
		Addr:         ":" + svcCfg.Port,
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	metricsMux := http.NewServeMux()
	metricsMux.Handle("GET /metrics", metricsHandler)
	metricsServer := &http.Server{
		Addr:         ":" + svcCfg.MetricsPort,
		Handler:      metricsMux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("Starting API server", "port", svcCfg.Port)
		return listen(apiServer)
	})
	g.Go(func() error {
		slog.Info("Starting metrics server", "port", svcCfg.MetricsPort)
		return listen(metricsServer)
	})

	gaveUp := make(chan error, 1)
	stopWatchingReconnects := client.OnFunc(session.EventReconnectFailed, func(e eventbus.Event) {
		p, _ := e.Payload.(session.ReconnectFailedPayload)
		select {
		case gaveUp <- fmt.Errorf("gave up after %d reconnect attempts: %w", p.Attempts, p.Err):
		default:
		}
	})
	defer stopWatchingReconnects()

	for _, id := range watchJobs {
		client.SubscribeToJob(id)
	}

	sessionErr := initialConnect(gctx, client, clientCfg.HandshakeTimeout)
	if sessionErr != nil {
		slog.Error("Session cannot connect", "error", sessionErr)
	} else {
		// Wait for a signal, a server failure or the session giving up
		select {
		case <-gctx.Done():
			if ctx.Err() != nil {
				slog.Info("Received shutdown signal")
			}
		case sessionErr = <-gaveUp:
			slog.Error("Session stopped reconnecting", "error", sessionErr)
		}
	}

	// Phase 1: Mark service as unhealthy for load balancer draining
	healthChecker.SetShuttingDown()

	if svcCfg.ShutdownDrainWait > 0 {
		slog.Info("Waiting for traffic to drain", "duration", svcCfg.ShutdownDrainWait)
		time.Sleep(svcCfg.ShutdownDrainWait)
	}

	// Phase 2: Stop the HTTP surfaces
	slog.Info("Starting graceful shutdown")
	shutdown(25*time.Second, apiServer, metricsServer)

	// Phase 3: Close the session with a normal closure
	if err := client.Close(); err != nil {
		slog.Warn("Session close error", "error", err)
	}

	// Phase 4: Drain callback dispatcher
	if eventDispatcher != nil {
		slog.Info("Draining callback dispatcher")
		dispatcherCtx, dispatcherCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer dispatcherCancel()
		if err := eventDispatcher.Close(dispatcherCtx); err != nil {
			slog.Warn("Dispatcher shutdown error", "error", err)
		}

		stats := eventDispatcher.Stats()
		slog.Info("Dispatcher stats",
			"delivered", stats.Delivered,
			"failed", stats.Failed,
			"dropped", stats.Dropped,
		)
	}

	if err := g.Wait(); err != nil {
		return err
	}
	slog.Info("Shutdown complete")
	return sessionErr
}

type connector interface {
	Connect(ctx context.Context) error
}

// initialConnect opens the first connection. Transport and handshake failures
// are left to the reconnect loop; a missing token or a bad endpoint will not
// fix itself and is returned.
func initialConnect(ctx context.Context, c connector, timeout time.Duration) error {
	connectCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	err := c.Connect(connectCtx)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, apperrors.ErrAuthMissing), errors.Is(err, apperrors.ErrValidation):
		return fmt.Errorf("connect: %w", err)
	default:
		slog.Warn("Initial connection failed, retrying in background", "error", err)
		return nil
	}
}

// listen serves until the server is shut down.
func listen(srv *http.Server) error {
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("listen on %s: %w", srv.Addr, err)
	}
	return nil
}

// shutdown closes servers gracefully within timeout.
func shutdown(timeout time.Duration, servers ...*http.Server) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	for _, srv := range servers {
		if err := srv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Server shutdown error", "addr", srv.Addr, "error", err)
		}
	}
}

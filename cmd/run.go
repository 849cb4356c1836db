package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"shardgate/internal/gateway"
)

func newRunCmd(opts *rootOptions) *cobra.Command {
	var statusInterval time.Duration

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Connect the configured shards and log what they receive",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := wireApp(opts.configPath(), cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer a.close()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return a.run(ctx, statusInterval)
		},
	}

	cmd.Flags().DurationVar(&statusInterval, "status-interval", 30*time.Second, "how often to log a shard summary, 0 disables it")

	return cmd
}

// run spawns the shards and logs until ctx ends or a shard is refused for
// good.
func (a *app) run(ctx context.Context, statusInterval time.Duration) error {
	a.rest.StartSweeper(ctx)

	if a.config.Metrics.Addr != "" {
		srv := a.serveMetrics()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	if a.configPath != "" {
		stopWatching, err := watchConfig(a.configPath, time.Second, a.log, a.reloadToken)
		if err != nil {
			a.log.Warn("config hot reload disabled", zap.Error(err))
		} else {
			defer stopWatching()
		}
	}

	store, closeStore, err := a.sessionStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	manager := a.gatewayManager(store)
	defer manager.Destroy()

	spawned := make(chan error, 1)
	go func() {
		spawned <- manager.Spawn(ctx)
	}()

	var status <-chan time.Time
	if statusInterval > 0 {
		ticker := time.NewTicker(statusInterval)
		defer ticker.Stop()
		status = ticker.C
	}

	events := make(map[gateway.EventType]int)

	for {
		select {
		case <-ctx.Done():
			a.log.Info("shutting down")
			return nil

		case err := <-spawned:
			spawned = nil
			if err != nil && ctx.Err() == nil {
				return fmt.Errorf("spawn shards: %w", err)
			}
			a.log.Info("all shards spawned", zap.Int("shards", len(manager.Shards())))

		case d := <-manager.Dispatches():
			events[d.Type]++
			a.log.Debug("dispatch",
				zap.Int("shard", d.ShardID),
				zap.String("event", string(d.Type)),
				zap.Int64("seq", d.Sequence))

		case err := <-manager.Errors():
			if gateway.IsFatal(err) {
				return err
			}
			a.log.Warn("shard error", zap.Error(err))

		case <-status:
			a.logStatus(manager.Shards(), events)
			events = make(map[gateway.EventType]int)
		}
	}
}

func (a *app) logStatus(shards []gateway.ShardInfo, events map[gateway.EventType]int) {
	connected := 0
	var latency time.Duration

	for _, s := range shards {
		if s.Status == gateway.StatusConnected {
			connected++
			latency += s.Latency
		}
	}
	if connected > 0 {
		latency /= time.Duration(connected)
	}

	total := 0
	for _, n := range events {
		total += n
	}

	a.log.Info("status",
		zap.Int("shards", len(shards)),
		zap.Int("connected", connected),
		zap.Duration("avg_latency", latency),
		zap.Int("events", total),
		zap.Int("rest_queues", a.rest.Queues()))
}

func (a *app) serveMetrics() *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", a.metrics.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	srv := &http.Server{
		Addr:              a.config.Metrics.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.log.Error("metrics server error", zap.Error(err))
		}
	}()

	a.log.Info("metrics server started", zap.String("addr", a.config.Metrics.Addr))

	return srv
}

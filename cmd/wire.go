package cmd

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"shardgate/internal/config"
	"shardgate/internal/gateway"
	"shardgate/internal/logger"
	"shardgate/internal/metrics"
	"shardgate/internal/rest"
)

type app struct {
	config     *config.Config
	configPath string
	log        *zap.Logger
	metrics    *metrics.Metrics
	transport  *rest.HTTPTransport
	rest       *rest.Manager

	tokenMu sync.Mutex
	token   string
}

func wireApp(configPath string, logOut io.Writer) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if err := cfg.RequireToken(); err != nil {
		return nil, err
	}

	log, err := logger.New(cfg.Log.Level, cfg.Log.Format, logOut)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	m := metrics.New()

	transport := rest.NewHTTPTransport(
		rest.WithAPIBase(cfg.API.Base),
		rest.WithAPIVersion(cfg.API.Version),
		rest.WithToken(cfg.Token),
		rest.WithTimeout(cfg.API.Timeout),
	)

	restManager := rest.NewManager(transport,
		rest.WithRetries(cfg.API.Retries),
		rest.WithBackoff(cfg.API.BackoffMin, cfg.API.BackoffMax),
		rest.WithGlobalRPS(cfg.API.GlobalRPS),
		rest.WithSweepInterval(cfg.API.SweepInterval),
		rest.WithLogger(log),
		rest.WithMetrics(m),
	)

	return &app{
		config:     cfg,
		configPath: configPath,
		log:        log,
		metrics:    m,
		transport:  transport,
		rest:       restManager,
		token:      cfg.Token,
	}, nil
}

func (a *app) close() {
	a.rest.Destroy()
	_ = a.log.Sync()
}

// reloadToken swaps the REST token when a reloaded config carries a new one.
// Running shards keep the token they identified with.
func (a *app) reloadToken(cfg *config.Config) {
	if cfg.RequireToken() != nil {
		a.log.Warn("reloaded config has no token, keeping the current one")
		return
	}

	a.tokenMu.Lock()
	defer a.tokenMu.Unlock()

	if cfg.Token == a.token {
		return
	}

	a.token = cfg.Token
	a.transport.SetToken(cfg.Token)
	a.log.Info("token reloaded")
}

// sessionStore picks redis when an address is configured. The returned func
// releases the store.
func (a *app) sessionStore(ctx context.Context) (gateway.SessionStore, func(), error) {
	s := a.config.Session

	if s.RedisAddr == "" {
		return gateway.NewMemoryStore(), func() {}, nil
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     s.RedisAddr,
		Password: s.RedisPassword,
		DB:       s.RedisDB,
	})

	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, nil, fmt.Errorf("connect session redis at %s: %w", s.RedisAddr, err)
	}

	a.log.Info("storing sessions in redis", zap.String("addr", s.RedisAddr))

	store := gateway.NewRedisStore(rdb, gateway.WithRedisPrefix(s.Prefix), gateway.WithRedisTTL(s.TTL))
	return store, func() { _ = rdb.Close() }, nil
}

func (a *app) gatewayManager(store gateway.SessionStore) *gateway.Manager {
	g := a.config.Gateway

	return gateway.NewManager(a.rest,
		gateway.WithShards(g.Shards, g.TotalShards),
		gateway.WithIdentifyInterval(g.IdentifyInterval),
		gateway.WithCloseTimeout(g.CloseTimeout),
		gateway.WithShardConfig(gateway.ShardConfig{
			Token:          strings.TrimPrefix(a.config.Token, "Bot "),
			Intents:        g.Intents,
			Compress:       g.Compress,
			LargeThreshold: g.LargeThreshold,
			GatewayVersion: g.Version,
			KeepSession:    a.config.Session.Keep,
			Store:          store,
		}),
		gateway.WithManagerLogger(a.log),
		gateway.WithManagerMetrics(a.metrics),
	)
}

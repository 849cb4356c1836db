package gateway

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"shardgate/internal/metrics"
	"shardgate/internal/rest"
	"shardgate/internal/sequencer"
)

// minLimitWait bounds how often an exhausted budget is polled when the
// gateway reports no reset time.
const minLimitWait = time.Second

// InfoSource reports the gateway URL and session-start budget.
type InfoSource interface {
	GatewayBot(ctx context.Context) (*rest.GatewayBot, error)
}

type SessionLimit struct {
	Total          int
	Remaining      int
	ResetAfter     time.Duration
	MaxConcurrency int
}

func sessionLimitFrom(l rest.SessionStartLimit) SessionLimit {
	return SessionLimit{
		Total:          l.Total,
		Remaining:      l.Remaining,
		ResetAfter:     time.Duration(l.ResetAfter) * time.Millisecond,
		MaxConcurrency: l.MaxConcurrency,
	}
}

// ShardSpec picks which shards this process runs: an explicit list, a count
// of shards starting at 0, or, when both are empty, the recommended count.
type ShardSpec struct {
	IDs   []int
	Count int
}

func (s ShardSpec) Auto() bool {
	return len(s.IDs) == 0 && s.Count <= 0
}

func (s ShardSpec) resolve(recommended, total int) ([]int, int) {
	if recommended < 1 {
		recommended = 1
	}

	switch {
	case len(s.IDs) > 0:
		ids := append([]int(nil), s.IDs...)
		sort.Ints(ids)

		if total <= 0 {
			total = recommended
		}
		if max := ids[len(ids)-1] + 1; total < max {
			total = max
		}
		return ids, total

	case s.Count > 0:
		return sequence(s.Count), s.Count
	}

	return sequence(recommended), recommended
}

func sequence(n int) []int {
	ids := make([]int, n)
	for i := range ids {
		ids[i] = i
	}
	return ids
}

type ManagerConfig struct {
	Shards      ShardSpec
	TotalShards int

	// IdentifyInterval is how long each identify holds its slot in the
	// session-start throttle.
	IdentifyInterval time.Duration
	RespawnDelay     time.Duration
	MaxRespawnDelay  time.Duration
	CloseTimeout     time.Duration
	DispatchBuffer   int

	Shard ShardConfig

	// NewWorker builds the worker for a shard. Defaults to a SocketWorker.
	NewWorker func(shardID int) Worker

	Logger  *zap.Logger
	Metrics *metrics.Metrics
}

type ManagerConfigOpt func(config *ManagerConfig)

func DefaultManagerConfig() *ManagerConfig {
	return &ManagerConfig{
		IdentifyInterval: 5 * time.Second,
		RespawnDelay:     5 * time.Second,
		MaxRespawnDelay:  2 * time.Minute,
		CloseTimeout:     5 * time.Second,
		DispatchBuffer:   256,
	}
}

func (c *ManagerConfig) Apply(opts []ManagerConfigOpt) {
	for _, opt := range opts {
		opt(c)
	}
}

func WithShards(spec ShardSpec, total int) ManagerConfigOpt {
	return func(config *ManagerConfig) {
		config.Shards = spec
		config.TotalShards = total
	}
}

func WithIdentifyInterval(interval time.Duration) ManagerConfigOpt {
	return func(config *ManagerConfig) {
		config.IdentifyInterval = interval
	}
}

func WithRespawnDelay(delay, max time.Duration) ManagerConfigOpt {
	return func(config *ManagerConfig) {
		config.RespawnDelay = delay
		config.MaxRespawnDelay = max
	}
}

// WithCloseTimeout bounds how long Destroy and each socket close wait.
func WithCloseTimeout(timeout time.Duration) ManagerConfigOpt {
	return func(config *ManagerConfig) {
		config.CloseTimeout = timeout
	}
}

func WithShardConfig(shard ShardConfig) ManagerConfigOpt {
	return func(config *ManagerConfig) {
		config.Shard = shard
	}
}

func WithWorkerFactory(factory func(shardID int) Worker) ManagerConfigOpt {
	return func(config *ManagerConfig) {
		config.NewWorker = factory
	}
}

func WithManagerLogger(logger *zap.Logger) ManagerConfigOpt {
	return func(config *ManagerConfig) {
		config.Logger = logger
	}
}

func WithManagerMetrics(m *metrics.Metrics) ManagerConfigOpt {
	return func(config *ManagerConfig) {
		config.Metrics = m
	}
}

// Manager spawns shards and admits their identifies under the session-start
// budget.
type Manager struct {
	info   InfoSource
	config ManagerConfig
	log    *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.Mutex
	shards     map[int]*Shard
	throttles  []*sequencer.Sequencer
	requeueing map[int]bool
	gatewayURL string
	watching   bool

	limitMu      sync.Mutex
	limit        SessionLimit
	limitFetched time.Time
	recommended  int

	reports  chan shardReport
	dispatch chan Dispatch
	errs     chan error

	destroyed atomic.Bool
	wg        sync.WaitGroup
}

func NewManager(info InfoSource, opts ...ManagerConfigOpt) *Manager {
	config := DefaultManagerConfig()
	config.Apply(opts)

	if config.Logger == nil {
		config.Logger = zap.NewNop()
	}
	if config.Shard.Logger == nil {
		config.Shard.Logger = config.Logger
	}
	if config.Shard.Metrics == nil {
		config.Shard.Metrics = config.Metrics
	}
	if config.NewWorker == nil {
		logger := config.Logger
		config.NewWorker = func(shardID int) Worker {
			return NewSocketWorker(shardID, SocketWorkerConfig{CloseTimeout: config.CloseTimeout, Logger: logger})
		}
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Manager{
		info:       info,
		config:     *config,
		log:        config.Logger.Named("gateway"),
		ctx:        ctx,
		cancel:     cancel,
		shards:     make(map[int]*Shard),
		requeueing: make(map[int]bool),
		reports:    make(chan shardReport, 64),
		dispatch:   make(chan Dispatch, config.DispatchBuffer),
		errs:       make(chan error, 64),
	}
}

// Dispatches delivers every dispatch from every shard, tagged with its shard.
func (m *Manager) Dispatches() <-chan Dispatch {
	return m.dispatch
}

// Errors delivers shard failures: respawn errors and fatal gateway errors.
func (m *Manager) Errors() <-chan error {
	return m.errs
}

func (m *Manager) SessionLimit() SessionLimit {
	m.limitMu.Lock()
	defer m.limitMu.Unlock()
	return m.limit
}

func (m *Manager) Shard(id int) (*Shard, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.shards[id]
	return s, ok
}

// Shards returns a snapshot of every shard, ordered by id.
func (m *Manager) Shards() []ShardInfo {
	m.mu.Lock()
	shards := make([]*Shard, 0, len(m.shards))
	for _, s := range m.shards {
		shards = append(shards, s)
	}
	m.mu.Unlock()

	infos := make([]ShardInfo, 0, len(shards))
	for _, s := range shards {
		infos = append(infos, s.Info())
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].ID < infos[j].ID })

	return infos
}

// refreshLimit fetches the budget. The fetch runs without limitMu held so
// SessionLimit stays responsive.
func (m *Manager) refreshLimit(ctx context.Context) error {
	bot, err := m.info.GatewayBot(ctx)
	if err != nil {
		return fmt.Errorf("gateway: fetch session limit: %w", err)
	}

	m.limitMu.Lock()
	m.limit = sessionLimitFrom(bot.SessionStartLimit)
	m.limitFetched = time.Now()
	m.recommended = bot.Shards
	m.limitMu.Unlock()

	m.mu.Lock()
	m.gatewayURL = bot.URL
	m.mu.Unlock()

	return nil
}

// Spawn fetches the gateway URL and budget, creates the configured shards and
// queues each for identify. It returns once every shard has sent its
// handshake, or with the first fatal error.
func (m *Manager) Spawn(ctx context.Context) error {
	if m.destroyed.Load() {
		return ErrManagerDestroyed
	}

	if err := m.refreshLimit(ctx); err != nil {
		return err
	}

	m.limitMu.Lock()
	limit, recommended := m.limit, m.recommended
	m.limitMu.Unlock()

	ids, total := m.config.Shards.resolve(recommended, m.config.TotalShards)

	concurrency := limit.MaxConcurrency
	if concurrency < 1 {
		concurrency = 1
	}

	m.mu.Lock()
	if m.throttles == nil {
		m.throttles = make([]*sequencer.Sequencer, concurrency)
		for i := range m.throttles {
			m.throttles[i] = sequencer.New()
		}
	}

	for _, id := range ids {
		if _, ok := m.shards[id]; !ok {
			m.shards[id] = NewShard(id, total, m.config.NewWorker(id), m.config.Shard, m.reports, m.dispatch)
		}
	}

	if !m.watching {
		m.watching = true
		m.wg.Add(1)
		go m.watch()
	}
	throttles := len(m.throttles)
	m.mu.Unlock()

	m.log.Info("spawning shards",
		zap.Ints("shards", ids),
		zap.Int("total", total),
		zap.Int("session_remaining", limit.Remaining),
		zap.Int("max_concurrency", limit.MaxConcurrency))

	// Shards that share a throttle are queued in id order by one goroutine.
	groups := make([][]int, throttles)
	for _, id := range ids {
		groups[id%throttles] = append(groups[id%throttles], id)
	}

	var (
		wg    sync.WaitGroup
		errMu sync.Mutex
		first error
	)

	for _, group := range groups {
		if len(group) == 0 {
			continue
		}

		wg.Add(1)
		go func(group []int) {
			defer wg.Done()

			for _, id := range group {
				err := m.queueShard(ctx, id)
				if err == nil {
					continue
				}

				if IsFatal(err) || ctx.Err() != nil || errors.Is(err, ErrManagerDestroyed) {
					errMu.Lock()
					if first == nil {
						first = err
					}
					errMu.Unlock()

					if ctx.Err() != nil || errors.Is(err, ErrManagerDestroyed) {
						return
					}
					m.emitError(err)
					continue
				}

				m.emitError(fmt.Errorf("gateway: spawn shard %d: %w", id, err))

				m.wg.Add(1)
				go func(id int) {
					defer m.wg.Done()
					m.requeue(id)
				}(id)
			}
		}(group)
	}

	wg.Wait()

	return first
}

func (m *Manager) throttle(id int) *sequencer.Sequencer {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.throttles[id%len(m.throttles)]
}

// queueShard waits for id's identify slot, makes sure the budget allows one
// more session start, and connects the shard. The slot is held for
// IdentifyInterval after the handshake is sent. A shard with a stored session
// resumes it right away, since a resume is not a session start.
func (m *Manager) queueShard(ctx context.Context, id int) error {
	shard, ok := m.Shard(id)
	if !ok {
		return fmt.Errorf("gateway: unknown shard %d", id)
	}

	if shard.canResume(ctx) {
		m.log.Info("resuming shard", zap.Int("shard", id))
		return shard.Connect(ctx, m.url())
	}

	throttle := m.throttle(id)
	if err := throttle.Wait(ctx); err != nil {
		return err
	}

	if m.destroyed.Load() {
		throttle.Release()
		return ErrManagerDestroyed
	}

	if err := m.reserveIdentify(ctx); err != nil {
		throttle.Release()
		return err
	}

	m.config.Metrics.Identify()
	m.log.Info("connecting shard", zap.Int("shard", id), zap.Int("queued", throttle.Remaining()))

	err := shard.Connect(ctx, m.url())

	time.AfterFunc(m.config.IdentifyInterval, throttle.Release)

	return err
}

func (m *Manager) url() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.gatewayURL
}

// reserveIdentify takes one session-start credit, refreshing the budget when
// it is stale or spent and sleeping out the reset for as long as the gateway
// reports it exhausted.
func (m *Manager) reserveIdentify(ctx context.Context) error {
	m.limitMu.Lock()
	stale := m.limit.Remaining <= 0 || time.Since(m.limitFetched) > m.limit.ResetAfter
	m.limitMu.Unlock()

	if stale {
		if err := m.refreshLimit(ctx); err != nil {
			m.log.Warn("refreshing session limit failed", zap.Error(err))
		}
	}

	for {
		m.limitMu.Lock()
		if m.limit.Remaining > 0 {
			m.limit.Remaining--
			m.limitMu.Unlock()
			return nil
		}
		wait := m.limit.ResetAfter
		m.limitMu.Unlock()

		if wait <= 0 {
			wait = minLimitWait
		}

		m.log.Warn("session start limit exhausted", zap.Duration("reset_after", wait))

		if err := sleep(ctx, wait); err != nil {
			return err
		}

		if err := m.refreshLimit(ctx); err != nil {
			// The reset has passed, so the budget is assumed to be full again.
			m.log.Warn("refreshing session limit failed, assuming a full budget", zap.Error(err))

			m.limitMu.Lock()
			m.limit.Remaining = m.limit.Total
			m.limitFetched = time.Now()
			m.limitMu.Unlock()
		}
	}
}

func (m *Manager) watch() {
	defer m.wg.Done()

	for {
		select {
		case <-m.ctx.Done():
			return

		case r := <-m.reports:
			switch r.kind {
			case reportIdentify:
				m.log.Info("shard needs a new session", zap.Int("shard", r.shard))
				m.wg.Add(1)
				go func(id int) {
					defer m.wg.Done()
					m.requeue(id)
				}(r.shard)

			case reportReady:
				m.log.Info("shard connected", zap.Int("shard", r.shard))

			case reportFatal:
				m.log.Error("shard failed", zap.Int("shard", r.shard), zap.Error(r.err))
				m.emitError(r.err)
			}
		}
	}
}

// requeue puts id back through the identify throttle until it connects, the
// gateway refuses it for good, or the manager is destroyed.
func (m *Manager) requeue(id int) {
	m.mu.Lock()
	if m.requeueing[id] {
		m.mu.Unlock()
		return
	}
	m.requeueing[id] = true
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		delete(m.requeueing, id)
		m.mu.Unlock()
	}()

	delay := m.config.RespawnDelay

	for {
		err := m.queueShard(m.ctx, id)
		if err == nil || m.destroyed.Load() || m.ctx.Err() != nil {
			return
		}

		m.log.Warn("respawn failed", zap.Int("shard", id), zap.Error(err))
		m.emitError(fmt.Errorf("gateway: respawn shard %d: %w", id, err))

		if IsFatal(err) {
			return
		}

		if err := sleep(m.ctx, delay); err != nil {
			return
		}

		if delay *= 2; delay > m.config.MaxRespawnDelay {
			delay = m.config.MaxRespawnDelay
		}
	}
}

func (m *Manager) emitError(err error) {
	select {
	case m.errs <- err:
	default:
		m.log.Warn("error channel full, dropping", zap.Error(err))
	}
}

// Destroy stops admitting identifies and closes every shard, waiting at most
// CloseTimeout for them.
func (m *Manager) Destroy() {
	if m.destroyed.Swap(true) {
		return
	}

	m.cancel()

	m.mu.Lock()
	shards := make([]*Shard, 0, len(m.shards))
	for _, s := range m.shards {
		shards = append(shards, s)
	}
	m.mu.Unlock()

	done := make(chan struct{})
	go func() {
		var wg sync.WaitGroup
		for _, s := range shards {
			wg.Add(1)
			go func(s *Shard) {
				defer wg.Done()
				s.Close()
			}(s)
		}
		wg.Wait()
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(m.config.CloseTimeout):
		m.log.Warn("timed out waiting for shards to close")
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

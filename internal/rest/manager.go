package rest

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"shardgate/internal/metrics"
)

type ManagerConfig struct {
	Retries       int
	BackoffMin    time.Duration
	BackoffMax    time.Duration
	GlobalRPS     float64
	SweepInterval time.Duration
	Logger        *zap.Logger
	Metrics       *metrics.Metrics
}

type ManagerConfigOpt func(config *ManagerConfig)

func DefaultManagerConfig() *ManagerConfig {
	return &ManagerConfig{
		Retries:       DefaultRetries,
		BackoffMin:    DefaultBackoffMin,
		BackoffMax:    DefaultBackoffMax,
		GlobalRPS:     DefaultGlobalRPS,
		SweepInterval: DefaultSweepInterval,
	}
}

func (c *ManagerConfig) Apply(opts []ManagerConfigOpt) {
	for _, opt := range opts {
		opt(c)
	}
}

func WithRetries(retries int) ManagerConfigOpt {
	return func(config *ManagerConfig) {
		config.Retries = retries
	}
}

func WithBackoff(min, max time.Duration) ManagerConfigOpt {
	return func(config *ManagerConfig) {
		config.BackoffMin = min
		config.BackoffMax = max
	}
}

// WithGlobalRPS caps requests per second across all buckets; 0 disables it.
func WithGlobalRPS(rps float64) ManagerConfigOpt {
	return func(config *ManagerConfig) {
		config.GlobalRPS = rps
	}
}

func WithSweepInterval(interval time.Duration) ManagerConfigOpt {
	return func(config *ManagerConfig) {
		config.SweepInterval = interval
	}
}

func WithLogger(logger *zap.Logger) ManagerConfigOpt {
	return func(config *ManagerConfig) {
		config.Logger = logger
	}
}

func WithMetrics(m *metrics.Metrics) ManagerConfigOpt {
	return func(config *ManagerConfig) {
		config.Metrics = m
	}
}

// Manager routes requests onto bucket queues.
type Manager struct {
	transport Transport
	config    ManagerConfig
	log       *zap.Logger
	metrics   *metrics.Metrics
	limiter   *rate.Limiter
	lockout   globalLockout

	mu     sync.Mutex
	queues map[string]*RequestQueue
	hashes map[string]string

	destroyed atomic.Bool
}

func NewManager(transport Transport, opts ...ManagerConfigOpt) *Manager {
	config := DefaultManagerConfig()
	config.Apply(opts)

	log := config.Logger
	if log == nil {
		log = zap.NewNop()
	}

	m := &Manager{
		transport: transport,
		config:    *config,
		log:       log.Named("rest"),
		metrics:   config.Metrics,
		queues:    make(map[string]*RequestQueue),
		hashes:    make(map[string]string),
	}

	if config.GlobalRPS > 0 {
		burst := int(config.GlobalRPS)
		if burst < 1 {
			burst = 1
		}
		m.limiter = rate.NewLimiter(rate.Limit(config.GlobalRPS), burst)
	}

	return m
}

// Do schedules req on its bucket and blocks until it completes or fails for
// good. Requests on the same bucket complete in the order Do was called.
func (m *Manager) Do(ctx context.Context, req *Request) (*Response, error) {
	route := Resolve(req.Method, req.Endpoint)

	q, err := m.acquire(route)
	if err != nil {
		return nil, err
	}
	defer m.release(q)

	return q.execute(ctx, m, &queuedRequest{
		request:     req,
		route:       route,
		retriesLeft: m.config.Retries,
	})
}

// DoJSON runs req and decodes a successful body into v.
func (m *Manager) DoJSON(ctx context.Context, req *Request, v any) error {
	response, err := m.Do(ctx, req)
	if err != nil {
		return err
	}

	if v == nil || len(response.Body) == 0 {
		return nil
	}

	return response.Decode(v)
}

func (m *Manager) bucketKey(route Route) string {
	if hash, ok := m.hashes[route.Key()]; ok {
		return hash + ":" + route.MajorParameter
	}
	return route.unknownBucketKey()
}

func (m *Manager) acquire(route Route) (*RequestQueue, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := m.bucketKey(route)

	q, ok := m.queues[key]
	if !ok {
		if m.destroyed.Load() {
			return nil, ErrDestroyed
		}

		q = newRequestQueue(key, Bucket{Hash: m.hashes[route.Key()], MajorParameter: route.MajorParameter})
		m.queues[key] = q
		m.metrics.SetQueues(m.queueCount())
	}

	q.refs++
	return q, nil
}

func (m *Manager) release(q *RequestQueue) {
	m.mu.Lock()
	q.refs--
	m.mu.Unlock()
}

// learn records the hash a response on route reported. Later requests for the
// route are keyed by the hash. When no queue holds that key yet, the queue that
// saw the response is filed under it as well, so requests already waiting
// there and requests keyed by the hash still take turns on one sequencer.
func (m *Manager) learn(route Route, from *RequestQueue) {
	bucket := from.Bucket()
	if bucket.Hash == "" {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.hashes[route.Key()] == bucket.Hash {
		return
	}

	m.hashes[route.Key()] = bucket.Hash

	key := bucket.Key()
	if _, ok := m.queues[key]; ok || key == from.key {
		return
	}

	m.queues[key] = from
	m.metrics.SetQueues(m.queueCount())

	m.log.Debug("learned bucket hash", zap.String("route", route.Key()), zap.String("bucket", key))
}

// queueCount counts distinct queues; a queue can be filed under two keys. It
// must be called with mu held.
func (m *Manager) queueCount() int {
	seen := make(map[*RequestQueue]struct{}, len(m.queues))
	for _, q := range m.queues {
		seen[q] = struct{}{}
	}
	return len(seen)
}

func (m *Manager) backoff(attempt int) time.Duration {
	d := m.config.BackoffMin
	for i := 1; i < attempt && d < m.config.BackoffMax; i++ {
		d *= 2
	}
	if d > m.config.BackoffMax {
		d = m.config.BackoffMax
	}
	return d
}

// Sweep drops queues that have been empty and untouched for longer than the
// sweep interval, and forgets hashes no remaining queue uses, so the next
// request on a swept route starts over on an unknown bucket. It returns how
// many queues were removed.
func (m *Manager) Sweep() int {
	cutoff := time.Now().Add(-m.config.SweepInterval)

	m.mu.Lock()
	defer m.mu.Unlock()

	swept := make(map[*RequestQueue]bool)
	for key, q := range m.queues {
		if q.refs > 0 || q.seq.Busy() || q.seq.Remaining() > 0 {
			continue
		}

		if q.idleSince().Before(cutoff) {
			delete(m.queues, key)
			swept[q] = true
		}
	}
	removed := len(swept)

	if removed == 0 {
		return 0
	}

	live := make(map[string]bool, len(m.queues))
	for _, q := range m.queues {
		if hash := q.Bucket().Hash; hash != "" {
			live[hash] = true
		}
	}

	for route, hash := range m.hashes {
		if !live[hash] {
			delete(m.hashes, route)
		}
	}

	active := m.queueCount()
	m.metrics.SetQueues(active)
	m.log.Debug("swept idle bucket queues", zap.Int("removed", removed), zap.Int("active", active))

	return removed
}

// StartSweeper runs Sweep periodically until ctx is done.
func (m *Manager) StartSweeper(ctx context.Context) {
	if m.config.SweepInterval <= 0 {
		return
	}

	ticker := time.NewTicker(m.config.SweepInterval)

	go func() {
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.Sweep()
			}
		}
	}()
}

// Queue returns the active queue for key, if any.
func (m *Manager) Queue(key string) (*RequestQueue, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	q, ok := m.queues[key]
	return q, ok
}

// QueueFor returns the queue a request to method and endpoint would run on now.
func (m *Manager) QueueFor(method, endpoint string) (*RequestQueue, bool) {
	route := Resolve(method, endpoint)

	m.mu.Lock()
	defer m.mu.Unlock()

	q, ok := m.queues[m.bucketKey(route)]
	return q, ok
}

// Queues is the number of active bucket queues.
func (m *Manager) Queues() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.queueCount()
}

// GlobalLockedUntil is when the current global lockout ends.
func (m *Manager) GlobalLockedUntil() time.Time {
	return m.lockout.Until()
}

// Destroy stops new queues from being created. Requests already queued run to
// completion and the sweeper keeps running.
func (m *Manager) Destroy() {
	m.destroyed.Store(true)
}

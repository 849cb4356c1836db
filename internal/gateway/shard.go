package gateway

import (
	"context"
	"errors"
	"math/rand"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"shardgate/internal/metrics"
)

type Status int32

const (
	StatusDisconnected Status = iota
	StatusConnecting
	StatusIdentifying
	StatusResuming
	StatusConnected
	StatusReconnecting
)

func (s Status) String() string {
	switch s {
	case StatusDisconnected:
		return "disconnected"
	case StatusConnecting:
		return "connecting"
	case StatusIdentifying:
		return "identifying"
	case StatusResuming:
		return "resuming"
	case StatusConnected:
		return "connected"
	case StatusReconnecting:
		return "reconnecting"
	}
	return "unknown"
}

type ShardConfig struct {
	Token          string
	Intents        Intents
	Properties     IdentifyProperties
	Compress       bool
	LargeThreshold int
	Presence       *PresenceUpdate
	GatewayVersion int

	// ReconnectDelay is the first wait before reopening a resumable
	// connection; it doubles up to MaxReconnectDelay while dials fail.
	ReconnectDelay    time.Duration
	MaxReconnectDelay time.Duration

	// InvalidSessionDelay picks the wait after a resumable invalid session.
	InvalidSessionDelay func() time.Duration

	HandshakeTimeout time.Duration

	// KeepSession closes with a resumable code on Close and keeps the stored
	// session, so the next process can resume instead of identifying.
	KeepSession bool
	Store       SessionStore

	Logger  *zap.Logger
	Metrics *metrics.Metrics
}

func (c *ShardConfig) withDefaults() {
	if c.GatewayVersion == 0 {
		c.GatewayVersion = 10
	}
	if c.Properties == (IdentifyProperties{}) {
		c.Properties = DefaultIdentifyProperties()
	}
	if c.ReconnectDelay <= 0 {
		c.ReconnectDelay = time.Second
	}
	if c.MaxReconnectDelay < c.ReconnectDelay {
		c.MaxReconnectDelay = 2 * time.Minute
	}
	if c.InvalidSessionDelay == nil {
		c.InvalidSessionDelay = func() time.Duration {
			return time.Second + time.Duration(rand.Int63n(int64(4*time.Second)))
		}
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 30 * time.Second
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
}

// ShardInfo is a point-in-time view of a shard.
type ShardInfo struct {
	ID                int
	Total             int
	Status            Status
	SessionID         string
	Sequence          int64
	HeartbeatInterval time.Duration
	LastHeartbeatAck  time.Time
	Latency           time.Duration
}

type reportKind int

const (
	// reportIdentify asks the manager for a fresh identify through the throttle.
	reportIdentify reportKind = iota
	reportReady
	reportFatal
)

type shardReport struct {
	shard int
	kind  reportKind
	err   error
}

type commandKind int

const (
	cmdConnect commandKind = iota
	cmdReopen
	cmdCanResume
)

type command struct {
	kind      commandKind
	url       string
	epoch     uint64
	reply     chan error
	resumable chan bool
}

var errConnectSuperseded = errors.New("gateway: connect superseded")

// Shard drives one gateway session. All of its state is owned by the run
// goroutine; other goroutines read it through Info.
type Shard struct {
	id     int
	total  int
	config ShardConfig
	worker Worker
	log    *zap.Logger

	reports  chan<- shardReport
	dispatch *relay[Dispatch]

	commands chan command
	quit     chan struct{}
	quitOnce sync.Once
	done     chan struct{}

	mu   sync.RWMutex
	info ShardInfo

	// Owned by run.
	resumeURL  string
	gatewayURL string
	conn       uint64
	epoch      uint64
	attempt    int
	pending    chan error
	loaded     bool
	fatal      error
}

func NewShard(id, total int, worker Worker, config ShardConfig, reports chan<- shardReport, dispatch chan<- Dispatch) *Shard {
	config.withDefaults()

	s := &Shard{
		id:       id,
		total:    total,
		config:   config,
		worker:   worker,
		log:      config.Logger.With(zap.Int("shard", id)),
		reports:  reports,
		commands: make(chan command),
		quit:     make(chan struct{}),
		done:     make(chan struct{}),
		info:     ShardInfo{ID: id, Total: total},
	}

	if dispatch != nil {
		// Delivery is queued so a slow consumer never holds up the run loop.
		s.dispatch = newRelay[Dispatch](dispatch, s.quit)
	}

	go s.run()

	return s
}

func (s *Shard) ID() int {
	return s.id
}

func (s *Shard) Info() ShardInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.info
}

func (s *Shard) Status() Status {
	return s.Info().Status
}

// Connect opens the socket and returns once Identify or Resume has been sent,
// or the attempt failed.
func (s *Shard) Connect(ctx context.Context, gatewayURL string) error {
	reply := make(chan error, 1)

	select {
	case s.commands <- command{kind: cmdConnect, url: gatewayURL, reply: reply}:
	case <-s.quit:
		return ErrShardClosed
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-reply:
		return err
	case <-s.quit:
		return ErrShardClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// canResume loads any stored session and reports whether the next Connect
// will resume it rather than identify.
func (s *Shard) canResume(ctx context.Context) bool {
	resumable := make(chan bool, 1)

	select {
	case s.commands <- command{kind: cmdCanResume, resumable: resumable}:
	case <-s.quit:
		return false
	case <-ctx.Done():
		return false
	}

	select {
	case ok := <-resumable:
		return ok
	case <-s.quit:
		return false
	case <-ctx.Done():
		return false
	}
}

// Send writes a command such as a presence update. Only connected shards
// accept commands.
func (s *Shard) Send(ctx context.Context, op Opcode, d any) error {
	if s.Status() != StatusConnected {
		return ErrNotConnected
	}
	return s.worker.Send(ctx, op, d)
}

func (s *Shard) UpdatePresence(ctx context.Context, presence PresenceUpdate) error {
	return s.Send(ctx, OpPresenceUpdate, presence)
}

func (s *Shard) UpdateVoiceState(ctx context.Context, state VoiceStateUpdate) error {
	return s.Send(ctx, OpVoiceStateUpdate, state)
}

func (s *Shard) RequestGuildMembers(ctx context.Context, req RequestGuildMembers) error {
	return s.Send(ctx, OpRequestGuildMembers, req)
}

// Close tears the shard down and waits for its goroutine to exit.
func (s *Shard) Close() {
	s.quitOnce.Do(func() {
		close(s.quit)
	})
	<-s.done
}

func (s *Shard) run() {
	defer close(s.done)

	events := s.worker.Events()

	for {
		select {
		case <-s.quit:
			s.teardown()
			return

		case cmd := <-s.commands:
			switch cmd.kind {
			case cmdConnect:
				s.connect(cmd.url, cmd.reply)
			case cmdReopen:
				s.reopen(cmd.epoch)
			case cmdCanResume:
				s.loadSession()
				cmd.resumable <- s.fatal == nil && s.session().Resumable()
			}

		case ev := <-events:
			s.handleEvent(ev)
		}
	}
}

func (s *Shard) update(fn func(info *ShardInfo)) {
	s.mu.Lock()
	fn(&s.info)
	s.mu.Unlock()
}

func (s *Shard) setStatus(status Status) {
	s.mu.Lock()
	previous := s.info.Status
	s.info.Status = status
	s.mu.Unlock()

	if previous != status {
		s.log.Debug("status changed", zap.Stringer("from", previous), zap.Stringer("to", status))
		s.config.Metrics.ShardStatus(s.id, int(status))
	}
}

func (s *Shard) session() SessionState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return SessionState{SessionID: s.info.SessionID, Sequence: s.info.Sequence, ResumeURL: s.resumeURL}
}

func (s *Shard) report(kind reportKind, err error) {
	if s.reports == nil {
		return
	}

	select {
	case s.reports <- shardReport{shard: s.id, kind: kind, err: err}:
	case <-s.quit:
	}
}

func (s *Shard) connect(gatewayURL string, reply chan error) {
	if s.fatal != nil {
		reply <- s.fatal
		return
	}

	switch s.Status() {
	case StatusIdentifying, StatusResuming, StatusConnected:
		reply <- nil
		return
	}

	if s.pending != nil {
		s.pending <- errConnectSuperseded
	}

	s.gatewayURL = gatewayURL
	s.loadSession()

	s.pending = reply
	s.epoch++
	s.setStatus(StatusConnecting)

	if err := s.open(); err != nil {
		s.pending = nil
		s.setStatus(StatusDisconnected)
		reply <- err
	}
}

func (s *Shard) open() error {
	url := s.gatewayURL
	if state := s.session(); state.Resumable() && state.ResumeURL != "" {
		url = state.ResumeURL
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.config.HandshakeTimeout)
	defer cancel()

	conn, err := s.worker.Open(ctx, s.socketURL(url), s.session().Sequence)
	if err != nil {
		return err
	}

	s.conn = conn
	return nil
}

func (s *Shard) socketURL(base string) string {
	sep := "?"
	if strings.Contains(base, "?") {
		sep = "&"
	}
	return base + sep + "v=" + strconv.Itoa(s.config.GatewayVersion) + "&encoding=json"
}

func (s *Shard) handleEvent(ev WorkerEvent) {
	if ev.Conn != s.conn || s.conn == 0 {
		return
	}

	switch ev.Kind {
	case WorkerHeartbeatAck:
		now := time.Now()
		s.update(func(info *ShardInfo) {
			info.LastHeartbeatAck = now
			info.Latency = ev.Latency
		})
		s.config.Metrics.ShardLatency(s.id, ev.Latency)

	case WorkerClosed:
		s.closed(ev)

	case WorkerFrame:
		s.handleFrame(ev.Frame)
	}
}

func (s *Shard) handleFrame(f *Frame) {
	switch f.Op {
	case OpHello:
		var hello helloData
		if err := json.Unmarshal(f.D, &hello); err != nil {
			s.log.Warn("bad hello", zap.Error(err))
			return
		}
		s.hello(hello.interval())

	case OpDispatch:
		s.handleDispatch(f)

	case OpReconnect:
		s.log.Info("gateway requested reconnect")
		s.reconnect(s.config.ReconnectDelay)

	case OpInvalidSession:
		var resumable bool
		_ = json.Unmarshal(f.D, &resumable)
		s.invalidSession(resumable)
	}
}

func (s *Shard) hello(interval time.Duration) {
	s.update(func(info *ShardInfo) { info.HeartbeatInterval = interval })
	s.worker.StartHeartbeat(interval)

	state := s.session()

	if !state.Resumable() && s.pending == nil {
		// A fresh session costs a session-start credit, so it has to go
		// through the manager.
		s.requestIdentify()
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.config.HandshakeTimeout)
	defer cancel()

	var err error
	if state.Resumable() {
		s.setStatus(StatusResuming)
		err = s.worker.Send(ctx, OpResume, resumeData{
			Token:     s.config.Token,
			SessionID: state.SessionID,
			Sequence:  state.Sequence,
		})
	} else {
		s.setStatus(StatusIdentifying)
		err = s.worker.Send(ctx, OpIdentify, identifyData{
			Token:          s.config.Token,
			Properties:     s.config.Properties,
			Compress:       s.config.Compress,
			LargeThreshold: s.config.LargeThreshold,
			Shard:          [2]int{s.id, s.total},
			Presence:       s.config.Presence,
			Intents:        s.config.Intents,
		})
	}

	if s.pending != nil {
		s.pending <- err
		s.pending = nil
	}

	if err != nil {
		s.log.Warn("handshake send failed", zap.Error(err))
		s.reconnect(s.config.ReconnectDelay)
	}
}

func (s *Shard) handleDispatch(f *Frame) {
	if f.S > 0 {
		if current := s.Info().Sequence; current > 0 && f.S <= current {
			s.log.Debug("ignoring stale dispatch", zap.Int64("seq", f.S), zap.Int64("current", current))
			return
		}
		s.update(func(info *ShardInfo) { info.Sequence = f.S })
	}

	switch f.T {
	case EventReady:
		var ready readyData
		if err := json.Unmarshal(f.D, &ready); err != nil {
			s.log.Warn("bad ready", zap.Error(err))
			return
		}

		s.resumeURL = ready.ResumeGatewayURL
		s.update(func(info *ShardInfo) { info.SessionID = ready.SessionID })
		s.connected()
		s.log.Info("ready", zap.String("session", ready.SessionID), zap.Int("guilds", len(ready.Guilds)))

	case EventResumed:
		s.connected()
		s.log.Info("resumed", zap.Int64("seq", s.Info().Sequence))
	}

	if s.dispatch == nil {
		return
	}

	s.dispatch.push(Dispatch{ShardID: s.id, Type: f.T, Sequence: f.S, Data: f.D})
}

func (s *Shard) connected() {
	s.attempt = 0
	s.setStatus(StatusConnected)
	s.saveSession()
	s.report(reportReady, nil)
}

func (s *Shard) invalidSession(resumable bool) {
	if resumable && s.session().Resumable() {
		s.log.Info("session invalidated, resuming")
		s.reconnect(s.config.InvalidSessionDelay())
		return
	}

	s.log.Info("session invalidated, identifying again")
	s.worker.Close(closeReconnect)
	s.conn = 0
	s.clearSession()
	s.requestIdentify()
}

// reconnect drops the socket, keeping the session, and reopens after delay.
func (s *Shard) reconnect(delay time.Duration) {
	s.worker.Close(closeReconnect)
	s.conn = 0
	s.setStatus(StatusReconnecting)
	s.scheduleReopen(delay)
}

func (s *Shard) scheduleReopen(delay time.Duration) {
	s.epoch++
	epoch := s.epoch

	time.AfterFunc(delay, func() {
		select {
		case s.commands <- command{kind: cmdReopen, epoch: epoch}:
		case <-s.quit:
		}
	})
}

func (s *Shard) reopen(epoch uint64) {
	if epoch != s.epoch || s.Status() != StatusReconnecting {
		return
	}

	if !s.session().Resumable() {
		s.requestIdentify()
		return
	}

	if err := s.open(); err != nil {
		s.attempt++
		delay := s.config.ReconnectDelay << s.attempt
		if delay > s.config.MaxReconnectDelay || delay <= 0 {
			delay = s.config.MaxReconnectDelay
		}

		s.log.Warn("reconnect failed", zap.Error(err), zap.Duration("retry_in", delay))
		s.scheduleReopen(delay)
	}
}

func (s *Shard) requestIdentify() {
	if s.conn != 0 {
		s.worker.Close(closeReconnect)
		s.conn = 0
	}

	s.epoch++
	s.setStatus(StatusConnecting)
	s.report(reportIdentify, nil)
}

func (s *Shard) closed(ev WorkerEvent) {
	s.conn = 0

	kind := classifyClose(ev.Code)
	if ev.Local {
		kind = closeResumable
	}

	log := s.log.With(zap.Int("code", ev.Code), zap.Bool("zombie", ev.Zombie))

	var err error
	switch kind {
	case closeFatal:
		err = &FatalGatewayError{Shard: s.id, Code: ev.Code, Reason: closeReason(ev.Code)}
	default:
		err = &DisconnectError{Shard: s.id, Code: ev.Code, Resumable: kind == closeResumable, Err: ev.Err}
	}

	if kind != closeResumable {
		s.clearSession()
	}

	if s.pending != nil {
		// Whoever is waiting in Connect decides what happens next.
		s.pending <- err
		s.pending = nil
		s.setStatus(StatusDisconnected)

		if kind == closeFatal {
			s.fatal = err
		}
		log.Warn("connection closed during handshake", zap.Error(err))
		return
	}

	switch {
	case kind == closeFatal:
		s.fatal = err
		s.setStatus(StatusDisconnected)
		log.Error("gateway refused shard", zap.Error(err))
		s.report(reportFatal, err)

	case kind == closeResumable && s.session().Resumable():
		log.Info("connection lost, resuming")
		s.reconnect(s.config.ReconnectDelay)

	default:
		log.Info("connection lost, identifying again")
		s.requestIdentify()
	}
}

func (s *Shard) clearSession() {
	s.resumeURL = ""
	s.update(func(info *ShardInfo) {
		info.SessionID = ""
		info.Sequence = 0
	})

	if s.config.Store == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := s.config.Store.Delete(ctx, s.id); err != nil {
		s.log.Warn("deleting stored session failed", zap.Error(err))
	}
}

func (s *Shard) saveSession() {
	if s.config.Store == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := s.config.Store.Save(ctx, s.id, s.session()); err != nil {
		s.log.Warn("saving session failed", zap.Error(err))
	}
}

func (s *Shard) loadSession() {
	if s.loaded || s.config.Store == nil {
		return
	}
	s.loaded = true

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	state, ok, err := s.config.Store.Load(ctx, s.id)
	if err != nil {
		s.log.Warn("loading stored session failed", zap.Error(err))
		return
	}

	if !ok || !state.Resumable() {
		return
	}

	s.resumeURL = state.ResumeURL
	s.update(func(info *ShardInfo) {
		info.SessionID = state.SessionID
		info.Sequence = state.Sequence
	})
	s.log.Info("loaded stored session", zap.Int64("seq", state.Sequence))
}

func (s *Shard) teardown() {
	code := CloseNormal
	if s.config.KeepSession && s.session().Resumable() {
		code = closeReconnect
		s.saveSession()
	}

	s.worker.Close(code)
	s.worker.Destroy()
	s.conn = 0
	s.setStatus(StatusDisconnected)

	if s.pending != nil {
		s.pending <- ErrShardClosed
		s.pending = nil
	}
}

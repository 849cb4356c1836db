package gateway

import (
	"context"
	"errors"
	"math/rand"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

type WorkerEventKind int

const (
	// WorkerFrame carries a decoded frame other than a heartbeat ack.
	WorkerFrame WorkerEventKind = iota
	// WorkerHeartbeatAck reports an ack and the round trip since the last beat.
	WorkerHeartbeatAck
	// WorkerClosed reports the end of a connection, with its close code.
	WorkerClosed
)

type WorkerEvent struct {
	Kind    WorkerEventKind
	Conn    uint64
	Frame   *Frame
	Latency time.Duration
	Code    int
	Local   bool
	Zombie  bool
	Err     error
}

// Worker owns one shard's socket. Everything it learns is reported on Events,
// tagged with the connection it came from.
type Worker interface {
	Open(ctx context.Context, url string, sequence int64) (uint64, error)
	Send(ctx context.Context, op Opcode, d any) error
	StartHeartbeat(interval time.Duration)
	Close(code int)
	Events() <-chan WorkerEvent
	Destroy()
}

type SocketWorkerConfig struct {
	CloseTimeout  time.Duration
	HandshakeWait time.Duration
	LimiterOpts   []RateLimiterConfigOpt
	Logger        *zap.Logger
}

// SocketWorker is the websocket backed Worker.
type SocketWorker struct {
	shardID int
	dialer  *websocket.Dialer
	config  SocketWorkerConfig
	log     *zap.Logger

	events chan WorkerEvent
	relay  *relay[WorkerEvent]
	done   chan struct{}
	once   sync.Once

	mu     sync.Mutex
	conn   *socketConn
	nextID uint64
}

type socketConn struct {
	id      uint64
	ws      *websocket.Conn
	limiter RateLimiter

	writeMu sync.Mutex

	sequence atomic.Int64
	acked    atomic.Bool
	sentAt   atomic.Int64
	closing  atomic.Int32
	zombie   atomic.Bool

	closeOnce     sync.Once
	heartbeatOnce sync.Once
	done          chan struct{}
}

func NewSocketWorker(shardID int, config SocketWorkerConfig) *SocketWorker {
	if config.CloseTimeout <= 0 {
		config.CloseTimeout = 5 * time.Second
	}
	if config.HandshakeWait <= 0 {
		config.HandshakeWait = 30 * time.Second
	}

	log := config.Logger
	if log == nil {
		log = zap.NewNop()
	}

	w := &SocketWorker{
		shardID: shardID,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: config.HandshakeWait,
		},
		config: config,
		log:    log.With(zap.Int("shard", shardID)),
		events: make(chan WorkerEvent, 128),
		done:   make(chan struct{}),
	}
	w.relay = newRelay[WorkerEvent](w.events, w.done)

	return w
}

func (w *SocketWorker) Events() <-chan WorkerEvent {
	return w.events
}

// Open dials url, replacing any previous connection, and starts reading.
func (w *SocketWorker) Open(ctx context.Context, url string, sequence int64) (uint64, error) {
	select {
	case <-w.done:
		return 0, ErrShardClosed
	default:
	}

	w.mu.Lock()
	previous := w.conn
	w.conn = nil
	w.mu.Unlock()

	if previous != nil {
		w.closeConn(previous, closeReconnect)
	}

	ws, _, err := w.dialer.DialContext(ctx, url, nil)
	if err != nil {
		return 0, err
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	w.nextID++
	c := &socketConn{
		id:      w.nextID,
		ws:      ws,
		limiter: NewRateLimiter(w.config.LimiterOpts...),
		done:    make(chan struct{}),
	}
	c.sequence.Store(sequence)
	c.acked.Store(true)

	w.conn = c

	go w.listen(c)

	return c.id, nil
}

func (w *SocketWorker) current() *socketConn {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.conn
}

// emit queues ev without blocking, so the read loop keeps consuming acks
// while the shard is busy.
func (w *SocketWorker) emit(ev WorkerEvent) {
	select {
	case <-w.done:
	default:
		w.relay.push(ev)
	}
}

func (w *SocketWorker) listen(c *socketConn) {
	for {
		messageType, message, err := c.ws.ReadMessage()
		if err != nil {
			close(c.done)
			w.emit(w.closedEvent(c, err))
			return
		}

		frame, err := decodeFrame(messageType == websocket.BinaryMessage, message)
		if err != nil {
			w.log.Warn("dropping undecodable frame", zap.Error(err))
			continue
		}

		if frame.S > c.sequence.Load() {
			c.sequence.Store(frame.S)
		}

		switch frame.Op {
		case OpHeartbeatAck:
			c.acked.Store(true)

			var latency time.Duration
			if sent := c.sentAt.Load(); sent > 0 {
				latency = time.Since(time.Unix(0, sent))
			}

			w.emit(WorkerEvent{Kind: WorkerHeartbeatAck, Conn: c.id, Latency: latency})

		case OpHeartbeat:
			if err := w.beat(c); err != nil {
				w.log.Warn("requested heartbeat failed", zap.Error(err))
			}

		default:
			w.emit(WorkerEvent{Kind: WorkerFrame, Conn: c.id, Frame: frame})
		}
	}
}

func (w *SocketWorker) closedEvent(c *socketConn, err error) WorkerEvent {
	ev := WorkerEvent{Kind: WorkerClosed, Conn: c.id, Code: CloseAbnormal, Err: err, Zombie: c.zombie.Load()}

	if code := c.closing.Load(); code != 0 {
		ev.Code = int(code)
		ev.Local = true
		ev.Err = nil
		return ev
	}

	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		ev.Code = ce.Code
	}

	return ev
}

// StartHeartbeat starts beating on the current connection. Only the first
// call per connection has an effect.
func (w *SocketWorker) StartHeartbeat(interval time.Duration) {
	c := w.current()
	if c == nil || interval <= 0 {
		return
	}

	c.heartbeatOnce.Do(func() {
		go w.heartbeat(c, interval)
	})
}

func (w *SocketWorker) heartbeat(c *socketConn, interval time.Duration) {
	// The first beat is jittered so a fleet of shards does not beat in step.
	timer := time.NewTimer(time.Duration(rand.Int63n(int64(interval))))
	defer timer.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-timer.C:
		}

		if !c.acked.Load() {
			w.log.Warn("heartbeat not acknowledged, closing zombie connection")
			c.zombie.Store(true)
			w.closeConn(c, closeReconnect)
			return
		}

		if err := w.beat(c); err != nil {
			w.log.Warn("heartbeat failed", zap.Error(err))
			w.closeConn(c, closeReconnect)
			return
		}

		timer.Reset(interval)
	}
}

func (w *SocketWorker) beat(c *socketConn) error {
	var seq *int64
	if s := c.sequence.Load(); s > 0 {
		seq = &s
	}

	c.acked.Store(false)
	c.sentAt.Store(time.Now().UnixNano())

	return w.write(c, OpHeartbeat, seq)
}

func (w *SocketWorker) write(c *socketConn, op Opcode, d any) error {
	payload, err := encodeFrame(op, d)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	return c.ws.WriteMessage(websocket.TextMessage, payload)
}

// Send writes a command through the connection's command limiter.
func (w *SocketWorker) Send(ctx context.Context, op Opcode, d any) error {
	c := w.current()
	if c == nil {
		return ErrNotConnected
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	defer c.limiter.Unlock()

	return w.write(c, op, d)
}

// Close closes the current connection with code. The WorkerClosed event for
// it reports code and Local.
func (w *SocketWorker) Close(code int) {
	w.mu.Lock()
	c := w.conn
	w.conn = nil
	w.mu.Unlock()

	if c != nil {
		w.closeConn(c, code)
	}
}

// closeConn sends a close frame and gives the server CloseTimeout to finish
// the handshake before dropping the socket.
func (w *SocketWorker) closeConn(c *socketConn, code int) {
	c.closeOnce.Do(func() {
		c.closing.Store(int32(code))

		c.writeMu.Lock()
		_ = c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, ""), time.Now().Add(time.Second))
		c.writeMu.Unlock()

		go func() {
			timer := time.NewTimer(w.config.CloseTimeout)
			defer timer.Stop()

			select {
			case <-c.done:
			case <-timer.C:
			}

			_ = c.ws.Close()
		}()
	})
}

// Destroy closes the socket normally and stops reporting events.
func (w *SocketWorker) Destroy() {
	w.Close(CloseNormal)

	w.once.Do(func() {
		close(w.done)
	})
}

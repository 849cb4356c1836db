package gateway

import (
	"context"
	"sync"
	"time"
)

type sentFrame struct {
	op Opcode
	d  any
	at time.Time
}

// fakeWorker stands in for the socket. It answers Open with Hello and lets
// tests script everything else.
type fakeWorker struct {
	mu        sync.Mutex
	events    chan WorkerEvent
	conn      uint64
	opens     []string
	sent      []sentFrame
	closes    []int
	heartbeat time.Duration
	destroyed bool

	openErr error
	noHello bool
	onSend  func(w *fakeWorker, op Opcode, d any)
}

func newFakeWorker() *fakeWorker {
	return &fakeWorker{events: make(chan WorkerEvent, 256)}
}

func (w *fakeWorker) Open(ctx context.Context, url string, sequence int64) (uint64, error) {
	w.mu.Lock()
	if w.openErr != nil {
		err := w.openErr
		w.mu.Unlock()
		return 0, err
	}
	w.conn++
	id := w.conn
	w.opens = append(w.opens, url)
	noHello := w.noHello
	w.mu.Unlock()

	if !noHello {
		w.frame(OpHello, helloData{HeartbeatInterval: 45000}, 0, "")
	}

	return id, nil
}

func (w *fakeWorker) Send(ctx context.Context, op Opcode, d any) error {
	w.mu.Lock()
	w.sent = append(w.sent, sentFrame{op: op, d: d, at: time.Now()})
	onSend := w.onSend
	w.mu.Unlock()

	if onSend != nil {
		onSend(w, op, d)
	}
	return nil
}

func (w *fakeWorker) StartHeartbeat(interval time.Duration) {
	w.mu.Lock()
	w.heartbeat = interval
	w.mu.Unlock()
}

func (w *fakeWorker) Close(code int) {
	w.mu.Lock()
	w.closes = append(w.closes, code)
	w.mu.Unlock()
}

func (w *fakeWorker) Events() <-chan WorkerEvent {
	return w.events
}

func (w *fakeWorker) Destroy() {
	w.mu.Lock()
	w.destroyed = true
	w.mu.Unlock()
}

func (w *fakeWorker) current() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.conn
}

func (w *fakeWorker) frame(op Opcode, d any, seq int64, t EventType) {
	raw, err := json.Marshal(d)
	if err != nil {
		panic(err)
	}
	w.events <- WorkerEvent{Kind: WorkerFrame, Conn: w.current(), Frame: &Frame{Op: op, D: raw, S: seq, T: t}}
}

func (w *fakeWorker) dispatch(t EventType, seq int64, d any) {
	w.frame(OpDispatch, d, seq, t)
}

func (w *fakeWorker) ready(session string, seq int64) {
	w.dispatch(EventReady, seq, map[string]any{
		"v":                  10,
		"session_id":         session,
		"resume_gateway_url": "wss://resume.example",
	})
}

func (w *fakeWorker) closeWith(code int, local, zombie bool) {
	w.events <- WorkerEvent{Kind: WorkerClosed, Conn: w.current(), Code: code, Local: local, Zombie: zombie}
}

func (w *fakeWorker) sentOps() []Opcode {
	w.mu.Lock()
	defer w.mu.Unlock()

	ops := make([]Opcode, len(w.sent))
	for i, f := range w.sent {
		ops[i] = f.op
	}
	return ops
}

func (w *fakeWorker) lastSent() sentFrame {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.sent) == 0 {
		return sentFrame{}
	}
	return w.sent[len(w.sent)-1]
}

func (w *fakeWorker) openCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.opens)
}

func (w *fakeWorker) closeCodes() []int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]int(nil), w.closes...)
}

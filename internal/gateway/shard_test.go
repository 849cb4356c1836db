package gateway

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type shardHarness struct {
	shard    *Shard
	worker   *fakeWorker
	reports  chan shardReport
	dispatch chan Dispatch
}

func newShardHarness(t *testing.T, config ShardConfig) *shardHarness {
	t.Helper()

	if config.Token == "" {
		config.Token = "token"
	}
	if config.ReconnectDelay == 0 {
		config.ReconnectDelay = 5 * time.Millisecond
	}
	if config.InvalidSessionDelay == nil {
		config.InvalidSessionDelay = func() time.Duration { return 10 * time.Millisecond }
	}

	h := &shardHarness{
		worker:   newFakeWorker(),
		reports:  make(chan shardReport, 16),
		dispatch: make(chan Dispatch, 64),
	}
	h.shard = NewShard(0, 2, h.worker, config, h.reports, h.dispatch)
	t.Cleanup(h.shard.Close)

	return h
}

func (h *shardHarness) connectReady(t *testing.T, session string) {
	t.Helper()

	require.NoError(t, h.shard.Connect(context.Background(), "wss://gateway.example"))
	h.worker.ready(session, 1)
	h.waitStatus(t, StatusConnected)
}

func (h *shardHarness) waitStatus(t *testing.T, status Status) {
	t.Helper()
	require.Eventually(t, func() bool { return h.shard.Status() == status }, time.Second, time.Millisecond,
		"want %s, have %s", status, h.shard.Status())
}

func (h *shardHarness) nextReport(t *testing.T) shardReport {
	t.Helper()

	select {
	case r := <-h.reports:
		return r
	case <-time.After(time.Second):
		t.Fatal("no report from shard")
		return shardReport{}
	}
}

func TestShardHelloWithoutSessionIdentifies(t *testing.T) {
	h := newShardHarness(t, ShardConfig{Intents: IntentGuilds | IntentGuildMessages, LargeThreshold: 100})

	require.NoError(t, h.shard.Connect(context.Background(), "wss://gateway.example"))

	assert.Equal(t, []Opcode{OpIdentify}, h.worker.sentOps())
	assert.Equal(t, StatusIdentifying, h.shard.Status())
	assert.Equal(t, 45*time.Second, h.shard.Info().HeartbeatInterval)
	assert.Equal(t, []string{"wss://gateway.example?v=10&encoding=json"}, h.worker.opens)

	identify, ok := h.worker.lastSent().d.(identifyData)
	require.True(t, ok)
	assert.Equal(t, "token", identify.Token)
	assert.Equal(t, [2]int{0, 2}, identify.Shard)
	assert.Equal(t, IntentGuilds|IntentGuildMessages, identify.Intents)
	assert.Equal(t, 100, identify.LargeThreshold)
}

func TestShardReadyConnectsAndForwardsDispatch(t *testing.T) {
	h := newShardHarness(t, ShardConfig{})
	h.connectReady(t, "abc")

	info := h.shard.Info()
	assert.Equal(t, "abc", info.SessionID)
	assert.Equal(t, int64(1), info.Sequence)

	d := <-h.dispatch
	assert.Equal(t, 0, d.ShardID)
	assert.Equal(t, EventReady, d.Type)

	h.worker.dispatch(EventMessageCreate, 2, map[string]string{"content": "hi"})

	d = <-h.dispatch
	assert.Equal(t, EventMessageCreate, d.Type)
	assert.Equal(t, int64(2), d.Sequence)

	var msg struct {
		Content string `json:"content"`
	}
	require.NoError(t, d.Decode(&msg))
	assert.Equal(t, "hi", msg.Content)

	assert.Equal(t, reportReady, h.nextReport(t).kind)
}

func TestShardIgnoresStaleSequence(t *testing.T) {
	h := newShardHarness(t, ShardConfig{})
	h.connectReady(t, "abc")
	<-h.dispatch

	h.worker.dispatch(EventMessageCreate, 5, map[string]string{})
	h.worker.dispatch(EventMessageCreate, 3, map[string]string{})
	h.worker.dispatch(EventMessageCreate, 6, map[string]string{})

	assert.Equal(t, int64(5), (<-h.dispatch).Sequence)
	assert.Equal(t, int64(6), (<-h.dispatch).Sequence)
	assert.Equal(t, int64(6), h.shard.Info().Sequence)
}

func TestShardHelloWithStoredSessionResumes(t *testing.T) {
	store := NewMemoryStore()
	require.NoError(t, store.Save(context.Background(), 0, SessionState{SessionID: "old", Sequence: 42, ResumeURL: "wss://resume.example"}))

	h := newShardHarness(t, ShardConfig{Store: store})

	require.NoError(t, h.shard.Connect(context.Background(), "wss://gateway.example"))

	assert.Equal(t, []Opcode{OpResume}, h.worker.sentOps())
	assert.Equal(t, StatusResuming, h.shard.Status())
	assert.Equal(t, []string{"wss://resume.example?v=10&encoding=json"}, h.worker.opens)

	resume, ok := h.worker.lastSent().d.(resumeData)
	require.True(t, ok)
	assert.Equal(t, "old", resume.SessionID)
	assert.Equal(t, int64(42), resume.Sequence)

	h.worker.dispatch(EventResumed, 43, map[string]any{})
	h.waitStatus(t, StatusConnected)
	assert.Equal(t, int64(43), h.shard.Info().Sequence)
}

func TestShardInvalidSessionResumable(t *testing.T) {
	h := newShardHarness(t, ShardConfig{})
	h.connectReady(t, "abc")

	h.worker.frame(OpInvalidSession, true, 0, "")

	h.waitStatus(t, StatusResuming)
	assert.Equal(t, OpResume, h.worker.lastSent().op)
	assert.Equal(t, 2, h.worker.openCount())
	assert.Equal(t, "abc", h.shard.Info().SessionID)
	assert.Contains(t, h.worker.closeCodes(), closeReconnect)
}

func TestShardInvalidSessionNotResumable(t *testing.T) {
	store := NewMemoryStore()
	h := newShardHarness(t, ShardConfig{Store: store})
	h.connectReady(t, "abc")
	assert.Equal(t, reportReady, h.nextReport(t).kind)

	_, saved, _ := store.Load(context.Background(), 0)
	assert.True(t, saved)

	h.worker.frame(OpInvalidSession, false, 0, "")

	assert.Equal(t, reportIdentify, h.nextReport(t).kind)
	assert.Equal(t, StatusConnecting, h.shard.Status())

	info := h.shard.Info()
	assert.Empty(t, info.SessionID)
	assert.Zero(t, info.Sequence)

	_, saved, _ = store.Load(context.Background(), 0)
	assert.False(t, saved)

	// The manager's next Connect identifies from scratch.
	require.NoError(t, h.shard.Connect(context.Background(), "wss://gateway.example"))
	assert.Equal(t, OpIdentify, h.worker.lastSent().op)
}

func TestShardReconnectRequestResumes(t *testing.T) {
	h := newShardHarness(t, ShardConfig{})
	h.connectReady(t, "abc")

	h.worker.frame(OpReconnect, nil, 0, "")

	h.waitStatus(t, StatusResuming)
	assert.Equal(t, []Opcode{OpIdentify, OpResume}, h.worker.sentOps())
	assert.Equal(t, "wss://resume.example?v=10&encoding=json", h.worker.opens[1])
}

func TestShardZombieConnectionResumes(t *testing.T) {
	h := newShardHarness(t, ShardConfig{})
	h.connectReady(t, "abc")

	h.worker.closeWith(closeReconnect, true, true)

	h.waitStatus(t, StatusResuming)
	assert.Equal(t, OpResume, h.worker.lastSent().op)
}

func TestShardResumableCloseCodeResumes(t *testing.T) {
	h := newShardHarness(t, ShardConfig{})
	h.connectReady(t, "abc")

	h.worker.closeWith(CloseAbnormal, false, false)

	h.waitStatus(t, StatusResuming)
	assert.Equal(t, "abc", h.shard.Info().SessionID)
}

func TestShardNonResumableCloseRequestsIdentify(t *testing.T) {
	h := newShardHarness(t, ShardConfig{})
	h.connectReady(t, "abc")
	h.nextReport(t)

	h.worker.closeWith(CloseSessionTimedOut, false, false)

	assert.Equal(t, reportIdentify, h.nextReport(t).kind)
	assert.Empty(t, h.shard.Info().SessionID)
	assert.Equal(t, StatusConnecting, h.shard.Status())
}

func TestShardFatalCloseStopsReconnecting(t *testing.T) {
	h := newShardHarness(t, ShardConfig{})
	h.connectReady(t, "abc")
	h.nextReport(t)

	h.worker.closeWith(CloseDisallowedIntents, false, false)

	r := h.nextReport(t)
	assert.Equal(t, reportFatal, r.kind)

	var fatal *FatalGatewayError
	require.ErrorAs(t, r.err, &fatal)
	assert.Equal(t, CloseDisallowedIntents, fatal.Code)
	assert.Equal(t, StatusDisconnected, h.shard.Status())

	err := h.shard.Connect(context.Background(), "wss://gateway.example")
	assert.True(t, IsFatal(err))
	assert.Equal(t, 1, h.worker.openCount())
}

func TestShardCloseDuringHandshakeFailsConnect(t *testing.T) {
	h := newShardHarness(t, ShardConfig{})
	h.worker.noHello = true

	errs := make(chan error, 1)
	go func() {
		errs <- h.shard.Connect(context.Background(), "wss://gateway.example")
	}()

	require.Eventually(t, func() bool { return h.worker.openCount() == 1 }, time.Second, time.Millisecond)
	h.worker.closeWith(CloseAuthenticationFailed, false, false)

	err := <-errs
	var fatal *FatalGatewayError
	require.ErrorAs(t, err, &fatal)
	assert.Equal(t, CloseAuthenticationFailed, fatal.Code)
	h.waitStatus(t, StatusDisconnected)
}

func TestShardConnectOpenError(t *testing.T) {
	h := newShardHarness(t, ShardConfig{})
	h.worker.openErr = errors.New("dial refused")

	err := h.shard.Connect(context.Background(), "wss://gateway.example")
	assert.EqualError(t, err, "dial refused")
	assert.Equal(t, StatusDisconnected, h.shard.Status())
}

func TestShardHeartbeatAckRecordsLatency(t *testing.T) {
	h := newShardHarness(t, ShardConfig{})
	h.connectReady(t, "abc")

	before := time.Now()
	h.worker.events <- WorkerEvent{Kind: WorkerHeartbeatAck, Conn: h.worker.current(), Latency: 30 * time.Millisecond}

	require.Eventually(t, func() bool { return h.shard.Info().Latency == 30*time.Millisecond }, time.Second, time.Millisecond)
	assert.False(t, h.shard.Info().LastHeartbeatAck.Before(before))
}

func TestShardIgnoresEventsFromOldConnection(t *testing.T) {
	h := newShardHarness(t, ShardConfig{})
	h.connectReady(t, "abc")

	h.worker.frame(OpReconnect, nil, 0, "")
	h.waitStatus(t, StatusResuming)

	h.worker.events <- WorkerEvent{Kind: WorkerClosed, Conn: 1, Code: CloseAuthenticationFailed}
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, StatusResuming, h.shard.Status())
}

func TestShardSendRequiresConnection(t *testing.T) {
	h := newShardHarness(t, ShardConfig{})

	err := h.shard.UpdatePresence(context.Background(), PresenceUpdate{Status: "idle"})
	assert.ErrorIs(t, err, ErrNotConnected)

	h.connectReady(t, "abc")
	require.NoError(t, h.shard.UpdatePresence(context.Background(), PresenceUpdate{Status: "idle"}))
	assert.Equal(t, OpPresenceUpdate, h.worker.lastSent().op)

	require.NoError(t, h.shard.RequestGuildMembers(context.Background(), RequestGuildMembers{GuildID: "1"}))
	assert.Equal(t, OpRequestGuildMembers, h.worker.lastSent().op)
}

func TestShardCloseKeepsSessionWhenAsked(t *testing.T) {
	store := NewMemoryStore()
	h := newShardHarness(t, ShardConfig{Store: store, KeepSession: true})
	h.connectReady(t, "abc")
	h.worker.dispatch(EventMessageCreate, 9, map[string]string{})
	require.Eventually(t, func() bool { return h.shard.Info().Sequence == 9 }, time.Second, time.Millisecond)

	h.shard.Close()

	codes := h.worker.closeCodes()
	assert.Equal(t, closeReconnect, codes[len(codes)-1])
	assert.True(t, h.worker.destroyed)

	state, ok, err := store.Load(context.Background(), 0)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, SessionState{SessionID: "abc", Sequence: 9, ResumeURL: "wss://resume.example"}, state)

	assert.ErrorIs(t, h.shard.Connect(context.Background(), "wss://gateway.example"), ErrShardClosed)
}

func TestShardCloseNormally(t *testing.T) {
	h := newShardHarness(t, ShardConfig{})
	h.connectReady(t, "abc")

	h.shard.Close()

	codes := h.worker.closeCodes()
	assert.Equal(t, CloseNormal, codes[len(codes)-1])
	assert.Equal(t, StatusDisconnected, h.shard.Status())
}

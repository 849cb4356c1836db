package gateway

import (
	"bytes"
	"testing"

	"github.com/klauspost/compress/zlib"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeFrame(t *testing.T) {
	f, err := decodeFrame(false, []byte(`{"op":0,"s":12,"t":"READY","d":{"session_id":"x"}}`))
	require.NoError(t, err)
	assert.Equal(t, OpDispatch, f.Op)
	assert.Equal(t, int64(12), f.S)
	assert.Equal(t, EventReady, f.T)

	var ready readyData
	require.NoError(t, json.Unmarshal(f.D, &ready))
	assert.Equal(t, "x", ready.SessionID)

	f, err = decodeFrame(false, []byte(`{"op":11,"s":null,"t":null,"d":null}`))
	require.NoError(t, err)
	assert.Equal(t, OpHeartbeatAck, f.Op)
	assert.Zero(t, f.S)

	_, err = decodeFrame(false, []byte(`{"op":`))
	assert.Error(t, err)

	_, err = decodeFrame(true, []byte(`not zlib`))
	assert.Error(t, err)
}

func TestDecodeCompressedFrame(t *testing.T) {
	var buf bytes.Buffer
	z := zlib.NewWriter(&buf)
	_, err := z.Write([]byte(`{"op":7,"d":null}`))
	require.NoError(t, err)
	require.NoError(t, z.Close())

	f, err := decodeFrame(true, buf.Bytes())
	require.NoError(t, err)
	assert.Equal(t, OpReconnect, f.Op)
}

func TestEncodeFrame(t *testing.T) {
	seq := int64(4)
	payload, err := encodeFrame(OpHeartbeat, &seq)
	require.NoError(t, err)
	assert.JSONEq(t, `{"op":1,"d":4}`, string(payload))

	payload, err = encodeFrame(OpResume, resumeData{Token: "t", SessionID: "s", Sequence: 9})
	require.NoError(t, err)
	assert.JSONEq(t, `{"op":6,"d":{"token":"t","session_id":"s","seq":9}}`, string(payload))
}

func TestDispatchDecode(t *testing.T) {
	d := Dispatch{Type: EventMessageCreate, Data: []byte(`{"content":"hello"}`)}

	var msg struct {
		Content string `json:"content"`
	}
	require.NoError(t, d.Decode(&msg))
	assert.Equal(t, "hello", msg.Content)
}

package gateway

import (
	"bytes"
	"io"
	"runtime"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/klauspost/compress/zlib"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Frame is one decoded gateway message. S is 0 when the frame carried no
// sequence.
type Frame struct {
	Op Opcode              `json:"op"`
	D  jsoniter.RawMessage `json:"d"`
	S  int64               `json:"s"`
	T  EventType           `json:"t"`
}

type outboundFrame struct {
	Op Opcode `json:"op"`
	D  any    `json:"d"`
}

// decodeFrame decodes a text frame, or a binary frame holding one complete
// zlib stream.
func decodeFrame(binary bool, message []byte) (*Frame, error) {
	var reader io.Reader = bytes.NewReader(message)

	if binary {
		z, err := zlib.NewReader(reader)
		if err != nil {
			return nil, err
		}
		defer z.Close()

		reader = z
	}

	var f Frame
	if err := json.NewDecoder(reader).Decode(&f); err != nil {
		return nil, err
	}

	return &f, nil
}

func encodeFrame(op Opcode, d any) ([]byte, error) {
	return json.Marshal(outboundFrame{Op: op, D: d})
}

type helloData struct {
	HeartbeatInterval int64 `json:"heartbeat_interval"`
}

func (h helloData) interval() time.Duration {
	return time.Duration(h.HeartbeatInterval) * time.Millisecond
}

type IdentifyProperties struct {
	OS      string `json:"os"`
	Browser string `json:"browser"`
	Device  string `json:"device"`
}

func DefaultIdentifyProperties() IdentifyProperties {
	return IdentifyProperties{OS: runtime.GOOS, Browser: "shardgate", Device: "shardgate"}
}

type Activity struct {
	Name string `json:"name"`
	Type int    `json:"type"`
	URL  string `json:"url,omitempty"`
}

type PresenceUpdate struct {
	Since      *int64     `json:"since"`
	Activities []Activity `json:"activities"`
	Status     string     `json:"status"`
	AFK        bool       `json:"afk"`
}

type identifyData struct {
	Token          string             `json:"token"`
	Properties     IdentifyProperties `json:"properties"`
	Compress       bool               `json:"compress"`
	LargeThreshold int                `json:"large_threshold,omitempty"`
	Shard          [2]int             `json:"shard"`
	Presence       *PresenceUpdate    `json:"presence,omitempty"`
	Intents        Intents            `json:"intents"`
}

type resumeData struct {
	Token     string `json:"token"`
	SessionID string `json:"session_id"`
	Sequence  int64  `json:"seq"`
}

type readyData struct {
	Version          int    `json:"v"`
	SessionID        string `json:"session_id"`
	ResumeGatewayURL string `json:"resume_gateway_url"`
	Shard            []int  `json:"shard"`
	User             struct {
		ID       string `json:"id"`
		Username string `json:"username"`
	} `json:"user"`
	Guilds []struct {
		ID string `json:"id"`
	} `json:"guilds"`
}

// Dispatch is a dispatch payload handed upstream, tagged with the shard that
// received it.
type Dispatch struct {
	ShardID  int
	Type     EventType
	Sequence int64
	Data     jsoniter.RawMessage
}

// Decode unmarshals the event data into v.
func (d Dispatch) Decode(v any) error {
	return json.Unmarshal(d.Data, v)
}

// RequestGuildMembers is the op 8 payload.
type RequestGuildMembers struct {
	GuildID   string   `json:"guild_id"`
	Query     *string  `json:"query,omitempty"`
	Limit     int      `json:"limit"`
	Presences bool     `json:"presences,omitempty"`
	UserIDs   []string `json:"user_ids,omitempty"`
	Nonce     string   `json:"nonce,omitempty"`
}

// VoiceStateUpdate is the op 4 payload.
type VoiceStateUpdate struct {
	GuildID   string  `json:"guild_id"`
	ChannelID *string `json:"channel_id"`
	SelfMute  bool    `json:"self_mute"`
	SelfDeaf  bool    `json:"self_deaf"`
}

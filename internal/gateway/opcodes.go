package gateway

import "fmt"

type Opcode int

const (
	OpDispatch            Opcode = 0
	OpHeartbeat           Opcode = 1
	OpIdentify            Opcode = 2
	OpPresenceUpdate      Opcode = 3
	OpVoiceStateUpdate    Opcode = 4
	OpResume              Opcode = 6
	OpReconnect           Opcode = 7
	OpRequestGuildMembers Opcode = 8
	OpInvalidSession      Opcode = 9
	OpHello               Opcode = 10
	OpHeartbeatAck        Opcode = 11
)

func (op Opcode) String() string {
	switch op {
	case OpDispatch:
		return "Dispatch"
	case OpHeartbeat:
		return "Heartbeat"
	case OpIdentify:
		return "Identify"
	case OpPresenceUpdate:
		return "PresenceUpdate"
	case OpVoiceStateUpdate:
		return "VoiceStateUpdate"
	case OpResume:
		return "Resume"
	case OpReconnect:
		return "Reconnect"
	case OpRequestGuildMembers:
		return "RequestGuildMembers"
	case OpInvalidSession:
		return "InvalidSession"
	case OpHello:
		return "Hello"
	case OpHeartbeatAck:
		return "HeartbeatAck"
	}
	return fmt.Sprintf("Opcode(%d)", int(op))
}

// Close codes sent by the gateway, plus the standard websocket ones we care
// about.
const (
	CloseNormal               = 1000
	CloseGoingAway            = 1001
	CloseAbnormal             = 1006
	CloseUnknownError         = 4000
	CloseUnknownOpcode        = 4001
	CloseDecodeError          = 4002
	CloseNotAuthenticated     = 4003
	CloseAuthenticationFailed = 4004
	CloseAlreadyAuthenticated = 4005
	CloseInvalidSeq           = 4007
	CloseRateLimited          = 4008
	CloseSessionTimedOut      = 4009
	CloseInvalidShard         = 4010
	CloseShardingRequired     = 4011
	CloseInvalidAPIVersion    = 4012
	CloseInvalidIntents       = 4013
	CloseDisallowedIntents    = 4014
)

// closeReconnect is what we close with when we intend to resume. Anything
// but 1000 and 1001 keeps the session alive server side.
const closeReconnect = CloseUnknownError

type closeKind int

const (
	closeResumable closeKind = iota
	closeNonResumable
	closeFatal
)

func classifyClose(code int) closeKind {
	switch code {
	case CloseAuthenticationFailed, CloseInvalidShard, CloseShardingRequired,
		CloseInvalidAPIVersion, CloseInvalidIntents, CloseDisallowedIntents:
		return closeFatal

	case CloseNormal, CloseGoingAway, CloseInvalidSeq, CloseSessionTimedOut:
		return closeNonResumable
	}
	return closeResumable
}

func closeReason(code int) string {
	switch code {
	case CloseAuthenticationFailed:
		return "authentication failed"
	case CloseInvalidShard:
		return "invalid shard"
	case CloseShardingRequired:
		return "sharding required"
	case CloseInvalidAPIVersion:
		return "invalid api version"
	case CloseInvalidIntents:
		return "invalid intents"
	case CloseDisallowedIntents:
		return "disallowed intents"
	case CloseInvalidSeq:
		return "invalid sequence"
	case CloseSessionTimedOut:
		return "session timed out"
	case CloseRateLimited:
		return "rate limited"
	}
	return fmt.Sprintf("close %d", code)
}

// EventType is the t field of a dispatch. Unlisted events still come through
// with their raw name.
type EventType string

const (
	EventReady             EventType = "READY"
	EventResumed           EventType = "RESUMED"
	EventGuildCreate       EventType = "GUILD_CREATE"
	EventGuildUpdate       EventType = "GUILD_UPDATE"
	EventGuildDelete       EventType = "GUILD_DELETE"
	EventGuildMembersChunk EventType = "GUILD_MEMBERS_CHUNK"
	EventChannelCreate     EventType = "CHANNEL_CREATE"
	EventChannelUpdate     EventType = "CHANNEL_UPDATE"
	EventChannelDelete     EventType = "CHANNEL_DELETE"
	EventMessageCreate     EventType = "MESSAGE_CREATE"
	EventMessageUpdate     EventType = "MESSAGE_UPDATE"
	EventMessageDelete     EventType = "MESSAGE_DELETE"
	EventPresenceUpdate    EventType = "PRESENCE_UPDATE"
	EventVoiceStateUpdate  EventType = "VOICE_STATE_UPDATE"
	EventInteractionCreate EventType = "INTERACTION_CREATE"
)

package gateway

import "strings"

// Intents is the bitmask of event groups a connection subscribes to.
type Intents int

const (
	IntentGuilds Intents = 1 << iota
	IntentGuildMembers
	IntentGuildModeration
	IntentGuildEmojisAndStickers
	IntentGuildIntegrations
	IntentGuildWebhooks
	IntentGuildInvites
	IntentGuildVoiceStates
	IntentGuildPresences
	IntentGuildMessages
	IntentGuildMessageReactions
	IntentGuildMessageTyping
	IntentDirectMessages
	IntentDirectMessageReactions
	IntentDirectMessageTyping
	IntentMessageContent
	IntentGuildScheduledEvents
)

const (
	IntentsPrivileged    = IntentGuildMembers | IntentGuildPresences | IntentMessageContent
	IntentsAll           = IntentGuildScheduledEvents<<1 - 1
	IntentsNonPrivileged = IntentsAll &^ IntentsPrivileged
)

var intentNames = map[string]Intents{
	"guilds":                    IntentGuilds,
	"guild_members":             IntentGuildMembers,
	"guild_moderation":          IntentGuildModeration,
	"guild_emojis_and_stickers": IntentGuildEmojisAndStickers,
	"guild_integrations":        IntentGuildIntegrations,
	"guild_webhooks":            IntentGuildWebhooks,
	"guild_invites":             IntentGuildInvites,
	"guild_voice_states":        IntentGuildVoiceStates,
	"guild_presences":           IntentGuildPresences,
	"guild_messages":            IntentGuildMessages,
	"guild_message_reactions":   IntentGuildMessageReactions,
	"guild_message_typing":      IntentGuildMessageTyping,
	"direct_messages":           IntentDirectMessages,
	"direct_message_reactions":  IntentDirectMessageReactions,
	"direct_message_typing":     IntentDirectMessageTyping,
	"message_content":           IntentMessageContent,
	"guild_scheduled_events":    IntentGuildScheduledEvents,
	"non_privileged":            IntentsNonPrivileged,
	"all":                       IntentsAll,
}

func (i Intents) Has(flags Intents) bool {
	return i&flags == flags
}

func (i Intents) Add(flags ...Intents) Intents {
	for _, f := range flags {
		i |= f
	}
	return i
}

func (i Intents) Remove(flags ...Intents) Intents {
	for _, f := range flags {
		i &^= f
	}
	return i
}

// Privileged reports whether any intent needs approval in the developer portal.
func (i Intents) Privileged() bool {
	return i&IntentsPrivileged != 0
}

// ParseIntents turns names like "guilds" or "guild_messages" into a mask.
// Unknown names are returned so callers can report them.
func ParseIntents(names []string) (Intents, []string) {
	var (
		intents Intents
		unknown []string
	)

	for _, name := range names {
		flag, ok := intentNames[strings.ToLower(strings.TrimSpace(name))]
		if !ok {
			unknown = append(unknown, name)
			continue
		}
		intents |= flag
	}

	return intents, unknown
}

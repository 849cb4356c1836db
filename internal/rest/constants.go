package rest

import "time"

const (
	DefaultAPIBase    = "https://discord.com/api"
	DefaultAPIVersion = 10
	DefaultUserAgent  = "DiscordBot (https://github.com/shardgate/shardgate, 1.0)"

	DefaultRetries       = 3
	DefaultBackoffMin    = 500 * time.Millisecond
	DefaultBackoffMax    = 10 * time.Second
	DefaultGlobalRPS     = 50
	DefaultSweepInterval = 5 * time.Minute
	DefaultTimeout       = 15 * time.Second
)

const (
	headerBucket     = "X-RateLimit-Bucket"
	headerLimit      = "X-RateLimit-Limit"
	headerRemaining  = "X-RateLimit-Remaining"
	headerResetAfter = "X-RateLimit-Reset-After"
	headerGlobal     = "X-RateLimit-Global"
	headerScope      = "X-RateLimit-Scope"
	headerRetryAfter = "Retry-After"
	headerAuditLog   = "X-Audit-Log-Reason"
)

// snowflakeEpoch is the platform epoch in unix milliseconds.
const snowflakeEpoch = 1420070400000

// bulkDeleteAge is how old a message must be before deleting it falls into a
// separate bucket.
const bulkDeleteAge = 14 * 24 * time.Hour

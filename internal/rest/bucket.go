package rest

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Bucket is the rate-limit accounting unit a RequestQueue executes against.
type Bucket struct {
	Hash           string
	MajorParameter string
	Limit          int
	Remaining      int
	ResetAt        time.Time
	Global         bool
}

func (b Bucket) Key() string {
	return b.Hash + ":" + b.MajorParameter
}

// rateLimitHeaders is what a response tells us about its bucket.
type rateLimitHeaders struct {
	hash       string
	limit      int
	remaining  int
	resetAfter time.Duration
	hasLimit   bool

	global     bool
	scope      string
	retryAfter time.Duration
}

func parseRateLimitHeaders(h http.Header) rateLimitHeaders {
	var rl rateLimitHeaders

	rl.hash = h.Get(headerBucket)
	rl.scope = h.Get(headerScope)
	rl.global = strings.EqualFold(h.Get(headerGlobal), "true")

	limit, errLimit := strconv.Atoi(h.Get(headerLimit))
	remaining, errRemaining := strconv.Atoi(h.Get(headerRemaining))
	resetAfter, errReset := parseSeconds(h.Get(headerResetAfter))

	if errLimit == nil && errRemaining == nil && errReset == nil {
		rl.hasLimit = true
		rl.limit = limit
		rl.remaining = remaining
		rl.resetAfter = resetAfter
	}

	if retryAfter, err := parseSeconds(h.Get(headerRetryAfter)); err == nil {
		rl.retryAfter = retryAfter
	}

	return rl
}

// tooManyRequests is the body of a 429.
type tooManyRequests struct {
	Message    string  `json:"message"`
	RetryAfter float64 `json:"retry_after"`
	Global     bool    `json:"global"`
}

// applyBody lets the more precise retry_after in a 429 body win over the
// whole-second header.
func (rl *rateLimitHeaders) applyBody(body []byte) {
	var tmr tooManyRequests
	if err := json.Unmarshal(body, &tmr); err != nil {
		return
	}

	if tmr.RetryAfter > 0 {
		rl.retryAfter = time.Duration(tmr.RetryAfter * float64(time.Second))
	}

	rl.global = rl.global || tmr.Global
}

func parseSeconds(v string) (time.Duration, error) {
	f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
	if err != nil {
		return 0, err
	}
	return time.Duration(f * float64(time.Second)), nil
}

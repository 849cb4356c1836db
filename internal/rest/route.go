package rest

import (
	"strconv"
	"strings"
	"time"
)

// Route identifies the rate-limit scope of a request before the API has told
// us its real bucket hash.
type Route struct {
	Method         string
	Template       string
	MajorParameter string
}

// Key is the method and template, the unit hashes are learned for.
func (r Route) Key() string {
	return r.Method + " " + r.Template
}

func (r Route) unknownBucketKey() string {
	return "unknown(" + r.Key() + "):" + r.MajorParameter
}

var majorResources = map[string]bool{
	"channels": true,
	"guilds":   true,
	"webhooks": true,
}

// Resolve maps a method and endpoint to a Route.
func Resolve(method, endpoint string) Route {
	return resolveAt(method, endpoint, time.Now())
}

func resolveAt(method, endpoint string, now time.Time) Route {
	method = strings.ToUpper(method)

	if i := strings.IndexByte(endpoint, '?'); i >= 0 {
		endpoint = endpoint[:i]
	}

	segments := strings.Split(strings.Trim(endpoint, "/"), "/")

	major := "global"
	if len(segments) > 1 && majorResources[segments[0]] && isSnowflake(segments[1]) {
		major = segments[1]
	}

	var (
		template strings.Builder
		lastID   string
	)

	for i, segment := range segments {
		template.WriteByte('/')

		switch {
		case isSnowflake(segment):
			template.WriteString(":id")
			lastID = segment

		case i > 0 && segments[i-1] == "reactions":
			template.WriteString(":reaction")

		case i == 2 && (segments[0] == "webhooks" || segments[0] == "interactions"):
			template.WriteString(":token")

		default:
			template.WriteString(segment)
		}
	}

	route := Route{Method: method, Template: template.String(), MajorParameter: major}

	if method == "DELETE" && route.Template == "/channels/:id/messages/:id" {
		if created, ok := snowflakeTime(lastID); ok && now.Sub(created) > bulkDeleteAge {
			route.Template += "#old"
		}
	}

	return route
}

func isSnowflake(segment string) bool {
	if segment == "" {
		return false
	}

	for i := 0; i < len(segment); i++ {
		if segment[i] < '0' || segment[i] > '9' {
			return false
		}
	}

	return true
}

func snowflakeTime(id string) (time.Time, bool) {
	n, err := strconv.ParseUint(id, 10, 64)
	if err != nil {
		return time.Time{}, false
	}

	return time.UnixMilli(int64(n>>22) + snowflakeEpoch), true
}

// Snowflake builds an id whose embedded timestamp is t. Useful for callers
// that page by time.
func Snowflake(t time.Time) string {
	ms := t.UnixMilli() - snowflakeEpoch
	if ms < 0 {
		ms = 0
	}
	return strconv.FormatUint(uint64(ms)<<22, 10)
}

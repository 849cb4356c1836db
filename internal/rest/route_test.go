package rest

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestResolve(t *testing.T) {
	tests := []struct {
		name     string
		method   string
		endpoint string
		template string
		major    string
	}{
		{
			name:     "channel messages",
			method:   "get",
			endpoint: "/channels/111/messages/222",
			template: "/channels/:id/messages/:id",
			major:    "111",
		},
		{
			name:     "guild members with query",
			method:   "GET",
			endpoint: "/guilds/42/members?limit=1000",
			template: "/guilds/:id/members",
			major:    "42",
		},
		{
			name:     "webhook with token",
			method:   "POST",
			endpoint: "/webhooks/77/sometoken",
			template: "/webhooks/:id/:token",
			major:    "77",
		},
		{
			name:     "no major parameter",
			method:   "GET",
			endpoint: "/gateway/bot",
			template: "/gateway/bot",
			major:    "global",
		},
		{
			name:     "user routes are global",
			method:   "GET",
			endpoint: "/users/123",
			template: "/users/:id",
			major:    "global",
		},
		{
			name:     "reactions collapse emoji",
			method:   "PUT",
			endpoint: "/channels/5/messages/6/reactions/%F0%9F%91%8D/@me",
			template: "/channels/:id/messages/:id/reactions/:reaction/@me",
			major:    "5",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			route := Resolve(tt.method, tt.endpoint)
			assert.Equal(t, tt.template, route.Template)
			assert.Equal(t, tt.major, route.MajorParameter)
		})
	}
}

func TestResolveSharesTemplateAcrossIDs(t *testing.T) {
	a := Resolve("GET", "/channels/111/messages/222")
	b := Resolve("GET", "/channels/333/messages/444")

	assert.Equal(t, a.Key(), b.Key())
	assert.NotEqual(t, a.unknownBucketKey(), b.unknownBucketKey())
}

func TestResolveOldMessageDelete(t *testing.T) {
	now := time.Now()
	old := Snowflake(now.Add(-15 * 24 * time.Hour))
	recent := Snowflake(now.Add(-time.Hour))

	oldRoute := resolveAt("DELETE", "/channels/1/messages/"+old, now)
	recentRoute := resolveAt("DELETE", "/channels/1/messages/"+recent, now)

	assert.Equal(t, oldRoute.MajorParameter, recentRoute.MajorParameter)
	assert.NotEqual(t, oldRoute.unknownBucketKey(), recentRoute.unknownBucketKey())
	assert.Equal(t, "/channels/:id/messages/:id#old", oldRoute.Template)
	assert.Equal(t, "/channels/:id/messages/:id", recentRoute.Template)

	// Only deletes are split.
	get := resolveAt("GET", "/channels/1/messages/"+old, now)
	assert.Equal(t, "/channels/:id/messages/:id", get.Template)
}

func TestSnowflakeRoundTrip(t *testing.T) {
	at := time.UnixMilli(1700000000000)
	got, ok := snowflakeTime(Snowflake(at))
	assert.True(t, ok)
	assert.True(t, got.Equal(at))
}

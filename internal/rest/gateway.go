package rest

import "context"

type SessionStartLimit struct {
	Total          int `json:"total"`
	Remaining      int `json:"remaining"`
	ResetAfter     int `json:"reset_after"`
	MaxConcurrency int `json:"max_concurrency"`
}

type GatewayBot struct {
	URL               string            `json:"url"`
	Shards            int               `json:"shards"`
	SessionStartLimit SessionStartLimit `json:"session_start_limit"`
}

// GatewayBot fetches the gateway URL, the recommended shard count and the
// current session-start budget.
func (m *Manager) GatewayBot(ctx context.Context) (*GatewayBot, error) {
	var bot GatewayBot
	if err := m.DoJSON(ctx, &Request{Method: "GET", Endpoint: "/gateway/bot"}, &bot); err != nil {
		return nil, err
	}
	return &bot, nil
}

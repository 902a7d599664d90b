package runtime

import (
	"context"
	"time"
)

// StatusSnapshot is one parsed "status --all" payload.
type StatusSnapshot struct {
	Raw map[string]interface{}
}

// StatusAll fetches the full gateway status document.
func (c *Client) StatusAll(ctx context.Context) (*StatusSnapshot, error) {
	obj, err := c.InvokeJSON(ctx, "status", "--all", "--json")
	if err != nil {
		return nil, err
	}
	return &StatusSnapshot{Raw: obj}, nil
}

// RecentSessions returns the session entries from the snapshot. The
// gateway has shipped them both as sessions.recent and as a bare
// sessions array.
func (s *StatusSnapshot) RecentSessions() []map[string]interface{} {
	if s == nil || s.Raw == nil {
		return nil
	}
	var arr []interface{}
	switch t := s.Raw["sessions"].(type) {
	case map[string]interface{}:
		arr, _ = t["recent"].([]interface{})
	case []interface{}:
		arr = t
	}
	var out []map[string]interface{}
	for _, item := range arr {
		if obj, ok := item.(map[string]interface{}); ok {
			out = append(out, obj)
		}
	}
	return out
}

// ModelsList fetches the full model catalog.
func (c *Client) ModelsList(ctx context.Context) (map[string]interface{}, error) {
	return c.InvokeJSON(ctx, "models", "list", "--all", "--json")
}

// modelsStatusTTL keeps repeated dispatches from hammering the gateway
// for the same model availability answer.
const modelsStatusTTL = 15 * time.Second

// ModelsStatus fetches model availability, cached briefly.
func (c *Client) ModelsStatus(ctx context.Context) (map[string]interface{}, error) {
	v, err := c.cache.LoadOrCompute("models.status", modelsStatusTTL, func() (interface{}, error) {
		return c.InvokeJSON(ctx, "models", "status", "--json")
	})
	if err != nil {
		return nil, err
	}
	return v.(map[string]interface{}), nil
}

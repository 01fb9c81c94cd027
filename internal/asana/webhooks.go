package asana

import (
	"context"
	"net/http"
	"net/url"
)

// Webhooks lists the webhooks registered in a workspace.
func (c *Client) Webhooks(ctx context.Context, workspaceGID string) ([]Webhook, error) {
	params := url.Values{"workspace": {workspaceGID}}
	var out struct {
		Data []Webhook `json:"data"`
	}
	if err := c.do(ctx, http.MethodGet, "/webhooks", params, nil, &out); err != nil {
		return nil, err
	}
	return out.Data, nil
}

// CreateWebhook registers target as the delivery URL for events on the
// resource. Asana performs the X-Hook-Secret handshake against target
// before this call returns.
func (c *Client) CreateWebhook(ctx context.Context, resourceGID, target string) (*Webhook, error) {
	body := map[string]any{
		"data": map[string]any{
			"resource": resourceGID,
			"target":   target,
		},
	}
	var out struct {
		Data *Webhook `json:"data"`
	}
	if err := c.do(ctx, http.MethodPost, "/webhooks", nil, body, &out); err != nil {
		return nil, err
	}
	return out.Data, nil
}

// DeleteWebhook removes a webhook registration.
func (c *Client) DeleteWebhook(ctx context.Context, webhookGID string) error {
	return c.do(ctx, http.MethodDelete, "/webhooks/"+webhookGID, nil, nil, nil)
}

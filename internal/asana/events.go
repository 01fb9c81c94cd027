package asana

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// ErrSyncInvalid is returned when the server rejects the sync token (HTTP
// 412). The caller must drop its token and start a fresh stream; the first
// call without a token returns only an initial token, no events.
var ErrSyncInvalid = errors.New("asana: sync token invalid or expired")

// Events long-polls the events stream for a resource. It returns the events
// that occurred since syncToken (empty on the first call) together with the
// next token to use.
func (c *Client) Events(ctx context.Context, resourceGID, syncToken string, timeout time.Duration) ([]Event, string, error) {
	params := url.Values{
		"resource": {resourceGID},
		"timeout":  {strconv.Itoa(int(timeout.Seconds()))},
	}
	if syncToken != "" {
		params.Set("sync", syncToken)
	}

	var out struct {
		Data []Event `json:"data"`
		Sync string  `json:"sync"`
	}
	// The request blocks server-side for up to the poll timeout, so it needs
	// a client timeout beyond the configured one.
	pollClient := &http.Client{Timeout: timeout + 10*time.Second}
	err := c.doWith(ctx, pollClient, http.MethodGet, "/events", params, nil, &out)
	if err != nil {
		var statusErr *StatusError
		if errors.As(err, &statusErr) && statusErr.StatusCode == http.StatusPreconditionFailed {
			return nil, "", fmt.Errorf("resource %s: %w", resourceGID, ErrSyncInvalid)
		}
		return nil, "", err
	}

	next := out.Sync
	if next == "" {
		next = syncToken
	}
	return out.Data, next, nil
}

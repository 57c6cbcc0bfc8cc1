// Package catchup closes replication gaps that real-time push left
// behind: per-peer pollers fetch everything past the peer's high-water
// mark and feed it through the apply engine.
package catchup

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"github.com/steveandjeff999/Obsidianscout-sub004/internal/replication/schema"
)

// Client fetches missed changes from a peer.
type Client interface {
	Fetch(ctx context.Context, srv *schema.SyncServer, since int64, catchupMode bool) (*schema.ChangesResponse, error)
}

// HTTPClient talks to a peer's /sync/changes endpoint.
type HTTPClient struct {
	// SelfID identifies this node so the peer can exclude changes we
	// originated.
	SelfID string

	HTTP *http.Client
}

// NewHTTPClient creates the production catch-up client.
func NewHTTPClient(selfID string) *HTTPClient {
	return &HTTPClient{SelfID: selfID, HTTP: &http.Client{}}
}

// Fetch requests all changes with timestamp > since. The poll deadline
// comes in through ctx.
func (c *HTTPClient) Fetch(ctx context.Context, srv *schema.SyncServer, since int64, catchupMode bool) (*schema.ChangesResponse, error) {
	q := url.Values{}
	q.Set("since", strconv.FormatInt(since, 10))
	q.Set("server_id", c.SelfID)
	if catchupMode {
		q.Set("catchup_mode", "true")
	}

	reqURL := srv.BaseURL() + "/sync/changes?" + q.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build changes request: %w", err)
	}
	if srv.Credential != "" {
		req.Header.Set("Authorization", "Bearer "+srv.Credential)
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to poll peer %s: %w", srv.ID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("peer %s returned %s", srv.ID, resp.Status)
	}

	var out schema.ChangesResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode changes from peer %s: %w", srv.ID, err)
	}
	return &out, nil
}

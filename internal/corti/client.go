// Package corti is a thin client for the vendor's REST API: session
// provisioning plus the post-visit summary, coding and fact services.
// Summary and coding responses are passed through opaquely; their
// schemas belong to the vendor.
package corti

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/oauth2"
)

// Client talks to the vendor API. It is constructed once at process
// start and passed into whatever needs it; there is no package-level
// singleton and no hidden token cache beyond the injected TokenSource.
type Client struct {
	baseURL string
	tenant  string
	tokens  oauth2.TokenSource
	httpc   *http.Client
}

// NewClient creates a client for the given API base URL. The token
// source (typically an oauth2 client-credentials source, which caches
// until expiry) is a required dependency.
func NewClient(baseURL, tenant string, tokens oauth2.TokenSource) *Client {
	return &Client{
		baseURL: baseURL,
		tenant:  tenant,
		tokens:  tokens,
		httpc:   &http.Client{Timeout: 60 * time.Second},
	}
}

// ProvisionedSession is what the capture side needs to open a realtime
// channel: where to connect, how to authorize, and the interaction the
// recording belongs to.
type ProvisionedSession struct {
	InteractionID string `json:"interactionId"`
	WebsocketURL  string `json:"websocketUrl"`
	Token         string `json:"token"`
}

// CreateInteraction provisions a new interaction and returns the
// realtime stream endpoint and its per-session credential.
func (c *Client) CreateInteraction(ctx context.Context, encounterTitle string) (*ProvisionedSession, error) {
	body := map[string]any{
		"encounter": map[string]any{
			"identifier": encounterTitle,
			"status":     "in-progress",
			"type":       "first_consultation",
		},
	}

	var out ProvisionedSession
	if err := c.post(ctx, "/interactions/", body, &out); err != nil {
		return nil, fmt.Errorf("create interaction: %w", err)
	}
	if out.WebsocketURL == "" || out.Token == "" {
		return nil, fmt.Errorf("create interaction: incomplete provisioning response")
	}
	return &out, nil
}

// Summarize requests a structured clinical summary for an assembled
// transcript. An optional free-text context string travels with it.
// The response document is returned verbatim.
func (c *Client) Summarize(ctx context.Context, transcript, noteContext string) (json.RawMessage, error) {
	body := map[string]any{
		"transcript": transcript,
	}
	if noteContext != "" {
		body["context"] = []map[string]any{
			{"type": "string", "data": noteContext},
		}
	}

	var out json.RawMessage
	if err := c.post(ctx, "/summaries/", body, &out); err != nil {
		return nil, fmt.Errorf("summarize: %w", err)
	}
	return out, nil
}

// PredictCodes requests ranked diagnostic-code candidates for the
// given text. The response is returned verbatim.
func (c *Client) PredictCodes(ctx context.Context, text string) (json.RawMessage, error) {
	body := map[string]any{"text": text}

	var out json.RawMessage
	if err := c.post(ctx, "/codes/predict/", body, &out); err != nil {
		return nil, fmt.Errorf("predict codes: %w", err)
	}
	return out, nil
}

// ExtractFacts requests grouped fact extraction for arbitrary text.
// The response is returned verbatim.
func (c *Client) ExtractFacts(ctx context.Context, text string) (json.RawMessage, error) {
	body := map[string]any{"text": text}

	var out json.RawMessage
	if err := c.post(ctx, "/facts/extract/", body, &out); err != nil {
		return nil, fmt.Errorf("extract facts: %w", err)
	}
	return out, nil
}

func (c *Client) post(ctx context.Context, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}

	tok, err := c.tokens.Token()
	if err != nil {
		return fmt.Errorf("fetch access token: %w", err)
	}
	tok.SetAuthHeader(req)
	req.Header.Set("Content-Type", "application/json")
	if c.tenant != "" {
		req.Header.Set("Tenant-Name", c.tenant)
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("%s returned %d: %s", path, resp.StatusCode, truncate(raw, 256))
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(raw, out)
}

func truncate(b []byte, n int) string {
	if len(b) > n {
		return string(b[:n]) + "..."
	}
	return string(b)
}

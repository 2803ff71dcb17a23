package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

const maxErrorBody = 512

// HTTPClient performs the JSON request/response exchanges the hosted speech
// services speak. Responses wrap their result in a top-level "data" object.
type HTTPClient struct {
	Client *http.Client
	Token  string
}

func (c HTTPClient) client() *http.Client {
	if c.Client != nil {
		return c.Client
	}
	return http.DefaultClient
}

// PostJSON sends body as JSON and decodes the "data" member of the reply into out.
func (c HTTPClient) PostJSON(ctx context.Context, endpoint string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return Permanent(fmt.Errorf("encode request: %w", err))
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")
	return c.Do(req, out)
}

// Do sends req with the access token attached and decodes the "data" member.
func (c HTTPClient) Do(req *http.Request, out any) error {
	if c.Token != "" {
		req.Header.Set("access-token", c.Token)
	}
	resp, err := c.client().Do(req)
	if err != nil {
		return FromTransport(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return FromStatus(resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
	envelope := struct {
		Data json.RawMessage `json:"data"`
	}{}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return Transient(fmt.Errorf("decode response: %w", err))
	}
	if len(envelope.Data) == 0 {
		return Permanent(fmt.Errorf("response missing data"))
	}
	if err := json.Unmarshal(envelope.Data, out); err != nil {
		return Permanent(fmt.Errorf("decode response data: %w", err))
	}
	return nil
}

// Fetch downloads a resource, such as synthesized audio referenced by URL.
func (c HTTPClient) Fetch(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, Permanent(err)
	}
	resp, err := c.client().Do(req)
	if err != nil {
		return nil, FromTransport(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, FromStatus(resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, Transient(fmt.Errorf("read %s: %w", url, err))
	}
	return data, nil
}

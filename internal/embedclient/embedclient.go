// Package embedclient is a minimal OpenAI-compatible embeddings client for
// the embedding provider spec §1 names as an external collaborator
// ("assumed to return unit-norm vectors for a given text"). It borrows the
// request shape and network-error classification llmclient.Client uses,
// narrowed to the one call ingest needs.
package embedclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"brain2-memory/internal/engerrors"
	"brain2-memory/internal/memory"
)

// Config configures a Client.
type Config struct {
	Endpoint string
	Model    string
	APIKey   string
	Timeout  time.Duration
}

// Client calls an OpenAI-compatible /embeddings endpoint.
type Client struct {
	cfg        Config
	httpClient *http.Client
}

// New creates a Client.
func New(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &Client{cfg: cfg, httpClient: &http.Client{Timeout: cfg.Timeout}}
}

type embedRequest struct {
	Model string `json:"model"`
	Input string `json:"input"`
}

type embedResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

// Embed returns a unit-norm vector for text.
func (c *Client) Embed(ctx context.Context, text string) ([]float32, error) {
	body, err := json.Marshal(embedRequest{Model: c.cfg.Model, Input: text})
	if err != nil {
		return nil, engerrors.NewPermanent("failed to encode embedding request", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.Endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, engerrors.NewPermanent("failed to build embedding request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, engerrors.NewTransient("embedding request failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return nil, engerrors.NewTransient(fmt.Sprintf("embedding server error: %d", resp.StatusCode), nil)
	}
	if resp.StatusCode >= 400 {
		return nil, engerrors.NewPermanent(fmt.Sprintf("embedding client error: %d", resp.StatusCode), nil)
	}

	var parsed embedResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, engerrors.NewPermanent("malformed embedding response", err)
	}
	if len(parsed.Data) == 0 {
		return nil, engerrors.NewPermanent("embedding response had no data", nil)
	}

	return memory.NormalizeVector(parsed.Data[0].Embedding), nil
}

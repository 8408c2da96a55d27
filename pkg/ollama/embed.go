// Package ollama embeds card descriptions with a local Ollama model.
package ollama

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/WessleyAI/slabsearch/engine/embed"
)

// EmbedClient is a TextEmbedder backed by Ollama's /api/embed endpoint.
type EmbedClient struct {
	baseURL   string
	model     string
	keepAlive string
	client    *http.Client
}

// NewEmbedClient creates a client for model served at baseURL.
func NewEmbedClient(baseURL, model string) *EmbedClient {
	return &EmbedClient{
		baseURL:   strings.TrimRight(baseURL, "/"),
		model:     model,
		keepAlive: "10m",
		client:    &http.Client{Timeout: 60 * time.Second},
	}
}

type embedRequest struct {
	Model     string `json:"model"`
	Input     string `json:"input"`
	KeepAlive string `json:"keep_alive,omitempty"`
}

type embedResponse struct {
	Embeddings [][]float32 `json:"embeddings"`
}

var errNoEmbedding = errors.New("ollama: response carried no embedding")

// EmbedText returns the embedding of text.
func (c *EmbedClient) EmbedText(ctx context.Context, text string) ([]float32, error) {
	body, err := json.Marshal(embedRequest{Model: c.model, Input: text, KeepAlive: c.keepAlive})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/embed", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("ollama: embed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("ollama: embed %s: status %d: %s", c.model, resp.StatusCode, bytes.TrimSpace(msg))
	}

	var out embedResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("ollama: decode: %w", err)
	}
	if len(out.Embeddings) == 0 || len(out.Embeddings[0]) == 0 {
		return nil, errNoEmbedding
	}
	return out.Embeddings[0], nil
}

var _ embed.TextEmbedder = (*EmbedClient)(nil)

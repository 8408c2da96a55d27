// Package clip is a client for a CLIP embedding sidecar. Images and text are
// embedded into the same space, so a text query can be matched against card
// images.
package clip

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/WessleyAI/slabsearch/engine/embed"
)

// Client calls the sidecar's /embed/image and /embed/text endpoints.
type Client struct {
	baseURL string
	model   string
	client  *http.Client
}

// NewClient creates a CLIP client. model may be empty to use the sidecar default.
func NewClient(baseURL, model string) *Client {
	return &Client{
		baseURL: baseURL,
		model:   model,
		client:  &http.Client{Timeout: 30 * time.Second},
	}
}

type embedReq struct {
	Model       string `json:"model,omitempty"`
	Image       string `json:"image,omitempty"`
	ContentType string `json:"contentType,omitempty"`
	URL         string `json:"url,omitempty"`
	Text        string `json:"text,omitempty"`
	Pooling     string `json:"pooling"`
	Normalize   bool   `json:"normalize"`
}

type embedResp struct {
	Embedding []float64 `json:"embedding"`
}

// EmbedImage embeds image bytes, or the image at img.URL when no bytes are given.
func (c *Client) EmbedImage(ctx context.Context, img embed.Image) ([]float32, error) {
	req := embedReq{Model: c.model, ContentType: img.ContentType, URL: img.URL}
	if len(img.Data) > 0 {
		req.Image = base64.StdEncoding.EncodeToString(img.Data)
		req.URL = ""
	}
	return c.post(ctx, "/embed/image", req)
}

// EmbedTextForImage embeds text into the image space.
func (c *Client) EmbedTextForImage(ctx context.Context, text string) ([]float32, error) {
	return c.post(ctx, "/embed/text", embedReq{Model: c.model, Text: text})
}

func (c *Client) post(ctx context.Context, path string, in embedReq) ([]float32, error) {
	in.Pooling, in.Normalize = "mean", true
	body, err := json.Marshal(in)
	if err != nil {
		return nil, fmt.Errorf("clip: marshal: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("clip %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("clip %s: status %d: %s", path, resp.StatusCode, bytes.TrimSpace(msg))
	}

	var out embedResp
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("clip %s decode: %w", path, err)
	}
	vec := make([]float32, len(out.Embedding))
	for i, v := range out.Embedding {
		vec[i] = float32(v)
	}
	return vec, nil
}

var _ embed.ImageEmbedder = (*Client)(nil)

// Package llm talks to an OpenAI-compatible API for text embeddings and for
// vision-model card classification.
package llm

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"

	"github.com/WessleyAI/slabsearch/engine/card"
	"github.com/WessleyAI/slabsearch/engine/classify"
	"github.com/WessleyAI/slabsearch/engine/embed"
	"github.com/sashabaranov/go-openai"
	"github.com/sashabaranov/go-openai/jsonschema"
)

const (
	DefaultEmbeddingModel = "text-embedding-3-large"
	DefaultVisionModel    = "gpt-4o-mini"
)

// Config configures the OpenAI-compatible client.
type Config struct {
	APIKey         string
	BaseURL        string // empty for api.openai.com
	EmbeddingModel string
	VisionModel    string
	HTTPClient     *http.Client
}

// Client wraps a go-openai client.
type Client struct {
	api            *openai.Client
	embeddingModel string
	visionModel    string
}

// New creates a Client. Unset models fall back to the defaults.
func New(cfg Config) *Client {
	oc := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		oc.BaseURL = cfg.BaseURL
	}
	if cfg.HTTPClient != nil {
		oc.HTTPClient = cfg.HTTPClient
	}
	if cfg.EmbeddingModel == "" {
		cfg.EmbeddingModel = DefaultEmbeddingModel
	}
	if cfg.VisionModel == "" {
		cfg.VisionModel = DefaultVisionModel
	}
	return &Client{
		api:            openai.NewClientWithConfig(oc),
		embeddingModel: cfg.EmbeddingModel,
		visionModel:    cfg.VisionModel,
	}
}

// EmbedText returns the embedding of text.
func (c *Client) EmbedText(ctx context.Context, text string) ([]float32, error) {
	resp, err := c.api.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Input:          []string{text},
		Model:          openai.EmbeddingModel(c.embeddingModel),
		EncodingFormat: openai.EmbeddingEncodingFormatFloat,
	})
	if err != nil {
		return nil, fmt.Errorf("llm: create embeddings: %w", err)
	}
	if len(resp.Data) == 0 {
		return nil, errors.New("llm: empty embedding response")
	}
	return resp.Data[0].Embedding, nil
}

// cardAnswer is the response schema sent to the vision model. It is the card
// record and the refusal shape in one object so strict mode can require every
// key; error and reason stay empty for a recognised card.
type cardAnswer struct {
	Type              string   `json:"type" description:"always nba_psa_card"`
	PlayerName        string   `json:"playerName" description:"player name as printed on the card"`
	Team              string   `json:"team"`
	Year              string   `json:"year" description:"card year or season, e.g. 1998 or 1998-99"`
	Manufacturer      string   `json:"manufacturer" description:"e.g. Topps, Panini, Upper Deck"`
	SetName           string   `json:"setName"`
	CardNumber        string   `json:"cardNumber"`
	ParallelOrVariant string   `json:"parallelOrVariant" description:"parallel, refractor or variant name; empty if base"`
	PSA               card.PSA `json:"psa"`
	Notes             string   `json:"notes"`
	ImageInsights     []string `json:"imageInsights" description:"short observations about the card's condition and appearance"`
	Error             string   `json:"error" description:"image_not_supported if this is not a PSA graded NBA card, otherwise empty"`
	Reason            string   `json:"reason" description:"why the image is not supported, otherwise empty"`
}

var answerFormat = func() *openai.ChatCompletionResponseFormat {
	schema, err := jsonschema.GenerateSchemaForType(cardAnswer{})
	if err != nil {
		panic(fmt.Sprintf("llm: card answer schema: %v", err))
	}
	return &openai.ChatCompletionResponseFormat{
		Type: openai.ChatCompletionResponseFormatTypeJSONSchema,
		JSONSchema: &openai.ChatCompletionResponseFormatJSONSchema{
			Name:   "card_classification",
			Schema: schema,
			Strict: true,
		},
	}
}()

// Classify sends the upload to the vision model and parses its answer. Only
// images are sent; the chat API has no document part, so a PDF is rejected
// before any request is made.
func (c *Client) Classify(ctx context.Context, u classify.Upload) (card.Attributes, error) {
	if !u.IsImage() {
		return card.Attributes{}, &classify.Error{
			Reason: "PDF uploads cannot be read by the vision model; upload a JPEG, PNG or WebP photo of the card",
			Cause:  classify.ErrDocumentUpload,
		}
	}
	uri := "data:" + u.ContentType + ";base64," + base64.StdEncoding.EncodeToString(u.Data)

	req := openai.ChatCompletionRequest{
		Model: c.visionModel,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: classify.SystemPrompt},
			{
				Role: openai.ChatMessageRoleUser,
				MultiContent: []openai.ChatMessagePart{
					{Type: openai.ChatMessagePartTypeText, Text: classify.UserPrompt},
					{
						Type:     openai.ChatMessagePartTypeImageURL,
						ImageURL: &openai.ChatMessageImageURL{URL: uri, Detail: openai.ImageURLDetailHigh},
					},
				},
			},
		},
		ResponseFormat: answerFormat,
	}

	resp, err := c.api.CreateChatCompletion(ctx, req)
	if err != nil {
		return card.Attributes{}, &classify.Error{Reason: "classification request failed", Cause: err}
	}
	if len(resp.Choices) == 0 {
		return card.Attributes{}, &classify.Error{Reason: "empty model response"}
	}
	msg := resp.Choices[0].Message
	if msg.Refusal != "" {
		return card.Attributes{}, &classify.Error{Reason: msg.Refusal, Cause: classify.ErrNotACard}
	}
	return classify.ParseAnswer(msg.Content)
}

var (
	_ classify.Classifier = (*Client)(nil)
	_ embed.TextEmbedder  = (*Client)(nil)
)

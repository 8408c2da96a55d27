// Package search answers free-text card queries by fusing a text-similarity
// ranking and an image-similarity ranking into one weighted score.
package search

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/WessleyAI/slabsearch/engine/card"
	"github.com/WessleyAI/slabsearch/engine/semantic"
	"github.com/WessleyAI/slabsearch/pkg/fn"
)

// Query defaults and bounds.
const (
	DefaultLimit       = 10
	MaxLimit           = 100
	DefaultTextWeight  = 0.7
	DefaultImageWeight = 0.3
)

// Embedder produces the two query vectors.
type Embedder interface {
	EmbedText(ctx context.Context, text string) ([]float32, error)
	EmbedQueryImage(ctx context.Context, text string) ([]float32, error)
}

// VectorStore is the read side of semantic.Store.
type VectorStore interface {
	Query(ctx context.Context, index string, vec []float32, topK int, filter map[string]string) ([]semantic.Match, error)
}

// Weights are the per-modality multipliers. They are not normalized: the
// combined score is a plain weighted sum.
type Weights struct {
	Text  float64 `json:"textWeight"`
	Image float64 `json:"imageWeight"`
}

// DefaultWeights returns the 0.7 / 0.3 split.
func DefaultWeights() Weights {
	return Weights{Text: DefaultTextWeight, Image: DefaultImageWeight}
}

// Query is a search request. A zero Limit means DefaultLimit and nil Weights
// means DefaultWeights.
type Query struct {
	Text    string
	Limit   int
	Weights *Weights
	Filters map[string]string
}

// Params is a Query after defaults and validation.
type Params struct {
	Text    string            `json:"-"`
	Limit   int               `json:"limit"`
	Weights                   // flattened into textWeight / imageWeight
	Filters map[string]string `json:"filters"`
}

// Result is one ranked card.
type Result struct {
	ID            string          `json:"id"`
	CardData      card.Attributes `json:"cardData"`
	ImageURL      string          `json:"imageUrl"`
	TextScore     float64         `json:"textScore"`
	ImageScore    float64         `json:"imageScore"`
	CombinedScore float64         `json:"combinedScore"`
	CreatedAt     time.Time       `json:"createdAt"`
}

// Options configures the Engine.
type Options struct {
	TextIndex  string
	ImageIndex string
	Logger     *slog.Logger
}

// Engine is the query fusion engine.
type Engine struct {
	embed  Embedder
	store  VectorStore
	opts   Options
	logger *slog.Logger
}

// New creates an Engine.
func New(embed Embedder, store VectorStore, opts Options) *Engine {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{embed: embed, store: store, opts: opts, logger: logger}
}

// Normalize applies defaults to q and validates it.
func Normalize(q Query) (Params, error) {
	text := strings.TrimSpace(q.Text)
	if text == "" {
		return Params{}, card.NewValidationError("query", q.Text, card.ErrEmptyQuery)
	}

	limit := q.Limit
	switch {
	case limit < 0:
		return Params{}, card.NewValidationError("limit", fmt.Sprint(limit), card.ErrInvalidLimit)
	case limit == 0:
		limit = DefaultLimit
	case limit > MaxLimit:
		limit = MaxLimit
	}

	w := DefaultWeights()
	if q.Weights != nil {
		w = *q.Weights
	}
	if err := checkWeight("textWeight", w.Text); err != nil {
		return Params{}, err
	}
	if err := checkWeight("imageWeight", w.Image); err != nil {
		return Params{}, err
	}

	filters := make(map[string]string, len(q.Filters))
	for k, v := range q.Filters {
		if !card.IsFilterField(k) {
			return Params{}, card.NewValidationError("filters", k, card.ErrUnknownFilter)
		}
		if v = strings.TrimSpace(v); v != "" {
			filters[k] = v
		}
	}

	return Params{Text: text, Limit: limit, Weights: w, Filters: filters}, nil
}

func checkWeight(name string, v float64) error {
	if math.IsNaN(v) || math.IsInf(v, 0) || v < 0 {
		return card.NewValidationError(name, fmt.Sprint(v), card.ErrInvalidWeight)
	}
	return nil
}

// Search runs q and returns at most Limit results, best first.
func (e *Engine) Search(ctx context.Context, q Query) ([]Result, error) {
	p, err := Normalize(q)
	if err != nil {
		return nil, err
	}
	start := time.Now()

	vecs := fn.Join(
		func() fn.Result[[]float32] { return fn.FromPair(e.embed.EmbedText(ctx, p.Text)) },
		func() fn.Result[[]float32] { return fn.FromPair(e.embed.EmbedQueryImage(ctx, p.Text)) },
	)
	textVec, err := vecs[0].Unwrap()
	if err != nil {
		return nil, fmt.Errorf("search: embed text query: %w", err)
	}
	imageVec, err := vecs[1].Unwrap()
	if err != nil {
		return nil, fmt.Errorf("search: embed image query: %w", err)
	}

	topK := 2 * p.Limit
	hits := fn.Join(
		func() fn.Result[[]semantic.Match] {
			return fn.FromPair(e.store.Query(ctx, e.opts.TextIndex, textVec, topK, p.Filters))
		},
		func() fn.Result[[]semantic.Match] {
			return fn.FromPair(e.store.Query(ctx, e.opts.ImageIndex, imageVec, topK, p.Filters))
		},
	)
	textHits, err := hits[0].Unwrap()
	if err != nil {
		return nil, fmt.Errorf("search: query text index: %w", err)
	}
	imageHits, err := hits[1].Unwrap()
	if err != nil {
		return nil, fmt.Errorf("search: query image index: %w", err)
	}

	results := Fuse(e.decode(textHits, card.ModalityText), e.decode(imageHits, card.ModalityImage), p.Weights, p.Limit)
	e.logger.Info("search done",
		"text_hits", len(textHits), "image_hits", len(imageHits),
		"results", len(results), "elapsed", time.Since(start))
	return results, nil
}

// Hit is a decoded vector store match for one modality.
type Hit struct {
	CardID string
	Score  float64
	Card   card.Stored
}

// decode converts raw matches into typed hits. Matches for the wrong modality
// or with an unusable payload are dropped.
func (e *Engine) decode(matches []semantic.Match, m card.Modality) []Hit {
	out := make([]Hit, 0, len(matches))
	for _, match := range matches {
		id, ok := card.CardIDFromRecord(match.RecordID, m)
		if !ok {
			e.logger.Warn("search: skipping foreign record", "record", match.RecordID, "modality", m)
			continue
		}
		stored, err := card.FromMetadata(match.Payload)
		if err != nil {
			e.logger.Warn("search: skipping invalid payload", "record", match.RecordID, "err", err)
			continue
		}
		out = append(out, Hit{CardID: id, Score: match.Score, Card: stored})
	}
	return out
}

// Fuse merges the two rankings by card id and returns the top limit results.
// Text hits seed the map; image hits either complete an entry or add an
// image-only one. A modality a card is missing from scores exactly 0. Equal
// combined scores are ordered by ascending card id.
func Fuse(text, image []Hit, w Weights, limit int) []Result {
	byID := make(map[string]*Result, len(text)+len(image))
	order := make([]*Result, 0, len(text)+len(image))

	for _, h := range text {
		if _, dup := byID[h.CardID]; dup {
			continue
		}
		r := newResult(h)
		r.TextScore = h.Score
		r.CombinedScore = h.Score * w.Text
		byID[h.CardID] = r
		order = append(order, r)
	}
	for _, h := range image {
		if r, ok := byID[h.CardID]; ok {
			r.ImageScore = h.Score
			r.CombinedScore = r.TextScore*w.Text + h.Score*w.Image
			continue
		}
		r := newResult(h)
		r.ImageScore = h.Score
		r.CombinedScore = h.Score * w.Image
		byID[h.CardID] = r
		order = append(order, r)
	}

	sort.SliceStable(order, func(i, j int) bool {
		if order[i].CombinedScore != order[j].CombinedScore {
			return order[i].CombinedScore > order[j].CombinedScore
		}
		return order[i].ID < order[j].ID
	})
	if limit >= 0 && len(order) > limit {
		order = order[:limit]
	}

	out := make([]Result, len(order))
	for i, r := range order {
		out[i] = *r
	}
	return out
}

func newResult(h Hit) *Result {
	return &Result{
		ID:        h.CardID,
		CardData:  h.Card.Card.Normalize(),
		ImageURL:  h.Card.ImageURL,
		CreatedAt: h.Card.CreatedAt,
	}
}

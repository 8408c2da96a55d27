// Package embed is the single entry point for embedding generation. It wraps the
// text and image embedding providers behind one call per modality and turns
// every upstream failure or malformed vector into an *Error. It never retries.
package embed

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"

	"github.com/WessleyAI/slabsearch/engine/card"
	"github.com/WessleyAI/slabsearch/pkg/resilience"
)

// Image is the payload handed to the image embedding provider: raw bytes with
// their content type, or a URL the provider can fetch.
type Image struct {
	Data        []byte
	ContentType string
	URL         string
}

// TextEmbedder produces a vector in the text modality's space.
type TextEmbedder interface {
	EmbedText(ctx context.Context, text string) ([]float32, error)
}

// ImageEmbedder produces vectors in the image modality's space, either from an
// image or from text projected into that space.
type ImageEmbedder interface {
	EmbedImage(ctx context.Context, img Image) ([]float32, error)
	EmbedTextForImage(ctx context.Context, text string) ([]float32, error)
}

// Malformed-result causes.
var (
	ErrEmptyVector = errors.New("empty vector")
	ErrNonFinite   = errors.New("vector contains NaN or Inf")
	ErrEmptyInput  = errors.New("empty input")
)

// Error is an embedding failure for one modality.
type Error struct {
	Modality card.Modality
	Op       string
	Cause    error
}

func (e *Error) Error() string {
	return fmt.Sprintf("embed: %s %s: %v", e.Modality, e.Op, e.Cause)
}

func (e *Error) Unwrap() error { return e.Cause }

// Options configures the Service.
type Options struct {
	// TextBreaker and ImageBreaker, when set, fail calls fast while the
	// respective provider is unhealthy.
	TextBreaker  *resilience.Breaker
	ImageBreaker *resilience.Breaker
	Logger       *slog.Logger
}

// Service is the embedding provider adapter.
type Service struct {
	text         TextEmbedder
	image        ImageEmbedder
	textBreaker  *resilience.Breaker
	imageBreaker *resilience.Breaker
	logger       *slog.Logger
}

// New creates a Service over the two providers.
func New(text TextEmbedder, image ImageEmbedder, opts Options) *Service {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		text:         text,
		image:        image,
		textBreaker:  opts.TextBreaker,
		imageBreaker: opts.ImageBreaker,
		logger:       logger,
	}
}

// EmbedText embeds text in the text modality.
func (s *Service) EmbedText(ctx context.Context, text string) ([]float32, error) {
	if text == "" {
		return nil, &Error{Modality: card.ModalityText, Op: "text", Cause: ErrEmptyInput}
	}
	return s.call(ctx, card.ModalityText, "text", s.textBreaker, func(ctx context.Context) ([]float32, error) {
		return s.text.EmbedText(ctx, text)
	})
}

// EmbedImage embeds an image in the image modality.
func (s *Service) EmbedImage(ctx context.Context, img Image) ([]float32, error) {
	if len(img.Data) == 0 && img.URL == "" {
		return nil, &Error{Modality: card.ModalityImage, Op: "image", Cause: ErrEmptyInput}
	}
	return s.call(ctx, card.ModalityImage, "image", s.imageBreaker, func(ctx context.Context) ([]float32, error) {
		return s.image.EmbedImage(ctx, img)
	})
}

// EmbedQueryImage embeds a text query into the image modality's space so it
// can be compared against stored image vectors.
func (s *Service) EmbedQueryImage(ctx context.Context, text string) ([]float32, error) {
	if text == "" {
		return nil, &Error{Modality: card.ModalityImage, Op: "query", Cause: ErrEmptyInput}
	}
	return s.call(ctx, card.ModalityImage, "query", s.imageBreaker, func(ctx context.Context) ([]float32, error) {
		return s.image.EmbedTextForImage(ctx, text)
	})
}

func (s *Service) call(ctx context.Context, m card.Modality, op string, b *resilience.Breaker, f func(context.Context) ([]float32, error)) ([]float32, error) {
	var vec []float32
	invoke := func(ctx context.Context) error {
		v, err := f(ctx)
		if err != nil {
			return err
		}
		if err := checkVector(v); err != nil {
			return err
		}
		vec = v
		return nil
	}

	var err error
	if b != nil {
		err = b.Call(ctx, invoke)
	} else {
		err = invoke(ctx)
	}
	if err != nil {
		s.logger.Warn("embed: provider call failed", "modality", m, "op", op, "err", err)
		return nil, &Error{Modality: m, Op: op, Cause: err}
	}
	return vec, nil
}

func checkVector(v []float32) error {
	if len(v) == 0 {
		return ErrEmptyVector
	}
	for _, x := range v {
		f := float64(x)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return ErrNonFinite
		}
	}
	return nil
}

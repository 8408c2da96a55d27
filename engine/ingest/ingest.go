// Package ingest turns a classified card and its image into two stored
// embedding records, one per modality, sharing a freshly assigned card id.
package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/WessleyAI/slabsearch/engine/card"
	"github.com/WessleyAI/slabsearch/engine/embed"
	"github.com/WessleyAI/slabsearch/engine/semantic"
	"github.com/WessleyAI/slabsearch/pkg/fn"
)

// Embedder produces the per-modality vectors for a card.
type Embedder interface {
	EmbedText(ctx context.Context, text string) ([]float32, error)
	EmbedImage(ctx context.Context, img embed.Image) ([]float32, error)
}

// VectorStore is the write side of semantic.Store.
type VectorStore interface {
	EnsureIndex(ctx context.Context, name string, dim int) error
	Upsert(ctx context.Context, index string, records []semantic.Record) error
	Delete(ctx context.Context, index string, ids []string) error
}

// Catalog records stored cards for lookup by id or player.
type Catalog interface {
	Save(ctx context.Context, c card.Stored) error
}

// EventPublisher announces stored cards.
type EventPublisher interface {
	PublishIngested(ctx context.Context, ev IngestedEvent) error
}

// Deps holds the external dependencies for the ingestion pipeline.
type Deps struct {
	Embedder   Embedder
	Store      VectorStore
	TextIndex  string
	ImageIndex string
	// Catalog and Events are optional; their failures are logged only.
	Catalog Catalog
	Events  EventPublisher
	Now     func() time.Time
	Logger  *slog.Logger
}

// --- Pipeline Stages ---

// Validate rejects cards without a player name and requests without an image.
var Validate fn.Stage[Request, Request] = func(_ context.Context, req Request) fn.Result[Request] {
	if err := card.Validate(req.Card); err != nil {
		return fn.Err[Request](err)
	}
	if len(req.Image.Data) == 0 && req.Image.URL == "" {
		return fn.Err[Request](card.NewValidationError("image", "", card.ErrMissingFile))
	}
	req.Card = req.Card.Normalize()
	return fn.Ok(req)
}

// Describe attaches the canonical text.
var Describe fn.Stage[Request, DescribedCard] = fn.MapStage(func(req Request) DescribedCard {
	return DescribedCard{Request: req, Text: card.Describe(req.Card)}
})

// NewEmbed creates a stage computing the text and image vectors concurrently.
// Both calls finish before the stage returns; either failure fails the stage.
func NewEmbed(e Embedder) fn.Stage[DescribedCard, EmbeddedCard] {
	return func(ctx context.Context, d DescribedCard) fn.Result[EmbeddedCard] {
		vecs := fn.Join(
			func() fn.Result[[]float32] { return fn.FromPair(e.EmbedText(ctx, d.Text)) },
			func() fn.Result[[]float32] { return fn.FromPair(e.EmbedImage(ctx, d.Image)) },
		)
		text, err := vecs[0].Unwrap()
		if err != nil {
			return fn.Err[EmbeddedCard](fmt.Errorf("ingest: embed text: %w", err))
		}
		image, err := vecs[1].Unwrap()
		if err != nil {
			return fn.Err[EmbeddedCard](fmt.Errorf("ingest: embed image: %w", err))
		}
		return fn.Ok(EmbeddedCard{DescribedCard: d, TextVector: text, ImageVector: image})
	}
}

// NewEnsureIndexes creates a stage that ensures both indexes exist at the
// dimensions of the vectors just produced.
func NewEnsureIndexes(s VectorStore, textIndex, imageIndex string) fn.Stage[EmbeddedCard, EmbeddedCard] {
	return func(ctx context.Context, e EmbeddedCard) fn.Result[EmbeddedCard] {
		res := fn.FanOutResult(
			func() fn.Result[struct{}] {
				return fn.FromPair(struct{}{}, s.EnsureIndex(ctx, textIndex, len(e.TextVector)))
			},
			func() fn.Result[struct{}] {
				return fn.FromPair(struct{}{}, s.EnsureIndex(ctx, imageIndex, len(e.ImageVector)))
			},
		)
		if _, err := res.Unwrap(); err != nil {
			return fn.Err[EmbeddedCard](fmt.Errorf("ingest: ensure index: %w", err))
		}
		return fn.Ok(e)
	}
}

// NewBuild creates a stage assigning the card id and building both records.
func NewBuild(now func() time.Time) fn.Stage[EmbeddedCard, BuiltCard] {
	return fn.MapStage(func(e EmbeddedCard) BuiltCard {
		t := now().UTC()
		stored := card.Stored{
			ID:        card.NewID(t),
			Card:      e.Card,
			ImageURL:  e.ImageURL,
			CreatedAt: t,
		}
		return BuiltCard{
			Stored: stored,
			TextRecord: semantic.Record{
				ID:      card.RecordID(stored.ID, card.ModalityText),
				Vector:  e.TextVector,
				Payload: card.ToMetadata(stored, card.ModalityText),
			},
			ImageRecord: semantic.Record{
				ID:      card.RecordID(stored.ID, card.ModalityImage),
				Vector:  e.ImageVector,
				Payload: card.ToMetadata(stored, card.ModalityImage),
			},
		}
	})
}

// NewWrite creates a stage writing the text record and then the image record.
// If either write fails the text record is deleted again so that a card is
// either fully searchable or absent. A failed text write may still have been
// applied, for example when the deadline passes after Qdrant accepted it.
func NewWrite(s VectorStore, textIndex, imageIndex string, log *slog.Logger) fn.Stage[BuiltCard, card.Stored] {
	return func(ctx context.Context, b BuiltCard) fn.Result[card.Stored] {
		if err := s.Upsert(ctx, textIndex, []semantic.Record{b.TextRecord}); err != nil {
			removeRecord(ctx, s, textIndex, b.TextRecord.ID, log)
			return fn.Err[card.Stored](fmt.Errorf("ingest: upsert text record: %w", err))
		}
		if err := s.Upsert(ctx, imageIndex, []semantic.Record{b.ImageRecord}); err != nil {
			removeRecord(ctx, s, textIndex, b.TextRecord.ID, log)
			return fn.Err[card.Stored](fmt.Errorf("ingest: upsert image record: %w", err))
		}
		return fn.Ok(b.Stored)
	}
}

// removeRecord is best effort; a failure is logged and leaves an orphan.
func removeRecord(ctx context.Context, s VectorStore, index, id string, log *slog.Logger) {
	// The caller's context may already be done; compensation must still run.
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := s.Delete(cctx, index, []string{id}); err != nil {
		log.Error("ingest: compensation failed, orphaned record", "index", index, "record", id, "err", err)
	}
}

// LoggedTap returns a stage that logs stage entry.
func LoggedTap[T any](name string, log *slog.Logger) fn.Stage[T, T] {
	return fn.TapStage(func(_ context.Context, _ T) {
		log.Debug("stage.enter", "stage", name)
	})
}

// Pipeline is the composed ingestion pipeline.
type Pipeline struct {
	run  fn.Stage[Request, card.Stored]
	deps Deps
	log  *slog.Logger
}

// NewPipeline constructs the full ingestion pipeline with all stages wired.
func NewPipeline(deps Deps) *Pipeline {
	log := deps.Logger
	if log == nil {
		log = slog.Default()
	}
	now := deps.Now
	if now == nil {
		now = time.Now
	}

	// Validate → Describe → Embed → EnsureIndexes → Build → Write
	validated := fn.Then(LoggedTap[Request]("validate", log), Validate)
	described := fn.Then(validated, fn.Then(LoggedTap[Request]("describe", log), Describe))
	embedded := fn.Then(described, fn.TracedStage("ingest.embed", NewEmbed(deps.Embedder)))
	ensured := fn.Then(embedded, fn.TracedStage("ingest.ensure", NewEnsureIndexes(deps.Store, deps.TextIndex, deps.ImageIndex)))
	built := fn.Then(ensured, NewBuild(now))
	written := fn.Then(built, fn.TracedStage("ingest.write", NewWrite(deps.Store, deps.TextIndex, deps.ImageIndex, log)))

	return &Pipeline{run: written, deps: deps, log: log}
}

// Ingest stores req and returns the stored card. A card is returned only
// when both embedding records were written.
func (p *Pipeline) Ingest(ctx context.Context, req Request) (card.Stored, error) {
	start := time.Now()
	stored, err := p.run(ctx, req).Unwrap()
	if err != nil {
		p.log.Warn("ingest: failed", "player", req.Card.PlayerName, "err", err)
		return card.Stored{}, err
	}

	if p.deps.Catalog != nil {
		if err := p.deps.Catalog.Save(ctx, stored); err != nil {
			p.log.Warn("ingest: catalog save failed", "card_id", stored.ID, "err", err)
		}
	}
	if p.deps.Events != nil {
		ev := IngestedEvent{
			CardID:     stored.ID,
			PlayerName: stored.Card.PlayerName,
			ImageURL:   stored.ImageURL,
			CreatedAt:  stored.CreatedAt,
		}
		if err := p.deps.Events.PublishIngested(ctx, ev); err != nil {
			p.log.Warn("ingest: publish event failed", "card_id", stored.ID, "err", err)
		}
	}

	p.log.Info("ingest: stored", "card_id", stored.ID, "player", stored.Card.PlayerName, "elapsed", time.Since(start))
	return stored, nil
}

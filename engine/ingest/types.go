package ingest

import (
	"time"

	"github.com/WessleyAI/slabsearch/engine/card"
	"github.com/WessleyAI/slabsearch/engine/embed"
	"github.com/WessleyAI/slabsearch/engine/semantic"
)

// Request is one classified card to ingest with its image.
type Request struct {
	Card     card.Attributes
	Image    embed.Image
	ImageURL string
}

// DescribedCard is a request with its canonical text.
type DescribedCard struct {
	Request
	Text string
}

// EmbeddedCard carries both modality vectors.
type EmbeddedCard struct {
	DescribedCard
	TextVector  []float32
	ImageVector []float32
}

// BuiltCard is an embedded card with its id and records assigned.
type BuiltCard struct {
	Stored      card.Stored
	TextRecord  semantic.Record
	ImageRecord semantic.Record
}

// IngestedEvent is published after a card is stored.
type IngestedEvent struct {
	CardID     string    `json:"cardId"`
	PlayerName string    `json:"playerName"`
	ImageURL   string    `json:"imageUrl"`
	CreatedAt  time.Time `json:"createdAt"`
}

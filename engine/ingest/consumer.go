package ingest

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/WessleyAI/slabsearch/engine/card"
	"github.com/WessleyAI/slabsearch/engine/embed"
	"github.com/WessleyAI/slabsearch/pkg/natsutil"
	"github.com/nats-io/nats.go"
)

const (
	// IngestSubject carries pre-classified cards to ingest.
	IngestSubject = "cards.ingest"
	// DLQSubject is the dead letter queue subject for failed jobs.
	DLQSubject = "cards.ingest.dlq"
	// IngestedSubject announces stored cards.
	IngestedSubject = "cards.ingested"
	// QueueGroup lets several consumers share the ingest subject.
	QueueGroup = "ingest-workers"
	// MaxRetries before sending to DLQ.
	MaxRetries = 3
)

// Job is the message on IngestSubject: a classified card and the URL of its image.
type Job struct {
	Card     card.Attributes `json:"card"`
	ImageURL string          `json:"imageUrl"`
}

// dlqMessage is published to the DLQ on repeated failure.
type dlqMessage struct {
	Job     Job    `json:"job"`
	Error   string `json:"error"`
	Retries int    `json:"retries"`
}

// NATSEvents publishes IngestedEvents on IngestedSubject.
type NATSEvents struct {
	nc natsutil.Publisher
}

// NewNATSEvents creates an EventPublisher over a NATS connection.
func NewNATSEvents(nc natsutil.Publisher) *NATSEvents {
	return &NATSEvents{nc: nc}
}

// PublishIngested implements EventPublisher.
func (e *NATSEvents) PublishIngested(ctx context.Context, ev IngestedEvent) error {
	return natsutil.Publish(ctx, e.nc, IngestedSubject, ev)
}

// Ingester is the pipeline entry point used by the consumer.
type Ingester interface {
	Ingest(ctx context.Context, req Request) (card.Stored, error)
}

// ConsumerOption configures StartConsumer.
type ConsumerOption func(*consumerConfig)

type consumerConfig struct {
	onDeadLetter func(Job, error)
}

// WithDeadLetterHook calls f for every job moved to the DLQ.
func WithDeadLetterHook(f func(Job, error)) ConsumerOption {
	return func(c *consumerConfig) { c.onDeadLetter = f }
}

// StartConsumer subscribes to IngestSubject and runs each job through the
// pipeline. Failed jobs are republished with an incremented retry count and
// moved to DLQSubject after MaxRetries failures. Validation failures go to
// the DLQ immediately since retrying cannot fix them.
func StartConsumer(nc *nats.Conn, p Ingester, log *slog.Logger, opts ...ConsumerOption) (*nats.Subscription, error) {
	if log == nil {
		log = slog.Default()
	}
	var cfg consumerConfig
	for _, o := range opts {
		o(&cfg)
	}

	return natsutil.Subscribe(nc, IngestSubject, QueueGroup, log, func(ctx context.Context, job Job, msg *nats.Msg) {
		defer func() {
			// Ack if JetStream.
			if msg.Reply != "" {
				_ = msg.Ack()
			}
		}()

		stored, err := p.Ingest(ctx, Request{
			Card:     job.Card,
			Image:    embed.Image{URL: job.ImageURL},
			ImageURL: job.ImageURL,
		})
		if err == nil {
			log.Info("ingest: job done", "card_id", stored.ID)
			return
		}

		retries := natsutil.Retries(msg) + 1
		log.Error("ingest: job failed", "error", err, "player", job.Card.PlayerName, "retry", retries)

		if retries >= MaxRetries || card.IsValidation(err) {
			data, _ := json.Marshal(dlqMessage{Job: job, Error: err.Error(), Retries: retries})
			if perr := natsutil.PublishRaw(ctx, nc, DLQSubject, data, nil); perr != nil {
				log.Error("ingest: DLQ publish failed", "error", perr)
			}
			if cfg.onDeadLetter != nil {
				cfg.onDeadLetter(job, err)
			}
			return
		}
		if rerr := natsutil.Redeliver(ctx, nc, IngestSubject, msg, retries); rerr != nil {
			log.Error("ingest: retry publish failed", "error", rerr)
		}
	})
}

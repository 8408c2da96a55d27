// Command ingest consumes classified cards from NATS and runs them through
// the ingestion pipeline into Qdrant, with optional Neo4j catalog writes.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/WessleyAI/slabsearch/engine/card"
	"github.com/WessleyAI/slabsearch/engine/catalog"
	"github.com/WessleyAI/slabsearch/engine/embed"
	"github.com/WessleyAI/slabsearch/engine/ingest"
	"github.com/WessleyAI/slabsearch/engine/semantic"
	"github.com/WessleyAI/slabsearch/pkg/clip"
	"github.com/WessleyAI/slabsearch/pkg/llm"
	"github.com/WessleyAI/slabsearch/pkg/metrics"
	"github.com/WessleyAI/slabsearch/pkg/ollama"
	"github.com/WessleyAI/slabsearch/pkg/resilience"
	"github.com/nats-io/nats.go"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
)

type config struct {
	natsURL     string
	qdrantAddr  string
	indexBase   string
	embedder    string
	openAIKey   string
	openAIBase  string
	openAIModel string
	ollamaURL   string
	ollamaModel string
	clipURL     string
	clipModel   string
	neo4jURL    string
	neo4jUser   string
	neo4jPass   string
	metricsAddr string
	reset       bool
}

func main() {
	var cfg config
	flag.StringVar(&cfg.natsURL, "nats", nats.DefaultURL, "NATS server URL")
	flag.StringVar(&cfg.qdrantAddr, "qdrant", "localhost:6334", "Qdrant gRPC address")
	flag.StringVar(&cfg.indexBase, "index", "cards", "index name prefix")
	flag.StringVar(&cfg.embedder, "text-embedder", "openai", "text embedding provider: openai or ollama")
	flag.StringVar(&cfg.openAIBase, "openai-base", "", "OpenAI compatible base URL")
	flag.StringVar(&cfg.openAIModel, "openai-model", llm.DefaultEmbeddingModel, "OpenAI embedding model")
	flag.StringVar(&cfg.ollamaURL, "ollama", "http://localhost:11434", "Ollama base URL")
	flag.StringVar(&cfg.ollamaModel, "ollama-model", "nomic-embed-text", "Ollama embedding model")
	flag.StringVar(&cfg.clipURL, "clip", "http://localhost:8100", "CLIP embedding service URL")
	flag.StringVar(&cfg.clipModel, "clip-model", "", "CLIP model name")
	flag.StringVar(&cfg.neo4jURL, "neo4j", "", "Neo4j bolt URL, empty to disable the catalog")
	flag.StringVar(&cfg.neo4jUser, "neo4j-user", "neo4j", "Neo4j username")
	flag.StringVar(&cfg.neo4jPass, "neo4j-pass", "password", "Neo4j password")
	flag.StringVar(&cfg.metricsAddr, "metrics", ":9091", "metrics listen address, empty to disable")
	flag.BoolVar(&cfg.reset, "reset", false, "drop both indexes before consuming, e.g. after changing the embedding model")
	flag.Parse()
	cfg.openAIKey = os.Getenv("OPENAI_API_KEY")

	log := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	if err := run(cfg, log); err != nil {
		log.Error("ingest exited with error", "err", err)
		os.Exit(1)
	}
}

func run(cfg config, log *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reg := metrics.New()
	met := metrics.NewCard(reg)

	store, err := semantic.New(cfg.qdrantAddr, semantic.Options{KeywordFields: card.FilterFields, Logger: log})
	if err != nil {
		return fmt.Errorf("qdrant connect: %w", err)
	}
	defer store.Close()

	textIndex, imageIndex := cfg.indexBase+"_text", cfg.indexBase+"_image"
	if cfg.reset {
		if err := resetIndexes(ctx, store, log, textIndex, imageIndex); err != nil {
			return err
		}
	}

	var text embed.TextEmbedder = llm.New(llm.Config{
		APIKey:         cfg.openAIKey,
		BaseURL:        cfg.openAIBase,
		EmbeddingModel: cfg.openAIModel,
	})
	if cfg.embedder == "ollama" {
		text = ollama.NewEmbedClient(cfg.ollamaURL, cfg.ollamaModel)
	}
	embedder := embed.New(text, clip.NewClient(cfg.clipURL, cfg.clipModel), embed.Options{
		TextBreaker:  newBreaker("text", met, log),
		ImageBreaker: newBreaker("image", met, log),
		Logger:       log,
	})

	var saver ingest.Catalog
	if cfg.neo4jURL != "" {
		driver, err := neo4j.NewDriverWithContext(cfg.neo4jURL, neo4j.BasicAuth(cfg.neo4jUser, cfg.neo4jPass, ""))
		if err != nil {
			return fmt.Errorf("neo4j driver: %w", err)
		}
		defer driver.Close(context.Background())
		saver = catalog.New(driver)
	}

	nc, err := nats.Connect(cfg.natsURL, nats.Name("slabsearch-ingest"))
	if err != nil {
		return fmt.Errorf("nats connect: %w", err)
	}
	defer nc.Drain()

	p := ingest.NewPipeline(ingest.Deps{
		Embedder:   embedder,
		Store:      store,
		TextIndex:  textIndex,
		ImageIndex: imageIndex,
		Catalog:    saver,
		Events:     ingest.NewNATSEvents(nc),
		Logger:     log,
	})

	sub, err := ingest.StartConsumer(nc, instrumented{p, met}, log,
		ingest.WithDeadLetterHook(func(j ingest.Job, err error) {
			met.DeadLettered()
			log.Error("job dead-lettered", "player", j.Card.PlayerName, "err", err)
		}))
	if err != nil {
		return err
	}
	defer sub.Unsubscribe()

	var srv *http.Server
	if cfg.metricsAddr != "" {
		srv = &http.Server{Addr: cfg.metricsAddr, Handler: reg.Handler(), ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("metrics server failed", "err", err)
			}
		}()
	}

	log.Info("ingest consumer started", "subject", ingest.IngestSubject, "queue", ingest.QueueGroup, "index", cfg.indexBase)
	<-ctx.Done()
	log.Info("shutting down")

	if srv != nil {
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutCtx)
	}
	return nil
}

type indexDropper interface {
	DeleteIndex(ctx context.Context, name string) error
}

// resetIndexes drops the named indexes. The pipeline recreates them with the
// current embedder's dimensions on the next write.
func resetIndexes(ctx context.Context, store indexDropper, log *slog.Logger, names ...string) error {
	for _, name := range names {
		if err := store.DeleteIndex(ctx, name); err != nil {
			return fmt.Errorf("reset %s: %w", name, err)
		}
		log.Warn("index dropped", "index", name)
	}
	return nil
}

// instrumented records per-job ingest metrics.
type instrumented struct {
	next ingest.Ingester
	met  *metrics.Card
}

func (i instrumented) Ingest(ctx context.Context, req ingest.Request) (card.Stored, error) {
	start := time.Now()
	stored, err := i.next.Ingest(ctx, req)
	switch {
	case err == nil:
		i.met.Ingest(start, metrics.ResultOK)
	case card.IsValidation(err):
		i.met.Ingest(start, metrics.ResultInvalid)
	default:
		i.met.Ingest(start, metrics.ResultError)
	}
	return stored, err
}

func newBreaker(provider string, met *metrics.Card, log *slog.Logger) *resilience.Breaker {
	opts := resilience.DefaultBreakerOpts
	opts.OnStateChange = func(from, to resilience.State) {
		log.Warn("embedding breaker state change", "provider", provider, "from", from.String(), "to", to.String())
		met.Breaker(provider, int(to))
	}
	return resilience.NewBreaker(opts)
}

// Package main implements the card search API server.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/WessleyAI/slabsearch/engine/card"
	"github.com/WessleyAI/slabsearch/engine/catalog"
	"github.com/WessleyAI/slabsearch/engine/classify"
	"github.com/WessleyAI/slabsearch/engine/embed"
	"github.com/WessleyAI/slabsearch/engine/ingest"
	"github.com/WessleyAI/slabsearch/engine/search"
	"github.com/WessleyAI/slabsearch/engine/semantic"
	"github.com/WessleyAI/slabsearch/pkg/blob"
	"github.com/WessleyAI/slabsearch/pkg/clip"
	"github.com/WessleyAI/slabsearch/pkg/embedcache"
	"github.com/WessleyAI/slabsearch/pkg/llm"
	"github.com/WessleyAI/slabsearch/pkg/metrics"
	"github.com/WessleyAI/slabsearch/pkg/mid"
	"github.com/WessleyAI/slabsearch/pkg/ollama"
	"github.com/WessleyAI/slabsearch/pkg/resilience"
	"github.com/nats-io/nats.go"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"github.com/redis/go-redis/v9"
)

// Config holds all environment-based configuration. Empty addresses for
// Redis, MinIO, Neo4j, and NATS disable those integrations.
type Config struct {
	Port       string
	CORSOrigin string

	QdrantURL string
	IndexBase string

	OpenAIKey      string
	OpenAIBaseURL  string
	EmbeddingModel string
	VisionModel    string

	// TextEmbedder selects "openai" or "ollama".
	TextEmbedder string
	OllamaURL    string
	OllamaModel  string

	CLIPURL   string
	CLIPModel string

	RedisAddr string

	MinIOEndpoint  string
	MinIOAccessKey string
	MinIOSecretKey string
	MinIOBucket    string
	MinIOPublicURL string

	Neo4jURL  string
	Neo4jUser string
	Neo4jPass string

	NATSURL string

	RateLimit    float64
	RateBurst    int
	MaxBodyBytes int64
}

func loadConfig() Config {
	return Config{
		Port:           envOr("PORT", "8080"),
		CORSOrigin:     envOr("CORS_ORIGIN", "*"),
		QdrantURL:      envOr("QDRANT_URL", "localhost:6334"),
		IndexBase:      envOr("INDEX_BASE", "cards"),
		OpenAIKey:      os.Getenv("OPENAI_API_KEY"),
		OpenAIBaseURL:  os.Getenv("OPENAI_BASE_URL"),
		EmbeddingModel: envOr("EMBEDDING_MODEL", llm.DefaultEmbeddingModel),
		VisionModel:    envOr("VISION_MODEL", llm.DefaultVisionModel),
		TextEmbedder:   envOr("TEXT_EMBEDDER", "openai"),
		OllamaURL:      envOr("OLLAMA_URL", "http://localhost:11434"),
		OllamaModel:    envOr("OLLAMA_MODEL", "nomic-embed-text"),
		CLIPURL:        envOr("CLIP_URL", "http://localhost:8100"),
		CLIPModel:      os.Getenv("CLIP_MODEL"),
		RedisAddr:      os.Getenv("REDIS_ADDR"),
		MinIOEndpoint:  os.Getenv("MINIO_ENDPOINT"),
		MinIOAccessKey: os.Getenv("MINIO_ACCESS_KEY"),
		MinIOSecretKey: os.Getenv("MINIO_SECRET_KEY"),
		MinIOBucket:    envOr("MINIO_BUCKET", "cards"),
		MinIOPublicURL: os.Getenv("MINIO_PUBLIC_URL"),
		Neo4jURL:       os.Getenv("NEO4J_URL"),
		Neo4jUser:      envOr("NEO4J_USER", "neo4j"),
		Neo4jPass:      envOr("NEO4J_PASS", "password"),
		NATSURL:        os.Getenv("NATS_URL"),
		RateLimit:      envFloat("RATE_LIMIT_RPS", 5),
		RateBurst:      envInt("RATE_LIMIT_BURST", 20),
		MaxBodyBytes:   int64(envInt("MAX_BODY_BYTES", 25<<20)),
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if n, err := strconv.Atoi(os.Getenv(key)); err == nil {
		return n
	}
	return fallback
}

func envFloat(key string, fallback float64) float64 {
	if f, err := strconv.ParseFloat(os.Getenv(key), 64); err == nil {
		return f
	}
	return fallback
}

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	cfg := loadConfig()

	if err := run(cfg, logger); err != nil {
		logger.Error("server exited with error", "err", err)
		os.Exit(1)
	}
}

func run(cfg Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reg := metrics.New()
	met := metrics.NewCard(reg)

	// --- Connect to Qdrant ---
	store, err := semantic.New(cfg.QdrantURL, semantic.Options{KeywordFields: card.FilterFields, Logger: logger})
	if err != nil {
		return fmt.Errorf("qdrant connect: %w", err)
	}
	defer store.Close()

	// --- Embedding providers ---
	llmClient := llm.New(llm.Config{
		APIKey:         cfg.OpenAIKey,
		BaseURL:        cfg.OpenAIBaseURL,
		EmbeddingModel: cfg.EmbeddingModel,
		VisionModel:    cfg.VisionModel,
	})

	var text embed.TextEmbedder = llmClient
	textModel := cfg.EmbeddingModel
	if cfg.TextEmbedder == "ollama" {
		text = ollama.NewEmbedClient(cfg.OllamaURL, cfg.OllamaModel)
		textModel = cfg.OllamaModel
	}
	var image embed.ImageEmbedder = clip.NewClient(cfg.CLIPURL, cfg.CLIPModel)

	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			logger.Warn("redis unreachable, embedding cache will fall through", "err", err)
		}
		text = embedcache.NewText(text, rdb, embedcache.Options{Namespace: textModel, Logger: logger})
		image = embedcache.NewImage(image, rdb, embedcache.Options{Namespace: "clip-" + cfg.CLIPModel, Logger: logger})
	}

	embedder := embed.New(text, image, embed.Options{
		TextBreaker:  newBreaker("text", met, logger),
		ImageBreaker: newBreaker("image", met, logger),
		Logger:       logger,
	})

	// --- Optional integrations ---
	var (
		cat    cardCatalog
		saver  ingest.Catalog
		events ingest.EventPublisher
		blobs  imageStore
	)

	if cfg.Neo4jURL != "" {
		driver, err := neo4j.NewDriverWithContext(cfg.Neo4jURL, neo4j.BasicAuth(cfg.Neo4jUser, cfg.Neo4jPass, ""))
		if err != nil {
			return fmt.Errorf("neo4j driver: %w", err)
		}
		defer driver.Close(context.Background())
		cs := catalog.New(driver)
		cat, saver = cs, cs
	}

	if cfg.NATSURL != "" {
		nc, err := nats.Connect(cfg.NATSURL, nats.Name("slabsearch-api"))
		if err != nil {
			return fmt.Errorf("nats connect: %w", err)
		}
		defer nc.Drain()
		events = ingest.NewNATSEvents(nc)
	}

	if cfg.MinIOEndpoint != "" {
		bs, err := blob.New(blob.Config{
			EndpointURL:     cfg.MinIOEndpoint,
			AccessKeyID:     cfg.MinIOAccessKey,
			SecretAccessKey: cfg.MinIOSecretKey,
			Bucket:          cfg.MinIOBucket,
			PublicURL:       cfg.MinIOPublicURL,
		})
		if err != nil {
			return err
		}
		if err := bs.EnsureBucket(ctx); err != nil {
			logger.Warn("image bucket not ready", "err", err)
		}
		blobs = bs
	}

	// --- Pipelines ---
	textIndex, imageIndex := cfg.IndexBase+"_text", cfg.IndexBase+"_image"
	pipeline := ingest.NewPipeline(ingest.Deps{
		Embedder:   embedder,
		Store:      store,
		TextIndex:  textIndex,
		ImageIndex: imageIndex,
		Catalog:    saver,
		Events:     events,
		Logger:     logger,
	})
	engine := search.New(embedder, store, search.Options{
		TextIndex:  textIndex,
		ImageIndex: imageIndex,
		Logger:     logger,
	})

	// --- Build HTTP server ---
	handler := newRouter(routes{
		classifier: llmClient,
		blobs:      blobs,
		ingester:   pipeline,
		searcher:   engine,
		catalog:    cat,
		metrics:    met,
		logger:     logger,
	}, cfg)

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 90 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	// --- Graceful shutdown ---
	errCh := make(chan error, 1)
	go func() {
		logger.Info("api server starting", "port", cfg.Port, "text_index", textIndex, "image_index", imageIndex)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutCtx)
}

func newBreaker(provider string, met *metrics.Card, logger *slog.Logger) *resilience.Breaker {
	opts := resilience.DefaultBreakerOpts
	opts.OnStateChange = func(from, to resilience.State) {
		logger.Warn("embedding breaker state change", "provider", provider, "from", from.String(), "to", to.String())
		met.Breaker(provider, int(to))
	}
	return resilience.NewBreaker(opts)
}

// routes are the dependencies of the HTTP handlers.
type routes struct {
	classifier classify.Classifier
	blobs      imageStore
	ingester   ingester
	searcher   searcher
	catalog    cardCatalog
	metrics    *metrics.Card
	logger     *slog.Logger
}

func newRouter(rt routes, cfg Config) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/health", handleHealth)
	mux.HandleFunc("POST /api/analyze", handleAnalyze(rt.classifier, rt.blobs, rt.ingester, rt.metrics, rt.logger))
	mux.HandleFunc("POST /api/search", handleSearchPost(rt.searcher, rt.metrics, rt.logger))
	mux.HandleFunc("GET /api/search", handleSearchGet(rt.searcher, rt.metrics, rt.logger))
	mux.HandleFunc("GET /api/cards/{id}", handleCard(rt.catalog, rt.logger))
	mux.HandleFunc("GET /api/players/{name}/cards", handlePlayerCards(rt.catalog, rt.logger))
	mux.Handle("GET /metrics", rt.metrics.Registry().Handler())

	mw := []mid.Middleware{
		mid.Recover(rt.logger),
		mid.OTel("slabsearch-api"),
		mid.Logger(rt.logger),
		mid.Metrics(rt.metrics.Registry()),
		mid.CORS(cfg.CORSOrigin),
	}
	if cfg.RateLimit > 0 {
		mw = append(mw, mid.RateLimit(mid.NewLimiter(cfg.RateLimit, cfg.RateBurst)))
	}
	if cfg.MaxBodyBytes > 0 {
		mw = append(mw, mid.MaxBytes(cfg.MaxBodyBytes))
	}
	return mid.Chain(mux, mw...)
}

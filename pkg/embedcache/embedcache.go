// Package embedcache memoizes text embeddings in Redis. Search queries repeat
// often, and each miss costs a provider round trip.
package embedcache

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/WessleyAI/slabsearch/engine/embed"
	"github.com/redis/go-redis/v9"
)

// DefaultTTL is how long a cached vector lives.
const DefaultTTL = 24 * time.Hour

// kv is the subset of redis.Cmdable the cache uses.
type kv interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value any, expiration time.Duration) *redis.StatusCmd
}

// Options configures a cache.
type Options struct {
	// Namespace separates keys of different models. Changing the model must
	// change the namespace.
	Namespace string
	TTL       time.Duration
	Logger    *slog.Logger
}

type cache struct {
	kv     kv
	ns     string
	ttl    time.Duration
	logger *slog.Logger
}

func newCache(client kv, opts Options) cache {
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return cache{kv: client, ns: opts.Namespace, ttl: opts.TTL, logger: opts.Logger}
}

func (c cache) key(space, text string) string {
	sum := sha256.Sum256([]byte(text))
	return fmt.Sprintf("embed:%s:%s:%s", c.ns, space, hex.EncodeToString(sum[:]))
}

// through returns the cached vector for text, or computes and stores it.
// Redis failures are logged and bypassed.
func (c cache) through(ctx context.Context, space, text string, compute func() ([]float32, error)) ([]float32, error) {
	key := c.key(space, text)

	raw, err := c.kv.Get(ctx, key).Bytes()
	switch {
	case err == nil:
		if vec, ok := decode(raw); ok {
			return vec, nil
		}
		c.logger.Warn("embedcache: corrupt entry", "key", key, "len", len(raw))
	case !errors.Is(err, redis.Nil):
		c.logger.Warn("embedcache: get failed", "key", key, "err", err)
	}

	vec, err := compute()
	if err != nil {
		return nil, err
	}
	if err := c.kv.Set(ctx, key, encode(vec), c.ttl).Err(); err != nil {
		c.logger.Warn("embedcache: set failed", "key", key, "err", err)
	}
	return vec, nil
}

// Text caches a text embedder.
type Text struct {
	inner embed.TextEmbedder
	cache cache
}

// NewText wraps inner with a Redis cache.
func NewText(inner embed.TextEmbedder, client kv, opts Options) *Text {
	return &Text{inner: inner, cache: newCache(client, opts)}
}

func (t *Text) EmbedText(ctx context.Context, text string) ([]float32, error) {
	return t.cache.through(ctx, "text", text, func() ([]float32, error) {
		return t.inner.EmbedText(ctx, text)
	})
}

// Image caches the text-to-image-space projection of an image embedder.
// Image embeddings pass through uncached.
type Image struct {
	inner embed.ImageEmbedder
	cache cache
}

// NewImage wraps inner with a Redis cache.
func NewImage(inner embed.ImageEmbedder, client kv, opts Options) *Image {
	return &Image{inner: inner, cache: newCache(client, opts)}
}

func (i *Image) EmbedImage(ctx context.Context, img embed.Image) ([]float32, error) {
	return i.inner.EmbedImage(ctx, img)
}

func (i *Image) EmbedTextForImage(ctx context.Context, text string) ([]float32, error) {
	return i.cache.through(ctx, "image-text", text, func() ([]float32, error) {
		return i.inner.EmbedTextForImage(ctx, text)
	})
}

// encode packs vec as little-endian float32s.
func encode(vec []float32) []byte {
	buf := make([]byte, 4*len(vec))
	for i, v := range vec {
		binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(v))
	}
	return buf
}

func decode(b []byte) ([]float32, bool) {
	if len(b) == 0 || len(b)%4 != 0 {
		return nil, false
	}
	vec := make([]float32, len(b)/4)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[4*i:]))
	}
	return vec, true
}

var (
	_ embed.TextEmbedder  = (*Text)(nil)
	_ embed.ImageEmbedder = (*Image)(nil)
	_ kv                  = (*redis.Client)(nil)
)

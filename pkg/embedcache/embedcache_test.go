package embedcache

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/WessleyAI/slabsearch/engine/embed"
	"github.com/redis/go-redis/v9"
)

type memKV struct {
	mu     sync.Mutex
	data   map[string][]byte
	ttls   map[string]time.Duration
	getErr error
	setErr error
}

func newMemKV() *memKV {
	return &memKV{data: map[string][]byte{}, ttls: map[string]time.Duration{}}
}

func (m *memKV) Get(_ context.Context, key string) *redis.StringCmd {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.getErr != nil {
		return redis.NewStringResult("", m.getErr)
	}
	v, ok := m.data[key]
	if !ok {
		return redis.NewStringResult("", redis.Nil)
	}
	return redis.NewStringResult(string(v), nil)
}

func (m *memKV) Set(_ context.Context, key string, value any, ttl time.Duration) *redis.StatusCmd {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.setErr != nil {
		return redis.NewStatusResult("", m.setErr)
	}
	m.data[key] = value.([]byte)
	m.ttls[key] = ttl
	return redis.NewStatusResult("OK", nil)
}

type countingEmbedder struct {
	calls int
	err   error
}

func (c *countingEmbedder) EmbedText(context.Context, string) ([]float32, error) {
	c.calls++
	return []float32{0.1, -2, 3.5}, c.err
}

func (c *countingEmbedder) EmbedImage(context.Context, embed.Image) ([]float32, error) {
	c.calls++
	return []float32{9}, c.err
}

func (c *countingEmbedder) EmbedTextForImage(context.Context, string) ([]float32, error) {
	c.calls++
	return []float32{7, 8}, c.err
}

func TestText_HitSkipsProvider(t *testing.T) {
	inner, store := &countingEmbedder{}, newMemKV()
	c := NewText(inner, store, Options{Namespace: "te3"})

	for i := 0; i < 3; i++ {
		vec, err := c.EmbedText(context.Background(), "Player: Dirk Nowitzki")
		if err != nil {
			t.Fatal(err)
		}
		if len(vec) != 3 || vec[1] != -2 || vec[2] != 3.5 {
			t.Fatalf("vec = %v", vec)
		}
	}
	if inner.calls != 1 {
		t.Fatalf("provider called %d times, want 1", inner.calls)
	}
	for _, ttl := range store.ttls {
		if ttl != DefaultTTL {
			t.Fatalf("ttl = %v", ttl)
		}
	}
}

func TestText_DistinctKeys(t *testing.T) {
	inner := &countingEmbedder{}
	c := NewText(inner, newMemKV(), Options{})
	c.EmbedText(context.Background(), "a")
	c.EmbedText(context.Background(), "b")
	if inner.calls != 2 {
		t.Fatalf("calls = %d", inner.calls)
	}
}

func TestText_ProviderErrorNotCached(t *testing.T) {
	inner, store := &countingEmbedder{err: errors.New("503")}, newMemKV()
	c := NewText(inner, store, Options{})
	if _, err := c.EmbedText(context.Background(), "x"); err == nil {
		t.Fatal("expected error")
	}
	if len(store.data) != 0 {
		t.Fatal("failed result must not be cached")
	}
}

func TestText_RedisDownFallsThrough(t *testing.T) {
	inner, store := &countingEmbedder{}, newMemKV()
	store.getErr = errors.New("connection refused")
	store.setErr = errors.New("connection refused")
	c := NewText(inner, store, Options{})

	vec, err := c.EmbedText(context.Background(), "x")
	if err != nil || len(vec) != 3 {
		t.Fatalf("vec = %v, err = %v", vec, err)
	}
}

func TestText_CorruptEntryRecomputed(t *testing.T) {
	inner, store := &countingEmbedder{}, newMemKV()
	c := NewText(inner, store, Options{})
	store.data[c.cache.key("text", "x")] = []byte{1, 2, 3}

	if _, err := c.EmbedText(context.Background(), "x"); err != nil {
		t.Fatal(err)
	}
	if inner.calls != 1 {
		t.Fatal("corrupt entry must be recomputed")
	}
}

func TestImage_CachesOnlyTextProjection(t *testing.T) {
	inner := &countingEmbedder{}
	c := NewImage(inner, newMemKV(), Options{TTL: time.Hour})

	c.EmbedTextForImage(context.Background(), "q")
	c.EmbedTextForImage(context.Background(), "q")
	c.EmbedImage(context.Background(), embed.Image{Data: []byte{1}})
	c.EmbedImage(context.Background(), embed.Image{Data: []byte{1}})
	if inner.calls != 3 {
		t.Fatalf("calls = %d, want 3", inner.calls)
	}
}

func TestEncodeDecode(t *testing.T) {
	in := []float32{0, 1.25, -3e-8}
	out, ok := decode(encode(in))
	if !ok || len(out) != 3 || out[2] != in[2] {
		t.Fatalf("out = %v", out)
	}
	if _, ok := decode(nil); ok {
		t.Fatal("empty must not decode")
	}
}

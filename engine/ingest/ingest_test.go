package ingest

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/WessleyAI/slabsearch/engine/card"
	"github.com/WessleyAI/slabsearch/engine/embed"
	"github.com/WessleyAI/slabsearch/engine/semantic"
)

// --- Mocks ---

type mockEmbedder struct {
	textErr  error
	imageErr error
	delay    time.Duration

	mu       sync.Mutex
	texts    []string
	inFlight int
	maxSeen  int
}

func (m *mockEmbedder) track() func() {
	m.mu.Lock()
	m.inFlight++
	if m.inFlight > m.maxSeen {
		m.maxSeen = m.inFlight
	}
	m.mu.Unlock()
	time.Sleep(m.delay)
	return func() {
		m.mu.Lock()
		m.inFlight--
		m.mu.Unlock()
	}
}

func (m *mockEmbedder) EmbedText(_ context.Context, text string) ([]float32, error) {
	defer m.track()()
	m.mu.Lock()
	m.texts = append(m.texts, text)
	m.mu.Unlock()
	if m.textErr != nil {
		return nil, m.textErr
	}
	return []float32{0.1, 0.2, 0.3}, nil
}

func (m *mockEmbedder) EmbedImage(_ context.Context, _ embed.Image) ([]float32, error) {
	defer m.track()()
	if m.imageErr != nil {
		return nil, m.imageErr
	}
	return []float32{0.4, 0.5}, nil
}

// memStore is an in-memory VectorStore keyed by index then record id.
type memStore struct {
	mu        sync.Mutex
	records   map[string]map[string]semantic.Record
	dims      map[string]int
	failIndex string
	// appliedOnFail stores the records of a failing upsert before reporting
	// the error, like a write that times out after the server accepted it.
	appliedOnFail bool
	ensureErr     error
	deleteErr     error
	deleted       []string
}

func newMemStore() *memStore {
	return &memStore{records: map[string]map[string]semantic.Record{}, dims: map[string]int{}}
}

func (m *memStore) EnsureIndex(_ context.Context, name string, dim int) error {
	if m.ensureErr != nil {
		return m.ensureErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dims[name] = dim
	return nil
}

func (m *memStore) Upsert(_ context.Context, index string, records []semantic.Record) error {
	failed := index == m.failIndex
	if failed && !m.appliedOnFail {
		return &semantic.StoreError{Op: "upsert", Index: index, Err: errors.New("unavailable")}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.records[index] == nil {
		m.records[index] = map[string]semantic.Record{}
	}
	for _, r := range records {
		m.records[index][r.ID] = r
	}
	if failed {
		return &semantic.StoreError{Op: "upsert", Index: index, Err: context.DeadlineExceeded}
	}
	return nil
}

func (m *memStore) Delete(_ context.Context, index string, ids []string) error {
	if m.deleteErr != nil {
		return m.deleteErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range ids {
		m.deleted = append(m.deleted, index+"/"+id)
		delete(m.records[index], id)
	}
	return nil
}

func (m *memStore) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, recs := range m.records {
		n += len(recs)
	}
	return n
}

type mockCatalog struct {
	saved []card.Stored
	err   error
}

func (m *mockCatalog) Save(_ context.Context, c card.Stored) error {
	m.saved = append(m.saved, c)
	return m.err
}

type mockEvents struct {
	events []IngestedEvent
	err    error
}

func (m *mockEvents) PublishIngested(_ context.Context, ev IngestedEvent) error {
	m.events = append(m.events, ev)
	return m.err
}

func validRequest() Request {
	return Request{
		Card: card.Attributes{
			PlayerName: "Michael Jordan",
			Team:       "Chicago Bulls",
			Year:       "1986",
			PSA:        card.PSA{Grade: "8"},
		},
		Image:    embed.Image{Data: []byte{0x89, 'P', 'N', 'G'}, ContentType: "image/png"},
		ImageURL: "http://blob/cards/mj.png",
	}
}

var fixedNow = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func newTestPipeline(e Embedder, s VectorStore) (*Pipeline, *mockCatalog, *mockEvents) {
	cat, ev := &mockCatalog{}, &mockEvents{}
	p := NewPipeline(Deps{
		Embedder:   e,
		Store:      s,
		TextIndex:  "cards_text",
		ImageIndex: "cards_image",
		Catalog:    cat,
		Events:     ev,
		Now:        func() time.Time { return fixedNow },
		Logger:     slog.Default(),
	})
	return p, cat, ev
}

// --- Tests ---

func TestIngest_Success(t *testing.T) {
	emb, store := &mockEmbedder{}, newMemStore()
	p, cat, ev := newTestPipeline(emb, store)

	stored, err := p.Ingest(context.Background(), validRequest())
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if !strings.HasPrefix(stored.ID, "card_") {
		t.Fatalf("card id = %q", stored.ID)
	}

	text, ok := store.records["cards_text"][stored.ID+"_text"]
	if !ok {
		t.Fatal("text record missing")
	}
	image, ok := store.records["cards_image"][stored.ID+"_image"]
	if !ok {
		t.Fatal("image record missing")
	}
	if text.Payload[card.KeyCardID] != stored.ID || image.Payload[card.KeyCardID] != stored.ID {
		t.Fatal("records must share the card id")
	}
	if text.Payload[card.KeyEmbeddingType] != "text" || image.Payload[card.KeyEmbeddingType] != "image" {
		t.Fatal("embeddingType not set per modality")
	}
	if text.Payload[card.KeyImageURL] != "http://blob/cards/mj.png" {
		t.Errorf("imageUrl = %v", text.Payload[card.KeyImageURL])
	}
	if text.Payload[card.KeyCreatedAt] != fixedNow.Format(time.RFC3339Nano) {
		t.Errorf("createdAt = %v", text.Payload[card.KeyCreatedAt])
	}

	if store.dims["cards_text"] != 3 || store.dims["cards_image"] != 2 {
		t.Fatalf("indexes ensured with dims %v", store.dims)
	}
	if len(emb.texts) != 1 || emb.texts[0] != card.Describe(validRequest().Card) {
		t.Fatalf("embedded text = %v", emb.texts)
	}
	if len(cat.saved) != 1 || cat.saved[0].ID != stored.ID {
		t.Fatal("catalog not written")
	}
	if len(ev.events) != 1 || ev.events[0].CardID != stored.ID {
		t.Fatal("event not published")
	}
}

func TestIngest_ImageEmbedFailureWritesNothing(t *testing.T) {
	store := newMemStore()
	p, cat, ev := newTestPipeline(&mockEmbedder{imageErr: &embed.Error{Modality: card.ModalityImage, Cause: errors.New("503")}}, store)

	_, err := p.Ingest(context.Background(), validRequest())
	var ee *embed.Error
	if !errors.As(err, &ee) {
		t.Fatalf("expected embed.Error, got %v", err)
	}
	if store.count() != 0 {
		t.Fatalf("%d records written after embedding failure", store.count())
	}
	if len(cat.saved) != 0 || len(ev.events) != 0 {
		t.Fatal("side effects after failure")
	}
}

func TestIngest_TextEmbedFailureWritesNothing(t *testing.T) {
	store := newMemStore()
	p, _, _ := newTestPipeline(&mockEmbedder{textErr: errors.New("boom")}, store)

	if _, err := p.Ingest(context.Background(), validRequest()); err == nil {
		t.Fatal("expected error")
	}
	if store.count() != 0 {
		t.Fatal("records written after embedding failure")
	}
}

func TestIngest_ImageUpsertFailureCompensates(t *testing.T) {
	store := newMemStore()
	store.failIndex = "cards_image"
	p, _, _ := newTestPipeline(&mockEmbedder{}, store)

	_, err := p.Ingest(context.Background(), validRequest())
	var se *semantic.StoreError
	if !errors.As(err, &se) {
		t.Fatalf("expected StoreError, got %v", err)
	}
	if store.count() != 0 {
		t.Fatal("text record must be deleted when the image write fails")
	}
}

func TestIngest_CompensationFailureStillReportsError(t *testing.T) {
	store := newMemStore()
	store.failIndex = "cards_image"
	store.deleteErr = errors.New("delete failed")
	p, _, _ := newTestPipeline(&mockEmbedder{}, store)

	if _, err := p.Ingest(context.Background(), validRequest()); err == nil {
		t.Fatal("expected error")
	}
}

func TestIngest_TextUpsertFailure(t *testing.T) {
	store := newMemStore()
	store.failIndex = "cards_text"
	p, _, _ := newTestPipeline(&mockEmbedder{}, store)

	if _, err := p.Ingest(context.Background(), validRequest()); err == nil {
		t.Fatal("expected error")
	}
	if store.count() != 0 {
		t.Fatal("nothing should be stored")
	}
}

func TestIngest_TextUpsertFailureCompensates(t *testing.T) {
	store := newMemStore()
	store.failIndex = "cards_text"
	store.appliedOnFail = true
	p, _, _ := newTestPipeline(&mockEmbedder{}, store)

	if _, err := p.Ingest(context.Background(), validRequest()); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected DeadlineExceeded, got %v", err)
	}
	if store.count() != 0 {
		t.Fatal("a text record applied despite the error must be deleted")
	}
	if len(store.deleted) != 1 || !strings.HasPrefix(store.deleted[0], "cards_text/") || !strings.HasSuffix(store.deleted[0], "_text") {
		t.Fatalf("deleted = %v", store.deleted)
	}
}

func TestIngest_EnsureIndexFailure(t *testing.T) {
	store := newMemStore()
	store.ensureErr = &semantic.StoreError{Op: "ensure", Index: "cards_text", Err: semantic.ErrDimensionMismatch}
	p, _, _ := newTestPipeline(&mockEmbedder{}, store)

	_, err := p.Ingest(context.Background(), validRequest())
	if !errors.Is(err, semantic.ErrDimensionMismatch) {
		t.Fatalf("expected ErrDimensionMismatch, got %v", err)
	}
}

func TestIngest_ValidationFailures(t *testing.T) {
	cases := map[string]struct {
		mutate func(*Request)
		want   error
	}{
		"missing player": {func(r *Request) { r.Card.PlayerName = " " }, card.ErrMissingPlayer},
		"missing image":  {func(r *Request) { r.Image = embed.Image{} }, card.ErrMissingFile},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			emb := &mockEmbedder{}
			p, _, _ := newTestPipeline(emb, newMemStore())
			req := validRequest()
			tc.mutate(&req)
			if _, err := p.Ingest(context.Background(), req); !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
			if len(emb.texts) != 0 {
				t.Fatal("embedder must not be called")
			}
		})
	}
}

func TestIngest_BestEffortSideEffects(t *testing.T) {
	store := newMemStore()
	p := NewPipeline(Deps{
		Embedder:   &mockEmbedder{},
		Store:      store,
		TextIndex:  "cards_text",
		ImageIndex: "cards_image",
		Catalog:    &mockCatalog{err: errors.New("neo4j down")},
		Events:     &mockEvents{err: errors.New("nats down")},
	})
	if _, err := p.Ingest(context.Background(), validRequest()); err != nil {
		t.Fatalf("catalog/event failures must not fail ingest: %v", err)
	}
	if store.count() != 2 {
		t.Fatalf("records = %d", store.count())
	}
}

func TestIngest_EmbeddingsRunConcurrently(t *testing.T) {
	emb := &mockEmbedder{delay: 40 * time.Millisecond}
	p, _, _ := newTestPipeline(emb, newMemStore())

	if _, err := p.Ingest(context.Background(), validRequest()); err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if emb.maxSeen != 2 {
		t.Fatalf("embedding calls overlapped %d, want 2", emb.maxSeen)
	}
}

func TestIngest_DistinctIDs(t *testing.T) {
	store := newMemStore()
	p, _, _ := newTestPipeline(&mockEmbedder{}, store)
	a, _ := p.Ingest(context.Background(), validRequest())
	b, _ := p.Ingest(context.Background(), validRequest())
	if a.ID == b.ID {
		t.Fatalf("ids collided: %s", a.ID)
	}
	if store.count() != 4 {
		t.Fatalf("records = %d", store.count())
	}
}

func TestDescribeStage(t *testing.T) {
	req := validRequest()
	got, err := Describe(context.Background(), req).Unwrap()
	if err != nil {
		t.Fatal(err)
	}
	if got.Text != "Player: Michael Jordan | Team: Chicago Bulls | Year: 1986 | PSA Grade: 8" {
		t.Fatalf("text = %q", got.Text)
	}
}

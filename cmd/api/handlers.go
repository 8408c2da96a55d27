package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/WessleyAI/slabsearch/engine/card"
	"github.com/WessleyAI/slabsearch/engine/catalog"
	"github.com/WessleyAI/slabsearch/engine/classify"
	"github.com/WessleyAI/slabsearch/engine/embed"
	"github.com/WessleyAI/slabsearch/engine/ingest"
	"github.com/WessleyAI/slabsearch/engine/search"
	"github.com/WessleyAI/slabsearch/pkg/metrics"
)

// maxUpload bounds the multipart file read into memory.
const maxUpload = 20 << 20

type ingester interface {
	Ingest(ctx context.Context, req ingest.Request) (card.Stored, error)
}

type searcher interface {
	Search(ctx context.Context, q search.Query) ([]search.Result, error)
}

type imageStore interface {
	Put(ctx context.Context, data []byte, contentType string) (string, error)
	Remove(ctx context.Context, url string) error
}

type cardCatalog interface {
	Get(ctx context.Context, id string) (card.Stored, error)
	ByPlayer(ctx context.Context, name string, limit int) ([]card.Stored, error)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// --- Analyze ---

type notSupported struct {
	Error  string `json:"error"`
	Reason string `json:"reason"`
}

func rejectUpload(w http.ResponseWriter, reason string) {
	writeJSON(w, http.StatusBadRequest, notSupported{Error: "image_not_supported", Reason: reason})
}

// analyzeResponse is the classified card plus the storage outcome.
type analyzeResponse struct {
	card.Attributes
	CardID         string `json:"cardId,omitempty"`
	ImageURL       string `json:"imageUrl,omitempty"`
	Stored         bool   `json:"stored"`
	EmbeddingError string `json:"embeddingError,omitempty"`
}

func handleAnalyze(cls classify.Classifier, blobs imageStore, ing ingester, m *metrics.Card, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		up, err := readUpload(r)
		if err != nil {
			m.Analyze(start, metrics.ResultInvalid, false)
			rejectUpload(w, uploadReason(err))
			return
		}

		attrs, err := cls.Classify(r.Context(), up)
		if err != nil {
			logger.Warn("classification failed", "err", err, "filename", up.Filename)
			m.Analyze(start, metrics.ResultInvalid, false)
			var ce *classify.Error
			if errors.As(err, &ce) {
				rejectUpload(w, ce.Reason)
				return
			}
			rejectUpload(w, err.Error())
			return
		}

		resp := analyzeResponse{Attributes: attrs}
		stored, err := store(r.Context(), blobs, ing, attrs, up, logger)
		if err != nil {
			logger.Error("card not stored", "err", err, "player", attrs.PlayerName)
			resp.EmbeddingError = err.Error()
			m.Analyze(start, metrics.ResultError, false)
			writeJSON(w, http.StatusOK, resp)
			return
		}

		resp.CardID, resp.ImageURL, resp.Stored = stored.ID, stored.ImageURL, true
		m.Analyze(start, metrics.ResultOK, true)
		writeJSON(w, http.StatusOK, resp)
	}
}

// readUpload extracts the "file" part and checks its type.
func readUpload(r *http.Request) (classify.Upload, error) {
	if err := r.ParseMultipartForm(maxUpload); err != nil && !errors.Is(err, http.ErrNotMultipart) {
		return classify.Upload{}, card.NewValidationError("file", "", fmt.Errorf("%w: %v", card.ErrMissingFile, err))
	}
	f, hdr, err := r.FormFile("file")
	if err != nil {
		return classify.Upload{}, card.NewValidationError("file", "", card.ErrMissingFile)
	}
	defer f.Close()

	ct, err := classify.CheckContentType(hdr.Header.Get("Content-Type"))
	if err != nil {
		return classify.Upload{}, err
	}
	data, err := io.ReadAll(f)
	if err != nil {
		return classify.Upload{}, card.NewValidationError("file", hdr.Filename, fmt.Errorf("%w: %v", card.ErrMissingFile, err))
	}
	if len(data) == 0 {
		return classify.Upload{}, card.NewValidationError("file", hdr.Filename, card.ErrMissingFile)
	}
	return classify.Upload{Data: data, ContentType: ct, Filename: hdr.Filename}, nil
}

func uploadReason(err error) string {
	var ve *card.ValidationError
	switch {
	case errors.Is(err, card.ErrUnsupportedType) && errors.As(err, &ve):
		return "Unsupported type: " + ve.Value
	case errors.As(err, &ve) && ve.Wrapped == card.ErrMissingFile:
		return "No file provided"
	case errors.As(err, &ve):
		return ve.Wrapped.Error()
	}
	return err.Error()
}

// store uploads the image and runs the ingest pipeline. The uploaded image is
// removed again if ingestion fails.
func store(ctx context.Context, blobs imageStore, ing ingester, attrs card.Attributes, up classify.Upload, logger *slog.Logger) (card.Stored, error) {
	var imageURL string
	if blobs != nil {
		u, err := blobs.Put(ctx, up.Data, up.ContentType)
		if err != nil {
			return card.Stored{}, err
		}
		imageURL = u
	}

	stored, err := ing.Ingest(ctx, ingest.Request{
		Card:     attrs,
		Image:    embed.Image{Data: up.Data, ContentType: up.ContentType},
		ImageURL: imageURL,
	})
	if err != nil {
		if imageURL != "" {
			if rerr := blobs.Remove(context.WithoutCancel(ctx), imageURL); rerr != nil {
				logger.Warn("orphaned image not removed", "url", imageURL, "err", rerr)
			}
		}
		return card.Stored{}, err
	}
	return stored, nil
}

// --- Search ---

// filterValue accepts both "Lakers" and {"$eq": "Lakers"}.
type filterValue string

func (f *filterValue) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) > 0 && b[0] == '{' {
		var ops map[string]json.RawMessage
		if err := json.Unmarshal(b, &ops); err != nil {
			return err
		}
		eq, ok := ops["$eq"]
		if !ok || len(ops) != 1 {
			return fmt.Errorf("unsupported filter operator in %s", b)
		}
		return f.UnmarshalJSON(eq)
	}
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	switch v := v.(type) {
	case string:
		*f = filterValue(v)
	case float64, bool:
		*f = filterValue(fmt.Sprint(v))
	case nil:
		*f = ""
	default:
		return fmt.Errorf("unsupported filter value %s", b)
	}
	return nil
}

type searchRequest struct {
	Query       string                 `json:"query"`
	Limit       *int                   `json:"limit"`
	TextWeight  *float64               `json:"textWeight"`
	ImageWeight *float64               `json:"imageWeight"`
	Filters     map[string]filterValue `json:"filters"`
}

// toQuery maps the body onto a search.Query. An explicit zero limit is
// rejected here because Query.Limit uses zero for "not given".
func (s searchRequest) toQuery() (search.Query, error) {
	q := search.Query{Text: s.Query}
	if s.Limit != nil {
		if *s.Limit == 0 {
			return q, card.NewValidationError("limit", "0", card.ErrInvalidLimit)
		}
		q.Limit = *s.Limit
	}
	if s.TextWeight != nil || s.ImageWeight != nil {
		w := search.DefaultWeights()
		if s.TextWeight != nil {
			w.Text = *s.TextWeight
		}
		if s.ImageWeight != nil {
			w.Image = *s.ImageWeight
		}
		q.Weights = &w
	}
	if len(s.Filters) > 0 {
		q.Filters = make(map[string]string, len(s.Filters))
		for k, v := range s.Filters {
			q.Filters[k] = string(v)
		}
	}
	return q, nil
}

type searchResponse struct {
	Query        string          `json:"query"`
	Results      []search.Result `json:"results"`
	TotalResults int             `json:"totalResults"`
	SearchParams search.Params   `json:"searchParams"`
}

func handleSearchPost(s searcher, m *metrics.Card, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req searchRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			m.Search(time.Now(), metrics.ResultInvalid, 0)
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body: " + err.Error()})
			return
		}
		q, err := req.toQuery()
		if err != nil {
			m.Search(time.Now(), metrics.ResultInvalid, 0)
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}
		runSearch(w, r, s, req.Query, q, "Query is required", m, logger)
	}
}

func handleSearchGet(s searcher, m *metrics.Card, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q, err := parseSearchQuery(r)
		if err != nil {
			m.Search(time.Now(), metrics.ResultInvalid, 0)
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}
		runSearch(w, r, s, q.Text, q, `Query parameter "q" is required`, m, logger)
	}
}

// parseSearchQuery reads q (or query), limit, the two weights, and one
// query parameter per filter field.
func parseSearchQuery(r *http.Request) (search.Query, error) {
	v := r.URL.Query()
	q := search.Query{Text: v.Get("q")}
	if q.Text == "" {
		q.Text = v.Get("query")
	}

	if s := v.Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n == 0 {
			return q, card.NewValidationError("limit", s, card.ErrInvalidLimit)
		}
		q.Limit = n
	}

	w := search.DefaultWeights()
	weighted := false
	for _, p := range []struct {
		name string
		dst  *float64
	}{{"textWeight", &w.Text}, {"imageWeight", &w.Image}} {
		s := v.Get(p.name)
		if s == "" {
			continue
		}
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return q, card.NewValidationError(p.name, s, card.ErrInvalidWeight)
		}
		*p.dst, weighted = f, true
	}
	if weighted {
		q.Weights = &w
	}

	for _, field := range card.FilterFields {
		if s := v.Get(field); s != "" {
			if q.Filters == nil {
				q.Filters = make(map[string]string)
			}
			q.Filters[field] = s
		}
	}
	return q, nil
}

func runSearch(w http.ResponseWriter, r *http.Request, s searcher, raw string, q search.Query, emptyMsg string, m *metrics.Card, logger *slog.Logger) {
	start := time.Now()

	params, err := search.Normalize(q)
	if err != nil {
		m.Search(start, metrics.ResultInvalid, 0)
		msg := err.Error()
		if errors.Is(err, card.ErrEmptyQuery) {
			msg = emptyMsg
		}
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": msg})
		return
	}

	results, err := s.Search(r.Context(), q)
	if err != nil {
		if card.IsValidation(err) {
			m.Search(start, metrics.ResultInvalid, 0)
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}
		logger.Error("search failed", "err", err, "query", params.Text)
		m.Search(start, metrics.ResultError, 0)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "Search failed", "reason": err.Error()})
		return
	}
	if results == nil {
		results = []search.Result{}
	}

	m.Search(start, metrics.ResultOK, len(results))
	writeJSON(w, http.StatusOK, searchResponse{
		Query:        strings.TrimSpace(raw),
		Results:      results,
		TotalResults: len(results),
		SearchParams: params,
	})
}

// --- Catalog ---

func handleCard(cat cardCatalog, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if cat == nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "catalog unavailable"})
			return
		}
		c, err := cat.Get(r.Context(), r.PathValue("id"))
		switch {
		case errors.Is(err, catalog.ErrNotFound):
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "card not found"})
		case err != nil:
			logger.Error("catalog get failed", "err", err)
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "catalog unavailable"})
		default:
			writeJSON(w, http.StatusOK, c)
		}
	}
}

func handlePlayerCards(cat cardCatalog, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if cat == nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "catalog unavailable"})
			return
		}
		limit := 0
		if s := r.URL.Query().Get("limit"); s != "" {
			n, err := strconv.Atoi(s)
			if err != nil || n < 0 {
				writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid limit"})
				return
			}
			limit = min(n, search.MaxLimit)
		}
		name := r.PathValue("name")
		cards, err := cat.ByPlayer(r.Context(), name, limit)
		if err != nil {
			logger.Error("catalog by player failed", "err", err)
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "catalog unavailable"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"playerName": name, "cards": cards, "totalResults": len(cards)})
	}
}

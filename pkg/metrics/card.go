package metrics

import (
	"strconv"
	"time"
)

// Result labels.
const (
	ResultOK      = "ok"
	ResultInvalid = "invalid"
	ResultError   = "error"
)

// Card groups the instruments recorded by the card search service.
type Card struct {
	r *Registry
}

// NewCard registers the card service metrics on r.
func NewCard(r *Registry) *Card {
	return &Card{r: r}
}

// Registry returns the underlying registry.
func (c *Card) Registry() *Registry { return c.r }

// Search records one search request.
func (c *Card) Search(start time.Time, result string, hits int) {
	c.r.Counter("cards_search_requests_total", "Search requests by result.", "result", result).Inc()
	c.r.Histogram("cards_search_duration_seconds", "Search latency.", nil).Since(start)
	if result == ResultOK {
		c.r.Histogram("cards_search_results", "Results returned per search.",
			[]float64{0, 1, 5, 10, 25, 50, 100}).Observe(float64(hits))
	}
}

// Analyze records one analyze request. stored reports whether the card reached
// the vector store.
func (c *Card) Analyze(start time.Time, result string, stored bool) {
	c.r.Counter("cards_analyze_requests_total", "Analyze requests by result.",
		"result", result, "stored", strconv.FormatBool(stored)).Inc()
	c.r.Histogram("cards_analyze_duration_seconds", "Analyze latency including classification.", nil).Since(start)
}

// Ingest records one pipeline run.
func (c *Card) Ingest(start time.Time, result string) {
	c.r.Counter("cards_ingest_total", "Ingest pipeline runs by result.", "result", result).Inc()
	c.r.Histogram("cards_ingest_duration_seconds", "Ingest pipeline latency.", nil).Since(start)
}

// DeadLettered counts a job moved to the dead-letter subject.
func (c *Card) DeadLettered() {
	c.r.Counter("cards_ingest_dead_lettered_total", "Ingest jobs sent to the DLQ.").Inc()
}

// Breaker records a provider circuit breaker's state (0 closed, 1 open, 2 half-open).
func (c *Card) Breaker(provider string, state int) {
	c.r.Gauge("cards_embed_breaker_state", "Embedding provider breaker state.", "provider", provider).Set(int64(state))
}

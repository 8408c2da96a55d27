// Package catalog keeps a Neo4j graph of ingested cards and the players they
// depict. The vector store remains the source of truth for search; the catalog
// serves direct lookups.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/WessleyAI/slabsearch/engine/card"
	"github.com/WessleyAI/slabsearch/pkg/fn"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j/dbtype"
)

// DefaultLimit bounds ByPlayer when no limit is given.
const DefaultLimit = 50

// ErrNotFound is returned by Get when no card has the id.
var ErrNotFound = errors.New("catalog: card not found")

// result is the minimal interface needed from a neo4j result.
type result interface {
	Next(ctx context.Context) bool
	Record() *neo4j.Record
	Err() error
	Consume(ctx context.Context) error
}

// runner is the minimal interface needed from a neo4j session.
type runner interface {
	Run(ctx context.Context, cypher string, params map[string]any) (result, error)
	Close(ctx context.Context) error
}

type sessionAdapter struct {
	sess neo4j.SessionWithContext
}

func (a *sessionAdapter) Run(ctx context.Context, cypher string, params map[string]any) (result, error) {
	res, err := a.sess.Run(ctx, cypher, params)
	if err != nil {
		return nil, err
	}
	return resultAdapter{res}, nil
}

// resultAdapter drops the summary from Consume.
type resultAdapter struct {
	neo4j.ResultWithContext
}

func (r resultAdapter) Consume(ctx context.Context) error {
	_, err := r.ResultWithContext.Consume(ctx)
	return err
}

func (a *sessionAdapter) Close(ctx context.Context) error {
	return a.sess.Close(ctx)
}

// Store reads and writes card nodes.
type Store struct {
	driver     neo4j.DriverWithContext
	newSession func(ctx context.Context) runner
}

// New creates a Store on an open driver.
func New(driver neo4j.DriverWithContext) *Store {
	return &Store{driver: driver}
}

func (s *Store) session(ctx context.Context) runner {
	if s.newSession != nil {
		return s.newSession(ctx)
	}
	return &sessionAdapter{sess: s.driver.NewSession(ctx, neo4j.SessionConfig{})}
}

const saveCypher = `MERGE (c:Card {id: $id})
SET c += $props
MERGE (p:Player {name: $player})
MERGE (c)-[:DEPICTS]->(p)`

// saveRetry retries writes that Neo4j reports as transient, such as
// deadlocks between concurrent MERGEs on the same player.
var saveRetry = fn.RetryOpts{
	MaxAttempts: 3,
	InitialWait: 100 * time.Millisecond,
	MaxWait:     time.Second,
	Jitter:      true,
	Retryable:   neo4j.IsRetryable,
}

// Save creates or updates the card node and links it to its player.
// Saving the same card twice leaves a single node and relationship. The
// result is consumed so errors raised at commit are retried like the rest.
func (s *Store) Save(ctx context.Context, c card.Stored) error {
	params := map[string]any{
		"id":     c.ID,
		"player": c.Card.PlayerName,
		"props":  toProps(c),
	}
	res := fn.Retry(ctx, saveRetry, func(ctx context.Context) fn.Result[struct{}] {
		sess := s.session(ctx)
		defer sess.Close(ctx)
		r, err := sess.Run(ctx, saveCypher, params)
		if err != nil {
			return fn.Err[struct{}](err)
		}
		return fn.FromPair(struct{}{}, r.Consume(ctx))
	})
	if _, err := res.Unwrap(); err != nil {
		return fmt.Errorf("catalog: save %s: %w", c.ID, err)
	}
	return nil
}

// Get returns the card with the given id.
func (s *Store) Get(ctx context.Context, id string) (card.Stored, error) {
	sess := s.session(ctx)
	defer sess.Close(ctx)

	res, err := sess.Run(ctx, `MATCH (n:Card {id: $id}) RETURN n`, map[string]any{"id": id})
	if err != nil {
		return card.Stored{}, fmt.Errorf("catalog: get %s: %w", id, err)
	}
	if !res.Next(ctx) {
		if err := res.Err(); err != nil {
			return card.Stored{}, fmt.Errorf("catalog: get %s: %w", id, err)
		}
		return card.Stored{}, ErrNotFound
	}
	return fromRecord(res.Record())
}

// ByPlayer returns the cards depicting the named player, newest first.
func (s *Store) ByPlayer(ctx context.Context, name string, limit int) ([]card.Stored, error) {
	if limit <= 0 {
		limit = DefaultLimit
	}
	sess := s.session(ctx)
	defer sess.Close(ctx)

	cypher := `MATCH (n:Card)-[:DEPICTS]->(:Player {name: $name})
RETURN n ORDER BY n.createdAt DESC LIMIT $limit`
	res, err := sess.Run(ctx, cypher, map[string]any{"name": name, "limit": int64(limit)})
	if err != nil {
		return nil, fmt.Errorf("catalog: by player %q: %w", name, err)
	}

	cards := []card.Stored{}
	for res.Next(ctx) {
		c, err := fromRecord(res.Record())
		if err != nil {
			return nil, err
		}
		cards = append(cards, c)
	}
	if err := res.Err(); err != nil {
		return nil, fmt.Errorf("catalog: by player %q: %w", name, err)
	}
	return cards, nil
}

func toProps(c card.Stored) map[string]any {
	a := c.Card.Normalize()
	return map[string]any{
		"id":                c.ID,
		"type":              a.Type,
		"playerName":        a.PlayerName,
		"team":              a.Team,
		"year":              a.Year,
		"manufacturer":      a.Manufacturer,
		"setName":           a.SetName,
		"cardNumber":        a.CardNumber,
		"parallelOrVariant": a.ParallelOrVariant,
		"psaGrade":          a.PSA.Grade,
		"psaCertNumber":     a.PSA.CertNumber,
		"psaQualifier":      a.PSA.Qualifier,
		"notes":             a.Notes,
		"imageInsights":     a.ImageInsights,
		"imageUrl":          c.ImageURL,
		"createdAt":         c.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
}

func fromRecord(rec *neo4j.Record) (card.Stored, error) {
	node, _, err := neo4j.GetRecordValue[dbtype.Node](rec, "n")
	if err != nil {
		return card.Stored{}, fmt.Errorf("catalog: decode: %w", err)
	}
	props := node.Props

	created, err := time.Parse(time.RFC3339Nano, strProp(props, "createdAt"))
	if err != nil {
		return card.Stored{}, fmt.Errorf("catalog: decode createdAt: %w", err)
	}
	a := card.Attributes{
		Type:              strProp(props, "type"),
		PlayerName:        strProp(props, "playerName"),
		Team:              strProp(props, "team"),
		Year:              strProp(props, "year"),
		Manufacturer:      strProp(props, "manufacturer"),
		SetName:           strProp(props, "setName"),
		CardNumber:        strProp(props, "cardNumber"),
		ParallelOrVariant: strProp(props, "parallelOrVariant"),
		PSA: card.PSA{
			Grade:      strProp(props, "psaGrade"),
			CertNumber: strProp(props, "psaCertNumber"),
			Qualifier:  strProp(props, "psaQualifier"),
		},
		Notes:         strProp(props, "notes"),
		ImageInsights: strListProp(props, "imageInsights"),
	}
	return card.Stored{
		ID:        strProp(props, "id"),
		Card:      a.Normalize(),
		ImageURL:  strProp(props, "imageUrl"),
		CreatedAt: created,
	}, nil
}

func strProp(props map[string]any, key string) string {
	if s, ok := props[key].(string); ok {
		return s
	}
	return ""
}

// strListProp reads a string list; the driver returns lists as []any.
func strListProp(props map[string]any, key string) []string {
	switch v := props[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, x := range v {
			if s, ok := x.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

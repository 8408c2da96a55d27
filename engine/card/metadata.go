package card

import (
	"encoding/binary"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Metadata keys written with every embedding record.
const (
	KeyCardID        = "cardId"
	KeyPlayerName    = "playerName"
	KeyTeam          = "team"
	KeyYear          = "year"
	KeyManufacturer  = "manufacturer"
	KeySetName       = "setName"
	KeyCardNumber    = "cardNumber"
	KeyVariant       = "parallelOrVariant"
	KeyGrade         = "grade"
	KeyCertNumber    = "certNumber"
	KeyQualifier     = "qualifier"
	KeyNotes         = "notes"
	KeyImageInsights = "imageInsights"
	KeyImageURL      = "imageUrl"
	KeyCreatedAt     = "createdAt"
	KeyEmbeddingType = "embeddingType"
)

// FilterFields are the structured fields a search may filter on by equality.
var FilterFields = []string{KeyPlayerName, KeyTeam, KeyYear, KeyManufacturer, KeyGrade}

// IsFilterField reports whether key may be used as a search filter.
func IsFilterField(key string) bool {
	for _, f := range FilterFields {
		if f == key {
			return true
		}
	}
	return false
}

// Validate checks the plausibility rule applied to every classified card.
func Validate(a Attributes) error {
	if strings.TrimSpace(a.PlayerName) == "" {
		return NewValidationError("playerName", "", ErrMissingPlayer)
	}
	return nil
}

// NewID returns a card identifier: a millisecond timestamp prefix and a random
// base36 suffix.
func NewID(now time.Time) string {
	u := uuid.New()
	suffix := strconv.FormatUint(binary.BigEndian.Uint64(u[:8]), 36)
	if len(suffix) < 9 {
		suffix = strings.Repeat("0", 9-len(suffix)) + suffix
	}
	return fmt.Sprintf("card_%d_%s", now.UnixMilli(), suffix[:9])
}

// ToMetadata flattens a stored card into the payload written with its
// embedding record for modality m.
func ToMetadata(s Stored, m Modality) map[string]any {
	a := s.Card
	insights := a.ImageInsights
	if insights == nil {
		insights = []string{}
	}
	return map[string]any{
		KeyCardID:        s.ID,
		KeyPlayerName:    a.PlayerName,
		KeyTeam:          a.Team,
		KeyYear:          a.Year,
		KeyManufacturer:  a.Manufacturer,
		KeySetName:       a.SetName,
		KeyCardNumber:    a.CardNumber,
		KeyVariant:       a.ParallelOrVariant,
		KeyGrade:         a.PSA.Grade,
		KeyCertNumber:    a.PSA.CertNumber,
		KeyQualifier:     a.PSA.Qualifier,
		KeyNotes:         a.Notes,
		KeyImageInsights: insights,
		KeyImageURL:      s.ImageURL,
		KeyCreatedAt:     s.CreatedAt.UTC().Format(time.RFC3339Nano),
		KeyEmbeddingType: string(m),
	}
}

// FromMetadata rebuilds a stored card from a record payload. It is the typed
// boundary between the vector store and the search engine: a payload without
// a card id or player name, or with a malformed timestamp, is rejected.
func FromMetadata(meta map[string]any) (Stored, error) {
	id := stringField(meta, KeyCardID)
	if id == "" {
		return Stored{}, NewValidationError(KeyCardID, "", ErrInvalidMetadata)
	}
	a := Attributes{
		Type:              CardType,
		PlayerName:        stringField(meta, KeyPlayerName),
		Team:              stringField(meta, KeyTeam),
		Year:              stringField(meta, KeyYear),
		Manufacturer:      stringField(meta, KeyManufacturer),
		SetName:           stringField(meta, KeySetName),
		CardNumber:        stringField(meta, KeyCardNumber),
		ParallelOrVariant: stringField(meta, KeyVariant),
		PSA: PSA{
			Grade:      stringField(meta, KeyGrade),
			CertNumber: stringField(meta, KeyCertNumber),
			Qualifier:  stringField(meta, KeyQualifier),
		},
		Notes:         stringField(meta, KeyNotes),
		ImageInsights: listField(meta, KeyImageInsights),
	}
	if err := Validate(a); err != nil {
		return Stored{}, NewValidationError(KeyPlayerName, id, ErrInvalidMetadata)
	}

	var created time.Time
	if raw := stringField(meta, KeyCreatedAt); raw != "" {
		t, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			return Stored{}, NewValidationError(KeyCreatedAt, raw, ErrInvalidMetadata)
		}
		created = t
	}

	return Stored{
		ID:        id,
		Card:      a,
		ImageURL:  stringField(meta, KeyImageURL),
		CreatedAt: created,
	}, nil
}

// stringField reads a scalar payload value as a string. Numbers are accepted
// because older records stored the year as an integer.
func stringField(meta map[string]any, key string) string {
	switch v := meta[key].(type) {
	case string:
		return v
	case int64:
		return strconv.FormatInt(v, 10)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(v)
	default:
		return ""
	}
}

func listField(meta map[string]any, key string) []string {
	switch v := meta[key].(type) {
	case []string:
		return append([]string{}, v...)
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return []string{}
	}
}

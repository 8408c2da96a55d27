// Package card defines the graded-card domain types, the canonical text encoding
// used as the text-embedding input, and the flattening of a card into vector-store
// metadata and back. It is the validation gate shared by ingestion and search.
package card

import "time"

// CardType is the only card type the classifier is asked to recognise.
const CardType = "nba_psa_card"

// PSA holds the grading-label fields.
type PSA struct {
	Grade      string `json:"grade"`
	CertNumber string `json:"certNumber"`
	Qualifier  string `json:"qualifier"`
}

// Attributes is the classified record extracted from a card image. It is passed
// by value and never partially updated once classified.
type Attributes struct {
	Type              string   `json:"type"`
	PlayerName        string   `json:"playerName"`
	Team              string   `json:"team"`
	Year              string   `json:"year"`
	Manufacturer      string   `json:"manufacturer"`
	SetName           string   `json:"setName"`
	CardNumber        string   `json:"cardNumber"`
	ParallelOrVariant string   `json:"parallelOrVariant"`
	PSA               PSA      `json:"psa"`
	Notes             string   `json:"notes"`
	ImageInsights     []string `json:"imageInsights"`
}

// Normalize fills defaults: the card type, and an empty (non-nil) insight list.
func (a Attributes) Normalize() Attributes {
	if a.Type == "" {
		a.Type = CardType
	}
	if a.ImageInsights == nil {
		a.ImageInsights = []string{}
	} else {
		a.ImageInsights = append([]string(nil), a.ImageInsights...)
	}
	return a
}

// Stored is a card as it was persisted: attributes plus the identifiers and
// timestamps written alongside every embedding record.
type Stored struct {
	ID        string     `json:"id"`
	Card      Attributes `json:"cardData"`
	ImageURL  string     `json:"imageUrl"`
	CreatedAt time.Time  `json:"createdAt"`
}

// Modality names one of the two embedding spaces.
type Modality string

const (
	ModalityText  Modality = "text"
	ModalityImage Modality = "image"
)

// RecordID returns the embedding-record identifier `<cardID>_<modality>`.
func RecordID(cardID string, m Modality) string {
	return cardID + "_" + string(m)
}

// CardIDFromRecord strips the modality suffix from a record id. ok is false
// when the id does not belong to modality m.
func CardIDFromRecord(recordID string, m Modality) (string, bool) {
	suffix := "_" + string(m)
	if len(recordID) <= len(suffix) || recordID[len(recordID)-len(suffix):] != suffix {
		return "", false
	}
	return recordID[:len(recordID)-len(suffix)], true
}

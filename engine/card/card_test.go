package card

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func fullCard() Attributes {
	return Attributes{
		Type:              CardType,
		PlayerName:        "LeBron James",
		Team:              "Cleveland Cavaliers",
		Year:              "2003",
		Manufacturer:      "Topps",
		SetName:           "Chrome",
		CardNumber:        "111",
		ParallelOrVariant: "Refractor",
		PSA:               PSA{Grade: "10", CertNumber: "12345678", Qualifier: "OC"},
		Notes:             "rookie card",
		ImageInsights:     []string{"sharp corners", "centered"},
	}
}

func TestDescribe_FullCard(t *testing.T) {
	got := Describe(fullCard())
	want := "Player: LeBron James | Team: Cleveland Cavaliers | Year: 2003 | Manufacturer: Topps | " +
		"Set: Chrome | Card Number: 111 | Type: Refractor | PSA Grade: 10 OC | " +
		"Certification: 12345678 | Notes: rookie card | Insights: sharp corners, centered"
	if got != want {
		t.Fatalf("Describe mismatch\n got: %s\nwant: %s", got, want)
	}
}

func TestDescribe_OmitsEmptyFields(t *testing.T) {
	got := Describe(Attributes{PlayerName: "Kobe Bryant", Year: "1996", ImageInsights: []string{" ", ""}})
	want := "Player: Kobe Bryant | Year: 1996"
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestDescribe_GradeWithoutQualifier(t *testing.T) {
	got := Describe(Attributes{PlayerName: "X", PSA: PSA{Grade: "9"}})
	if got != "Player: X | PSA Grade: 9" {
		t.Fatalf("got %q", got)
	}
}

func TestDescribe_Deterministic(t *testing.T) {
	c := fullCard()
	first := Describe(c)
	for i := 0; i < 100; i++ {
		if got := Describe(c); got != first {
			t.Fatalf("iteration %d: output changed: %q", i, got)
		}
	}
}

func TestValidate(t *testing.T) {
	if err := Validate(fullCard()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	err := Validate(Attributes{PlayerName: "   "})
	if !errors.Is(err, ErrMissingPlayer) {
		t.Fatalf("expected ErrMissingPlayer, got %v", err)
	}
	if !IsValidation(err) {
		t.Fatal("expected a ValidationError")
	}
}

func TestNormalize(t *testing.T) {
	a := Attributes{PlayerName: "X"}.Normalize()
	if a.Type != CardType {
		t.Errorf("type = %q", a.Type)
	}
	if a.ImageInsights == nil || len(a.ImageInsights) != 0 {
		t.Errorf("insights = %#v", a.ImageInsights)
	}
}

func TestRecordIDRoundTrip(t *testing.T) {
	id := RecordID("card_1_abc", ModalityText)
	if id != "card_1_abc_text" {
		t.Fatalf("RecordID = %q", id)
	}
	got, ok := CardIDFromRecord(id, ModalityText)
	if !ok || got != "card_1_abc" {
		t.Fatalf("CardIDFromRecord = %q, %v", got, ok)
	}
	if _, ok := CardIDFromRecord(id, ModalityImage); ok {
		t.Fatal("text record must not parse as image")
	}
	if _, ok := CardIDFromRecord("_text", ModalityText); ok {
		t.Fatal("bare suffix must not parse")
	}
}

func TestNewID(t *testing.T) {
	now := time.UnixMilli(1700000000000)
	a, b := NewID(now), NewID(now)
	if a == b {
		t.Fatalf("ids collided: %s", a)
	}
	if !strings.HasPrefix(a, "card_1700000000000_") {
		t.Fatalf("unexpected prefix: %s", a)
	}
	if suffix := strings.TrimPrefix(a, "card_1700000000000_"); len(suffix) != 9 {
		t.Fatalf("suffix length = %d (%s)", len(suffix), a)
	}
}

func TestMetadataRoundTrip(t *testing.T) {
	created := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	s := Stored{ID: "card_1_x", Card: fullCard(), ImageURL: "http://img/1.png", CreatedAt: created}

	meta := ToMetadata(s, ModalityImage)
	if meta[KeyEmbeddingType] != "image" {
		t.Fatalf("embeddingType = %v", meta[KeyEmbeddingType])
	}
	if meta[KeyGrade] != "10" || meta[KeyTeam] != "Cleveland Cavaliers" {
		t.Fatalf("flattening lost fields: %v", meta)
	}

	got, err := FromMetadata(meta)
	if err != nil {
		t.Fatalf("FromMetadata: %v", err)
	}
	if got.ID != s.ID || got.ImageURL != s.ImageURL || !got.CreatedAt.Equal(created) {
		t.Fatalf("identity fields mismatch: %+v", got)
	}
	if Describe(got.Card) != Describe(s.Card) {
		t.Fatalf("card mismatch:\n%s\n%s", Describe(got.Card), Describe(s.Card))
	}
}

func TestFromMetadata_Rejects(t *testing.T) {
	cases := map[string]map[string]any{
		"missing id":     {KeyPlayerName: "X"},
		"missing player": {KeyCardID: "c1"},
		"bad timestamp":  {KeyCardID: "c1", KeyPlayerName: "X", KeyCreatedAt: "yesterday"},
	}
	for name, meta := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := FromMetadata(meta); !errors.Is(err, ErrInvalidMetadata) {
				t.Fatalf("expected ErrInvalidMetadata, got %v", err)
			}
		})
	}
}

func TestFromMetadata_LooseTypes(t *testing.T) {
	got, err := FromMetadata(map[string]any{
		KeyCardID:        "c1",
		KeyPlayerName:    "X",
		KeyYear:          int64(1998),
		KeyImageInsights: []any{"a", 3, "b"},
	})
	if err != nil {
		t.Fatalf("FromMetadata: %v", err)
	}
	if got.Card.Year != "1998" {
		t.Errorf("year = %q", got.Card.Year)
	}
	if len(got.Card.ImageInsights) != 2 {
		t.Errorf("insights = %v", got.Card.ImageInsights)
	}
}

func TestIsFilterField(t *testing.T) {
	for _, f := range []string{"playerName", "team", "year", "manufacturer", "grade"} {
		if !IsFilterField(f) {
			t.Errorf("%s should be filterable", f)
		}
	}
	if IsFilterField("notes") {
		t.Error("notes should not be filterable")
	}
}

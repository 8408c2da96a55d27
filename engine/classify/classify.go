// Package classify defines the card classifier contract: which uploads are
// accepted, how a model answer becomes card.Attributes, and the error
// returned when an upload is not a recognisable graded card.
package classify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"mime"
	"strings"

	"github.com/WessleyAI/slabsearch/engine/card"
)

// SupportedTypes are the upload media types the classifier accepts.
var SupportedTypes = []string{"image/jpeg", "image/png", "image/webp", "application/pdf"}

// SystemPrompt instructs the vision model.
const SystemPrompt = "You extract structured data from an NBA PSA certified trading card image. " +
	"Return JSON per the card_classification schema. If it is not a PSA graded NBA card, " +
	"set error to image_not_supported and explain why in reason."

// UserPrompt accompanies the uploaded file.
const UserPrompt = "Extract the card details from this card."

// Upload is a file submitted for classification.
type Upload struct {
	Data        []byte
	ContentType string
	Filename    string
}

// IsImage reports whether the upload is an image rather than a document.
func (u Upload) IsImage() bool {
	return strings.HasPrefix(u.ContentType, "image/")
}

// Classifier extracts card attributes from an upload.
type Classifier interface {
	Classify(ctx context.Context, u Upload) (card.Attributes, error)
}

// ErrNotACard is the cause when the model reports the upload is not a graded card.
var ErrNotACard = errors.New("not a PSA graded NBA card")

// ErrDocumentUpload is the cause when a classifier cannot read a document upload.
var ErrDocumentUpload = errors.New("document upload not readable by classifier")

// Error is a classification failure. Reason is safe to show to the user.
type Error struct {
	Reason string
	Cause  error
}

func (e *Error) Error() string {
	if e.Cause == nil {
		return "classify: " + e.Reason
	}
	return fmt.Sprintf("classify: %s: %v", e.Reason, e.Cause)
}

func (e *Error) Unwrap() error { return e.Cause }

// CheckContentType returns the bare media type of ct if it is supported.
// Parameters are dropped and matching is case-insensitive.
func CheckContentType(ct string) (string, error) {
	mt, _, err := mime.ParseMediaType(ct)
	if err != nil {
		return "", card.NewValidationError("file", ct, card.ErrUnsupportedType)
	}
	for _, s := range SupportedTypes {
		if mt == s {
			return mt, nil
		}
	}
	return "", card.NewValidationError("file", mt, card.ErrUnsupportedType)
}

// answer is the union of the two shapes the model may return.
type answer struct {
	card.Attributes
	Error  string `json:"error"`
	Reason string `json:"reason"`
}

// ParseAnswer decodes a model's JSON answer into card attributes. Code fences
// around the JSON are tolerated. A refusal, malformed JSON, or a missing
// player name is an *Error.
func ParseAnswer(raw string) (card.Attributes, error) {
	body := stripFences(raw)
	if body == "" {
		return card.Attributes{}, &Error{Reason: "empty model response"}
	}

	var a answer
	if err := json.Unmarshal([]byte(body), &a); err != nil {
		return card.Attributes{}, &Error{Reason: "unreadable model response", Cause: err}
	}
	if a.Error != "" || a.Reason != "" {
		reason := a.Reason
		if reason == "" {
			reason = a.Error
		}
		return card.Attributes{}, &Error{Reason: reason, Cause: ErrNotACard}
	}
	if err := card.Validate(a.Attributes); err != nil {
		return card.Attributes{}, &Error{
			Reason: "Could not identify an NBA PSA certified card or missing key fields",
			Cause:  err,
		}
	}

	attrs := a.Attributes
	attrs.Type = card.CardType
	return attrs.Normalize(), nil
}

func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if nl := strings.IndexByte(s, '\n'); nl >= 0 {
		s = s[nl+1:]
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

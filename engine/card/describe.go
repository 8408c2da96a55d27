package card

import "strings"

// Separator joins the labelled segments of a card description.
const Separator = " | "

// Describe serializes a card into the descriptive string used as the
// text-embedding input. Field order and labels are fixed; empty fields are
// omitted. The output depends only on a, so equal inputs give equal bytes.
func Describe(a Attributes) string {
	grade := strings.TrimSpace(strings.TrimSpace(a.PSA.Grade) + " " + strings.TrimSpace(a.PSA.Qualifier))

	segments := []struct{ label, value string }{
		{"Player", a.PlayerName},
		{"Team", a.Team},
		{"Year", a.Year},
		{"Manufacturer", a.Manufacturer},
		{"Set", a.SetName},
		{"Card Number", a.CardNumber},
		{"Type", a.ParallelOrVariant},
		{"PSA Grade", grade},
		{"Certification", a.PSA.CertNumber},
		{"Notes", a.Notes},
		{"Insights", joinNonEmpty(a.ImageInsights, ", ")},
	}

	var b strings.Builder
	for _, s := range segments {
		v := strings.TrimSpace(s.value)
		if v == "" {
			continue
		}
		if b.Len() > 0 {
			b.WriteString(Separator)
		}
		b.WriteString(s.label)
		b.WriteString(": ")
		b.WriteString(v)
	}
	return b.String()
}

func joinNonEmpty(items []string, sep string) string {
	kept := make([]string, 0, len(items))
	for _, it := range items {
		if it = strings.TrimSpace(it); it != "" {
			kept = append(kept, it)
		}
	}
	return strings.Join(kept, sep)
}

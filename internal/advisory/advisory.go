// Package advisory maps detection labels to remediation messages.
package advisory

import (
	"fmt"
	"strings"
)

// Category is the closed set of wall damage classes the engine is trained on.
type Category int

const (
	Unknown Category = iota
	Crack
	Mold
	Corrosion
	Deterioration
	Stain
)

var categoryNames = map[Category]string{
	Crack:         "crack",
	Mold:          "mold",
	Corrosion:     "corrosion",
	Deterioration: "deterioration",
	Stain:         "stain",
}

func (c Category) String() string {
	if name, ok := categoryNames[c]; ok {
		return name
	}
	return "unknown"
}

// Label returns the engine label for the category (e.g. "wall_crack").
func (c Category) Label() string {
	if c == Unknown {
		return ""
	}
	return "wall_" + c.String()
}

// Categories lists every known category in declaration order.
func Categories() []Category {
	return []Category{Crack, Mold, Corrosion, Deterioration, Stain}
}

// ParseCategory resolves an engine label such as "wall_crack", "Wall-Crack" or "crack".
// Labels outside the enumerated set return Unknown.
func ParseCategory(label string) Category {
	s := strings.ToLower(strings.TrimSpace(label))
	s = strings.NewReplacer("-", "_", " ", "_").Replace(s)
	s = strings.TrimPrefix(s, "wall_")
	for c, name := range categoryNames {
		if s == name {
			return c
		}
	}
	return Unknown
}

// Locale selects the message table.
type Locale string

const (
	English    Locale = "en"
	Indonesian Locale = "id"
)

var messages = map[Locale]map[Category]string{
	English: {
		Crack:         "⚠️ Crack detected. Repair it soon to prevent further structural damage.",
		Mold:          "⚠️ Mold detected. Check the room humidity and clean the affected area.",
		Corrosion:     "⚠️ Corrosion detected. Treat the damaged surface as soon as possible.",
		Deterioration: "⚠️ Deterioration detected. Consider renovating this area.",
		Stain:         "⚠️ Stain detected. Check for a moisture source or a leak.",
	},
	Indonesian: {
		Crack:         "⚠️ Retak terdeteksi. Segera lakukan perbaikan untuk mencegah kerusakan lebih lanjut.",
		Mold:          "⚠️ Jamur terdeteksi. Periksa kelembaban ruangan dan lakukan pembersihan.",
		Corrosion:     "⚠️ Korosi terdeteksi. Segera lakukan perawatan pada permukaan yang rusak.",
		Deterioration: "⚠️ Deteriorasi terdeteksi. Pertimbangkan renovasi pada area ini.",
		Stain:         "⚠️ Noda terdeteksi. Periksa sumber kelembaban atau kebocoran.",
	},
}

// ParseLocale validates a locale string. Empty means English.
func ParseLocale(s string) (Locale, error) {
	switch l := Locale(strings.ToLower(strings.TrimSpace(s))); l {
	case "":
		return English, nil
	case English, Indonesian:
		return l, nil
	default:
		return "", fmt.Errorf("unsupported locale %q (use 'en' or 'id')", s)
	}
}

// Advisor is a read-only lookup table. The zero value advises in English.
type Advisor struct {
	table map[Category]string
}

// New returns an Advisor for the given locale, falling back to English.
func New(locale Locale) *Advisor {
	table, ok := messages[locale]
	if !ok {
		table = messages[English]
	}
	return &Advisor{table: table}
}

// Advise returns the message for a label. Unknown labels return ("", false).
func (a *Advisor) Advise(label string) (string, bool) {
	return a.ForCategory(ParseCategory(label))
}

// ForCategory returns the message for a category.
func (a *Advisor) ForCategory(c Category) (string, bool) {
	table := messages[English]
	if a != nil && a.table != nil {
		table = a.table
	}
	switch c {
	case Crack, Mold, Corrosion, Deterioration, Stain:
		return table[c], true
	default:
		return "", false
	}
}

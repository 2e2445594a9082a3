package assemble

import (
	"time"
)

// dateLayouts lists the source formats seen on catalog release rows, most
// specific first. All are normalized to canonical YYYY-MM-DD with missing
// month/day components padded to 01, which keeps lexicographic comparison
// equivalent to chronological comparison.
var dateLayouts = []string{
	"2006-01-02",
	"2006-01",
	"2006",
	"01/02/2006",
	"01/2006",
	"January 2, 2006",
	"January 2006",
}

const canonicalDate = "2006-01-02"

// NormalizeDate converts a scraped date string to canonical form.
// Empty or unparseable input normalizes to "", which sorts below every
// concrete date.
func NormalizeDate(s string) string {
	if s == "" {
		return ""
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.Format(canonicalDate)
		}
	}
	return ""
}

// LaterDate reports whether a sorts after b under the canonical ordering:
// "" (no date) is inferior to any concrete date.
func LaterDate(a, b string) bool {
	if a == "" {
		return false
	}
	if b == "" {
		return true
	}
	return a > b
}

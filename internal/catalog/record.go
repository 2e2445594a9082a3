// Package catalog fetches item detail pages from the external
// figure-collecting catalog and parses them into structured records.
package catalog

import (
	"fmt"
	"strings"
)

// Category is the catalog's fixed root taxonomy. An item whose detail page
// carries no category, or one outside this set, fails the scrape.
type Category string

const (
	CategoryFigures Category = "Figures"
	CategoryGoods   Category = "Goods"
	CategoryMedia   Category = "Media"
)

// ParseCategory maps a scraped label onto the known enumeration.
func ParseCategory(s string) (Category, error) {
	switch Category(strings.TrimSpace(s)) {
	case CategoryFigures:
		return CategoryFigures, nil
	case CategoryGoods:
		return CategoryGoods, nil
	case CategoryMedia:
		return CategoryMedia, nil
	default:
		return "", fmt.Errorf("unknown category %q", s)
	}
}

// EntityRef is one nested entity reference on a detail page (an origin,
// character, company, artist, classification, event or material), keyed by
// the catalog's own identifier.
type EntityRef struct {
	ExternalID int64  `json:"external_id"`
	Name       string `json:"name"`
	Role       string `json:"role,omitempty"`
}

// Release is one release row from the detail page's release history.
type Release struct {
	Date     string  `json:"date"` // as scraped; normalized during assembly
	Type     string  `json:"type"`
	Price    float64 `json:"price"`
	Currency string  `json:"currency"`
	Barcode  string  `json:"barcode"`
}

// Record is the structured result of scraping one item detail page.
// It is transient: the assembler normalizes it into relational entities.
type Record struct {
	ExternalID int64    `json:"external_id"`
	Title      string   `json:"title"`
	Category   Category `json:"category"`

	Classifications []EntityRef `json:"classifications,omitempty"`
	Origins         []EntityRef `json:"origins,omitempty"`
	Characters      []EntityRef `json:"characters,omitempty"`
	Companies       []EntityRef `json:"companies,omitempty"`
	Artists         []EntityRef `json:"artists,omitempty"`
	Events          []EntityRef `json:"events,omitempty"`
	Materials       []EntityRef `json:"materials,omitempty"`

	Version  []string `json:"version,omitempty"`
	Scale    string   `json:"scale,omitempty"` // e.g. "1/7"
	HeightMM int      `json:"height_mm,omitempty"`

	// Image is the source image URL scraped from the page, "" when absent.
	// ImageURL is set after re-hosting to object storage.
	Image    string `json:"image,omitempty"`
	ImageURL string `json:"image_url,omitempty"`

	Releases []Release `json:"releases,omitempty"`
}

// Validate enforces the hard parse requirements for a record.
func (r *Record) Validate() error {
	if r.ExternalID <= 0 {
		return fmt.Errorf("record missing external id")
	}
	if strings.TrimSpace(r.Title) == "" {
		return fmt.Errorf("item %d: missing title", r.ExternalID)
	}
	if _, err := ParseCategory(string(r.Category)); err != nil {
		return fmt.Errorf("item %d: %w", r.ExternalID, err)
	}
	return nil
}

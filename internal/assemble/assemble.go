// Package assemble transforms batches of scraped catalog records into
// normalized, de-duplicated entity sets ready for transactional persistence.
// It is pure: no I/O, no clocks, deterministic output for a given input.
package assemble

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"figsync/internal/catalog"
)

// EntryCategory tags a taxonomy entry with the detail-page list it came from.
type EntryCategory string

const (
	EntryClassification EntryCategory = "classification"
	EntryOrigin         EntryCategory = "origin"
	EntryCharacter      EntryCategory = "character"
	EntryCompany        EntryCategory = "company"
	EntryArtist         EntryCategory = "artist"
	EntryEvent          EntryCategory = "event"
	EntryMaterial       EntryCategory = "material"
)

// Item is a normalized catalog item keyed by its external identifier.
type Item struct {
	ExternalID int64
	Title      string
	Category   catalog.Category
	Scale      string
	HeightMM   int
	ImageURL   string
	Version    []string
}

// Entry is a normalized taxonomy node, unique per (Category, ExternalID).
type Entry struct {
	ExternalID int64
	Name       string
	Category   EntryCategory
}

// EntryLink relates an entry to an item with an optional role.
type EntryLink struct {
	EntryCategory   EntryCategory
	EntryExternalID int64
	ItemExternalID  int64
	Role            string
}

// ItemRelease is one release row with a deterministic identifier: hashing
// the natural key means re-scraping the same release always produces the
// same ID, so upserts never duplicate rows.
type ItemRelease struct {
	ID             string
	ItemExternalID int64
	Date           string // canonical YYYY-MM-DD, "" when unknown
	Type           string
	Price          float64
	Currency       string
	Barcode        string
}

// LatestRelease identifies an item's most recent release. Zero values mean
// the item has no dated release.
type LatestRelease struct {
	ReleaseID string
	Date      string
}

// Entities is the assembled, de-duplicated output of a batch.
type Entities struct {
	Items    []Item
	Entries  []Entry
	Links    []EntryLink
	Releases []ItemRelease

	// LatestByExternalID maps every assembled item to its latest release.
	LatestByExternalID map[int64]LatestRelease
}

// ReleaseID computes the stable identifier for a release from its natural
// key fields. The date must already be normalized.
func ReleaseID(itemExternalID int64, date, typ string, price float64, currency, barcode string) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%d|%s|%s|%.2f|%s|%s", itemExternalID, date, typ, price, currency, barcode)))
	return hex.EncodeToString(sum[:16])
}

// Assemble normalizes a batch of successfully scraped records.
func Assemble(records []catalog.Record) Entities {
	out := Entities{LatestByExternalID: make(map[int64]LatestRelease, len(records))}
	seenItems := make(map[int64]struct{})
	seenEntries := make(map[string]struct{})
	seenLinks := make(map[string]struct{})
	seenReleases := make(map[string]struct{})

	for _, rec := range records {
		if _, dup := seenItems[rec.ExternalID]; !dup {
			seenItems[rec.ExternalID] = struct{}{}
			out.Items = append(out.Items, Item{
				ExternalID: rec.ExternalID,
				Title:      rec.Title,
				Category:   rec.Category,
				Scale:      rec.Scale,
				HeightMM:   rec.HeightMM,
				ImageURL:   rec.ImageURL,
				Version:    append([]string(nil), rec.Version...),
			})
		}

		for _, group := range []struct {
			category EntryCategory
			refs     []catalog.EntityRef
		}{
			{EntryClassification, rec.Classifications},
			{EntryOrigin, rec.Origins},
			{EntryCharacter, rec.Characters},
			{EntryCompany, rec.Companies},
			{EntryArtist, rec.Artists},
			{EntryEvent, rec.Events},
			{EntryMaterial, rec.Materials},
		} {
			for _, ref := range group.refs {
				entryKey := fmt.Sprintf("%s:%d", group.category, ref.ExternalID)
				if _, dup := seenEntries[entryKey]; !dup {
					seenEntries[entryKey] = struct{}{}
					out.Entries = append(out.Entries, Entry{ExternalID: ref.ExternalID, Name: ref.Name, Category: group.category})
				}
				linkKey := fmt.Sprintf("%s:%d:%d:%s", group.category, ref.ExternalID, rec.ExternalID, ref.Role)
				if _, dup := seenLinks[linkKey]; !dup {
					seenLinks[linkKey] = struct{}{}
					out.Links = append(out.Links, EntryLink{
						EntryCategory:   group.category,
						EntryExternalID: ref.ExternalID,
						ItemExternalID:  rec.ExternalID,
						Role:            ref.Role,
					})
				}
			}
		}

		latest := out.LatestByExternalID[rec.ExternalID]
		for _, rel := range rec.Releases {
			date := NormalizeDate(rel.Date)
			id := ReleaseID(rec.ExternalID, date, rel.Type, rel.Price, rel.Currency, rel.Barcode)
			if _, dup := seenReleases[id]; !dup {
				seenReleases[id] = struct{}{}
				out.Releases = append(out.Releases, ItemRelease{
					ID:             id,
					ItemExternalID: rec.ExternalID,
					Date:           date,
					Type:           rel.Type,
					Price:          rel.Price,
					Currency:       rel.Currency,
					Barcode:        rel.Barcode,
				})
			}
			if latest.ReleaseID == "" || LaterDate(date, latest.Date) {
				latest = LatestRelease{ReleaseID: id, Date: date}
			}
		}
		out.LatestByExternalID[rec.ExternalID] = latest
	}
	return out
}

package catalog

import (
	"strings"
	"testing"

	"golang.org/x/net/html"
)

const samplePage = `<!DOCTYPE html>
<html><body>
<h1 class="item-title">Hatsune Miku: Racing 2021 Ver.</h1>
<div class="item-picture"><a href="https://static.example.net/pics/123456.jpg"><img src="https://static.example.net/pics/123456-thumb.jpg"></a></div>
<div class="data-field">
  <div class="data-label">Category</div>
  <div class="data-value">Figures</div>
</div>
<div class="data-field">
  <div class="data-label">Classification</div>
  <div class="data-value"><a class="entry-link" href="/entry/1234">Scale Figure</a></div>
</div>
<div class="data-field">
  <div class="data-label">Origin</div>
  <div class="data-value"><a class="entry-link" href="/entry/412">Vocaloid</a></div>
</div>
<div class="data-field">
  <div class="data-label">Characters</div>
  <div class="data-value"><a class="entry-link" href="/entry/9">Hatsune Miku</a> <small>Main</small></div>
</div>
<div class="data-field">
  <div class="data-label">Company</div>
  <div class="data-value"><a class="entry-link" href="/entry/21">Good Smile Racing</a> <small>Manufacturer</small></div>
</div>
<div class="data-field">
  <div class="data-label">Artist</div>
  <div class="data-value"><a class="entry-link" href="/entry/77">saitom</a> <small>Sculptor</small></div>
</div>
<div class="data-field">
  <div class="data-label">Version</div>
  <div class="data-value"><span class="version">Racing 2021</span><span class="version">Standard</span></div>
</div>
<div class="data-field">
  <div class="data-label">Dimensions</div>
  <div class="data-value">1/7 scale, H = 255 mm</div>
</div>
<div class="data-field">
  <div class="data-label">Releases</div>
  <div class="data-value">
    <div class="release">
      <span class="release-date">2021-11</span>
      <span class="release-type">Standard</span>
      <span class="release-price">17,600</span>
      <span class="release-currency">JPY</span>
      <span class="release-barcode">4580416940764</span>
    </div>
    <div class="release">
      <span class="release-date">2023-02</span>
      <span class="release-type">Rerelease</span>
      <span class="release-price">19,800</span>
      <span class="release-currency">JPY</span>
    </div>
  </div>
</div>
<div class="data-field">
  <div class="data-label">Shelf Advice</div>
  <div class="data-value">irrelevant, future page addition</div>
</div>
</body></html>`

func parseDoc(t *testing.T, page string) *html.Node {
	t.Helper()
	doc, err := html.Parse(strings.NewReader(page))
	if err != nil {
		t.Fatalf("parse fixture: %v", err)
	}
	return doc
}

func TestParseItemPage(t *testing.T) {
	rec, err := ParseItemPage(parseDoc(t, samplePage), 123456)
	if err != nil {
		t.Fatalf("ParseItemPage: %v", err)
	}

	if rec.Title != "Hatsune Miku: Racing 2021 Ver." {
		t.Fatalf("title = %q", rec.Title)
	}
	if rec.Category != CategoryFigures {
		t.Fatalf("category = %q", rec.Category)
	}
	if rec.Image != "https://static.example.net/pics/123456.jpg" {
		t.Fatalf("image = %q, want the full-size link, not the thumbnail", rec.Image)
	}
	if len(rec.Classifications) != 1 || rec.Classifications[0].ExternalID != 1234 {
		t.Fatalf("classifications = %+v", rec.Classifications)
	}
	if len(rec.Origins) != 1 || rec.Origins[0].Name != "Vocaloid" {
		t.Fatalf("origins = %+v", rec.Origins)
	}
	if len(rec.Characters) != 1 || rec.Characters[0].Role != "Main" {
		t.Fatalf("characters = %+v", rec.Characters)
	}
	if len(rec.Companies) != 1 || rec.Companies[0].Role != "Manufacturer" {
		t.Fatalf("companies = %+v", rec.Companies)
	}
	if len(rec.Artists) != 1 || rec.Artists[0].ExternalID != 77 {
		t.Fatalf("artists = %+v", rec.Artists)
	}
	if len(rec.Version) != 2 || rec.Version[0] != "Racing 2021" {
		t.Fatalf("version = %+v", rec.Version)
	}
	if rec.Scale != "1/7" {
		t.Fatalf("scale = %q", rec.Scale)
	}
	if rec.HeightMM != 255 {
		t.Fatalf("height = %d", rec.HeightMM)
	}
	if len(rec.Releases) != 2 {
		t.Fatalf("releases = %d, want 2", len(rec.Releases))
	}
	first := rec.Releases[0]
	if first.Date != "2021-11" || first.Type != "Standard" || first.Price != 17600 || first.Currency != "JPY" || first.Barcode != "4580416940764" {
		t.Fatalf("first release = %+v", first)
	}
	if rec.Releases[1].Barcode != "" {
		t.Fatalf("second release barcode = %q, want empty", rec.Releases[1].Barcode)
	}
}

func TestParseItemPageUnknownCategory(t *testing.T) {
	page := `<html><body>
<h1 class="item-title">Mystery Item</h1>
<div class="data-field"><div class="data-label">Category</div><div class="data-value">Gadgets</div></div>
</body></html>`
	if _, err := ParseItemPage(parseDoc(t, page), 7); err == nil {
		t.Fatalf("expected hard failure for unknown category")
	}
}

func TestParseItemPageMissingCategory(t *testing.T) {
	page := `<html><body><h1 class="item-title">No Category</h1></body></html>`
	if _, err := ParseItemPage(parseDoc(t, page), 7); err == nil {
		t.Fatalf("expected hard failure for missing category")
	}
}

func TestParseItemPageMissingTitle(t *testing.T) {
	page := `<html><body>
<div class="data-field"><div class="data-label">Category</div><div class="data-value">Figures</div></div>
</body></html>`
	if _, err := ParseItemPage(parseDoc(t, page), 7); err == nil {
		t.Fatalf("expected hard failure for missing title")
	}
}

func TestParseItemPageIgnoresUnknownLabels(t *testing.T) {
	rec, err := ParseItemPage(parseDoc(t, samplePage), 123456)
	if err != nil {
		t.Fatalf("ParseItemPage: %v", err)
	}
	// "Shelf Advice" in the fixture is not a known field; parsing must
	// succeed and simply skip it.
	if rec.ExternalID != 123456 {
		t.Fatalf("external id = %d", rec.ExternalID)
	}
}

func TestParseItemPageBadPrice(t *testing.T) {
	page := `<html><body>
<h1 class="item-title">X</h1>
<div class="data-field"><div class="data-label">Category</div><div class="data-value">Figures</div></div>
<div class="data-field"><div class="data-label">Releases</div><div class="data-value">
<div class="release"><span class="release-price">TBA</span></div>
</div></div>
</body></html>`
	if _, err := ParseItemPage(parseDoc(t, page), 7); err == nil {
		t.Fatalf("expected failure for unparseable price")
	}
}

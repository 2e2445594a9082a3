package catalog

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"golang.org/x/net/html"
)

// The detail page encodes item attributes as labelled data-field blocks:
//
//	<div class="data-field">
//	  <div class="data-label">Origin</div>
//	  <div class="data-value"><a class="entry-link" href="/entry/412">...</a></div>
//	</div>
//
// Each known label maps to a typed extractor; unknown labels are ignored so
// upstream page changes degrade to missing fields rather than parse errors.
type fieldExtractor func(rec *Record, value *html.Node) error

var fieldExtractors = map[string]fieldExtractor{
	"Category":        extractCategory,
	"Classification":  entityExtractor(func(r *Record, e []EntityRef) { r.Classifications = e }),
	"Classifications": entityExtractor(func(r *Record, e []EntityRef) { r.Classifications = e }),
	"Origin":          entityExtractor(func(r *Record, e []EntityRef) { r.Origins = e }),
	"Origins":         entityExtractor(func(r *Record, e []EntityRef) { r.Origins = e }),
	"Character":       entityExtractor(func(r *Record, e []EntityRef) { r.Characters = e }),
	"Characters":      entityExtractor(func(r *Record, e []EntityRef) { r.Characters = e }),
	"Company":         entityExtractor(func(r *Record, e []EntityRef) { r.Companies = e }),
	"Companies":       entityExtractor(func(r *Record, e []EntityRef) { r.Companies = e }),
	"Artist":          entityExtractor(func(r *Record, e []EntityRef) { r.Artists = e }),
	"Artists":         entityExtractor(func(r *Record, e []EntityRef) { r.Artists = e }),
	"Event":           entityExtractor(func(r *Record, e []EntityRef) { r.Events = e }),
	"Events":          entityExtractor(func(r *Record, e []EntityRef) { r.Events = e }),
	"Material":        entityExtractor(func(r *Record, e []EntityRef) { r.Materials = e }),
	"Materials":       entityExtractor(func(r *Record, e []EntityRef) { r.Materials = e }),
	"Version":         extractVersion,
	"Dimensions":      extractDimensions,
	"Releases":        extractReleases,
}

// ParseItemPage extracts a Record from a parsed detail page. A missing or
// unrecognized category is a hard failure for the item.
func ParseItemPage(doc *html.Node, externalID int64) (Record, error) {
	rec := Record{ExternalID: externalID}

	if title := firstByClass(doc, "item-title"); title != nil {
		rec.Title = nodeText(title)
	}
	if pic := firstByClass(doc, "item-picture"); pic != nil {
		rec.Image = pictureURL(pic)
	}

	for _, field := range byClass(doc, "data-field") {
		label := firstByClass(field, "data-label")
		value := firstByClass(field, "data-value")
		if label == nil || value == nil {
			continue
		}
		extract, ok := fieldExtractors[nodeText(label)]
		if !ok {
			continue
		}
		if err := extract(&rec, value); err != nil {
			return Record{}, fmt.Errorf("item %d: field %q: %w", externalID, nodeText(label), err)
		}
	}

	if err := rec.Validate(); err != nil {
		return Record{}, err
	}
	return rec, nil
}

func extractCategory(rec *Record, value *html.Node) error {
	cat, err := ParseCategory(nodeText(value))
	if err != nil {
		return err
	}
	rec.Category = cat
	return nil
}

var entryHref = regexp.MustCompile(`/entry/(\d+)$`)

// entityExtractor builds an extractor that collects entry links from a
// data-value block and assigns them through set.
func entityExtractor(set func(*Record, []EntityRef)) fieldExtractor {
	return func(rec *Record, value *html.Node) error {
		var refs []EntityRef
		for _, a := range byTag(value, "a") {
			m := entryHref.FindStringSubmatch(attrVal(a, "href"))
			if m == nil {
				continue
			}
			id, err := strconv.ParseInt(m[1], 10, 64)
			if err != nil {
				continue
			}
			ref := EntityRef{ExternalID: id, Name: nodeText(a)}
			// A role annotation follows its link as a sibling <small>.
			if role := nextSiblingTag(a, "small"); role != nil {
				ref.Role = nodeText(role)
			}
			refs = append(refs, ref)
		}
		set(rec, refs)
		return nil
	}
}

func extractVersion(rec *Record, value *html.Node) error {
	if spans := byClass(value, "version"); len(spans) > 0 {
		for _, s := range spans {
			if v := nodeText(s); v != "" {
				rec.Version = append(rec.Version, v)
			}
		}
		return nil
	}
	for _, part := range strings.Split(nodeText(value), ",") {
		if v := strings.TrimSpace(part); v != "" {
			rec.Version = append(rec.Version, v)
		}
	}
	return nil
}

var (
	heightRe = regexp.MustCompile(`H\s*=\s*(\d+)\s*mm`)
	scaleRe  = regexp.MustCompile(`\b(\d+/\d+)\b`)
)

func extractDimensions(rec *Record, value *html.Node) error {
	text := nodeText(value)
	if m := heightRe.FindStringSubmatch(text); m != nil {
		h, err := strconv.Atoi(m[1])
		if err == nil {
			rec.HeightMM = h
		}
	}
	if m := scaleRe.FindStringSubmatch(text); m != nil {
		rec.Scale = m[1]
	}
	return nil
}

func extractReleases(rec *Record, value *html.Node) error {
	for _, row := range byClass(value, "release") {
		rel := Release{
			Date:     classText(row, "release-date"),
			Type:     classText(row, "release-type"),
			Currency: classText(row, "release-currency"),
			Barcode:  classText(row, "release-barcode"),
		}
		if p := classText(row, "release-price"); p != "" {
			price, err := strconv.ParseFloat(strings.ReplaceAll(p, ",", ""), 64)
			if err != nil {
				return fmt.Errorf("release price %q: %w", p, err)
			}
			rel.Price = price
		}
		rec.Releases = append(rec.Releases, rel)
	}
	return nil
}

// pictureURL reads the image URL from the picture block. A wrapping
// <a href> points at the full-size image and wins over the thumbnail
// <img src>.
func pictureURL(n *html.Node) string {
	if n.Data == "img" {
		return attrVal(n, "src")
	}
	if n.Data == "a" {
		return attrVal(n, "href")
	}
	if as := byTag(n, "a"); len(as) > 0 {
		if href := attrVal(as[0], "href"); href != "" {
			return href
		}
	}
	if img := byTag(n, "img"); len(img) > 0 {
		return attrVal(img[0], "src")
	}
	return ""
}

// ---- node helpers ----

func attrVal(n *html.Node, name string) string {
	for _, a := range n.Attr {
		if a.Key == name {
			return a.Val
		}
	}
	return ""
}

func hasClass(n *html.Node, class string) bool {
	for _, c := range strings.Fields(attrVal(n, "class")) {
		if c == class {
			return true
		}
	}
	return false
}

func walk(n *html.Node, visit func(*html.Node)) {
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if c.Type == html.ElementNode {
			visit(c)
		}
		walk(c, visit)
	}
}

func byClass(root *html.Node, class string) []*html.Node {
	var out []*html.Node
	walk(root, func(n *html.Node) {
		if hasClass(n, class) {
			out = append(out, n)
		}
	})
	return out
}

func firstByClass(root *html.Node, class string) *html.Node {
	nodes := byClass(root, class)
	if len(nodes) == 0 {
		return nil
	}
	return nodes[0]
}

func byTag(root *html.Node, tag string) []*html.Node {
	var out []*html.Node
	walk(root, func(n *html.Node) {
		if n.Data == tag {
			out = append(out, n)
		}
	})
	return out
}

func nextSiblingTag(n *html.Node, tag string) *html.Node {
	for s := n.NextSibling; s != nil; s = s.NextSibling {
		if s.Type == html.ElementNode {
			if s.Data == tag {
				return s
			}
			return nil
		}
	}
	return nil
}

func classText(root *html.Node, class string) string {
	n := firstByClass(root, class)
	if n == nil {
		return ""
	}
	return nodeText(n)
}

func nodeText(n *html.Node) string {
	var sb strings.Builder
	var rec func(*html.Node)
	rec = func(n *html.Node) {
		if n.Type == html.TextNode {
			sb.WriteString(n.Data)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			rec(c)
		}
	}
	rec(n)
	return strings.Join(strings.Fields(sb.String()), " ")
}

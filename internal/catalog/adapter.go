package catalog

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"path"

	"figsync/internal/blob"

	"golang.org/x/net/html"
)

// Source abstracts the outbound fetch side of the adapter so tests can
// substitute canned pages and images.
type Source interface {
	Page(ctx context.Context, externalID int64) (*html.Node, error)
	Image(ctx context.Context, externalID int64, imageURL string) (string, []byte, error)
}

// Adapter turns an external item identifier into a parsed Record,
// re-hosting the primary image into object storage on the way.
type Adapter struct {
	source Source
	images blob.Store
	logger *slog.Logger
}

// NewAdapter wires a Source and an image blob store together.
func NewAdapter(source Source, images blob.Store, logger *slog.Logger) *Adapter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Adapter{source: source, images: images, logger: logger}
}

// FetchAndParse retrieves the detail page for externalID and extracts a
// Record. An image referenced by the page is fetched independently and
// re-uploaded under its derived filename; any image failure fails the item.
func (a *Adapter) FetchAndParse(ctx context.Context, externalID int64) (Record, error) {
	doc, err := a.source.Page(ctx, externalID)
	if err != nil {
		return Record{}, err
	}
	rec, err := ParseItemPage(doc, externalID)
	if err != nil {
		return Record{}, err
	}
	if rec.Image != "" && a.images != nil {
		hosted, err := a.rehostImage(ctx, externalID, rec.Image)
		if err != nil {
			return Record{}, err
		}
		rec.ImageURL = hosted
	}
	return rec, nil
}

// rehostImage uploads the catalog image to the blob store. Uploads are
// idempotent by key, so an object left behind by a failed earlier attempt is
// simply overwritten on retry.
func (a *Adapter) rehostImage(ctx context.Context, externalID int64, imageURL string) (string, error) {
	contentType, data, err := a.source.Image(ctx, externalID, imageURL)
	if err != nil {
		return "", err
	}
	key, err := imageKey(externalID, imageURL)
	if err != nil {
		return "", err
	}
	info, err := a.images.Put(ctx, key, bytes.NewReader(data), blob.PutOptions{ContentType: contentType})
	if err != nil {
		return "", fmt.Errorf("item %d: upload image: %w", externalID, err)
	}
	a.logger.Debug("rehosted image", "item", externalID, "key", key, "bytes", info.Size)
	if info.URL != "" {
		return info.URL, nil
	}
	return a.images.PublicURL(key), nil
}

// imageKey derives the storage key from the source URL's filename.
func imageKey(externalID int64, imageURL string) (string, error) {
	u, err := url.Parse(imageURL)
	if err != nil {
		return "", fmt.Errorf("item %d: parse image url: %w", externalID, err)
	}
	base := path.Base(u.Path)
	if base == "" || base == "." || base == "/" {
		return "", fmt.Errorf("item %d: image url %q has no filename", externalID, imageURL)
	}
	return fmt.Sprintf("items/%d/%s", externalID, base), nil
}

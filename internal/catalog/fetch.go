package catalog

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/net/html"
	"golang.org/x/time/rate"
)

const (
	defaultTimeout   = 10 * time.Second
	defaultUserAgent = "figsync/1.0"

	// maxBodyBytes caps response reads; catalog pages and images are small.
	maxBodyBytes = 16 << 20
)

// FetchError describes a failed page or image fetch for one item.
type FetchError struct {
	ExternalID int64
	StatusCode int // 0 when the request never completed
	Reason     string
	Err        error
}

func (e *FetchError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("fetch item %d: %s: %v", e.ExternalID, e.Reason, e.Err)
	}
	return fmt.Sprintf("fetch item %d: %s", e.ExternalID, e.Reason)
}

func (e *FetchError) Unwrap() error { return e.Err }

// FetcherConfig configures the outbound HTTP client for the catalog source.
type FetcherConfig struct {
	// BaseURL is the catalog origin, e.g. "https://catalog.example.net".
	BaseURL string
	// ProxyURL routes requests through an outbound proxy when set.
	ProxyURL string
	// Timeout bounds each request (default 10s).
	Timeout time.Duration
	// InsecureTLS relaxes certificate verification. Kept only for
	// compatibility with this one upstream's broken certificate chain.
	InsecureTLS bool
	// RequestsPerSecond bounds the outbound request rate; 0 disables.
	RequestsPerSecond float64
	Burst             int
	UserAgent         string
	// Transport overrides the HTTP transport (tests).
	Transport http.RoundTripper
}

// Fetcher retrieves catalog detail pages and images.
type Fetcher struct {
	client    *http.Client
	baseURL   string
	userAgent string
	limiter   *rate.Limiter
}

// NewFetcher builds a Fetcher from config.
func NewFetcher(cfg FetcherConfig) (*Fetcher, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, fmt.Errorf("catalog base url required")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	transport := cfg.Transport
	if transport == nil {
		t := &http.Transport{
			Proxy:                 http.ProxyFromEnvironment,
			MaxIdleConns:          16,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   timeout,
			ResponseHeaderTimeout: timeout,
		}
		if cfg.InsecureTLS {
			t.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} // #nosec G402 -- single known upstream
		}
		if cfg.ProxyURL != "" {
			proxy, err := url.Parse(cfg.ProxyURL)
			if err != nil {
				return nil, fmt.Errorf("parse proxy url: %w", err)
			}
			t.Proxy = http.ProxyURL(proxy)
		}
		transport = t
	}
	ua := cfg.UserAgent
	if ua == "" {
		ua = defaultUserAgent
	}
	var limiter *rate.Limiter
	if cfg.RequestsPerSecond > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	}
	return &Fetcher{
		client:    &http.Client{Transport: transport, Timeout: timeout},
		baseURL:   strings.TrimSuffix(cfg.BaseURL, "/"),
		userAgent: ua,
		limiter:   limiter,
	}, nil
}

// Page fetches and tokenizes the detail page for externalID.
func (f *Fetcher) Page(ctx context.Context, externalID int64) (*html.Node, error) {
	target := fmt.Sprintf("%s/item/%d", f.baseURL, externalID)
	body, _, err := f.get(ctx, externalID, target)
	if err != nil {
		return nil, err
	}
	doc, err := html.Parse(strings.NewReader(string(body)))
	if err != nil {
		return nil, &FetchError{ExternalID: externalID, Reason: "parse html", Err: err}
	}
	return doc, nil
}

// Image fetches the page's primary image. A non-2xx status or a non-image
// content type is an error; the caller treats that as an item failure.
func (f *Fetcher) Image(ctx context.Context, externalID int64, imageURL string) (string, []byte, error) {
	body, contentType, err := f.get(ctx, externalID, imageURL)
	if err != nil {
		return "", nil, err
	}
	if !strings.HasPrefix(contentType, "image/") {
		return "", nil, &FetchError{ExternalID: externalID, Reason: fmt.Sprintf("image content type %q", contentType)}
	}
	return contentType, body, nil
}

func (f *Fetcher) get(ctx context.Context, externalID int64, target string) ([]byte, string, error) {
	if f.limiter != nil {
		if err := f.limiter.Wait(ctx); err != nil {
			return nil, "", &FetchError{ExternalID: externalID, Reason: "rate limiter", Err: err}
		}
	}
	ctx, cancel := context.WithTimeout(ctx, f.client.Timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, "", &FetchError{ExternalID: externalID, Reason: "build request", Err: err}
	}
	req.Header.Set("User-Agent", f.userAgent)
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, "", &FetchError{ExternalID: externalID, Reason: "request", Err: err}
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, "", &FetchError{ExternalID: externalID, StatusCode: resp.StatusCode, Reason: fmt.Sprintf("status %d", resp.StatusCode)}
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, "", &FetchError{ExternalID: externalID, Reason: "read body", Err: err}
	}
	return body, resp.Header.Get("Content-Type"), nil
}

// Package feed provides conditional RSS/Atom feed fetching, parsing, and
// entry normalization for mailfeed.
package feed

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/mmcdole/gofeed"
)

// Status classifies the outcome of a conditional fetch.
type Status int

const (
	// StatusContent means the server returned a parseable feed body.
	StatusContent Status = iota
	// StatusUnchanged means the server reported no change since the
	// supplied cache validators (304).
	StatusUnchanged
	// StatusMoved means the feed moved permanently (301/308); the caller
	// must persist Result.NewURL.
	StatusMoved
	// StatusGone means the feed is permanently removed (410); the caller
	// must deactivate it.
	StatusGone
	// StatusMalformed means the transport succeeded but the body is not a
	// usable feed (unparseable, or parseable with no title). Callers may
	// retry a bounded number of times.
	StatusMalformed
)

// String returns a human-readable name for the status.
func (s Status) String() string {
	switch s {
	case StatusContent:
		return "content"
	case StatusUnchanged:
		return "unchanged"
	case StatusMoved:
		return "moved"
	case StatusGone:
		return "gone"
	case StatusMalformed:
		return "malformed"
	default:
		return "unknown"
	}
}

// Meta holds feed-level metadata from a successful parse.
type Meta struct {
	Title string
	Link  string
}

// Result is the typed outcome of one conditional fetch. Items is populated
// only for StatusContent; NewURL only for StatusMoved; Detail only for
// StatusMalformed.
type Result struct {
	Status       Status
	Meta         Meta
	Items        []*gofeed.Item
	ETag         string
	LastModified string
	NewURL       string
	Detail       string
}

// maxTemporaryRedirects bounds how many 302/303/307 hops a single fetch
// follows. Permanent redirects are never followed; they are reported so the
// stored URL can be updated.
const maxTemporaryRedirects = 5

// Fetcher performs conditional HTTP fetches of RSS/Atom feeds.
type Fetcher struct {
	client *http.Client
	parser *gofeed.Parser
}

// NewFetcher creates a Fetcher with a tuned HTTP client. Redirects are not
// followed by the client itself so that permanent moves stay visible to the
// caller.
func NewFetcher() *Fetcher {
	client := &http.Client{
		Timeout: 30 * time.Second,
		Transport: &http.Transport{
			MaxIdleConns:        10,
			IdleConnTimeout:     30 * time.Second,
			MaxIdleConnsPerHost: 2,
		},
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}

	return &Fetcher{
		client: client,
		parser: gofeed.NewParser(),
	}
}

// Fetch retrieves url using the supplied cache validators and classifies the
// response. A non-nil error always means a transient transport failure
// (network error, timeout, 5xx, or an unexpected status); every other outcome
// is reported through Result.Status. Passing empty validators performs an
// unconditional fetch.
func (f *Fetcher) Fetch(ctx context.Context, url, etag, lastModified string) (*Result, error) {
	current := url

	for hop := 0; ; hop++ {
		resp, err := f.get(ctx, current, etag, lastModified)
		if err != nil {
			return nil, fmt.Errorf("failed to fetch feed from %s: %w", current, err)
		}

		switch {
		case resp.StatusCode == http.StatusOK:
			result := f.parse(resp)
			resp.Body.Close()
			return result, nil

		case resp.StatusCode == http.StatusNotModified:
			resp.Body.Close()
			return &Result{Status: StatusUnchanged}, nil

		case resp.StatusCode == http.StatusMovedPermanently ||
			resp.StatusCode == http.StatusPermanentRedirect:
			location, err := redirectTarget(resp)
			resp.Body.Close()
			if err != nil {
				return nil, fmt.Errorf("permanent redirect from %s: %w", current, err)
			}
			return &Result{Status: StatusMoved, NewURL: location}, nil

		case resp.StatusCode == http.StatusFound ||
			resp.StatusCode == http.StatusSeeOther ||
			resp.StatusCode == http.StatusTemporaryRedirect:
			location, err := redirectTarget(resp)
			resp.Body.Close()
			if err != nil {
				return nil, fmt.Errorf("redirect from %s: %w", current, err)
			}
			if hop >= maxTemporaryRedirects {
				return nil, fmt.Errorf("too many redirects fetching %s", url)
			}
			current = location

		case resp.StatusCode == http.StatusGone:
			resp.Body.Close()
			return &Result{Status: StatusGone}, nil

		default:
			code := resp.StatusCode
			resp.Body.Close()
			return nil, fmt.Errorf("unexpected status %d fetching %s", code, current)
		}
	}
}

// redirectTarget extracts the Location header and resolves it against the
// request URL. Servers may send a relative reference; the absolute form is
// what gets persisted or refetched.
func redirectTarget(resp *http.Response) (string, error) {
	location := resp.Header.Get("Location")
	if location == "" {
		return "", fmt.Errorf("no location header")
	}

	target, err := resp.Request.URL.Parse(location)
	if err != nil {
		return "", fmt.Errorf("invalid location %q: %w", location, err)
	}
	return target.String(), nil
}

func (f *Fetcher) get(ctx context.Context, url, etag, lastModified string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}

	req.Header.Set("User-Agent", "mailfeed/1.0")
	if etag != "" {
		req.Header.Set("If-None-Match", etag)
	}
	if lastModified != "" {
		req.Header.Set("If-Modified-Since", lastModified)
	}

	return f.client.Do(req)
}

// parse converts a 200 response into a Content or Malformed result. A feed
// with no title is treated as malformed rather than as a feed with empty
// metadata, so partially rendered upstream responses are not silently
// accepted.
func (f *Fetcher) parse(resp *http.Response) *Result {
	parsed, err := f.parser.Parse(resp.Body)
	if err != nil {
		return &Result{
			Status: StatusMalformed,
			Detail: fmt.Sprintf("unparseable body: %v", err),
		}
	}

	if parsed.Title == "" {
		return &Result{
			Status: StatusMalformed,
			Detail: "feed has no title",
		}
	}

	return &Result{
		Status:       StatusContent,
		Meta:         Meta{Title: parsed.Title, Link: parsed.Link},
		Items:        parsed.Items,
		ETag:         resp.Header.Get("ETag"),
		LastModified: resp.Header.Get("Last-Modified"),
	}
}

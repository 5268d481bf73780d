// Package opml provides OPML import and export functionality for mailfeed.
package opml

import (
	"encoding/xml"
	"fmt"
	"io"
	"time"

	"github.com/robertmeta/mailfeed/model"
)

// OPML represents the root OPML structure.
type OPML struct {
	XMLName xml.Name `xml:"opml"`
	Version string   `xml:"version,attr"`
	Head    Head     `xml:"head"`
	Body    Body     `xml:"body"`
}

// Head contains metadata about the OPML document.
type Head struct {
	Title       string `xml:"title,omitempty"`
	DateCreated string `xml:"dateCreated,omitempty"`
}

// Body contains the outline elements (feeds).
type Body struct {
	Outlines []Outline `xml:"outline"`
}

// Outline represents a feed or grouping in OPML.
type Outline struct {
	Text     string    `xml:"text,attr,omitempty"`
	Title    string    `xml:"title,attr,omitempty"`
	Type     string    `xml:"type,attr,omitempty"`
	XMLUrl   string    `xml:"xmlUrl,attr,omitempty"`
	HTMLUrl  string    `xml:"htmlUrl,attr,omitempty"`
	Outlines []Outline `xml:"outline,omitempty"`
}

// Parse reads an OPML file and extracts feeds.
func Parse(r io.Reader) ([]*model.Feed, error) {
	var opml OPML
	decoder := xml.NewDecoder(r)
	if err := decoder.Decode(&opml); err != nil {
		return nil, fmt.Errorf("failed to parse OPML: %w", err)
	}

	return extractFeeds(opml.Body.Outlines), nil
}

// extractFeeds recursively extracts feeds from outlines. Grouping outlines
// carry no meaning here; subscriptions are per user, not per category.
func extractFeeds(outlines []Outline) []*model.Feed {
	var feeds []*model.Feed

	for _, outline := range outlines {
		// If this outline has an xmlUrl, it's a feed
		if outline.XMLUrl != "" {
			feed := &model.Feed{
				URL:    outline.XMLUrl,
				Title:  outline.Title,
				Link:   outline.HTMLUrl,
				Active: true,
			}

			// Fallback to text if title is empty
			if feed.Title == "" {
				feed.Title = outline.Text
			}

			feeds = append(feeds, feed)
		}

		// Recursively process nested outlines
		if len(outline.Outlines) > 0 {
			feeds = append(feeds, extractFeeds(outline.Outlines)...)
		}
	}

	return feeds
}

// Generate creates an OPML file from a list of feeds.
func Generate(w io.Writer, feeds []*model.Feed) error {
	opml := OPML{
		Version: "2.0",
		Head: Head{
			Title:       "mailfeed Subscriptions",
			DateCreated: time.Now().Format(time.RFC1123),
		},
		Body: Body{
			Outlines: []Outline{},
		},
	}

	for _, feed := range feeds {
		opml.Body.Outlines = append(opml.Body.Outlines, Outline{
			Type:    "rss",
			Text:    feed.Title,
			Title:   feed.Title,
			XMLUrl:  feed.URL,
			HTMLUrl: feed.Link,
		})
	}

	// Write XML with indentation
	encoder := xml.NewEncoder(w)
	encoder.Indent("", "  ")

	// Write XML declaration
	if _, err := w.Write([]byte(xml.Header)); err != nil {
		return fmt.Errorf("failed to write XML header: %w", err)
	}

	// Encode OPML
	if err := encoder.Encode(opml); err != nil {
		return fmt.Errorf("failed to encode OPML: %w", err)
	}

	// Add final newline
	if _, err := w.Write([]byte("\n")); err != nil {
		return fmt.Errorf("failed to write final newline: %w", err)
	}

	return nil
}

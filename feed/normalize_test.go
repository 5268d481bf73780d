package feed

import (
	"testing"
	"time"

	"github.com/mmcdole/gofeed"
	"github.com/stretchr/testify/assert"
)

func TestNormalize_RefSelection(t *testing.T) {
	tests := []struct {
		name   string
		item   *gofeed.Item
		expect string
	}{
		{
			name:   "prefers GUID",
			item:   &gofeed.Item{GUID: "tag:example.com,2026:1", Link: "https://example.com/1"},
			expect: "tag:example.com,2026:1",
		},
		{
			name:   "falls back to link",
			item:   &gofeed.Item{Link: "https://example.com/1"},
			expect: "https://example.com/1",
		},
		{
			name:   "empty when neither present",
			item:   &gofeed.Item{Title: "No identity"},
			expect: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			entry := Normalize(tt.item)
			assert.Equal(t, tt.expect, entry.Ref)
		})
	}
}

func TestNormalize_BodySelection(t *testing.T) {
	tests := []struct {
		name   string
		item   *gofeed.Item
		expect string
	}{
		{
			name:   "prefers full content",
			item:   &gofeed.Item{GUID: "1", Content: "<p>full</p>", Description: "summary"},
			expect: "<p>full</p>",
		},
		{
			name:   "falls back to summary",
			item:   &gofeed.Item{GUID: "1", Description: "summary"},
			expect: "summary",
		},
		{
			name:   "empty when both absent",
			item:   &gofeed.Item{GUID: "1"},
			expect: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			entry := Normalize(tt.item)
			assert.Equal(t, tt.expect, entry.Content)
		})
	}
}

func TestNormalize_Timestamps(t *testing.T) {
	published := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)
	updated := time.Date(2026, 8, 25, 10, 0, 0, 0, time.UTC)

	entry := Normalize(&gofeed.Item{
		GUID:            "1",
		PublishedParsed: &published,
		UpdatedParsed:   &updated,
	})

	if assert.NotNil(t, entry.Published) {
		assert.Equal(t, published, *entry.Published)
	}
	if assert.NotNil(t, entry.Updated) {
		assert.Equal(t, updated, *entry.Updated)
	}
}

func TestNormalize_AbsentTimestampsStayNil(t *testing.T) {
	entry := Normalize(&gofeed.Item{GUID: "1", Title: "No dates"})

	assert.Nil(t, entry.Published, "Absent published must not default to now or epoch")
	assert.Nil(t, entry.Updated)
}

func TestNormalize_Author(t *testing.T) {
	entry := Normalize(&gofeed.Item{
		GUID:   "1",
		Author: &gofeed.Person{Name: "Jane Doe", Email: "jane@example.com"},
	})
	assert.Equal(t, "Jane Doe", entry.Author)

	entry = Normalize(&gofeed.Item{
		GUID:    "1",
		Authors: []*gofeed.Person{{Name: "First Author"}, {Name: "Second Author"}},
	})
	assert.Equal(t, "First Author", entry.Author)

	entry = Normalize(&gofeed.Item{GUID: "1"})
	assert.Empty(t, entry.Author)
}

package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestFeed_Validation(t *testing.T) {
	tests := []struct {
		name    string
		feed    Feed
		wantErr bool
	}{
		{
			name: "valid feed",
			feed: Feed{
				URL:   "https://example.com/rss",
				Title: "Example Feed",
			},
			wantErr: false,
		},
		{
			name: "missing URL",
			feed: Feed{
				Title: "Example Feed",
			},
			wantErr: true,
		},
		{
			name: "empty URL",
			feed: Feed{
				URL:   "",
				Title: "Example Feed",
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.feed.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestEntry_Validation(t *testing.T) {
	tests := []struct {
		name    string
		entry   Entry
		wantErr bool
	}{
		{
			name:    "valid entry",
			entry:   Entry{FeedID: 1, Ref: "item-1"},
			wantErr: false,
		},
		{
			name:    "missing feed ID",
			entry:   Entry{Ref: "item-1"},
			wantErr: true,
		},
		{
			name:    "missing ref",
			entry:   Entry{FeedID: 1},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.entry.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestEntry_DeliveryTime(t *testing.T) {
	now := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	published := now.Add(-48 * time.Hour)
	updated := now.Add(-24 * time.Hour)

	tests := []struct {
		name   string
		entry  Entry
		expect time.Time
	}{
		{
			name:   "prefers updated",
			entry:  Entry{Published: &published, Updated: &updated},
			expect: updated,
		},
		{
			name:   "falls back to published",
			entry:  Entry{Published: &published},
			expect: published,
		},
		{
			name:   "falls back to now",
			entry:  Entry{},
			expect: now,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.entry.DeliveryTime(now)
			assert.Equal(t, tt.expect, got)
		})
	}
}

func TestEntry_RecencyKey(t *testing.T) {
	created := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	published := created.Add(-72 * time.Hour)
	updated := created.Add(-24 * time.Hour)

	tests := []struct {
		name   string
		entry  Entry
		expect time.Time
	}{
		{
			name:   "prefers updated",
			entry:  Entry{Published: &published, Updated: &updated, CreatedAt: created},
			expect: updated,
		},
		{
			name:   "falls back to published",
			entry:  Entry{Published: &published, CreatedAt: created},
			expect: published,
		},
		{
			name:   "falls back to created",
			entry:  Entry{CreatedAt: created},
			expect: created,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.entry.RecencyKey()
			assert.Equal(t, tt.expect, got)
		})
	}
}

func TestUser_Validation(t *testing.T) {
	tests := []struct {
		name    string
		user    User
		wantErr bool
	}{
		{
			name:    "valid user",
			user:    User{EmailCipher: []byte{1, 2, 3}, EmailHash: "abc"},
			wantErr: false,
		},
		{
			name:    "missing ciphertext",
			user:    User{EmailHash: "abc"},
			wantErr: true,
		},
		{
			name:    "missing hash",
			user:    User{EmailCipher: []byte{1, 2, 3}},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.user.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

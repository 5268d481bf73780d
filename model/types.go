// Package model defines the core data structures for mailfeed.
package model

import (
	"errors"
	"time"
)

// Feed represents an RSS/Atom feed source that users can subscribe to.
type Feed struct {
	ID            int64      `json:"id"`
	URL           string     `json:"url"`
	Title         string     `json:"title"`
	Link          string     `json:"link,omitempty"`
	ETag          string     `json:"etag,omitempty"`
	LastModified  string     `json:"last_modified,omitempty"`
	Active        bool       `json:"active"`
	Updating      bool       `json:"updating,omitempty"`
	UpdatingSince *time.Time `json:"updating_since,omitempty"`
}

// Validate checks if the feed has required fields.
func (f *Feed) Validate() error {
	if f.URL == "" {
		return errors.New("feed URL is required")
	}
	return nil
}

// Entry represents a single RSS/Atom entry/article.
//
// Ref is the stable deduplication key within a feed: the feed-native
// identifier when the feed supplies one, else the item link. Published and
// Updated stay nil when the source omits them.
type Entry struct {
	ID        int64      `json:"id"`
	FeedID    int64      `json:"feed_id"`
	Ref       string     `json:"ref"`
	Title     string     `json:"title"`
	Link      string     `json:"link"`
	Author    string     `json:"author,omitempty"`
	Content   string     `json:"content"`
	Published *time.Time `json:"published,omitempty"`
	Updated   *time.Time `json:"updated,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
}

// Validate checks if the entry has required fields.
func (e *Entry) Validate() error {
	if e.FeedID == 0 {
		return errors.New("entry feed ID is required")
	}
	if e.Ref == "" {
		return errors.New("entry ref is required")
	}
	return nil
}

// DeliveryTime returns the timestamp to stamp on a delivered message:
// Updated when present, else Published, else now.
func (e *Entry) DeliveryTime(now time.Time) time.Time {
	if e.Updated != nil {
		return *e.Updated
	}
	if e.Published != nil {
		return *e.Published
	}
	return now
}

// RecencyKey returns the instant used to order entries oldest-first within a
// feed's delivery batch. Entries without any source timestamp sort by when we
// first stored them.
func (e *Entry) RecencyKey() time.Time {
	if e.Updated != nil {
		return *e.Updated
	}
	if e.Published != nil {
		return *e.Published
	}
	return e.CreatedAt
}

// User represents one subscriber. The email address is stored only as a
// ciphertext plus a one-way hash for equality lookup; the plaintext is never
// persisted.
type User struct {
	ID                int64     `json:"id"`
	EmailCipher       []byte    `json:"-"`
	EmailHash         string    `json:"email_hash"`
	Joined            time.Time `json:"joined"`
	Active            bool      `json:"active"`
	MailboxCredential string    `json:"-"`
	APIToken          string    `json:"-"`
}

// Validate checks if the user has required fields.
func (u *User) Validate() error {
	if len(u.EmailCipher) == 0 {
		return errors.New("user email ciphertext is required")
	}
	if u.EmailHash == "" {
		return errors.New("user email hash is required")
	}
	return nil
}

package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/robertmeta/mailfeed/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestStore opens a store on a per-test temp file. A file, not ":memory:":
// the database/sql pool may open a second connection, and each in-memory
// connection would see its own empty database.
func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestNewStore(t *testing.T) {
	s, err := New(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	require.NotNil(t, s)
	defer s.Close()
}

func TestStore_SaveAndGetFeed(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	feed := &model.Feed{
		URL:    "https://example.com/rss",
		Title:  "Example Feed",
		Active: true,
	}

	// Save feed
	err := s.SaveFeed(ctx, feed)
	require.NoError(t, err)
	assert.NotZero(t, feed.ID, "Feed ID should be set after save")

	// Get feed by ID
	got, err := s.GetFeed(ctx, feed.ID)
	require.NoError(t, err)
	assert.Equal(t, feed.URL, got.URL)
	assert.Equal(t, feed.Title, got.Title)
	assert.True(t, got.Active)

	// Get feed by URL
	got, err = s.GetFeedByURL(ctx, feed.URL)
	require.NoError(t, err)
	assert.Equal(t, feed.ID, got.ID)
}

func TestStore_GetFeedNotFound(t *testing.T) {
	s := newTestStore(t)

	_, err := s.GetFeed(context.Background(), 999)
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = s.GetFeedByURL(context.Background(), "https://nowhere.example.com/rss")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStore_ActiveFeeds(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	feeds := []*model.Feed{
		{URL: "https://example1.com/rss", Title: "Feed 1", Active: true},
		{URL: "https://example2.com/rss", Title: "Feed 2", Active: false},
		{URL: "https://example3.com/rss", Title: "Feed 3", Active: true},
	}

	for _, f := range feeds {
		require.NoError(t, s.SaveFeed(ctx, f))
	}

	all, err := s.GetAllFeeds(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 3)

	active, err := s.ActiveFeeds(ctx)
	require.NoError(t, err)
	require.Len(t, active, 2)
	assert.Equal(t, "Feed 1", active[0].Title)
	assert.Equal(t, "Feed 3", active[1].Title)
}

func TestStore_SetFeedActive(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	feed := &model.Feed{URL: "https://example.com/rss", Active: true}
	require.NoError(t, s.SaveFeed(ctx, feed))

	require.NoError(t, s.SetFeedActive(ctx, feed.ID, false))

	got, err := s.GetFeed(ctx, feed.ID)
	require.NoError(t, err)
	assert.False(t, got.Active)
}

func TestStore_UpdateFeedURL(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	feed := &model.Feed{URL: "https://old.example.com/rss", Active: true}
	require.NoError(t, s.SaveFeed(ctx, feed))

	require.NoError(t, s.UpdateFeedURL(ctx, feed.ID, "https://new.example.com/rss"))

	got, err := s.GetFeed(ctx, feed.ID)
	require.NoError(t, err)
	assert.Equal(t, "https://new.example.com/rss", got.URL)
}

func TestStore_CommitFeedUpdate(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	feed := &model.Feed{URL: "https://example.com/rss", Active: false}
	require.NoError(t, s.SaveFeed(ctx, feed))

	feed.Title = "Fetched Title"
	feed.Link = "https://example.com"
	feed.ETag = `"v2"`
	feed.LastModified = "Tue, 25 Aug 2026 10:00:00 GMT"
	feed.Active = true
	require.NoError(t, s.CommitFeedUpdate(ctx, feed))

	got, err := s.GetFeed(ctx, feed.ID)
	require.NoError(t, err)
	assert.Equal(t, "Fetched Title", got.Title)
	assert.Equal(t, "https://example.com", got.Link)
	assert.Equal(t, `"v2"`, got.ETag)
	assert.Equal(t, "Tue, 25 Aug 2026 10:00:00 GMT", got.LastModified)
	assert.True(t, got.Active)
}

func TestStore_ClaimFeedUpdate(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	feed := &model.Feed{URL: "https://example.com/rss", Active: true}
	require.NoError(t, s.SaveFeed(ctx, feed))

	// First claim succeeds
	claimed, err := s.ClaimFeedUpdate(ctx, feed.ID, 30*time.Minute)
	require.NoError(t, err)
	assert.True(t, claimed)

	// Second claim is refused while the first is fresh
	claimed, err = s.ClaimFeedUpdate(ctx, feed.ID, 30*time.Minute)
	require.NoError(t, err)
	assert.False(t, claimed)

	// Release, then claiming works again
	require.NoError(t, s.ReleaseFeedUpdate(ctx, feed.ID))
	claimed, err = s.ClaimFeedUpdate(ctx, feed.ID, 30*time.Minute)
	require.NoError(t, err)
	assert.True(t, claimed)
}

func TestStore_ClaimFeedUpdate_StaleClaimTakenOver(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	feed := &model.Feed{URL: "https://example.com/rss", Active: true}
	require.NoError(t, s.SaveFeed(ctx, feed))

	claimed, err := s.ClaimFeedUpdate(ctx, feed.ID, 30*time.Minute)
	require.NoError(t, err)
	require.True(t, claimed)

	// With a zero staleness threshold every held claim counts as abandoned.
	time.Sleep(1100 * time.Millisecond)
	claimed, err = s.ClaimFeedUpdate(ctx, feed.ID, 0)
	require.NoError(t, err)
	assert.True(t, claimed, "A stale claim should be treated as abandoned")
}

func TestStore_InsertEntryIfAbsent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	feed := &model.Feed{URL: "https://example.com/rss", Active: true}
	require.NoError(t, s.SaveFeed(ctx, feed))

	published := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)
	entry := &model.Entry{
		FeedID:    feed.ID,
		Ref:       "entry-1",
		Title:     "First Entry",
		Link:      "https://example.com/entry-1",
		Content:   "body",
		Published: &published,
	}

	inserted, err := s.InsertEntryIfAbsent(ctx, entry)
	require.NoError(t, err)
	assert.True(t, inserted)
	assert.NotZero(t, entry.ID)

	// Same (feed, ref) with a different title must not create a duplicate
	dup := &model.Entry{
		FeedID: feed.ID,
		Ref:    "entry-1",
		Title:  "Retitled Entry",
	}
	inserted, err = s.InsertEntryIfAbsent(ctx, dup)
	require.NoError(t, err)
	assert.False(t, inserted)

	entries, err := s.GetEntries(ctx, QueryOptions{FeedID: feed.ID})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "First Entry", entries[0].Title, "The first entry's title is retained")
	if assert.NotNil(t, entries[0].Published) {
		assert.Equal(t, published.Unix(), entries[0].Published.Unix())
	}
	assert.Nil(t, entries[0].Updated)
}

func TestStore_GetEntries_Pagination(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	feed := &model.Feed{URL: "https://example.com/rss", Active: true}
	require.NoError(t, s.SaveFeed(ctx, feed))

	base := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		published := base.Add(time.Duration(i) * time.Hour)
		_, err := s.InsertEntryIfAbsent(ctx, &model.Entry{
			FeedID:    feed.ID,
			Ref:       "entry-" + string(rune('a'+i)),
			Published: &published,
		})
		require.NoError(t, err)
	}

	entries, err := s.GetEntries(ctx, QueryOptions{FeedID: feed.ID, Limit: 2})
	require.NoError(t, err)
	require.Len(t, entries, 2)
	// Newest first
	assert.Equal(t, "entry-e", entries[0].Ref)
	assert.Equal(t, "entry-d", entries[1].Ref)

	entries, err = s.GetEntries(ctx, QueryOptions{FeedID: feed.ID, Limit: 2, Offset: 2})
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "entry-c", entries[0].Ref)
}

// Package store provides SQLite database operations for mailfeed.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/robertmeta/mailfeed/model"
	_ "modernc.org/sqlite"
)

// ErrNotFound indicates the requested record does not exist.
var ErrNotFound = errors.New("not found")

// Store manages the SQLite database.
type Store struct {
	db *sql.DB
}

// New creates a new Store with the given database path.
// Use ":memory:" for an in-memory database (useful for testing).
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	store := &Store{db: db}

	// Initialize schema
	if err := store.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// createSchema creates the database tables and indexes.
func (s *Store) createSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS feeds (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		url TEXT UNIQUE NOT NULL,
		title TEXT,
		link TEXT,
		etag TEXT,
		last_modified TEXT,
		active INTEGER NOT NULL DEFAULT 1,
		updating INTEGER NOT NULL DEFAULT 0,
		updating_since INTEGER
	);

	CREATE TABLE IF NOT EXISTS entries (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		feed_id INTEGER NOT NULL,
		ref TEXT NOT NULL,
		title TEXT,
		link TEXT,
		author TEXT,
		content TEXT,
		published INTEGER,
		updated INTEGER,
		created_at INTEGER NOT NULL,
		FOREIGN KEY (feed_id) REFERENCES feeds(id) ON DELETE CASCADE,
		UNIQUE(feed_id, ref)
	);

	CREATE TABLE IF NOT EXISTS users (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		email_cipher BLOB NOT NULL,
		email_hash TEXT UNIQUE NOT NULL,
		joined INTEGER NOT NULL,
		active INTEGER NOT NULL DEFAULT 1,
		mailbox_credential TEXT,
		api_token TEXT UNIQUE
	);

	CREATE TABLE IF NOT EXISTS subscriptions (
		user_id INTEGER NOT NULL,
		feed_id INTEGER NOT NULL,
		PRIMARY KEY (user_id, feed_id),
		FOREIGN KEY (user_id) REFERENCES users(id) ON DELETE CASCADE,
		FOREIGN KEY (feed_id) REFERENCES feeds(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS deliveries (
		user_id INTEGER NOT NULL,
		entry_id INTEGER NOT NULL,
		delivered_at INTEGER NOT NULL,
		PRIMARY KEY (user_id, entry_id),
		FOREIGN KEY (user_id) REFERENCES users(id) ON DELETE CASCADE,
		FOREIGN KEY (entry_id) REFERENCES entries(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_entries_feed_id ON entries(feed_id);
	CREATE INDEX IF NOT EXISTS idx_subscriptions_feed_id ON subscriptions(feed_id);
	`

	_, err := s.db.Exec(schema)
	return err
}

const feedColumns = "id, url, title, link, etag, last_modified, active, updating, updating_since"

func scanFeed(row interface{ Scan(...interface{}) error }) (*model.Feed, error) {
	feed := &model.Feed{}
	var activeInt, updatingInt int
	var updatingSince sql.NullInt64

	err := row.Scan(&feed.ID, &feed.URL, &feed.Title, &feed.Link, &feed.ETag,
		&feed.LastModified, &activeInt, &updatingInt, &updatingSince)
	if err != nil {
		return nil, err
	}

	feed.Active = intToBool(activeInt)
	feed.Updating = intToBool(updatingInt)
	if updatingSince.Valid {
		t := unixToTime(updatingSince.Int64)
		feed.UpdatingSince = &t
	}
	return feed, nil
}

// SaveFeed saves a feed to the database.
// If the feed has an ID of 0, it will be inserted. Otherwise, it will be updated.
func (s *Store) SaveFeed(ctx context.Context, f *model.Feed) error {
	if f.ID == 0 {
		result, err := s.db.ExecContext(ctx,
			"INSERT INTO feeds (url, title, link, etag, last_modified, active) VALUES (?, ?, ?, ?, ?, ?)",
			f.URL, f.Title, f.Link, f.ETag, f.LastModified, boolToInt(f.Active),
		)
		if err != nil {
			return fmt.Errorf("failed to insert feed: %w", err)
		}

		id, err := result.LastInsertId()
		if err != nil {
			return fmt.Errorf("failed to get last insert ID: %w", err)
		}
		f.ID = id
		return nil
	}

	_, err := s.db.ExecContext(ctx,
		"UPDATE feeds SET url = ?, title = ?, link = ?, etag = ?, last_modified = ?, active = ? WHERE id = ?",
		f.URL, f.Title, f.Link, f.ETag, f.LastModified, boolToInt(f.Active), f.ID,
	)
	return err
}

// GetFeed retrieves a feed by ID.
func (s *Store) GetFeed(ctx context.Context, id int64) (*model.Feed, error) {
	feed, err := scanFeed(s.db.QueryRowContext(ctx,
		"SELECT "+feedColumns+" FROM feeds WHERE id = ?", id))

	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("feed %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get feed: %w", err)
	}

	return feed, nil
}

// GetFeedByURL retrieves a feed by its source URL.
func (s *Store) GetFeedByURL(ctx context.Context, url string) (*model.Feed, error) {
	feed, err := scanFeed(s.db.QueryRowContext(ctx,
		"SELECT "+feedColumns+" FROM feeds WHERE url = ?", url))

	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("feed %s: %w", url, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get feed by url: %w", err)
	}

	return feed, nil
}

// GetAllFeeds retrieves all feeds.
func (s *Store) GetAllFeeds(ctx context.Context) ([]*model.Feed, error) {
	return s.queryFeeds(ctx, "SELECT "+feedColumns+" FROM feeds ORDER BY id")
}

// ActiveFeeds retrieves feeds that are eligible for synchronization.
func (s *Store) ActiveFeeds(ctx context.Context) ([]*model.Feed, error) {
	return s.queryFeeds(ctx, "SELECT "+feedColumns+" FROM feeds WHERE active = 1 ORDER BY id")
}

func (s *Store) queryFeeds(ctx context.Context, query string, args ...interface{}) ([]*model.Feed, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query feeds: %w", err)
	}
	defer rows.Close()

	var feeds []*model.Feed
	for rows.Next() {
		feed, err := scanFeed(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan feed: %w", err)
		}
		feeds = append(feeds, feed)
	}

	return feeds, rows.Err()
}

// UpdateFeedURL persists a permanent redirect target.
func (s *Store) UpdateFeedURL(ctx context.Context, id int64, url string) error {
	_, err := s.db.ExecContext(ctx, "UPDATE feeds SET url = ? WHERE id = ?", url, id)
	return err
}

// SetFeedActive flips the liveness flag for a feed.
func (s *Store) SetFeedActive(ctx context.Context, id int64, active bool) error {
	_, err := s.db.ExecContext(ctx, "UPDATE feeds SET active = ? WHERE id = ?", boolToInt(active), id)
	return err
}

// CommitFeedUpdate stores the metadata and cache validators observed during a
// successful synchronization cycle, in one statement so entries can never be
// persisted behind validators that claim a newer state.
func (s *Store) CommitFeedUpdate(ctx context.Context, f *model.Feed) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE feeds SET title = ?, link = ?, etag = ?, last_modified = ?, active = ? WHERE id = ?",
		f.Title, f.Link, f.ETag, f.LastModified, boolToInt(f.Active), f.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to commit feed update: %w", err)
	}
	return nil
}

// ClaimFeedUpdate attempts to take the per-feed update claim. It returns
// false when another cycle already holds a fresh claim. A claim older than
// staleAfter is treated as abandoned by a crashed run and taken over.
func (s *Store) ClaimFeedUpdate(ctx context.Context, id int64, staleAfter time.Duration) (bool, error) {
	now := time.Now()
	staleBefore := now.Add(-staleAfter).Unix()

	result, err := s.db.ExecContext(ctx,
		"UPDATE feeds SET updating = 1, updating_since = ? WHERE id = ? AND (updating = 0 OR updating_since < ?)",
		now.Unix(), id, staleBefore,
	)
	if err != nil {
		return false, fmt.Errorf("failed to claim feed update: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return affected > 0, nil
}

// ReleaseFeedUpdate drops the per-feed update claim.
func (s *Store) ReleaseFeedUpdate(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE feeds SET updating = 0, updating_since = NULL WHERE id = ?", id)
	return err
}

const entryColumns = "id, feed_id, ref, title, link, author, content, published, updated, created_at"

func scanEntry(row interface{ Scan(...interface{}) error }) (*model.Entry, error) {
	entry := &model.Entry{}
	var published, updated sql.NullInt64
	var createdAt int64

	err := row.Scan(&entry.ID, &entry.FeedID, &entry.Ref, &entry.Title, &entry.Link,
		&entry.Author, &entry.Content, &published, &updated, &createdAt)
	if err != nil {
		return nil, err
	}

	if published.Valid {
		t := unixToTime(published.Int64)
		entry.Published = &t
	}
	if updated.Valid {
		t := unixToTime(updated.Int64)
		entry.Updated = &t
	}
	entry.CreatedAt = unixToTime(createdAt)
	return entry, nil
}

// InsertEntryIfAbsent persists an entry unless one with the same (feed, ref)
// key already exists. It reports whether a row was inserted. Another process
// inserting the same key concurrently is tolerated: the loser simply observes
// inserted == false.
func (s *Store) InsertEntryIfAbsent(ctx context.Context, e *model.Entry) (bool, error) {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}

	result, err := s.db.ExecContext(ctx,
		"INSERT OR IGNORE INTO entries (feed_id, ref, title, link, author, content, published, updated, created_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)",
		e.FeedID, e.Ref, e.Title, e.Link, e.Author, e.Content,
		nullableUnix(e.Published), nullableUnix(e.Updated), e.CreatedAt.Unix(),
	)
	if err != nil {
		return false, fmt.Errorf("failed to insert entry: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}

	if affected > 0 {
		id, err := result.LastInsertId()
		if err != nil {
			return false, fmt.Errorf("failed to get last insert ID: %w", err)
		}
		e.ID = id
		return true, nil
	}
	return false, nil
}

// GetEntries retrieves entries with optional filtering, pagination.
func (s *Store) GetEntries(ctx context.Context, opts QueryOptions) ([]*model.Entry, error) {
	query := "SELECT " + entryColumns + " FROM entries WHERE 1=1"
	args := []interface{}{}

	if opts.FeedID > 0 {
		query += " AND feed_id = ?"
		args = append(args, opts.FeedID)
	}

	if opts.SinceTime != nil {
		query += " AND COALESCE(updated, published, created_at) >= ?"
		args = append(args, *opts.SinceTime)
	}

	// Order by recency (newest first)
	query += " ORDER BY COALESCE(updated, published, created_at) DESC"

	if opts.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, opts.Limit)
	}

	if opts.Offset > 0 {
		query += " OFFSET ?"
		args = append(args, opts.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query entries: %w", err)
	}
	defer rows.Close()

	var entries []*model.Entry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan entry: %w", err)
		}
		entries = append(entries, entry)
	}

	return entries, rows.Err()
}

// Helper functions for boolean<->int conversion (SQLite doesn't have BOOLEAN type)
func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func intToBool(i int) bool {
	return i != 0
}

// Helper to convert Unix timestamp to time.Time
func unixToTime(unix int64) time.Time {
	return time.Unix(unix, 0)
}

func nullableUnix(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.Unix()
}

package store

import (
	"context"
	"fmt"
	"time"

	"github.com/robertmeta/mailfeed/model"
)

// GetUndeliveredEntries returns the entries of one feed that have not yet
// been delivered to the user, oldest first, so delivery proceeds in
// increasing recency order.
func (s *Store) GetUndeliveredEntries(ctx context.Context, userID, feedID int64) ([]*model.Entry, error) {
	query := "SELECT e.id, e.feed_id, e.ref, e.title, e.link, e.author, e.content, e.published, e.updated, e.created_at FROM entries e " +
		"WHERE e.feed_id = ? AND NOT EXISTS (" +
		"SELECT 1 FROM deliveries d WHERE d.user_id = ? AND d.entry_id = e.id) " +
		"ORDER BY COALESCE(e.updated, e.published, e.created_at) ASC, e.id ASC"

	rows, err := s.db.QueryContext(ctx, query, feedID, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query undelivered entries: %w", err)
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

// MarkDelivered records that an entry has been handed to a user's mailbox.
// Marking the same pair twice is a no-op, so repeated delivery cycles stay
// idempotent.
func (s *Store) MarkDelivered(ctx context.Context, userID, entryID int64) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT OR IGNORE INTO deliveries (user_id, entry_id, delivered_at) VALUES (?, ?, ?)",
		userID, entryID, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("failed to mark delivered: %w", err)
	}
	return nil
}

// IsDelivered reports whether a delivery marker exists for the pair.
func (s *Store) IsDelivered(ctx context.Context, userID, entryID int64) (bool, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM deliveries WHERE user_id = ? AND entry_id = ?",
		userID, entryID).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("failed to check delivery: %w", err)
	}
	return count > 0, nil
}

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/robertmeta/mailfeed/model"
)

const userColumns = "id, email_cipher, email_hash, joined, active, mailbox_credential, api_token"

func scanUser(row interface{ Scan(...interface{}) error }) (*model.User, error) {
	user := &model.User{}
	var joined int64
	var activeInt int

	err := row.Scan(&user.ID, &user.EmailCipher, &user.EmailHash, &joined,
		&activeInt, &user.MailboxCredential, &user.APIToken)
	if err != nil {
		return nil, err
	}

	user.Joined = unixToTime(joined)
	user.Active = intToBool(activeInt)
	return user, nil
}

// CreateUser inserts a new user record.
func (s *Store) CreateUser(ctx context.Context, u *model.User) error {
	if err := u.Validate(); err != nil {
		return err
	}
	if u.Joined.IsZero() {
		u.Joined = time.Now()
	}

	result, err := s.db.ExecContext(ctx,
		"INSERT INTO users (email_cipher, email_hash, joined, active, mailbox_credential, api_token) VALUES (?, ?, ?, ?, ?, ?)",
		u.EmailCipher, u.EmailHash, u.Joined.Unix(), boolToInt(u.Active),
		u.MailboxCredential, u.APIToken,
	)
	if err != nil {
		return fmt.Errorf("failed to insert user: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get last insert ID: %w", err)
	}
	u.ID = id
	return nil
}

// GetUser retrieves a user by ID.
func (s *Store) GetUser(ctx context.Context, id int64) (*model.User, error) {
	user, err := scanUser(s.db.QueryRowContext(ctx,
		"SELECT "+userColumns+" FROM users WHERE id = ?", id))

	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("user %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}

	return user, nil
}

// GetUserByEmailHash retrieves a user by the one-way hash of their email
// address. This is the only email lookup; the plaintext is never stored.
func (s *Store) GetUserByEmailHash(ctx context.Context, hash string) (*model.User, error) {
	user, err := scanUser(s.db.QueryRowContext(ctx,
		"SELECT "+userColumns+" FROM users WHERE email_hash = ?", hash))

	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("user: %w", ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user by email hash: %w", err)
	}

	return user, nil
}

// GetAllUsers retrieves all users.
func (s *Store) GetAllUsers(ctx context.Context) ([]*model.User, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT "+userColumns+" FROM users ORDER BY id")
	if err != nil {
		return nil, fmt.Errorf("failed to query users: %w", err)
	}
	defer rows.Close()

	var users []*model.User
	for rows.Next() {
		user, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan user: %w", err)
		}
		users = append(users, user)
	}

	return users, rows.Err()
}

// SetMailboxCredential rotates the stored delivery-channel credential.
func (s *Store) SetMailboxCredential(ctx context.Context, id int64, credential string) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE users SET mailbox_credential = ? WHERE id = ?", credential, id)
	return err
}

// Subscribe records that a user wants a feed's entries. Subscribing twice is
// a no-op.
func (s *Store) Subscribe(ctx context.Context, userID, feedID int64) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT OR IGNORE INTO subscriptions (user_id, feed_id) VALUES (?, ?)",
		userID, feedID)
	if err != nil {
		return fmt.Errorf("failed to subscribe: %w", err)
	}
	return nil
}

// Unsubscribe removes a user's subscription to a feed.
func (s *Store) Unsubscribe(ctx context.Context, userID, feedID int64) error {
	_, err := s.db.ExecContext(ctx,
		"DELETE FROM subscriptions WHERE user_id = ? AND feed_id = ?",
		userID, feedID)
	return err
}

// GetSubscriptions returns the feeds a user is subscribed to, feed ID
// ascending.
func (s *Store) GetSubscriptions(ctx context.Context, userID int64) ([]*model.Feed, error) {
	return s.queryFeeds(ctx,
		"SELECT f.id, f.url, f.title, f.link, f.etag, f.last_modified, f.active, f.updating, f.updating_since "+
			"FROM feeds f JOIN subscriptions s ON s.feed_id = f.id WHERE s.user_id = ? ORDER BY f.id",
		userID)
}

// SubscriberCount returns how many users are subscribed to a feed. A feed
// with zero subscribers is a deactivation candidate.
func (s *Store) SubscriberCount(ctx context.Context, feedID int64) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM subscriptions WHERE feed_id = ?", feedID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count subscribers: %w", err)
	}
	return count, nil
}

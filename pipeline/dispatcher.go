package pipeline

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/robertmeta/mailfeed/identity"
	"github.com/robertmeta/mailfeed/mailbox"
	"github.com/robertmeta/mailfeed/model"
)

// DefaultBaseFolder is where delivered messages are collected across feeds.
const DefaultBaseFolder = "Feeds"

// DeliveryStore is the persistence surface the dispatcher needs.
type DeliveryStore interface {
	GetUser(ctx context.Context, id int64) (*model.User, error)
	GetSubscriptions(ctx context.Context, userID int64) ([]*model.Feed, error)
	GetUndeliveredEntries(ctx context.Context, userID, feedID int64) ([]*model.Entry, error)
	MarkDelivered(ctx context.Context, userID, entryID int64) error
}

// Dispatcher delivers not-yet-seen entries into one subscriber's mailbox:
// one folder per feed plus a base folder holding a copy of everything.
type Dispatcher struct {
	store      DeliveryStore
	channel    mailbox.Channel
	codec      *identity.Codec
	log        *zap.Logger
	baseFolder string
	now        func() time.Time
}

// NewDispatcher constructs a Dispatcher. baseFolder defaults to
// DefaultBaseFolder when empty.
func NewDispatcher(store DeliveryStore, channel mailbox.Channel, codec *identity.Codec, baseFolder string, log *zap.Logger) *Dispatcher {
	if baseFolder == "" {
		baseFolder = DefaultBaseFolder
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Dispatcher{
		store:      store,
		channel:    channel,
		codec:      codec,
		log:        log,
		baseFolder: baseFolder,
		now:        time.Now,
	}
}

type feedBatch struct {
	feed    *model.Feed
	entries []*model.Entry
}

// DeliverForUser runs one delivery cycle for the user and returns how many
// entries were handed to the mailbox.
//
// No mailbox session is opened when nothing is pending. An authentication
// failure aborts the whole cycle with zero markers written. A failed append
// for one entry is logged and skipped; later entries still go out, and the
// failed entry stays undelivered for the next cycle.
func (d *Dispatcher) DeliverForUser(ctx context.Context, userID int64) (int, error) {
	user, err := d.store.GetUser(ctx, userID)
	if err != nil {
		return 0, fmt.Errorf("deliver for user %d: %w", userID, err)
	}
	if !user.Active {
		return 0, fmt.Errorf("deliver for user %d: %w", userID, ErrUserInactive)
	}

	email, err := d.codec.Decrypt(user.EmailCipher)
	if err != nil {
		return 0, fmt.Errorf("deliver for user %d: %w", userID, err)
	}

	feeds, err := d.store.GetSubscriptions(ctx, userID)
	if err != nil {
		return 0, fmt.Errorf("deliver for user %d: %w", userID, err)
	}

	// Collect pending work first: sessions are expensive to open and a
	// cycle with nothing to deliver must have zero side effects.
	var batches []feedBatch
	for _, f := range feeds {
		entries, err := d.store.GetUndeliveredEntries(ctx, userID, f.ID)
		if err != nil {
			return 0, fmt.Errorf("deliver for user %d: %w", userID, err)
		}
		if len(entries) == 0 {
			continue
		}
		sort.SliceStable(entries, func(i, j int) bool {
			return entries[i].RecencyKey().Before(entries[j].RecencyKey())
		})
		batches = append(batches, feedBatch{feed: f, entries: entries})
	}
	if len(batches) == 0 {
		return 0, nil
	}

	session, err := d.channel.Authenticate(ctx, mailbox.Credentials{
		Username: email,
		Secret:   user.MailboxCredential,
	})
	if err != nil {
		return 0, fmt.Errorf("deliver for user %d: %w", userID, err)
	}
	defer func() {
		if err := session.Close(); err != nil {
			d.log.Warn("failed to close mailbox session",
				zap.Int64("user_id", userID), zap.Error(err))
		}
	}()

	if err := session.EnsureFolder(d.baseFolder); err != nil {
		return 0, fmt.Errorf("deliver for user %d: %w", userID, err)
	}

	delivered := 0
	for _, batch := range batches {
		n := d.deliverForFeed(ctx, session, userID, email, batch)
		delivered += n
	}

	d.log.Info("delivery cycle finished",
		zap.Int64("user_id", userID), zap.Int("delivered", delivered))
	return delivered, nil
}

// deliverForFeed appends one feed's pending entries into its folder, marking
// each delivered entry and copying the message into the base folder.
func (d *Dispatcher) deliverForFeed(ctx context.Context, session mailbox.Session, userID int64, email string, batch feedBatch) int {
	folder := d.baseFolder + "/" + folderName(batch.feed)

	if err := session.EnsureFolder(folder); err != nil {
		d.log.Warn("cannot ensure feed folder, skipping feed",
			zap.Int64("user_id", userID),
			zap.Int64("feed_id", batch.feed.ID),
			zap.Error(err))
		return 0
	}
	if err := session.Select(folder); err != nil {
		d.log.Warn("cannot select feed folder, skipping feed",
			zap.Int64("user_id", userID),
			zap.Int64("feed_id", batch.feed.ID),
			zap.Error(err))
		return 0
	}

	delivered := 0
	for _, entry := range batch.entries {
		if ctx.Err() != nil {
			return delivered
		}

		msg, err := RenderMessage(batch.feed, entry, email)
		if err != nil {
			d.log.Warn("cannot render entry, skipping",
				zap.Int64("entry_id", entry.ID), zap.Error(err))
			continue
		}

		res, err := session.Append(folder, entry.DeliveryTime(d.now()), msg)
		if err != nil {
			// Leave the entry unmarked so the next cycle retries it.
			d.log.Warn("append failed, entry stays pending",
				zap.Int64("user_id", userID),
				zap.Int64("entry_id", entry.ID),
				zap.Error(err))
			continue
		}

		if err := d.store.MarkDelivered(ctx, userID, entry.ID); err != nil {
			d.log.Error("delivered but could not record marker",
				zap.Int64("user_id", userID),
				zap.Int64("entry_id", entry.ID),
				zap.Error(err))
			continue
		}
		delivered++

		// The base folder shows "all new items" alongside the per-feed
		// folders; losing the copy costs nothing but that view.
		if err := session.Copy(res, d.baseFolder); err != nil {
			d.log.Warn("failed to copy message to base folder",
				zap.Int64("entry_id", entry.ID), zap.Error(err))
		}
	}

	return delivered
}

// folderName derives a mailbox folder name from the feed title, falling back
// to the feed ID when the title is empty or unusable.
func folderName(f *model.Feed) string {
	name := strings.TrimSpace(f.Title)
	name = strings.ReplaceAll(name, "/", "-")
	name = strings.Map(func(r rune) rune {
		if r < 0x20 || r == 0x7f {
			return -1
		}
		return r
	}, name)

	if name == "" {
		return fmt.Sprintf("feed-%d", f.ID)
	}
	return name
}

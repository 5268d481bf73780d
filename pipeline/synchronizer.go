package pipeline

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/robertmeta/mailfeed/feed"
	"github.com/robertmeta/mailfeed/model"
)

// Defaults for the synchronizer's bounded-retry and claim-staleness policy.
const (
	// DefaultMalformedRetries is how many fetch attempts a cycle spends on
	// a feed that keeps returning unusable content before giving up.
	DefaultMalformedRetries = 10

	// DefaultClaimStaleAfter is how old an update claim must be before it
	// is treated as abandoned by a crashed run.
	DefaultClaimStaleAfter = 30 * time.Minute
)

// SyncStore is the persistence surface the synchronizer needs.
type SyncStore interface {
	GetFeed(ctx context.Context, id int64) (*model.Feed, error)
	CommitFeedUpdate(ctx context.Context, f *model.Feed) error
	UpdateFeedURL(ctx context.Context, id int64, url string) error
	SetFeedActive(ctx context.Context, id int64, active bool) error
	InsertEntryIfAbsent(ctx context.Context, e *model.Entry) (bool, error)
	ClaimFeedUpdate(ctx context.Context, id int64, staleAfter time.Duration) (bool, error)
	ReleaseFeedUpdate(ctx context.Context, id int64) error
}

// Fetcher performs one conditional feed retrieval.
type Fetcher interface {
	Fetch(ctx context.Context, url, etag, lastModified string) (*feed.Result, error)
}

// SyncOutcome names how a feed's update cycle ended.
type SyncOutcome string

const (
	// OutcomeUpdated means content was fetched and merged.
	OutcomeUpdated SyncOutcome = "updated"
	// OutcomeUnchanged means the server reported no change.
	OutcomeUnchanged SyncOutcome = "unchanged"
	// OutcomeGone means the feed was permanently removed and deactivated.
	OutcomeGone SyncOutcome = "gone"
	// OutcomeInactive means the feed is deactivated and was not fetched.
	OutcomeInactive SyncOutcome = "inactive"
	// OutcomeSkipped means another cycle holds the feed's update claim.
	OutcomeSkipped SyncOutcome = "skipped"
)

// SyncResult reports one feed's update cycle.
type SyncResult struct {
	FeedID     int64       `json:"feed_id"`
	Outcome    SyncOutcome `json:"outcome"`
	NewEntries int         `json:"new_entries"`
	MovedTo    string      `json:"moved_to,omitempty"`
}

// Synchronizer orchestrates one feed's update cycle: conditional fetch,
// outcome classification, entry merge, metadata commit.
type Synchronizer struct {
	store            SyncStore
	fetcher          Fetcher
	log              *zap.Logger
	malformedRetries int
	claimStaleAfter  time.Duration
}

// NewSynchronizer constructs a Synchronizer with default retry and claim
// policies.
func NewSynchronizer(store SyncStore, fetcher Fetcher, log *zap.Logger) *Synchronizer {
	if log == nil {
		log = zap.NewNop()
	}
	return &Synchronizer{
		store:            store,
		fetcher:          fetcher,
		log:              log,
		malformedRetries: DefaultMalformedRetries,
		claimStaleAfter:  DefaultClaimStaleAfter,
	}
}

// SyncFeed runs one update cycle for the feed. An inactive feed is not
// fetched unless force is set; force also drops the stored cache validators
// so the fetch is unconditional, and reactivates the feed when content comes
// back.
//
// A cycle that finds the feed's update claim held by another run skips the
// feed and returns success with OutcomeSkipped. Transient transport failures
// and exhausted malformed retries are returned as errors with no validator
// mutation, so the next scheduled cycle retries with the same condition.
func (s *Synchronizer) SyncFeed(ctx context.Context, feedID int64, force bool) (*SyncResult, error) {
	f, err := s.store.GetFeed(ctx, feedID)
	if err != nil {
		return nil, fmt.Errorf("sync feed %d: %w", feedID, err)
	}

	if !f.Active && !force {
		return &SyncResult{FeedID: feedID, Outcome: OutcomeInactive}, nil
	}

	claimed, err := s.store.ClaimFeedUpdate(ctx, feedID, s.claimStaleAfter)
	if err != nil {
		return nil, fmt.Errorf("sync feed %d: %w", feedID, err)
	}
	if !claimed {
		s.log.Warn("feed update already in progress, skipping",
			zap.Int64("feed_id", feedID))
		return &SyncResult{FeedID: feedID, Outcome: OutcomeSkipped}, nil
	}
	if f.Updating && f.UpdatingSince != nil {
		// We took over a claim; the previous holder crashed or stalled.
		s.log.Warn("took over stale feed update claim",
			zap.Int64("feed_id", feedID),
			zap.Time("claimed_at", *f.UpdatingSince))
	}
	defer func() {
		if err := s.store.ReleaseFeedUpdate(context.WithoutCancel(ctx), feedID); err != nil {
			s.log.Error("failed to release feed update claim",
				zap.Int64("feed_id", feedID), zap.Error(err))
		}
	}()

	etag, lastModified := f.ETag, f.LastModified
	if force {
		etag, lastModified = "", ""
	}

	url := f.URL
	moved := false
	malformed := 0
	result := &SyncResult{FeedID: feedID}

	for {
		res, err := s.fetcher.Fetch(ctx, url, etag, lastModified)
		if err != nil {
			return nil, fmt.Errorf("sync feed %d: %w", feedID, err)
		}

		switch res.Status {
		case feed.StatusUnchanged:
			result.Outcome = OutcomeUnchanged
			return result, nil

		case feed.StatusGone:
			if err := s.store.SetFeedActive(ctx, feedID, false); err != nil {
				return nil, fmt.Errorf("sync feed %d: %w", feedID, err)
			}
			s.log.Info("feed is gone, deactivated", zap.Int64("feed_id", feedID))
			result.Outcome = OutcomeGone
			return result, nil

		case feed.StatusMoved:
			if moved {
				return nil, fmt.Errorf("sync feed %d: %w", feedID, ErrRedirectLoop)
			}
			if err := s.store.UpdateFeedURL(ctx, feedID, res.NewURL); err != nil {
				return nil, fmt.Errorf("sync feed %d: %w", feedID, err)
			}
			s.log.Info("feed moved permanently",
				zap.Int64("feed_id", feedID),
				zap.String("from", url), zap.String("to", res.NewURL))
			url = res.NewURL
			result.MovedTo = res.NewURL
			moved = true

		case feed.StatusMalformed:
			malformed++
			s.log.Warn("malformed feed content",
				zap.Int64("feed_id", feedID),
				zap.Int("attempt", malformed),
				zap.String("detail", res.Detail))
			if malformed >= s.malformedRetries {
				return nil, fmt.Errorf("sync feed %d after %d attempts: %w",
					feedID, malformed, ErrMalformedFeed)
			}

		case feed.StatusContent:
			newEntries, err := s.merge(ctx, f, url, res)
			if err != nil {
				return nil, fmt.Errorf("sync feed %d: %w", feedID, err)
			}
			result.Outcome = OutcomeUpdated
			result.NewEntries = newEntries
			return result, nil

		default:
			return nil, fmt.Errorf("sync feed %d: unexpected fetch status %v", feedID, res.Status)
		}
	}
}

// merge normalizes and persists unseen entries, then commits the feed's
// metadata and validators. Entries go in first: a crash before the metadata
// commit leaves the old validators in place, so the next cycle re-fetches
// rather than silently marking the feed up to date with entries missing.
func (s *Synchronizer) merge(ctx context.Context, f *model.Feed, url string, res *feed.Result) (int, error) {
	newEntries := 0
	for _, item := range res.Items {
		entry := feed.Normalize(item)
		entry.FeedID = f.ID

		if entry.Ref == "" {
			s.log.Warn("entry has no usable ref, skipping",
				zap.Int64("feed_id", f.ID), zap.String("title", entry.Title))
			continue
		}

		inserted, err := s.store.InsertEntryIfAbsent(ctx, entry)
		if err != nil {
			return newEntries, fmt.Errorf("persist entry %q: %w", entry.Ref, err)
		}
		if inserted {
			newEntries++
		}
	}

	f.URL = url
	f.Title = res.Meta.Title
	if res.Meta.Link != "" {
		f.Link = res.Meta.Link
	}
	f.ETag = res.ETag
	f.LastModified = res.LastModified
	f.Active = true

	if err := s.store.CommitFeedUpdate(ctx, f); err != nil {
		return newEntries, err
	}

	s.log.Info("feed synchronized",
		zap.Int64("feed_id", f.ID),
		zap.String("title", f.Title),
		zap.Int("new_entries", newEntries))
	return newEntries, nil
}

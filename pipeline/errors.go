// Package pipeline implements the feed synchronization and delivery engine:
// per-feed update cycles and per-user mailbox delivery cycles, invoked
// independently by an external scheduler.
package pipeline

import "errors"

// Sentinels surfaced to the scheduler for stable error mapping.
var (
	// ErrMalformedFeed indicates a feed kept returning unusable content
	// after the bounded retries were exhausted. Validators are untouched,
	// so the next cycle retries fresh.
	ErrMalformedFeed = errors.New("malformed feed content")

	// ErrRedirectLoop indicates a feed reported a second permanent move
	// within one cycle.
	ErrRedirectLoop = errors.New("permanent redirect loop")

	// ErrUserInactive indicates delivery was requested for a deactivated
	// user.
	ErrUserInactive = errors.New("user is inactive")
)

// Package mailbox defines the stateful delivery channel used to append
// formatted messages into a subscriber's mail folders, and provides an IMAP
// implementation.
package mailbox

import (
	"context"
	"errors"
	"time"
)

// ErrAuth indicates the mailbox rejected the user's credentials. Delivery for
// the whole cycle must abort when this is returned.
var ErrAuth = errors.New("mailbox authentication failed")

// Credentials identify one subscriber's mailbox account.
type Credentials struct {
	Username string
	Secret   string
}

// AppendResult references a message that was appended during this session.
type AppendResult struct {
	Path string
	Date time.Time

	// raw is retained so the message can be copied to another folder on
	// servers that do not report the UID assigned by APPEND.
	raw []byte
}

// Session is one authenticated mailbox connection. Implementations are not
// safe for concurrent use; the dispatcher opens at most one session per user
// cycle.
type Session interface {
	// EnsureFolder creates the folder if it does not exist yet.
	EnsureFolder(path string) error
	// Select makes the folder the target of subsequent appends.
	Select(path string) error
	// Append stores a message into the folder with the given internal date.
	Append(path string, date time.Time, msg []byte) (AppendResult, error)
	// Copy places a previously appended message into another folder.
	Copy(res AppendResult, path string) error
	// Close terminates the session.
	Close() error
}

// Channel establishes mailbox sessions.
type Channel interface {
	Authenticate(ctx context.Context, creds Credentials) (Session, error)
}

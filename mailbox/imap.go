package mailbox

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"time"

	"github.com/emersion/go-imap/client"
	"go.uber.org/zap"
)

// IMAPChannel opens IMAP sessions against a single server. The folder
// hierarchy separator is assumed to be "/", which covers the common servers
// this targets (Dovecot, Gmail, Fastmail).
type IMAPChannel struct {
	Addr     string // host:port
	Insecure bool   // plaintext connection, for tests and local servers
	Log      *zap.Logger
}

// Authenticate dials the server and logs in with the user's credentials. A
// rejected login is reported as ErrAuth; dial failures are transport errors.
func (ch *IMAPChannel) Authenticate(ctx context.Context, creds Credentials) (Session, error) {
	var c *client.Client
	var err error

	if ch.Insecure {
		c, err = client.Dial(ch.Addr)
	} else {
		c, err = client.DialTLS(ch.Addr, &tls.Config{})
	}
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", ch.Addr, err)
	}

	// The go-imap client manages its own connection lifecycle; honor an
	// already-cancelled context before logging in.
	if err := ctx.Err(); err != nil {
		c.Logout()
		return nil, err
	}

	if err := c.Login(creds.Username, creds.Secret); err != nil {
		c.Logout()
		return nil, fmt.Errorf("%w for %s: %v", ErrAuth, creds.Username, err)
	}

	log := ch.Log
	if log == nil {
		log = zap.NewNop()
	}

	return &imapSession{c: c, log: log}, nil
}

type imapSession struct {
	c   *client.Client
	log *zap.Logger
}

// EnsureFolder creates the folder, treating "already exists" as success by
// probing with a read-only select when CREATE fails.
func (s *imapSession) EnsureFolder(path string) error {
	if err := s.c.Create(path); err != nil {
		if _, serr := s.c.Select(path, true); serr == nil {
			return nil
		}
		return fmt.Errorf("failed to create folder %s: %w", path, err)
	}
	s.log.Debug("created folder", zap.String("path", path))
	return nil
}

func (s *imapSession) Select(path string) error {
	if _, err := s.c.Select(path, false); err != nil {
		return fmt.Errorf("failed to select folder %s: %w", path, err)
	}
	return nil
}

func (s *imapSession) Append(path string, date time.Time, msg []byte) (AppendResult, error) {
	buf := bytes.NewBuffer(msg)
	if err := s.c.Append(path, nil, date, buf); err != nil {
		return AppendResult{}, fmt.Errorf("failed to append to %s: %w", path, err)
	}

	return AppendResult{Path: path, Date: date, raw: msg}, nil
}

// Copy places an appended message into another folder. APPEND does not
// report the assigned UID on servers without UIDPLUS, so the copy is a second
// append of the retained message.
func (s *imapSession) Copy(res AppendResult, path string) error {
	if len(res.raw) == 0 {
		return fmt.Errorf("nothing to copy to %s", path)
	}

	buf := bytes.NewBuffer(res.raw)
	if err := s.c.Append(path, nil, res.Date, buf); err != nil {
		return fmt.Errorf("failed to copy to %s: %w", path, err)
	}
	return nil
}

func (s *imapSession) Close() error {
	return s.c.Logout()
}

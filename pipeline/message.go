package pipeline

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"html/template"
	"io"
	"time"

	"github.com/emersion/go-message/mail"

	"github.com/robertmeta/mailfeed/model"
)

// fromDomain is a reserved, undeliverable domain: these messages only ever
// travel over IMAP APPEND, never SMTP.
const fromDomain = "mailfeed.invalid"

var bodyTemplate = template.Must(template.New("entry").Parse(`<html>
<body>
<p><a href="{{.Link}}">{{.Title}}</a>{{if .Author}} &mdash; {{.Author}}{{end}}</p>
{{.Content}}
</body>
</html>
`))

// RenderMessage formats one entry as an RFC822 message addressed to the
// subscriber, with an HTML body and a Message-Id that is stable across
// delivery retries for the same (feed, ref) pair.
func RenderMessage(f *model.Feed, e *model.Entry, to string) ([]byte, error) {
	fromName := f.Title
	if fromName == "" {
		fromName = fmt.Sprintf("feed-%d", f.ID)
	}

	subject := e.Title
	if subject == "" {
		subject = "(untitled)"
	}

	var h mail.Header
	h.SetDate(e.DeliveryTime(time.Now()))
	h.SetSubject(subject)
	h.SetAddressList("From", []*mail.Address{{Name: fromName, Address: "updates@" + fromDomain}})
	h.SetAddressList("To", []*mail.Address{{Address: to}})
	h.Set("Message-Id", messageID(f.ID, e.Ref))
	h.SetContentType("text/html", map[string]string{"charset": "utf-8"})

	var buf bytes.Buffer
	w, err := mail.CreateSingleInlineWriter(&buf, h)
	if err != nil {
		return nil, fmt.Errorf("failed to create message writer: %w", err)
	}

	var body bytes.Buffer
	err = bodyTemplate.Execute(&body, struct {
		Title   string
		Link    string
		Author  string
		Content template.HTML
	}{
		Title:   subject,
		Link:    e.Link,
		Author:  e.Author,
		Content: template.HTML(e.Content),
	})
	if err != nil {
		w.Close()
		return nil, fmt.Errorf("failed to render body: %w", err)
	}

	if _, err := io.Copy(w, &body); err != nil {
		w.Close()
		return nil, fmt.Errorf("failed to write body: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("failed to finish message: %w", err)
	}

	return buf.Bytes(), nil
}

// messageID derives a stable Message-Id from the dedup key, so a message
// re-appended after a partial failure is recognizable as the same item.
func messageID(feedID int64, ref string) string {
	sum := sha256.Sum256([]byte(ref))
	return fmt.Sprintf("<%s.%d@%s>", hex.EncodeToString(sum[:12]), feedID, fromDomain)
}

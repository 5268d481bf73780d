package feed

import (
	"github.com/mmcdole/gofeed"

	"github.com/robertmeta/mailfeed/model"
)

// Normalize converts a raw parsed item into a canonical entry, independent of
// feed-format quirks.
//
// The ref is the feed-native identifier when present, else the item link; it
// is the sole deduplication key, so a re-fetched item with a changed title or
// timestamp maps to the same ref. The body prefers the full content payload
// and degrades to the summary. Absent timestamps stay nil.
func Normalize(item *gofeed.Item) *model.Entry {
	entry := &model.Entry{
		Ref:   item.GUID,
		Title: item.Title,
		Link:  item.Link,
	}

	if entry.Ref == "" {
		entry.Ref = item.Link
	}

	if item.Content != "" {
		entry.Content = item.Content
	} else {
		entry.Content = item.Description
	}

	if item.Author != nil && item.Author.Name != "" {
		entry.Author = item.Author.Name
	} else if len(item.Authors) > 0 && item.Authors[0] != nil {
		entry.Author = item.Authors[0].Name
	}

	if item.PublishedParsed != nil {
		published := *item.PublishedParsed
		entry.Published = &published
	}
	if item.UpdatedParsed != nil {
		updated := *item.UpdatedParsed
		entry.Updated = &updated
	}

	return entry
}

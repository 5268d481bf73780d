package opml

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/robertmeta/mailfeed/model"
)

func TestParseOPML_ValidFile(t *testing.T) {
	opmlContent := `<?xml version="1.0" encoding="UTF-8"?>
<opml version="2.0">
  <head>
    <title>Test Feeds</title>
  </head>
  <body>
    <outline text="Tech" title="Tech">
      <outline type="rss" text="Feed 1" title="Feed 1" xmlUrl="https://example.com/feed1" htmlUrl="https://example.com/one"/>
      <outline type="rss" text="Feed 2" title="Feed 2" xmlUrl="https://example.com/feed2"/>
    </outline>
    <outline type="rss" text="Feed 3" title="Feed 3" xmlUrl="https://example.com/feed3"/>
  </body>
</opml>`

	feeds, err := Parse(strings.NewReader(opmlContent))
	require.NoError(t, err)
	require.Len(t, feeds, 3, "Should parse 3 feeds, flattening the grouping outline")

	assert.Equal(t, "https://example.com/feed1", feeds[0].URL)
	assert.Equal(t, "Feed 1", feeds[0].Title)
	assert.Equal(t, "https://example.com/one", feeds[0].Link)
	assert.True(t, feeds[0].Active)

	assert.Equal(t, "https://example.com/feed2", feeds[1].URL)
	assert.Equal(t, "https://example.com/feed3", feeds[2].URL)
}

func TestParseOPML_TextFallback(t *testing.T) {
	opmlContent := `<?xml version="1.0" encoding="UTF-8"?>
<opml version="2.0">
  <body>
    <outline type="rss" text="Only Text" xmlUrl="https://example.com/feed"/>
  </body>
</opml>`

	feeds, err := Parse(strings.NewReader(opmlContent))
	require.NoError(t, err)
	require.Len(t, feeds, 1)
	assert.Equal(t, "Only Text", feeds[0].Title, "Title falls back to the text attribute")
}

func TestParseOPML_SkipsOutlinesWithoutURL(t *testing.T) {
	opmlContent := `<?xml version="1.0" encoding="UTF-8"?>
<opml version="2.0">
  <body>
    <outline text="Just a group"/>
    <outline type="rss" text="Feed" xmlUrl="https://example.com/feed"/>
  </body>
</opml>`

	feeds, err := Parse(strings.NewReader(opmlContent))
	require.NoError(t, err)
	require.Len(t, feeds, 1)
	assert.Equal(t, "https://example.com/feed", feeds[0].URL)
}

func TestParseOPML_DeeplyNested(t *testing.T) {
	opmlContent := `<?xml version="1.0" encoding="UTF-8"?>
<opml version="2.0">
  <body>
    <outline text="Level 1">
      <outline text="Level 2">
        <outline type="rss" text="Deep Feed" xmlUrl="https://example.com/deep"/>
      </outline>
    </outline>
  </body>
</opml>`

	feeds, err := Parse(strings.NewReader(opmlContent))
	require.NoError(t, err)
	require.Len(t, feeds, 1)
	assert.Equal(t, "Deep Feed", feeds[0].Title)
}

func TestParseOPML_Invalid(t *testing.T) {
	_, err := Parse(strings.NewReader("this is not xml"))
	assert.Error(t, err)
}

func TestParseOPML_Empty(t *testing.T) {
	opmlContent := `<?xml version="1.0" encoding="UTF-8"?>
<opml version="2.0"><head/><body/></opml>`

	feeds, err := Parse(strings.NewReader(opmlContent))
	require.NoError(t, err)
	assert.Empty(t, feeds)
}

func TestGenerateOPML(t *testing.T) {
	feeds := []*model.Feed{
		{URL: "https://example.com/feed1", Title: "Feed 1", Link: "https://example.com/one"},
		{URL: "https://example.com/feed2", Title: "Feed 2"},
	}

	var buf strings.Builder
	err := Generate(&buf, feeds)
	require.NoError(t, err)

	out := buf.String()
	assert.Contains(t, out, `<?xml version="1.0" encoding="UTF-8"?>`)
	assert.Contains(t, out, `version="2.0"`)
	assert.Contains(t, out, "mailfeed Subscriptions")
	assert.Contains(t, out, `xmlUrl="https://example.com/feed1"`)
	assert.Contains(t, out, `htmlUrl="https://example.com/one"`)
	assert.Contains(t, out, `title="Feed 2"`)
}

func TestOPML_RoundTrip(t *testing.T) {
	original := []*model.Feed{
		{URL: "https://example.com/feed1", Title: "Feed 1", Link: "https://example.com/one"},
		{URL: "https://example.com/feed2", Title: "Feed 2", Link: "https://example.com/two"},
	}

	var buf strings.Builder
	require.NoError(t, Generate(&buf, original))

	parsed, err := Parse(strings.NewReader(buf.String()))
	require.NoError(t, err)
	require.Len(t, parsed, len(original))

	for i, feed := range parsed {
		assert.Equal(t, original[i].URL, feed.URL)
		assert.Equal(t, original[i].Title, feed.Title)
		assert.Equal(t, original[i].Link, feed.Link)
	}
}

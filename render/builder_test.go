package render_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"localgram/models"
	"localgram/render"
)

func TestRenderChannelPage(t *testing.T) {
	dir := t.TempDir()
	builder, err := render.NewBuilder(dir)
	require.NoError(t, err)

	channel := models.Channel{
		ID:         1,
		FeedID:     1001,
		Title:      "News Channel",
		Username:   "news",
		AvatarPath: "downloads/news/profile.jpg",
	}
	messages := []models.Message{
		{FeedID: 101, Date: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC), Text: "first post"},
		{FeedID: 102, Date: time.Date(2024, 3, 1, 13, 0, 0, 0, time.UTC), MediaPath: "downloads/news/20240301_102.jpg"},
	}

	require.NoError(t, builder.RenderChannelPage(channel, messages))

	html, err := os.ReadFile(filepath.Join(dir, "channels", "news.html"))
	require.NoError(t, err)

	page := string(html)
	assert.Contains(t, page, "News Channel")
	assert.Contains(t, page, "first post")
	// Paths are stored relative to the archive root; the channel page lives
	// one level down
	assert.Contains(t, page, "../downloads/news/20240301_102.jpg")
	assert.Contains(t, page, "../downloads/news/profile.jpg")
}

func TestRenderChannelPageEscapesText(t *testing.T) {
	dir := t.TempDir()
	builder, err := render.NewBuilder(dir)
	require.NoError(t, err)

	channel := models.Channel{ID: 1, Username: "news", Title: "News"}
	messages := []models.Message{
		{FeedID: 101, Date: time.Now(), Text: "<script>alert(1)</script>"},
	}

	require.NoError(t, builder.RenderChannelPage(channel, messages))

	html, err := os.ReadFile(filepath.Join(dir, "channels", "news.html"))
	require.NoError(t, err)
	assert.NotContains(t, string(html), "<script>alert(1)</script>")
}

func TestRenderIndexPage(t *testing.T) {
	dir := t.TempDir()
	builder, err := render.NewBuilder(dir)
	require.NoError(t, err)

	channels := []models.Channel{
		{ID: 1, Title: "News Channel", Username: "news"},
		{ID: 2, Title: "Tech Channel", Username: "tech"},
	}

	require.NoError(t, builder.RenderIndexPage(channels))

	html, err := os.ReadFile(filepath.Join(dir, "index.html"))
	require.NoError(t, err)

	page := string(html)
	assert.Contains(t, page, "News Channel")
	assert.Contains(t, page, "channels/tech.html")
}

func TestRenderIndexPageEmpty(t *testing.T) {
	dir := t.TempDir()
	builder, err := render.NewBuilder(dir)
	require.NoError(t, err)

	require.NoError(t, builder.RenderIndexPage(nil))

	html, err := os.ReadFile(filepath.Join(dir, "index.html"))
	require.NoError(t, err)
	assert.Contains(t, string(html), "No channels archived yet")
}

func TestRenderOverwritesExistingPage(t *testing.T) {
	dir := t.TempDir()
	builder, err := render.NewBuilder(dir)
	require.NoError(t, err)

	channel := models.Channel{ID: 1, Username: "news", Title: "News"}

	require.NoError(t, builder.RenderChannelPage(channel, []models.Message{
		{FeedID: 101, Date: time.Now(), Text: "old content"},
	}))
	require.NoError(t, builder.RenderChannelPage(channel, []models.Message{
		{FeedID: 101, Date: time.Now(), Text: "old content"},
		{FeedID: 102, Date: time.Now(), Text: "new content"},
	}))

	html, err := os.ReadFile(filepath.Join(dir, "channels", "news.html"))
	require.NoError(t, err)
	assert.Contains(t, string(html), "new content")
}

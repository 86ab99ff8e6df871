// Package render materializes the static archive pages from persisted
// channel and message records.
package render

import (
	"embed"
	"fmt"
	"html/template"
	"os"
	"path/filepath"

	log "github.com/sirupsen/logrus"

	"localgram/models"
)

//go:embed templates/*.html
var templates embed.FS

// Builder renders channel pages into {output}/channels/ and the index page
// into {output}/index.html.
type Builder struct {
	outputPath string
	tmpl       *template.Template
}

func NewBuilder(outputPath string) (*Builder, error) {
	tmpl, err := template.ParseFS(templates, "templates/*.html")
	if err != nil {
		return nil, fmt.Errorf("failed to parse templates: %w", err)
	}
	if err := os.MkdirAll(outputPath, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create output dir: %w", err)
	}
	return &Builder{
		outputPath: outputPath,
		tmpl:       tmpl,
	}, nil
}

// ChannelsDir is the subdirectory channel pages are written to.
const ChannelsDir = "channels"

type channelView struct {
	Title      string
	Username   string
	AvatarPath string
}

type messageView struct {
	FeedID    int64
	Date      string
	Text      string
	MediaPath string
	GroupedID int64
}

type channelPageData struct {
	Channel  channelView
	Messages []messageView
}

type indexPageData struct {
	Channels []channelView
}

// RenderChannelPage writes the channel's page. Media and avatar paths are
// stored relative to the archive root, so they gain a ../ prefix for the
// channels/ subdirectory context.
func (b *Builder) RenderChannelPage(channel models.Channel, messages []models.Message) error {
	view := channelView{
		Title:    channel.Title,
		Username: channel.Username,
	}
	if channel.AvatarPath != "" {
		view.AvatarPath = "../" + filepath.ToSlash(channel.AvatarPath)
	}

	msgViews := make([]messageView, 0, len(messages))
	for _, msg := range messages {
		mv := messageView{
			FeedID:    msg.FeedID,
			Date:      msg.Date.Format("2006-01-02 15:04"),
			Text:      msg.Text,
			GroupedID: msg.GroupedID,
		}
		if msg.MediaPath != "" {
			mv.MediaPath = "../" + filepath.ToSlash(msg.MediaPath)
		}
		msgViews = append(msgViews, mv)
	}

	dir := filepath.Join(b.outputPath, ChannelsDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create channels dir: %w", err)
	}

	out := filepath.Join(dir, channel.Username+".html")
	if err := b.writePage(out, "channel.html", channelPageData{Channel: view, Messages: msgViews}); err != nil {
		return fmt.Errorf("failed to render channel page for %s: %w", channel.Username, err)
	}

	log.WithFields(log.Fields{
		"channel":  channel.Username,
		"messages": len(messages),
	}).Info("Updated channel page")

	return nil
}

// RenderIndexPage writes the archive index listing every channel.
func (b *Builder) RenderIndexPage(channels []models.Channel) error {
	views := make([]channelView, 0, len(channels))
	for _, ch := range channels {
		views = append(views, channelView{
			Title:      ch.Title,
			Username:   ch.Username,
			AvatarPath: filepath.ToSlash(ch.AvatarPath),
		})
	}

	out := filepath.Join(b.outputPath, "index.html")
	if err := b.writePage(out, "index.html", indexPageData{Channels: views}); err != nil {
		return fmt.Errorf("failed to render index: %w", err)
	}

	log.Info("Updated index.html")
	return nil
}

// writePage renders to a temp file and renames it into place so readers
// never observe a partially written page.
func (b *Builder) writePage(path, name string, data interface{}) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".page-*")
	if err != nil {
		return err
	}

	if err := b.tmpl.ExecuteTemplate(tmp, name, data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}

	return os.Rename(tmp.Name(), path)
}

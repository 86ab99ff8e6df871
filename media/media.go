// Package media decides which attachments are worth downloading and where
// they land on disk.
package media

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/samber/lo"
	log "github.com/sirupsen/logrus"

	"localgram/feed"
	"localgram/models"
)

// ShouldFetch reports whether a message attachment matches the configured
// allow-list. Classification is priority ordered: the specific kinds are
// checked first so the document catch-all never claims a voice note,
// sticker or audio track.
func ShouldFetch(desc *models.MediaDescriptor, allowedTypes []string) bool {
	if desc == nil {
		return false
	}

	switch desc.Kind {
	case models.MediaKindPhoto:
		return lo.Contains(allowedTypes, "photo")
	case models.MediaKindVideo:
		return lo.Contains(allowedTypes, "video")
	case models.MediaKindVoice, models.MediaKindAudio, models.MediaKindSticker:
		// Specific kinds the document catch-all must not cover
		return false
	case models.MediaKindDocument:
		return lo.Contains(allowedTypes, "document")
	}

	return false
}

// DestinationPrefix derives the deterministic download path prefix for a
// message: {folder}/{YYYYMMDD}_{externalID}. The gateway appends the file
// extension, so a repair re-fetch reproduces the identical final path.
func DestinationPrefix(folder string, msg models.RawMessage) string {
	return filepath.Join(folder, fmt.Sprintf("%s_%d", msg.Date.UTC().Format("20060102"), msg.FeedID))
}

// Fetcher downloads message media through the feed client.
type Fetcher struct {
	client       feed.Client
	downloadPath string
}

func NewFetcher(client feed.Client, downloadPath string) *Fetcher {
	return &Fetcher{
		client:       client,
		downloadPath: downloadPath,
	}
}

// ChannelFolder returns the per-channel download directory.
func (f *Fetcher) ChannelFolder(identity models.ChannelIdentity) string {
	return filepath.Join(f.downloadPath, identity.Username)
}

// Fetch downloads the message's attachment to its deterministic path and
// returns the final path, or "" when nothing was downloaded.
func (f *Fetcher) Fetch(ctx context.Context, identity models.ChannelIdentity, msg models.RawMessage) (string, error) {
	prefix := DestinationPrefix(f.ChannelFolder(identity), msg)

	finalPath, err := f.client.DownloadMedia(ctx, identity, msg, prefix)
	if err != nil {
		return "", fmt.Errorf("media download failed for message %d: %w", msg.FeedID, err)
	}
	if finalPath == "" {
		return "", nil
	}

	log.WithFields(log.Fields{
		"channel": identity.Username,
		"message": msg.FeedID,
		"path":    finalPath,
	}).Info("Downloaded media")

	return finalPath, nil
}

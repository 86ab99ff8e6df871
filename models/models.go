package models

import "time"

// MediaKind classifies a message attachment as reported by the gateway.
type MediaKind string

const (
	MediaKindPhoto    MediaKind = "photo"
	MediaKindVideo    MediaKind = "video"
	MediaKindVoice    MediaKind = "voice"
	MediaKindAudio    MediaKind = "audio"
	MediaKindSticker  MediaKind = "sticker"
	MediaKindDocument MediaKind = "document"
)

// ChannelIdentity is the gateway's view of a channel
type ChannelIdentity struct {
	FeedID   int64  `json:"feedId"`
	Title    string `json:"title"`
	Username string `json:"username"`
}

// MediaDescriptor describes an attachment without its bytes.
type MediaDescriptor struct {
	Kind     MediaKind `json:"kind"`
	FileName string    `json:"fileName,omitempty"`
	MimeType string    `json:"mimeType,omitempty"`
}

// RawMessage is a single message as delivered by the gateway, either from
// a history fetch or from the live subscription.
type RawMessage struct {
	FeedID    int64            `json:"feedId"`
	Date      time.Time        `json:"date"`
	Text      string           `json:"text,omitempty"`
	Media     *MediaDescriptor `json:"media,omitempty"`
	GroupedID int64            `json:"groupedId,omitempty"`
}

// Channel is a persisted channel record. ID is the internal surrogate key,
// FeedID the stable external identifier.
type Channel struct {
	ID         int64  `json:"id"`
	FeedID     int64  `json:"feedId"`
	Title      string `json:"title"`
	Username   string `json:"username"`
	FolderPath string `json:"folderPath"`
	AvatarPath string `json:"avatarPath,omitempty"`
}

// Message is a persisted message record. FeedID is unique per channel.
type Message struct {
	ID        int64     `json:"id"`
	ChannelID int64     `json:"channelId"`
	FeedID    int64     `json:"feedId"`
	Date      time.Time `json:"date"`
	Text      string    `json:"text,omitempty"`
	MediaPath string    `json:"mediaPath,omitempty"`
	GroupedID int64     `json:"groupedId,omitempty"`
}

// LiveMessageEvent pairs a live message with the channel it arrived on.
type LiveMessageEvent struct {
	Channel ChannelIdentity `json:"channel"`
	Message RawMessage      `json:"message"`
}

// MessageArchivedEvent fired after a message has been persisted, consumed
// by the SSE broadcaster.
type MessageArchivedEvent struct {
	Channel Channel `json:"channel"`
	Message Message `json:"message"`
}

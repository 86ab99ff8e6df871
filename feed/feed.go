// Package feed talks to the gateway service that owns the actual feed
// protocol session. The archiver only ever sees channel identities, raw
// messages and media bytes; connection handshake, auth and rate limits all
// live on the gateway side.
package feed

import (
	"context"

	"localgram/models"
)

// Client is the capability the pipeline consumes.
type Client interface {
	// ResolveChannel resolves a configured channel name to its identity.
	ResolveChannel(ctx context.Context, name string) (*models.ChannelIdentity, error)

	// FetchHistory returns up to limit historical messages for a channel.
	FetchHistory(ctx context.Context, identity models.ChannelIdentity, limit int) ([]models.RawMessage, error)

	// SubscribeLiveMessages returns an unbounded stream of live messages
	// across all channels the gateway session follows. The stream is closed
	// when ctx is cancelled.
	SubscribeLiveMessages(ctx context.Context) (<-chan models.LiveMessageEvent, error)

	// DownloadMedia downloads a message's attachment, writing it to a file
	// whose path starts with destPrefix (the gateway appends the proper
	// extension). Returns the final path, or "" when the message carries
	// nothing downloadable.
	DownloadMedia(ctx context.Context, identity models.ChannelIdentity, msg models.RawMessage, destPrefix string) (string, error)

	// DownloadAvatar downloads the channel's profile image to destPath.
	// Returns "" when the channel has no avatar.
	DownloadAvatar(ctx context.Context, identity models.ChannelIdentity, destPath string) (string, error)
}

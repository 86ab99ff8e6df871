// Package archiver coordinates ingestion: it resolves configured channels,
// backfills history, consumes the live subscription and keeps the rendered
// pages in step with storage.
package archiver

import (
	"context"
	"errors"
	"os"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"

	"localgram/db"
	"localgram/feed"
	"localgram/media"
	"localgram/models"
	"localgram/render"
)

var (
	messagesProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "localgram_messages_processed_total",
		Help: "Messages processed by the pipeline, by outcome",
	}, []string{"outcome"})

	mediaDownloads = promauto.NewCounter(prometheus.CounterOpts{
		Name: "localgram_media_downloads_total",
		Help: "Media files downloaded, including repair re-fetches",
	})

	pageRenders = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "localgram_page_renders_total",
		Help: "Pages rendered, by page type",
	}, []string{"page"})
)

// Storage is the persistence surface the pipeline writes through; *db.Store
// is the concrete implementation.
type Storage interface {
	ResolveChannel(ctx context.Context, feedID int64, title, username, folderPath, avatarPath string) (int64, error)
	FindMessage(ctx context.Context, channelID, feedID int64) (*models.Message, error)
	SaveMessage(ctx context.Context, channelID, feedID int64, date time.Time, text, mediaPath string, groupedID int64) (bool, error)
	ListMessages(ctx context.Context, channelID int64, limit int) ([]models.Message, error)
	ListChannels(ctx context.Context) ([]models.Channel, error)
	GetChannel(ctx context.Context, id int64) (*models.Channel, error)
}

// Renderer is the view generation surface the pipeline drives. The concrete
// implementation lives in the render package.
type Renderer interface {
	RenderChannelPage(channel models.Channel, messages []models.Message) error
	RenderIndexPage(channels []models.Channel) error
}

// Broadcaster receives archived-message events for live page updates. May
// be nil.
type Broadcaster interface {
	BroadcastArchived(event models.MessageArchivedEvent)
}

// Config holds the pipeline tunables.
type Config struct {
	Channels   []string
	MediaTypes []string

	BackfillLimit int
	RenderLimit   int

	// Retry policy for a whole per-message processing attempt. Delay is the
	// base of a linear curve: attempt n waits n * RetryDelay.
	RetryAttempts int
	RetryDelay    time.Duration

	// Live dispatch worker pool
	MaxWorkers   int
	MaxQueueSize int
}

// Archiver owns the ingestion pipeline.
type Archiver struct {
	client      feed.Client
	store       Storage
	fetcher     *media.Fetcher
	renderer    Renderer
	gate        *render.Gate
	broadcaster Broadcaster
	config      Config

	// Monitored channel identities keyed by external feed id. Populated
	// during channel resolution before the live loop starts, read-only
	// afterwards.
	monitored map[int64]models.ChannelIdentity

	queue chan models.LiveMessageEvent
	wg    sync.WaitGroup
}

func New(client feed.Client, store Storage, fetcher *media.Fetcher, renderer Renderer, gate *render.Gate, broadcaster Broadcaster, config Config) *Archiver {
	if config.MaxWorkers <= 0 {
		config.MaxWorkers = 10
	}
	if config.RetryAttempts <= 0 {
		config.RetryAttempts = 1
	}
	if config.MaxQueueSize <= 0 {
		config.MaxQueueSize = 1000
	}
	if config.BackfillLimit <= 0 {
		config.BackfillLimit = 100
	}
	if config.RenderLimit <= 0 {
		config.RenderLimit = 5000
	}

	return &Archiver{
		client:      client,
		store:       store,
		fetcher:     fetcher,
		renderer:    renderer,
		gate:        gate,
		broadcaster: broadcaster,
		config:      config,
		monitored:   make(map[int64]models.ChannelIdentity),
		queue:       make(chan models.LiveMessageEvent, config.MaxQueueSize),
	}
}

// Start runs the pipeline until ctx is cancelled: initial index render,
// channel resolution with backfill, then the live subscription.
func (a *Archiver) Start(ctx context.Context) error {
	// Render the index from whatever a previous run left behind so the
	// archive is browsable before resolution finishes.
	if err := a.RenderIndex(ctx); err != nil {
		log.Errorf("Failed to render initial index: %v", err)
	}

	a.ResolveChannels(ctx)

	events, err := a.client.SubscribeLiveMessages(ctx)
	if err != nil {
		return err
	}

	for i := 0; i < a.config.MaxWorkers; i++ {
		a.wg.Add(1)
		go a.startWorker(ctx, i)
	}

	log.Info("Archiver started. Listening for new messages...")

	// The receive path only filters to monitored channels and hands the
	// message off; processing never runs inline here.
	for event := range events {
		if _, ok := a.monitored[event.Channel.FeedID]; !ok {
			continue
		}
		a.queue <- event
	}

	close(a.queue)
	a.wg.Wait()
	return ctx.Err()
}

func (a *Archiver) startWorker(ctx context.Context, id int) {
	defer a.wg.Done()

	for event := range a.queue {
		// In-flight work completes on shutdown rather than being cut off
		// mid-write; the on-disk existence check repairs anything that
		// still ends up half-done.
		a.ProcessMessage(context.WithoutCancel(ctx), event.Channel, event.Message, true)
	}

	log.Infof("Worker %d: Shutting down", id)
}

// ResolveChannels resolves every configured channel, backfills its history
// with per-message rendering suppressed, renders its page once, and finally
// renders the index exactly once.
func (a *Archiver) ResolveChannels(ctx context.Context) {
	for _, name := range a.config.Channels {
		identity, err := a.client.ResolveChannel(ctx, name)
		if err != nil {
			log.Errorf("Failed to resolve channel %s: %v", name, err)
			continue
		}

		folder := a.fetcher.ChannelFolder(*identity)

		avatarPath, err := a.client.DownloadAvatar(ctx, *identity, folder+"/profile.jpg")
		if err != nil {
			log.Errorf("Failed to download avatar for %s: %v", name, err)
		}

		channelID, err := a.store.ResolveChannel(ctx, identity.FeedID, identity.Title, identity.Username, folder, avatarPath)
		if err != nil {
			log.Errorf("Failed to register channel %s: %v", name, err)
			continue
		}

		a.monitored[identity.FeedID] = *identity

		log.WithFields(log.Fields{
			"channel": identity.Title,
			"handle":  identity.Username,
		}).Info("Monitoring channel")

		a.backfill(ctx, *identity)

		// Render the channel once after the whole backfill window, not once
		// per message.
		if err := a.RenderChannel(ctx, channelID); err != nil {
			log.Errorf("Failed to render channel %s: %v", name, err)
		}
	}

	if err := a.RenderIndex(ctx); err != nil {
		log.Errorf("Failed to render index: %v", err)
	}
}

func (a *Archiver) backfill(ctx context.Context, identity models.ChannelIdentity) {
	log.Infof("Backfilling last %d messages for %s...", a.config.BackfillLimit, identity.Username)

	history, err := a.client.FetchHistory(ctx, identity, a.config.BackfillLimit)
	if err != nil {
		log.Errorf("Failed to backfill channel %s: %v", identity.Username, err)
		return
	}

	for _, msg := range history {
		a.ProcessMessage(ctx, identity, msg, false)
	}
}

// ProcessMessage runs the per-message state machine with the retry policy
// applied to the whole attempt. Failures are terminal for this delivery:
// the message is logged and dropped, relying on redelivery or a future
// backfill pass.
func (a *Archiver) ProcessMessage(ctx context.Context, identity models.ChannelIdentity, msg models.RawMessage, renderWanted bool) {
	var outcome outcome

	operation := func() error {
		var err error
		outcome, err = a.processOnce(ctx, identity, msg)
		if err != nil && !errors.Is(err, db.ErrUnavailable) {
			// Constraint violations and other non-transient faults will
			// fail identically on every attempt; stop the retry loop.
			return backoff.Permanent(err)
		}
		return err
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(
			&linearBackOff{base: a.config.RetryDelay},
			uint64(a.config.RetryAttempts-1),
		),
		ctx,
	)

	if err := backoff.Retry(operation, policy); err != nil {
		messagesProcessed.WithLabelValues("failed").Inc()
		log.WithFields(log.Fields{
			"channel": identity.Username,
			"message": msg.FeedID,
		}).Errorf("Permanently failed to process message: %v", err)
		return
	}

	messagesProcessed.WithLabelValues(string(outcome.kind)).Inc()

	if !renderWanted || !outcome.changed() {
		return
	}

	if err := a.RenderChannel(ctx, outcome.channelID); err != nil {
		// Storage already holds the message; a stale page until the next
		// render is acceptable.
		log.Errorf("Failed to render channel %s: %v", identity.Username, err)
	}

	if a.broadcaster != nil && outcome.kind == outcomeSaved {
		a.broadcastArchived(ctx, outcome.channelID, msg, outcome.mediaPath)
	}
}

type outcomeKind string

const (
	outcomeSaved    outcomeKind = "saved"
	outcomeSkipped  outcomeKind = "skipped"
	outcomeRepaired outcomeKind = "repaired"
)

type outcome struct {
	kind      outcomeKind
	channelID int64
	mediaPath string
}

// changed reports whether the attempt altered persisted or on-disk state in
// a way a render should surface.
func (o outcome) changed() bool {
	return o.kind == outcomeSaved || o.kind == outcomeRepaired
}

// processOnce is a single pass of the classification state machine:
// resolve channel, look up the record, skip / repair / fresh-process.
func (a *Archiver) processOnce(ctx context.Context, identity models.ChannelIdentity, msg models.RawMessage) (outcome, error) {
	channelID, err := a.store.ResolveChannel(ctx, identity.FeedID, identity.Title, identity.Username, "", "")
	if err != nil {
		return outcome{}, err
	}

	existing, err := a.store.FindMessage(ctx, channelID, msg.FeedID)
	if err != nil {
		return outcome{channelID: channelID}, err
	}

	if existing != nil {
		if existing.MediaPath == "" {
			// Recorded without media; nothing to verify.
			return outcome{kind: outcomeSkipped, channelID: channelID}, nil
		}
		if fileExists(existing.MediaPath) {
			return outcome{kind: outcomeSkipped, channelID: channelID}, nil
		}

		// The allow-list applies to repairs too: a kind that is no longer
		// configured is not re-downloaded.
		if !media.ShouldFetch(msg.Media, a.config.MediaTypes) {
			return outcome{kind: outcomeSkipped, channelID: channelID}, nil
		}

		// Repair path: the record stays untouched, only the file is
		// restored at its deterministic path.
		log.Warnf("Media missing for message %d, re-downloading...", msg.FeedID)
		restored, err := a.fetcher.Fetch(ctx, identity, msg)
		if err != nil || restored == "" {
			if err != nil {
				log.Warnf("Media repair failed for message %d: %v", msg.FeedID, err)
			}
			return outcome{kind: outcomeSkipped, channelID: channelID}, nil
		}
		mediaDownloads.Inc()
		return outcome{kind: outcomeRepaired, channelID: channelID, mediaPath: restored}, nil
	}

	var mediaPath string
	if media.ShouldFetch(msg.Media, a.config.MediaTypes) {
		mediaPath, err = a.fetcher.Fetch(ctx, identity, msg)
		if err != nil {
			// A failed fetch does not abort the message: it is recorded
			// without media and picked up by a later repair pass. This does
			// mean a fetch that keeps failing is only retried on
			// redelivery.
			log.Warnf("Media fetch failed for message %d, recording without media: %v", msg.FeedID, err)
			mediaPath = ""
		} else if mediaPath != "" {
			mediaDownloads.Inc()
		}
	}

	inserted, err := a.store.SaveMessage(ctx, channelID, msg.FeedID, msg.Date, msg.Text, mediaPath, msg.GroupedID)
	if err != nil {
		return outcome{channelID: channelID}, err
	}
	if !inserted {
		// A concurrent worker won the insert.
		return outcome{kind: outcomeSkipped, channelID: channelID}, nil
	}

	return outcome{kind: outcomeSaved, channelID: channelID, mediaPath: mediaPath}, nil
}

// RenderChannel regenerates a channel page under its render lock. State is
// re-read from storage after the lock is acquired so the page always
// reflects the full persisted set at render time.
func (a *Archiver) RenderChannel(ctx context.Context, channelID int64) error {
	return a.gate.WithChannelLock(channelID, func() error {
		channel, err := a.store.GetChannel(ctx, channelID)
		if err != nil {
			return err
		}
		if channel == nil {
			return nil
		}

		messages, err := a.store.ListMessages(ctx, channelID, a.config.RenderLimit)
		if err != nil {
			return err
		}

		pageRenders.WithLabelValues("channel").Inc()
		return a.renderer.RenderChannelPage(*channel, messages)
	})
}

// RenderIndex regenerates the global index under its own lock domain.
func (a *Archiver) RenderIndex(ctx context.Context) error {
	return a.gate.WithIndexLock(func() error {
		channels, err := a.store.ListChannels(ctx)
		if err != nil {
			return err
		}

		pageRenders.WithLabelValues("index").Inc()
		return a.renderer.RenderIndexPage(channels)
	})
}

func (a *Archiver) broadcastArchived(ctx context.Context, channelID int64, msg models.RawMessage, mediaPath string) {
	channel, err := a.store.GetChannel(ctx, channelID)
	if err != nil || channel == nil {
		return
	}

	a.broadcaster.BroadcastArchived(models.MessageArchivedEvent{
		Channel: *channel,
		Message: models.Message{
			ChannelID: channelID,
			FeedID:    msg.FeedID,
			Date:      msg.Date,
			Text:      msg.Text,
			MediaPath: mediaPath,
			GroupedID: msg.GroupedID,
		},
	})
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// linearBackOff waits attempt * base between retries. Retry count limiting
// is layered on with backoff.WithMaxRetries.
type linearBackOff struct {
	base    time.Duration
	attempt int
}

func (l *linearBackOff) NextBackOff() time.Duration {
	l.attempt++
	return time.Duration(l.attempt) * l.base
}

func (l *linearBackOff) Reset() {
	l.attempt = 0
}

package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	sqlbuilder "github.com/huandu/go-sqlbuilder"
	log "github.com/sirupsen/logrus"

	"localgram/models"
)

// Sentinel errors surfaced to the pipeline. ErrUnavailable marks transient
// faults the caller may retry; ErrConstraint marks uniqueness violations
// that should never happen with the insert-or-ignore discipline.
var (
	ErrUnavailable = errors.New("storage unavailable")
	ErrConstraint  = errors.New("storage constraint violation")
)

const opTimeout = 10 * time.Second

// Store handles all database operations with a shared connection pool
type Store struct {
	db *sql.DB
}

func NewStore(database string) (*Store, error) {
	db, err := connection(database)
	if err != nil {
		return nil, fmt.Errorf("failed to connect database: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// classify maps driver errors onto the store's error taxonomy.
func classify(err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	switch {
	case strings.Contains(msg, "SQLITE_BUSY"),
		strings.Contains(msg, "database is locked"),
		strings.Contains(msg, "database table is locked"):
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	case strings.Contains(msg, "constraint"):
		return fmt.Errorf("%w: %v", ErrConstraint, err)
	}
	return err
}

// ResolveChannel returns the internal key for the given external feed id,
// inserting a new record if the channel has never been seen. Metadata on an
// existing record is left untouched (first write wins). Safe under
// concurrent callers: the insert is an INSERT OR IGNORE against the unique
// feed_id column, followed by a re-read.
func (s *Store) ResolveChannel(ctx context.Context, feedID int64, title, username, folderPath, avatarPath string) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	var id int64
	err := s.db.QueryRowContext(ctx, "SELECT id FROM channels WHERE feed_id = ?", feedID).Scan(&id)
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return 0, classify(err)
	}

	// The builder must carry the SQLite flavor up front: InsertIgnoreInto
	// picks its verb (INSERT OR IGNORE) from the builder's flavor, not from
	// the flavor passed at build time.
	ib := sqlbuilder.SQLite.NewInsertBuilder()
	ib.InsertIgnoreInto("channels").
		Cols("feed_id", "title", "username", "folder_path", "avatar_path").
		Values(feedID, title, username, folderPath, avatarPath)
	query, args := ib.Build()

	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return 0, classify(err)
	}

	// Re-read after insert so a concurrent loser still observes the
	// winner's row.
	if err := s.db.QueryRowContext(ctx, "SELECT id FROM channels WHERE feed_id = ?", feedID).Scan(&id); err != nil {
		return 0, classify(err)
	}

	log.WithFields(log.Fields{
		"feedId":   feedID,
		"username": username,
		"id":       id,
	}).Info("Registered channel")

	return id, nil
}

// FindMessage returns the persisted message for (channelID, feedID), or nil
// if it has never been recorded.
func (s *Store) FindMessage(ctx context.Context, channelID, feedID int64) (*models.Message, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	row := s.db.QueryRowContext(ctx, `
		SELECT id, channel_id, feed_id, date, message_text, media_path, grouped_id
		FROM messages WHERE channel_id = ? AND feed_id = ?`,
		channelID, feedID,
	)

	msg, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, classify(err)
	}
	return msg, nil
}

// SaveMessage inserts a message record. Returns false without error when
// the (channel, feed id) pair already exists.
func (s *Store) SaveMessage(ctx context.Context, channelID, feedID int64, date time.Time, text, mediaPath string, groupedID int64) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	ib := sqlbuilder.SQLite.NewInsertBuilder()
	ib.InsertIgnoreInto("messages").
		Cols("channel_id", "feed_id", "date", "message_text", "media_path", "grouped_id").
		Values(channelID, feedID, date.Unix(), text, mediaPath, groupedID)
	query, args := ib.Build()

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, classify(err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return false, classify(err)
	}

	return affected > 0, nil
}

// ListMessages returns up to limit messages for a channel in ascending
// external id order, the order channel pages are rendered in.
func (s *Store) ListMessages(ctx context.Context, channelID int64, limit int) ([]models.Message, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	sb := sqlbuilder.NewSelectBuilder()
	sb.Select("id", "channel_id", "feed_id", "date", "message_text", "media_path", "grouped_id").
		From("messages")
	sb.Where(sb.Equal("channel_id", channelID))
	sb.OrderBy("feed_id").Asc()
	sb.Limit(limit)
	query, args := sb.BuildWithFlavor(sqlbuilder.SQLite)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	var messages []models.Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, classify(err)
		}
		messages = append(messages, *msg)
	}

	return messages, classify(rows.Err())
}

// ListChannels returns every registered channel.
func (s *Store) ListChannels(ctx context.Context) ([]models.Channel, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, feed_id, title, username, folder_path, avatar_path
		FROM channels ORDER BY id`)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	var channels []models.Channel
	for rows.Next() {
		ch, err := scanChannel(rows)
		if err != nil {
			return nil, classify(err)
		}
		channels = append(channels, *ch)
	}

	return channels, classify(rows.Err())
}

// GetChannel returns a channel by internal key, or nil if absent.
func (s *Store) GetChannel(ctx context.Context, id int64) (*models.Channel, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	row := s.db.QueryRowContext(ctx, `
		SELECT id, feed_id, title, username, folder_path, avatar_path
		FROM channels WHERE id = ?`, id)

	ch, err := scanChannel(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, classify(err)
	}
	return ch, nil
}

// ResetAll wipes every channel and message record and reclaims space. The
// caller is responsible for purging downloaded media and rendered pages,
// which are not tracked by the store.
func (s *Store) ResetAll(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	for _, stmt := range []string{"DELETE FROM messages", "DELETE FROM channels"} {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return classify(err)
		}
	}

	// Reset autoincrement counters; the sequence table only exists once a
	// row has ever been inserted.
	if _, err := s.db.ExecContext(ctx, "DELETE FROM sqlite_sequence"); err != nil &&
		!strings.Contains(err.Error(), "no such table") {
		return classify(err)
	}

	if _, err := s.db.ExecContext(ctx, "VACUUM"); err != nil {
		return classify(err)
	}

	log.Warn("SYSTEM RESET: all channel and message records cleared")
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanMessage(row scanner) (*models.Message, error) {
	var msg models.Message
	var date int64
	var text, mediaPath sql.NullString
	var groupedID sql.NullInt64

	if err := row.Scan(&msg.ID, &msg.ChannelID, &msg.FeedID, &date, &text, &mediaPath, &groupedID); err != nil {
		return nil, err
	}

	msg.Date = time.Unix(date, 0).UTC()
	msg.Text = text.String
	msg.MediaPath = mediaPath.String
	msg.GroupedID = groupedID.Int64
	return &msg, nil
}

func scanChannel(row scanner) (*models.Channel, error) {
	var ch models.Channel
	var title, username, folderPath, avatarPath sql.NullString

	if err := row.Scan(&ch.ID, &ch.FeedID, &title, &username, &folderPath, &avatarPath); err != nil {
		return nil, err
	}

	ch.Title = title.String
	ch.Username = username.String
	ch.FolderPath = folderPath.String
	ch.AvatarPath = avatarPath.String
	return &ch, nil
}

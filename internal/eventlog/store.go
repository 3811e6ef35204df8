package eventlog

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/agentrelay/gateway/internal/cursor"
	"github.com/agentrelay/gateway/internal/logger"
	"github.com/agentrelay/gateway/internal/wsproto"
)

// Store is the durable tier: an append-only mirror of published
// messages, queried only when a channel's ring buffer has rolled past
// the requested cursor.
type Store struct {
	db      *sql.DB
	enabled bool
}

// NewStore wraps db. enabled mirrors WS_EVENT_LOG_ENABLED; when false,
// Append is a no-op and Replay always reports cursorExpired with an
// empty result, matching "skip if disabled" from spec §4.7.
func NewStore(db *sql.DB, enabled bool) *Store {
	return &Store{db: db, enabled: enabled}
}

// Append mirrors a just-published message into the durable log.
// Failures are logged and never propagated — the append path must not
// block publish (spec §4.7, §7).
func (s *Store) Append(ctx context.Context, msg wsproto.HubMessage) {
	if !s.enabled {
		return
	}

	c, err := cursor.Parse(msg.Cursor)
	if err != nil {
		logger.EventLog().Warn().Str("messageId", msg.ID).Msg("skipping durable append: malformed cursor")
		return
	}

	const q = `
		INSERT INTO event_log (id, channel, cursor, cursor_timestamp, cursor_sequence, message, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO NOTHING
	`
	payload, err := json.Marshal(msg)
	if err != nil {
		logger.EventLog().Error().Err(err).Str("messageId", msg.ID).Msg("failed to marshal message for durable append")
		return
	}

	createdAt := time.UnixMilli(c.TimestampMs).UTC()
	if _, err := s.db.ExecContext(ctx, q, msg.ID, msg.Channel, msg.Cursor, c.TimestampMs, c.Sequence, payload, createdAt); err != nil {
		logger.EventLog().Error().Err(err).Str("messageId", msg.ID).Msg("failed to append to durable event log")
	}
}

// ReplayResult is the outcome of a durable-tier replay query.
type ReplayResult struct {
	Messages      []wsproto.HubMessage
	LastCursor    cursor.Cursor
	HasMore       bool
	CursorExpired bool
}

// Replay implements the four-way branch from spec §4.7: no cursor,
// malformed cursor, well-formed-but-not-found cursor, and the normal
// ascending-range case.
func (s *Store) Replay(ctx context.Context, channel string, fromCursor string, limit int) (ReplayResult, error) {
	if limit <= 0 {
		limit = 100
	}
	if !s.enabled {
		return ReplayResult{CursorExpired: true}, nil
	}

	if fromCursor == "" {
		return s.replayLatest(ctx, channel, limit)
	}

	c, err := cursor.Parse(fromCursor)
	if err != nil {
		logger.EventLog().Debug().Str("channel", channel).Msg("malformed replay cursor, falling back to latest")
		res, err := s.replayLatest(ctx, channel, limit)
		res.CursorExpired = true
		return res, err
	}

	found, err := s.cursorExists(ctx, channel, c)
	if err != nil {
		return ReplayResult{}, err
	}
	if !found {
		res, err := s.replayLatest(ctx, channel, limit)
		res.CursorExpired = true
		return res, err
	}

	return s.replayAfter(ctx, channel, c, limit)
}

func (s *Store) cursorExists(ctx context.Context, channel string, c cursor.Cursor) (bool, error) {
	const q = `SELECT EXISTS (SELECT 1 FROM event_log WHERE channel = $1 AND cursor_timestamp = $2 AND cursor_sequence = $3)`
	var exists bool
	err := s.db.QueryRowContext(ctx, q, channel, c.TimestampMs, c.Sequence).Scan(&exists)
	return exists, err
}

func (s *Store) replayLatest(ctx context.Context, channel string, limit int) (ReplayResult, error) {
	const q = `
		SELECT message FROM (
			SELECT message, cursor_timestamp, cursor_sequence FROM event_log
			WHERE channel = $1
			ORDER BY cursor_timestamp DESC, cursor_sequence DESC
			LIMIT $2
		) recent
		ORDER BY cursor_timestamp ASC, cursor_sequence ASC
	`
	rows, err := s.db.QueryContext(ctx, q, channel, limit)
	if err != nil {
		return ReplayResult{}, err
	}
	defer rows.Close()
	return scanMessages(rows, limit)
}

func (s *Store) replayAfter(ctx context.Context, channel string, from cursor.Cursor, limit int) (ReplayResult, error) {
	const q = `
		SELECT message FROM event_log
		WHERE channel = $1 AND (cursor_timestamp, cursor_sequence) > ($2, $3)
		ORDER BY cursor_timestamp ASC, cursor_sequence ASC
		LIMIT $4
	`
	rows, err := s.db.QueryContext(ctx, q, channel, from.TimestampMs, from.Sequence, limit+1)
	if err != nil {
		return ReplayResult{}, err
	}
	defer rows.Close()
	return scanMessages(rows, limit)
}

func scanMessages(rows *sql.Rows, limit int) (ReplayResult, error) {
	var messages []wsproto.HubMessage
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return ReplayResult{}, err
		}
		var m wsproto.HubMessage
		if err := json.Unmarshal(raw, &m); err != nil {
			logger.EventLog().Error().Err(err).Msg("failed to unmarshal event log row")
			continue
		}
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return ReplayResult{}, err
	}

	res := ReplayResult{}
	if len(messages) > limit {
		res.HasMore = true
		messages = messages[:limit]
	}
	res.Messages = messages
	if len(messages) > 0 {
		if c, err := cursor.Parse(messages[len(messages)-1].Cursor); err == nil {
			res.LastCursor = c
		}
	}
	return res, nil
}

package eventlog

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentrelay/gateway/internal/cursor"
	"github.com/agentrelay/gateway/internal/wsproto"
)

func newTestMsg(id, channel, cursorToken string) wsproto.HubMessage {
	payload, _ := json.Marshal(map[string]string{"id": id})
	return wsproto.HubMessage{ID: id, Channel: channel, Cursor: cursorToken, Type: wsproto.MessageTypeAgentOutputChunk, Payload: payload}
}

func TestAppendSkipsWhenDisabled(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store := NewStore(db, false)
	store.Append(context.Background(), newTestMsg("m1", "agent:output:a1", cursor.Cursor{TimestampMs: 1, Sequence: 1}.String()))

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAppendSkipsMalformedCursor(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store := NewStore(db, true)
	store.Append(context.Background(), newTestMsg("m1", "agent:output:a1", "not-a-cursor!!!"))

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAppendInsertsIdempotently(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec("INSERT INTO event_log").WillReturnResult(sqlmock.NewResult(1, 1))

	store := NewStore(db, true)
	c := cursor.Cursor{TimestampMs: 1700000000000, Sequence: 1}
	store.Append(context.Background(), newTestMsg("m1", "agent:output:a1", c.String()))

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestReplayDisabledReturnsExpired(t *testing.T) {
	db, _, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store := NewStore(db, false)
	res, err := store.Replay(context.Background(), "agent:output:a1", "", 10)
	require.NoError(t, err)
	assert.True(t, res.CursorExpired)
	assert.Empty(t, res.Messages)
}

func TestReplayMalformedCursorFallsBackToLatest(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	payload, _ := json.Marshal(wsproto.HubMessage{ID: "m1", Channel: "agent:output:a1", Cursor: cursor.Cursor{TimestampMs: 1, Sequence: 1}.String()})
	rows := sqlmock.NewRows([]string{"message"}).AddRow(payload)
	mock.ExpectQuery("SELECT message FROM").WillReturnRows(rows)

	store := NewStore(db, true)
	res, err := store.Replay(context.Background(), "agent:output:a1", "garbage", 10)
	require.NoError(t, err)
	assert.True(t, res.CursorExpired)
	require.Len(t, res.Messages, 1)
}

func TestReplayWellFormedNotFoundFallsBackToLatest(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	existsRows := sqlmock.NewRows([]string{"exists"}).AddRow(false)
	mock.ExpectQuery("SELECT EXISTS").WillReturnRows(existsRows)

	latestRows := sqlmock.NewRows([]string{"message"})
	mock.ExpectQuery("SELECT message FROM").WillReturnRows(latestRows)

	store := NewStore(db, true)
	c := cursor.Cursor{TimestampMs: 1700000000000, Sequence: 5}
	res, err := store.Replay(context.Background(), "agent:output:a1", c.String(), 10)
	require.NoError(t, err)
	assert.True(t, res.CursorExpired)
}

func TestReplayAfterCursorAscending(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	existsRows := sqlmock.NewRows([]string{"exists"}).AddRow(true)
	mock.ExpectQuery("SELECT EXISTS").WillReturnRows(existsRows)

	m2 := wsproto.HubMessage{ID: "m2", Channel: "agent:output:a1", Cursor: cursor.Cursor{TimestampMs: 2, Sequence: 2}.String()}
	p2, _ := json.Marshal(m2)
	rows := sqlmock.NewRows([]string{"message"}).AddRow(p2)
	mock.ExpectQuery("SELECT message FROM event_log").WillReturnRows(rows)

	store := NewStore(db, true)
	c := cursor.Cursor{TimestampMs: 1, Sequence: 1}
	res, err := store.Replay(context.Background(), "agent:output:a1", c.String(), 10)
	require.NoError(t, err)
	assert.False(t, res.CursorExpired)
	require.Len(t, res.Messages, 1)
	assert.Equal(t, "m2", res.Messages[0].ID)
}

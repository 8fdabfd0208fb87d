package outbox

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPostgresEnqueueConflictIsNoop(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	now := time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)
	store := NewPostgresStore(db).WithClock(func() time.Time { return now })

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO outbox_events")).
		WithArgs("ev-1", "exec-1", "acme", "report.ready", sqlmock.AnyArg(),
			"pending", now, now).
		WillReturnResult(sqlmock.NewResult(0, 0)) // conflict: zero rows, no error

	err = store.Enqueue(context.Background(), &Event{
		EventID: "ev-1", ExecutionID: "exec-1", TenantID: "acme", EventType: "report.ready",
	})
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresPendingScan(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	now := time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)
	store := NewPostgresStore(db).WithClock(func() time.Time { return now })

	cols := []string{"event_id", "execution_id", "tenant_id", "event_type", "payload",
		"status", "attempts", "created_at", "next_attempt_at", "last_error"}
	mock.ExpectQuery(regexp.QuoteMeta("FROM outbox_events")).
		WithArgs("pending", now, 10).
		WillReturnRows(sqlmock.NewRows(cols).
			AddRow("ev-1", "exec-1", "acme", "report.ready", []byte(`{}`),
				"pending", 0, now, now, ""))

	events, err := store.PendingScan(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "ev-1", events[0].EventID)
	assert.Equal(t, StatusPending, events[0].Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresMarkPublishedUnknownID(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store := NewPostgresStore(db)

	mock.ExpectExec(regexp.QuoteMeta("UPDATE outbox_events")).
		WithArgs("published", "missing").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err = store.MarkPublished(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

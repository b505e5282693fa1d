package audit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeDB struct {
	execSQL  string
	execArgs []any
	execErr  error
}

func (f *fakeDB) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	f.execSQL = sql
	f.execArgs = args
	return pgconn.CommandTag{}, f.execErr
}

func (f *fakeDB) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	return nil, errors.New("not implemented")
}

func TestRecordInsertsEvent(t *testing.T) {
	db := &fakeDB{}
	now := time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)
	r := NewRecorder(db, zap.NewNop(), WithClock(func() time.Time { return now }))

	r.Record(context.Background(), Event{
		Actor:      "operator",
		Action:     "queue.pause",
		Resource:   "queue",
		ResourceID: "incident-processing",
		Details:    map[string]any{"manual": true},
	})

	require.Contains(t, db.execSQL, "INSERT INTO audit_event")
	require.Len(t, db.execArgs, 7)
	require.Equal(t, "operator", db.execArgs[1])
	require.Equal(t, "queue.pause", db.execArgs[2])
	require.Equal(t, "incident-processing", db.execArgs[4])
	require.Equal(t, now, db.execArgs[6])
}

func TestRecordSwallowsDatabaseErrors(t *testing.T) {
	db := &fakeDB{execErr: errors.New("connection refused")}
	r := NewRecorder(db, zap.NewNop())

	require.NotPanics(t, func() {
		r.Record(context.Background(), Event{Actor: "system", Action: "purge.execute", Resource: "table"})
	})
}

func TestRecordNilDatabaseIsNoop(t *testing.T) {
	r := NewRecorder(nil, zap.NewNop())
	require.NotPanics(t, func() {
		r.Record(context.Background(), Event{Action: "noop"})
	})
}

package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/serialcrawler/internal/store"
)

func newMockStore(t *testing.T) (*RunStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)

	s, err := NewRunStoreWithPool(mock, "", "")
	require.NoError(t, err)
	return s, mock
}

func TestNewRunStoreWithPoolValidatesTables(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	_, err = NewRunStoreWithPool(nil, "", "")
	require.Error(t, err)
	_, err = NewRunStoreWithPool(mock, "runs; DROP TABLE x", "")
	require.Error(t, err)
	s, err := NewRunStoreWithPool(mock, "runs", "frags")
	require.NoError(t, err)
	require.Equal(t, "runs", s.runs)
	require.Equal(t, "frags", s.fragments)
}

func TestNewRunStoreRequiresDSN(t *testing.T) {
	t.Parallel()

	_, err := NewRunStore(context.Background(), Config{})
	require.Error(t, err)
}

func TestUpsertRunStart(t *testing.T) {
	t.Parallel()

	s, mock := newMockStore(t)
	started := time.Unix(1700000000, 0).UTC()

	mock.ExpectExec("INSERT INTO session_runs").
		WithArgs("sess-1", "Serial", "tab-7", 5, started, "running").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	err := s.UpsertRunStart(context.Background(), store.RunStart{
		SessionID:   "sess-1",
		Title:       "Serial",
		OriginRef:   "tab-7",
		TargetCount: 5,
		StartedAt:   started,
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())

	require.Error(t, s.UpsertRunStart(context.Background(), store.RunStart{}))
}

func TestRecordFragment(t *testing.T) {
	t.Parallel()

	s, mock := newMockStore(t)
	at := time.Unix(1700000100, 0).UTC()

	mock.ExpectExec("INSERT INTO session_fragments").
		WithArgs("sess-1", 2, "https://example.com/2", int64(512), int64(1500), at).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	err := s.RecordFragment(context.Background(), store.FragmentRecord{
		SessionID:  "sess-1",
		Sequence:   2,
		Locator:    "https://example.com/2",
		Bytes:      512,
		Duration:   1500 * time.Millisecond,
		RecordedAt: at,
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCompleteRun(t *testing.T) {
	t.Parallel()

	s, mock := newMockStore(t)
	at := time.Unix(1700000200, 0).UTC()
	note := "file:///tmp/Serial.txt"

	mock.ExpectExec("UPDATE session_runs SET finished_at").
		WithArgs(at, "completed", &note, "sess-1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec("UPDATE session_runs SET finished_at").
		WithArgs(at, "failed", (*string)(nil), "missing").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	require.NoError(t, s.CompleteRun(context.Background(), "sess-1", at, store.RunCompleted, &note))
	err := s.CompleteRun(context.Background(), "missing", at, store.RunFailed, nil)
	require.ErrorIs(t, err, store.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())

	require.Error(t, s.CompleteRun(context.Background(), "sess-1", at, store.RunRunning, nil))
}

func TestCompleteRunWrapsExecErrors(t *testing.T) {
	t.Parallel()

	s, mock := newMockStore(t)
	mock.ExpectExec("UPDATE session_runs").WillReturnError(errors.New("conn reset"))

	err := s.CompleteRun(context.Background(), "sess-1", time.Now(), store.RunCanceled, nil)
	require.ErrorContains(t, err, "complete run")
}

func TestGetRun(t *testing.T) {
	t.Parallel()

	s, mock := newMockStore(t)
	started := time.Unix(1700000000, 0).UTC()
	finished := started.Add(time.Minute)
	note := "gs://bucket/Serial.txt"

	rows := pgxmock.NewRows([]string{
		"session_id", "title", "origin_ref", "target_count", "fragments",
		"started_at", "finished_at", "status", "note",
	}).AddRow("sess-1", "Serial", "tab-7", 3, 3, started, &finished, "completed", &note)
	mock.ExpectQuery("SELECT (.+) FROM session_runs WHERE session_id").
		WithArgs("sess-1").
		WillReturnRows(rows)

	run, err := s.GetRun(context.Background(), "sess-1")
	require.NoError(t, err)
	require.Equal(t, "Serial", run.Title)
	require.Equal(t, store.RunCompleted, run.Status)
	require.Equal(t, 3, run.Fragments)
	require.NotNil(t, run.FinishedAt)
	require.Equal(t, finished, *run.FinishedAt)
	require.Equal(t, note, *run.Note)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetRunNotFound(t *testing.T) {
	t.Parallel()

	s, mock := newMockStore(t)
	mock.ExpectQuery("SELECT (.+) FROM session_runs").
		WithArgs("nope").
		WillReturnError(pgx.ErrNoRows)

	_, err := s.GetRun(context.Background(), "nope")
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestListRunsFiltersByStatus(t *testing.T) {
	t.Parallel()

	s, mock := newMockStore(t)
	started := time.Unix(1700000000, 0).UTC()
	status := store.RunFailed
	filter := "failed"

	rows := pgxmock.NewRows([]string{
		"session_id", "title", "origin_ref", "target_count", "fragments",
		"started_at", "finished_at", "status", "note",
	}).
		AddRow("sess-2", "B", "", 4, 1, started, (*time.Time)(nil), "failed", (*string)(nil)).
		AddRow("sess-1", "A", "", 2, 0, started, (*time.Time)(nil), "failed", (*string)(nil))
	mock.ExpectQuery("SELECT (.+) FROM session_runs").
		WithArgs(&filter, 10, 0).
		WillReturnRows(rows)

	runs, err := s.ListRuns(context.Background(), &status, 10, 0)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	require.Equal(t, "sess-2", runs[0].SessionID)
	require.Nil(t, runs[0].FinishedAt)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListFragments(t *testing.T) {
	t.Parallel()

	s, mock := newMockStore(t)
	at := time.Unix(1700000100, 0).UTC()

	rows := pgxmock.NewRows([]string{"session_id", "sequence", "locator", "bytes", "duration_ms", "recorded_at"}).
		AddRow("sess-1", 1, "u1", int64(10), int64(250), at).
		AddRow("sess-1", 2, "u2", int64(20), int64(0), at)
	mock.ExpectQuery("FROM session_fragments").
		WithArgs("sess-1", 50, 0).
		WillReturnRows(rows)

	frags, err := s.ListFragments(context.Background(), "sess-1", 50, 0)
	require.NoError(t, err)
	require.Len(t, frags, 2)
	require.Equal(t, 250*time.Millisecond, frags[0].Duration)
	require.Equal(t, 2, frags[1].Sequence)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEnsureSchema(t *testing.T) {
	t.Parallel()

	s, mock := newMockStore(t)
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS session_runs").
		WillReturnResult(pgxmock.NewResult("CREATE TABLE", 0))

	require.NoError(t, s.EnsureSchema(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPing(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()
	s, err := NewRunStoreWithPool(mock, "", "")
	require.NoError(t, err)

	mock.ExpectPing()
	require.NoError(t, s.Ping(context.Background()))

	mock.ExpectPing().WillReturnError(errors.New("refused"))
	err = s.Ping(context.Background())
	require.ErrorContains(t, err, "ping database")
	require.NoError(t, mock.ExpectationsWereMet())
}

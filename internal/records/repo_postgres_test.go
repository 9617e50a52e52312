package records

import (
	"context"
	"database/sql"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMock(t *testing.T) (*PostgresRepo, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewPostgresRepo(db), mock
}

func TestPostgresRepo_Migrate(t *testing.T) {
	repo, mock := newMock(t)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("CREATE TABLE IF NOT EXISTS call_records")).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta("CREATE INDEX IF NOT EXISTS call_records_callee_created_idx")).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	require.NoError(t, repo.Migrate(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresRepo_UpsertNullsOptionalColumns(t *testing.T) {
	repo, mock := newMock(t)
	now := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO call_records")).
		WithArgs(
			"call-1",
			sql.NullString{},
			sql.NullString{String: "B", Valid: true},
			"ENDED",
			"late",
			sql.NullTime{},
			sql.NullTime{},
			sql.NullTime{Time: now, Valid: true},
			sql.NullInt64{},
			sql.NullInt64{},
			sql.NullString{},
			sql.NullFloat64{Float64: 9.5, Valid: true},
			sql.NullString{},
			sql.NullString{},
			sql.NullString{},
			sql.NullString{},
			now,
		).
		WillReturnResult(sqlmock.NewResult(0, 1))

	price := 9.5
	err := repo.Upsert(context.Background(), Record{
		ID:        "call-1",
		CalleeID:  "B",
		State:     "ENDED",
		Reason:    "late",
		EndedAt:   &now,
		Price:     &price,
		UpdatedAt: now,
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresRepo_FetchExisting(t *testing.T) {
	repo, mock := newMock(t)

	rows := sqlmock.NewRows([]string{"reason", "price", "duration_minutes", "duration_seconds", "duration_formatted"}).
		AddRow("checkup", 9.5, int64(2), int64(125), "2:05")
	mock.ExpectQuery(regexp.QuoteMeta("SELECT reason, price")).WithArgs("call-1").WillReturnRows(rows)

	e, found, err := repo.FetchExisting(context.Background(), "call-1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "checkup", e.Reason)
	assert.Equal(t, 9.5, *e.Price)
	assert.Equal(t, 2, *e.DurationMinutes)
	assert.Equal(t, 125, *e.DurationSeconds)
	assert.Equal(t, "2:05", *e.DurationFormatted)
}

func TestPostgresRepo_FetchExistingMissing(t *testing.T) {
	repo, mock := newMock(t)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT reason, price")).WithArgs("nope").WillReturnError(sql.ErrNoRows)

	_, found, err := repo.FetchExisting(context.Background(), "nope")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestPostgresRepo_FetchExistingNullColumns(t *testing.T) {
	repo, mock := newMock(t)

	rows := sqlmock.NewRows([]string{"reason", "price", "duration_minutes", "duration_seconds", "duration_formatted"}).
		AddRow("emergency", nil, nil, nil, nil)
	mock.ExpectQuery(regexp.QuoteMeta("SELECT reason, price")).WithArgs("call-2").WillReturnRows(rows)

	e, found, err := repo.FetchExisting(context.Background(), "call-2")
	require.NoError(t, err)
	require.True(t, found)
	assert.Nil(t, e.Price)
	assert.Nil(t, e.DurationMinutes)
	assert.Nil(t, e.DurationFormatted)
}

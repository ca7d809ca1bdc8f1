package postgres

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/monkeysmail/platform/internal/domain"
)

func TestRateLimitCountMissingRowReadsZero(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	anchor := domain.MonthWindowStart(time.Now())
	mock.ExpectQuery("SELECT count FROM rate_limit_counters").
		WithArgs(int64(3), domain.MonthlyCounterKey(time.Now()), anchor).
		WillReturnError(sql.ErrNoRows)

	repo := NewRateLimitRepo(db)
	count, err := repo.Count(context.Background(), 3, domain.MonthlyCounterKey(time.Now()), anchor)
	require.NoError(t, err)
	assert.Zero(t, count)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRateLimitIncUpserts(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	anchor := domain.MonthWindowStart(time.Now())
	mock.ExpectExec("INSERT INTO rate_limit_counters").
		WithArgs(int64(3), "messages:month:2026-08-01", anchor, int64(5)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	repo := NewRateLimitRepo(db)
	require.NoError(t, repo.Inc(context.Background(), 3, "messages:month:2026-08-01", anchor, 5))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRateLimitIncRejectsNegative(t *testing.T) {
	db, _, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	repo := NewRateLimitRepo(db)
	assert.Error(t, repo.Inc(context.Background(), 3, "messages:month:2026-08-01", time.Now(), -1))
}

func TestUsageAddCounterRejectsUnknownColumn(t *testing.T) {
	db, _, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	repo := NewUsageRepo(db)
	assert.Error(t, repo.AddCounter(context.Background(), 1, time.Now(), "count; DROP TABLE", 1))
}

func TestUsageSentForDay(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	day := domain.DayWindowStart(time.Now())
	mock.ExpectQuery(`SELECT COALESCE\(SUM\(sent\), 0\) FROM usage_aggregates`).
		WithArgs(int64(9), day).
		WillReturnRows(sqlmock.NewRows([]string{"sum"}).AddRow(42))

	repo := NewUsageRepo(db)
	sent, err := repo.SentForDay(context.Background(), 9, time.Now())
	require.NoError(t, err)
	assert.Equal(t, int64(42), sent)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTenantGetNotFound(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery("SELECT id, name, plan_id").
		WithArgs(int64(404)).
		WillReturnError(sql.ErrNoRows)

	repo := NewTenantRepo(db)
	_, err = repo.Get(context.Background(), 404)
	assert.True(t, domain.IsKind(err, domain.KindNotFound))
	assert.NoError(t, mock.ExpectationsWereMet())
}

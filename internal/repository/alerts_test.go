package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/TencentBlueKing/bk-monitor-sub011/internal/models"
)

func setupMockAlertDB(t *testing.T) (*sql.DB, sqlmock.Sqlmock, *AlertRepository) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)

	logger := zap.NewNop()
	repo := NewAlertRepository(db, logger)

	return db, mock, repo
}

func sampleAlert(id string) *models.Alert {
	return &models.Alert{
		ID:         id,
		SeqID:      42,
		StrategyID: 100,
		AlertName:  "CPU 使用率过高",
		DedupeMD5:  "0123456789abcdef",
		Severity:   models.SeverityFatal,
		Status:     models.StatusAbnormal,
		BeginTime:  1700000000,
		LatestTime: 1700000300,
		CreateTime: 1700000000,
		UpdateTime: 1700000300,
	}
}

// ============================================
// 批量落库
// ============================================

func TestBulkUpsert_Success(t *testing.T) {
	db, mock, repo := setupMockAlertDB(t)
	defer db.Close()

	a := sampleAlert("17000000001")
	mock.ExpectExec(`INSERT INTO alerts`).
		WithArgs(
			a.ID, a.SeqID, a.StrategyID, a.AlertName, a.DedupeMD5,
			a.Severity, a.Status,
			a.IsBlocked, a.IsShielded, a.IsHandled, a.IsAck,
			a.BeginTime, a.FirstAnomalyTime, a.LatestTime, a.EndTime,
			a.NextStatus, a.NextStatusTime, a.CreateTime, a.UpdateTime,
			sqlmock.AnyArg(),
		).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := repo.BulkUpsert(context.Background(), []*models.Alert{a})

	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestBulkUpsert_RetriesOnSerializationFailure(t *testing.T) {
	db, mock, repo := setupMockAlertDB(t)
	defer db.Close()

	a := sampleAlert("17000000002")
	serializationErr := &pq.Error{Code: "40001"}

	mock.ExpectExec(`INSERT INTO alerts`).WillReturnError(serializationErr)
	mock.ExpectExec(`INSERT INTO alerts`).WillReturnResult(sqlmock.NewResult(0, 1))

	err := repo.BulkUpsert(context.Background(), []*models.Alert{a})

	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestBulkUpsert_SkipsAlertAfterRetriesExhausted(t *testing.T) {
	db, mock, repo := setupMockAlertDB(t)
	defer db.Close()

	conflicting := sampleAlert("17000000003")
	healthy := sampleAlert("17000000004")
	deadlockErr := &pq.Error{Code: "40P01"}

	// 冲突告警重试 3 次后跳过，不影响同批其余告警
	for i := 0; i < maxUpsertRetries; i++ {
		mock.ExpectExec(`INSERT INTO alerts`).WillReturnError(deadlockErr)
	}
	mock.ExpectExec(`INSERT INTO alerts`).WillReturnResult(sqlmock.NewResult(0, 1))

	err := repo.BulkUpsert(context.Background(), []*models.Alert{conflicting, healthy})

	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestBulkUpsert_NonRetryableErrorPropagates(t *testing.T) {
	db, mock, repo := setupMockAlertDB(t)
	defer db.Close()

	a := sampleAlert("17000000005")
	mock.ExpectExec(`INSERT INTO alerts`).
		WillReturnError(&pq.Error{Code: "23505"})

	err := repo.BulkUpsert(context.Background(), []*models.Alert{a})

	assert.Error(t, err)
	assert.Contains(t, err.Error(), "failed to upsert alert")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestBulkUpsert_MissingIDRejected(t *testing.T) {
	db, mock, repo := setupMockAlertDB(t)
	defer db.Close()

	a := sampleAlert("")

	err := repo.BulkUpsert(context.Background(), []*models.Alert{a})

	assert.Error(t, err)
	assert.Contains(t, err.Error(), "has no id")
	require.NoError(t, mock.ExpectationsWereMet())
}

// ============================================
// 读取
// ============================================

func TestGetAlertsByIDs_Success(t *testing.T) {
	db, mock, repo := setupMockAlertDB(t)
	defer db.Close()

	a1 := sampleAlert("17000000006")
	a2 := sampleAlert("17000000007")
	data1, _ := json.Marshal(a1)
	data2, _ := json.Marshal(a2)

	rows := sqlmock.NewRows([]string{"data"}).AddRow(data1).AddRow(data2)
	mock.ExpectQuery(`SELECT data FROM alerts`).
		WithArgs(pq.Array([]string{a1.ID, a2.ID})).
		WillReturnRows(rows)

	alerts, err := repo.GetAlertsByIDs(context.Background(), []string{a1.ID, a2.ID})

	require.NoError(t, err)
	require.Len(t, alerts, 2)
	assert.Equal(t, a1.ID, alerts[0].ID)
	assert.Equal(t, a2.ID, alerts[1].ID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetAlertsByIDs_EmptyInput(t *testing.T) {
	db, mock, repo := setupMockAlertDB(t)
	defer db.Close()

	alerts, err := repo.GetAlertsByIDs(context.Background(), nil)

	require.NoError(t, err)
	assert.Nil(t, alerts)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetAlert_NotFound(t *testing.T) {
	db, mock, repo := setupMockAlertDB(t)
	defer db.Close()

	mock.ExpectQuery(`SELECT data FROM alerts`).
		WithArgs("17000000008").
		WillReturnError(sql.ErrNoRows)

	alert, err := repo.GetAlert(context.Background(), "17000000008")

	require.NoError(t, err)
	assert.Nil(t, alert)
	require.NoError(t, mock.ExpectationsWereMet())
}

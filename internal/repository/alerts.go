package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/TencentBlueKing/bk-monitor-sub011/internal/models"
)

// 批量落库冲突重试上限
const maxUpsertRetries = 3

// AlertRepository 告警文档存储（alerts 表）。
// 完整快照存 data 列，常用筛选字段单独成列。
type AlertRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewAlertRepository 创建告警存储
func NewAlertRepository(db *sql.DB, logger *zap.Logger) *AlertRepository {
	return &AlertRepository{db: db, logger: logger}
}

// BulkUpsert 批量落库告警快照。按 id 覆盖写，update_time 较新者胜出；
// 序列化冲突/死锁按告警重试，最多 3 次，仍失败则记录后跳过该告警。
func (r *AlertRepository) BulkUpsert(ctx context.Context, alerts []*models.Alert) error {
	query := `
		INSERT INTO alerts (
			id, seq_id, strategy_id, alert_name, dedupe_md5, severity, status,
			is_blocked, is_shielded, is_handled, is_ack,
			begin_time, first_anomaly_time, latest_time, end_time,
			next_status, next_status_time, create_time, update_time, data
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20)
		ON CONFLICT (id) DO UPDATE SET
			severity = EXCLUDED.severity,
			status = EXCLUDED.status,
			is_blocked = EXCLUDED.is_blocked,
			is_shielded = EXCLUDED.is_shielded,
			is_handled = EXCLUDED.is_handled,
			is_ack = EXCLUDED.is_ack,
			begin_time = EXCLUDED.begin_time,
			first_anomaly_time = EXCLUDED.first_anomaly_time,
			latest_time = EXCLUDED.latest_time,
			end_time = EXCLUDED.end_time,
			next_status = EXCLUDED.next_status,
			next_status_time = EXCLUDED.next_status_time,
			update_time = EXCLUDED.update_time,
			data = EXCLUDED.data
		WHERE alerts.update_time <= EXCLUDED.update_time
	`

	for _, alert := range alerts {
		if alert.ID == "" {
			return fmt.Errorf("alert with fingerprint %s has no id", alert.DedupeMD5)
		}
		data, err := json.Marshal(alert)
		if err != nil {
			return fmt.Errorf("failed to marshal alert %s: %w", alert.ID, err)
		}

		var lastErr error
		for attempt := 1; attempt <= maxUpsertRetries; attempt++ {
			_, lastErr = r.db.ExecContext(ctx, query,
				alert.ID, alert.SeqID, alert.StrategyID, alert.AlertName, alert.DedupeMD5,
				alert.Severity, alert.Status,
				alert.IsBlocked, alert.IsShielded, alert.IsHandled, alert.IsAck,
				alert.BeginTime, alert.FirstAnomalyTime, alert.LatestTime, alert.EndTime,
				alert.NextStatus, alert.NextStatusTime, alert.CreateTime, alert.UpdateTime,
				data,
			)
			if lastErr == nil || !isRetryable(lastErr) {
				break
			}
			r.logger.Warn("alert upsert conflict, retrying",
				zap.String("alert_id", alert.ID),
				zap.Int("attempt", attempt),
				zap.Error(lastErr))
		}
		if lastErr != nil {
			if isRetryable(lastErr) {
				// 冲突重试耗尽：记录后继续，下一批读回后重新合并
				r.logger.Error("alert upsert still conflicting, skipped",
					zap.String("alert_id", alert.ID), zap.Error(lastErr))
				continue
			}
			return fmt.Errorf("failed to upsert alert %s: %w", alert.ID, lastErr)
		}
	}
	return nil
}

// GetAlertsByIDs 按 ID 批量读取告警快照
func (r *AlertRepository) GetAlertsByIDs(ctx context.Context, ids []string) ([]*models.Alert, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	query := `SELECT data FROM alerts WHERE id = ANY($1)`
	rows, err := r.db.QueryContext(ctx, query, pq.Array(ids))
	if err != nil {
		return nil, fmt.Errorf("failed to query alerts: %w", err)
	}
	defer rows.Close()

	var alerts []*models.Alert
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("failed to scan alert row: %w", err)
		}
		var alert models.Alert
		if err := json.Unmarshal(data, &alert); err != nil {
			r.logger.Warn("corrupt alert document", zap.Error(err))
			continue
		}
		alerts = append(alerts, &alert)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate alert rows: %w", err)
	}
	return alerts, nil
}

// GetAlert 按 ID 读取单条告警，不存在返回 (nil, nil)
func (r *AlertRepository) GetAlert(ctx context.Context, id string) (*models.Alert, error) {
	query := `SELECT data FROM alerts WHERE id = $1`
	var data []byte
	err := r.db.QueryRowContext(ctx, query, id).Scan(&data)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to query alert %s: %w", id, err)
	}
	var alert models.Alert
	if err := json.Unmarshal(data, &alert); err != nil {
		return nil, fmt.Errorf("corrupt alert document %s: %w", id, err)
	}
	return &alert, nil
}

// isRetryable 判断是否为可重试的写冲突（序列化失败 / 死锁）
func isRetryable(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "40001" || pqErr.Code == "40P01"
	}
	return false
}

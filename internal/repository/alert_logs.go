package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/TencentBlueKing/bk-monitor-sub011/internal/models"
)

// AlertLogRepository 告警流水日志（alert_logs 表，只追加）
type AlertLogRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewAlertLogRepository 创建流水日志存储
func NewAlertLogRepository(db *sql.DB, logger *zap.Logger) *AlertLogRepository {
	return &AlertLogRepository{db: db, logger: logger}
}

// BulkCreate 批量写入流水日志
func (r *AlertLogRepository) BulkCreate(ctx context.Context, logs []models.AlertLog) error {
	if len(logs) == 0 {
		return nil
	}

	// 单条 INSERT 多 VALUES，避免逐条往返
	var sb strings.Builder
	sb.WriteString(`
		INSERT INTO alert_logs (
			alert_id, op_type, event_id, description, severity,
			next_status, next_status_time, time, create_time
		) VALUES `)
	args := make([]interface{}, 0, len(logs)*9)
	for i, log := range logs {
		if i > 0 {
			sb.WriteString(", ")
		}
		base := i * 9
		sb.WriteString(fmt.Sprintf("($%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5, base+6, base+7, base+8, base+9))
		args = append(args,
			log.AlertID, log.OpType, log.EventID, log.Description, log.Severity,
			log.NextStatus, log.NextStatusTime, log.Time, log.CreateTime)
	}

	if _, err := r.db.ExecContext(ctx, sb.String(), args...); err != nil {
		return fmt.Errorf("failed to insert alert logs: %w", err)
	}
	r.logger.Debug("alert logs created", zap.Int("count", len(logs)))
	return nil
}

// ListByAlert 按告警读取流水日志，时间升序
func (r *AlertLogRepository) ListByAlert(ctx context.Context, alertID string) ([]models.AlertLog, error) {
	query := `
		SELECT alert_id, op_type, event_id, description, severity,
		       next_status, next_status_time, time, create_time
		FROM alert_logs
		WHERE alert_id = $1
		ORDER BY time ASC, id ASC
	`
	rows, err := r.db.QueryContext(ctx, query, alertID)
	if err != nil {
		return nil, fmt.Errorf("failed to query alert logs: %w", err)
	}
	defer rows.Close()

	var logs []models.AlertLog
	for rows.Next() {
		var log models.AlertLog
		if err := rows.Scan(
			&log.AlertID, &log.OpType, &log.EventID, &log.Description, &log.Severity,
			&log.NextStatus, &log.NextStatusTime, &log.Time, &log.CreateTime,
		); err != nil {
			return nil, fmt.Errorf("failed to scan alert log row: %w", err)
		}
		logs = append(logs, log)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate alert log rows: %w", err)
	}
	return logs, nil
}

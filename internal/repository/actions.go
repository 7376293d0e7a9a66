package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/TencentBlueKing/bk-monitor-sub011/internal/models"
)

// ActionRepository 动作实例存储（action_instances 表）
type ActionRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewActionRepository 创建动作实例存储
func NewActionRepository(db *sql.DB, logger *zap.Logger) *ActionRepository {
	return &ActionRepository{db: db, logger: logger}
}

// BulkCreate 批量创建动作实例并回填 ID，整批同一事务
func (r *ActionRepository) BulkCreate(ctx context.Context, actions []*models.ActionInstance) error {
	if len(actions) == 0 {
		return nil
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	query := `
		INSERT INTO action_instances (
			signal, strategy_id, alerts, alert_level, status,
			action_config, action_config_id, action_plugin_type,
			assignee, inputs, execute_times, generate_uuid,
			strategy_relation_id, is_parent_action, parent_action_id,
			need_poll, is_polled, dimensions, dimension_hash,
			end_time, create_time, update_time
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22)
		RETURNING id
	`
	for _, action := range actions {
		configJSON, err := json.Marshal(action.ActionConfig)
		if err != nil {
			return fmt.Errorf("failed to marshal action config: %w", err)
		}
		assigneeJSON, err := json.Marshal(action.Assignee)
		if err != nil {
			return fmt.Errorf("failed to marshal assignee: %w", err)
		}
		inputsJSON, err := json.Marshal(action.Inputs)
		if err != nil {
			return fmt.Errorf("failed to marshal inputs: %w", err)
		}
		dimensionsJSON, err := json.Marshal(action.Dimensions)
		if err != nil {
			return fmt.Errorf("failed to marshal dimensions: %w", err)
		}

		err = tx.QueryRowContext(ctx, query,
			action.Signal, action.StrategyID, pq.Array(action.AlertIDs), action.AlertLevel, action.Status,
			configJSON, action.ActionConfigID, action.ActionPluginType,
			assigneeJSON, inputsJSON, action.ExecuteTimes, action.GenerateUUID,
			action.StrategyRelationID, action.IsParentAction, action.ParentActionID,
			action.NeedPoll, action.IsPolled, dimensionsJSON, action.DimensionHash,
			action.EndTime, action.CreateTime, action.UpdateTime,
		).Scan(&action.ID)
		if err != nil {
			return fmt.Errorf("failed to insert action instance: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit action instances: %w", err)
	}
	r.logger.Info("action instances created", zap.Int("count", len(actions)))
	return nil
}

// ListPendingPoll 查询待周期通知的已结束动作（need_poll 且未被巡检处理）
func (r *ActionRepository) ListPendingPoll(ctx context.Context) ([]*models.ActionInstance, error) {
	query := `
		SELECT id, signal, strategy_id, alerts, alert_level, status,
		       action_config, action_config_id, action_plugin_type,
		       assignee, inputs, execute_times, generate_uuid,
		       strategy_relation_id, need_poll, is_polled,
		       end_time, create_time, update_time
		FROM action_instances
		WHERE need_poll = true AND is_polled = false
		  AND status IN ($1, $2)
		ORDER BY end_time ASC
	`
	rows, err := r.db.QueryContext(ctx, query, models.ActionStatusSuccess, models.ActionStatusFailure)
	if err != nil {
		return nil, fmt.Errorf("failed to query pending poll actions: %w", err)
	}
	defer rows.Close()

	var actions []*models.ActionInstance
	for rows.Next() {
		action, err := scanAction(rows)
		if err != nil {
			return nil, err
		}
		actions = append(actions, action)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate action rows: %w", err)
	}
	return actions, nil
}

// MarkPolled 标记动作已被周期巡检处理
func (r *ActionRepository) MarkPolled(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	query := `UPDATE action_instances SET is_polled = true WHERE id = ANY($1)`
	if _, err := r.db.ExecContext(ctx, query, pq.Array(ids)); err != nil {
		return fmt.Errorf("failed to mark actions polled: %w", err)
	}
	return nil
}

// ExistsUnfinished 判断 (告警, 动作配置) 是否已有未结束的动作实例。
// 周期通知据此保证每个组合至多一条在途巡检。
func (r *ActionRepository) ExistsUnfinished(ctx context.Context, alertID string, configID int64) (bool, error) {
	query := `
		SELECT COUNT(*) FROM action_instances
		WHERE action_config_id = $1
		  AND status IN ($2, $3)
		  AND $4 = ANY(alerts)
	`
	var count int
	err := r.db.QueryRowContext(ctx, query,
		configID, models.ActionStatusReceived, models.ActionStatusSleep, alertID,
	).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("failed to count unfinished actions: %w", err)
	}
	return count > 0, nil
}

// scanAction 从查询结果还原动作实例
func scanAction(rows *sql.Rows) (*models.ActionInstance, error) {
	var action models.ActionInstance
	var alerts pq.StringArray
	var configJSON, assigneeJSON, inputsJSON []byte

	err := rows.Scan(
		&action.ID, &action.Signal, &action.StrategyID, &alerts, &action.AlertLevel, &action.Status,
		&configJSON, &action.ActionConfigID, &action.ActionPluginType,
		&assigneeJSON, &inputsJSON, &action.ExecuteTimes, &action.GenerateUUID,
		&action.StrategyRelationID, &action.NeedPoll, &action.IsPolled,
		&action.EndTime, &action.CreateTime, &action.UpdateTime,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to scan action row: %w", err)
	}
	action.AlertIDs = alerts
	if len(configJSON) > 0 {
		if err := json.Unmarshal(configJSON, &action.ActionConfig); err != nil {
			return nil, fmt.Errorf("corrupt action config on action %d: %w", action.ID, err)
		}
	}
	if len(assigneeJSON) > 0 {
		if err := json.Unmarshal(assigneeJSON, &action.Assignee); err != nil {
			return nil, fmt.Errorf("corrupt assignee on action %d: %w", action.ID, err)
		}
	}
	if len(inputsJSON) > 0 {
		if err := json.Unmarshal(inputsJSON, &action.Inputs); err != nil {
			return nil, fmt.Errorf("corrupt inputs on action %d: %w", action.ID, err)
		}
	}
	return &action, nil
}

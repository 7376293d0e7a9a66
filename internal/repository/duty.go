package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/TencentBlueKing/bk-monitor-sub011/internal/models"
)

// DutyRepository 值班调度状态存储（duty_rule_snap / duty_plan 表）
type DutyRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewDutyRepository 创建值班存储
func NewDutyRepository(db *sql.DB, logger *zap.Logger) *DutyRepository {
	return &DutyRepository{db: db, logger: logger}
}

// ============================================
// 规则快照
// ============================================

// GetSnap 读取 (告警组, 规则) 对应的快照，不存在返回 (nil, nil)
func (r *DutyRepository) GetSnap(ctx context.Context, userGroupID, ruleID int64) (*models.DutyRuleSnap, error) {
	query := `
		SELECT id, duty_rule_id, user_group_id, enabled, next_plan_time, next_user_index,
		       first_effective_time, end_time, rule_snap, rule_hash
		FROM duty_rule_snap
		WHERE user_group_id = $1 AND duty_rule_id = $2
		ORDER BY id DESC
		LIMIT 1
	`
	row := r.db.QueryRowContext(ctx, query, userGroupID, ruleID)
	snap, err := scanSnap(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return snap, nil
}

// CreateSnap 创建快照并回填 ID
func (r *DutyRepository) CreateSnap(ctx context.Context, snap *models.DutyRuleSnap) error {
	ruleJSON, err := json.Marshal(snap.RuleSnap)
	if err != nil {
		return fmt.Errorf("failed to marshal rule snapshot: %w", err)
	}
	query := `
		INSERT INTO duty_rule_snap (
			duty_rule_id, user_group_id, enabled, next_plan_time, next_user_index,
			first_effective_time, end_time, rule_snap, rule_hash
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id
	`
	err = r.db.QueryRowContext(ctx, query,
		snap.DutyRuleID, snap.UserGroupID, snap.Enabled, snap.NextPlanTime, snap.NextUserIndex,
		snap.FirstEffectiveTime, snap.EndTime, ruleJSON, snap.RuleHash,
	).Scan(&snap.ID)
	if err != nil {
		return fmt.Errorf("failed to create duty rule snap: %w", err)
	}
	return nil
}

// UpdateSnapCursor 推进快照的计划游标（下次排班时间与用户组下标）
func (r *DutyRepository) UpdateSnapCursor(ctx context.Context, snapID int64, nextPlanTime int64, nextUserIndex int) error {
	query := `UPDATE duty_rule_snap SET next_plan_time = $2, next_user_index = $3 WHERE id = $1`
	if _, err := r.db.ExecContext(ctx, query, snapID, nextPlanTime, nextUserIndex); err != nil {
		return fmt.Errorf("failed to update duty rule snap %d: %w", snapID, err)
	}
	return nil
}

// DeleteSnap 删除快照（计划已全部物化或规则停用）
func (r *DutyRepository) DeleteSnap(ctx context.Context, snapID int64) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM duty_rule_snap WHERE id = $1`, snapID); err != nil {
		return fmt.Errorf("failed to delete duty rule snap %d: %w", snapID, err)
	}
	return nil
}

// DeleteSnapsByRule 删除 (告警组, 规则) 的全部快照
func (r *DutyRepository) DeleteSnapsByRule(ctx context.Context, userGroupID, ruleID int64) error {
	query := `DELETE FROM duty_rule_snap WHERE user_group_id = $1 AND duty_rule_id = $2`
	if _, err := r.db.ExecContext(ctx, query, userGroupID, ruleID); err != nil {
		return fmt.Errorf("failed to delete duty rule snaps: %w", err)
	}
	return nil
}

// ============================================
// 值班计划
// ============================================

// CreatePlans 批量创建值班计划
func (r *DutyRepository) CreatePlans(ctx context.Context, plans []*models.DutyPlan) error {
	if len(plans) == 0 {
		return nil
	}
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	query := `
		INSERT INTO duty_plan (
			duty_rule_id, user_group_id, start_time, finished_time,
			users, work_times, is_effective, order_index, user_index
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id
	`
	for _, plan := range plans {
		usersJSON, err := json.Marshal(plan.Users)
		if err != nil {
			return fmt.Errorf("failed to marshal plan users: %w", err)
		}
		workTimesJSON, err := json.Marshal(plan.WorkTimes)
		if err != nil {
			return fmt.Errorf("failed to marshal plan work times: %w", err)
		}
		err = tx.QueryRowContext(ctx, query,
			plan.DutyRuleID, plan.UserGroupID, plan.StartTime, plan.FinishedTime,
			usersJSON, workTimesJSON, plan.IsEffective, plan.Order, plan.UserIndex,
		).Scan(&plan.ID)
		if err != nil {
			return fmt.Errorf("failed to insert duty plan: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit duty plans: %w", err)
	}
	r.logger.Info("duty plans created", zap.Int("count", len(plans)))
	return nil
}

// ListActivePlans 查询告警组在 now 时刻生效中的计划
func (r *DutyRepository) ListActivePlans(ctx context.Context, userGroupID int64, now int64) ([]*models.DutyPlan, error) {
	query := `
		SELECT id, duty_rule_id, user_group_id, start_time, finished_time,
		       users, work_times, is_effective, order_index, user_index
		FROM duty_plan
		WHERE user_group_id = $1 AND is_effective = true
		  AND start_time <= $2
		  AND (finished_time = 0 OR finished_time > $2)
		ORDER BY order_index ASC, id ASC
	`
	return r.queryPlans(ctx, query, userGroupID, now)
}

// ListPlansByRule 查询 (告警组, 规则) 的全部生效计划
func (r *DutyRepository) ListPlansByRule(ctx context.Context, userGroupID, ruleID int64) ([]*models.DutyPlan, error) {
	query := `
		SELECT id, duty_rule_id, user_group_id, start_time, finished_time,
		       users, work_times, is_effective, order_index, user_index
		FROM duty_plan
		WHERE user_group_id = $1 AND duty_rule_id = $2 AND is_effective = true
		ORDER BY start_time ASC, id ASC
	`
	return r.queryPlans(ctx, query, userGroupID, ruleID)
}

// DeactivateFuturePlans 取消 after 之后开始的计划（规则编辑或停用）
func (r *DutyRepository) DeactivateFuturePlans(ctx context.Context, userGroupID, ruleID int64, after int64) error {
	query := `
		UPDATE duty_plan SET is_effective = false
		WHERE user_group_id = $1 AND duty_rule_id = $2 AND start_time >= $3
	`
	if _, err := r.db.ExecContext(ctx, query, userGroupID, ruleID, after); err != nil {
		return fmt.Errorf("failed to deactivate future duty plans: %w", err)
	}
	return nil
}

// TruncateOngoingPlans 截断 at 时刻进行中的计划（finished_time 提前到 at）
func (r *DutyRepository) TruncateOngoingPlans(ctx context.Context, userGroupID, ruleID int64, at int64) error {
	query := `
		UPDATE duty_plan SET finished_time = $3
		WHERE user_group_id = $1 AND duty_rule_id = $2 AND is_effective = true
		  AND start_time < $3
		  AND (finished_time = 0 OR finished_time > $3)
	`
	if _, err := r.db.ExecContext(ctx, query, userGroupID, ruleID, at); err != nil {
		return fmt.Errorf("failed to truncate ongoing duty plans: %w", err)
	}
	return nil
}

func (r *DutyRepository) queryPlans(ctx context.Context, query string, args ...interface{}) ([]*models.DutyPlan, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query duty plans: %w", err)
	}
	defer rows.Close()

	var plans []*models.DutyPlan
	for rows.Next() {
		var plan models.DutyPlan
		var usersJSON, workTimesJSON []byte
		if err := rows.Scan(
			&plan.ID, &plan.DutyRuleID, &plan.UserGroupID, &plan.StartTime, &plan.FinishedTime,
			&usersJSON, &workTimesJSON, &plan.IsEffective, &plan.Order, &plan.UserIndex,
		); err != nil {
			return nil, fmt.Errorf("failed to scan duty plan row: %w", err)
		}
		if err := json.Unmarshal(usersJSON, &plan.Users); err != nil {
			return nil, fmt.Errorf("corrupt users on duty plan %d: %w", plan.ID, err)
		}
		if err := json.Unmarshal(workTimesJSON, &plan.WorkTimes); err != nil {
			return nil, fmt.Errorf("corrupt work times on duty plan %d: %w", plan.ID, err)
		}
		plans = append(plans, &plan)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate duty plan rows: %w", err)
	}
	return plans, nil
}

func scanSnap(row *sql.Row) (*models.DutyRuleSnap, error) {
	var snap models.DutyRuleSnap
	var ruleJSON []byte
	err := row.Scan(
		&snap.ID, &snap.DutyRuleID, &snap.UserGroupID, &snap.Enabled,
		&snap.NextPlanTime, &snap.NextUserIndex,
		&snap.FirstEffectiveTime, &snap.EndTime, &ruleJSON, &snap.RuleHash,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(ruleJSON, &snap.RuleSnap); err != nil {
		return nil, fmt.Errorf("corrupt rule snapshot on snap %d: %w", snap.ID, err)
	}
	return &snap, nil
}

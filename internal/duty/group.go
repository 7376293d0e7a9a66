package duty

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/TencentBlueKing/bk-monitor-sub011/internal/models"
)

// PreviewDays 排班预生成天数
const PreviewDays = 7

// SnapStore 快照与计划的持久化入口，由 repository.DutyRepository 实现
type SnapStore interface {
	GetSnap(ctx context.Context, userGroupID, ruleID int64) (*models.DutyRuleSnap, error)
	CreateSnap(ctx context.Context, snap *models.DutyRuleSnap) error
	UpdateSnapCursor(ctx context.Context, snapID int64, nextPlanTime int64, nextUserIndex int) error
	DeleteSnap(ctx context.Context, snapID int64) error
	DeleteSnapsByRule(ctx context.Context, userGroupID, ruleID int64) error
	CreatePlans(ctx context.Context, plans []*models.DutyPlan) error
	DeactivateFuturePlans(ctx context.Context, userGroupID, ruleID int64, after int64) error
	TruncateOngoingPlans(ctx context.Context, userGroupID, ruleID int64, at int64) error
}

// GroupManager 告警组的值班规则快照管理：
// 规则编辑后冻结旧版本、裁剪已排计划，并周期性向前预生成排班。
type GroupManager struct {
	store  SnapStore
	logger *zap.Logger

	// 测试注入的时钟
	now func() int64
}

// NewGroupManager 创建快照管理器
func NewGroupManager(store SnapStore, logger *zap.Logger) *GroupManager {
	return &GroupManager{
		store:  store,
		logger: logger,
		now:    func() int64 { return time.Now().Unix() },
	}
}

// ruleHash 规则内容指纹，用于识别编辑
func ruleHash(rule *models.DutyRule) string {
	raw, _ := json.Marshal(rule)
	sum := md5.Sum(raw)
	return hex.EncodeToString(sum[:])
}

// ManageRule 对齐 (告警组, 规则) 的快照状态：
// 停用则清理快照并取消未来计划；内容变化则截断旧排班并重建快照。
func (m *GroupManager) ManageRule(ctx context.Context, userGroupID int64, rule *models.DutyRule) error {
	now := m.now()

	if !rule.Enabled {
		if err := m.store.DeleteSnapsByRule(ctx, userGroupID, rule.ID); err != nil {
			return fmt.Errorf("failed to clear snaps of disabled rule %d: %w", rule.ID, err)
		}
		if err := m.store.DeactivateFuturePlans(ctx, userGroupID, rule.ID, now); err != nil {
			return fmt.Errorf("failed to deactivate plans of disabled rule %d: %w", rule.ID, err)
		}
		m.logger.Info("duty rule disabled, snapshots cleared",
			zap.Int64("rule_id", rule.ID), zap.Int64("user_group_id", userGroupID))
		return nil
	}

	hash := ruleHash(rule)
	snap, err := m.store.GetSnap(ctx, userGroupID, rule.ID)
	if err != nil {
		return fmt.Errorf("failed to load duty rule snap: %w", err)
	}

	if snap != nil && snap.RuleHash == hash {
		return m.refresh(ctx, userGroupID, snap, now)
	}

	effective := rule.EffectiveTime
	if effective < now {
		effective = now
	}

	if snap != nil {
		// 规则被编辑：新生效点之后的计划作废，进行中的计划截断到新生效点
		if err := m.store.DeactivateFuturePlans(ctx, userGroupID, rule.ID, effective); err != nil {
			return fmt.Errorf("failed to deactivate stale duty plans: %w", err)
		}
		if err := m.store.TruncateOngoingPlans(ctx, userGroupID, rule.ID, effective); err != nil {
			return fmt.Errorf("failed to truncate ongoing duty plans: %w", err)
		}
		if err := m.store.DeleteSnap(ctx, snap.ID); err != nil {
			return fmt.Errorf("failed to delete stale duty rule snap: %w", err)
		}
		m.logger.Info("duty rule changed, rescheduling",
			zap.Int64("rule_id", rule.ID),
			zap.String("old_hash", snap.RuleHash),
			zap.String("new_hash", hash))
	}

	fresh := &models.DutyRuleSnap{
		DutyRuleID:         rule.ID,
		UserGroupID:        userGroupID,
		Enabled:            true,
		NextPlanTime:       effective,
		NextUserIndex:      0,
		FirstEffectiveTime: effective,
		EndTime:            rule.EndTime,
		RuleSnap:           rule,
		RuleHash:           hash,
	}
	if err := m.store.CreateSnap(ctx, fresh); err != nil {
		return err
	}
	return m.refresh(ctx, userGroupID, fresh, now)
}

// refresh 快照的排班推进：到期则向前展开 PreviewDays 天并物化计划。
// 计划覆盖到规则截止后快照即删除，规则长期有效时游标持续前移。
func (m *GroupManager) refresh(ctx context.Context, userGroupID int64, snap *models.DutyRuleSnap, now int64) error {
	if snap.NextPlanTime > now {
		return nil
	}

	planner := NewPlanner(snap.RuleSnap, snap.NextPlanTime, PreviewDays, snap.NextUserIndex, m.logger)
	plans := planner.Plans()
	for _, plan := range plans {
		plan.UserGroupID = userGroupID
	}
	if err := m.store.CreatePlans(ctx, plans); err != nil {
		return fmt.Errorf("failed to materialize duty plans: %w", err)
	}

	nextPlanTime := planner.NextBeginTime()
	if snap.EndTime > 0 && nextPlanTime >= snap.EndTime {
		// 计划已覆盖到规则截止，快照完成使命
		if err := m.store.DeleteSnap(ctx, snap.ID); err != nil {
			return fmt.Errorf("failed to delete finished duty rule snap: %w", err)
		}
		m.logger.Info("duty rule fully materialized",
			zap.Int64("rule_id", snap.DutyRuleID), zap.Int64("snap_id", snap.ID))
		return nil
	}

	if err := m.store.UpdateSnapCursor(ctx, snap.ID, nextPlanTime, planner.NextUserIndex()); err != nil {
		return err
	}
	snap.NextPlanTime = nextPlanTime
	snap.NextUserIndex = planner.NextUserIndex()
	m.logger.Debug("duty plans advanced",
		zap.Int64("rule_id", snap.DutyRuleID),
		zap.Int("plans", len(plans)),
		zap.Int64("next_plan_time", nextPlanTime))
	return nil
}

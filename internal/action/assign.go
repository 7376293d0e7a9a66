package action

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/TencentBlueKing/bk-monitor-sub011/internal/models"
)

// PlanStore 值班计划查询入口，由 repository.DutyRepository 实现
type PlanStore interface {
	ListActivePlans(ctx context.Context, userGroupID int64, now int64) ([]*models.DutyPlan, error)
}

// UserGroupProvider 告警组配置来源
type UserGroupProvider func(ctx context.Context, groupID int64) (*models.UserGroup, error)

// AssignResult 一次分派的结果
type AssignResult struct {
	Assignees   []string
	Followers   []string
	Supervisors []string
	// 命中的告警组名，写回告警的 matched_rule_info
	MatchedGroup string
}

// AssigneeManager 处理人分派：需要值班的告警组从当前生效的
// 值班计划取人，否则取组内固定名单。
type AssigneeManager struct {
	plans  PlanStore
	groups UserGroupProvider
	logger *zap.Logger

	now func() int64
}

// NewAssigneeManager 创建分派管理器
func NewAssigneeManager(plans PlanStore, groups UserGroupProvider, logger *zap.Logger) *AssigneeManager {
	return &AssigneeManager{
		plans:  plans,
		groups: groups,
		logger: logger,
		now:    func() int64 { return time.Now().Unix() },
	}
}

// Assign 按告警组列表计算处理人。upgrade 为真时额外产出知会人。
func (m *AssigneeManager) Assign(ctx context.Context, groupIDs []int64, upgrade bool) (*AssignResult, error) {
	result := &AssignResult{}
	seen := make(map[string]bool)
	now := m.now()

	for _, groupID := range groupIDs {
		group, err := m.groups(ctx, groupID)
		if err != nil {
			return nil, fmt.Errorf("failed to load user group %d: %w", groupID, err)
		}
		if group == nil {
			m.logger.Warn("user group not found, skipped", zap.Int64("group_id", groupID))
			continue
		}

		users := group.Users
		if group.NeedDuty {
			users, err = m.dutyUsers(ctx, groupID, now)
			if err != nil {
				return nil, err
			}
		}

		added := false
		for _, user := range users {
			if !seen[user] {
				seen[user] = true
				result.Assignees = append(result.Assignees, user)
				added = true
			}
		}
		if added && result.MatchedGroup == "" {
			result.MatchedGroup = group.Name
		}
		result.Followers = append(result.Followers, group.Followers...)
	}

	// 通知同时是处理人的用户只按处理人身份触达
	result.Followers = subtract(result.Followers, seen)
	if upgrade {
		result.Supervisors = result.Assignees
	}
	return result, nil
}

// dutyUsers 取告警组当前在班的用户，保持计划顺序并去重
func (m *AssigneeManager) dutyUsers(ctx context.Context, groupID int64, now int64) ([]string, error) {
	plans, err := m.plans.ListActivePlans(ctx, groupID, now)
	if err != nil {
		return nil, fmt.Errorf("failed to load duty plans of group %d: %w", groupID, err)
	}
	var users []string
	seen := make(map[string]bool)
	for _, plan := range plans {
		if !plan.Active(now) {
			continue
		}
		for _, user := range plan.Users {
			if !seen[user] {
				seen[user] = true
				users = append(users, user)
			}
		}
	}
	return users, nil
}

func subtract(users []string, exclude map[string]bool) []string {
	var result []string
	seen := make(map[string]bool)
	for _, user := range users {
		if !exclude[user] && !seen[user] {
			seen[user] = true
			result = append(result, user)
		}
	}
	return result
}

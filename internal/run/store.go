package run

import (
	"context"

	"IntentGuard-Chain/internal/artifact"
)

// Outcome 描述一次运行收尾时要原子落盘的字段。
type Outcome struct {
	FinalStatus  string
	ErrorCode    string
	ErrorMessage string
	Artifacts    *artifact.Artifacts
}

// ListFilter 约束运行列表查询。零值表示返回全部运行(按创建时间倒序)。
type ListFilter struct {
	Statuses []Status
	Limit    int
	Offset   int
}

// Store 定义运行的持久化接口。所有状态迁移都必须带上期望的来源
// 状态,存储层用条件更新实现 CAS 语义:当前状态与期望不符时返回
// ErrRunConflict 或 ErrRunTerminal,绝不覆盖。
type Store interface {
	// CreateRun 插入一条新的运行记录。重复 ID 返回 ErrRunConflict。
	CreateRun(ctx context.Context, r *Run) error
	// GetRun 按 ID 读取运行。不存在返回 ErrRunNotFound。
	GetRun(ctx context.Context, id string) (*Run, error)
	// ListRuns 按过滤条件返回运行,创建时间倒序。
	ListRuns(ctx context.Context, filter ListFilter) ([]*Run, error)
	// UpdateStatus 在当前状态等于 from 时把运行迁移到 to。
	UpdateStatus(ctx context.Context, id string, from, to Status) error
	// FinalizeRun 在一次条件更新中写入终态与收尾信息。
	FinalizeRun(ctx context.Context, id string, from, to Status, outcome Outcome) error
	// UpdateArtifacts 覆盖运行的工件快照,不触碰状态。
	UpdateArtifacts(ctx context.Context, id string, a *artifact.Artifacts) error
	// SetCurrentStep 更新正在执行的阶段名,便于观测。
	SetCurrentStep(ctx context.Context, id, step string) error
	// AppendStep 追加一条阶段审计记录。
	AppendStep(ctx context.Context, step *Step) error
	// ListSteps 按追加顺序返回运行的全部阶段记录。
	ListSteps(ctx context.Context, runID string) ([]*Step, error)
	// AppendToolCall 追加一条外部调用记录。
	AppendToolCall(ctx context.Context, call *ToolCall) error
	// ListToolCalls 按追加顺序返回运行的全部外部调用记录。
	ListToolCalls(ctx context.Context, runID string) ([]*ToolCall, error)
	// Close 释放底层资源。
	Close() error
}

func matchesFilter(r *Run, filter ListFilter) bool {
	if len(filter.Statuses) == 0 {
		return true
	}
	for _, status := range filter.Statuses {
		if r.Status == status {
			return true
		}
	}
	return false
}

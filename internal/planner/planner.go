package planner

import (
	"context"

	"IntentGuard-Chain/internal/artifact"
)

// Request 描述一次规划调用的完整上下文。
type Request struct {
	Intent           string
	NormalizedIntent string
	ChainID          string
	Wallet           string
	Snapshot         *artifact.WalletSnapshot
	UserInputs       map[string]string
}

// Outcome 是一次规划的结构化输出。Missing 非空表示意图槽位不全,
// 需要向用户追问后再继续。
type Outcome struct {
	Result  *artifact.PlannerResult
	Missing []string
	Slots   map[string]string
}

// Planner 将归一化意图规划为交易计划。
type Planner interface {
	PlanTx(ctx context.Context, req Request) (*Outcome, error)
}

// Judge 对完整的运行产物做一致性与安全复核。
type Judge interface {
	Review(ctx context.Context, a *artifact.Artifacts) (*artifact.JudgeOutput, error)
}

// Repairer 依据复核意见对既有计划做一次修复性重规划。
type Repairer interface {
	RepairPlanTx(ctx context.Context, req Request, prior *artifact.TxPlan, issues []string) (*Outcome, error)
}

// Capabilities 聚合规划相关的全部外部能力。Remote 标记规划是否由
// 外部模型驱动,修复回路只在远端规划可用时才会重试。
type Capabilities struct {
	Planner  Planner
	Judge    Judge
	Repairer Repairer
	Remote   bool
}

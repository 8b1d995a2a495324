package pipeline

import "IntentGuard-Chain/internal/artifact"

// FinalStatus 是一次流水线执行的语义结果,与持久化的运行状态分离。
type FinalStatus string

const (
	FinalReady      FinalStatus = "READY"
	FinalBlocked    FinalStatus = "BLOCKED"
	FinalFailed     FinalStatus = "FAILED"
	FinalNeedsInput FinalStatus = "NEEDS_INPUT"
	FinalNoop       FinalStatus = "NOOP"
)

// ResolveFinalStatus 按固定优先级归约运行产物:致命错误最高,其次
// 待澄清输入,然后是任一环节的拦截,再是 noop,最后校验计划与模拟
// 的完整性。优先级顺序是行为的一部分,不得调整。
func ResolveFinalStatus(a *artifact.Artifacts) FinalStatus {
	if a.FatalError != nil {
		return FinalFailed
	}
	if a.NeedsInput != nil {
		return FinalNeedsInput
	}

	decisionBlocked := a.Decision != nil && a.Decision.Action == artifact.DecisionBlock
	securityBlocked := a.SecurityResult != nil && a.SecurityResult.Blocked
	judgeBlocked := a.JudgeResult != nil && a.JudgeResult.Verdict == artifact.VerdictBlock
	if decisionBlocked || securityBlocked || judgeBlocked {
		return FinalBlocked
	}

	if a.TxPlan.IsNoop() {
		return FinalNoop
	}
	if a.TxPlan == nil || !a.Simulation.OK() {
		return FinalFailed
	}
	return FinalReady
}

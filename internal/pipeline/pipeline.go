// Package pipeline 实现单次运行的多阶段工作流:归一化、前置校验、
// 钱包快照、规划、编译、模拟、策略评估、安全评估、复核,以及由复核
// 结论驱动的有界修复回路。所有阶段共享一份运行产物,并通过统一的
// 短路规则在出现致命错误或待澄清输入时直达收尾。
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"IntentGuard-Chain/internal/artifact"
	"IntentGuard-Chain/internal/chain"
	"IntentGuard-Chain/internal/defi"
	xerrors "IntentGuard-Chain/internal/errors"
	"IntentGuard-Chain/internal/planner"
	"IntentGuard-Chain/internal/policy"
	"IntentGuard-Chain/internal/simulate"
	"IntentGuard-Chain/pkg/logger"
)

// historyCap 限制修复回路归档的历史计划数量。
const historyCap = 8

// CodePipelineFailure 标记流水线内部的意外故障。
const CodePipelineFailure xerrors.Code = "PIPELINE_EXECUTION_FAILED"

func init() {
	xerrors.Register(CodePipelineFailure, xerrors.Attributes{
		Message:   "pipeline execution failed",
		Severity:  xerrors.SeverityCritical,
		Retryable: false,
		Alert:     true,
	})
}

// State 是一次流水线执行的可变上下文。
type State struct {
	RunID     string
	Intent    string
	Wallet    string
	ChainID   string
	Artifacts *artifact.Artifacts
}

// Executor 按固定顺序驱动各阶段。
type Executor struct {
	chainClient chain.Client
	allow       *defi.Allowlist
	compiler    *defi.Compiler
	policy      *policy.Engine
	simulator   *simulate.Simulator
	caps        planner.Capabilities
	advisor     Advisor
	recorder    Recorder

	maxAttempts   int
	maxActions    int
	maxCandidates int
}

// Option 调整执行器行为。
type Option func(*Executor)

// WithAdvisor 挂载可选的安全顾问信号。
func WithAdvisor(advisor Advisor) Option {
	return func(e *Executor) { e.advisor = advisor }
}

// WithRecorder 挂载步骤与工具调用的审计记录器。
func WithRecorder(recorder Recorder) Option {
	return func(e *Executor) { e.recorder = recorder }
}

// WithLimits 覆盖修复次数与计划规模上限。
func WithLimits(maxAttempts, maxActions, maxCandidates int) Option {
	return func(e *Executor) {
		if maxAttempts > 0 {
			e.maxAttempts = maxAttempts
		}
		if maxActions > 0 {
			e.maxActions = maxActions
		}
		if maxCandidates > 0 {
			e.maxCandidates = maxCandidates
		}
	}
}

// NewExecutor 构造流水线执行器。
func NewExecutor(chainClient chain.Client, allow *defi.Allowlist, caps planner.Capabilities, opts ...Option) *Executor {
	if allow == nil {
		allow = &defi.Allowlist{}
	}
	e := &Executor{
		chainClient:   chainClient,
		allow:         allow,
		compiler:      defi.NewCompiler(allow, chainClient),
		policy:        policy.NewEngine(allow),
		simulator:     simulate.New(chainClient),
		caps:          caps,
		recorder:      NopRecorder{},
		maxAttempts:   2,
		maxActions:    3,
		maxCandidates: 3,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

type stage struct {
	name string
	fn   func(ctx context.Context, st *State) error
}

// Run 执行完整流水线。外部依赖的失败在各阶段内部降级或转化为
// 产物,这里返回的错误只代表流水线自身的意外故障。
func (e *Executor) Run(ctx context.Context, st *State) error {
	if st.Artifacts == nil {
		st.Artifacts = artifact.New()
	}
	if st.Artifacts.MaxAttempts == 0 {
		st.Artifacts.MaxAttempts = e.maxAttempts
	}

	prelude := []stage{
		{"normalize_intent", e.stageNormalize},
		{"precheck", e.stagePrecheck},
		{"wallet_snapshot", e.stageWalletSnapshot},
		{"plan_tx", e.stagePlanTx},
	}
	for _, s := range prelude {
		if shortCircuit(st.Artifacts) {
			break
		}
		e.runStage(ctx, st, s)
	}

	for !shortCircuit(st.Artifacts) {
		loop := []stage{
			{"build_txs", e.stageBuildTxs},
			{"simulate_txs", e.stageSimulateTxs},
			{"policy_eval", e.stagePolicyEval},
			{"security_eval", e.stageSecurityEval},
			{"judge", e.stageJudge},
		}
		for _, s := range loop {
			if shortCircuit(st.Artifacts) {
				break
			}
			e.runStage(ctx, st, s)
		}
		if shortCircuit(st.Artifacts) {
			break
		}
		if !e.shouldRepair(st.Artifacts) {
			break
		}
		e.runStage(ctx, st, stage{"repair_plan_tx", e.stageRepairPlanTx})
	}

	if st.Artifacts.NeedsInput != nil {
		e.runStage(ctx, st, stage{"clarify", e.stageClarify})
	}
	e.runStage(ctx, st, stage{"finalize", e.stageFinalize})
	return nil
}

// runStage 统一处理审计记录、时间线与阶段错误到致命产物的转化。
func (e *Executor) runStage(ctx context.Context, st *State, s stage) {
	a := st.Artifacts
	e.recorder.StepStarted(ctx, st.RunID, s.name, stageInput(st))
	a.Timeline = append(a.Timeline, artifact.TimelineEvent{
		Stage: s.name, Status: "STARTED", Attempt: a.Attempt, At: time.Now().UTC(),
	})

	err := s.fn(ctx, st)
	if err != nil {
		code := xerrors.CodeOf(err)
		if code == xerrors.CodeUnknown {
			code = CodePipelineFailure
		}
		if a.FatalError == nil {
			a.FatalError = &artifact.FatalError{
				Code:    string(code),
				Message: err.Error(),
				Stage:   s.name,
			}
		}
		a.Timeline = append(a.Timeline, artifact.TimelineEvent{
			Stage: s.name, Status: "FAILED", Attempt: a.Attempt, At: time.Now().UTC(),
		})
		e.recorder.StepFailed(ctx, st.RunID, s.name, err)
		logger.WithRun(st.RunID).Warn("流水线阶段失败",
			slog.String("stage", s.name),
			slog.Any("error", err),
		)
		return
	}

	a.Timeline = append(a.Timeline, artifact.TimelineEvent{
		Stage: s.name, Status: "DONE", Attempt: a.Attempt, At: time.Now().UTC(),
	})
	e.recorder.StepDone(ctx, st.RunID, s.name, stageOutput(a))
}

// shortCircuit 是阶段间共享的短路规则:一旦出现致命错误或待澄清
// 输入,后续阶段全部跳过,直接进入收尾。
func shortCircuit(a *artifact.Artifacts) bool {
	return a.FatalError != nil || a.NeedsInput != nil
}

// shouldRepair 实现修复路由表:只有复核给出 NEEDS_REWORK、还有
// 修复预算、意见非空且远端规划可用时才重试,否则一律收尾。
func (e *Executor) shouldRepair(a *artifact.Artifacts) bool {
	judge := a.JudgeResult
	if judge == nil || judge.Verdict != artifact.VerdictNeedsRework {
		return false
	}
	if a.Attempt >= a.MaxAttempts {
		return false
	}
	if len(judge.Issues) == 0 {
		return false
	}
	return e.caps.Remote && e.caps.Repairer != nil
}

func stageInput(st *State) map[string]any {
	return map[string]any{
		"intent":   st.Intent,
		"chain_id": st.ChainID,
		"wallet":   st.Wallet,
		"attempt":  st.Artifacts.Attempt,
	}
}

func stageOutput(a *artifact.Artifacts) map[string]any {
	out := map[string]any{}
	if a.TxPlan != nil {
		out["plan_type"] = a.TxPlan.Type
	}
	if a.Simulation != nil {
		out["simulation"] = a.Simulation.Summary
	}
	if a.Decision != nil {
		out["decision"] = a.Decision.Action
	}
	if a.JudgeResult != nil {
		out["verdict"] = a.JudgeResult.Verdict
	}
	if a.NeedsInput != nil {
		out["missing"] = a.NeedsInput.Missing
	}
	return out
}

func validationError(format string, args ...any) error {
	return xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf(format, args...))
}

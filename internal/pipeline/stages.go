package pipeline

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"IntentGuard-Chain/internal/artifact"
	"IntentGuard-Chain/internal/planner"

	"github.com/ethereum/go-ethereum/common"
)

// stageNormalize 将原始意图折叠为小写、单空格分隔的归一化文本。
// 恢复运行时归一化意图已经由答案重建,这里不再覆盖。
func (e *Executor) stageNormalize(_ context.Context, st *State) error {
	if st.Artifacts.NormalizedIntent != "" {
		return nil
	}
	st.Artifacts.NormalizedIntent = strings.ToLower(strings.Join(strings.Fields(st.Intent), " "))
	return nil
}

// stagePrecheck 校验运行的基本槽位,缺失时设置 needs_input 并短路。
func (e *Executor) stagePrecheck(_ context.Context, st *State) error {
	var missing []string
	if strings.TrimSpace(st.Intent) == "" {
		missing = append(missing, "intent")
	}
	if strings.TrimSpace(st.ChainID) == "" {
		missing = append(missing, "chain_id")
	}
	if !common.IsHexAddress(st.Wallet) {
		missing = append(missing, "wallet_address")
	}
	if len(missing) > 0 {
		st.Artifacts.NeedsInput = &artifact.NeedsInput{
			Missing:    missing,
			ResumeFrom: "precheck",
		}
	}
	return nil
}

// stageWalletSnapshot 拉取原生余额与全部白名单代币余额。
func (e *Executor) stageWalletSnapshot(ctx context.Context, st *State) error {
	native, err := e.chainClient.NativeBalance(ctx, st.ChainID, st.Wallet)
	e.recorder.ToolCall(ctx, st.RunID, "chain.native_balance",
		map[string]any{"chain_id": st.ChainID, "address": st.Wallet}, native, err)
	if err != nil {
		return fmt.Errorf("获取钱包余额失败: %w", err)
	}

	snapshot := &artifact.WalletSnapshot{
		Address:          st.Wallet,
		ChainID:          st.ChainID,
		NativeBalanceWei: native.String(),
		TakenAt:          time.Now().UTC(),
	}

	if chainList, ok := e.allow.Chains[st.ChainID]; ok {
		for symbol, token := range chainList.Tokens {
			balance, err := e.chainClient.TokenBalance(ctx, st.ChainID, token.Address, st.Wallet)
			e.recorder.ToolCall(ctx, st.RunID, "chain.token_balance",
				map[string]any{"token": token.Address, "owner": st.Wallet}, balance, err)
			if err != nil {
				// 单个代币读取失败不致命,快照里略过该代币。
				continue
			}
			snapshot.Tokens = append(snapshot.Tokens, artifact.TokenBalance{
				Symbol:           strings.ToUpper(symbol),
				Address:          token.Address,
				Decimals:         token.Decimals,
				BalanceBaseUnits: balance.String(),
			})
		}
	}
	sortTokens(snapshot.Tokens)

	st.Artifacts.WalletSnapshot = snapshot
	return nil
}

// stagePlanTx 调用规划能力产出交易计划。槽位不全转为 needs_input,
// 超出规模上限的计划强制转为 noop。
func (e *Executor) stagePlanTx(ctx context.Context, st *State) error {
	req := planner.Request{
		Intent:           st.Intent,
		NormalizedIntent: st.Artifacts.NormalizedIntent,
		ChainID:          st.ChainID,
		Wallet:           st.Wallet,
		Snapshot:         st.Artifacts.WalletSnapshot,
		UserInputs:       st.Artifacts.UserInputs,
	}

	outcome, err := e.caps.Planner.PlanTx(ctx, req)
	e.recorder.ToolCall(ctx, st.RunID, "planner.plan_tx", req.NormalizedIntent, outcome, err)
	if err != nil {
		return fmt.Errorf("交易规划失败: %w", err)
	}

	e.applyPlanOutcome(st, outcome, "plan_tx")
	return nil
}

// stageBuildTxs 把计划编译为可排序的交易请求。
func (e *Executor) stageBuildTxs(ctx context.Context, st *State) error {
	plan := st.Artifacts.TxPlan
	if plan == nil {
		return validationError("缺少交易计划,无法编译")
	}
	if plan.IsNoop() {
		st.Artifacts.TxRequests = nil
		return nil
	}

	requests, err := e.compiler.Compile(ctx, st.ChainID, st.Wallet, plan)
	e.recorder.ToolCall(ctx, st.RunID, "defi.compile", plan, requests, err)
	if err != nil {
		return fmt.Errorf("编译交易失败: %w", err)
	}

	st.Artifacts.TxRequests = requests
	candidates := make([]artifact.TxCandidate, 0, len(requests))
	for _, req := range requests {
		candidates = append(candidates, req.Candidate)
	}
	plan.Candidates = candidates
	return nil
}

// stageSimulateTxs 对编译产物做试运行,结果永远落盘,失败交给策略。
func (e *Executor) stageSimulateTxs(ctx context.Context, st *State) error {
	sim := e.simulator.Simulate(ctx, st.Artifacts, st.ChainID, st.Wallet)
	e.recorder.ToolCall(ctx, st.RunID, "chain.simulate", len(st.Artifacts.TxRequests), sim.Summary, nil)
	st.Artifacts.Simulation = sim
	return nil
}

// stagePolicyEval 执行确定性策略引擎。
func (e *Executor) stagePolicyEval(_ context.Context, st *State) error {
	result, decision := e.policy.Evaluate(st.Artifacts, st.ChainID)
	st.Artifacts.PolicyResult = result
	st.Artifacts.Decision = decision
	return nil
}

// stageSecurityEval 将策略决定与可选的顾问信号合并。顾问信号只作为
// 附加风险项,永远不会单独拦截运行。
func (e *Executor) stageSecurityEval(ctx context.Context, st *State) error {
	decision := st.Artifacts.Decision
	security := &artifact.SecurityResult{
		Decision: decision,
		Blocked:  decision != nil && decision.Action == artifact.DecisionBlock,
	}

	if e.advisor != nil {
		for _, req := range st.Artifacts.TxRequests {
			if req.Kind() != artifact.ActionSwap {
				continue
			}
			item, err := e.advisor.Assess(ctx, st.ChainID, req.Candidate.Meta["tokenOut"])
			e.recorder.ToolCall(ctx, st.RunID, "advisor.assess", req.Candidate.Meta["tokenOut"], item, err)
			if err != nil || item == nil {
				continue
			}
			security.RiskItems = append(security.RiskItems, *item)
		}
	}

	st.Artifacts.SecurityResult = security
	return nil
}

// stageJudge 请求外部复核,失败时降级为确定性复核。
func (e *Executor) stageJudge(ctx context.Context, st *State) error {
	out, err := e.caps.Judge.Review(ctx, st.Artifacts)
	e.recorder.ToolCall(ctx, st.RunID, "planner.judge", nil, out, err)
	if err != nil {
		stub := planner.NewStub()
		out, err = stub.Review(ctx, st.Artifacts)
		if err != nil {
			return fmt.Errorf("复核失败: %w", err)
		}
		out.Source = "stub_fallback"
	}
	st.Artifacts.JudgeResult = out
	return nil
}

// stageRepairPlanTx 归档旧计划后按复核意见重规划一次。
func (e *Executor) stageRepairPlanTx(ctx context.Context, st *State) error {
	a := st.Artifacts

	if a.TxPlan != nil {
		a.TxPlanHistory = appendBounded(a.TxPlanHistory, *a.TxPlan)
	}
	if a.PlannerResult != nil {
		a.PlannerResultHistory = appendBoundedResults(a.PlannerResultHistory, *a.PlannerResult)
	}
	a.Attempt++

	var issues []string
	if a.JudgeResult != nil {
		issues = a.JudgeResult.Issues
	}

	req := planner.Request{
		Intent:           st.Intent,
		NormalizedIntent: a.NormalizedIntent,
		ChainID:          st.ChainID,
		Wallet:           st.Wallet,
		Snapshot:         a.WalletSnapshot,
		UserInputs:       a.UserInputs,
	}
	outcome, err := e.caps.Repairer.RepairPlanTx(ctx, req, a.TxPlan, issues)
	e.recorder.ToolCall(ctx, st.RunID, "planner.repair_plan_tx", issues, outcome, err)
	if err != nil {
		return fmt.Errorf("修复性重规划失败: %w", err)
	}

	// 清空上一轮的下游产物,保证新计划重新走完整评估。
	a.TxRequests = nil
	a.Simulation = nil
	a.PolicyResult = nil
	a.Decision = nil
	a.SecurityResult = nil
	a.JudgeResult = nil

	e.applyPlanOutcome(st, outcome, "repair_plan_tx")
	return nil
}

// stageClarify 为缺失槽位补齐追问文案。
func (e *Executor) stageClarify(_ context.Context, st *State) error {
	needs := st.Artifacts.NeedsInput
	if needs == nil || len(needs.Questions) > 0 {
		return nil
	}
	for _, slot := range needs.Missing {
		needs.Questions = append(needs.Questions, planner.ClarifyQuestion(slot))
	}
	return nil
}

// stageFinalize 记录最终语义结果。
func (e *Executor) stageFinalize(_ context.Context, st *State) error {
	return nil
}

// applyPlanOutcome 统一落盘规划结果:缺槽位转 needs_input,超限计划
// 强制 noop,正常计划写入产物。
func (e *Executor) applyPlanOutcome(st *State, outcome *planner.Outcome, resumeFrom string) {
	a := st.Artifacts

	if len(outcome.Missing) > 0 {
		a.NeedsInput = &artifact.NeedsInput{
			Missing:    outcome.Missing,
			ResumeFrom: resumeFrom,
			Data:       outcome.Slots,
		}
		return
	}

	result := outcome.Result
	if result == nil || result.Plan == nil {
		a.FatalError = &artifact.FatalError{
			Code:    string(CodePipelineFailure),
			Message: "规划未产出任何计划",
			Stage:   resumeFrom,
		}
		return
	}

	plan := result.Plan
	if len(plan.Actions) > e.maxActions || len(plan.Candidates) > e.maxCandidates {
		plan = &artifact.TxPlan{
			Type: artifact.PlanTypeNoop,
			Reason: fmt.Sprintf("计划规模超出上限(动作 %d/%d,候选 %d/%d),已强制转为 noop",
				len(result.Plan.Actions), e.maxActions, len(result.Plan.Candidates), e.maxCandidates),
		}
		result = &artifact.PlannerResult{Plan: plan, Source: result.Source, Note: "forced noop: plan size cap exceeded"}
	}

	a.TxPlan = plan
	a.PlannerResult = result
}

func appendBounded(history []artifact.TxPlan, plan artifact.TxPlan) []artifact.TxPlan {
	history = append(history, plan)
	if len(history) > historyCap {
		history = history[len(history)-historyCap:]
	}
	return history
}

func appendBoundedResults(history []artifact.PlannerResult, result artifact.PlannerResult) []artifact.PlannerResult {
	history = append(history, result)
	if len(history) > historyCap {
		history = history[len(history)-historyCap:]
	}
	return history
}

// sortTokens 固定快照中代币的顺序,保证产物可复现。
func sortTokens(tokens []artifact.TokenBalance) {
	sort.Slice(tokens, func(i, j int) bool {
		return tokens[i].Symbol < tokens[j].Symbol
	})
}

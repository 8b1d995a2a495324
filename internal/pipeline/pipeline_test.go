package pipeline

import (
	"context"
	"math/big"
	"testing"

	"IntentGuard-Chain/internal/artifact"
	"IntentGuard-Chain/internal/chain"
	"IntentGuard-Chain/internal/planner"
)

type stubChain struct {
	nativeBalance *big.Int
}

func (c *stubChain) NativeBalance(context.Context, string, string) (*big.Int, error) {
	return new(big.Int).Set(c.nativeBalance), nil
}

func (c *stubChain) TokenBalance(context.Context, string, string, string) (*big.Int, error) {
	return big.NewInt(0), nil
}

func (c *stubChain) TokenDecimals(context.Context, string, string) (uint8, error) {
	return 18, nil
}

func (c *stubChain) TokenSymbol(context.Context, string, string) (string, error) {
	return "TOKEN", nil
}

func (c *stubChain) Allowance(context.Context, string, string, string, string) (*big.Int, error) {
	return big.NewInt(0), nil
}

func (c *stubChain) Call(context.Context, string, chain.CallMsg) ([]byte, error) {
	return nil, nil
}

func (c *stubChain) EstimateGas(context.Context, string, chain.CallMsg) (uint64, error) {
	return 21_000, nil
}

func (c *stubChain) FeeQuote(context.Context, string) (*artifact.FeeQuote, error) {
	return &artifact.FeeQuote{Type: artifact.FeeLegacy, GasPriceWei: "1"}, nil
}

func (c *stubChain) TransactionReceipt(context.Context, string, string) (*chain.ReceiptSummary, error) {
	return nil, nil
}

func (c *stubChain) Close() {}

var _ chain.Client = (*stubChain)(nil)

// scriptedPlanner 按脚本返回规划结果,并统计调用次数。
type scriptedPlanner struct {
	outcomes []*planner.Outcome
	calls    int
	repairs  int
}

func (p *scriptedPlanner) next() *planner.Outcome {
	idx := p.calls
	if idx >= len(p.outcomes) {
		idx = len(p.outcomes) - 1
	}
	p.calls++
	return p.outcomes[idx]
}

func (p *scriptedPlanner) PlanTx(context.Context, planner.Request) (*planner.Outcome, error) {
	return p.next(), nil
}

func (p *scriptedPlanner) RepairPlanTx(context.Context, planner.Request, *artifact.TxPlan, []string) (*planner.Outcome, error) {
	p.repairs++
	return p.next(), nil
}

// scriptedJudge 永远给出同一个复核结论。
type scriptedJudge struct {
	verdict string
	issues  []string
	reviews int
}

func (j *scriptedJudge) Review(context.Context, *artifact.Artifacts) (*artifact.JudgeOutput, error) {
	j.reviews++
	return &artifact.JudgeOutput{Verdict: j.verdict, Issues: j.issues, Source: "scripted"}, nil
}

func transferOutcome() *planner.Outcome {
	return &planner.Outcome{
		Result: &artifact.PlannerResult{
			Plan: &artifact.TxPlan{
				Type: artifact.PlanTypePlan,
				Actions: []artifact.TxAction{{
					Type: artifact.ActionTransfer,
					Params: map[string]string{
						"to":     "0x0000000000000000000000000000000000000001",
						"amount": "0.1",
					},
				}},
			},
			Source: "scripted",
		},
		Slots: map[string]string{"kind": "transfer"},
	}
}

func newState(intent string) *State {
	return &State{
		RunID:   "run-test",
		Intent:  intent,
		Wallet:  "0x00000000000000000000000000000000000000ee",
		ChainID: "1",
	}
}

func TestRunReachesReadyWithOrderedTimeline(t *testing.T) {
	caps := planner.Capabilities{
		Planner: &scriptedPlanner{outcomes: []*planner.Outcome{transferOutcome()}},
		Judge:   &scriptedJudge{verdict: artifact.VerdictPass},
	}
	executor := NewExecutor(&stubChain{nativeBalance: big.NewInt(1_000_000_000_000_000_000)}, nil, caps)

	st := newState("Send 0.1 ETH to 0x0000000000000000000000000000000000000001")
	if err := executor.Run(context.Background(), st); err != nil {
		t.Fatalf("执行失败: %v", err)
	}
	a := st.Artifacts
	if got := ResolveFinalStatus(a); got != FinalReady {
		t.Fatalf("期望 READY,实际 %s (fatal=%+v)", got, a.FatalError)
	}
	if a.NormalizedIntent != "send 0.1 eth to 0x0000000000000000000000000000000000000001" {
		t.Fatalf("归一化意图不符: %q", a.NormalizedIntent)
	}
	if a.Decision == nil || a.Decision.Action != artifact.DecisionNeedsApproval {
		t.Fatalf("纯告警结果永远进入人工审批: %+v", a.Decision)
	}

	wantOrder := []string{
		"normalize_intent", "precheck", "wallet_snapshot", "plan_tx",
		"build_txs", "simulate_txs", "policy_eval", "security_eval", "judge",
		"finalize",
	}
	var starts []string
	for _, event := range a.Timeline {
		if event.Status == "STARTED" {
			starts = append(starts, event.Stage)
		}
	}
	if len(starts) != len(wantOrder) {
		t.Fatalf("阶段数量不符: %v", starts)
	}
	for i, stage := range wantOrder {
		if starts[i] != stage {
			t.Fatalf("第 %d 个阶段期望 %s,实际 %s", i, stage, starts[i])
		}
	}
}

func TestMissingWalletShortCircuitsToNeedsInput(t *testing.T) {
	plannerFake := &scriptedPlanner{outcomes: []*planner.Outcome{transferOutcome()}}
	caps := planner.Capabilities{
		Planner: plannerFake,
		Judge:   &scriptedJudge{verdict: artifact.VerdictPass},
	}
	executor := NewExecutor(&stubChain{nativeBalance: big.NewInt(1)}, nil, caps)

	st := newState("send 0.1 eth to 0x0000000000000000000000000000000000000001")
	st.Wallet = ""
	if err := executor.Run(context.Background(), st); err != nil {
		t.Fatalf("执行失败: %v", err)
	}
	a := st.Artifacts
	if got := ResolveFinalStatus(a); got != FinalNeedsInput {
		t.Fatalf("期望 NEEDS_INPUT,实际 %s", got)
	}
	if a.NeedsInput == nil || len(a.NeedsInput.Questions) == 0 {
		t.Fatalf("短路暂停必须携带追问: %+v", a.NeedsInput)
	}
	if plannerFake.calls != 0 {
		t.Fatal("预检失败后不应再调用规划器")
	}
}

func TestRepairLoopIsBounded(t *testing.T) {
	plannerFake := &scriptedPlanner{outcomes: []*planner.Outcome{transferOutcome()}}
	judge := &scriptedJudge{verdict: artifact.VerdictNeedsRework, issues: []string{"minOut too tight"}}
	caps := planner.Capabilities{
		Planner:  plannerFake,
		Judge:    judge,
		Repairer: plannerFake,
		Remote:   true,
	}
	executor := NewExecutor(&stubChain{nativeBalance: big.NewInt(1_000_000_000_000_000_000)}, nil, caps)

	st := newState("send 0.1 eth to 0x0000000000000000000000000000000000000001")
	if err := executor.Run(context.Background(), st); err != nil {
		t.Fatalf("执行失败: %v", err)
	}
	a := st.Artifacts
	if a.Attempt != a.MaxAttempts {
		t.Fatalf("修复必须停在次数上限 %d,实际 %d", a.MaxAttempts, a.Attempt)
	}
	if plannerFake.repairs != a.MaxAttempts {
		t.Fatalf("修复调用次数应为 %d,实际 %d", a.MaxAttempts, plannerFake.repairs)
	}
	if len(a.TxPlanHistory) != a.MaxAttempts {
		t.Fatalf("历史计划应归档 %d 份,实际 %d", a.MaxAttempts, len(a.TxPlanHistory))
	}
	// 永远 NEEDS_REWORK 也要收敛,不能无限打转。
	if got := ResolveFinalStatus(a); got != FinalReady {
		t.Fatalf("用尽修复后应以 READY 收敛,实际 %s", got)
	}
}

func TestLocalCapsNeverEnterRepairLoop(t *testing.T) {
	plannerFake := &scriptedPlanner{outcomes: []*planner.Outcome{transferOutcome()}}
	judge := &scriptedJudge{verdict: artifact.VerdictNeedsRework, issues: []string{"anything"}}
	caps := planner.Capabilities{Planner: plannerFake, Judge: judge, Repairer: plannerFake}
	executor := NewExecutor(&stubChain{nativeBalance: big.NewInt(1_000_000_000_000_000_000)}, nil, caps)

	st := newState("send 0.1 eth to 0x0000000000000000000000000000000000000001")
	if err := executor.Run(context.Background(), st); err != nil {
		t.Fatalf("执行失败: %v", err)
	}
	if plannerFake.repairs != 0 {
		t.Fatalf("本地能力不应进入修复回路,实际修复 %d 次", plannerFake.repairs)
	}
	if st.Artifacts.Attempt != 0 {
		t.Fatalf("尝试次数应保持 0,实际 %d", st.Artifacts.Attempt)
	}
}

func TestOversizedPlanIsForcedToNoop(t *testing.T) {
	actions := make([]artifact.TxAction, 5)
	for i := range actions {
		actions[i] = artifact.TxAction{
			Type:   artifact.ActionTransfer,
			Params: map[string]string{"to": "0x0000000000000000000000000000000000000001", "amount": "1"},
		}
	}
	oversized := &planner.Outcome{
		Result: &artifact.PlannerResult{
			Plan:   &artifact.TxPlan{Type: artifact.PlanTypePlan, Actions: actions},
			Source: "scripted",
		},
	}
	caps := planner.Capabilities{
		Planner: &scriptedPlanner{outcomes: []*planner.Outcome{oversized}},
		Judge:   &scriptedJudge{verdict: artifact.VerdictPass},
	}
	executor := NewExecutor(&stubChain{nativeBalance: big.NewInt(1_000_000_000_000_000_000)}, nil, caps)

	st := newState("send 1 eth to 0x0000000000000000000000000000000000000001")
	if err := executor.Run(context.Background(), st); err != nil {
		t.Fatalf("执行失败: %v", err)
	}
	a := st.Artifacts
	if got := ResolveFinalStatus(a); got != FinalNoop {
		t.Fatalf("超限计划应强制转为 NOOP,实际 %s", got)
	}
	if a.TxPlan == nil || !a.TxPlan.IsNoop() || a.TxPlan.Reason == "" {
		t.Fatalf("强制 noop 必须带原因: %+v", a.TxPlan)
	}
	if len(a.TxRequests) != 0 {
		t.Fatal("noop 不应留下交易载荷")
	}
}

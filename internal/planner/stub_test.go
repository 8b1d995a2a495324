package planner

import (
	"context"
	"testing"

	"IntentGuard-Chain/internal/artifact"
)

func TestStubPlansSwap(t *testing.T) {
	stub := NewStub()
	outcome, err := stub.PlanTx(context.Background(), Request{
		NormalizedIntent: "swap 20 usdc to weth",
		ChainID:          "1",
	})
	if err != nil {
		t.Fatalf("规划失败: %v", err)
	}
	if len(outcome.Missing) != 0 {
		t.Fatalf("不应缺失槽位: %v", outcome.Missing)
	}

	plan := outcome.Result.Plan
	if plan.Type != artifact.PlanTypePlan || len(plan.Actions) != 2 {
		t.Fatalf("计划形状异常: %+v", plan)
	}
	if plan.Actions[0].Type != artifact.ActionApprove || plan.Actions[1].Type != artifact.ActionSwap {
		t.Fatalf("动作顺序异常: %+v", plan.Actions)
	}
	if plan.Actions[1].Params["slippage_bps"] != defaultSlippageBps {
		t.Fatalf("默认滑点异常: %s", plan.Actions[1].Params["slippage_bps"])
	}
}

func TestStubDetectsMissingAmount(t *testing.T) {
	stub := NewStub()
	outcome, err := stub.PlanTx(context.Background(), Request{
		NormalizedIntent: "swap usdc to weth",
	})
	if err != nil {
		t.Fatalf("规划失败: %v", err)
	}
	if len(outcome.Missing) != 1 || outcome.Missing[0] != "amount_in" {
		t.Fatalf("缺失槽位异常: %v", outcome.Missing)
	}
	if outcome.Slots["kind"] != "swap" {
		t.Fatalf("槽位记录异常: %v", outcome.Slots)
	}
}

func TestStubFillsSlotsFromUserInputs(t *testing.T) {
	stub := NewStub()
	outcome, err := stub.PlanTx(context.Background(), Request{
		NormalizedIntent: "swap usdc to weth",
		UserInputs:       map[string]string{"amount_in": "1"},
	})
	if err != nil {
		t.Fatalf("规划失败: %v", err)
	}
	if len(outcome.Missing) != 0 {
		t.Fatalf("补充答案后不应再缺失: %v", outcome.Missing)
	}
	if outcome.Result.Plan.Actions[1].Params["amount_in"] != "1" {
		t.Fatalf("答案未合入计划: %+v", outcome.Result.Plan.Actions[1].Params)
	}
}

func TestStubPlansNativeTransfer(t *testing.T) {
	stub := NewStub()
	outcome, err := stub.PlanTx(context.Background(), Request{
		NormalizedIntent: "send 0.1 eth to 0x00000000000000000000000000000000000000dd",
	})
	if err != nil {
		t.Fatalf("规划失败: %v", err)
	}
	plan := outcome.Result.Plan
	if plan.Type != artifact.PlanTypePlan || len(plan.Actions) != 1 || plan.Actions[0].Type != artifact.ActionTransfer {
		t.Fatalf("转账计划异常: %+v", plan)
	}
}

func TestStubNoopOnInsufficientBalance(t *testing.T) {
	stub := NewStub()
	outcome, err := stub.PlanTx(context.Background(), Request{
		NormalizedIntent: "swap 100 usdc to weth",
		Snapshot: &artifact.WalletSnapshot{
			Tokens: []artifact.TokenBalance{
				{Symbol: "USDC", Decimals: 6, BalanceBaseUnits: "1000000"}, // 1 USDC
			},
		},
	})
	if err != nil {
		t.Fatalf("规划失败: %v", err)
	}
	plan := outcome.Result.Plan
	if !plan.IsNoop() || plan.Reason == "" {
		t.Fatalf("余额不足应当产出带原因的 noop: %+v", plan)
	}
	if len(plan.Actions) != 0 || len(plan.Candidates) != 0 {
		t.Fatal("noop 计划不得携带动作或候选")
	}
}

func TestStubUnrecognizedIntent(t *testing.T) {
	stub := NewStub()
	outcome, err := stub.PlanTx(context.Background(), Request{NormalizedIntent: "do something cool"})
	if err != nil {
		t.Fatalf("规划失败: %v", err)
	}
	if len(outcome.Missing) == 0 {
		t.Fatal("无法识别的意图应当要求澄清")
	}
}

func TestBuildNormalizedIntent(t *testing.T) {
	got := BuildNormalizedIntent(map[string]string{
		"kind": "swap", "amount_in": "1", "token_in": "USDC", "token_out": "WETH",
	})
	if got != "swap 1 usdc to weth" {
		t.Fatalf("归一化意图异常: %q", got)
	}

	got = BuildNormalizedIntent(map[string]string{
		"kind": "transfer", "amount": "0.1", "native": "eth",
		"to": "0x00000000000000000000000000000000000000dd",
	})
	if got != "send 0.1 eth to 0x00000000000000000000000000000000000000dd" {
		t.Fatalf("归一化意图异常: %q", got)
	}
}

func TestStubReviewBlocksOnBlockedDecision(t *testing.T) {
	stub := NewStub()
	a := artifact.New()
	a.Decision = &artifact.Decision{Action: artifact.DecisionBlock, Reasons: []string{"bad target"}}
	out, err := stub.Review(context.Background(), a)
	if err != nil {
		t.Fatalf("复核失败: %v", err)
	}
	if out.Verdict != artifact.VerdictBlock {
		t.Fatalf("复核结论异常: %s", out.Verdict)
	}
}

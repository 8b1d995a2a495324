package policy

import (
	"encoding/json"
	"testing"

	"IntentGuard-Chain/internal/artifact"
	"IntentGuard-Chain/internal/defi"
)

func allowlistWithTarget(addr string) *defi.Allowlist {
	return &defi.Allowlist{
		Chains: map[string]defi.ChainAllowlist{
			"1": {
				Tokens: map[string]defi.TokenInfo{
					"GOOD": {Address: addr, Decimals: 18},
				},
			},
		},
		Slippage: defi.SlippageBounds{MinBps: 10, MaxBps: 300},
	}
}

func completeArtifacts() *artifact.Artifacts {
	a := artifact.New()
	a.WalletSnapshot = &artifact.WalletSnapshot{Address: "0xabc", ChainID: "1"}
	a.TxPlan = &artifact.TxPlan{Type: artifact.PlanTypePlan, Actions: []artifact.TxAction{{Type: artifact.ActionSwap}}}
	a.Simulation = &artifact.Simulation{
		Status:  artifact.SimStatusComplete,
		Mode:    artifact.SimModeSingle,
		Results: []artifact.SimResult{{Success: true}},
		Summary: artifact.SimSummary{NumSuccess: 1},
	}
	return a
}

func TestBadTargetBlocks(t *testing.T) {
	a := completeArtifacts()
	a.TxPlan.Candidates = []artifact.TxCandidate{{ChainID: "1", To: "0xBAD"}}

	engine := NewEngine(allowlistWithTarget("0xGOOD"))
	result, decision := engine.Evaluate(a, "1")

	var target *artifact.PolicyCheck
	for i := range result.Checks {
		if result.Checks[i].ID == "allowlist_targets" {
			target = &result.Checks[i]
		}
	}
	if target == nil || target.Status != artifact.CheckFail {
		t.Fatalf("allowlist_targets 应当 FAIL: %+v", target)
	}
	if decision.Action != artifact.DecisionBlock || decision.RiskScore != 100 || decision.Severity != artifact.SeverityHigh {
		t.Fatalf("终审决定异常: %+v", decision)
	}
}

func TestEmptyAllowlistFailsOpen(t *testing.T) {
	a := completeArtifacts()
	a.TxPlan.Candidates = []artifact.TxCandidate{{ChainID: "1", To: "0xANY"}}

	engine := NewEngine(&defi.Allowlist{Chains: map[string]defi.ChainAllowlist{}})
	result, _ := engine.Evaluate(a, "1")

	for _, check := range result.Checks {
		if check.ID == "allowlist_targets" {
			if check.Status != artifact.CheckPass {
				t.Fatalf("空白名单应当放行,实际 %s", check.Status)
			}
			if check.Reason != "Target allowlist disabled by config" {
				t.Fatalf("放行理由异常: %q", check.Reason)
			}
			return
		}
	}
	t.Fatal("未找到 allowlist_targets 检查")
}

func TestMissingArtifactsBlock(t *testing.T) {
	engine := NewEngine(nil)
	_, decision := engine.Evaluate(artifact.New(), "1")
	if decision.Action != artifact.DecisionBlock {
		t.Fatalf("缺少必备产物应当 BLOCK,实际 %s", decision.Action)
	}
}

func TestWarnScoring(t *testing.T) {
	a := completeArtifacts()
	a.Simulation = nil // 非 noop 计划缺少模拟 => WARN

	engine := NewEngine(nil)
	result, decision := engine.Evaluate(a, "1")

	// required_artifacts_present 因缺少 simulation 而 FAIL,
	// 所以换一份只触发 WARN 的输入。
	if result.NumFail == 0 {
		t.Fatal("缺少 simulation 时 required_artifacts_present 应当 FAIL")
	}
	if decision.Action != artifact.DecisionBlock {
		t.Fatalf("存在 FAIL 时应当 BLOCK,实际 %s", decision.Action)
	}

	a = completeArtifacts()
	a.Simulation.Status = "weird"
	_, decision = engine.Evaluate(a, "1")
	if decision.Action != artifact.DecisionNeedsApproval {
		t.Fatalf("仅 WARN 时应当 NEEDS_APPROVAL,实际 %s", decision.Action)
	}
	if decision.RiskScore != 15 || decision.Severity != artifact.SeverityLow {
		t.Fatalf("单个 WARN 的评分异常: %+v", decision)
	}
}

func TestSimulationRevertBlocks(t *testing.T) {
	a := completeArtifacts()
	a.Simulation.Results = []artifact.SimResult{
		{TxRequestID: "approve-1", Success: true},
		{TxRequestID: "swap-2", Success: false, Error: "execution reverted"},
	}
	a.Simulation.Summary = artifact.SimSummary{NumSuccess: 1, NumFailed: 1}

	engine := NewEngine(nil)
	_, decision := engine.Evaluate(a, "1")
	if decision.Action != artifact.DecisionBlock {
		t.Fatalf("模拟回滚应当 BLOCK,实际 %s", decision.Action)
	}
}

func TestAssumedSuccessPassesSimulationRule(t *testing.T) {
	a := completeArtifacts()
	a.Simulation.Results = []artifact.SimResult{
		{TxRequestID: "approve-1", Success: true},
		{TxRequestID: "swap-2", Success: false, AssumedSuccess: true,
			AssumptionReason: artifact.AssumptionAllowanceNotApplied},
	}
	a.Simulation.Summary = artifact.SimSummary{NumSuccess: 2}

	engine := NewEngine(nil)
	result, _ := engine.Evaluate(a, "1")
	for _, check := range result.Checks {
		if check.ID == "simulation_success" && check.Status != artifact.CheckPass {
			t.Fatalf("assumed_success 不应触发 FAIL: %+v", check)
		}
	}
}

func TestEvaluateIsDeterministic(t *testing.T) {
	a := completeArtifacts()
	a.TxPlan.Candidates = []artifact.TxCandidate{{ChainID: "1", To: "0xBAD"}}
	engine := NewEngine(allowlistWithTarget("0xGOOD"))

	r1, d1 := engine.Evaluate(a, "1")
	r2, d2 := engine.Evaluate(a, "1")

	b1, _ := json.Marshal(struct {
		R *artifact.PolicyResult
		D *artifact.Decision
	}{r1, d1})
	b2, _ := json.Marshal(struct {
		R *artifact.PolicyResult
		D *artifact.Decision
	}{r2, d2})
	if string(b1) != string(b2) {
		t.Fatal("相同输入应当产生逐字节相同的输出")
	}
}

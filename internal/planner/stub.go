// Package planner 提供交易规划能力:一个完全确定性的规则桩,以及一个
// 由外部模型驱动的实现。外部 JSON 一律先过校验,校验不过就回退到
// 确定性结果,绝不让未经校验的输出进入流水线。
package planner

import (
	"context"
	"fmt"
	"math/big"
	"regexp"
	"strings"

	"IntentGuard-Chain/internal/artifact"
	"IntentGuard-Chain/internal/defi"
)

var (
	transferPattern = regexp.MustCompile(`(?i)^(?:send|transfer)\s+([0-9]+(?:\.[0-9]+)?)\s+(eth|matic)\s+to\s+(0x[0-9a-fA-F]{40})$`)
	swapPattern     = regexp.MustCompile(`(?i)^swap\s+(?:([0-9]+(?:\.[0-9]+)?)\s+)?([a-zA-Z0-9]+)\s+(?:to|for)\s+([a-zA-Z0-9]+)(?:\s+with\s+slippage\s+([0-9]+)\s*bps)?$`)
)

const (
	defaultRouterKey   = "uniswap_v2"
	defaultSlippageBps = "50"
)

// Stub 是确定性的规则规划器,同一输入永远产出同一计划。
type Stub struct{}

// NewStub 构造规则规划器。
func NewStub() *Stub {
	return &Stub{}
}

var (
	_ Planner  = (*Stub)(nil)
	_ Judge    = (*Stub)(nil)
	_ Repairer = (*Stub)(nil)
)

// PlanTx 用固定规则解析归一化意图。槽位不全时返回缺失列表,
// 余额不足时产出带原因的 noop 计划。
func (s *Stub) PlanTx(ctx context.Context, req Request) (*Outcome, error) {
	intent := strings.TrimSpace(req.NormalizedIntent)
	if intent == "" {
		intent = strings.TrimSpace(req.Intent)
	}

	if m := transferPattern.FindStringSubmatch(intent); m != nil {
		return s.planTransfer(req, m[1], m[2], m[3])
	}
	if m := swapPattern.FindStringSubmatch(intent); m != nil {
		return s.planSwap(req, m[1], m[2], m[3], m[4])
	}

	return &Outcome{Missing: []string{"intent"}, Slots: map[string]string{"kind": "unknown"}}, nil
}

func (s *Stub) planTransfer(req Request, amount, native, recipient string) (*Outcome, error) {
	slots := map[string]string{
		"kind":   "transfer",
		"amount": amount,
		"native": strings.ToLower(native),
		"to":     recipient,
	}
	mergeInputs(slots, req.UserInputs, "amount", "to")

	if req.Snapshot != nil && req.Snapshot.NativeBalanceWei != "" {
		amountWei, err := defi.ToBaseUnits(slots["amount"], 18)
		if err != nil {
			return &Outcome{Missing: []string{"amount"}, Slots: slots}, nil
		}
		balance, ok := new(big.Int).SetString(req.Snapshot.NativeBalanceWei, 10)
		if ok && balance.Cmp(amountWei) < 0 {
			return noopOutcome(slots, fmt.Sprintf("余额不足:需要 %s %s", slots["amount"], strings.ToUpper(slots["native"]))), nil
		}
	}

	plan := &artifact.TxPlan{
		Type: artifact.PlanTypePlan,
		Actions: []artifact.TxAction{{
			Type: artifact.ActionTransfer,
			Params: map[string]string{
				"to":     slots["to"],
				"amount": slots["amount"],
			},
		}},
	}
	return planOutcome(plan, slots), nil
}

func (s *Stub) planSwap(req Request, amount, tokenIn, tokenOut, slippage string) (*Outcome, error) {
	slots := map[string]string{
		"kind":         "swap",
		"amount_in":    amount,
		"token_in":     strings.ToUpper(tokenIn),
		"token_out":    strings.ToUpper(tokenOut),
		"slippage_bps": slippage,
		"router":       defaultRouterKey,
	}
	mergeInputs(slots, req.UserInputs, "amount_in", "token_in", "token_out", "slippage_bps")
	if slots["slippage_bps"] == "" {
		slots["slippage_bps"] = defaultSlippageBps
	}

	var missing []string
	if slots["amount_in"] == "" {
		missing = append(missing, "amount_in")
	}
	if slots["token_in"] == "" {
		missing = append(missing, "token_in")
	}
	if slots["token_out"] == "" {
		missing = append(missing, "token_out")
	}
	if len(missing) > 0 {
		return &Outcome{Missing: missing, Slots: slots}, nil
	}

	if isNativeSymbol(slots["token_in"]) {
		return noopOutcome(slots, "暂不支持原生代币直接兑换,请先换入包装代币"), nil
	}

	if req.Snapshot != nil {
		if balance, ok := tokenBalanceBySymbol(req.Snapshot, slots["token_in"]); ok {
			decimals := tokenDecimalsBySymbol(req.Snapshot, slots["token_in"])
			amountIn, err := defi.ToBaseUnits(slots["amount_in"], decimals)
			if err != nil {
				return &Outcome{Missing: []string{"amount_in"}, Slots: slots}, nil
			}
			if balance.Cmp(amountIn) < 0 {
				return noopOutcome(slots, fmt.Sprintf("余额不足:需要 %s %s", slots["amount_in"], slots["token_in"])), nil
			}
		}
	}

	plan := &artifact.TxPlan{
		Type: artifact.PlanTypePlan,
		Actions: []artifact.TxAction{
			{
				Type: artifact.ActionApprove,
				Params: map[string]string{
					"token":   slots["token_in"],
					"spender": slots["router"],
					"amount":  slots["amount_in"],
				},
			},
			{
				Type: artifact.ActionSwap,
				Params: map[string]string{
					"token_in":     slots["token_in"],
					"token_out":    slots["token_out"],
					"router":       slots["router"],
					"amount_in":    slots["amount_in"],
					"slippage_bps": slots["slippage_bps"],
				},
			},
		},
	}
	return planOutcome(plan, slots), nil
}

// Review 做确定性的最终复核:策略 BLOCK 则 BLOCK,否则 PASS。
// 规则桩不产出 NEEDS_REWORK,修复回路只对远端复核意见开放。
func (s *Stub) Review(ctx context.Context, a *artifact.Artifacts) (*artifact.JudgeOutput, error) {
	if a.Decision != nil && a.Decision.Action == artifact.DecisionBlock {
		return &artifact.JudgeOutput{
			Verdict: artifact.VerdictBlock,
			Issues:  a.Decision.Reasons,
			Notes:   "policy decision blocked the run",
			Source:  "stub",
		}, nil
	}
	notes := "plan, simulation and policy artifacts are consistent"
	if a.Simulation != nil {
		for _, r := range a.Simulation.Results {
			if r.AssumedSuccess {
				notes = "allowance assumption applied during simulation; verify approve ordering before submission"
				break
			}
		}
	}
	return &artifact.JudgeOutput{Verdict: artifact.VerdictPass, Notes: notes, Source: "stub"}, nil
}

// RepairPlanTx 对规则桩而言等价于重新规划一次。
func (s *Stub) RepairPlanTx(ctx context.Context, req Request, prior *artifact.TxPlan, issues []string) (*Outcome, error) {
	return s.PlanTx(ctx, req)
}

// BuildNormalizedIntent 依据已填充的槽位重建归一化意图文本,
// 用于恢复运行时把用户补充的答案折叠回意图。
func BuildNormalizedIntent(slots map[string]string) string {
	switch slots["kind"] {
	case "swap":
		intent := fmt.Sprintf("swap %s %s to %s",
			slots["amount_in"], strings.ToUpper(slots["token_in"]), strings.ToUpper(slots["token_out"]))
		if bps := slots["slippage_bps"]; bps != "" && bps != defaultSlippageBps {
			intent += fmt.Sprintf(" with slippage %s bps", bps)
		}
		return strings.ToLower(intent)
	case "transfer":
		return strings.ToLower(fmt.Sprintf("send %s %s to %s", slots["amount"], slots["native"], slots["to"]))
	default:
		return ""
	}
}

// ClarifyQuestion 返回一个缺失槽位对应的追问。
func ClarifyQuestion(slot string) string {
	switch slot {
	case "amount_in":
		return "How much do you want to swap?"
	case "token_in":
		return "Which token do you want to swap from?"
	case "token_out":
		return "Which token do you want to receive?"
	case "amount":
		return "How much do you want to send?"
	case "to":
		return "Which address should receive the transfer?"
	default:
		return "Could you restate what you want to do on-chain?"
	}
}

func planOutcome(plan *artifact.TxPlan, slots map[string]string) *Outcome {
	return &Outcome{
		Result: &artifact.PlannerResult{Plan: plan, Source: "stub"},
		Slots:  slots,
	}
}

func noopOutcome(slots map[string]string, reason string) *Outcome {
	return &Outcome{
		Result: &artifact.PlannerResult{
			Plan:   &artifact.TxPlan{Type: artifact.PlanTypeNoop, Reason: reason},
			Source: "stub",
		},
		Slots: slots,
	}
}

func mergeInputs(slots map[string]string, inputs map[string]string, keys ...string) {
	for _, key := range keys {
		if v, ok := inputs[key]; ok && strings.TrimSpace(v) != "" {
			slots[key] = strings.TrimSpace(v)
		}
	}
}

func isNativeSymbol(symbol string) bool {
	switch strings.ToLower(symbol) {
	case "eth", "matic":
		return true
	}
	return false
}

func tokenBalanceBySymbol(snapshot *artifact.WalletSnapshot, symbol string) (*big.Int, bool) {
	for _, t := range snapshot.Tokens {
		if strings.EqualFold(t.Symbol, symbol) {
			balance, ok := new(big.Int).SetString(t.BalanceBaseUnits, 10)
			return balance, ok
		}
	}
	return nil, false
}

func tokenDecimalsBySymbol(snapshot *artifact.WalletSnapshot, symbol string) int {
	for _, t := range snapshot.Tokens {
		if strings.EqualFold(t.Symbol, symbol) {
			return t.Decimals
		}
	}
	return 18
}

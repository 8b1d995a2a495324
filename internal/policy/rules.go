package policy

import (
	"fmt"
	"math/big"
	"sort"
	"strconv"
	"strings"

	"IntentGuard-Chain/internal/artifact"
)

var maxUint256 = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))

// rule 对一份运行产物做一次确定性检查,产出恰好一个结果。
type rule func(in Input) artifact.PolicyCheck

// rules 按固定顺序执行,顺序本身是输出的一部分。
var rules = []rule{
	ruleRequiredArtifactsPresent,
	ruleNoSigningBroadcast,
	ruleAllowlistTargets,
	ruleSimulationSuccess,
	ruleDefiAllowlists,
	ruleApproveAmountSane,
	ruleSwapSlippageBounds,
	ruleSwapMinOutPresent,
}

func pass(id, title, reason string) artifact.PolicyCheck {
	return artifact.PolicyCheck{ID: id, Title: title, Status: artifact.CheckPass, Reason: reason}
}

func warn(id, title, reason string) artifact.PolicyCheck {
	return artifact.PolicyCheck{ID: id, Title: title, Status: artifact.CheckWarn, Reason: reason}
}

func fail(id, title, reason string) artifact.PolicyCheck {
	return artifact.PolicyCheck{ID: id, Title: title, Status: artifact.CheckFail, Reason: reason}
}

// ruleRequiredArtifactsPresent 校验策略评估依赖的产物是否齐全。
func ruleRequiredArtifactsPresent(in Input) artifact.PolicyCheck {
	const id, title = "required_artifacts_present", "Required artifacts present"

	var missing []string
	if in.Artifacts.WalletSnapshot == nil {
		missing = append(missing, "wallet_snapshot")
	}
	if in.Artifacts.TxPlan == nil {
		missing = append(missing, "tx_plan")
	}
	if in.Artifacts.Simulation == nil {
		missing = append(missing, "simulation")
	}
	if len(missing) > 0 {
		return fail(id, title, "missing artifacts: "+strings.Join(missing, ", "))
	}
	return pass(id, title, "all required artifacts present")
}

// ruleNoSigningBroadcast 确保计划从未要求签名或广播。
func ruleNoSigningBroadcast(in Input) artifact.PolicyCheck {
	const id, title = "no_signing_broadcast_invariant", "No signing or broadcasting requested"

	plan := in.Artifacts.TxPlan
	if plan == nil {
		return pass(id, title, "no plan to inspect")
	}
	for _, action := range plan.Actions {
		t := strings.ToUpper(action.Type)
		if t == "SIGN" || t == "BROADCAST" {
			return fail(id, title, fmt.Sprintf("plan requests forbidden action %s", t))
		}
		if action.Params["broadcast"] == "true" {
			return fail(id, title, "plan requests transaction broadcast")
		}
	}
	return pass(id, title, "plan is propose-only")
}

// ruleAllowlistTargets 校验每个候选交易的目标地址。白名单为空时
// 刻意放行,属于启动期的默认行为。
func ruleAllowlistTargets(in Input) artifact.PolicyCheck {
	const id, title = "allowlist_targets", "Candidate targets allowlisted"

	if in.Allow.Empty() {
		return pass(id, title, "Target allowlist disabled by config")
	}

	allowed := in.Allow.AllowedTargets(in.ChainID)
	var bad []string
	for _, cand := range allCandidates(in.Artifacts) {
		if _, ok := allowed[strings.ToLower(cand.To)]; !ok {
			bad = append(bad, cand.To)
		}
	}
	if len(bad) > 0 {
		sort.Strings(bad)
		check := fail(id, title, "candidate targets outside allowlist")
		check.Metadata = map[string]string{"targets": strings.Join(bad, ",")}
		return check
	}
	return pass(id, title, "all candidate targets allowlisted")
}

// ruleSimulationSuccess 校验模拟结果。非 noop 计划缺少模拟只降级为
// WARN,由聚合层决定是否需要人工关注。
func ruleSimulationSuccess(in Input) artifact.PolicyCheck {
	const id, title = "simulation_success", "Simulation succeeded"

	sim := in.Artifacts.Simulation
	plan := in.Artifacts.TxPlan

	if sim == nil || sim.Status == artifact.SimStatusSkipped {
		if plan != nil && !plan.IsNoop() {
			return warn(id, title, "simulation skipped for a non-noop plan")
		}
		return pass(id, title, "nothing to simulate")
	}
	if sim.Status != artifact.SimStatusComplete {
		return warn(id, title, fmt.Sprintf("unrecognized simulation status %q", sim.Status))
	}

	var failed []string
	for _, res := range sim.Results {
		if !res.Success && !res.AssumedSuccess {
			failed = append(failed, res.TxRequestID)
		}
	}
	if len(failed) > 0 {
		check := fail(id, title, "one or more candidates reverted in simulation")
		check.Metadata = map[string]string{"failed": strings.Join(failed, ",")}
		return check
	}
	return pass(id, title, fmt.Sprintf("%d candidate(s) simulated successfully", len(sim.Results)))
}

// ruleDefiAllowlists 校验编译产物引用的代币与路由是否都在白名单内。
func ruleDefiAllowlists(in Input) artifact.PolicyCheck {
	const id, title = "defi_allowlists", "Tokens and routers allowlisted"

	for _, req := range in.Artifacts.TxRequests {
		meta := req.Candidate.Meta
		switch req.Kind() {
		case artifact.ActionApprove:
			if _, _, ok := in.Allow.TokenByAddress(in.ChainID, meta["token"]); !ok {
				return fail(id, title, fmt.Sprintf("approve token %s not allowlisted", meta["token"]))
			}
			if _, _, ok := in.Allow.RouterByAddress(in.ChainID, meta["spender"]); !ok {
				return fail(id, title, fmt.Sprintf("approve spender %s not allowlisted", meta["spender"]))
			}
		case artifact.ActionSwap:
			if _, _, ok := in.Allow.TokenByAddress(in.ChainID, meta["tokenIn"]); !ok {
				return fail(id, title, fmt.Sprintf("swap token %s not allowlisted", meta["tokenIn"]))
			}
			if _, _, ok := in.Allow.TokenByAddress(in.ChainID, meta["tokenOut"]); !ok {
				return fail(id, title, fmt.Sprintf("swap token %s not allowlisted", meta["tokenOut"]))
			}
			if _, _, ok := in.Allow.RouterByAddress(in.ChainID, req.Candidate.To); !ok {
				return fail(id, title, fmt.Sprintf("swap router %s not allowlisted", req.Candidate.To))
			}
		}
	}
	return pass(id, title, "all referenced tokens and routers allowlisted")
}

// ruleApproveAmountSane 校验授权金额落在 (0, 2^256-1) 区间内。
func ruleApproveAmountSane(in Input) artifact.PolicyCheck {
	const id, title = "approve_amount_sane", "Approve amounts sane"

	for _, req := range in.Artifacts.TxRequests {
		if req.Kind() != artifact.ActionApprove {
			continue
		}
		amount, ok := new(big.Int).SetString(req.Candidate.Meta["amountBaseUnits"], 10)
		if !ok || amount.Sign() <= 0 {
			return fail(id, title, fmt.Sprintf("approve %s has a non-positive amount", req.ID))
		}
		if amount.Cmp(maxUint256) >= 0 {
			return fail(id, title, fmt.Sprintf("approve %s requests an unlimited allowance", req.ID))
		}
	}
	return pass(id, title, "all approve amounts within bounds")
}

// ruleSwapSlippageBounds 校验滑点落在配置的区间内。
func ruleSwapSlippageBounds(in Input) artifact.PolicyCheck {
	const id, title = "swap_slippage_bounds", "Swap slippage within bounds"

	bounds := in.Allow.Slippage
	for _, req := range in.Artifacts.TxRequests {
		if req.Kind() != artifact.ActionSwap {
			continue
		}
		bps, err := strconv.Atoi(req.Candidate.Meta["slippageBps"])
		if err != nil || bps < bounds.MinBps || bps > bounds.MaxBps {
			return fail(id, title, fmt.Sprintf(
				"swap %s slippage %s outside [%d, %d] bps",
				req.ID, req.Candidate.Meta["slippageBps"], bounds.MinBps, bounds.MaxBps))
		}
	}
	return pass(id, title, "all swap slippages within bounds")
}

// ruleSwapMinOutPresent 校验每个兑换都带有非零的最小输出。
func ruleSwapMinOutPresent(in Input) artifact.PolicyCheck {
	const id, title = "swap_min_out_present", "Swap minOut present"

	for _, req := range in.Artifacts.TxRequests {
		if req.Kind() != artifact.ActionSwap {
			continue
		}
		minOut, ok := new(big.Int).SetString(req.Candidate.Meta["minOut"], 10)
		if !ok || minOut.Sign() <= 0 {
			return fail(id, title, fmt.Sprintf("swap %s is missing a positive minOut", req.ID))
		}
	}
	return pass(id, title, "all swaps carry a positive minOut")
}

// allCandidates 汇总计划候选与已编译请求中的候选。
func allCandidates(a *artifact.Artifacts) []artifact.TxCandidate {
	var out []artifact.TxCandidate
	if a.TxPlan != nil {
		out = append(out, a.TxPlan.Candidates...)
	}
	for _, req := range a.TxRequests {
		out = append(out, req.Candidate)
	}
	return out
}

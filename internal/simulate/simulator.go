// Package simulate 对候选交易做只读试运行。单笔模式逐一独立模拟;
// 多笔模式按依赖顺序模拟,并对"授权未生效"这一种静态模拟的固有盲区
// 做极窄的推定放行,其余失败一律如实记录。
package simulate

import (
	"context"
	"encoding/hex"
	"fmt"
	"math/big"
	"sort"
	"strings"

	"IntentGuard-Chain/internal/artifact"
	"IntentGuard-Chain/internal/chain"
)

// allowanceRevertMarkers 是各路由在授权不足时常见的回滚信息片段。
// 匹配刻意保持窄:只有命中这些片段的失败才会进入推定流程。
var allowanceRevertMarkers = []string{
	"insufficient allowance",
	"transfer amount exceeds allowance",
	"transferhelper: transfer_from_failed",
	"transfer_from_failed",
	"ds-math-sub-underflow",
}

// Simulator 基于只读链访问执行交易试运行。
type Simulator struct {
	client chain.Client
}

// New 构造模拟器。
func New(client chain.Client) *Simulator {
	return &Simulator{client: client}
}

// Simulate 对运行产物中的交易请求做试运行,结果形状稳定,直接供
// 策略引擎消费。模拟自身从不返回错误,一切失败都体现在结果里。
func (s *Simulator) Simulate(ctx context.Context, a *artifact.Artifacts, chainID, wallet string) *artifact.Simulation {
	requests := a.TxRequests
	if len(requests) == 0 && a.TxPlan != nil {
		for i, cand := range a.TxPlan.Candidates {
			requests = append(requests, artifact.TxRequest{
				ID:        candidateID(i),
				Candidate: cand,
			})
		}
	}

	if len(requests) == 0 {
		return &artifact.Simulation{
			Status: artifact.SimStatusSkipped,
			Mode:   artifact.SimModeSingle,
		}
	}

	if len(requests) == 1 {
		result := s.simulateOne(ctx, chainID, wallet, requests[0])
		return aggregate(artifact.SimModeSingle, []artifact.SimResult{result}, nil)
	}

	return s.simulateSequential(ctx, chainID, wallet, a.WalletSnapshot, requests)
}

// simulateSequential 将全部 APPROVE 类请求稳定排序到 SWAP 类之前,
// 再按该顺序逐笔模拟。
func (s *Simulator) simulateSequential(ctx context.Context, chainID, wallet string, snapshot *artifact.WalletSnapshot, requests []artifact.TxRequest) *artifact.Simulation {
	ordered := make([]artifact.TxRequest, len(requests))
	copy(ordered, requests)
	sort.SliceStable(ordered, func(i, j int) bool {
		return kindRank(ordered[i].Kind()) < kindRank(ordered[j].Kind())
	})

	order := make([]string, 0, len(ordered))
	results := make([]artifact.SimResult, 0, len(ordered))
	spentApproves := map[int]bool{}

	for idx, req := range ordered {
		order = append(order, req.ID)
		result := s.simulateOne(ctx, chainID, wallet, req)

		if !result.Success && req.Kind() == artifact.ActionSwap && isAllowanceRevert(result.Error) {
			if approveIdx, ok := findCoveringApprove(ordered, spentApproves, idx, req); ok &&
				hasSufficientBalance(snapshot, req) {
				spentApproves[approveIdx] = true
				result.Success = false
				result.AssumedSuccess = true
				result.AssumptionReason = artifact.AssumptionAllowanceNotApplied
				result.Error = ""
			}
		}

		results = append(results, result)
	}

	return aggregate(artifact.SimModeSequential, results, order)
}

// simulateOne 对一笔候选独立做只读调用、gas 估算与费用报价,任何
// 一步失败只影响这一笔。
func (s *Simulator) simulateOne(ctx context.Context, chainID, wallet string, req artifact.TxRequest) artifact.SimResult {
	result := artifact.SimResult{TxRequestID: req.ID}
	cand := req.Candidate

	msg := chain.CallMsg{
		From: wallet,
		To:   cand.To,
		Data: decodeHex(cand.Data),
	}
	if value, ok := new(big.Int).SetString(cand.ValueWei, 10); ok {
		msg.Value = value
	}

	if len(msg.Data) > 0 {
		if _, err := s.client.Call(ctx, chainID, msg); err != nil {
			result.Error = err.Error()
			return result
		}
	}

	gas, err := s.client.EstimateGas(ctx, chainID, msg)
	if err != nil {
		result.Error = err.Error()
		return result
	}
	result.GasEstimate = gas

	fee, err := s.client.FeeQuote(ctx, chainID)
	if err != nil {
		result.Error = err.Error()
		return result
	}
	result.Fee = fee

	result.Success = true
	return result
}

// findCoveringApprove 在当前请求之前寻找一笔未被消耗、且代币/授权
// 对象/额度都能覆盖本次兑换的 APPROVE。
func findCoveringApprove(ordered []artifact.TxRequest, spent map[int]bool, swapIdx int, swap artifact.TxRequest) (int, bool) {
	swapMeta := swap.Candidate.Meta
	amountIn, ok := new(big.Int).SetString(swapMeta["amountBaseUnits"], 10)
	if !ok {
		return 0, false
	}

	for i := 0; i < swapIdx; i++ {
		if spent[i] || ordered[i].Kind() != artifact.ActionApprove {
			continue
		}
		meta := ordered[i].Candidate.Meta
		if !strings.EqualFold(meta["token"], swapMeta["tokenIn"]) {
			continue
		}
		if !strings.EqualFold(meta["spender"], swap.Candidate.To) {
			continue
		}
		approved, ok := new(big.Int).SetString(meta["amountBaseUnits"], 10)
		if !ok || approved.Cmp(amountIn) < 0 {
			continue
		}
		return i, true
	}
	return 0, false
}

func hasSufficientBalance(snapshot *artifact.WalletSnapshot, swap artifact.TxRequest) bool {
	amountIn, ok := new(big.Int).SetString(swap.Candidate.Meta["amountBaseUnits"], 10)
	if !ok {
		return false
	}
	balanceStr, ok := snapshot.TokenBalanceOf(swap.Candidate.Meta["tokenIn"])
	if !ok {
		return false
	}
	balance, ok := new(big.Int).SetString(balanceStr, 10)
	if !ok {
		return false
	}
	return balance.Cmp(amountIn) >= 0
}

func isAllowanceRevert(errText string) bool {
	lowered := strings.ToLower(errText)
	for _, marker := range allowanceRevertMarkers {
		if strings.Contains(lowered, marker) {
			return true
		}
	}
	return false
}

func aggregate(mode string, results []artifact.SimResult, order []string) *artifact.Simulation {
	sim := &artifact.Simulation{
		Status:         artifact.SimStatusComplete,
		Mode:           mode,
		Results:        results,
		ExecutionOrder: order,
	}
	for _, r := range results {
		if r.Success || r.AssumedSuccess {
			sim.Summary.NumSuccess++
		} else {
			sim.Summary.NumFailed++
		}
	}
	return sim
}

func kindRank(kind string) int {
	if kind == artifact.ActionApprove {
		return 0
	}
	return 1
}

func candidateID(i int) string {
	return fmt.Sprintf("candidate-%d", i+1)
}

func decodeHex(data string) []byte {
	data = strings.TrimPrefix(data, "0x")
	if data == "" {
		return nil
	}
	out, err := hex.DecodeString(data)
	if err != nil {
		return nil
	}
	return out
}

package pipeline

import (
	"context"
	"strings"

	"IntentGuard-Chain/internal/artifact"
	"IntentGuard-Chain/internal/chain"
	"IntentGuard-Chain/internal/defi"
)

// Advisor 提供可选的安全顾问信号。返回的风险项只会附加到安全评估
// 结果里,绝不单独作为拦截依据。
type Advisor interface {
	Assess(ctx context.Context, chainID, token string) (*artifact.RiskItem, error)
}

// HeuristicAdvisor 用几条便宜的链上启发式粗评一个代币的跑路风险:
// 元数据是否可读、是否在白名单内。它刻意保持保守,给分不给结论。
type HeuristicAdvisor struct {
	client chain.Client
	allow  *defi.Allowlist
}

// NewHeuristicAdvisor 构造启发式顾问。
func NewHeuristicAdvisor(client chain.Client, allow *defi.Allowlist) *HeuristicAdvisor {
	if allow == nil {
		allow = &defi.Allowlist{}
	}
	return &HeuristicAdvisor{client: client, allow: allow}
}

var _ Advisor = (*HeuristicAdvisor)(nil)

// Assess 对单个代币给出风险评分与命中的模式。
func (h *HeuristicAdvisor) Assess(ctx context.Context, chainID, token string) (*artifact.RiskItem, error) {
	item := &artifact.RiskItem{Source: "rug_pull_heuristic", Confidence: 0.4}

	if _, _, ok := h.allow.TokenByAddress(chainID, token); !ok {
		item.RiskScore += 40
		item.Patterns = append(item.Patterns, "token_not_allowlisted")
	}

	symbol, err := h.client.TokenSymbol(ctx, chainID, token)
	if err != nil || strings.TrimSpace(symbol) == "" {
		item.RiskScore += 30
		item.Patterns = append(item.Patterns, "unreadable_symbol")
	}
	if _, err := h.client.TokenDecimals(ctx, chainID, token); err != nil {
		item.RiskScore += 30
		item.Patterns = append(item.Patterns, "unreadable_decimals")
	}

	if item.RiskScore > 100 {
		item.RiskScore = 100
	}
	if len(item.Patterns) == 0 {
		item.Note = "no heuristic risk patterns matched"
	}
	return item, nil
}

// Package policy 实现确定性的安全规则引擎。引擎没有任何副作用,对相同
// 的输入永远给出相同的输出;它自身从不放行交易,最好的结论也只是
// NEEDS_APPROVAL,最终签核始终留给人。
package policy

import (
	"fmt"
	"strings"

	"IntentGuard-Chain/internal/artifact"
	"IntentGuard-Chain/internal/defi"
)

// Input 是一次策略评估的完整输入。
type Input struct {
	Artifacts *artifact.Artifacts
	ChainID   string
	Allow     *defi.Allowlist
}

// Engine 按固定顺序执行全部规则并聚合为终审决定。
type Engine struct {
	allow *defi.Allowlist
}

// NewEngine 构造规则引擎。
func NewEngine(allow *defi.Allowlist) *Engine {
	if allow == nil {
		allow = &defi.Allowlist{Chains: map[string]defi.ChainAllowlist{}}
	}
	return &Engine{allow: allow}
}

// Evaluate 执行全部规则,返回逐条结果与终审决定。
// 任何一条 FAIL 都会直接 BLOCK 并将风险分拉满;没有 FAIL 时按
// WARN 数量累计风险分,但从不自动放行。
func (e *Engine) Evaluate(a *artifact.Artifacts, chainID string) (*artifact.PolicyResult, *artifact.Decision) {
	in := Input{Artifacts: a, ChainID: chainID, Allow: e.allow}

	result := &artifact.PolicyResult{Checks: make([]artifact.PolicyCheck, 0, len(rules))}
	var failReasons, warnReasons []string

	for _, r := range rules {
		check := r(in)
		result.Checks = append(result.Checks, check)
		switch check.Status {
		case artifact.CheckPass:
			result.NumPass++
		case artifact.CheckWarn:
			result.NumWarn++
			warnReasons = append(warnReasons, fmt.Sprintf("%s: %s", check.ID, check.Reason))
		case artifact.CheckFail:
			result.NumFail++
			failReasons = append(failReasons, fmt.Sprintf("%s: %s", check.ID, check.Reason))
		}
	}

	if result.NumFail > 0 {
		return result, &artifact.Decision{
			Action:    artifact.DecisionBlock,
			RiskScore: 100,
			Severity:  artifact.SeverityHigh,
			Summary:   fmt.Sprintf("%d policy check(s) failed", result.NumFail),
			Reasons:   failReasons,
		}
	}

	risk := 15 * result.NumWarn
	if risk > 100 {
		risk = 100
	}

	severity := artifact.SeverityLow
	switch {
	case risk >= 60:
		severity = artifact.SeverityHigh
	case risk >= 25:
		severity = artifact.SeverityMed
	}

	summary := "all policy checks passed"
	if result.NumWarn > 0 {
		summary = fmt.Sprintf("%d policy warning(s): %s", result.NumWarn, strings.Join(warnReasons, "; "))
	}

	return result, &artifact.Decision{
		Action:    artifact.DecisionNeedsApproval,
		RiskScore: risk,
		Severity:  severity,
		Summary:   summary,
		Reasons:   warnReasons,
	}
}

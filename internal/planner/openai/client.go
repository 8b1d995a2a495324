// Package openai 通过 OpenAI 兼容的 Chat Completions 接口提供规划、
// 复核与修复能力。外部返回的 JSON 必须通过形状校验;校验失败一律
// 降级到确定性规则桩,并在产物中注明降级原因。
package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"IntentGuard-Chain/internal/artifact"
	"IntentGuard-Chain/internal/planner"
)

const (
	defaultBaseURL   = "https://api.openai.com/v1"
	defaultModelName = "gpt-4o-mini"
	defaultTimeout   = 60 * time.Second
)

// Config 描述了调用 OpenAI Chat Completions API 所需的信息。
type Config struct {
	APIKey  string
	BaseURL string
	Model   string
	Timeout time.Duration
}

// Client 通过 HTTP 调用外部模型完成规划与复核。
type Client struct {
	apiKey     string
	baseURL    string
	model      string
	httpClient *http.Client
	fallback   *planner.Stub
}

var (
	_ planner.Planner  = (*Client)(nil)
	_ planner.Judge    = (*Client)(nil)
	_ planner.Repairer = (*Client)(nil)
)

// NewClient 根据配置创建 OpenAI 客户端。
func NewClient(cfg Config) (*Client, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		return nil, errors.New("未提供 OpenAI API Key")
	}

	baseURL := strings.TrimSpace(cfg.BaseURL)
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	baseURL = strings.TrimRight(baseURL, "/")

	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = defaultModelName
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	return &Client{
		apiKey:   apiKey,
		baseURL:  baseURL,
		model:    model,
		fallback: planner.NewStub(),
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}, nil
}

// PlanTx 请求外部模型产出交易计划,形状非法时降级到规则桩。
func (c *Client) PlanTx(ctx context.Context, req planner.Request) (*planner.Outcome, error) {
	content, err := c.complete(ctx, planSystemPrompt, buildPlanPrompt(req, nil, nil))
	if err != nil {
		return c.fallbackPlan(ctx, req, err)
	}

	plan, raw, err := decodePlan(content)
	if err != nil {
		return c.fallbackPlan(ctx, req, err)
	}

	return &planner.Outcome{
		Result: &artifact.PlannerResult{Plan: plan, Source: "openai", Raw: raw},
	}, nil
}

// RepairPlanTx 将复核意见连同旧计划一起提交给外部模型重规划。
func (c *Client) RepairPlanTx(ctx context.Context, req planner.Request, prior *artifact.TxPlan, issues []string) (*planner.Outcome, error) {
	content, err := c.complete(ctx, planSystemPrompt, buildPlanPrompt(req, prior, issues))
	if err != nil {
		return c.fallbackPlan(ctx, req, err)
	}

	plan, raw, err := decodePlan(content)
	if err != nil {
		return c.fallbackPlan(ctx, req, err)
	}

	return &planner.Outcome{
		Result: &artifact.PlannerResult{Plan: plan, Source: "openai", Raw: raw},
	}, nil
}

// Review 请求外部模型复核运行产物,形状非法时降级到规则桩。
func (c *Client) Review(ctx context.Context, a *artifact.Artifacts) (*artifact.JudgeOutput, error) {
	content, err := c.complete(ctx, judgeSystemPrompt, buildJudgePrompt(a))
	if err != nil {
		return c.fallbackReview(ctx, a, err)
	}

	var decoded artifact.JudgeOutput
	if err := json.Unmarshal([]byte(extractJSON(content)), &decoded); err != nil {
		return c.fallbackReview(ctx, a, fmt.Errorf("解析复核结果失败: %w", err))
	}
	switch decoded.Verdict {
	case artifact.VerdictPass, artifact.VerdictNeedsRework, artifact.VerdictBlock:
	default:
		return c.fallbackReview(ctx, a, fmt.Errorf("复核结论非法: %q", decoded.Verdict))
	}

	decoded.Source = "openai"
	return &decoded, nil
}

func (c *Client) fallbackPlan(ctx context.Context, req planner.Request, cause error) (*planner.Outcome, error) {
	outcome, err := c.fallback.PlanTx(ctx, req)
	if err != nil {
		return nil, err
	}
	if outcome.Result != nil {
		outcome.Result.Source = "stub_fallback"
		outcome.Result.Note = fmt.Sprintf("外部规划降级: %v", cause)
	}
	return outcome, nil
}

func (c *Client) fallbackReview(ctx context.Context, a *artifact.Artifacts, cause error) (*artifact.JudgeOutput, error) {
	out, err := c.fallback.Review(ctx, a)
	if err != nil {
		return nil, err
	}
	out.Source = "stub_fallback"
	out.Notes = fmt.Sprintf("%s(外部复核降级: %v)", out.Notes, cause)
	return out, nil
}

func (c *Client) complete(ctx context.Context, system, user string) (string, error) {
	type message struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	}
	body := map[string]any{
		"model": c.model,
		"messages": []message{
			{Role: "system", Content: system},
			{Role: "user", Content: user},
		},
		"temperature": 0,
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("序列化 OpenAI 请求失败: %w", err)
	}

	endpoint := c.baseURL + "/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("构建 OpenAI 请求失败: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("请求 OpenAI 失败: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return "", fmt.Errorf("OpenAI 返回错误状态 %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var decoded struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return "", fmt.Errorf("解析 OpenAI 响应失败: %w", err)
	}
	if len(decoded.Choices) == 0 {
		return "", errors.New("OpenAI 响应中没有有效的 choices")
	}

	content := strings.TrimSpace(decoded.Choices[0].Message.Content)
	if content == "" {
		return "", errors.New("OpenAI 响应内容为空")
	}
	return content, nil
}

// decodePlan 校验计划 JSON 的形状:plan 必须带动作,noop 不得带动作,
// 动作类型必须是已知集合。
func decodePlan(content string) (*artifact.TxPlan, string, error) {
	raw := extractJSON(content)

	var plan artifact.TxPlan
	if err := json.Unmarshal([]byte(raw), &plan); err != nil {
		return nil, "", fmt.Errorf("解析计划失败: %w", err)
	}

	switch plan.Type {
	case artifact.PlanTypePlan:
		if len(plan.Actions) == 0 {
			return nil, "", errors.New("plan 类型的计划必须至少包含一个动作")
		}
	case artifact.PlanTypeNoop:
		if len(plan.Actions) != 0 || len(plan.Candidates) != 0 {
			return nil, "", errors.New("noop 计划不得携带动作或候选")
		}
	default:
		return nil, "", fmt.Errorf("计划类型非法: %q", plan.Type)
	}

	for _, action := range plan.Actions {
		switch action.Type {
		case artifact.ActionApprove, artifact.ActionSwap, artifact.ActionTransfer, artifact.ActionRevoke:
		default:
			return nil, "", fmt.Errorf("动作类型非法: %q", action.Type)
		}
	}
	return &plan, raw, nil
}

// extractJSON 容忍模型把 JSON 包在 Markdown 代码块里。
func extractJSON(content string) string {
	content = strings.TrimSpace(content)
	if strings.HasPrefix(content, "```") {
		content = strings.TrimPrefix(content, "```json")
		content = strings.TrimPrefix(content, "```")
		if idx := strings.LastIndex(content, "```"); idx >= 0 {
			content = content[:idx]
		}
	}
	return strings.TrimSpace(content)
}

const planSystemPrompt = "" +
	"You are a blockchain transaction planner. " +
	"Respond with a single compact JSON object: " +
	"{\"type\":\"plan\"|\"noop\",\"actions\":[{\"type\":\"APPROVE\"|\"SWAP\"|\"TRANSFER\"|\"REVOKE\",\"params\":{...}}],\"reason\":string}. " +
	"Never request signing or broadcasting. Plans are proposals only."

const judgeSystemPrompt = "" +
	"You are a blockchain safety reviewer. " +
	"Respond with a single compact JSON object: " +
	"{\"verdict\":\"PASS\"|\"NEEDS_REWORK\"|\"BLOCK\",\"issues\":[string],\"notes\":string}. " +
	"Raise NEEDS_REWORK only with concrete, actionable issues."

func buildPlanPrompt(req planner.Request, prior *artifact.TxPlan, issues []string) string {
	var builder strings.Builder
	builder.WriteString("## 用户意图\n")
	builder.WriteString(req.Intent + "\n")
	if req.NormalizedIntent != "" {
		builder.WriteString("归一化: " + req.NormalizedIntent + "\n")
	}
	builder.WriteString(fmt.Sprintf("链: %s 钱包: %s\n", req.ChainID, req.Wallet))

	if req.Snapshot != nil {
		builder.WriteString("\n## 钱包快照\n")
		builder.WriteString(fmt.Sprintf("原生余额(wei): %s\n", req.Snapshot.NativeBalanceWei))
		for _, t := range req.Snapshot.Tokens {
			builder.WriteString(fmt.Sprintf("%s: %s (decimals=%d)\n", t.Symbol, t.BalanceBaseUnits, t.Decimals))
		}
	}

	if prior != nil {
		encoded, _ := json.Marshal(prior)
		builder.WriteString("\n## 上一版计划\n")
		builder.Write(encoded)
		builder.WriteString("\n\n## 复核意见\n")
		for _, issue := range issues {
			builder.WriteString("- " + issue + "\n")
		}
		builder.WriteString("\n请针对复核意见修正计划。")
	}

	return builder.String()
}

func buildJudgePrompt(a *artifact.Artifacts) string {
	snapshot := map[string]any{
		"tx_plan":       a.TxPlan,
		"tx_requests":   a.TxRequests,
		"simulation":    a.Simulation,
		"policy_result": a.PolicyResult,
		"decision":      a.Decision,
	}
	encoded, _ := json.MarshalIndent(snapshot, "", "  ")

	var builder strings.Builder
	builder.WriteString("## 运行产物\n")
	builder.Write(encoded)
	builder.WriteString("\n\n请复核计划、模拟与策略结论是否一致,并给出结论。")
	return builder.String()
}

package run

import (
	"context"
	"encoding/json"
	"time"

	"IntentGuard-Chain/pkg/logger"
)

// storeRecorder 把流水线的审计事件写入存储并广播到事件总线。
// 审计只追加,写入失败只记日志,绝不反过来影响流水线执行。
type storeRecorder struct {
	store Store
	bus   *Bus
}

func newStoreRecorder(store Store, bus *Bus) *storeRecorder {
	return &storeRecorder{store: store, bus: bus}
}

func (r *storeRecorder) StepStarted(ctx context.Context, runID, stage string, input any) {
	if err := r.store.SetCurrentStep(ctx, runID, stage); err != nil {
		logger.WithRun(runID).Warn("更新当前阶段失败", "stage", stage, "error", err)
	}
	r.appendStep(ctx, runID, stage, StepStarted, input, nil)
	r.publish(runID, EventStepStarted, stage, nil)
}

func (r *storeRecorder) StepDone(ctx context.Context, runID, stage string, output any) {
	r.appendStep(ctx, runID, stage, StepDone, nil, output)
	r.publish(runID, EventStepDone, stage, nil)
}

func (r *storeRecorder) StepFailed(ctx context.Context, runID, stage string, err error) {
	step := &Step{
		RunID:  runID,
		Name:   stage,
		Status: StepFailed,
	}
	if err != nil {
		step.Output = err.Error()
	}
	if appendErr := r.store.AppendStep(ctx, step); appendErr != nil {
		logger.WithRun(runID).Warn("追加阶段记录失败", "stage", stage, "error", appendErr)
	}
	payload := map[string]any{}
	if err != nil {
		payload["error"] = err.Error()
	}
	r.publish(runID, EventStepFailed, stage, payload)
}

func (r *storeRecorder) ToolCall(ctx context.Context, runID, tool string, request, response any, err error) {
	call := &ToolCall{
		RunID:    runID,
		Tool:     tool,
		Request:  compactJSON(request),
		Response: compactJSON(response),
	}
	if err != nil {
		call.Error = err.Error()
	}
	if appendErr := r.store.AppendToolCall(ctx, call); appendErr != nil {
		logger.WithRun(runID).Warn("追加调用记录失败", "tool", tool, "error", appendErr)
	}
	r.publish(runID, EventToolCall, "", map[string]any{"tool": tool})
}

func (r *storeRecorder) appendStep(ctx context.Context, runID, stage string, status StepStatus, input, output any) {
	step := &Step{
		RunID:  runID,
		Name:   stage,
		Status: status,
		Input:  compactJSON(input),
		Output: compactJSON(output),
	}
	if err := r.store.AppendStep(ctx, step); err != nil {
		logger.WithRun(runID).Warn("追加阶段记录失败", "stage", stage, "error", err)
	}
}

func (r *storeRecorder) publish(runID, eventType, stage string, payload map[string]any) {
	if r.bus == nil {
		return
	}
	r.bus.Publish(Event{
		RunID:   runID,
		Type:    eventType,
		Stage:   stage,
		Payload: payload,
		At:      time.Now(),
	})
}

func compactJSON(value any) string {
	if value == nil {
		return ""
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return ""
	}
	return string(raw)
}

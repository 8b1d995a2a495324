package pipeline

import "context"

// Recorder 接收流水线的步骤与工具调用审计。实现必须可以并发调用,
// 且不得因记录失败影响流水线本身。
type Recorder interface {
	StepStarted(ctx context.Context, runID, stage string, input any)
	StepDone(ctx context.Context, runID, stage string, output any)
	StepFailed(ctx context.Context, runID, stage string, err error)
	ToolCall(ctx context.Context, runID, tool string, request, response any, err error)
}

// NopRecorder 丢弃全部审计记录,用于测试与最小化装配。
type NopRecorder struct{}

func (NopRecorder) StepStarted(context.Context, string, string, any)      {}
func (NopRecorder) StepDone(context.Context, string, string, any)         {}
func (NopRecorder) StepFailed(context.Context, string, string, error)     {}
func (NopRecorder) ToolCall(context.Context, string, string, any, any, error) {
}

var _ Recorder = NopRecorder{}

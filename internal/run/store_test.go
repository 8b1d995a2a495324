package run

import (
	"context"
	stdErrors "errors"
	"testing"
	"time"

	"IntentGuard-Chain/internal/artifact"
)

func TestTransitionTable(t *testing.T) {
	allowed := []struct {
		from, to Status
	}{
		{StatusCreated, StatusRunning},
		{StatusRunning, StatusAwaitingApproval},
		{StatusRunning, StatusPaused},
		{StatusRunning, StatusFailed},
		{StatusRunning, StatusBlocked},
		{StatusAwaitingApproval, StatusApprovedReady},
		{StatusAwaitingApproval, StatusRejected},
		{StatusPaused, StatusRunning},
		{StatusApprovedReady, StatusSubmitted},
		{StatusSubmitted, StatusConfirmed},
		{StatusSubmitted, StatusReverted},
	}
	for _, edge := range allowed {
		if err := ValidateTransition(edge.from, edge.to); err != nil {
			t.Fatalf("边 %s->%s 应当被允许: %v", edge.from, edge.to, err)
		}
	}

	denied := []struct {
		from, to Status
	}{
		{StatusCreated, StatusSubmitted},
		{StatusCreated, StatusFailed},
		{StatusRunning, StatusConfirmed},
		{StatusAwaitingApproval, StatusRunning},
		{StatusPaused, StatusFailed},
	}
	for _, edge := range denied {
		if err := ValidateTransition(edge.from, edge.to); err == nil {
			t.Fatalf("边 %s->%s 应当被拒绝", edge.from, edge.to)
		}
	}
}

func TestTerminalStatesHaveNoOutgoingEdges(t *testing.T) {
	terminals := []Status{StatusConfirmed, StatusReverted, StatusBlocked, StatusFailed, StatusRejected}
	all := []Status{
		StatusCreated, StatusRunning, StatusAwaitingApproval, StatusApprovedReady,
		StatusSubmitted, StatusConfirmed, StatusReverted, StatusPaused,
		StatusBlocked, StatusFailed, StatusRejected,
	}
	for _, from := range terminals {
		if !IsTerminal(from) {
			t.Fatalf("%s 应当是终态", from)
		}
		for _, to := range all {
			err := ValidateTransition(from, to)
			if err == nil {
				t.Fatalf("终态 %s 不应有任何出边,却允许了到 %s", from, to)
			}
			if !stdErrors.Is(err, ErrRunTerminal) {
				t.Fatalf("终态出边应返回终态错误,实际 %v", err)
			}
		}
	}
}

func TestMemoryStoreStatusCAS(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	r := &Run{ID: "run-1", Intent: "send 0.1 eth to 0x0000000000000000000000000000000000000001"}
	if err := store.CreateRun(ctx, r); err != nil {
		t.Fatalf("创建运行失败: %v", err)
	}
	if err := store.CreateRun(ctx, r); !stdErrors.Is(err, ErrRunConflict) {
		t.Fatalf("重复创建应返回冲突,实际 %v", err)
	}

	if err := store.UpdateStatus(ctx, "run-1", StatusCreated, StatusRunning); err != nil {
		t.Fatalf("认领运行失败: %v", err)
	}
	// 第二次认领拿到的是冲突,而不是覆盖。
	if err := store.UpdateStatus(ctx, "run-1", StatusCreated, StatusRunning); !stdErrors.Is(err, ErrRunConflict) {
		t.Fatalf("并发认领应返回冲突,实际 %v", err)
	}

	outcome := Outcome{
		FinalStatus:  "FAILED",
		ErrorCode:    "PIPELINE_EXECUTION_FAILED",
		ErrorMessage: "boom",
		Artifacts:    artifact.New(),
	}
	if err := store.FinalizeRun(ctx, "run-1", StatusRunning, StatusFailed, outcome); err != nil {
		t.Fatalf("收尾失败: %v", err)
	}
	got, err := store.GetRun(ctx, "run-1")
	if err != nil {
		t.Fatalf("读取失败: %v", err)
	}
	if got.Status != StatusFailed || got.FinalStatus != "FAILED" || got.ErrorCode != "PIPELINE_EXECUTION_FAILED" {
		t.Fatalf("收尾字段不符: %+v", got)
	}

	if err := store.UpdateStatus(ctx, "run-1", StatusFailed, StatusRunning); !stdErrors.Is(err, ErrRunTerminal) {
		t.Fatalf("终态后的迁移应返回终态错误,实际 %v", err)
	}
}

func TestMemoryStoreCloneOnRead(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	a := artifact.New()
	a.EnsureUserInputs()["amount_in"] = "1"
	if err := store.CreateRun(ctx, &Run{ID: "run-2", Intent: "x", Artifacts: a}); err != nil {
		t.Fatalf("创建运行失败: %v", err)
	}
	got, err := store.GetRun(ctx, "run-2")
	if err != nil {
		t.Fatalf("读取失败: %v", err)
	}
	got.Artifacts.UserInputs["amount_in"] = "999"
	got.Status = StatusFailed

	again, err := store.GetRun(ctx, "run-2")
	if err != nil {
		t.Fatalf("再次读取失败: %v", err)
	}
	if again.Status != StatusCreated || again.Artifacts.UserInputs["amount_in"] != "1" {
		t.Fatal("对读取结果的修改不应穿透到存储内部")
	}
}

func TestMemoryStoreAppendOnlyRecords(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	if err := store.CreateRun(ctx, &Run{ID: "run-3", Intent: "x"}); err != nil {
		t.Fatalf("创建运行失败: %v", err)
	}
	for _, name := range []string{"normalize_intent", "precheck"} {
		if err := store.AppendStep(ctx, &Step{RunID: "run-3", Name: name, Status: StepDone}); err != nil {
			t.Fatalf("追加阶段失败: %v", err)
		}
	}
	if err := store.AppendToolCall(ctx, &ToolCall{RunID: "run-3", Tool: "chain.native_balance"}); err != nil {
		t.Fatalf("追加调用失败: %v", err)
	}
	steps, err := store.ListSteps(ctx, "run-3")
	if err != nil || len(steps) != 2 {
		t.Fatalf("阶段记录不符: %v %d", err, len(steps))
	}
	if steps[0].Name != "normalize_intent" || steps[1].Name != "precheck" {
		t.Fatalf("阶段顺序不符: %s %s", steps[0].Name, steps[1].Name)
	}
	calls, err := store.ListToolCalls(ctx, "run-3")
	if err != nil || len(calls) != 1 || calls[0].Tool != "chain.native_balance" {
		t.Fatalf("调用记录不符: %v %+v", err, calls)
	}
}

func TestBusDeliversAndUnsubscribes(t *testing.T) {
	bus := NewBus()
	ch, cancel := bus.Subscribe("run-9", 4)

	bus.Publish(Event{RunID: "run-9", Type: EventStepDone, Stage: "plan_tx"})
	bus.Publish(Event{RunID: "other", Type: EventStepDone, Stage: "plan_tx"})

	select {
	case event := <-ch:
		if event.Stage != "plan_tx" || event.Type != EventStepDone {
			t.Fatalf("事件内容不符: %+v", event)
		}
		if event.At.IsZero() {
			t.Fatal("事件时间不应为零值")
		}
	case <-time.After(time.Second):
		t.Fatal("订阅者应当收到事件")
	}

	select {
	case extra := <-ch:
		t.Fatalf("其他运行的事件不应投递: %+v", extra)
	default:
	}

	cancel()
	cancel() // 幂等
	bus.Publish(Event{RunID: "run-9", Type: EventStepDone})
	if _, ok := <-ch; ok {
		t.Fatal("取消订阅后通道应当关闭")
	}
}

func TestMemoryQueueRoundTrip(t *testing.T) {
	ctx, cancelCtx := context.WithCancel(context.Background())
	defer cancelCtx()

	queue := NewMemoryQueue(2)
	defer queue.Close()

	if err := queue.Publish(ctx, "run-a"); err != nil {
		t.Fatalf("投递失败: %v", err)
	}
	got := make(chan string, 1)
	go func() {
		_ = queue.Consume(ctx, func(_ context.Context, runID string) error {
			got <- runID
			cancelCtx()
			return nil
		})
	}()
	select {
	case runID := <-got:
		if runID != "run-a" {
			t.Fatalf("消费到 %q", runID)
		}
	case <-time.After(time.Second):
		t.Fatal("应当消费到投递的运行")
	}
}

package run

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"IntentGuard-Chain/internal/artifact"
	xerrors "IntentGuard-Chain/internal/errors"
)

// MemoryStore 是基于内存的运行存储,主要服务单测与本地联调。
// 所有读写都在互斥锁内完成,对外只暴露深拷贝,防止调用方绕过
// CAS 直接改内部状态。
type MemoryStore struct {
	mu        sync.RWMutex
	runs      map[string]*Run
	steps     map[string][]*Step
	toolCalls map[string][]*ToolCall
	nextID    int64
}

// NewMemoryStore 创建内存存储。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		runs:      make(map[string]*Run),
		steps:     make(map[string][]*Step),
		toolCalls: make(map[string][]*ToolCall),
	}
}

var _ Store = (*MemoryStore)(nil)

// CreateRun 插入一条新的运行记录。
func (s *MemoryStore) CreateRun(_ context.Context, r *Run) error {
	if r == nil || r.ID == "" {
		return xerrors.New(CodeRunValidation, "运行 ID 不能为空")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.runs[r.ID]; exists {
		return xerrors.Wrap(CodeRunConflict, ErrRunConflict, "运行 "+r.ID+" 已存在")
	}
	now := time.Now().Unix()
	stored := cloneRun(r)
	if stored.Status == "" {
		stored.Status = StatusCreated
	}
	if stored.CreatedAt == 0 {
		stored.CreatedAt = now
	}
	stored.UpdatedAt = now
	s.runs[r.ID] = stored
	return nil
}

// GetRun 返回运行的深拷贝。
func (s *MemoryStore) GetRun(_ context.Context, id string) (*Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	stored, ok := s.runs[id]
	if !ok {
		return nil, xerrors.Wrap(CodeRunNotFound, ErrRunNotFound, "运行 "+id+" 不存在")
	}
	return cloneRun(stored), nil
}

// ListRuns 按创建时间倒序返回匹配的运行。
func (s *MemoryStore) ListRuns(_ context.Context, filter ListFilter) ([]*Run, error) {
	s.mu.RLock()
	all := make([]*Run, 0, len(s.runs))
	for _, stored := range s.runs {
		if matchesFilter(stored, filter) {
			all = append(all, cloneRun(stored))
		}
	}
	s.mu.RUnlock()
	sort.Slice(all, func(i, j int) bool {
		if all[i].CreatedAt != all[j].CreatedAt {
			return all[i].CreatedAt > all[j].CreatedAt
		}
		return all[i].ID > all[j].ID
	})
	if filter.Offset > 0 {
		if filter.Offset >= len(all) {
			return nil, nil
		}
		all = all[filter.Offset:]
	}
	if filter.Limit > 0 && filter.Limit < len(all) {
		all = all[:filter.Limit]
	}
	return all, nil
}

// UpdateStatus 做带期望来源状态的条件迁移。
func (s *MemoryStore) UpdateStatus(_ context.Context, id string, from, to Status) error {
	if err := ValidateTransition(from, to); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.runs[id]
	if !ok {
		return xerrors.Wrap(CodeRunNotFound, ErrRunNotFound, "运行 "+id+" 不存在")
	}
	if stored.Status != from {
		return classifyMismatch(stored.Status, from)
	}
	stored.Status = to
	stored.UpdatedAt = time.Now().Unix()
	return nil
}

// FinalizeRun 在一次条件更新中完成状态迁移与收尾字段写入。
func (s *MemoryStore) FinalizeRun(_ context.Context, id string, from, to Status, outcome Outcome) error {
	if err := ValidateTransition(from, to); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.runs[id]
	if !ok {
		return xerrors.Wrap(CodeRunNotFound, ErrRunNotFound, "运行 "+id+" 不存在")
	}
	if stored.Status != from {
		return classifyMismatch(stored.Status, from)
	}
	stored.Status = to
	stored.FinalStatus = outcome.FinalStatus
	stored.ErrorCode = outcome.ErrorCode
	stored.ErrorMessage = outcome.ErrorMessage
	if outcome.Artifacts != nil {
		stored.Artifacts = cloneArtifacts(outcome.Artifacts)
	}
	stored.UpdatedAt = time.Now().Unix()
	return nil
}

// UpdateArtifacts 覆盖运行的工件快照。
func (s *MemoryStore) UpdateArtifacts(_ context.Context, id string, a *artifact.Artifacts) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.runs[id]
	if !ok {
		return xerrors.Wrap(CodeRunNotFound, ErrRunNotFound, "运行 "+id+" 不存在")
	}
	stored.Artifacts = cloneArtifacts(a)
	stored.UpdatedAt = time.Now().Unix()
	return nil
}

// SetCurrentStep 更新正在执行的阶段名。
func (s *MemoryStore) SetCurrentStep(_ context.Context, id, step string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.runs[id]
	if !ok {
		return xerrors.Wrap(CodeRunNotFound, ErrRunNotFound, "运行 "+id+" 不存在")
	}
	stored.CurrentStep = step
	stored.UpdatedAt = time.Now().Unix()
	return nil
}

// AppendStep 追加一条阶段审计记录。
func (s *MemoryStore) AppendStep(_ context.Context, step *Step) error {
	if step == nil || step.RunID == "" {
		return xerrors.New(CodeRunValidation, "阶段记录缺少运行 ID")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	stored := *step
	stored.ID = s.nextID
	if stored.CreatedAt == 0 {
		stored.CreatedAt = time.Now().Unix()
	}
	s.steps[step.RunID] = append(s.steps[step.RunID], &stored)
	return nil
}

// ListSteps 按追加顺序返回阶段记录。
func (s *MemoryStore) ListSteps(_ context.Context, runID string) ([]*Step, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	records := s.steps[runID]
	out := make([]*Step, 0, len(records))
	for _, record := range records {
		cloned := *record
		out = append(out, &cloned)
	}
	return out, nil
}

// AppendToolCall 追加一条外部调用记录。
func (s *MemoryStore) AppendToolCall(_ context.Context, call *ToolCall) error {
	if call == nil || call.RunID == "" {
		return xerrors.New(CodeRunValidation, "调用记录缺少运行 ID")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	stored := *call
	stored.ID = s.nextID
	if stored.CreatedAt == 0 {
		stored.CreatedAt = time.Now().Unix()
	}
	s.toolCalls[call.RunID] = append(s.toolCalls[call.RunID], &stored)
	return nil
}

// ListToolCalls 按追加顺序返回外部调用记录。
func (s *MemoryStore) ListToolCalls(_ context.Context, runID string) ([]*ToolCall, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	records := s.toolCalls[runID]
	out := make([]*ToolCall, 0, len(records))
	for _, record := range records {
		cloned := *record
		out = append(out, &cloned)
	}
	return out, nil
}

// Close 实现 Store 接口,无底层资源可释放。
func (s *MemoryStore) Close() error { return nil }

// classifyMismatch 把 CAS 失败归类:实际已是终态时返回终态错误,
// 否则返回冲突。
func classifyMismatch(actual, expected Status) error {
	if IsTerminal(actual) {
		return xerrors.Wrap(CodeRunTerminal, ErrRunTerminal,
			"运行已处于终态 "+string(actual))
	}
	return xerrors.Wrap(CodeRunConflict, ErrRunConflict,
		"期望状态 "+string(expected)+",实际为 "+string(actual))
}

func cloneRun(r *Run) *Run {
	cloned := *r
	cloned.Metadata = cloneMetadata(r.Metadata)
	cloned.Artifacts = cloneArtifacts(r.Artifacts)
	return &cloned
}

// cloneArtifacts 通过 JSON 往返做深拷贝。工件本身就要求可被 JSON
// 序列化,这里复用同一条编解码路径。
func cloneArtifacts(a *artifact.Artifacts) *artifact.Artifacts {
	if a == nil {
		return nil
	}
	raw, err := json.Marshal(a)
	if err != nil {
		copied := *a
		return &copied
	}
	cloned := &artifact.Artifacts{}
	if err := json.Unmarshal(raw, cloned); err != nil {
		copied := *a
		return &copied
	}
	return cloned
}

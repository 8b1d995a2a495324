// Package run 实现运行的权威生命周期:持久化状态机、编排服务、
// 队列驱动的处理器与事件广播。运行行是唯一的串行化点,所有状态
// 变更都带着期望的来源状态做条件更新,冲突直接失败,绝不静默覆盖。
package run

import (
	stdErrors "errors"
	"regexp"

	"IntentGuard-Chain/internal/artifact"
	xerrors "IntentGuard-Chain/internal/errors"
)

// Status 表示运行在生命周期中的状态。
type Status string

const (
	StatusCreated          Status = "CREATED"
	StatusRunning          Status = "RUNNING"
	StatusAwaitingApproval Status = "AWAITING_APPROVAL"
	StatusApprovedReady    Status = "APPROVED_READY"
	StatusSubmitted        Status = "SUBMITTED"
	StatusConfirmed        Status = "CONFIRMED"
	StatusReverted         Status = "REVERTED"
	StatusPaused           Status = "PAUSED"
	StatusBlocked          Status = "BLOCKED"
	StatusFailed           Status = "FAILED"
	StatusRejected         Status = "REJECTED"
)

// transitions 是唯一允许的状态边表。表里没有的边一律拒绝。
var transitions = map[Status][]Status{
	StatusCreated:          {StatusRunning},
	StatusRunning:          {StatusAwaitingApproval, StatusPaused, StatusFailed, StatusBlocked},
	StatusAwaitingApproval: {StatusApprovedReady, StatusRejected},
	StatusPaused:           {StatusRunning},
	StatusApprovedReady:    {StatusSubmitted},
	StatusSubmitted:        {StatusConfirmed, StatusReverted},
}

// IsTerminal 报告状态是否为绝对终态,终态没有任何出边。
func IsTerminal(status Status) bool {
	switch status {
	case StatusConfirmed, StatusReverted, StatusBlocked, StatusFailed, StatusRejected:
		return true
	}
	return false
}

// IsValidStatus 检查给定的运行状态是否为支持的枚举值。
func IsValidStatus(status Status) bool {
	if IsTerminal(status) {
		return true
	}
	_, ok := transitions[status]
	return ok
}

// ValidateTransition 按边表校验一次状态迁移,每次调用都重新查表,
// 终态的任何出边都会失败。
func ValidateTransition(from, to Status) error {
	if IsTerminal(from) {
		return xerrors.Wrap(CodeRunTerminal, ErrRunTerminal, string(from)+" 是终态,禁止任何迁移")
	}
	for _, allowed := range transitions[from] {
		if allowed == to {
			return nil
		}
	}
	return xerrors.Wrap(CodeRunInvalidTransition, ErrInvalidTransition,
		"不允许从 "+string(from)+" 迁移到 "+string(to))
}

// Run 描述一次意图到交易提案的端到端尝试。运行从不删除,以保证
// 审计可追溯。
type Run struct {
	ID            string               `json:"id"`
	Intent        string               `json:"intent"`
	WalletAddress string               `json:"wallet_address"`
	ChainID       string               `json:"chain_id"`
	Status        Status               `json:"status"`
	FinalStatus   string               `json:"final_status,omitempty"`
	CurrentStep   string               `json:"current_step,omitempty"`
	ErrorCode     string               `json:"error_code,omitempty"`
	ErrorMessage  string               `json:"error_message,omitempty"`
	Artifacts     *artifact.Artifacts  `json:"artifacts,omitempty"`
	Metadata      map[string]any       `json:"metadata,omitempty"`
	CreatedAt     int64                `json:"created_at"`
	UpdatedAt     int64                `json:"updated_at"`
}

// StepStatus 是审计步骤的状态枚举。
type StepStatus string

const (
	StepStarted StepStatus = "STARTED"
	StepDone    StepStatus = "DONE"
	StepFailed  StepStatus = "FAILED"
)

// Step 是某个流水线阶段的一条只追加审计记录。
type Step struct {
	ID        int64      `json:"id"`
	RunID     string     `json:"run_id"`
	Name      string     `json:"name"`
	Status    StepStatus `json:"status"`
	Agent     string     `json:"agent,omitempty"`
	Input     string     `json:"input,omitempty"`
	Output    string     `json:"output,omitempty"`
	CreatedAt int64      `json:"created_at"`
}

// ToolCall 是一次外部调用(RPC、模型)的只追加记录。
type ToolCall struct {
	ID        int64  `json:"id"`
	RunID     string `json:"run_id"`
	Tool      string `json:"tool"`
	Request   string `json:"request,omitempty"`
	Response  string `json:"response,omitempty"`
	Error     string `json:"error,omitempty"`
	CreatedAt int64  `json:"created_at"`
}

// TxHashPattern 约束提交回执的交易哈希格式。
var TxHashPattern = regexp.MustCompile(`^0x[0-9a-fA-F]{64}$`)

var (
	// ErrRunNotFound 表示指定的运行不存在。
	ErrRunNotFound = xerrors.New(CodeRunNotFound, "run not found")
	// ErrRunConflict 表示运行在当前状态下无法进行所请求的操作。
	ErrRunConflict = xerrors.New(CodeRunConflict, "run conflict", xerrors.WithSeverity(xerrors.SeverityWarning))
	// ErrRunTerminal 表示运行已处于终态。
	ErrRunTerminal = xerrors.New(CodeRunTerminal, "run already terminal", xerrors.WithSeverity(xerrors.SeverityInfo))
	// ErrInvalidTransition 表示请求的状态迁移不在边表中。
	ErrInvalidTransition = xerrors.New(CodeRunInvalidTransition, "invalid run transition", xerrors.WithSeverity(xerrors.SeverityWarning))
)

const (
	CodeRunNotFound          xerrors.Code = "RUN_NOT_FOUND"
	CodeRunConflict          xerrors.Code = "RUN_CONFLICT"
	CodeRunTerminal          xerrors.Code = "RUN_TERMINAL"
	CodeRunInvalidTransition xerrors.Code = "RUN_INVALID_TRANSITION"
	CodeRunValidation        xerrors.Code = "RUN_VALIDATION_FAILED"
	CodeRunPublish           xerrors.Code = "RUN_PUBLISH_FAILED"
)

func init() {
	xerrors.Register(CodeRunNotFound, xerrors.Attributes{
		Message:   "run not found",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeRunConflict, xerrors.Attributes{
		Message:   "run conflict",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeRunTerminal, xerrors.Attributes{
		Message:   "run already terminal",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeRunInvalidTransition, xerrors.Attributes{
		Message:   "invalid run transition",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeRunValidation, xerrors.Attributes{
		Message:   "run validation failed",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeRunPublish, xerrors.Attributes{
		Message:   "failed to publish run",
		Severity:  xerrors.SeverityCritical,
		Retryable: true,
		Alert:     true,
	})
}

// IsRunError 判断错误是否为指定编号的运行错误。
func IsRunError(err error, target xerrors.Code) bool {
	if err == nil {
		return false
	}
	switch target {
	case CodeRunNotFound:
		return stdErrors.Is(err, ErrRunNotFound)
	case CodeRunConflict:
		return stdErrors.Is(err, ErrRunConflict)
	case CodeRunTerminal:
		return stdErrors.Is(err, ErrRunTerminal)
	case CodeRunInvalidTransition:
		return stdErrors.Is(err, ErrInvalidTransition)
	}
	return false
}

func cloneMetadata(metadata map[string]any) map[string]any {
	if metadata == nil {
		return nil
	}
	cloned := make(map[string]any, len(metadata))
	for key, value := range metadata {
		cloned[key] = value
	}
	return cloned
}

package run

import (
	"context"
	stdErrors "errors"
	"fmt"
	"time"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/google/uuid"

	"IntentGuard-Chain/internal/artifact"
	"IntentGuard-Chain/internal/chain"
	"IntentGuard-Chain/internal/defi"
	xerrors "IntentGuard-Chain/internal/errors"
	"IntentGuard-Chain/internal/pipeline"
	"IntentGuard-Chain/internal/planner"
	"IntentGuard-Chain/pkg/logger"
)

// Service 是运行编排的入口:受理意图、驱动流水线、裁决生命周期。
// 所有状态迁移都经过存储层的 CAS,并发的重复执行会拿到冲突错误
// 而不是互相覆盖。
type Service struct {
	store       Store
	producer    Producer
	bus         *Bus
	chainClient chain.Client
	executor    *pipeline.Executor
}

// ServiceOption 定义服务的可选配置。
type ServiceOption func(*serviceOptions)

type serviceOptions struct {
	bus           *Bus
	advisor       pipeline.Advisor
	maxAttempts   int
	maxActions    int
	maxCandidates int
}

// WithBus 指定事件总线。默认创建独立总线。
func WithBus(bus *Bus) ServiceOption {
	return func(o *serviceOptions) {
		o.bus = bus
	}
}

// WithAdvisor 覆盖安全顾问实现。
func WithAdvisor(advisor pipeline.Advisor) ServiceOption {
	return func(o *serviceOptions) {
		o.advisor = advisor
	}
}

// WithRunLimits 覆盖修复次数与计划规模上限。
func WithRunLimits(maxAttempts, maxActions, maxCandidates int) ServiceOption {
	return func(o *serviceOptions) {
		o.maxAttempts = maxAttempts
		o.maxActions = maxActions
		o.maxCandidates = maxCandidates
	}
}

// NewService 装配运行服务。流水线执行器在内部构建,审计记录器
// 桥接到存储与事件总线。
func NewService(store Store, producer Producer, chainClient chain.Client,
	allow *defi.Allowlist, caps planner.Capabilities, opts ...ServiceOption) *Service {
	options := &serviceOptions{}
	for _, opt := range opts {
		if opt != nil {
			opt(options)
		}
	}
	bus := options.bus
	if bus == nil {
		bus = NewBus()
	}
	advisor := options.advisor
	if advisor == nil {
		advisor = pipeline.NewHeuristicAdvisor(chainClient, allow)
	}
	executorOpts := []pipeline.Option{
		pipeline.WithRecorder(newStoreRecorder(store, bus)),
		pipeline.WithAdvisor(advisor),
	}
	if options.maxAttempts > 0 || options.maxActions > 0 || options.maxCandidates > 0 {
		executorOpts = append(executorOpts,
			pipeline.WithLimits(options.maxAttempts, options.maxActions, options.maxCandidates))
	}
	return &Service{
		store:       store,
		producer:    producer,
		bus:         bus,
		chainClient: chainClient,
		executor:    pipeline.NewExecutor(chainClient, allow, caps, executorOpts...),
	}
}

// Bus 返回服务使用的事件总线,供 API 层订阅。
func (s *Service) Bus() *Bus {
	return s.bus
}

// SubmitRequest 描述一次运行创建请求。
type SubmitRequest struct {
	ID            string
	Intent        string
	WalletAddress string
	ChainID       string
	Metadata      map[string]any
}

// Submit 受理一条意图:创建 CREATED 状态的运行并投递到队列。
// 指定 ID 且已存在时幂等返回现有运行。投递失败时运行保持 CREATED,
// 可以重新投递,错误原样上抛。
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (*Run, error) {
	if req.Intent == "" {
		return nil, xerrors.New(CodeRunValidation, "意图不能为空")
	}
	id := req.ID
	if id == "" {
		id = uuid.NewString()
	} else if existing, err := s.store.GetRun(ctx, id); err == nil {
		return existing, nil
	}
	r := &Run{
		ID:            id,
		Intent:        req.Intent,
		WalletAddress: req.WalletAddress,
		ChainID:       req.ChainID,
		Status:        StatusCreated,
		Metadata:      req.Metadata,
		CreatedAt:     time.Now().Unix(),
	}
	if err := s.store.CreateRun(ctx, r); err != nil {
		return nil, err
	}
	logger.Audit().Info("运行已受理", "run_id", id, "chain_id", req.ChainID)
	if err := s.producer.Publish(ctx, id); err != nil {
		logger.WithRun(id).Error("运行投递失败,保持 CREATED 等待重投", "error", err)
		return nil, xerrors.Wrap(CodeRunPublish, err, "投递运行 "+id+" 失败")
	}
	return s.store.GetRun(ctx, id)
}

// Start 认领并执行一个 CREATED 状态的运行。认领通过 CAS 完成,
// 同一运行被多个工作协程消费时只有一个能进入 RUNNING。
func (s *Service) Start(ctx context.Context, runID string) error {
	r, err := s.store.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if err := s.store.UpdateStatus(ctx, runID, StatusCreated, StatusRunning); err != nil {
		return err
	}
	s.publishStatus(runID, StatusRunning)
	r.Status = StatusRunning
	return s.runPipeline(ctx, r)
}

// Resume 用补充的回答恢复一个 PAUSED 的运行。回答合并进 user_inputs,
// 归一化意图按最新槽位重建,随后从头重跑流水线,已有工件作为起点。
func (s *Service) Resume(ctx context.Context, runID string, answers map[string]string) (*Run, error) {
	r, err := s.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if r.Status != StatusPaused {
		return nil, classifyMismatch(r.Status, StatusPaused)
	}
	if r.Artifacts == nil || r.Artifacts.NeedsInput == nil {
		return nil, xerrors.Wrap(CodeRunConflict, ErrRunConflict,
			"运行 "+runID+" 没有可恢复的检查点")
	}

	a := r.Artifacts
	a.EnsureUserInputs()
	for key, value := range answers {
		a.UserInputs[key] = value
	}
	// 用检查点里的部分槽位叠加回答,重建归一化意图。
	slots := make(map[string]string, len(a.NeedsInput.Data)+len(answers))
	for key, value := range a.NeedsInput.Data {
		slots[key] = value
	}
	for key, value := range answers {
		slots[key] = value
	}
	if rebuilt := planner.BuildNormalizedIntent(slots); rebuilt != "" {
		a.NormalizedIntent = rebuilt
	}
	a.NeedsInput = nil
	a.FatalError = nil

	if err := s.store.UpdateStatus(ctx, runID, StatusPaused, StatusRunning); err != nil {
		return nil, err
	}
	if err := s.store.UpdateArtifacts(ctx, runID, a); err != nil {
		logger.WithRun(runID).Warn("恢复前持久化工件失败", "error", err)
	}
	s.publishStatus(runID, StatusRunning)
	logger.Audit().Info("运行已恢复", "run_id", runID, "answers", len(answers))

	r.Status = StatusRunning
	if err := s.runPipeline(ctx, r); err != nil {
		return nil, err
	}
	return s.store.GetRun(ctx, runID)
}

// Approve 放行一个等待人工审批的运行。
func (s *Service) Approve(ctx context.Context, runID string) (*Run, error) {
	if err := s.store.UpdateStatus(ctx, runID, StatusAwaitingApproval, StatusApprovedReady); err != nil {
		return nil, err
	}
	s.publishStatus(runID, StatusApprovedReady)
	logger.Audit().Info("运行已审批通过", "run_id", runID)
	return s.store.GetRun(ctx, runID)
}

// Reject 否决一个等待人工审批的运行,进入终态 REJECTED。
func (s *Service) Reject(ctx context.Context, runID string) (*Run, error) {
	if err := s.store.UpdateStatus(ctx, runID, StatusAwaitingApproval, StatusRejected); err != nil {
		return nil, err
	}
	s.publishStatus(runID, StatusRejected)
	logger.Audit().Info("运行已被否决", "run_id", runID)
	return s.store.GetRun(ctx, runID)
}

// ExecutePrep 返回审批通过后待签名的未签名交易载荷。
// 本服务从不签名,也从不广播。
func (s *Service) ExecutePrep(ctx context.Context, runID string) ([]artifact.TxRequest, error) {
	r, err := s.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if r.Status != StatusApprovedReady {
		return nil, classifyMismatch(r.Status, StatusApprovedReady)
	}
	if r.Artifacts == nil || len(r.Artifacts.TxRequests) == 0 {
		return nil, xerrors.Wrap(CodeRunConflict, ErrRunConflict,
			"运行 "+runID+" 没有可执行的交易载荷")
	}
	return r.Artifacts.TxRequests, nil
}

// TxSubmitted 记录外部签名方已广播的交易哈希,并把运行迁移到 SUBMITTED。
func (s *Service) TxSubmitted(ctx context.Context, runID, txHash string) (*Run, error) {
	if !TxHashPattern.MatchString(txHash) {
		return nil, xerrors.New(CodeRunValidation, "交易哈希格式无效: "+txHash)
	}
	r, err := s.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if r.Status != StatusApprovedReady {
		return nil, classifyMismatch(r.Status, StatusApprovedReady)
	}
	a := r.Artifacts
	if a == nil {
		a = artifact.New()
	}
	a.SubmittedTxHash = txHash
	if err := s.store.UpdateArtifacts(ctx, runID, a); err != nil {
		return nil, err
	}
	if err := s.store.UpdateStatus(ctx, runID, StatusApprovedReady, StatusSubmitted); err != nil {
		return nil, err
	}
	s.publishStatus(runID, StatusSubmitted)
	logger.Audit().Info("交易已提交", "run_id", runID, "tx_hash", txHash)
	return s.store.GetRun(ctx, runID)
}

// Confirm 查询链上回执并裁决 SUBMITTED 运行:回执成功迁移到 CONFIRMED,
// 回执失败迁移到 REVERTED。交易尚未上链时不做迁移,原样返回运行。
func (s *Service) Confirm(ctx context.Context, runID string) (*Run, error) {
	r, err := s.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if r.Status != StatusSubmitted {
		return nil, classifyMismatch(r.Status, StatusSubmitted)
	}
	if s.chainClient == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "链客户端未配置,无法确认回执")
	}
	txHash := ""
	if r.Artifacts != nil {
		txHash = r.Artifacts.SubmittedTxHash
	}
	if txHash == "" {
		return nil, xerrors.Wrap(CodeRunConflict, ErrRunConflict,
			"运行 "+runID+" 缺少已提交的交易哈希")
	}
	receipt, err := s.chainClient.TransactionReceipt(ctx, r.ChainID, txHash)
	if err != nil {
		if stdErrors.Is(err, ethereum.NotFound) {
			return r, nil
		}
		return nil, xerrors.Wrap(xerrors.CodeChainFailure, err, "查询交易回执失败")
	}
	target := StatusReverted
	if receipt.Succeeded() {
		target = StatusConfirmed
	}
	if err := s.store.UpdateStatus(ctx, runID, StatusSubmitted, target); err != nil {
		return nil, err
	}
	s.publishStatus(runID, target)
	logger.Audit().Info("运行已确认", "run_id", runID, "status", string(target), "tx_hash", txHash)
	return s.store.GetRun(ctx, runID)
}

// Get 读取单个运行。
func (s *Service) Get(ctx context.Context, runID string) (*Run, error) {
	return s.store.GetRun(ctx, runID)
}

// List 按过滤条件列出运行。
func (s *Service) List(ctx context.Context, filter ListFilter) ([]*Run, error) {
	return s.store.ListRuns(ctx, filter)
}

// Steps 返回运行的阶段审计记录。
func (s *Service) Steps(ctx context.Context, runID string) ([]*Step, error) {
	return s.store.ListSteps(ctx, runID)
}

// ToolCalls 返回运行的外部调用记录。
func (s *Service) ToolCalls(ctx context.Context, runID string) ([]*ToolCall, error) {
	return s.store.ListToolCalls(ctx, runID)
}

// runPipeline 执行流水线并落盘结果。任何 panic 都会被兜住:
// 尽量保留已有工件,并强制把运行收敛到 FAILED,运行绝不滞留在
// RUNNING。
func (s *Service) runPipeline(ctx context.Context, r *Run) (err error) {
	st := &pipeline.State{
		RunID:     r.ID,
		Intent:    r.Intent,
		Wallet:    r.WalletAddress,
		ChainID:   r.ChainID,
		Artifacts: r.Artifacts,
	}
	defer func() {
		if recovered := recover(); recovered != nil {
			logger.WithRun(r.ID).Error("流水线发生 panic,强制收敛为 FAILED", "panic", recovered)
			outcome := Outcome{
				FinalStatus:  string(pipeline.FinalFailed),
				ErrorCode:    string(pipeline.CodePipelineFailure),
				ErrorMessage: fmt.Sprintf("pipeline panic: %v", recovered),
				Artifacts:    st.Artifacts,
			}
			if finalizeErr := s.store.FinalizeRun(ctx, r.ID, StatusRunning, StatusFailed, outcome); finalizeErr != nil {
				logger.WithRun(r.ID).Error("panic 收尾写入失败", "error", finalizeErr)
			}
			s.publishStatus(r.ID, StatusFailed)
			err = xerrors.New(pipeline.CodePipelineFailure, outcome.ErrorMessage)
		}
	}()

	_ = s.executor.Run(ctx, st)

	final := pipeline.ResolveFinalStatus(st.Artifacts)
	target := mapFinalStatus(final)
	outcome := Outcome{
		FinalStatus: string(final),
		Artifacts:   st.Artifacts,
	}
	if fatal := st.Artifacts.FatalError; fatal != nil {
		outcome.ErrorCode = fatal.Code
		outcome.ErrorMessage = fatal.Message
	}
	if err := s.store.FinalizeRun(ctx, r.ID, StatusRunning, target, outcome); err != nil {
		return err
	}
	s.publishStatus(r.ID, target)
	logger.Audit().Info("运行执行完成",
		"run_id", r.ID, "final_status", string(final), "status", string(target))
	return nil
}

func (s *Service) publishStatus(runID string, status Status) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(Event{
		RunID:  runID,
		Type:   EventStatusChanged,
		Status: string(status),
	})
}

// mapFinalStatus 把流水线语义结果映射到持久化状态。READY 进入人工
// 审批,NEEDS_INPUT 与 NOOP 都停在 PAUSED 等待补充或重述。
func mapFinalStatus(final pipeline.FinalStatus) Status {
	switch final {
	case pipeline.FinalReady:
		return StatusAwaitingApproval
	case pipeline.FinalBlocked:
		return StatusBlocked
	case pipeline.FinalNeedsInput, pipeline.FinalNoop:
		return StatusPaused
	default:
		return StatusFailed
	}
}

package run

import (
	"context"
	stdErrors "errors"
	"math/big"
	"strings"
	"testing"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"

	"IntentGuard-Chain/internal/artifact"
	"IntentGuard-Chain/internal/chain"
	"IntentGuard-Chain/internal/defi"
	"IntentGuard-Chain/internal/planner"
)

const (
	testWallet = "0x00000000000000000000000000000000000000ee"
	usdcAddr   = "0x00000000000000000000000000000000000000aa"
	wethAddr   = "0x00000000000000000000000000000000000000bb"
	routerAddr = "0x00000000000000000000000000000000000000cc"
)

var goodHash = "0x" + strings.Repeat("0", 60) + "ab12"

// scriptedChain 是可编排的链客户端,余额、报价与回执都由测试指定。
type scriptedChain struct {
	nativeBalance *big.Int
	tokenBalance  *big.Int
	quote         []byte
	receipt       *chain.ReceiptSummary
	receiptErr    error
}

func (c *scriptedChain) NativeBalance(context.Context, string, string) (*big.Int, error) {
	return new(big.Int).Set(c.nativeBalance), nil
}

func (c *scriptedChain) TokenBalance(context.Context, string, string, string) (*big.Int, error) {
	return new(big.Int).Set(c.tokenBalance), nil
}

func (c *scriptedChain) TokenDecimals(context.Context, string, string) (uint8, error) {
	return 18, nil
}

func (c *scriptedChain) TokenSymbol(context.Context, string, string) (string, error) {
	return "TOKEN", nil
}

func (c *scriptedChain) Allowance(context.Context, string, string, string, string) (*big.Int, error) {
	return big.NewInt(0), nil
}

func (c *scriptedChain) Call(context.Context, string, chain.CallMsg) ([]byte, error) {
	return c.quote, nil
}

func (c *scriptedChain) EstimateGas(context.Context, string, chain.CallMsg) (uint64, error) {
	return 50_000, nil
}

func (c *scriptedChain) FeeQuote(context.Context, string) (*artifact.FeeQuote, error) {
	return &artifact.FeeQuote{Type: artifact.FeeLegacy, GasPriceWei: "1000000000"}, nil
}

func (c *scriptedChain) TransactionReceipt(context.Context, string, string) (*chain.ReceiptSummary, error) {
	return c.receipt, c.receiptErr
}

func (c *scriptedChain) Close() {}

var _ chain.Client = (*scriptedChain)(nil)

const amountsOutABI = `[{"name":"getAmountsOut","type":"function","stateMutability":"view",
	"inputs":[{"name":"amountIn","type":"uint256"},{"name":"path","type":"address[]"}],
	"outputs":[{"name":"amounts","type":"uint256[]"}]}]`

func packQuote(t *testing.T, amounts []*big.Int) []byte {
	t.Helper()
	parsed, err := abi.JSON(strings.NewReader(amountsOutABI))
	if err != nil {
		t.Fatalf("解析 ABI 失败: %v", err)
	}
	out, err := parsed.Methods["getAmountsOut"].Outputs.Pack(amounts)
	if err != nil {
		t.Fatalf("编码报价失败: %v", err)
	}
	return out
}

func swapAllowlist() *defi.Allowlist {
	return &defi.Allowlist{
		Chains: map[string]defi.ChainAllowlist{
			"1": {
				Tokens: map[string]defi.TokenInfo{
					"USDC": {Address: usdcAddr, Decimals: 6},
					"WETH": {Address: wethAddr, Decimals: 18},
				},
				Routers: map[string]defi.RouterInfo{
					"uniswap_v2": {Address: routerAddr, Kind: "uniswap_v2"},
				},
				WrappedNative: "WETH",
			},
		},
		Slippage:        defi.SlippageBounds{MinBps: 10, MaxBps: 300},
		DeadlineSeconds: 1200,
	}
}

type capturingProducer struct {
	published []string
}

func (p *capturingProducer) Publish(_ context.Context, runID string) error {
	p.published = append(p.published, runID)
	return nil
}

func stubCaps() planner.Capabilities {
	stub := planner.NewStub()
	return planner.Capabilities{Planner: stub, Judge: stub, Repairer: stub}
}

func newTestService(chainClient chain.Client, allow *defi.Allowlist) (*Service, *capturingProducer) {
	producer := &capturingProducer{}
	service := NewService(NewMemoryStore(), producer, chainClient, allow, stubCaps())
	return service, producer
}

func TestSubmitIsIdempotentOnExistingID(t *testing.T) {
	ctx := context.Background()
	service, producer := newTestService(&scriptedChain{nativeBalance: big.NewInt(1)}, nil)

	first, err := service.Submit(ctx, SubmitRequest{
		ID:            "fixed-id",
		Intent:        "send 0.1 eth to 0x0000000000000000000000000000000000000001",
		WalletAddress: testWallet,
		ChainID:       "1",
	})
	if err != nil {
		t.Fatalf("受理失败: %v", err)
	}
	if first.Status != StatusCreated {
		t.Fatalf("新运行应为 CREATED,实际 %s", first.Status)
	}
	second, err := service.Submit(ctx, SubmitRequest{ID: "fixed-id", Intent: "anything"})
	if err != nil {
		t.Fatalf("幂等受理失败: %v", err)
	}
	if second.ID != first.ID || second.Intent != first.Intent {
		t.Fatalf("重复受理应返回原运行: %+v", second)
	}
	if len(producer.published) != 1 {
		t.Fatalf("应当只投递一次,实际 %d 次", len(producer.published))
	}
}

func TestTransferLifecycleToConfirmed(t *testing.T) {
	ctx := context.Background()
	chainClient := &scriptedChain{
		nativeBalance: big.NewInt(2_000_000_000_000_000_000),
		tokenBalance:  big.NewInt(0),
		receiptErr:    ethereum.NotFound,
	}
	service, _ := newTestService(chainClient, nil)

	r, err := service.Submit(ctx, SubmitRequest{
		Intent:        "Send 0.1 ETH to 0x0000000000000000000000000000000000000001",
		WalletAddress: testWallet,
		ChainID:       "1",
	})
	if err != nil {
		t.Fatalf("受理失败: %v", err)
	}
	if err := service.Start(ctx, r.ID); err != nil {
		t.Fatalf("执行失败: %v", err)
	}

	got, err := service.Get(ctx, r.ID)
	if err != nil {
		t.Fatalf("读取失败: %v", err)
	}
	if got.Status != StatusAwaitingApproval {
		t.Fatalf("期望 AWAITING_APPROVAL,实际 %s (%s %s)", got.Status, got.ErrorCode, got.ErrorMessage)
	}
	if got.FinalStatus != "READY" {
		t.Fatalf("期望 READY,实际 %s", got.FinalStatus)
	}

	steps, err := service.Steps(ctx, r.ID)
	if err != nil || len(steps) == 0 {
		t.Fatalf("应当留下阶段审计: %v %d", err, len(steps))
	}
	if steps[0].Name != "normalize_intent" {
		t.Fatalf("第一个阶段应为 normalize_intent,实际 %s", steps[0].Name)
	}

	// 二次认领属于良性竞态,拿到冲突而非重复执行。
	if err := service.Start(ctx, r.ID); !stdErrors.Is(err, ErrRunConflict) {
		t.Fatalf("重复认领应返回冲突,实际 %v", err)
	}

	if _, err := service.Approve(ctx, r.ID); err != nil {
		t.Fatalf("审批失败: %v", err)
	}
	requests, err := service.ExecutePrep(ctx, r.ID)
	if err != nil {
		t.Fatalf("取执行载荷失败: %v", err)
	}
	if len(requests) != 1 || requests[0].Kind() != artifact.ActionTransfer {
		t.Fatalf("执行载荷不符: %+v", requests)
	}

	if _, err := service.TxSubmitted(ctx, r.ID, "0xdeadbeef"); err == nil {
		t.Fatal("非法交易哈希应当被拒绝")
	}
	if _, err := service.TxSubmitted(ctx, r.ID, goodHash); err != nil {
		t.Fatalf("登记交易哈希失败: %v", err)
	}

	// 交易尚未上链时不做任何迁移。
	pending, err := service.Confirm(ctx, r.ID)
	if err != nil {
		t.Fatalf("待上链确认不应报错: %v", err)
	}
	if pending.Status != StatusSubmitted {
		t.Fatalf("待上链期间应保持 SUBMITTED,实际 %s", pending.Status)
	}

	chainClient.receiptErr = nil
	chainClient.receipt = &chain.ReceiptSummary{TxHash: goodHash, Status: 1, GasUsed: 21_000}
	confirmed, err := service.Confirm(ctx, r.ID)
	if err != nil {
		t.Fatalf("确认失败: %v", err)
	}
	if confirmed.Status != StatusConfirmed {
		t.Fatalf("期望 CONFIRMED,实际 %s", confirmed.Status)
	}

	if _, err := service.Approve(ctx, r.ID); !stdErrors.Is(err, ErrRunTerminal) {
		t.Fatalf("终态运行的审批应返回终态错误,实际 %v", err)
	}
}

func TestRevertedReceiptEndsRun(t *testing.T) {
	ctx := context.Background()
	chainClient := &scriptedChain{nativeBalance: big.NewInt(2_000_000_000_000_000_000)}
	service, _ := newTestService(chainClient, nil)

	r, err := service.Submit(ctx, SubmitRequest{
		Intent:        "send 0.1 eth to 0x0000000000000000000000000000000000000001",
		WalletAddress: testWallet,
		ChainID:       "1",
	})
	if err != nil {
		t.Fatalf("受理失败: %v", err)
	}
	if err := service.Start(ctx, r.ID); err != nil {
		t.Fatalf("执行失败: %v", err)
	}
	if _, err := service.Approve(ctx, r.ID); err != nil {
		t.Fatalf("审批失败: %v", err)
	}
	if _, err := service.TxSubmitted(ctx, r.ID, goodHash); err != nil {
		t.Fatalf("登记交易哈希失败: %v", err)
	}
	chainClient.receipt = &chain.ReceiptSummary{TxHash: goodHash, Status: 0}
	got, err := service.Confirm(ctx, r.ID)
	if err != nil {
		t.Fatalf("确认失败: %v", err)
	}
	if got.Status != StatusReverted {
		t.Fatalf("回执失败应进入 REVERTED,实际 %s", got.Status)
	}
}

func TestRejectEndsRun(t *testing.T) {
	ctx := context.Background()
	service, _ := newTestService(&scriptedChain{nativeBalance: big.NewInt(2_000_000_000_000_000_000)}, nil)

	r, err := service.Submit(ctx, SubmitRequest{
		Intent:        "send 0.1 eth to 0x0000000000000000000000000000000000000001",
		WalletAddress: testWallet,
		ChainID:       "1",
	})
	if err != nil {
		t.Fatalf("受理失败: %v", err)
	}
	if err := service.Start(ctx, r.ID); err != nil {
		t.Fatalf("执行失败: %v", err)
	}
	got, err := service.Reject(ctx, r.ID)
	if err != nil {
		t.Fatalf("否决失败: %v", err)
	}
	if got.Status != StatusRejected {
		t.Fatalf("期望 REJECTED,实际 %s", got.Status)
	}
	if _, err := service.ExecutePrep(ctx, r.ID); err == nil {
		t.Fatal("否决后的运行不应再返回执行载荷")
	}
}

func TestDisallowedTransferTargetBlocksRun(t *testing.T) {
	ctx := context.Background()
	chainClient := &scriptedChain{
		nativeBalance: big.NewInt(2_000_000_000_000_000_000),
		tokenBalance:  big.NewInt(5_000_000),
	}
	// 带名单时,不在名单里的转账目标直接被封禁。
	service, _ := newTestService(chainClient, swapAllowlist())

	r, err := service.Submit(ctx, SubmitRequest{
		Intent:        "send 0.1 eth to 0x0000000000000000000000000000000000000001",
		WalletAddress: testWallet,
		ChainID:       "1",
	})
	if err != nil {
		t.Fatalf("受理失败: %v", err)
	}
	if err := service.Start(ctx, r.ID); err != nil {
		t.Fatalf("执行失败: %v", err)
	}
	got, err := service.Get(ctx, r.ID)
	if err != nil {
		t.Fatalf("读取失败: %v", err)
	}
	if got.Status != StatusBlocked || got.FinalStatus != "BLOCKED" {
		t.Fatalf("期望 BLOCKED,实际 %s/%s", got.Status, got.FinalStatus)
	}
}

func TestSwapPausesForMissingAmountAndResumes(t *testing.T) {
	ctx := context.Background()
	chainClient := &scriptedChain{
		nativeBalance: big.NewInt(2_000_000_000_000_000_000),
		tokenBalance:  big.NewInt(5_000_000),
	}
	chainClient.quote = packQuote(t, []*big.Int{big.NewInt(20_000_000), big.NewInt(2_000_000)})
	service, _ := newTestService(chainClient, swapAllowlist())

	r, err := service.Submit(ctx, SubmitRequest{
		Intent:        "swap USDC to WETH",
		WalletAddress: testWallet,
		ChainID:       "1",
	})
	if err != nil {
		t.Fatalf("受理失败: %v", err)
	}
	if err := service.Start(ctx, r.ID); err != nil {
		t.Fatalf("执行失败: %v", err)
	}

	paused, err := service.Get(ctx, r.ID)
	if err != nil {
		t.Fatalf("读取失败: %v", err)
	}
	if paused.Status != StatusPaused || paused.FinalStatus != "NEEDS_INPUT" {
		t.Fatalf("期望 PAUSED/NEEDS_INPUT,实际 %s/%s", paused.Status, paused.FinalStatus)
	}
	needs := paused.Artifacts.NeedsInput
	if needs == nil || len(needs.Questions) == 0 {
		t.Fatalf("暂停时应携带追问: %+v", needs)
	}
	if needs.Missing[0] != "amount_in" {
		t.Fatalf("缺失槽位应为 amount_in,实际 %v", needs.Missing)
	}

	resumed, err := service.Resume(ctx, r.ID, map[string]string{"amount_in": "1"})
	if err != nil {
		t.Fatalf("恢复失败: %v", err)
	}
	if resumed.Status != StatusAwaitingApproval {
		t.Fatalf("恢复后应进入 AWAITING_APPROVAL,实际 %s (%s %s)",
			resumed.Status, resumed.ErrorCode, resumed.ErrorMessage)
	}
	if resumed.Artifacts.NormalizedIntent != "swap 1 usdc to weth" {
		t.Fatalf("归一化意图应按回答重建,实际 %q", resumed.Artifacts.NormalizedIntent)
	}
	if resumed.Artifacts.NeedsInput != nil {
		t.Fatal("恢复成功后不应保留检查点")
	}
	if len(resumed.Artifacts.TxRequests) != 2 {
		t.Fatalf("兑换应编译出 approve 与 swap 两笔交易,实际 %d", len(resumed.Artifacts.TxRequests))
	}

	// 没有检查点的运行不可恢复。
	if _, err := service.Resume(ctx, r.ID, nil); !stdErrors.Is(err, ErrRunConflict) {
		t.Fatalf("非 PAUSED 运行的恢复应返回冲突,实际 %v", err)
	}
}

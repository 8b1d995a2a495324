package defi

import (
	"context"
	"math/big"
	"strings"
	"testing"
	"time"

	"IntentGuard-Chain/internal/artifact"
	"IntentGuard-Chain/internal/chain"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

type fakeChainClient struct {
	callResult []byte
	callErr    error
	lastCall   chain.CallMsg
}

func (f *fakeChainClient) NativeBalance(ctx context.Context, chainID, address string) (*big.Int, error) {
	return big.NewInt(0), nil
}

func (f *fakeChainClient) TokenBalance(ctx context.Context, chainID, token, owner string) (*big.Int, error) {
	return big.NewInt(0), nil
}

func (f *fakeChainClient) TokenDecimals(ctx context.Context, chainID, token string) (uint8, error) {
	return 18, nil
}

func (f *fakeChainClient) TokenSymbol(ctx context.Context, chainID, token string) (string, error) {
	return "", nil
}

func (f *fakeChainClient) Allowance(ctx context.Context, chainID, token, owner, spender string) (*big.Int, error) {
	return big.NewInt(0), nil
}

func (f *fakeChainClient) Call(ctx context.Context, chainID string, msg chain.CallMsg) ([]byte, error) {
	f.lastCall = msg
	return f.callResult, f.callErr
}

func (f *fakeChainClient) EstimateGas(ctx context.Context, chainID string, msg chain.CallMsg) (uint64, error) {
	return 21000, nil
}

func (f *fakeChainClient) FeeQuote(ctx context.Context, chainID string) (*artifact.FeeQuote, error) {
	return &artifact.FeeQuote{Type: artifact.FeeLegacy, GasPriceWei: "1"}, nil
}

func (f *fakeChainClient) TransactionReceipt(ctx context.Context, chainID, txHash string) (*chain.ReceiptSummary, error) {
	return nil, nil
}

func (f *fakeChainClient) Close() {}

func testAllowlist() *Allowlist {
	list := &Allowlist{
		Chains: map[string]ChainAllowlist{
			"1": {
				Tokens: map[string]TokenInfo{
					"USDC": {Address: "0x00000000000000000000000000000000000000aa", Decimals: 6},
					"WETH": {Address: "0x00000000000000000000000000000000000000bb", Decimals: 18},
				},
				Routers: map[string]RouterInfo{
					"uniswap_v2": {Address: "0x00000000000000000000000000000000000000cc", Kind: "uniswap_v2"},
				},
				WrappedNative: "WETH",
			},
		},
	}
	list.applyDefaults()
	return list
}

func packAmountsOut(t *testing.T, amounts []*big.Int) []byte {
	t.Helper()
	parsed, err := abi.JSON(strings.NewReader(routerABIJSON))
	if err != nil {
		t.Fatalf("解析 ABI 失败: %v", err)
	}
	out, err := parsed.Methods["getAmountsOut"].Outputs.Pack(amounts)
	if err != nil {
		t.Fatalf("编码报价失败: %v", err)
	}
	return out
}

func TestToBaseUnitsRoundsDown(t *testing.T) {
	got, err := ToBaseUnits("1.23456789", 6)
	if err != nil {
		t.Fatalf("转换失败: %v", err)
	}
	if got.String() != "1234567" {
		t.Fatalf("期望 1234567,实际 %s", got)
	}
}

func TestToBaseUnitsRejectsInvalid(t *testing.T) {
	for _, amount := range []string{"", "0", "0.0000001", "-1", "abc"} {
		if _, err := ToBaseUnits(amount, 6); err == nil {
			t.Fatalf("金额 %q 应当被拒绝", amount)
		}
	}
	huge := new(big.Int).Lsh(big.NewInt(1), 256).String()
	if _, err := ToBaseUnits(huge, 0); err == nil {
		t.Fatal("超出 uint256 的金额应当被拒绝")
	}
}

func TestCompileSwapMinOut(t *testing.T) {
	client := &fakeChainClient{
		callResult: packAmountsOut(t, []*big.Int{big.NewInt(20000000), big.NewInt(2000000)}),
	}
	compiler := NewCompiler(testAllowlist(), client, WithNow(func() time.Time {
		return time.Unix(1_700_000_000, 0)
	}))

	plan := &artifact.TxPlan{
		Type: artifact.PlanTypePlan,
		Actions: []artifact.TxAction{
			{Type: artifact.ActionApprove, Params: map[string]string{
				"token": "USDC", "spender": "uniswap_v2", "amount": "20",
			}},
			{Type: artifact.ActionSwap, Params: map[string]string{
				"token_in": "USDC", "token_out": "WETH", "router": "uniswap_v2",
				"amount_in": "20", "slippage_bps": "50",
			}},
		},
	}

	requests, err := compiler.Compile(context.Background(), "1", "0x00000000000000000000000000000000000000dd", plan)
	if err != nil {
		t.Fatalf("编译失败: %v", err)
	}
	if len(requests) != 2 {
		t.Fatalf("期望 2 个请求,实际 %d", len(requests))
	}

	if requests[0].ID != "approve-1" || requests[0].Kind() != artifact.ActionApprove {
		t.Fatalf("第一个请求异常: %+v", requests[0])
	}
	if requests[0].Candidate.Meta["amountBaseUnits"] != "20000000" {
		t.Fatalf("授权金额异常: %s", requests[0].Candidate.Meta["amountBaseUnits"])
	}

	swap := requests[1]
	if swap.ID != "swap-2" || swap.Kind() != artifact.ActionSwap {
		t.Fatalf("第二个请求异常: %+v", swap)
	}
	if swap.Candidate.Meta["minOut"] != "1990000" {
		t.Fatalf("minOut 期望 1990000,实际 %s", swap.Candidate.Meta["minOut"])
	}
	if swap.Candidate.Meta["deadline"] != "1700001200" {
		t.Fatalf("deadline 异常: %s", swap.Candidate.Meta["deadline"])
	}
	if !strings.HasPrefix(swap.Candidate.Data, "0x") || len(swap.Candidate.Data) <= 10 {
		t.Fatalf("swap 调用数据异常: %s", swap.Candidate.Data)
	}
}

func TestCompileSwapToNativeUsesETHVariant(t *testing.T) {
	client := &fakeChainClient{
		callResult: packAmountsOut(t, []*big.Int{big.NewInt(1000), big.NewInt(900)}),
	}
	compiler := NewCompiler(testAllowlist(), client)

	plan := &artifact.TxPlan{
		Type: artifact.PlanTypePlan,
		Actions: []artifact.TxAction{
			{Type: artifact.ActionSwap, Params: map[string]string{
				"token_in": "USDC", "token_out": "ETH", "router": "uniswap_v2",
				"amount_in": "1", "slippage_bps": "100",
			}},
		},
	}

	requests, err := compiler.Compile(context.Background(), "1", "0x00000000000000000000000000000000000000dd", plan)
	if err != nil {
		t.Fatalf("编译失败: %v", err)
	}

	parsed, err := abi.JSON(strings.NewReader(routerABIJSON))
	if err != nil {
		t.Fatalf("解析 ABI 失败: %v", err)
	}
	selector := hexEncode(parsed.Methods["swapExactTokensForETH"].ID)
	if !strings.HasPrefix(requests[0].Candidate.Data, selector) {
		t.Fatalf("期望 swapExactTokensForETH 选择子 %s,实际数据 %s", selector, requests[0].Candidate.Data[:10])
	}
}

func TestCompileRejectsUnknownToken(t *testing.T) {
	compiler := NewCompiler(testAllowlist(), &fakeChainClient{})
	plan := &artifact.TxPlan{
		Type: artifact.PlanTypePlan,
		Actions: []artifact.TxAction{
			{Type: artifact.ActionApprove, Params: map[string]string{
				"token": "SCAM", "spender": "uniswap_v2", "amount": "1",
			}},
		},
	}
	if _, err := compiler.Compile(context.Background(), "1", "0xdd", plan); err == nil {
		t.Fatal("未在白名单中的代币应当编译失败")
	}
}

package defi

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"strconv"
	"strings"
	"time"

	"IntentGuard-Chain/internal/artifact"
	"IntentGuard-Chain/internal/chain"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

const routerABIJSON = `[
  {"name":"getAmountsOut","type":"function","stateMutability":"view","inputs":[{"name":"amountIn","type":"uint256"},{"name":"path","type":"address[]"}],"outputs":[{"name":"amounts","type":"uint256[]"}]},
  {"name":"swapExactTokensForTokens","type":"function","stateMutability":"nonpayable","inputs":[{"name":"amountIn","type":"uint256"},{"name":"amountOutMin","type":"uint256"},{"name":"path","type":"address[]"},{"name":"to","type":"address"},{"name":"deadline","type":"uint256"}],"outputs":[{"name":"amounts","type":"uint256[]"}]},
  {"name":"swapExactTokensForETH","type":"function","stateMutability":"nonpayable","inputs":[{"name":"amountIn","type":"uint256"},{"name":"amountOutMin","type":"uint256"},{"name":"path","type":"address[]"},{"name":"to","type":"address"},{"name":"deadline","type":"uint256"}],"outputs":[{"name":"amounts","type":"uint256[]"}]}
]`

const erc20ApproveABIJSON = `[
  {"name":"approve","type":"function","stateMutability":"nonpayable","inputs":[{"name":"spender","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]}
]`

// maxUint256 为 2^256-1,任何达到该值的金额都被视为不可校验。
var maxUint256 = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))

var nativeSymbols = map[string]struct{}{"eth": {}, "matic": {}}

// Compiler 将计划动作编译为 Uniswap V2 系列的未签名交易请求。
// 任何无法解析的符号、非正金额或无法解码的报价都会直接报错,
// 编译器绝不输出数值意图未经核实的交易。
type Compiler struct {
	allow  *Allowlist
	client chain.Client
	now    func() time.Time
}

// CompilerOption 调整编译器行为。
type CompilerOption func(*Compiler)

// WithNow 覆盖时间来源,主要用于测试 deadline 计算。
func WithNow(now func() time.Time) CompilerOption {
	return func(c *Compiler) { c.now = now }
}

// NewCompiler 构造参考编译器。
func NewCompiler(allow *Allowlist, client chain.Client, opts ...CompilerOption) *Compiler {
	c := &Compiler{allow: allow, client: client, now: time.Now}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Compile 按计划中的动作顺序生成交易请求。请求 ID 形如 approve-1、
// swap-2,序号为动作在计划中的位置(从 1 开始)。
func (c *Compiler) Compile(ctx context.Context, chainID, wallet string, plan *artifact.TxPlan) ([]artifact.TxRequest, error) {
	if plan == nil || plan.IsNoop() {
		return nil, nil
	}

	requests := make([]artifact.TxRequest, 0, len(plan.Actions))
	for i, action := range plan.Actions {
		seq := i + 1
		switch action.Type {
		case artifact.ActionApprove:
			req, err := c.compileApprove(chainID, seq, action.Params)
			if err != nil {
				return nil, err
			}
			requests = append(requests, req)
		case artifact.ActionSwap:
			req, err := c.compileSwap(ctx, chainID, wallet, seq, action.Params)
			if err != nil {
				return nil, err
			}
			requests = append(requests, req)
		case artifact.ActionTransfer:
			req, err := c.compileTransfer(chainID, seq, action.Params)
			if err != nil {
				return nil, err
			}
			requests = append(requests, req)
		default:
			return nil, fmt.Errorf("暂不支持的动作类型: %s", action.Type)
		}
	}
	return requests, nil
}

func (c *Compiler) compileApprove(chainID string, seq int, params map[string]string) (artifact.TxRequest, error) {
	tokenSym := params["token"]
	routerKey := params["spender"]
	amountStr := params["amount"]

	token, ok := c.allow.Token(chainID, tokenSym)
	if !ok {
		return artifact.TxRequest{}, fmt.Errorf("代币 %s 不在链 %s 的白名单中", tokenSym, chainID)
	}
	router, ok := c.allow.Router(chainID, routerKey)
	if !ok {
		return artifact.TxRequest{}, fmt.Errorf("路由 %s 不在链 %s 的白名单中", routerKey, chainID)
	}

	amount, err := ToBaseUnits(amountStr, token.Decimals)
	if err != nil {
		return artifact.TxRequest{}, fmt.Errorf("授权金额非法: %w", err)
	}

	parsed, err := abi.JSON(strings.NewReader(erc20ApproveABIJSON))
	if err != nil {
		return artifact.TxRequest{}, fmt.Errorf("解析 approve ABI 失败: %w", err)
	}
	data, err := parsed.Pack("approve", common.HexToAddress(router.Address), amount)
	if err != nil {
		return artifact.TxRequest{}, fmt.Errorf("编码 approve 调用失败: %w", err)
	}

	return artifact.TxRequest{
		ID: fmt.Sprintf("approve-%d", seq),
		Candidate: artifact.TxCandidate{
			ChainID:  chainID,
			To:       token.Address,
			Data:     hexEncode(data),
			ValueWei: "0",
			Meta: map[string]string{
				"kind":            artifact.ActionApprove,
				"token":           token.Address,
				"tokenSymbol":     strings.ToUpper(tokenSym),
				"spender":         router.Address,
				"routerKey":       strings.ToLower(routerKey),
				"amountBaseUnits": amount.String(),
			},
		},
	}, nil
}

func (c *Compiler) compileSwap(ctx context.Context, chainID, wallet string, seq int, params map[string]string) (artifact.TxRequest, error) {
	tokenInSym := params["token_in"]
	tokenOutSym := params["token_out"]
	routerKey := params["router"]
	amountStr := params["amount_in"]
	slippageStr := params["slippage_bps"]

	tokenIn, ok := c.allow.Token(chainID, tokenInSym)
	if !ok {
		return artifact.TxRequest{}, fmt.Errorf("代币 %s 不在链 %s 的白名单中", tokenInSym, chainID)
	}
	router, ok := c.allow.Router(chainID, routerKey)
	if !ok {
		return artifact.TxRequest{}, fmt.Errorf("路由 %s 不在链 %s 的白名单中", routerKey, chainID)
	}

	_, nativeOut := nativeSymbols[strings.ToLower(tokenOutSym)]
	var tokenOut TokenInfo
	if nativeOut {
		tokenOut, ok = c.allow.WrappedNative(chainID)
		if !ok {
			return artifact.TxRequest{}, fmt.Errorf("链 %s 未配置包装原生代币", chainID)
		}
	} else {
		tokenOut, ok = c.allow.Token(chainID, tokenOutSym)
		if !ok {
			return artifact.TxRequest{}, fmt.Errorf("代币 %s 不在链 %s 的白名单中", tokenOutSym, chainID)
		}
	}

	amountIn, err := ToBaseUnits(amountStr, tokenIn.Decimals)
	if err != nil {
		return artifact.TxRequest{}, fmt.Errorf("兑换金额非法: %w", err)
	}

	slippageBps, err := strconv.Atoi(strings.TrimSpace(slippageStr))
	if err != nil || slippageBps < 0 || slippageBps >= 10000 {
		return artifact.TxRequest{}, fmt.Errorf("滑点参数非法: %q", slippageStr)
	}

	parsed, err := abi.JSON(strings.NewReader(routerABIJSON))
	if err != nil {
		return artifact.TxRequest{}, fmt.Errorf("解析路由 ABI 失败: %w", err)
	}

	path := []common.Address{common.HexToAddress(tokenIn.Address), common.HexToAddress(tokenOut.Address)}
	amountOut, err := c.quoteAmountOut(ctx, chainID, parsed, router.Address, amountIn, path)
	if err != nil {
		return artifact.TxRequest{}, err
	}

	// minOut = floor(amountOut * (10000 - slippageBps) / 10000)
	minOut := new(big.Int).Mul(amountOut, big.NewInt(int64(10000-slippageBps)))
	minOut.Div(minOut, big.NewInt(10000))

	deadline := big.NewInt(c.now().Unix() + c.allow.DeadlineSeconds)

	method := "swapExactTokensForTokens"
	if nativeOut {
		method = "swapExactTokensForETH"
	}
	data, err := parsed.Pack(method, amountIn, minOut, path, common.HexToAddress(wallet), deadline)
	if err != nil {
		return artifact.TxRequest{}, fmt.Errorf("编码 %s 调用失败: %w", method, err)
	}

	return artifact.TxRequest{
		ID: fmt.Sprintf("swap-%d", seq),
		Candidate: artifact.TxCandidate{
			ChainID:  chainID,
			To:       router.Address,
			Data:     hexEncode(data),
			ValueWei: "0",
			Meta: map[string]string{
				"kind":            artifact.ActionSwap,
				"tokenIn":         tokenIn.Address,
				"tokenOut":        tokenOut.Address,
				"tokenInSymbol":   strings.ToUpper(tokenInSym),
				"tokenOutSymbol":  strings.ToUpper(tokenOutSym),
				"routerKey":       strings.ToLower(routerKey),
				"amountBaseUnits": amountIn.String(),
				"minOut":          minOut.String(),
				"slippageBps":     strconv.Itoa(slippageBps),
				"deadline":        deadline.String(),
			},
		},
	}, nil
}

func (c *Compiler) compileTransfer(chainID string, seq int, params map[string]string) (artifact.TxRequest, error) {
	recipient := strings.TrimSpace(params["to"])
	if !common.IsHexAddress(recipient) {
		return artifact.TxRequest{}, fmt.Errorf("转账地址非法: %q", recipient)
	}

	amountWei, err := ToBaseUnits(params["amount"], 18)
	if err != nil {
		return artifact.TxRequest{}, fmt.Errorf("转账金额非法: %w", err)
	}

	return artifact.TxRequest{
		ID: fmt.Sprintf("transfer-%d", seq),
		Candidate: artifact.TxCandidate{
			ChainID:  chainID,
			To:       recipient,
			Data:     "0x",
			ValueWei: amountWei.String(),
			Meta: map[string]string{
				"kind":            artifact.ActionTransfer,
				"amountBaseUnits": amountWei.String(),
			},
		},
	}, nil
}

func (c *Compiler) quoteAmountOut(ctx context.Context, chainID string, parsed abi.ABI, routerAddr string, amountIn *big.Int, path []common.Address) (*big.Int, error) {
	data, err := parsed.Pack("getAmountsOut", amountIn, path)
	if err != nil {
		return nil, fmt.Errorf("编码 getAmountsOut 调用失败: %w", err)
	}

	raw, err := c.client.Call(ctx, chainID, chain.CallMsg{To: routerAddr, Data: data})
	if err != nil {
		return nil, fmt.Errorf("查询兑换报价失败: %w", err)
	}

	out, err := parsed.Unpack("getAmountsOut", raw)
	if err != nil {
		return nil, fmt.Errorf("解码兑换报价失败: %w", err)
	}
	if len(out) == 0 {
		return nil, errors.New("兑换报价为空")
	}
	amounts, ok := out[0].([]*big.Int)
	if !ok || len(amounts) == 0 {
		return nil, errors.New("兑换报价形状异常")
	}

	last := amounts[len(amounts)-1]
	if last == nil || last.Sign() <= 0 {
		return nil, errors.New("兑换报价输出为零")
	}
	return last, nil
}

// ToBaseUnits 将十进制金额字符串转换为基础单位整数,多余的小数位向下
// 截断。非正金额或达到 uint256 上限的金额视为非法。
func ToBaseUnits(amount string, decimals int) (*big.Int, error) {
	amount = strings.TrimSpace(amount)
	if amount == "" {
		return nil, errors.New("金额为空")
	}
	if strings.HasPrefix(amount, "-") {
		return nil, fmt.Errorf("金额不能为负: %s", amount)
	}

	intPart := amount
	fracPart := ""
	if idx := strings.IndexByte(amount, '.'); idx >= 0 {
		intPart, fracPart = amount[:idx], amount[idx+1:]
	}
	if intPart == "" {
		intPart = "0"
	}
	if len(fracPart) > decimals {
		fracPart = fracPart[:decimals]
	}
	fracPart += strings.Repeat("0", decimals-len(fracPart))

	digits := intPart + fracPart
	value, ok := new(big.Int).SetString(digits, 10)
	if !ok {
		return nil, fmt.Errorf("金额格式非法: %s", amount)
	}
	if value.Sign() <= 0 {
		return nil, fmt.Errorf("金额必须为正: %s", amount)
	}
	if value.Cmp(maxUint256) >= 0 {
		return nil, fmt.Errorf("金额超出 uint256 上限: %s", amount)
	}
	return value, nil
}

func hexEncode(data []byte) string {
	return "0x" + hex.EncodeToString(data)
}

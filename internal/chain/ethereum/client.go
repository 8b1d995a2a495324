// Package ethereum 基于 go-ethereum 实现 chain.Client,为多条 EVM 链提供
// 只读访问能力。客户端按链 ID 懒加载并缓存底层连接。
package ethereum

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"IntentGuard-Chain/internal/artifact"
	"IntentGuard-Chain/internal/chain"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	gethrpc "github.com/ethereum/go-ethereum/rpc"
)

const erc20ABIJSON = `[
  {"name":"balanceOf","type":"function","stateMutability":"view","inputs":[{"name":"owner","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
  {"name":"decimals","type":"function","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint8"}]},
  {"name":"symbol","type":"function","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"string"}]},
  {"name":"allowance","type":"function","stateMutability":"view","inputs":[{"name":"owner","type":"address"},{"name":"spender","type":"address"}],"outputs":[{"name":"","type":"uint256"}]}
]`

// Client 按链 ID 管理一组 ethclient 连接。
type Client struct {
	endpoints map[string]string
	erc20     abi.ABI

	mu    sync.Mutex
	conns map[string]*conn
}

type conn struct {
	rpc *gethrpc.Client
	eth *ethclient.Client
}

// NewClient 根据链 ID 到 RPC 地址的映射构造客户端,连接按需建立。
func NewClient(endpoints map[string]string) (*Client, error) {
	if len(endpoints) == 0 {
		return nil, errors.New("未配置任何链的 RPC 地址")
	}
	parsed, err := abi.JSON(strings.NewReader(erc20ABIJSON))
	if err != nil {
		return nil, fmt.Errorf("解析 ERC-20 ABI 失败: %w", err)
	}

	normalized := make(map[string]string, len(endpoints))
	for id, url := range endpoints {
		if strings.TrimSpace(url) == "" {
			continue
		}
		normalized[strings.TrimSpace(id)] = strings.TrimSpace(url)
	}

	return &Client{
		endpoints: normalized,
		erc20:     parsed,
		conns:     make(map[string]*conn),
	}, nil
}

var _ chain.Client = (*Client)(nil)

func (c *Client) dial(ctx context.Context, chainID string) (*conn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if cn, ok := c.conns[chainID]; ok {
		return cn, nil
	}

	url, ok := c.endpoints[chainID]
	if !ok {
		return nil, fmt.Errorf("链 %s 未配置 RPC 地址", chainID)
	}

	rpcClient, err := gethrpc.DialContext(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("连接链 %s 节点失败: %w", chainID, err)
	}

	cn := &conn{rpc: rpcClient, eth: ethclient.NewClient(rpcClient)}
	c.conns[chainID] = cn
	return cn, nil
}

// Close 释放所有已建立的节点连接。
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for id, cn := range c.conns {
		cn.rpc.Close()
		delete(c.conns, id)
	}
}

// NativeBalance 查询原生代币余额。
func (c *Client) NativeBalance(ctx context.Context, chainID, address string) (*big.Int, error) {
	cn, err := c.dial(ctx, chainID)
	if err != nil {
		return nil, err
	}
	balance, err := cn.eth.BalanceAt(ctx, common.HexToAddress(address), nil)
	if err != nil {
		return nil, fmt.Errorf("查询余额失败: %w", err)
	}
	return balance, nil
}

// TokenBalance 查询 ERC-20 余额,返回基础单位。
func (c *Client) TokenBalance(ctx context.Context, chainID, token, owner string) (*big.Int, error) {
	out, err := c.callERC20(ctx, chainID, token, "balanceOf", common.HexToAddress(owner))
	if err != nil {
		return nil, err
	}
	balance, ok := out[0].(*big.Int)
	if !ok {
		return nil, errors.New("balanceOf 返回值类型异常")
	}
	return balance, nil
}

// TokenDecimals 查询 ERC-20 小数位数。
func (c *Client) TokenDecimals(ctx context.Context, chainID, token string) (uint8, error) {
	out, err := c.callERC20(ctx, chainID, token, "decimals")
	if err != nil {
		return 0, err
	}
	decimals, ok := out[0].(uint8)
	if !ok {
		return 0, errors.New("decimals 返回值类型异常")
	}
	return decimals, nil
}

// TokenSymbol 查询 ERC-20 符号。
func (c *Client) TokenSymbol(ctx context.Context, chainID, token string) (string, error) {
	out, err := c.callERC20(ctx, chainID, token, "symbol")
	if err != nil {
		return "", err
	}
	symbol, ok := out[0].(string)
	if !ok {
		return "", errors.New("symbol 返回值类型异常")
	}
	return symbol, nil
}

// Allowance 查询 owner 授权给 spender 的额度。
func (c *Client) Allowance(ctx context.Context, chainID, token, owner, spender string) (*big.Int, error) {
	out, err := c.callERC20(ctx, chainID, token, "allowance",
		common.HexToAddress(owner), common.HexToAddress(spender))
	if err != nil {
		return nil, err
	}
	allowance, ok := out[0].(*big.Int)
	if !ok {
		return nil, errors.New("allowance 返回值类型异常")
	}
	return allowance, nil
}

func (c *Client) callERC20(ctx context.Context, chainID, token, method string, args ...any) ([]any, error) {
	data, err := c.erc20.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("编码 %s 调用失败: %w", method, err)
	}
	raw, err := c.Call(ctx, chainID, chain.CallMsg{To: token, Data: data})
	if err != nil {
		return nil, err
	}
	out, err := c.erc20.Unpack(method, raw)
	if err != nil {
		return nil, fmt.Errorf("解码 %s 返回值失败: %w", method, err)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%s 未返回任何数据", method)
	}
	return out, nil
}

// Call 执行一次只读合约调用。
func (c *Client) Call(ctx context.Context, chainID string, msg chain.CallMsg) ([]byte, error) {
	cn, err := c.dial(ctx, chainID)
	if err != nil {
		return nil, err
	}
	raw, err := cn.eth.CallContract(ctx, toGethCallMsg(msg), nil)
	if err != nil {
		return nil, fmt.Errorf("eth_call 失败: %w", err)
	}
	return raw, nil
}

// EstimateGas 估算一笔交易的 gas 用量。
func (c *Client) EstimateGas(ctx context.Context, chainID string, msg chain.CallMsg) (uint64, error) {
	cn, err := c.dial(ctx, chainID)
	if err != nil {
		return 0, err
	}
	gas, err := cn.eth.EstimateGas(ctx, toGethCallMsg(msg))
	if err != nil {
		return 0, fmt.Errorf("估算 gas 失败: %w", err)
	}
	return gas, nil
}

// FeeQuote 生成费用报价。链头没有 baseFee 时退回传统 gasPrice;
// 否则 maxFee = baseFee + 2*tip,tip 优先取节点建议的小费,
// 不可用时退回 gasPrice-baseFee。
func (c *Client) FeeQuote(ctx context.Context, chainID string) (*artifact.FeeQuote, error) {
	cn, err := c.dial(ctx, chainID)
	if err != nil {
		return nil, err
	}

	header, err := cn.eth.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("获取链头失败: %w", err)
	}

	if header.BaseFee == nil {
		gasPrice, err := cn.eth.SuggestGasPrice(ctx)
		if err != nil {
			return nil, fmt.Errorf("获取 gasPrice 失败: %w", err)
		}
		return &artifact.FeeQuote{Type: artifact.FeeLegacy, GasPriceWei: gasPrice.String()}, nil
	}

	tip, tipErr := cn.eth.SuggestGasTipCap(ctx)
	if tipErr != nil || tip == nil || tip.Sign() <= 0 {
		gasPrice, err := cn.eth.SuggestGasPrice(ctx)
		if err != nil {
			return nil, fmt.Errorf("获取 gasPrice 失败: %w", err)
		}
		tip = new(big.Int).Sub(gasPrice, header.BaseFee)
		if tip.Sign() < 0 {
			tip = big.NewInt(0)
		}
	}

	maxFee := new(big.Int).Add(header.BaseFee, new(big.Int).Mul(tip, big.NewInt(2)))
	return &artifact.FeeQuote{
		Type:                 artifact.FeeEIP1559,
		MaxFeePerGasWei:      maxFee.String(),
		MaxPriorityFeePerGas: tip.String(),
	}, nil
}

// TransactionReceipt 查询交易回执,未上链时返回 ethereum.NotFound。
func (c *Client) TransactionReceipt(ctx context.Context, chainID, txHash string) (*chain.ReceiptSummary, error) {
	cn, err := c.dial(ctx, chainID)
	if err != nil {
		return nil, err
	}

	receipt, err := cn.eth.TransactionReceipt(ctx, common.HexToHash(txHash))
	if err != nil {
		if errors.Is(err, gethcore.NotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("查询交易回执失败: %w", err)
	}

	summary := &chain.ReceiptSummary{
		TxHash:  receipt.TxHash.Hex(),
		Status:  receipt.Status,
		GasUsed: receipt.GasUsed,
	}
	if receipt.BlockNumber != nil {
		summary.BlockNumber = receipt.BlockNumber.Uint64()
	}
	return summary, nil
}

func toGethCallMsg(msg chain.CallMsg) gethcore.CallMsg {
	out := gethcore.CallMsg{
		From:  common.HexToAddress(msg.From),
		Data:  msg.Data,
		Value: msg.Value,
	}
	if msg.To != "" {
		to := common.HexToAddress(msg.To)
		out.To = &to
	}
	return out
}

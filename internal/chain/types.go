package chain

import (
	"context"
	"math/big"

	"IntentGuard-Chain/internal/artifact"
)

// CallMsg is a read-only contract call request.
type CallMsg struct {
	From  string
	To    string
	Data  []byte
	Value *big.Int
}

// ReceiptSummary is the subset of a transaction receipt the run lifecycle
// needs to classify an on-chain outcome.
type ReceiptSummary struct {
	TxHash      string
	Status      uint64
	BlockNumber uint64
	GasUsed     uint64
}

// Succeeded reports whether the receipt records a successful execution.
func (r *ReceiptSummary) Succeeded() bool {
	return r != nil && r.Status == 1
}

// Client defines the read-only chain access the pipeline depends on. All
// methods take the chain id so one client can serve runs on several
// networks. Implementations never sign or broadcast.
type Client interface {
	NativeBalance(ctx context.Context, chainID, address string) (*big.Int, error)
	TokenBalance(ctx context.Context, chainID, token, owner string) (*big.Int, error)
	TokenDecimals(ctx context.Context, chainID, token string) (uint8, error)
	TokenSymbol(ctx context.Context, chainID, token string) (string, error)
	Allowance(ctx context.Context, chainID, token, owner, spender string) (*big.Int, error)
	Call(ctx context.Context, chainID string, msg CallMsg) ([]byte, error)
	EstimateGas(ctx context.Context, chainID string, msg CallMsg) (uint64, error)
	FeeQuote(ctx context.Context, chainID string) (*artifact.FeeQuote, error)
	TransactionReceipt(ctx context.Context, chainID, txHash string) (*ReceiptSummary, error)
	Close()
}

// Package transfer constructs, signs, submits, and confirms native and
// ERC-20 transfers from the funding wallet.
package transfer

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"

	"github.com/faucetlabs/drip/pkg/metrics"
	"github.com/faucetlabs/drip/pkg/rpc"
)

var (
	// ErrInvalidRecipient means the recipient is not a syntactically
	// valid address. User-facing, never retried.
	ErrInvalidRecipient = errors.New("invalid recipient address")

	// ErrMissingTokenAddress means a non-native transfer was requested
	// without a usable token contract address.
	ErrMissingTokenAddress = errors.New("token address must be provided for non-native transfers")

	// ErrTransactionReverted means the transaction confirmed with a
	// non-success status. Surfaced, never swallowed.
	ErrTransactionReverted = errors.New("transaction reverted")
)

// nativeTransferGas is the fixed gas cost of a plain value transfer.
const nativeTransferGas = 21000

const defaultReceiptPollInterval = 2 * time.Second

const erc20TransferABI = `[{"name":"transfer","type":"function","inputs":[{"name":"to","type":"address"},{"name":"value","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]}]`

var erc20ABI = func() abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(erc20TransferABI))
	if err != nil {
		panic(fmt.Sprintf("invalid erc20 abi: %v", err))
	}
	return parsed
}()

// Error carries the full context of a failed transfer for diagnostic
// reporting to the notifier.
type Error struct {
	Recipient string
	Token     string
	Amount    *uint256.Int
	Err       error
}

func (e *Error) Error() string {
	return fmt.Sprintf("transfer of %s to %s (token %q) failed: %v", e.Amount, e.Recipient, e.Token, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Request describes one transfer. NetworkID is carried for logging and
// metrics only; the connection determines the actual chain.
type Request struct {
	NetworkID string
	To        string
	Value     *uint256.Int
	Native    bool
	Token     string
}

// Result is a fully confirmed transfer. Never partially populated: a
// pending transaction never escapes this package.
type Result struct {
	Status string `json:"status"`
	TxHash string `json:"txHash"`
	From   string `json:"from"`
	To     string `json:"to"`
	Value  string `json:"value"`
}

const StatusSuccess = "success"

type Config struct {
	Logger *slog.Logger

	// Key is the funding wallet private key, 64 hex digits with an
	// optional 0x prefix. Parsed once; held in memory only.
	Key string

	ReceiptPollInterval time.Duration
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Key == "" {
		return errors.New("funding key is required")
	}
	if cfg.ReceiptPollInterval <= 0 {
		cfg.ReceiptPollInterval = defaultReceiptPollInterval
	}
	return nil
}

type Engine struct {
	log  *slog.Logger
	cfg  Config
	key  *ecdsa.PrivateKey
	from common.Address
}

func New(cfg Config) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	key, err := crypto.HexToECDSA(strings.TrimPrefix(cfg.Key, "0x"))
	if err != nil {
		return nil, fmt.Errorf("failed to parse funding key: %w", err)
	}
	cfg.Key = "" // keep the raw hex out of the retained config
	return &Engine{
		log:  cfg.Logger,
		cfg:  cfg,
		key:  key,
		from: crypto.PubkeyToAddress(key.PublicKey),
	}, nil
}

// From returns the funding wallet address.
func (e *Engine) From() common.Address { return e.from }

// Send builds, signs, and submits the transfer, then waits for one
// confirmation. There is no internal timeout beyond the connection's
// own: callers impose any outer deadline via ctx, accepting that a
// client-side cancellation cannot recall a transaction that may still
// land on-chain.
func (e *Engine) Send(ctx context.Context, conn rpc.Conn, req Request) (*Result, error) {
	if !common.IsHexAddress(req.To) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidRecipient, req.To)
	}
	recipient := common.HexToAddress(req.To)

	start := time.Now()
	result, err := e.send(ctx, conn, recipient, req)
	if err != nil {
		metrics.TransfersTotal.WithLabelValues(req.NetworkID, "failed").Inc()
		return nil, &Error{Recipient: req.To, Token: req.Token, Amount: req.Value, Err: err}
	}
	metrics.TransfersTotal.WithLabelValues(req.NetworkID, "success").Inc()
	metrics.TransferDuration.WithLabelValues(req.NetworkID).Observe(time.Since(start).Seconds())
	return result, nil
}

func (e *Engine) send(ctx context.Context, conn rpc.Conn, recipient common.Address, req Request) (*Result, error) {
	chainID, err := conn.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get chain id: %w", err)
	}
	nonce, err := conn.PendingNonceAt(ctx, e.from)
	if err != nil {
		return nil, fmt.Errorf("failed to get nonce: %w", err)
	}
	gasPrice, err := conn.SuggestGasPrice(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get gas price: %w", err)
	}

	txData := &types.LegacyTx{
		Nonce:    nonce,
		GasPrice: gasPrice,
	}

	if req.Native {
		txData.To = &recipient
		txData.Value = req.Value.ToBig()
		txData.Gas = nativeTransferGas
	} else {
		if req.Token == "" {
			return nil, ErrMissingTokenAddress
		}
		if !common.IsHexAddress(req.Token) {
			return nil, fmt.Errorf("%w: %q is not a contract address", ErrMissingTokenAddress, req.Token)
		}
		token := common.HexToAddress(req.Token)

		calldata, err := erc20ABI.Pack("transfer", recipient, req.Value.ToBig())
		if err != nil {
			return nil, fmt.Errorf("failed to pack transfer call: %w", err)
		}
		gas, err := conn.EstimateGas(ctx, ethereum.CallMsg{From: e.from, To: &token, Data: calldata})
		if err != nil {
			return nil, fmt.Errorf("failed to estimate gas: %w", err)
		}
		txData.To = &token
		txData.Data = calldata
		txData.Gas = gas
	}

	signed, err := types.SignNewTx(e.key, types.LatestSignerForChainID(chainID), txData)
	if err != nil {
		return nil, fmt.Errorf("failed to sign transaction: %w", err)
	}

	if err := conn.SendTransaction(ctx, signed); err != nil {
		return nil, fmt.Errorf("failed to submit transaction: %w", err)
	}

	e.log.Info("transfer: submitted, waiting for confirmation",
		"network", req.NetworkID, "tx", signed.Hash(), "to", req.To, "native", req.Native)

	receipt, err := e.waitMined(ctx, conn, signed.Hash())
	if err != nil {
		return nil, err
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return nil, fmt.Errorf("%w: tx %s", ErrTransactionReverted, signed.Hash())
	}

	return &Result{
		Status: StatusSuccess,
		TxHash: signed.Hash().Hex(),
		From:   e.from.Hex(),
		To:     req.To,
		Value:  req.Value.Dec(),
	}, nil
}

// waitMined polls for the receipt until the transaction is included in a
// block, the single completion signal used here.
func (e *Engine) waitMined(ctx context.Context, conn rpc.Conn, hash common.Hash) (*types.Receipt, error) {
	ticker := time.NewTicker(e.cfg.ReceiptPollInterval)
	defer ticker.Stop()

	for {
		receipt, err := conn.TransactionReceipt(ctx, hash)
		if err != nil && !errors.Is(err, ethereum.NotFound) {
			return nil, fmt.Errorf("failed to get receipt for tx %s: %w", hash, err)
		}
		// Some endpoints answer a pending tx with a nil receipt and no
		// error; both mean not mined yet.
		if receipt != nil {
			return receipt, nil
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("confirmation wait for tx %s: %w", hash, ctx.Err())
		case <-ticker.C:
		}
	}
}

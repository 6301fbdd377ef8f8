package transfer

import (
	"context"
	"encoding/hex"
	"errors"
	"math/big"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"

	driptesting "github.com/faucetlabs/drip/utils/pkg/testing"
)

// Well-known local development key (anvil account 0).
const testKey = "ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"

const testFrom = "0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266"

type fakeConn struct {
	chainID *big.Int

	sent []*types.Transaction

	// receiptAfterPolls delays receipt availability to exercise the
	// confirmation wait. nilReceipt makes the pending polls answer
	// (nil, nil) instead of ethereum.NotFound.
	receiptAfterPolls int
	nilReceipt        bool
	receiptStatus     uint64
	polls             int

	sendErr     error
	estimateGas uint64
}

func newFakeConn() *fakeConn {
	return &fakeConn{chainID: big.NewInt(100), receiptStatus: types.ReceiptStatusSuccessful, estimateGas: 60000}
}

func (f *fakeConn) ChainID(ctx context.Context) (*big.Int, error) { return f.chainID, nil }
func (f *fakeConn) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	return 7, nil
}
func (f *fakeConn) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	return big.NewInt(1_000_000_000), nil
}
func (f *fakeConn) EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error) {
	return f.estimateGas, nil
}
func (f *fakeConn) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, tx)
	return nil
}
func (f *fakeConn) TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	f.polls++
	if f.polls <= f.receiptAfterPolls {
		if f.nilReceipt {
			return nil, nil
		}
		return nil, ethereum.NotFound
	}
	return &types.Receipt{Status: f.receiptStatus, TxHash: txHash}, nil
}
func (f *fakeConn) BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error) {
	return big.NewInt(0), nil
}
func (f *fakeConn) Close() {}

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	e, err := New(Config{
		Logger:              driptesting.NewLogger(),
		Key:                 testKey,
		ReceiptPollInterval: time.Millisecond,
	})
	require.NoError(t, err)
	return e
}

func TestEngine_New(t *testing.T) {
	t.Parallel()

	e := newTestEngine(t)
	require.Equal(t, common.HexToAddress(testFrom), e.From())

	_, err := New(Config{Logger: driptesting.NewLogger(), Key: "nothex"})
	require.Error(t, err)

	_, err = New(Config{Logger: driptesting.NewLogger()})
	require.Error(t, err)
}

func TestEngine_NativeTransfer(t *testing.T) {
	t.Parallel()

	e := newTestEngine(t)
	conn := newFakeConn()
	conn.receiptAfterPolls = 2

	recipient := "0x" + strings.Repeat("11", 20)
	result, err := e.Send(context.Background(), conn, Request{
		NetworkID: "100",
		To:        recipient,
		Value:     uint256.NewInt(1e18),
		Native:    true,
	})
	require.NoError(t, err)

	require.Len(t, conn.sent, 1)
	tx := conn.sent[0]
	require.Equal(t, common.HexToAddress(recipient), *tx.To())
	require.Equal(t, uint256.NewInt(1e18).ToBig(), tx.Value())
	require.Equal(t, uint64(21000), tx.Gas())
	require.Empty(t, tx.Data())

	require.Equal(t, StatusSuccess, result.Status)
	require.Equal(t, tx.Hash().Hex(), result.TxHash)
	require.Equal(t, testFrom, result.From)
	require.Equal(t, recipient, result.To)
	require.Equal(t, "1000000000000000000", result.Value)
}

func TestEngine_NilReceiptTreatedAsPending(t *testing.T) {
	t.Parallel()

	e := newTestEngine(t)
	conn := newFakeConn()
	conn.receiptAfterPolls = 2
	conn.nilReceipt = true

	result, err := e.Send(context.Background(), conn, Request{
		NetworkID: "100",
		To:        "0x" + strings.Repeat("11", 20),
		Value:     uint256.NewInt(1),
		Native:    true,
	})
	require.NoError(t, err)
	require.Equal(t, StatusSuccess, result.Status)
	require.Equal(t, 3, conn.polls)
}

func TestEngine_TokenTransfer(t *testing.T) {
	t.Parallel()

	e := newTestEngine(t)
	conn := newFakeConn()

	token := "0x" + strings.Repeat("22", 20)
	recipient := "0x" + strings.Repeat("11", 20)
	result, err := e.Send(context.Background(), conn, Request{
		NetworkID: "100",
		To:        recipient,
		Value:     uint256.NewInt(500),
		Native:    false,
		Token:     token,
	})
	require.NoError(t, err)
	require.Equal(t, StatusSuccess, result.Status)

	require.Len(t, conn.sent, 1)
	tx := conn.sent[0]
	// Token transfers call the contract, not the recipient.
	require.Equal(t, common.HexToAddress(token), *tx.To())
	require.Zero(t, tx.Value().Sign())
	require.Equal(t, uint64(60000), tx.Gas())

	// transfer(address,uint256) selector plus two padded words.
	data := tx.Data()
	require.Len(t, data, 4+32+32)
	require.Equal(t, "a9059cbb", hex.EncodeToString(data[:4]))
	require.Equal(t, common.HexToAddress(recipient), common.BytesToAddress(data[4:36]))
	require.Equal(t, uint256.NewInt(500).ToBig(), new(big.Int).SetBytes(data[36:68]))
}

func TestEngine_InvalidRecipient(t *testing.T) {
	t.Parallel()

	e := newTestEngine(t)
	conn := newFakeConn()

	_, err := e.Send(context.Background(), conn, Request{To: "alice", Value: uint256.NewInt(1), Native: true})
	require.ErrorIs(t, err, ErrInvalidRecipient)
	require.Empty(t, conn.sent)
}

func TestEngine_MissingTokenAddress(t *testing.T) {
	t.Parallel()

	e := newTestEngine(t)
	conn := newFakeConn()

	_, err := e.Send(context.Background(), conn, Request{
		To:    "0x" + strings.Repeat("11", 20),
		Value: uint256.NewInt(1),
	})
	require.ErrorIs(t, err, ErrMissingTokenAddress)
	require.Empty(t, conn.sent)
}

func TestEngine_RevertedTransaction(t *testing.T) {
	t.Parallel()

	e := newTestEngine(t)
	conn := newFakeConn()
	conn.receiptStatus = types.ReceiptStatusFailed

	_, err := e.Send(context.Background(), conn, Request{
		NetworkID: "100",
		To:        "0x" + strings.Repeat("11", 20),
		Value:     uint256.NewInt(1),
		Native:    true,
	})
	require.ErrorIs(t, err, ErrTransactionReverted)

	var terr *Error
	require.ErrorAs(t, err, &terr)
	require.Equal(t, uint256.NewInt(1), terr.Amount)
}

func TestEngine_SubmitFailureCarriesContext(t *testing.T) {
	t.Parallel()

	e := newTestEngine(t)
	conn := newFakeConn()
	conn.sendErr = errors.New("insufficient funds")

	recipient := "0x" + strings.Repeat("11", 20)
	_, err := e.Send(context.Background(), conn, Request{
		NetworkID: "100",
		To:        recipient,
		Value:     uint256.NewInt(42),
		Native:    true,
	})

	var terr *Error
	require.ErrorAs(t, err, &terr)
	require.Equal(t, recipient, terr.Recipient)
	require.Equal(t, uint256.NewInt(42), terr.Amount)
	require.ErrorContains(t, err, "insufficient funds")
}

func TestEngine_ConfirmationWaitHonorsContext(t *testing.T) {
	t.Parallel()

	e := newTestEngine(t)
	conn := newFakeConn()
	conn.receiptAfterPolls = 1 << 30 // never

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := e.Send(ctx, conn, Request{
		NetworkID: "100",
		To:        "0x" + strings.Repeat("11", 20),
		Value:     uint256.NewInt(1),
		Native:    true,
	})
	require.Error(t, err)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

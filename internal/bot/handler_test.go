package bot

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/holiman/uint256"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/faucetlabs/drip/pkg/config"
	"github.com/faucetlabs/drip/pkg/distribute"
	"github.com/faucetlabs/drip/pkg/ledger"
	"github.com/faucetlabs/drip/pkg/rpc"
	"github.com/faucetlabs/drip/pkg/transfer"
	driptesting "github.com/faucetlabs/drip/utils/pkg/testing"
)

type stubConn struct{}

func (stubConn) ChainID(context.Context) (*big.Int, error) { return big.NewInt(1337), nil }
func (stubConn) PendingNonceAt(context.Context, common.Address) (uint64, error) {
	return 0, nil
}
func (stubConn) SuggestGasPrice(context.Context) (*big.Int, error) { return big.NewInt(1), nil }
func (stubConn) EstimateGas(context.Context, ethereum.CallMsg) (uint64, error) {
	return 21000, nil
}
func (stubConn) SendTransaction(context.Context, *types.Transaction) error { return nil }
func (stubConn) TransactionReceipt(context.Context, common.Hash) (*types.Receipt, error) {
	return nil, ethereum.NotFound
}
func (stubConn) BalanceAt(context.Context, common.Address, *big.Int) (*big.Int, error) {
	return big.NewInt(0), nil
}
func (stubConn) Close() {}

type fakeSelector struct {
	networks []string
	err      error
}

func (s *fakeSelector) Select(_ context.Context, networkID string) (rpc.Conn, error) {
	s.networks = append(s.networks, networkID)
	if s.err != nil {
		return nil, s.err
	}
	return stubConn{}, nil
}

type fakeEngine struct {
	requests []transfer.Request
	err      error
}

func (e *fakeEngine) Send(_ context.Context, _ rpc.Conn, req transfer.Request) (*transfer.Result, error) {
	e.requests = append(e.requests, req)
	if e.err != nil {
		return nil, e.err
	}
	return &transfer.Result{
		Status: transfer.StatusSuccess,
		TxHash: "0xdeadbeef",
		To:     req.To,
		Value:  req.Value.Dec(),
	}, nil
}

type fakeNotifier struct {
	repo     RepoRef
	issue    int
	messages []string
}

func (n *fakeNotifier) Notify(_ context.Context, _ slog.Level, msg string) error {
	n.messages = append(n.messages, msg)
	return nil
}

type botHarness struct {
	handler  *Handler
	store    *ledger.MemStore
	selector *fakeSelector
	engine   *fakeEngine
	notifier *fakeNotifier
	settings *config.Settings
}

func newBotHarness(t *testing.T, blob []byte) *botHarness {
	t.Helper()

	h := &botHarness{
		store:    ledger.NewMemStoreWith(blob),
		selector: &fakeSelector{},
		engine:   &fakeEngine{},
		notifier: &fakeNotifier{},
		settings: &config.Settings{
			NetworkIDs:      []string{"1337"},
			NativeGasAmount: uint256.NewInt(1_000_000),
			ClaimCap:        3,
			RegisterURL:     "https://faucet.example.com/register",
		},
	}

	handler, err := NewHandler(HandlerConfig{
		Logger:   driptesting.NewLogger(),
		Settings: h.settings,
		Store:    h.store,
		Selector: h.selector,
		Engine:   h.engine,
		Clock:    clockwork.NewFakeClockAt(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)),
		Notifier: func(repo RepoRef, issue int) (distribute.Notifier, error) {
			h.notifier.repo = repo
			h.notifier.issue = issue
			return h.notifier, nil
		},
	})
	require.NoError(t, err)
	h.handler = handler
	return h
}

func seededBlob(t *testing.T) []byte {
	t.Helper()
	return []byte(`{
		"alice": {"claimed": 0, "lastClaim": null, "wallet": "0x70997970c51812dc3a010c7d01b50e0d17dc79c8"},
		"bob": {"claimed": 0, "lastClaim": null, "wallet": "0x3c44cdddb6a900fa2b585dd299e03d12fa4293bc"}
	}`)
}

func commentEvent(body, author string) CommentCreated {
	return CommentCreated{
		Repo:   RepoRef{Owner: "acme", Name: "config"},
		Issue:  42,
		Author: author,
		Body:   body,
	}
}

func TestDrip_Bot_Handler_FaucetCommand(t *testing.T) {
	t.Parallel()

	h := newBotHarness(t, seededBlob(t))
	ev := commentEvent("/faucet alice 1337 500 native", "alice")

	require.NoError(t, h.handler.Handle(context.Background(), ev))

	require.Len(t, h.engine.requests, 1)
	req := h.engine.requests[0]
	require.Equal(t, "1337", req.NetworkID)
	require.Equal(t, "0x70997970c51812dc3a010c7d01b50e0d17dc79c8", req.To)
	require.Equal(t, uint256.NewInt(500), req.Value)
	require.True(t, req.Native)

	require.Equal(t, RepoRef{Owner: "acme", Name: "config"}, h.notifier.repo)
	require.Equal(t, 42, h.notifier.issue)

	var blob map[string]ledger.Record
	require.NoError(t, json.Unmarshal(h.store.Blob(), &blob))
	require.Equal(t, 1, blob["alice"].Claimed)
	require.NotNil(t, blob["alice"].LastClaim)
}

func TestDrip_Bot_Handler_NonCommandCommentIgnored(t *testing.T) {
	t.Parallel()

	h := newBotHarness(t, seededBlob(t))
	ev := commentEvent("thanks, looks good to me", "alice")

	require.NoError(t, h.handler.Handle(context.Background(), ev))
	require.Empty(t, h.engine.requests)
	require.Empty(t, h.notifier.messages)
}

func TestDrip_Bot_Handler_InvalidCommandReported(t *testing.T) {
	t.Parallel()

	h := newBotHarness(t, seededBlob(t))
	ev := commentEvent("/faucet", "alice")

	err := h.handler.Handle(context.Background(), ev)
	require.Error(t, err)
	require.Empty(t, h.engine.requests)
	require.Len(t, h.notifier.messages, 1)
	require.Contains(t, h.notifier.messages[0], "Incorrect arguments")
}

func TestDrip_Bot_Handler_UnknownCommandReported(t *testing.T) {
	t.Parallel()

	h := newBotHarness(t, seededBlob(t))
	ev := commentEvent("/tip alice 100", "alice")

	err := h.handler.Handle(context.Background(), ev)
	require.Error(t, err)
	require.Empty(t, h.engine.requests)
	require.Len(t, h.notifier.messages, 1)
	require.Contains(t, h.notifier.messages[0], "Unknown command")
}

func TestDrip_Bot_Handler_RegisterCommand(t *testing.T) {
	t.Parallel()

	h := newBotHarness(t, []byte(`{}`))
	ev := commentEvent("/register", "dana")

	require.NoError(t, h.handler.Handle(context.Background(), ev))
	require.Empty(t, h.engine.requests)
	require.Len(t, h.notifier.messages, 1)
	require.Contains(t, h.notifier.messages[0], h.settings.RegisterURL)

	var blob map[string]ledger.Record
	require.NoError(t, json.Unmarshal(h.store.Blob(), &blob))
	require.Contains(t, blob, "dana")
}

func TestDrip_Bot_Handler_IssueClosedCompleted(t *testing.T) {
	t.Parallel()

	h := newBotHarness(t, seededBlob(t))
	ev := IssueClosed{
		Repo:        RepoRef{Owner: "acme", Name: "config"},
		Issue:       7,
		Author:      "carol",
		Assignees:   []string{"alice", "bob"},
		StateReason: "completed",
	}

	require.NoError(t, h.handler.Handle(context.Background(), ev))

	// alice and bob are registered and receive the gas subsidy; carol is
	// unregistered and is prompted instead.
	require.Len(t, h.engine.requests, 2)
	for _, req := range h.engine.requests {
		require.Equal(t, "1337", req.NetworkID)
		require.Equal(t, h.settings.NativeGasAmount, req.Value)
		require.True(t, req.Native)
	}
}

func TestDrip_Bot_Handler_IssueClosedNotCompleted(t *testing.T) {
	t.Parallel()

	h := newBotHarness(t, seededBlob(t))
	ev := IssueClosed{
		Repo:        RepoRef{Owner: "acme", Name: "config"},
		Issue:       7,
		Author:      "carol",
		Assignees:   []string{"alice"},
		StateReason: "not_planned",
	}

	require.NoError(t, h.handler.Handle(context.Background(), ev))
	require.Empty(t, h.engine.requests)
	require.Empty(t, h.notifier.messages)
}

func TestDrip_Bot_Handler_LedgerUnavailableFatal(t *testing.T) {
	t.Parallel()

	h := newBotHarness(t, seededBlob(t))
	h.store.FetchErr = errors.New("origin is down")
	ev := commentEvent("/faucet alice 1337 500 native", "alice")

	err := h.handler.Handle(context.Background(), ev)
	require.ErrorIs(t, err, ledger.ErrStorageUnavailable)
	require.Empty(t, h.engine.requests)
	require.Len(t, h.notifier.messages, 1)
	require.Contains(t, h.notifier.messages[0], "ledger is unavailable")
}

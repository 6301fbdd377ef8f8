package rpc

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/require"

	driptesting "github.com/faucetlabs/drip/utils/pkg/testing"
)

type fakeConn struct {
	url string
}

func (f *fakeConn) ChainID(ctx context.Context) (*big.Int, error) { return big.NewInt(1), nil }
func (f *fakeConn) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	return 0, nil
}
func (f *fakeConn) SuggestGasPrice(ctx context.Context) (*big.Int, error) { return big.NewInt(1), nil }
func (f *fakeConn) EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error) {
	return 21000, nil
}
func (f *fakeConn) SendTransaction(ctx context.Context, tx *types.Transaction) error { return nil }
func (f *fakeConn) TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	return nil, nil
}
func (f *fakeConn) BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error) {
	return big.NewInt(0), nil
}
func (f *fakeConn) Close() {}

func newTestSelector(t *testing.T, networks map[string][]string, latencies map[string]time.Duration, dead map[string]bool, dialFail map[string]bool) *Selector {
	t.Helper()
	s, err := NewSelector(Config{
		Logger:   driptesting.NewLogger(),
		Networks: networks,
		Probe: func(ctx context.Context, url string) (time.Duration, error) {
			if dead[url] {
				return 0, errors.New("probe timeout")
			}
			return latencies[url], nil
		},
		Dial: func(ctx context.Context, url string) (Conn, error) {
			if dialFail[url] {
				return nil, errors.New("dial refused")
			}
			return &fakeConn{url: url}, nil
		},
	})
	require.NoError(t, err)
	return s
}

func TestSelector_PicksFastestLiveCandidate(t *testing.T) {
	t.Parallel()

	s := newTestSelector(t,
		map[string][]string{"100": {"http>dead-50", "http>live-80", "http>live-30"}},
		map[string]time.Duration{"http>live-80": 80 * time.Millisecond, "http>live-30": 30 * time.Millisecond},
		map[string]bool{"http>dead-50": true},
		nil,
	)

	conn, err := s.Select(context.Background(), "100")
	require.NoError(t, err)
	require.Equal(t, "http>live-30", conn.(*fakeConn).url)
}

func TestSelector_FallsBackWhenFastestFailsToDial(t *testing.T) {
	t.Parallel()

	s := newTestSelector(t,
		map[string][]string{"100": {"http>dead-50", "http>live-80", "http>live-30"}},
		map[string]time.Duration{"http>live-80": 80 * time.Millisecond, "http>live-30": 30 * time.Millisecond},
		map[string]bool{"http>dead-50": true},
		map[string]bool{"http>live-30": true},
	)

	conn, err := s.Select(context.Background(), "100")
	require.NoError(t, err)
	require.Equal(t, "http>live-80", conn.(*fakeConn).url)
}

func TestSelector_AllProbesDead(t *testing.T) {
	t.Parallel()

	s := newTestSelector(t,
		map[string][]string{"100": {"a", "b"}},
		nil,
		map[string]bool{"a": true, "b": true},
		nil,
	)

	_, err := s.Select(context.Background(), "100")
	require.ErrorIs(t, err, ErrNoLiveEndpoint)
}

func TestSelector_AllDialsFail(t *testing.T) {
	t.Parallel()

	s := newTestSelector(t,
		map[string][]string{"100": {"a", "b"}},
		map[string]time.Duration{"a": time.Millisecond, "b": 2 * time.Millisecond},
		nil,
		map[string]bool{"a": true, "b": true},
	)

	_, err := s.Select(context.Background(), "100")
	require.ErrorIs(t, err, ErrNoLiveEndpoint)
}

func TestSelector_UnknownNetwork(t *testing.T) {
	t.Parallel()

	s := newTestSelector(t, map[string][]string{"100": {"a"}}, map[string]time.Duration{"a": time.Millisecond}, nil, nil)
	_, err := s.Select(context.Background(), "5")
	require.ErrorIs(t, err, ErrNoLiveEndpoint)
}

func TestSelector_LocalNetworkIDMapping(t *testing.T) {
	t.Parallel()

	// 31337 is the local development id; candidates are configured under
	// its chain-id equivalent.
	s := newTestSelector(t,
		map[string][]string{"1337": {"local"}},
		map[string]time.Duration{"local": time.Millisecond},
		nil,
		nil,
	)

	conn, err := s.Select(context.Background(), "31337")
	require.NoError(t, err)
	require.Equal(t, "local", conn.(*fakeConn).url)
}

func TestCanonicalNetworkID(t *testing.T) {
	t.Parallel()

	require.Equal(t, "1337", CanonicalNetworkID("31337"))
	require.Equal(t, "100", CanonicalNetworkID("100"))
}

// Package rpc selects a live RPC endpoint for a target network by
// probing the configured candidates and preferring the fastest.
package rpc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"golang.org/x/sync/errgroup"

	"github.com/faucetlabs/drip/pkg/metrics"
)

// ErrNoLiveEndpoint means every candidate for the network failed its
// probe or could not be dialed.
var ErrNoLiveEndpoint = errors.New("no live rpc endpoint")

// DefaultProbeTimeout bounds each individual liveness probe.
const DefaultProbeTimeout = time.Second

// Conn is the connection handle handed to the transfer engine.
// *ethclient.Client satisfies it.
type Conn interface {
	ChainID(ctx context.Context) (*big.Int, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	Close()
}

// Candidate is one probed endpoint.
type Candidate struct {
	URL     string
	Latency time.Duration
}

type Config struct {
	Logger *slog.Logger

	// Networks maps a network id to its candidate RPC URLs.
	Networks map[string][]string

	ProbeTimeout time.Duration

	// Probe measures one candidate's round-trip latency; Dial opens a
	// working connection, verifying it with a first call. Both default
	// to real eth client implementations and exist as seams for tests.
	Probe func(ctx context.Context, url string) (time.Duration, error)
	Dial  func(ctx context.Context, url string) (Conn, error)
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if len(cfg.Networks) == 0 {
		return errors.New("at least one network is required")
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = DefaultProbeTimeout
	}
	if cfg.Probe == nil {
		cfg.Probe = probeEndpoint
	}
	if cfg.Dial == nil {
		cfg.Dial = dialEndpoint
	}
	return nil
}

type Selector struct {
	log *slog.Logger
	cfg Config
}

func NewSelector(cfg Config) (*Selector, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Selector{log: cfg.Logger, cfg: cfg}, nil
}

// Select probes the network's candidates concurrently, orders the live
// ones fastest-first, and dials front-to-back until one connection
// works. Returns ErrNoLiveEndpoint when the list is exhausted. The
// caller owns the returned connection and must Close it.
func (s *Selector) Select(ctx context.Context, networkID string) (Conn, error) {
	networkID = CanonicalNetworkID(networkID)

	urls := s.cfg.Networks[networkID]
	if len(urls) == 0 {
		return nil, fmt.Errorf("%w: no candidates configured for network %s", ErrNoLiveEndpoint, networkID)
	}

	candidates := s.probeAll(ctx, networkID, urls)
	if len(candidates) == 0 {
		return nil, fmt.Errorf("%w: all %d candidates for network %s failed their probe",
			ErrNoLiveEndpoint, len(urls), networkID)
	}

	for _, candidate := range candidates {
		conn, err := s.cfg.Dial(ctx, candidate.URL)
		if err != nil {
			s.log.Warn("rpc: candidate failed after probe, trying next",
				"network", networkID, "url", candidate.URL, "error", err)
			continue
		}
		s.log.Debug("rpc: selected endpoint",
			"network", networkID, "url", candidate.URL, "latency", candidate.Latency)
		metrics.EndpointSelectedTotal.WithLabelValues(networkID).Inc()
		return conn, nil
	}

	return nil, fmt.Errorf("%w: all %d live candidates for network %s failed to dial",
		ErrNoLiveEndpoint, len(candidates), networkID)
}

// probeAll fans out one bounded probe per candidate and returns the live
// ones ordered ascending by latency. Probes are read-only and
// independent, so they run concurrently.
func (s *Selector) probeAll(ctx context.Context, networkID string, urls []string) []Candidate {
	var mu sync.Mutex
	candidates := make([]Candidate, 0, len(urls))

	g, gctx := errgroup.WithContext(ctx)
	for _, url := range urls {
		url := url
		g.Go(func() error {
			probeCtx, cancel := context.WithTimeout(gctx, s.cfg.ProbeTimeout)
			defer cancel()

			start := time.Now()
			latency, err := s.cfg.Probe(probeCtx, url)
			metrics.ProbeDuration.WithLabelValues(networkID).Observe(time.Since(start).Seconds())
			if err != nil {
				s.log.Debug("rpc: probe failed", "network", networkID, "url", url, "error", err)
				return nil // a dead candidate is not a group failure
			}

			mu.Lock()
			candidates = append(candidates, Candidate{URL: url, Latency: latency})
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].Latency < candidates[j].Latency
	})
	return candidates
}

// CanonicalNetworkID maps the local development network id to its
// chain-id equivalent before probing.
func CanonicalNetworkID(networkID string) string {
	if networkID == "31337" {
		return "1337"
	}
	return networkID
}

// probeEndpoint measures a dial plus eth_chainId round trip.
func probeEndpoint(ctx context.Context, url string) (time.Duration, error) {
	start := time.Now()
	client, err := ethclient.DialContext(ctx, url)
	if err != nil {
		return 0, err
	}
	defer client.Close()
	if _, err := client.ChainID(ctx); err != nil {
		return 0, err
	}
	return time.Since(start), nil
}

// dialEndpoint opens a client and verifies it with a first call, so a
// candidate that probes live but serves a broken client is discarded.
func dialEndpoint(ctx context.Context, url string) (Conn, error) {
	client, err := ethclient.DialContext(ctx, url)
	if err != nil {
		return nil, err
	}
	if _, err := client.ChainID(ctx); err != nil {
		client.Close()
		return nil, err
	}
	return client, nil
}

// Package distribute applies the claim ledger, endpoint selector, and
// transfer engine to a set of beneficiaries under a gating policy.
package distribute

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/faucetlabs/drip/pkg/command"
	"github.com/faucetlabs/drip/pkg/config"
	"github.com/faucetlabs/drip/pkg/ledger"
	"github.com/faucetlabs/drip/pkg/metrics"
	"github.com/faucetlabs/drip/pkg/rpc"
	"github.com/faucetlabs/drip/pkg/transfer"
)

// Selector yields a live connection for a network.
type Selector interface {
	Select(ctx context.Context, networkID string) (rpc.Conn, error)
}

// Engine performs one confirmed transfer.
type Engine interface {
	Send(ctx context.Context, conn rpc.Conn, req transfer.Request) (*transfer.Result, error)
}

// Resolver is the optional persistent-identity backend consulted when
// the flat ledger has no wallet for a beneficiary.
type Resolver interface {
	WalletByUser(ctx context.Context, identity string) (string, error)
	HasClaimedBefore(ctx context.Context, identity string) (bool, error)
}

// Notifier posts a human-readable message to the originating discussion
// thread. Notification failures never reverse a completed transfer.
type Notifier interface {
	Notify(ctx context.Context, level slog.Level, msg string) error
}

// SkipReason explains why a beneficiary was gated out of a round.
type SkipReason string

const (
	SkipUnregistered      SkipReason = "unregistered"
	SkipSufficientBalance SkipReason = "sufficient-balance"
	SkipCapReached        SkipReason = "cap-reached"
)

// Outcome is one beneficiary's result: a skip reason, a confirmed
// transfer, or the error that aborted that beneficiary.
type Outcome struct {
	Skipped SkipReason
	Result  *transfer.Result
	Err     error
}

// Policy gates a distribution round. Zero values disable a gate.
type Policy struct {
	// ClaimCap is the maximum number of prior successful claims.
	ClaimCap int
	// MinBalance skips beneficiaries whose balance already exceeds it.
	MinBalance *uint256.Int
}

// PolicyFromSettings derives the standard policy from faucet settings.
func PolicyFromSettings(s *config.Settings) Policy {
	return Policy{ClaimCap: s.ClaimCap, MinBalance: s.SubsidyThreshold}
}

type Config struct {
	Logger   *slog.Logger
	Ledger   *ledger.Ledger
	Selector Selector
	Engine   Engine
	Notifier Notifier
	Settings *config.Settings

	// Resolver is optional; when nil the flat ledger is the only wallet
	// and claim-history source.
	Resolver Resolver
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Ledger == nil {
		return errors.New("ledger is required")
	}
	if cfg.Selector == nil {
		return errors.New("selector is required")
	}
	if cfg.Engine == nil {
		return errors.New("engine is required")
	}
	if cfg.Notifier == nil {
		return errors.New("notifier is required")
	}
	if cfg.Settings == nil {
		return errors.New("settings are required")
	}
	return nil
}

// Orchestrator runs one distribution session. It owns the ledger for
// the session's duration; sessions never run concurrently over the same
// ledger.
type Orchestrator struct {
	log *slog.Logger
	cfg Config
}

func New(cfg Config) (*Orchestrator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Orchestrator{log: cfg.Logger, cfg: cfg}, nil
}

// Register creates an empty claim record for the identity and prompts
// the user to finalize registration. Re-registering is a no-op that
// reports "already registered". Returns whether a record was created.
func (o *Orchestrator) Register(ctx context.Context, identity string) (bool, error) {
	if _, ok := o.cfg.Ledger.Get(identity); ok {
		o.notify(ctx, slog.LevelInfo, fmt.Sprintf("User %s is already registered.", identity))
		return false, nil
	}

	o.cfg.Ledger.Set(identity, ledger.Record{})
	if err := o.cfg.Ledger.Save(ctx); err != nil {
		return false, err
	}

	msg := fmt.Sprintf("User %s registered.", identity)
	if o.cfg.Settings.RegisterURL != "" {
		msg = fmt.Sprintf("%s Please go to %s to finalize registering your account.", msg, o.cfg.Settings.RegisterURL)
	}
	o.notify(ctx, slog.LevelInfo, msg)
	return true, nil
}

// Distribute applies the request to each beneficiary under the policy,
// strictly in listed order. Sequential on purpose: each success updates
// the ledger before the next beneficiary's cap check reads it. The
// returned map keys every attempted beneficiary, including skips;
// beneficiaries without an identity are silently excluded. A storage
// failure aborts the whole session.
func (o *Orchestrator) Distribute(ctx context.Context, beneficiaries []string, req command.Request, policy Policy) (map[string]Outcome, error) {
	outcomes := make(map[string]Outcome)

	for _, identity := range beneficiaries {
		if identity == "" {
			continue
		}

		outcome, err := o.distributeOne(ctx, identity, req, policy)
		if err != nil {
			// Only storage failures propagate: nothing further is
			// persisted this session.
			outcomes[identity] = Outcome{Err: err}
			return outcomes, err
		}
		outcomes[identity] = outcome
	}

	return outcomes, nil
}

func (o *Orchestrator) distributeOne(ctx context.Context, identity string, req command.Request, policy Policy) (Outcome, error) {
	wallet, rec := o.resolveWallet(ctx, identity)
	if wallet == "" {
		if _, err := o.Register(ctx, identity); err != nil {
			return Outcome{}, err
		}
		return Outcome{Skipped: SkipUnregistered}, nil
	}

	// The balance gate needs a live connection, so selection happens
	// early when that gate is on; otherwise it waits until after the
	// cap check.
	var conn rpc.Conn
	defer func() {
		if conn != nil {
			conn.Close()
		}
	}()

	if policy.MinBalance != nil {
		var err error
		conn, err = o.selectEndpoint(ctx, identity, req)
		if err != nil {
			return Outcome{Err: err}, nil
		}
		sufficient, err := o.balanceExceeds(ctx, conn, wallet, policy.MinBalance)
		if err != nil {
			o.notify(ctx, slog.LevelError, fmt.Sprintf("Could not check balance for %s on network %s: %v", identity, req.NetworkID, err))
			return Outcome{Err: err}, nil
		}
		if sufficient {
			o.log.Info("distribute: balance above threshold, skipping", "identity", identity, "network", req.NetworkID)
			return Outcome{Skipped: SkipSufficientBalance}, nil
		}
	}

	if policy.ClaimCap > 0 {
		capped, err := o.capReached(ctx, identity, rec, policy.ClaimCap)
		if err != nil {
			return Outcome{Err: err}, nil
		}
		if capped {
			o.notify(ctx, slog.LevelInfo, fmt.Sprintf("User %s has already claimed %d times.", identity, rec.Claimed))
			return Outcome{Skipped: SkipCapReached}, nil
		}
	}

	if conn == nil {
		var err error
		conn, err = o.selectEndpoint(ctx, identity, req)
		if err != nil {
			return Outcome{Err: err}, nil
		}
	}

	result, err := o.cfg.Engine.Send(ctx, conn, transfer.Request{
		NetworkID: req.NetworkID,
		To:        wallet,
		Value:     req.Amount,
		Native:    req.Native(),
		Token:     req.Token,
	})
	if err != nil {
		// Always reported, never silently dropped.
		o.notify(ctx, slog.LevelError, fmt.Sprintf("Failed to send transaction to %s: %v", identity, err))
		return Outcome{Err: err}, nil
	}

	if _, err := o.cfg.Ledger.RecordClaim(identity); err != nil {
		return Outcome{}, err
	}
	if err := o.cfg.Ledger.Save(ctx); err != nil {
		return Outcome{}, err
	}
	metrics.ClaimsTotal.Inc()

	o.notify(ctx, slog.LevelInfo, fmt.Sprintf("Sent %s to %s on network %s (tx %s).", result.Value, identity, req.NetworkID, result.TxHash))
	return Outcome{Result: result}, nil
}

// resolveWallet finds the beneficiary's wallet address: the ledger
// first, then the persistent-identity backend. A backend hit is cached
// into the ledger record for this session.
func (o *Orchestrator) resolveWallet(ctx context.Context, identity string) (string, ledger.Record) {
	rec, _ := o.cfg.Ledger.Get(identity)
	if rec.Wallet != "" {
		return rec.Wallet, rec
	}

	if o.cfg.Resolver != nil {
		wallet, err := o.cfg.Resolver.WalletByUser(ctx, identity)
		if err != nil {
			o.log.Warn("distribute: wallet lookup failed", "identity", identity, "error", err)
		} else if wallet != "" {
			rec.Wallet = wallet
			o.cfg.Ledger.Set(identity, rec)
			return wallet, rec
		}
	}

	return "", rec
}

// capReached counts prior claims from the ledger, backfilled from the
// external claim-history lookup for identities the ledger has not seen
// claim yet.
func (o *Orchestrator) capReached(ctx context.Context, identity string, rec ledger.Record, cap int) (bool, error) {
	prior := rec.Claimed
	if prior == 0 && o.cfg.Resolver != nil {
		claimed, err := o.cfg.Resolver.HasClaimedBefore(ctx, identity)
		if err != nil {
			return false, fmt.Errorf("claim history lookup for %s failed: %w", identity, err)
		}
		if claimed {
			prior = 1
		}
	}
	return prior >= cap, nil
}

func (o *Orchestrator) balanceExceeds(ctx context.Context, conn rpc.Conn, wallet string, threshold *uint256.Int) (bool, error) {
	balance, err := conn.BalanceAt(ctx, common.HexToAddress(wallet), nil)
	if err != nil {
		return false, err
	}
	return balance.Cmp(threshold.ToBig()) > 0, nil
}

func (o *Orchestrator) selectEndpoint(ctx context.Context, identity string, req command.Request) (rpc.Conn, error) {
	conn, err := o.cfg.Selector.Select(ctx, req.NetworkID)
	if err != nil {
		o.notify(ctx, slog.LevelError, fmt.Sprintf("No live RPC endpoint for network %s while serving %s: %v", req.NetworkID, identity, err))
		return nil, err
	}
	return conn, nil
}

// notify reports to the discussion thread; a delivery failure is logged
// and otherwise ignored so it cannot mask the underlying outcome.
func (o *Orchestrator) notify(ctx context.Context, level slog.Level, msg string) {
	o.log.Log(ctx, level, "distribute: "+msg)
	if err := o.cfg.Notifier.Notify(ctx, level, msg); err != nil {
		o.log.Error("distribute: failed to post notification", "error", err)
	}
}

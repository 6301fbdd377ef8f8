// Package ledger holds the persisted claim state: a whole-document
// mapping from beneficiary identity to claim record, loaded at session
// start, mutated in memory, and written back wholesale.
package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
)

// ErrStorageUnavailable means the ledger blob could not be fetched,
// parsed, or written. Fatal to the session: nothing is persisted.
var ErrStorageUnavailable = errors.New("ledger storage unavailable")

// Record is one beneficiary's claim state. An empty Wallet means the
// beneficiary is registered but has not finalized a wallet address yet,
// and is excluded from distribution.
type Record struct {
	Claimed   int        `json:"claimed"`
	LastClaim *time.Time `json:"lastClaim"`
	Wallet    string     `json:"wallet"`
}

// Registered reports whether the record carries a usable wallet address.
func (r Record) Registered() bool {
	return r.Wallet != ""
}

type Config struct {
	Logger *slog.Logger
	Store  Store
	Clock  clockwork.Clock

	// AllowMissing treats an absent ledger blob as an empty first-run
	// ledger instead of a storage failure. Off by default: an empty
	// ledger is indistinguishable from a deleted one.
	AllowMissing bool
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Store == nil {
		return errors.New("store is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Ledger is a session-scoped claim ledger. It is not safe for concurrent
// use: one orchestration session owns it from Load to Save (multi-instance
// deployments need external mutual exclusion around the store).
type Ledger struct {
	log   *slog.Logger
	cfg   Config
	data  map[string]Record
	clock clockwork.Clock
}

func New(cfg Config) (*Ledger, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Ledger{
		log:   cfg.Logger,
		cfg:   cfg,
		data:  make(map[string]Record),
		clock: cfg.Clock,
	}, nil
}

// Load fetches and replaces the whole ledger from the backing store.
func (l *Ledger) Load(ctx context.Context) error {
	blob, err := l.cfg.Store.Fetch(ctx)
	if err != nil {
		if errors.Is(err, ErrNotFound) && l.cfg.AllowMissing {
			l.log.Warn("ledger: blob missing, starting empty", "store", l.cfg.Store.Name())
			l.data = make(map[string]Record)
			return nil
		}
		return fmt.Errorf("%w: fetch failed: %w", ErrStorageUnavailable, err)
	}

	data := make(map[string]Record)
	if err := json.Unmarshal(blob, &data); err != nil {
		return fmt.Errorf("%w: parse failed: %w", ErrStorageUnavailable, err)
	}

	l.data = data
	l.log.Debug("ledger: loaded", "records", len(data))
	return nil
}

// Save writes the entire current ledger back to the store. Callers must
// not assume a partial or merge write.
func (l *Ledger) Save(ctx context.Context) error {
	blob, err := json.MarshalIndent(l.data, "", "  ")
	if err != nil {
		return fmt.Errorf("%w: marshal failed: %w", ErrStorageUnavailable, err)
	}
	if err := l.cfg.Store.Put(ctx, blob); err != nil {
		return fmt.Errorf("%w: write failed: %w", ErrStorageUnavailable, err)
	}
	l.log.Debug("ledger: saved", "records", len(l.data))
	return nil
}

// Get returns the record for an identity. Identities are case-normalized.
func (l *Ledger) Get(identity string) (Record, bool) {
	rec, ok := l.data[normalize(identity)]
	return rec, ok
}

// Set stores a record in memory only; Save persists it.
func (l *Ledger) Set(identity string, rec Record) {
	l.data[normalize(identity)] = rec
}

// RecordClaim increments the claim count and stamps the claim time as one
// atomic in-memory update. Only called after a confirmed transfer.
func (l *Ledger) RecordClaim(identity string) (Record, error) {
	key := normalize(identity)
	rec, ok := l.data[key]
	if !ok {
		return Record{}, fmt.Errorf("no ledger record for %q", identity)
	}
	now := l.clock.Now().UTC()
	rec.Claimed++
	rec.LastClaim = &now
	l.data[key] = rec
	return rec, nil
}

// Len returns the number of records currently loaded.
func (l *Ledger) Len() int {
	return len(l.data)
}

func normalize(identity string) string {
	return strings.ToLower(strings.TrimSpace(identity))
}

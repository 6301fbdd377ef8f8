package bot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/faucetlabs/drip/pkg/command"
	"github.com/faucetlabs/drip/pkg/config"
	"github.com/faucetlabs/drip/pkg/distribute"
	"github.com/faucetlabs/drip/pkg/ledger"
)

const defaultSessionTimeout = 10 * time.Minute

// NotifierFactory builds a notifier bound to the originating thread.
type NotifierFactory func(repo RepoRef, issue int) (distribute.Notifier, error)

type HandlerConfig struct {
	Logger   *slog.Logger
	Settings *config.Settings
	Store    ledger.Store
	Selector distribute.Selector
	Engine   distribute.Engine
	Notifier NotifierFactory
	Clock    clockwork.Clock

	// Resolver is the optional persistent-identity backend.
	Resolver distribute.Resolver

	// SessionTimeout bounds one event session end to end. The transfer
	// engine has no self-cancellation, so this is the only deadline.
	SessionTimeout time.Duration
}

func (cfg *HandlerConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Settings == nil {
		return errors.New("settings are required")
	}
	if cfg.Store == nil {
		return errors.New("ledger store is required")
	}
	if cfg.Selector == nil {
		return errors.New("selector is required")
	}
	if cfg.Engine == nil {
		return errors.New("engine is required")
	}
	if cfg.Notifier == nil {
		return errors.New("notifier factory is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.SessionTimeout <= 0 {
		cfg.SessionTimeout = defaultSessionTimeout
	}
	return nil
}

// Handler runs one event to completion: ledger load, orchestration,
// ledger save. Events are serialized because they all mutate the same
// ledger blob.
type Handler struct {
	log *slog.Logger
	cfg HandlerConfig

	sessionMu sync.Mutex
}

func NewHandler(cfg HandlerConfig) (*Handler, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Handler{log: cfg.Logger, cfg: cfg}, nil
}

// Handle dispatches one parsed event. Returns nil for events that need
// no action.
func (h *Handler) Handle(ctx context.Context, ev Event) error {
	h.sessionMu.Lock()
	defer h.sessionMu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, h.cfg.SessionTimeout)
	defer cancel()

	log := h.log.With("session", uuid.NewString(), "event", ev.Kind())

	switch ev := ev.(type) {
	case CommentCreated:
		return h.handleComment(ctx, log, ev)
	case IssueClosed:
		return h.handleIssueClosed(ctx, log, ev)
	default:
		return fmt.Errorf("%w: %s", ErrUnsupportedEvent, ev.Kind())
	}
}

func (h *Handler) handleComment(ctx context.Context, log *slog.Logger, ev CommentCreated) error {
	body := strings.TrimSpace(ev.Body)
	if !strings.HasPrefix(body, "/") {
		log.Debug("bot: comment is not a command, ignoring", "repo", ev.Repo, "issue", ev.Issue)
		return nil
	}

	notifier, orch, err := h.newSession(ctx, log, ev.Repo, ev.Issue)
	if err != nil {
		return err
	}

	req, err := command.Parse(body, ev.Author)
	if err == nil {
		req, err = command.Resolve(req, h.cfg.Settings)
	}
	if err != nil {
		// Validation errors are always reported to the user.
		if nerr := notifier.Notify(ctx, slog.LevelError, userMessage(err)); nerr != nil {
			log.Error("bot: failed to report command error", "error", nerr)
		}
		return err
	}

	switch req.Kind {
	case command.KindRegister:
		_, err = orch.Register(ctx, req.Recipient)
		return err
	case command.KindFaucet:
		_, err = orch.Distribute(ctx, []string{req.Recipient}, req, distribute.PolicyFromSettings(h.cfg.Settings))
		return err
	default:
		return fmt.Errorf("%w: %q", command.ErrUnknownCommand, req.Kind)
	}
}

func (h *Handler) handleIssueClosed(ctx context.Context, log *slog.Logger, ev IssueClosed) error {
	if ev.StateReason != "completed" {
		log.Debug("bot: issue closed without completion, ignoring",
			"repo", ev.Repo, "issue", ev.Issue, "state_reason", ev.StateReason)
		return nil
	}

	_, orch, err := h.newSession(ctx, log, ev.Repo, ev.Issue)
	if err != nil {
		return err
	}

	beneficiaries := append([]string{}, ev.Assignees...)
	beneficiaries = append(beneficiaries, ev.Author)

	_, err = orch.Subsidize(ctx, beneficiaries)
	return err
}

// newSession loads the ledger and wires a session-scoped orchestrator.
// A ledger load failure is fatal to the session and reported before
// being re-raised, so logs and user-visible comments stay in sync.
func (h *Handler) newSession(ctx context.Context, log *slog.Logger, repo RepoRef, issue int) (distribute.Notifier, *distribute.Orchestrator, error) {
	notifier, err := h.cfg.Notifier(repo, issue)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to build notifier for %s#%d: %w", repo, issue, err)
	}

	led, err := ledger.New(ledger.Config{
		Logger:       log,
		Store:        h.cfg.Store,
		Clock:        h.cfg.Clock,
		AllowMissing: h.cfg.Settings.AllowMissingLedger,
	})
	if err != nil {
		return nil, nil, err
	}
	if err := led.Load(ctx); err != nil {
		if nerr := notifier.Notify(ctx, slog.LevelError, "The claim ledger is unavailable; nothing was distributed."); nerr != nil {
			log.Error("bot: failed to report ledger failure", "error", nerr)
		}
		return nil, nil, err
	}

	orch, err := distribute.New(distribute.Config{
		Logger:   log,
		Ledger:   led,
		Selector: h.cfg.Selector,
		Engine:   h.cfg.Engine,
		Notifier: notifier,
		Resolver: h.cfg.Resolver,
		Settings: h.cfg.Settings,
	})
	if err != nil {
		return nil, nil, err
	}
	return notifier, orch, nil
}

// userMessage strips wrapping noise from errors that go back to the
// thread as comments.
func userMessage(err error) string {
	switch {
	case errors.Is(err, command.ErrInvalidArguments):
		return fmt.Sprintf("Incorrect arguments provided: %v", err)
	case errors.Is(err, command.ErrUnknownCommand):
		return fmt.Sprintf("Unknown command: %v", err)
	default:
		return err.Error()
	}
}

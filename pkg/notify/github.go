// Package notify posts human-readable outcome reports to the discussion
// thread that triggered a distribution.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/go-github/v62/github"

	"github.com/faucetlabs/drip/utils/pkg/retry"
)

type IssueNotifierConfig struct {
	Logger *slog.Logger
	Client *github.Client
	Owner  string
	Repo   string
	Issue  int

	Retry retry.Config
}

func (cfg *IssueNotifierConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Client == nil {
		return errors.New("github client is required")
	}
	if cfg.Owner == "" || cfg.Repo == "" || cfg.Issue == 0 {
		return errors.New("owner, repo, and issue number are required")
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = retry.DefaultConfig()
	}
	return nil
}

// IssueNotifier posts comments on one originating issue. One instance
// per event session.
type IssueNotifier struct {
	log *slog.Logger
	cfg IssueNotifierConfig
}

func NewIssueNotifier(cfg IssueNotifierConfig) (*IssueNotifier, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &IssueNotifier{log: cfg.Logger, cfg: cfg}, nil
}

// Notify posts the message as an issue comment, retrying transient API
// failures. Errors here are the caller's to log, not to act on: a failed
// comment never reverses a completed transfer.
func (n *IssueNotifier) Notify(ctx context.Context, level slog.Level, msg string) error {
	body := format(level, msg)
	err := retry.Do(ctx, n.cfg.Retry, func() error {
		_, _, err := n.cfg.Client.Issues.CreateComment(ctx, n.cfg.Owner, n.cfg.Repo, n.cfg.Issue, &github.IssueComment{
			Body: github.String(body),
		})
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to comment on %s/%s#%d: %w", n.cfg.Owner, n.cfg.Repo, n.cfg.Issue, err)
	}
	return nil
}

func format(level slog.Level, msg string) string {
	switch {
	case level >= slog.LevelError:
		return "> [!CAUTION]\n> " + msg
	case level >= slog.LevelWarn:
		return "> [!WARNING]\n> " + msg
	default:
		return msg
	}
}

package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/google/go-github/v62/github"

	"github.com/faucetlabs/drip/utils/pkg/retry"
)

const commitMessage = "chore: update claim ledger"

// GitHubStoreConfig configures a ledger blob stored as a single JSON file
// in a repository, the deployment's config repo by convention.
type GitHubStoreConfig struct {
	Logger *slog.Logger
	Client *github.Client
	Owner  string
	Repo   string
	Path   string
	Branch string // empty = repository default branch

	Retry retry.Config
}

func (cfg *GitHubStoreConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Client == nil {
		return errors.New("github client is required")
	}
	if cfg.Owner == "" || cfg.Repo == "" || cfg.Path == "" {
		return errors.New("owner, repo, and path are required")
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = retry.DefaultConfig()
	}
	return nil
}

// GitHubStore keeps the ledger blob in a repo file via the contents API.
type GitHubStore struct {
	log *slog.Logger
	cfg GitHubStoreConfig
}

func NewGitHubStore(cfg GitHubStoreConfig) (*GitHubStore, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &GitHubStore{log: cfg.Logger, cfg: cfg}, nil
}

func (s *GitHubStore) Name() string {
	return fmt.Sprintf("github:%s/%s/%s", s.cfg.Owner, s.cfg.Repo, s.cfg.Path)
}

// Fetch reads and decodes the ledger file. Read-only, so transient API
// failures are retried.
func (s *GitHubStore) Fetch(ctx context.Context) ([]byte, error) {
	var blob []byte
	err := retry.Do(ctx, s.cfg.Retry, func() error {
		content, _, err := s.getContents(ctx)
		if err != nil {
			return err
		}
		raw, err := content.GetContent()
		if err != nil {
			return fmt.Errorf("failed to decode ledger file: %w", err)
		}
		blob = []byte(raw)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return blob, nil
}

// Put overwrites the ledger file in a single commit. Not retried: a
// conflicting SHA means another writer got there first, which the
// single-session model treats as an error.
func (s *GitHubStore) Put(ctx context.Context, blob []byte) error {
	opts := &github.RepositoryContentFileOptions{
		Message: github.String(commitMessage),
		Content: blob,
	}
	if s.cfg.Branch != "" {
		opts.Branch = github.String(s.cfg.Branch)
	}

	content, _, err := s.getContents(ctx)
	switch {
	case err == nil:
		opts.SHA = content.SHA
		_, _, err = s.cfg.Client.Repositories.UpdateFile(ctx, s.cfg.Owner, s.cfg.Repo, s.cfg.Path, opts)
	case errors.Is(err, ErrNotFound):
		_, _, err = s.cfg.Client.Repositories.CreateFile(ctx, s.cfg.Owner, s.cfg.Repo, s.cfg.Path, opts)
	default:
		return err
	}
	if err != nil {
		return fmt.Errorf("failed to write ledger file: %w", err)
	}

	s.log.Debug("ledger: wrote blob", "store", s.Name(), "bytes", len(blob))
	return nil
}

func (s *GitHubStore) getContents(ctx context.Context) (*github.RepositoryContent, *github.Response, error) {
	var opts *github.RepositoryContentGetOptions
	if s.cfg.Branch != "" {
		opts = &github.RepositoryContentGetOptions{Ref: s.cfg.Branch}
	}
	content, _, resp, err := s.cfg.Client.Repositories.GetContents(ctx, s.cfg.Owner, s.cfg.Repo, s.cfg.Path, opts)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusNotFound {
			return nil, resp, fmt.Errorf("%w: %s", ErrNotFound, s.Name())
		}
		return nil, resp, fmt.Errorf("failed to fetch ledger file: %w", err)
	}
	if content == nil {
		return nil, resp, fmt.Errorf("%s is not a file", s.Name())
	}
	return content, resp, nil
}

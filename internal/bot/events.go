package bot

import (
	"errors"
	"fmt"

	"github.com/google/go-github/v62/github"
)

// ErrUnsupportedEvent marks deliveries the bot does not act on. Ignored
// with a debug log, never an error to the sender.
var ErrUnsupportedEvent = errors.New("unsupported event")

// RepoRef identifies the repository an event originated from.
type RepoRef struct {
	Owner string
	Name  string
}

func (r RepoRef) String() string { return r.Owner + "/" + r.Name }

// Event is the tagged variant over the event kinds the bot supports.
// Payloads are narrowed exactly once, in ParseEvent; handlers switch on
// the concrete type and never touch raw webhook JSON.
type Event interface {
	Kind() string
	isEvent()
}

// CommentCreated is a new comment on an issue, the slash-command surface.
type CommentCreated struct {
	Repo   RepoRef
	Issue  int
	Author string
	Body   string
}

func (CommentCreated) Kind() string { return "comment_created" }
func (CommentCreated) isEvent()     {}

// IssueClosed is a work item being closed, the gas-subsidize trigger.
type IssueClosed struct {
	Repo        RepoRef
	Issue       int
	Author      string
	Assignees   []string
	StateReason string
}

func (IssueClosed) Kind() string { return "issue_closed" }
func (IssueClosed) isEvent()     {}

// ParseEvent narrows a webhook delivery into an Event variant.
func ParseEvent(eventType string, payload []byte) (Event, error) {
	switch eventType {
	case "issue_comment", "issues":
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedEvent, eventType)
	}

	raw, err := github.ParseWebHook(eventType, payload)
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s payload: %w", eventType, err)
	}

	switch ev := raw.(type) {
	case *github.IssueCommentEvent:
		if ev.GetAction() != "created" {
			return nil, fmt.Errorf("%w: issue_comment.%s", ErrUnsupportedEvent, ev.GetAction())
		}
		return CommentCreated{
			Repo:   repoRef(ev.GetRepo()),
			Issue:  ev.GetIssue().GetNumber(),
			Author: ev.GetComment().GetUser().GetLogin(),
			Body:   ev.GetComment().GetBody(),
		}, nil

	case *github.IssuesEvent:
		if ev.GetAction() != "closed" {
			return nil, fmt.Errorf("%w: issues.%s", ErrUnsupportedEvent, ev.GetAction())
		}
		issue := ev.GetIssue()
		closed := IssueClosed{
			Repo:        repoRef(ev.GetRepo()),
			Issue:       issue.GetNumber(),
			Author:      issue.GetUser().GetLogin(),
			StateReason: issue.GetStateReason(),
		}
		for _, assignee := range issue.Assignees {
			closed.Assignees = append(closed.Assignees, assignee.GetLogin())
		}
		if len(closed.Assignees) == 0 && issue.GetAssignee() != nil {
			closed.Assignees = append(closed.Assignees, issue.GetAssignee().GetLogin())
		}
		return closed, nil

	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedEvent, eventType)
	}
}

func repoRef(repo *github.Repository) RepoRef {
	return RepoRef{
		Owner: repo.GetOwner().GetLogin(),
		Name:  repo.GetName(),
	}
}

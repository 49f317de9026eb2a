package itemstore

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/google/go-github/v57/github"
	"golang.org/x/oauth2"

	"boardline/internal/logging"
)

// GitHub backs the board with issues (items) and pull requests (artifacts) of one repository.
type GitHub struct {
	Client *github.Client
	Owner  string
	Repo   string
	Retry  RetryConfig
	Log    *logging.Logger
}

// NewGitHubClient creates a GitHub client authenticated with a static token.
func NewGitHubClient(ctx context.Context, token string) (*github.Client, error) {
	if strings.TrimSpace(token) == "" {
		return nil, fmt.Errorf("GitHub token not set")
	}
	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
	return github.NewClient(oauth2.NewClient(ctx, ts)), nil
}

func NewGitHub(client *github.Client, owner, repo string, log *logging.Logger) *GitHub {
	if log == nil {
		log = logging.NewNop()
	}
	return &GitHub{Client: client, Owner: owner, Repo: repo, Retry: DefaultRetryConfig(), Log: log}
}

// ParseRef splits "owner/repo#N", "repo#N", "#N" or "N" into its parts, filling in
// the defaults for anything omitted.
func ParseRef(ref, defOwner, defRepo string) (owner, repo string, number int, err error) {
	owner, repo = defOwner, defRepo
	num := strings.TrimSpace(ref)
	if i := strings.LastIndex(num, "#"); i >= 0 {
		path := num[:i]
		num = num[i+1:]
		if path != "" {
			if j := strings.Index(path, "/"); j >= 0 {
				owner, repo = path[:j], path[j+1:]
			} else {
				repo = path
			}
		}
	}
	number, err = strconv.Atoi(num)
	if err != nil || number <= 0 {
		return "", "", 0, fmt.Errorf("invalid tracker reference %q", ref)
	}
	if owner == "" || repo == "" {
		return "", "", 0, fmt.Errorf("tracker reference %q lacks owner/repo", ref)
	}
	return owner, repo, number, nil
}

func (g *GitHub) GetItem(ctx context.Context, ref Ref) (Snapshot, error) {
	owner, repo, number, err := ParseRef(ref.ID, g.Owner, g.Repo)
	if err != nil {
		return Snapshot{}, err
	}
	var issue *github.Issue
	resp, err := retry(ctx, g.Retry, g.Log, func() (*github.Response, error) {
		var resp *github.Response
		var err error
		issue, resp, err = g.Client.Issues.Get(ctx, owner, repo, number)
		return resp, err
	})
	if err != nil {
		if statusCode(resp) == http.StatusNotFound {
			return Snapshot{}, ErrNotFound
		}
		return Snapshot{}, fmt.Errorf("get issue %s: %w", ref.ID, err)
	}
	snap := Snapshot{Open: issue.GetState() == "open"}
	for _, l := range issue.Labels {
		snap.Labels = append(snap.Labels, l.GetName())
	}
	for _, a := range issue.Assignees {
		snap.Assignees = append(snap.Assignees, a.GetLogin())
	}
	if ref.ArtifactRef != "" {
		merged, err := g.artifactMerged(ctx, ref.ArtifactRef)
		if err != nil {
			return Snapshot{}, err
		}
		snap.Merged = merged
	}
	return snap, nil
}

func (g *GitHub) artifactMerged(ctx context.Context, artifact string) (bool, error) {
	owner, repo, number, err := ParseRef(artifact, g.Owner, g.Repo)
	if err != nil {
		return false, err
	}
	var merged bool
	resp, err := retry(ctx, g.Retry, g.Log, func() (*github.Response, error) {
		var resp *github.Response
		var err error
		merged, resp, err = g.Client.PullRequests.IsMerged(ctx, owner, repo, number)
		return resp, err
	})
	if err != nil && statusCode(resp) != http.StatusNotFound {
		return false, fmt.Errorf("check merge state of %s: %w", artifact, err)
	}
	return merged, nil
}

// Mutate applies label and assignee deltas. Removing an absent label is not an error and
// adding is set-like on the GitHub side, so repeated calls converge.
func (g *GitHub) Mutate(ctx context.Context, id string, labels Delta, assignees Delta) error {
	owner, repo, number, err := ParseRef(id, g.Owner, g.Repo)
	if err != nil {
		return err
	}
	var errs []error
	if len(labels.Add) > 0 {
		_, err := retry(ctx, g.Retry, g.Log, func() (*github.Response, error) {
			_, resp, err := g.Client.Issues.AddLabelsToIssue(ctx, owner, repo, number, labels.Add)
			return resp, err
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("add labels: %w", err))
		}
	}
	for _, label := range labels.Remove {
		resp, err := retry(ctx, g.Retry, g.Log, func() (*github.Response, error) {
			return g.Client.Issues.RemoveLabelForIssue(ctx, owner, repo, number, label)
		})
		if err != nil && statusCode(resp) != http.StatusNotFound {
			errs = append(errs, fmt.Errorf("remove label %s: %w", label, err))
		}
	}
	if len(assignees.Add) > 0 {
		_, err := retry(ctx, g.Retry, g.Log, func() (*github.Response, error) {
			_, resp, err := g.Client.Issues.AddAssignees(ctx, owner, repo, number, assignees.Add)
			return resp, err
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("add assignees: %w", err))
		}
	}
	if len(assignees.Remove) > 0 {
		_, err := retry(ctx, g.Retry, g.Log, func() (*github.Response, error) {
			_, resp, err := g.Client.Issues.RemoveAssignees(ctx, owner, repo, number, assignees.Remove)
			return resp, err
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("remove assignees: %w", err))
		}
	}
	return errors.Join(errs...)
}

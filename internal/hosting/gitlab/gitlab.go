// Package gitlab implements the hosting provider on the GitLab API
// via client-go. PR URLs map to merge request IIDs.
package gitlab

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	gogitlab "gitlab.com/gitlab-org/api/client-go"

	"github.com/randalmurphal/boardflow/internal/hosting"
	"github.com/randalmurphal/boardflow/internal/task"
)

// Compile-time interface check.
var _ hosting.Provider = (*Provider)(nil)

func init() {
	hosting.RegisterProvider(hosting.ProviderGitLab, newProvider)
}

// Provider implements hosting.Provider against GitLab.
type Provider struct {
	client *gogitlab.Client
}

func newProvider(cfg hosting.Config) (hosting.Provider, error) {
	if cfg.Token == "" {
		return nil, fmt.Errorf("gitlab provider requires a token")
	}

	var (
		client *gogitlab.Client
		err    error
	)
	if cfg.BaseURL != "" {
		base := strings.TrimSuffix(cfg.BaseURL, "/")
		client, err = gogitlab.NewClient(cfg.Token, gogitlab.WithBaseURL(base+"/api/v4"))
	} else {
		client, err = gogitlab.NewClient(cfg.Token)
	}
	if err != nil {
		return nil, fmt.Errorf("create gitlab client: %w", err)
	}
	return &Provider{client: client}, nil
}

// Name returns the provider type.
func (p *Provider) Name() hosting.ProviderType { return hosting.ProviderGitLab }

// splitMRURL maps an MR URL to the project path and IID.
func splitMRURL(prURL string) (projectID string, iid int, err error) {
	projectID, err = task.RepositoryFromPRURL(prURL)
	if err != nil {
		return "", 0, err
	}
	iid, err = task.PRNumberFromURL(prURL)
	return projectID, iid, err
}

// GetPullRequest fetches the merge request behind a URL.
func (p *Provider) GetPullRequest(ctx context.Context, prURL string) (*hosting.PullRequest, error) {
	projectID, iid, err := splitMRURL(prURL)
	if err != nil {
		return nil, err
	}

	mr, _, err := p.client.MergeRequests.GetMergeRequest(projectID, int64(iid), nil, gogitlab.WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("get merge request %s: %w", prURL, err)
	}

	out := &hosting.PullRequest{
		URL:          prURL,
		Repository:   projectID,
		Number:       iid,
		Title:        mr.Title,
		State:        mr.State, // opened, closed, merged
		Merged:       mr.State == "merged",
		SourceBranch: mr.SourceBranch,
	}
	if mr.UpdatedAt != nil {
		out.UpdatedAt = *mr.UpdatedAt
	}
	return out, nil
}

// GetComments lists human discussion notes on the merge request,
// filtered client-side by since (the discussions API has no since
// parameter).
func (p *Provider) GetComments(ctx context.Context, prURL string, since time.Time) ([]task.ReviewComment, error) {
	projectID, iid, err := splitMRURL(prURL)
	if err != nil {
		return nil, err
	}

	var all []task.ReviewComment
	opts := &gogitlab.ListMergeRequestDiscussionsOptions{
		ListOptions: gogitlab.ListOptions{PerPage: 100},
	}
	for {
		discussions, resp, err := p.client.Discussions.ListMergeRequestDiscussions(projectID, int64(iid), opts, gogitlab.WithContext(ctx))
		if err != nil {
			return nil, fmt.Errorf("list discussions for %s: %w", prURL, err)
		}
		for _, d := range discussions {
			for _, note := range d.Notes {
				if note.System {
					continue
				}
				created := time.Time{}
				if note.CreatedAt != nil {
					created = *note.CreatedAt
				}
				if !since.IsZero() && !created.After(since) {
					continue
				}
				author := ""
				if note.Author.Username != "" {
					author = note.Author.Username
				}
				all = append(all, task.ReviewComment{
					ID:        strconv.FormatInt(note.ID, 10),
					Author:    author,
					Content:   note.Body,
					CreatedAt: created,
				})
			}
		}
		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}
	return all, nil
}

// GetReviewState reduces MR state + approvals to one value.
func (p *Provider) GetReviewState(ctx context.Context, prURL string) (task.ReviewState, error) {
	projectID, iid, err := splitMRURL(prURL)
	if err != nil {
		return "", err
	}

	mr, _, err := p.client.MergeRequests.GetMergeRequest(projectID, int64(iid), nil, gogitlab.WithContext(ctx))
	if err != nil {
		return "", fmt.Errorf("get merge request %s: %w", prURL, err)
	}
	switch mr.State {
	case "merged":
		return task.ReviewMerged, nil
	case "closed":
		return task.ReviewClosed, nil
	}

	approved, err := p.isApprovedByIID(ctx, projectID, iid)
	if err != nil {
		return "", err
	}
	if approved {
		return task.ReviewApproved, nil
	}

	// GitLab has no per-reviewer CHANGES_REQUESTED verdict; unresolved
	// discussions play that role.
	unresolved, err := p.hasUnresolvedDiscussions(ctx, projectID, iid)
	if err != nil {
		return "", err
	}
	if unresolved {
		return task.ReviewChangesRequested, nil
	}
	return task.ReviewPending, nil
}

func (p *Provider) hasUnresolvedDiscussions(ctx context.Context, projectID string, iid int) (bool, error) {
	opts := &gogitlab.ListMergeRequestDiscussionsOptions{
		ListOptions: gogitlab.ListOptions{PerPage: 100},
	}
	for {
		discussions, resp, err := p.client.Discussions.ListMergeRequestDiscussions(projectID, int64(iid), opts, gogitlab.WithContext(ctx))
		if err != nil {
			return false, fmt.Errorf("list discussions for %s!%d: %w", projectID, iid, err)
		}
		for _, d := range discussions {
			for _, note := range d.Notes {
				if note.Resolvable && !note.Resolved {
					return true, nil
				}
			}
		}
		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}
	return false, nil
}

// IsApproved reports whether the MR satisfies its approval rules.
func (p *Provider) IsApproved(ctx context.Context, repositoryID string, prNumber int) (bool, error) {
	return p.isApprovedByIID(ctx, repositoryID, prNumber)
}

func (p *Provider) isApprovedByIID(ctx context.Context, projectID string, iid int) (bool, error) {
	state, _, err := p.client.MergeRequestApprovals.GetApprovalState(projectID, int64(iid), gogitlab.WithContext(ctx))
	if err != nil {
		return false, fmt.Errorf("get approval state for %s!%d: %w", projectID, iid, err)
	}
	for _, rule := range state.Rules {
		if len(rule.ApprovedBy) > 0 {
			return true, nil
		}
	}
	return false, nil
}

// RequestMerge accepts the merge request with a squash merge.
func (p *Provider) RequestMerge(ctx context.Context, prURL string) error {
	projectID, iid, err := splitMRURL(prURL)
	if err != nil {
		return err
	}

	opts := &gogitlab.AcceptMergeRequestOptions{
		Squash:                   gogitlab.Ptr(true),
		ShouldRemoveSourceBranch: gogitlab.Ptr(true),
	}
	if _, _, err := p.client.MergeRequests.AcceptMergeRequest(projectID, int64(iid), opts, gogitlab.WithContext(ctx)); err != nil {
		return fmt.Errorf("merge %s: %w", prURL, err)
	}
	return nil
}

// Package github implements the hosting provider on the GitHub REST
// API via go-github.
package github

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	gogithub "github.com/google/go-github/v82/github"

	"github.com/randalmurphal/boardflow/internal/hosting"
	"github.com/randalmurphal/boardflow/internal/task"
)

// Compile-time interface check.
var _ hosting.Provider = (*Provider)(nil)

func init() {
	hosting.RegisterProvider(hosting.ProviderGitHub, newProvider)
}

// Provider implements hosting.Provider against GitHub.
type Provider struct {
	client *gogithub.Client
}

func newProvider(cfg hosting.Config) (hosting.Provider, error) {
	if cfg.Token == "" {
		return nil, fmt.Errorf("github provider requires a token")
	}

	httpClient := &http.Client{
		Transport: &authTransport{token: cfg.Token},
		Timeout:   30 * time.Second,
	}
	client := gogithub.NewClient(httpClient)

	// GitHub Enterprise: override the API base.
	if cfg.BaseURL != "" {
		base := strings.TrimSuffix(cfg.BaseURL, "/")
		var err error
		client.BaseURL, err = client.BaseURL.Parse(base + "/api/v3/")
		if err != nil {
			return nil, fmt.Errorf("parse base URL %q: %w", cfg.BaseURL, err)
		}
	}

	return &Provider{client: client}, nil
}

// authTransport adds the Authorization header to every request.
type authTransport struct {
	token string
	base  http.RoundTripper
}

func (t *authTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req2 := req.Clone(req.Context())
	req2.Header.Set("Authorization", "Bearer "+t.token)
	base := t.base
	if base == nil {
		base = http.DefaultTransport
	}
	return base.RoundTrip(req2)
}

// Name returns the provider type.
func (p *Provider) Name() hosting.ProviderType { return hosting.ProviderGitHub }

func splitPRURL(prURL string) (owner, repo string, number int, err error) {
	repoID, err := task.RepositoryFromPRURL(prURL)
	if err != nil {
		return "", "", 0, err
	}
	number, err = task.PRNumberFromURL(prURL)
	if err != nil {
		return "", "", 0, err
	}
	owner, repo, err = task.SplitRepositoryID(repoID)
	return owner, repo, number, err
}

// GetPullRequest fetches the PR behind a URL.
func (p *Provider) GetPullRequest(ctx context.Context, prURL string) (*hosting.PullRequest, error) {
	owner, repo, number, err := splitPRURL(prURL)
	if err != nil {
		return nil, err
	}

	pr, _, err := p.client.PullRequests.Get(ctx, owner, repo, number)
	if err != nil {
		return nil, fmt.Errorf("get pull request %s: %w", prURL, err)
	}

	out := &hosting.PullRequest{
		URL:        prURL,
		Repository: owner + "/" + repo,
		Number:     number,
		Title:      pr.GetTitle(),
		State:      pr.GetState(),
		Merged:     pr.GetMerged(),
	}
	if head := pr.GetHead(); head != nil {
		out.SourceBranch = head.GetRef()
	}
	out.UpdatedAt = pr.GetUpdatedAt().Time
	return out, nil
}

// GetComments lists review-relevant comments: PR review comments plus
// issue-style conversation comments, newest last. since filters
// server-side where the API allows.
func (p *Provider) GetComments(ctx context.Context, prURL string, since time.Time) ([]task.ReviewComment, error) {
	owner, repo, number, err := splitPRURL(prURL)
	if err != nil {
		return nil, err
	}

	var all []task.ReviewComment

	reviewOpts := &gogithub.PullRequestListCommentsOptions{
		Sort:        "created",
		Direction:   "asc",
		ListOptions: gogithub.ListOptions{PerPage: 100},
	}
	if !since.IsZero() {
		reviewOpts.Since = since
	}
	for {
		comments, resp, err := p.client.PullRequests.ListComments(ctx, owner, repo, number, reviewOpts)
		if err != nil {
			return nil, fmt.Errorf("list review comments for %s: %w", prURL, err)
		}
		for _, c := range comments {
			all = append(all, task.ReviewComment{
				ID:        strconv.FormatInt(c.GetID(), 10),
				Author:    c.GetUser().GetLogin(),
				Content:   c.GetBody(),
				CreatedAt: c.GetCreatedAt().Time,
			})
		}
		if resp.NextPage == 0 {
			break
		}
		reviewOpts.Page = resp.NextPage
	}

	issueOpts := &gogithub.IssueListCommentsOptions{
		ListOptions: gogithub.ListOptions{PerPage: 100},
	}
	if !since.IsZero() {
		issueOpts.Since = &since
	}
	for {
		comments, resp, err := p.client.Issues.ListComments(ctx, owner, repo, number, issueOpts)
		if err != nil {
			return nil, fmt.Errorf("list conversation comments for %s: %w", prURL, err)
		}
		for _, c := range comments {
			all = append(all, task.ReviewComment{
				ID:        "issue-" + strconv.FormatInt(c.GetID(), 10),
				Author:    c.GetUser().GetLogin(),
				Content:   c.GetBody(),
				CreatedAt: c.GetCreatedAt().Time,
			})
		}
		if resp.NextPage == 0 {
			break
		}
		issueOpts.Page = resp.NextPage
	}

	return all, nil
}

// GetReviewState reduces the PR's reviews and merge state to one
// value. Merge/close state wins over review verdicts.
func (p *Provider) GetReviewState(ctx context.Context, prURL string) (task.ReviewState, error) {
	owner, repo, number, err := splitPRURL(prURL)
	if err != nil {
		return "", err
	}

	pr, _, err := p.client.PullRequests.Get(ctx, owner, repo, number)
	if err != nil {
		return "", fmt.Errorf("get pull request %s: %w", prURL, err)
	}
	if pr.GetMerged() {
		return task.ReviewMerged, nil
	}
	if pr.GetState() == "closed" {
		return task.ReviewClosed, nil
	}

	reviews, err := p.listReviews(ctx, owner, repo, number)
	if err != nil {
		return "", err
	}
	return reduceReviews(reviews), nil
}

// reduceReviews keeps each reviewer's latest verdict; any outstanding
// CHANGES_REQUESTED wins over approvals.
func reduceReviews(reviews []*gogithub.PullRequestReview) task.ReviewState {
	latest := make(map[string]string)
	for _, r := range reviews {
		login := r.GetUser().GetLogin()
		switch r.GetState() {
		case "APPROVED", "CHANGES_REQUESTED":
			latest[login] = r.GetState()
		case "DISMISSED":
			delete(latest, login)
		}
	}

	approved := false
	for _, state := range latest {
		if state == "CHANGES_REQUESTED" {
			return task.ReviewChangesRequested
		}
		if state == "APPROVED" {
			approved = true
		}
	}
	if approved {
		return task.ReviewApproved
	}
	return task.ReviewPending
}

func (p *Provider) listReviews(ctx context.Context, owner, repo string, number int) ([]*gogithub.PullRequestReview, error) {
	var all []*gogithub.PullRequestReview
	opts := &gogithub.ListOptions{PerPage: 100}
	for {
		reviews, resp, err := p.client.PullRequests.ListReviews(ctx, owner, repo, number, opts)
		if err != nil {
			return nil, fmt.Errorf("list reviews for %s/%s#%d: %w", owner, repo, number, err)
		}
		all = append(all, reviews...)
		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}
	return all, nil
}

// IsApproved reports whether the PR carries an active approval.
func (p *Provider) IsApproved(ctx context.Context, repositoryID string, prNumber int) (bool, error) {
	owner, repo, err := task.SplitRepositoryID(repositoryID)
	if err != nil {
		return false, err
	}
	reviews, err := p.listReviews(ctx, owner, repo, prNumber)
	if err != nil {
		return false, err
	}
	return reduceReviews(reviews) == task.ReviewApproved, nil
}

// RequestMerge merges the PR with a squash merge.
func (p *Provider) RequestMerge(ctx context.Context, prURL string) error {
	owner, repo, number, err := splitPRURL(prURL)
	if err != nil {
		return err
	}

	opts := &gogithub.PullRequestOptions{MergeMethod: "squash"}
	result, _, err := p.client.PullRequests.Merge(ctx, owner, repo, number, "", opts)
	if err != nil {
		return fmt.Errorf("merge %s: %w", prURL, err)
	}
	if !result.GetMerged() {
		return fmt.Errorf("merge %s rejected: %s", prURL, result.GetMessage())
	}
	return nil
}

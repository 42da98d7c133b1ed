// Package jira implements the board port on Jira Cloud via
// go-atlassian. Board items are the issues of one Jira project;
// lifecycle columns map to status categories.
package jira

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	v3 "github.com/ctreminiom/go-atlassian/v2/jira/v3"
	"github.com/ctreminiom/go-atlassian/v2/pkg/infra/models"

	"github.com/randalmurphal/boardflow/internal/board"
	"github.com/randalmurphal/boardflow/internal/task"
)

// Compile-time interface check.
var _ board.Port = (*Provider)(nil)

func init() {
	board.RegisterProvider(board.ProviderJira, newProvider)
}

// repoLabelPrefix marks the label that binds an issue to a repository,
// e.g. "repo:acme/widget". Jira has no native repository field.
const repoLabelPrefix = "repo:"

// prLinkGlobalID namespaces the remote links this tool manages on an
// issue. Jira upserts remote links by global id, so rewriting the same
// id replaces the link instead of stacking duplicates.
const prLinkGlobalID = "boardflow-pr"

// searchFields keeps search payloads small.
var searchFields = []string{
	"summary",
	"description",
	"issuetype",
	"status",
	"labels",
	"created",
	"updated",
}

// Provider implements board.Port against a Jira Cloud project.
type Provider struct {
	client     *v3.Client
	projectKey string
}

func newProvider(cfg board.Config) (board.Port, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("jira board provider requires a base URL")
	}
	if cfg.BoardID == "" {
		return nil, fmt.Errorf("jira board provider requires a project key")
	}
	email, apiToken, ok := strings.Cut(cfg.Token, ":")
	if !ok || email == "" || apiToken == "" {
		return nil, fmt.Errorf("jira token must be email:api-token")
	}

	client, err := v3.New(&http.Client{Timeout: 30 * time.Second}, strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("create jira client: %w", err)
	}
	client.Auth.SetBasicAuth(email, apiToken)
	client.Auth.SetUserAgent("boardflow/1.0")

	return &Provider{client: client, projectKey: cfg.BoardID}, nil
}

// Name returns the provider type.
func (p *Provider) Name() board.ProviderType { return board.ProviderJira }

// GetItems lists the project's issues, optionally filtered by
// lifecycle status. Status is filtered client-side because one status
// category covers both IN_PROGRESS and IN_REVIEW.
func (p *Provider) GetItems(ctx context.Context, status task.BoardStatus) ([]task.BoardItem, error) {
	jql := fmt.Sprintf("project = %q ORDER BY created ASC", p.projectKey)

	var items []task.BoardItem
	nextPageToken := ""
	for {
		result, resp, err := p.client.Issue.Search.SearchJQL(ctx, jql, searchFields, nil, 50, nextPageToken)
		if err != nil {
			if resp != nil {
				return nil, fmt.Errorf("jira search (status %d): %w", resp.StatusCode, err)
			}
			return nil, fmt.Errorf("jira search: %w", err)
		}

		for _, issue := range result.Issues {
			item := p.convertIssue(issue)
			if status != "" && item.Status != status {
				continue
			}
			items = append(items, item)
		}

		if result.NextPageToken == "" || len(result.Issues) == 0 {
			break
		}
		nextPageToken = result.NextPageToken
	}

	// PR URLs live on remote links; fetch them only for items that can
	// carry one.
	for i := range items {
		if items[i].Status != task.StatusInReview && items[i].Status != task.StatusInProgress {
			continue
		}
		urls, err := p.pullRequestLinks(ctx, items[i].ID)
		if err != nil {
			return nil, err
		}
		items[i].PullRequestURLs = append(items[i].PullRequestURLs, urls...)
	}
	return items, nil
}

func (p *Provider) convertIssue(issue *models.IssueScheme) task.BoardItem {
	item := task.BoardItem{
		ID:          issue.Key,
		ContentType: task.ContentIssue,
	}
	if n, err := strconv.Atoi(issue.Key[strings.LastIndex(issue.Key, "-")+1:]); err == nil {
		item.ContentNumber = n
	}

	f := issue.Fields
	if f == nil {
		return item
	}
	item.Title = f.Summary
	item.Description = adfToMarkdown(f.Description)
	item.Status = statusFromJira(f.Status)

	for _, label := range f.Labels {
		if repo, ok := strings.CutPrefix(label, repoLabelPrefix); ok {
			item.Repository = repo
			continue
		}
		item.Labels = append(item.Labels, label)
	}
	return item
}

// statusFromJira maps a Jira status to the lifecycle status. Status
// categories only distinguish new / in-flight / done, so in-flight
// splits on the status name.
func statusFromJira(s *models.StatusScheme) task.BoardStatus {
	if s == nil || s.StatusCategory == nil {
		return ""
	}
	switch s.StatusCategory.Key {
	case "new":
		return task.StatusTodo
	case "done":
		return task.StatusDone
	case "indeterminate":
		if strings.Contains(strings.ToLower(s.Name), "review") {
			return task.StatusInReview
		}
		return task.StatusInProgress
	default:
		return ""
	}
}

// UpdateItemStatus transitions the issue to a status mapping to the
// target lifecycle column.
func (p *Provider) UpdateItemStatus(ctx context.Context, itemID string, status task.BoardStatus) error {
	transitions, resp, err := p.client.Issue.Transitions(ctx, itemID)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("list transitions for %s (status %d): %w", itemID, resp.StatusCode, err)
		}
		return fmt.Errorf("list transitions for %s: %w", itemID, err)
	}

	for _, tr := range transitions.Transitions {
		if statusFromJira(tr.To) != status {
			continue
		}
		if _, err := p.client.Issue.Move(ctx, itemID, tr.ID, nil); err != nil {
			return fmt.Errorf("transition %s to %s: %w", itemID, status, err)
		}
		return nil
	}
	return fmt.Errorf("issue %s has no transition to %s", itemID, status)
}

// AddPullRequestToItem attaches a PR URL as a remote link, one link
// per URL.
func (p *Provider) AddPullRequestToItem(ctx context.Context, itemID, prURL string) error {
	existing, err := p.pullRequestLinks(ctx, itemID)
	if err != nil {
		return err
	}
	for _, u := range existing {
		if u == prURL {
			return nil
		}
	}
	return p.createPRLink(ctx, itemID, prURL, prLinkGlobalID+"-"+strconv.Itoa(len(existing)))
}

// SetPullRequestToItem records one PR URL under the primary link slot,
// replacing whatever was there.
func (p *Provider) SetPullRequestToItem(ctx context.Context, itemID, prURL string) error {
	return p.createPRLink(ctx, itemID, prURL, prLinkGlobalID)
}

func (p *Provider) createPRLink(ctx context.Context, itemID, prURL, globalID string) error {
	payload := &models.RemoteLinkScheme{
		GlobalID: globalID,
		Object: &models.RemoteLinkObjectScheme{
			URL:   prURL,
			Title: "Pull request",
		},
	}
	if _, _, err := p.client.Issue.Link.Remote.Create(ctx, itemID, payload); err != nil {
		return fmt.Errorf("link PR %s to %s: %w", prURL, itemID, err)
	}
	return nil
}

// pullRequestLinks reads the remote links this tool manages, in the
// order they were attached.
func (p *Provider) pullRequestLinks(ctx context.Context, itemID string) ([]string, error) {
	links, resp, err := p.client.Issue.Link.Remote.Gets(ctx, itemID, "")
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusNotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("list remote links for %s: %w", itemID, err)
	}

	var urls []string
	for _, link := range links {
		if link == nil || link.Object == nil {
			continue
		}
		if strings.HasPrefix(link.GlobalID, prLinkGlobalID) {
			urls = append(urls, link.Object.URL)
		}
	}
	return urls, nil
}

// GetRepositoryDefaultBranch is unresolvable from Jira; callers fall
// back to git.
func (p *Provider) GetRepositoryDefaultBranch(ctx context.Context, repositoryID string) string {
	return ""
}

// Package github implements the board port on GitHub Projects V2.
// Project metadata and item mutations go through the GraphQL API;
// repository lookups and issue comments use the REST API via
// go-github.
package github

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	gogithub "github.com/google/go-github/v82/github"
	"github.com/tidwall/gjson"

	"github.com/randalmurphal/boardflow/internal/board"
	"github.com/randalmurphal/boardflow/internal/task"
)

// Compile-time interface check.
var _ board.Port = (*Provider)(nil)

func init() {
	board.RegisterProvider(board.ProviderGitHub, newProvider)
}

// statusFieldName is the Projects V2 single-select field driving the
// lifecycle columns.
const statusFieldName = "Status"

// prFieldName is an optional text field that carries PR URLs. When the
// project has no such field, PR URLs land as issue comments instead.
const prFieldName = "Pull Requests"

// Provider implements board.Port on a single Projects V2 board.
type Provider struct {
	rest       *gogithub.Client
	httpClient *http.Client
	graphqlURL string
	token      string

	owner         string
	projectNumber int

	mu            sync.Mutex
	projectID     string
	statusFieldID string
	prFieldID     string
	statusOptions map[task.BoardStatus]string // status -> option id
}

func newProvider(cfg board.Config) (board.Port, error) {
	if cfg.Token == "" {
		return nil, fmt.Errorf("github board provider requires a token")
	}
	owner, number, err := parseBoardID(cfg.BoardID)
	if err != nil {
		return nil, err
	}

	httpClient := &http.Client{Timeout: 30 * time.Second}
	rest := gogithub.NewClient(httpClient).WithAuthToken(cfg.Token)

	graphqlURL := "https://api.github.com/graphql"
	if cfg.BaseURL != "" {
		base := strings.TrimSuffix(cfg.BaseURL, "/")
		graphqlURL = base + "/api/graphql"
		rest.BaseURL, err = rest.BaseURL.Parse(base + "/api/v3/")
		if err != nil {
			return nil, fmt.Errorf("parse base URL %q: %w", cfg.BaseURL, err)
		}
	}

	return &Provider{
		rest:          rest,
		httpClient:    httpClient,
		graphqlURL:    graphqlURL,
		token:         cfg.Token,
		owner:         owner,
		projectNumber: number,
		statusOptions: make(map[task.BoardStatus]string),
	}, nil
}

// parseBoardID accepts "owner/number", e.g. "acme/7".
func parseBoardID(boardID string) (string, int, error) {
	parts := strings.Split(boardID, "/")
	if len(parts) != 2 {
		return "", 0, fmt.Errorf("invalid board id %q (want owner/number)", boardID)
	}
	n, err := strconv.Atoi(parts[1])
	if err != nil {
		return "", 0, fmt.Errorf("invalid project number in board id %q", boardID)
	}
	return parts[0], n, nil
}

// Name returns the provider type.
func (p *Provider) Name() board.ProviderType { return board.ProviderGitHub }

// graphql posts one GraphQL request and returns the parsed body.
func (p *Provider) graphql(ctx context.Context, query string, variables map[string]any) (gjson.Result, error) {
	body, err := json.Marshal(map[string]any{"query": query, "variables": variables})
	if err != nil {
		return gjson.Result{}, fmt.Errorf("encode graphql request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.graphqlURL, bytes.NewReader(body))
	if err != nil {
		return gjson.Result{}, fmt.Errorf("build graphql request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+p.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return gjson.Result{}, fmt.Errorf("graphql request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return gjson.Result{}, fmt.Errorf("read graphql response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return gjson.Result{}, fmt.Errorf("graphql status %d: %s", resp.StatusCode, truncate(string(raw), 300))
	}

	parsed := gjson.ParseBytes(raw)
	if errs := parsed.Get("errors"); errs.Exists() && len(errs.Array()) > 0 {
		return gjson.Result{}, fmt.Errorf("graphql error: %s", errs.Array()[0].Get("message").String())
	}
	return parsed.Get("data"), nil
}

// resolveProject caches the project node id, the status field and its
// options, and the optional PR text field.
func (p *Provider) resolveProject(ctx context.Context) error {
	p.mu.Lock()
	resolved := p.projectID != ""
	p.mu.Unlock()
	if resolved {
		return nil
	}

	const query = `
	query($owner: String!, $number: Int!) {
	  repositoryOwner(login: $owner) {
	    ... on ProjectV2Owner {
	      projectV2(number: $number) {
	        id
	        fields(first: 50) {
	          nodes {
	            ... on ProjectV2FieldCommon { id name }
	            ... on ProjectV2SingleSelectField { id name options { id name } }
	          }
	        }
	      }
	    }
	  }
	}`

	data, err := p.graphql(ctx, query, map[string]any{"owner": p.owner, "number": p.projectNumber})
	if err != nil {
		return fmt.Errorf("resolve project %s/%d: %w", p.owner, p.projectNumber, err)
	}

	project := data.Get("repositoryOwner.projectV2")
	if !project.Exists() || project.Get("id").String() == "" {
		return fmt.Errorf("project %s/%d not found", p.owner, p.projectNumber)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.projectID = project.Get("id").String()

	for _, field := range project.Get("fields.nodes").Array() {
		name := field.Get("name").String()
		switch {
		case strings.EqualFold(name, statusFieldName):
			p.statusFieldID = field.Get("id").String()
			for _, opt := range field.Get("options").Array() {
				if status, ok := statusFromOption(opt.Get("name").String()); ok {
					p.statusOptions[status] = opt.Get("id").String()
				}
			}
		case strings.EqualFold(name, prFieldName):
			p.prFieldID = field.Get("id").String()
		}
	}

	if p.statusFieldID == "" {
		return fmt.Errorf("project %s/%d has no %q field", p.owner, p.projectNumber, statusFieldName)
	}
	return nil
}

// statusFromOption maps a column name to the lifecycle status.
func statusFromOption(name string) (task.BoardStatus, bool) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "todo", "to do", "backlog":
		return task.StatusTodo, true
	case "in progress", "doing":
		return task.StatusInProgress, true
	case "in review", "review":
		return task.StatusInReview, true
	case "done", "closed":
		return task.StatusDone, true
	default:
		return "", false
	}
}

// GetItems lists the board's items, optionally filtered by status.
func (p *Provider) GetItems(ctx context.Context, status task.BoardStatus) ([]task.BoardItem, error) {
	if err := p.resolveProject(ctx); err != nil {
		return nil, err
	}

	const query = `
	query($project: ID!, $cursor: String) {
	  node(id: $project) {
	    ... on ProjectV2 {
	      items(first: 100, after: $cursor) {
	        pageInfo { hasNextPage endCursor }
	        nodes {
	          id
	          fieldValueByName(name: "Status") {
	            ... on ProjectV2ItemFieldSingleSelectValue { name }
	          }
	          fieldValues(first: 30) {
	            nodes {
	              ... on ProjectV2ItemFieldTextValue { text field { ... on ProjectV2FieldCommon { name } } }
	            }
	          }
	          content {
	            __typename
	            ... on Issue {
	              number title body
	              labels(first: 20) { nodes { name } }
	              repository { nameWithOwner }
	            }
	            ... on PullRequest {
	              number title body url
	              labels(first: 20) { nodes { name } }
	              repository { nameWithOwner }
	            }
	            ... on DraftIssue { title body }
	          }
	        }
	      }
	    }
	  }
	}`

	p.mu.Lock()
	projectID := p.projectID
	p.mu.Unlock()

	var items []task.BoardItem
	cursor := ""
	for {
		vars := map[string]any{"project": projectID}
		if cursor != "" {
			vars["cursor"] = cursor
		}
		data, err := p.graphql(ctx, query, vars)
		if err != nil {
			return nil, fmt.Errorf("list board items: %w", err)
		}

		page := data.Get("node.items")
		for _, node := range page.Get("nodes").Array() {
			item := parseItem(node)
			if status != "" && item.Status != status {
				continue
			}
			items = append(items, item)
		}

		if !page.Get("pageInfo.hasNextPage").Bool() {
			break
		}
		cursor = page.Get("pageInfo.endCursor").String()
	}
	return items, nil
}

func parseItem(node gjson.Result) task.BoardItem {
	item := task.BoardItem{
		ID: node.Get("id").String(),
	}

	if s, ok := statusFromOption(node.Get("fieldValueByName.name").String()); ok {
		item.Status = s
	}

	content := node.Get("content")
	item.Title = content.Get("title").String()
	item.Description = content.Get("body").String()
	item.ContentNumber = int(content.Get("number").Int())
	item.Repository = content.Get("repository.nameWithOwner").String()

	switch content.Get("__typename").String() {
	case "PullRequest":
		item.ContentType = task.ContentPullRequest
		if url := content.Get("url").String(); url != "" {
			item.PullRequestURLs = append(item.PullRequestURLs, url)
		}
	case "Issue":
		item.ContentType = task.ContentIssue
	default:
		item.ContentType = task.ContentDraftIssue
	}

	for _, l := range content.Get("labels.nodes").Array() {
		item.Labels = append(item.Labels, l.Get("name").String())
	}

	// PR URLs recorded in the text field.
	for _, fv := range node.Get("fieldValues.nodes").Array() {
		if strings.EqualFold(fv.Get("field.name").String(), prFieldName) {
			for _, u := range strings.Fields(strings.ReplaceAll(fv.Get("text").String(), ",", " ")) {
				item.PullRequestURLs = append(item.PullRequestURLs, u)
			}
		}
	}
	return item
}

// UpdateItemStatus moves an item to another column.
func (p *Provider) UpdateItemStatus(ctx context.Context, itemID string, status task.BoardStatus) error {
	if err := p.resolveProject(ctx); err != nil {
		return err
	}

	p.mu.Lock()
	optionID, ok := p.statusOptions[status]
	projectID, fieldID := p.projectID, p.statusFieldID
	p.mu.Unlock()
	if !ok {
		return fmt.Errorf("board has no column for status %s", status)
	}

	const mutation = `
	mutation($project: ID!, $item: ID!, $field: ID!, $option: String!) {
	  updateProjectV2ItemFieldValue(input: {
	    projectId: $project, itemId: $item, fieldId: $field,
	    value: { singleSelectOptionId: $option }
	  }) { projectV2Item { id } }
	}`

	_, err := p.graphql(ctx, mutation, map[string]any{
		"project": projectID, "item": itemID, "field": fieldID, "option": optionID,
	})
	if err != nil {
		return fmt.Errorf("update item %s to %s: %w", itemID, status, err)
	}
	return nil
}

// AddPullRequestToItem appends a PR URL to the item's PR field (or
// comments on the underlying issue when the field is absent).
func (p *Provider) AddPullRequestToItem(ctx context.Context, itemID, prURL string) error {
	existing, err := p.prFieldText(ctx, itemID)
	if err != nil {
		return err
	}
	if existing != "" && strings.Contains(existing, prURL) {
		return nil
	}
	text := prURL
	if existing != "" {
		text = existing + " " + prURL
	}
	return p.setPRText(ctx, itemID, text, prURL)
}

// SetPullRequestToItem replaces the item's PR URLs with one URL.
func (p *Provider) SetPullRequestToItem(ctx context.Context, itemID, prURL string) error {
	return p.setPRText(ctx, itemID, prURL, prURL)
}

func (p *Provider) prFieldText(ctx context.Context, itemID string) (string, error) {
	if err := p.resolveProject(ctx); err != nil {
		return "", err
	}
	p.mu.Lock()
	hasField := p.prFieldID != ""
	p.mu.Unlock()
	if !hasField {
		return "", nil
	}

	const query = `
	query($item: ID!) {
	  node(id: $item) {
	    ... on ProjectV2Item {
	      fieldValues(first: 30) {
	        nodes {
	          ... on ProjectV2ItemFieldTextValue { text field { ... on ProjectV2FieldCommon { name } } }
	        }
	      }
	    }
	  }
	}`
	data, err := p.graphql(ctx, query, map[string]any{"item": itemID})
	if err != nil {
		return "", fmt.Errorf("read PR field for item %s: %w", itemID, err)
	}
	for _, fv := range data.Get("node.fieldValues.nodes").Array() {
		if strings.EqualFold(fv.Get("field.name").String(), prFieldName) {
			return fv.Get("text").String(), nil
		}
	}
	return "", nil
}

func (p *Provider) setPRText(ctx context.Context, itemID, text, prURL string) error {
	if err := p.resolveProject(ctx); err != nil {
		return err
	}

	p.mu.Lock()
	projectID, fieldID := p.projectID, p.prFieldID
	p.mu.Unlock()

	if fieldID == "" {
		return p.commentPRURL(ctx, itemID, prURL)
	}

	const mutation = `
	mutation($project: ID!, $item: ID!, $field: ID!, $text: String!) {
	  updateProjectV2ItemFieldValue(input: {
	    projectId: $project, itemId: $item, fieldId: $field,
	    value: { text: $text }
	  }) { projectV2Item { id } }
	}`

	_, err := p.graphql(ctx, mutation, map[string]any{
		"project": projectID, "item": itemID, "field": fieldID, "text": text,
	})
	if err != nil {
		return fmt.Errorf("set PR field on item %s: %w", itemID, err)
	}
	return nil
}

// commentPRURL posts the PR URL as a comment on the item's issue.
func (p *Provider) commentPRURL(ctx context.Context, itemID, prURL string) error {
	const query = `
	query($item: ID!) {
	  node(id: $item) {
	    ... on ProjectV2Item {
	      content {
	        ... on Issue { number repository { nameWithOwner } }
	      }
	    }
	  }
	}`
	data, err := p.graphql(ctx, query, map[string]any{"item": itemID})
	if err != nil {
		return fmt.Errorf("resolve issue for item %s: %w", itemID, err)
	}

	content := data.Get("node.content")
	number := int(content.Get("number").Int())
	repoID := content.Get("repository.nameWithOwner").String()
	if number == 0 || repoID == "" {
		return fmt.Errorf("item %s has no issue to attach the pull request to", itemID)
	}
	owner, repo, err := task.SplitRepositoryID(repoID)
	if err != nil {
		return err
	}

	comment := &gogithub.IssueComment{Body: gogithub.Ptr("Pull request: " + prURL)}
	if _, _, err := p.rest.Issues.CreateComment(ctx, owner, repo, number, comment); err != nil {
		return fmt.Errorf("comment PR URL on %s#%d: %w", repoID, number, err)
	}
	return nil
}

// GetRepositoryDefaultBranch resolves the repo's default branch via
// the REST API.
func (p *Provider) GetRepositoryDefaultBranch(ctx context.Context, repositoryID string) string {
	owner, repo, err := task.SplitRepositoryID(repositoryID)
	if err != nil {
		return ""
	}
	r, _, err := p.rest.Repositories.Get(ctx, owner, repo)
	if err != nil {
		return ""
	}
	return r.GetDefaultBranch()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// Package board abstracts the project board the planner reconciles
// against. Concrete providers (GitHub Projects, Jira) register
// themselves at init time.
package board

import (
	"context"
	"fmt"

	"github.com/randalmurphal/boardflow/internal/task"
)

// ProviderType identifies a board backend.
type ProviderType string

const (
	ProviderGitHub ProviderType = "github"
	ProviderJira   ProviderType = "jira"
)

// Port is the board interface the planner drives.
type Port interface {
	// GetItems lists board items, optionally filtered by status
	// ("" means all).
	GetItems(ctx context.Context, status task.BoardStatus) ([]task.BoardItem, error)
	// UpdateItemStatus moves an item to a new lifecycle column.
	UpdateItemStatus(ctx context.Context, itemID string, status task.BoardStatus) error
	// AddPullRequestToItem appends a PR URL to the item.
	AddPullRequestToItem(ctx context.Context, itemID, prURL string) error
	// SetPullRequestToItem replaces the item's PR URLs with one URL.
	SetPullRequestToItem(ctx context.Context, itemID, prURL string) error
	// GetRepositoryDefaultBranch returns the repo's default branch, or
	// "" when the board cannot resolve it.
	GetRepositoryDefaultBranch(ctx context.Context, repositoryID string) string

	Name() ProviderType
}

// Config selects and parameterizes a board provider.
type Config struct {
	// Provider: "github" or "jira".
	Provider string
	// BoardID identifies the board: a GitHub Projects V2 node id or
	// owner/number pair, or a Jira project key.
	BoardID string
	// BaseURL for self-hosted / cloud-tenant instances.
	BaseURL string
	// Token is the API credential. For Jira this is "email:api-token".
	Token string
}

// NewProviderFunc constructs a board provider.
type NewProviderFunc func(cfg Config) (Port, error)

var providerConstructors = map[ProviderType]NewProviderFunc{}

// RegisterProvider registers a constructor. Called from provider
// package init functions.
func RegisterProvider(t ProviderType, fn NewProviderFunc) {
	providerConstructors[t] = fn
}

// NewProvider creates the configured board provider.
func NewProvider(cfg Config) (Port, error) {
	fn, ok := providerConstructors[ProviderType(cfg.Provider)]
	if !ok {
		return nil, fmt.Errorf("no board provider registered for %q", cfg.Provider)
	}
	return fn(cfg)
}

// Package hosting abstracts the pull-request provider (GitHub,
// GitLab). The planner only consumes this interface; concrete clients
// register themselves from their own packages at init time.
package hosting

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/randalmurphal/boardflow/internal/task"
)

// ProviderType identifies which hosting provider is in use.
type ProviderType string

const (
	ProviderGitHub ProviderType = "github"
	ProviderGitLab ProviderType = "gitlab"
)

// PullRequest is the provider-neutral view of a PR / merge request.
type PullRequest struct {
	URL          string
	Repository   string // owner/repo
	Number       int
	Title        string
	State        string // open, closed, merged
	Merged       bool
	SourceBranch string
	UpdatedAt    time.Time
}

// Provider is the review-side port the planner drives.
type Provider interface {
	// GetPullRequest fetches the PR behind a URL.
	GetPullRequest(ctx context.Context, prURL string) (*PullRequest, error)
	// GetComments lists review comments, optionally only those created
	// after since.
	GetComments(ctx context.Context, prURL string, since time.Time) ([]task.ReviewComment, error)
	// GetReviewState reduces reviews + merge state to one value.
	GetReviewState(ctx context.Context, prURL string) (task.ReviewState, error)
	// IsApproved reports whether the PR has an active approval.
	IsApproved(ctx context.Context, repositoryID string, prNumber int) (bool, error)
	// RequestMerge merges the PR directly via the provider API.
	// Providers may return ErrMergeUnsupported; the agent then merges.
	RequestMerge(ctx context.Context, prURL string) error

	Name() ProviderType
}

// ErrMergeUnsupported is returned by providers that delegate merging
// to the agent.
var ErrMergeUnsupported = fmt.Errorf("provider does not merge directly")

// Config selects and parameterizes a provider.
type Config struct {
	// Provider: "github", "gitlab", or "auto" to detect from PR URLs.
	Provider string
	// BaseURL for self-hosted instances; empty for the public cloud.
	BaseURL string
	// Token is the API credential.
	Token string
}

// NewProviderFunc constructs a provider. Registered at init time by
// the provider packages to avoid import cycles.
type NewProviderFunc func(cfg Config) (Provider, error)

var providerConstructors = map[ProviderType]NewProviderFunc{}

// RegisterProvider registers a constructor. Called from provider
// package init functions.
func RegisterProvider(t ProviderType, fn NewProviderFunc) {
	providerConstructors[t] = fn
}

// NewProvider creates the configured provider. sampleURL feeds
// detection when cfg.Provider is "auto" or empty.
func NewProvider(cfg Config, sampleURL string) (Provider, error) {
	pt := ProviderType(cfg.Provider)
	if cfg.Provider == "" || cfg.Provider == "auto" {
		var err error
		pt, err = DetectProvider(sampleURL, cfg.BaseURL)
		if err != nil {
			return nil, err
		}
	}

	fn, ok := providerConstructors[pt]
	if !ok {
		return nil, fmt.Errorf("no hosting provider registered for %q (registered: %v)", pt, registered())
	}
	return fn(cfg)
}

func registered() []ProviderType {
	out := make([]ProviderType, 0, len(providerConstructors))
	for t := range providerConstructors {
		out = append(out, t)
	}
	return out
}

// DetectProvider infers the provider from a PR URL's host, falling
// back to path shape for self-hosted instances (GitLab uses /-/merge_requests).
func DetectProvider(prURL, baseURL string) (ProviderType, error) {
	candidate := prURL
	if candidate == "" {
		candidate = baseURL
	}
	if candidate == "" {
		return "", fmt.Errorf("cannot detect hosting provider without a URL")
	}

	u, err := url.Parse(candidate)
	if err != nil {
		return "", fmt.Errorf("detect hosting provider: %w", err)
	}

	host := strings.ToLower(u.Host)
	switch {
	case strings.Contains(host, "github"):
		return ProviderGitHub, nil
	case strings.Contains(host, "gitlab"):
		return ProviderGitLab, nil
	case strings.Contains(u.Path, "/-/merge_requests/") || strings.Contains(u.Path, "/merge_requests/"):
		return ProviderGitLab, nil
	case strings.Contains(u.Path, "/pull/"):
		return ProviderGitHub, nil
	default:
		return "", fmt.Errorf("cannot detect hosting provider from %q", candidate)
	}
}

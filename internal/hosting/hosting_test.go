package hosting

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/boardflow/internal/task"
)

type stubProvider struct {
	name ProviderType
	cfg  Config
}

func (p *stubProvider) GetPullRequest(context.Context, string) (*PullRequest, error) {
	return nil, nil
}

func (p *stubProvider) GetComments(context.Context, string, time.Time) ([]task.ReviewComment, error) {
	return nil, nil
}

func (p *stubProvider) GetReviewState(context.Context, string) (task.ReviewState, error) {
	return task.ReviewPending, nil
}

func (p *stubProvider) IsApproved(context.Context, string, int) (bool, error) {
	return false, nil
}

func (p *stubProvider) RequestMerge(context.Context, string) error { return ErrMergeUnsupported }

func (p *stubProvider) Name() ProviderType { return p.name }

func TestDetectProvider(t *testing.T) {
	tests := []struct {
		name    string
		prURL   string
		baseURL string
		want    ProviderType
		wantErr bool
	}{
		{
			name:  "github cloud",
			prURL: "https://github.com/acme/widget/pull/42",
			want:  ProviderGitHub,
		},
		{
			name:  "gitlab cloud",
			prURL: "https://gitlab.com/acme/widget/-/merge_requests/7",
			want:  ProviderGitLab,
		},
		{
			name:  "self-hosted gitlab by path",
			prURL: "https://git.corp.example/acme/widget/-/merge_requests/7",
			want:  ProviderGitLab,
		},
		{
			name:  "self-hosted github by path",
			prURL: "https://scm.corp.example/acme/widget/pull/42",
			want:  ProviderGitHub,
		},
		{
			name:    "base URL fallback",
			baseURL: "https://gitlab.example.com",
			want:    ProviderGitLab,
		},
		{
			name:    "no URL at all",
			wantErr: true,
		},
		{
			name:    "undetectable host and path",
			prURL:   "https://example.com/something",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DetectProvider(tt.prURL, tt.baseURL)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNewProviderUsesRegistry(t *testing.T) {
	const testType = ProviderType("test-hosting")
	RegisterProvider(testType, func(cfg Config) (Provider, error) {
		return &stubProvider{name: testType, cfg: cfg}, nil
	})
	t.Cleanup(func() { delete(providerConstructors, testType) })

	p, err := NewProvider(Config{Provider: string(testType), Token: "tok"}, "")
	require.NoError(t, err)
	assert.Equal(t, testType, p.Name())
	assert.Equal(t, "tok", p.(*stubProvider).cfg.Token)
}

func TestNewProviderAutoDetects(t *testing.T) {
	RegisterProvider(ProviderGitLab, func(cfg Config) (Provider, error) {
		return &stubProvider{name: ProviderGitLab}, nil
	})
	t.Cleanup(func() { delete(providerConstructors, ProviderGitLab) })

	p, err := NewProvider(Config{Provider: "auto"}, "https://gitlab.com/acme/widget/-/merge_requests/1")
	require.NoError(t, err)
	assert.Equal(t, ProviderGitLab, p.Name())
}

func TestNewProviderUnknown(t *testing.T) {
	_, err := NewProvider(Config{Provider: "bitbucket"}, "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no hosting provider registered")
}

package safety

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/google/go-github/v73/github"
	"golang.org/x/oauth2"
)

// CommitCounter reports recent commit activity for a repository.
type CommitCounter interface {
	CountCommits(ctx context.Context, owner, repo string) (int, error)
}

// GitHubActivity counts the most recent page of commits via the GitHub API.
type GitHubActivity struct {
	client  *github.Client
	perPage int
}

// NewGitHubActivity builds a client against apiURL. A non-empty token
// authenticates through oauth2; base supplies the transport and may be nil.
func NewGitHubActivity(ctx context.Context, apiURL, token string, perPage int, base *http.Client) (*GitHubActivity, error) {
	httpClient := base
	if token != "" {
		if base != nil {
			ctx = context.WithValue(ctx, oauth2.HTTPClient, base)
		}
		httpClient = oauth2.NewClient(ctx, oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token}))
	}
	client := github.NewClient(httpClient)
	if apiURL != "" {
		if !strings.HasSuffix(apiURL, "/") {
			apiURL += "/"
		}
		parsed, err := url.Parse(apiURL)
		if err != nil {
			return nil, fmt.Errorf("safety: parse github api url: %w", err)
		}
		client.BaseURL = parsed
	}
	if perPage <= 0 || perPage > 100 {
		perPage = 100
	}
	return &GitHubActivity{client: client, perPage: perPage}, nil
}

func (g *GitHubActivity) CountCommits(ctx context.Context, owner, repo string) (int, error) {
	commits, _, err := g.client.Repositories.ListCommits(ctx, owner, repo, &github.CommitsListOptions{
		ListOptions: github.ListOptions{PerPage: g.perPage},
	})
	if err != nil {
		return 0, fmt.Errorf("safety: list commits for %s/%s: %w", owner, repo, err)
	}
	return len(commits), nil
}

// ParseRepoURL extracts owner and repo from a repository URL such as
// https://github.com/owner/repo or https://github.com/owner/repo.git.
func ParseRepoURL(raw string) (owner, repo string, err error) {
	parsed, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", "", fmt.Errorf("safety: parse repo url: %w", err)
	}
	if parsed.Host == "" {
		return "", "", fmt.Errorf("safety: repo url %q has no host", raw)
	}
	parts := strings.Split(strings.Trim(parsed.Path, "/"), "/")
	if len(parts) < 2 || parts[0] == "" || parts[1] == "" {
		return "", "", errors.New("safety: repo url must name owner and repository")
	}
	return parts[0], strings.TrimSuffix(parts[1], ".git"), nil
}

// Package repometa looks up repository metadata on the GitHub REST API.
package repometa

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const maxResponseSize = 1 << 20

var (
	// ErrNotFound is returned for an unknown repository or ref, and for
	// private repositories the token cannot see.
	ErrNotFound = errors.New("repository not found")
	// ErrUnauthorized is returned when the token is rejected.
	ErrUnauthorized = errors.New("repository access denied")
)

// Info is the subset of repository metadata the pipeline needs.
type Info struct {
	Owner         string `json:"owner"`
	Name          string `json:"name"`
	DefaultBranch string `json:"default_branch"`
	Private       bool   `json:"private"`
	CloneURL      string `json:"clone_url"`
}

// Client talks to the REST API.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// New creates a Client. baseURL is e.g. "https://api.github.com".
func New(baseURL string, timeout time.Duration, logger *slog.Logger) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: timeout,
		},
		logger: logger,
	}
}

// Repository fetches metadata for owner/repo. token may be empty for public
// repositories.
func (c *Client) Repository(ctx context.Context, owner, repo, token string) (*Info, error) {
	var body struct {
		Name          string `json:"name"`
		DefaultBranch string `json:"default_branch"`
		Private       bool   `json:"private"`
		CloneURL      string `json:"clone_url"`
		Owner         struct {
			Login string `json:"login"`
		} `json:"owner"`
	}
	path := fmt.Sprintf("/repos/%s/%s", url.PathEscape(owner), url.PathEscape(repo))
	if err := c.get(ctx, path, token, &body); err != nil {
		return nil, fmt.Errorf("fetching %s/%s: %w", owner, repo, err)
	}
	return &Info{
		Owner:         body.Owner.Login,
		Name:          body.Name,
		DefaultBranch: body.DefaultBranch,
		Private:       body.Private,
		CloneURL:      body.CloneURL,
	}, nil
}

// DefaultBranch returns the repository's configured default branch.
func (c *Client) DefaultBranch(ctx context.Context, owner, repo, token string) (string, error) {
	info, err := c.Repository(ctx, owner, repo, token)
	if err != nil {
		return "", err
	}
	if info.DefaultBranch == "" {
		return "", fmt.Errorf("%s/%s has no default branch", owner, repo)
	}
	return info.DefaultBranch, nil
}

func (c *Client) get(ctx context.Context, path, token string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("X-GitHub-Api-Version", "2022-11-28")
	req.Header.Set("User-Agent", "branchdiff")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return ErrNotFound
	case http.StatusUnauthorized, http.StatusForbidden:
		return ErrUnauthorized
	default:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("API returned %d: %s", resp.StatusCode, string(body))
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseSize)).Decode(out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

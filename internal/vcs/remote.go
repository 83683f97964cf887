package vcs

import (
	"fmt"
	"strings"
)

// ParseRemoteURL extracts owner and repository name from a GitHub remote in
// SSH (git@github.com:owner/repo.git) or HTTPS form.
func ParseRemoteURL(url string) (owner, repo string, err error) {
	url = strings.TrimSpace(url)

	if rest, ok := strings.CutPrefix(url, "git@github.com:"); ok {
		rest = strings.TrimSuffix(rest, ".git")
		parts := strings.Split(rest, "/")
		if len(parts) == 2 && parts[0] != "" && parts[1] != "" {
			return parts[0], parts[1], nil
		}
		return "", "", fmt.Errorf("unrecognised remote url %q", url)
	}

	if idx := strings.Index(url, "github.com"); idx >= 0 {
		rest := strings.TrimSuffix(url[idx+len("github.com"):], ".git")
		rest = strings.TrimPrefix(rest, "/")
		parts := strings.Split(rest, "/")
		if len(parts) >= 2 && parts[0] != "" && parts[1] != "" {
			return parts[0], strings.TrimSuffix(parts[1], ".git"), nil
		}
	}
	return "", "", fmt.Errorf("unrecognised remote url %q", url)
}

// CloneURL builds the HTTPS clone URL for owner/repo under baseURL
// (e.g. https://github.com).
func CloneURL(baseURL, owner, repo string) string {
	return strings.TrimSuffix(baseURL, "/") + "/" + owner + "/" + repo + ".git"
}

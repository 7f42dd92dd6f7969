package gitsync

import (
	"context"
	"fmt"
	"net/url"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
)

// Cli wraps git plumbing invocations. All calls are blocking; callers run
// them off the request path.
type Cli struct{}

// NewCli creates a git CLI wrapper.
func NewCli() *Cli {
	return &Cli{}
}

// run executes git in repoPath and returns trimmed stdout.
// Combined output is included in errors with credentials redacted.
func (c *Cli) run(ctx context.Context, repoPath string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = repoPath
	out, err := cmd.CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("%w: git %s: %s", ErrGitCommandFailed,
			redactArgs(args), redactSecrets(strings.TrimSpace(string(out))))
	}
	return strings.TrimSpace(string(out)), nil
}

// CurrentBranch returns the checked-out branch name.
func (c *Cli) CurrentBranch(ctx context.Context, repoPath string) (string, error) {
	return c.run(ctx, repoPath, "rev-parse", "--abbrev-ref", "HEAD")
}

// IsClean reports whether the working tree has no uncommitted changes.
func (c *Cli) IsClean(ctx context.Context, repoPath string) (bool, error) {
	out, err := c.run(ctx, repoPath, "status", "--porcelain")
	if err != nil {
		return false, err
	}
	return out == "", nil
}

// RevParse resolves a ref to a commit SHA.
func (c *Cli) RevParse(ctx context.Context, repoPath, ref string) (string, error) {
	return c.run(ctx, repoPath, "rev-parse", ref)
}

// RemoteURL returns the URL of the named remote.
func (c *Cli) RemoteURL(ctx context.Context, repoPath, remote string) (string, error) {
	return c.run(ctx, repoPath, "remote", "get-url", remote)
}

// TrackedBranches returns local branches that have a configured upstream.
func (c *Cli) TrackedBranches(ctx context.Context, repoPath string) ([]TrackedBranch, error) {
	out, err := c.run(ctx, repoPath,
		"for-each-ref", "--format=%(refname:short)\t%(upstream:short)", "refs/heads")
	if err != nil {
		return nil, err
	}

	var branches []TrackedBranch
	for _, line := range strings.Split(out, "\n") {
		if line == "" {
			continue
		}
		name, upstream, found := strings.Cut(line, "\t")
		if !found || upstream == "" {
			continue
		}
		branches = append(branches, TrackedBranch{Name: name, Upstream: upstream})
	}
	return branches, nil
}

// Upstream returns the upstream ref of a branch, or ErrNoUpstream.
func (c *Cli) Upstream(ctx context.Context, repoPath, branch string) (string, error) {
	out, err := c.run(ctx, repoPath,
		"for-each-ref", "--format=%(upstream:short)", "refs/heads/"+branch)
	if err != nil {
		return "", err
	}
	if out == "" {
		return "", fmt.Errorf("branch %s: %w", branch, ErrNoUpstream)
	}
	return out, nil
}

// AheadBehind computes the symmetric-difference commit counts between a local
// ref and an upstream ref.
func (c *Cli) AheadBehind(ctx context.Context, repoPath, local, upstream string) (int, int, error) {
	out, err := c.run(ctx, repoPath,
		"rev-list", "--left-right", "--count", local+"..."+upstream)
	if err != nil {
		return 0, 0, err
	}

	fields := strings.Fields(out)
	if len(fields) != 2 {
		return 0, 0, fmt.Errorf("%w: unexpected rev-list output %q", ErrGitCommandFailed, out)
	}
	ahead, err := strconv.Atoi(fields[0])
	if err != nil {
		return 0, 0, fmt.Errorf("%w: parsing ahead count: %v", ErrGitCommandFailed, err)
	}
	behind, err := strconv.Atoi(fields[1])
	if err != nil {
		return 0, 0, fmt.Errorf("%w: parsing behind count: %v", ErrGitCommandFailed, err)
	}
	return ahead, behind, nil
}

// FetchBranch fetches one branch from remoteURL with an explicit refspec
// into refs/remotes/<remote>/<branch>.
func (c *Cli) FetchBranch(ctx context.Context, repoPath, remoteURL, remote, branch string) error {
	refspec := fmt.Sprintf("+refs/heads/%s:refs/remotes/%s/%s", branch, remote, branch)
	_, err := c.run(ctx, repoPath, "fetch", remoteURL, refspec)
	return err
}

// MergeFastForward fast-forwards the current branch onto ref, failing rather
// than creating a merge commit.
func (c *Cli) MergeFastForward(ctx context.Context, repoPath, ref string) error {
	_, err := c.run(ctx, repoPath, "merge", "--ff-only", ref)
	return err
}

// Rebase rebases the current branch onto ref.
func (c *Cli) Rebase(ctx context.Context, repoPath, ref string) error {
	_, err := c.run(ctx, repoPath, "rebase", ref)
	return err
}

// AuthenticatedURL injects a token into a remote URL as basic-auth
// credentials. SSH remotes are normalized to HTTPS first. An empty token
// returns the normalized URL unchanged.
func AuthenticatedURL(remoteURL, token string) (string, error) {
	normalized := NormalizeToHTTPS(remoteURL)
	if token == "" {
		return normalized, nil
	}

	parsed, err := url.Parse(normalized)
	if err != nil {
		return "", fmt.Errorf("invalid remote url: %w", err)
	}
	parsed.User = url.UserPassword("x-access-token", token)
	return parsed.String(), nil
}

// NormalizeToHTTPS converts scp-like and ssh:// remote URLs to HTTPS.
// HTTPS URLs pass through unchanged.
func NormalizeToHTTPS(remoteURL string) string {
	if strings.HasPrefix(remoteURL, "https://") || strings.HasPrefix(remoteURL, "http://") {
		return remoteURL
	}
	if strings.HasPrefix(remoteURL, "ssh://") {
		trimmed := strings.TrimPrefix(remoteURL, "ssh://")
		if at := strings.Index(trimmed, "@"); at >= 0 {
			trimmed = trimmed[at+1:]
		}
		// ssh://host/path or ssh://host:port/path
		if colon := strings.Index(trimmed, ":"); colon >= 0 && !strings.Contains(trimmed[:colon], "/") {
			if slash := strings.Index(trimmed, "/"); slash > colon {
				trimmed = trimmed[:colon] + trimmed[slash:]
			}
		}
		return "https://" + trimmed
	}
	// scp-like: git@host:owner/repo.git
	if at := strings.Index(remoteURL, "@"); at >= 0 {
		rest := remoteURL[at+1:]
		if colon := strings.Index(rest, ":"); colon >= 0 {
			return "https://" + rest[:colon] + "/" + rest[colon+1:]
		}
	}
	return remoteURL
}

var credentialedURL = regexp.MustCompile(`(https?://)[^/@\s]+@`)

// redactSecrets removes userinfo credentials from any URLs in s so tokens
// never reach logs or error messages.
func redactSecrets(s string) string {
	return credentialedURL.ReplaceAllString(s, "${1}***@")
}

func redactArgs(args []string) string {
	redacted := make([]string, len(args))
	for i, arg := range args {
		redacted[i] = redactSecrets(arg)
	}
	return strings.Join(redacted, " ")
}

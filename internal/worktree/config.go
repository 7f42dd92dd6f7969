package worktree

import (
	"crypto/rand"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"unicode"
)

// Config holds configuration for the worktree manager.
type Config struct {
	// BasePath is the base directory for worktree storage.
	// Supports ~ expansion for the home directory.
	// Default: ~/.forgeboard/worktrees
	BasePath string `mapstructure:"basePath"`

	// BranchPrefix is the prefix used for worktree branch names.
	// Default: forge/
	BranchPrefix string `mapstructure:"branchPrefix"`

	// CleanupOnRemove removes the branch along with the worktree directory.
	CleanupOnRemove bool `mapstructure:"cleanupOnRemove"`
}

// DefaultBranchPrefix is used when no project-specific prefix is provided.
const DefaultBranchPrefix = "forge/"

// Validate fills defaults and returns an error if the config is invalid.
func (c *Config) Validate() error {
	if c.BranchPrefix == "" {
		c.BranchPrefix = DefaultBranchPrefix
	}
	if err := ValidateBranchPrefix(c.BranchPrefix); err != nil {
		return err
	}
	if c.BasePath == "" {
		c.BasePath = "~/.forgeboard/worktrees"
	}
	return nil
}

// ExpandedBasePath returns the base path with ~ expanded to the user's home directory.
func (c *Config) ExpandedBasePath() (string, error) {
	path := c.BasePath
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		path = filepath.Join(home, path[2:])
	}
	return path, nil
}

// BranchName returns the branch name for a semantic name and suffix.
// Format: {prefix}{semanticName}-{suffix} e.g. forge/fix-login-bug-ab3
func (c *Config) BranchName(semanticName, suffix string) string {
	return c.BranchPrefix + semanticName + "-" + suffix
}

// SanitizeForBranch converts a task title into a valid git branch name
// component: lowercase, non-alphanumerics collapsed to single hyphens,
// trimmed and truncated to maxLen.
func SanitizeForBranch(title string, maxLen int) string {
	if title == "" {
		return ""
	}

	result := strings.ToLower(title)

	var sb strings.Builder
	for _, r := range result {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			sb.WriteRune(r)
		} else {
			sb.WriteRune('-')
		}
	}
	result = sb.String()

	result = hyphenRuns.ReplaceAllString(result, "-")
	result = strings.Trim(result, "-")

	if len(result) > maxLen {
		result = result[:maxLen]
		result = strings.TrimRight(result, "-")
	}

	return result
}

var hyphenRuns = regexp.MustCompile(`-+`)

// NormalizeBranchPrefix trims and falls back to the default prefix.
func NormalizeBranchPrefix(prefix string) string {
	trimmed := strings.TrimSpace(prefix)
	if trimmed == "" {
		return DefaultBranchPrefix
	}
	return trimmed
}

// ValidateBranchPrefix ensures a prefix contains only safe branch characters.
func ValidateBranchPrefix(prefix string) error {
	trimmed := strings.TrimSpace(prefix)
	if trimmed == "" {
		return nil
	}
	for _, r := range trimmed {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || r == '/' || r == '-' || r == '_' || r == '.' {
			continue
		}
		return fmt.Errorf("invalid branch prefix %q", prefix)
	}
	if strings.Contains(trimmed, "..") || strings.Contains(trimmed, "@{") {
		return fmt.Errorf("invalid branch prefix %q", prefix)
	}
	return nil
}

const branchSuffixAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789"

// SmallSuffix returns a random lowercase suffix capped at 3 characters,
// enough to disambiguate branches for attempts on the same task.
func SmallSuffix(maxLen int) string {
	if maxLen <= 0 {
		return ""
	}
	if maxLen > 3 {
		maxLen = 3
	}
	buf := make([]byte, maxLen)
	if _, err := rand.Read(buf); err != nil {
		return strings.Repeat("x", maxLen)
	}
	for i := range buf {
		buf[i] = branchSuffixAlphabet[int(buf[i])%len(branchSuffixAlphabet)]
	}
	return string(buf)
}

// SemanticWorktreeName generates a worktree directory name from a task title.
// Format: {sanitizedTitle}_{suffix} e.g. fix-login-bug_ab3
// The title is truncated to 20 characters before adding the suffix.
func SemanticWorktreeName(taskTitle, suffix string) string {
	semanticName := SanitizeForBranch(taskTitle, 20)
	if semanticName == "" {
		return suffix
	}
	return semanticName + "_" + suffix
}

// Package profiles loads executor profiles from markdown files with YAML
// frontmatter under a workspace's .forgeboard/profiles directory and keeps
// them hot-reloaded through a filesystem watcher.
package profiles

import (
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// DefaultVariant is used when a flat profile omits the variant name.
const DefaultVariant = "default"

// VariantConfig is the executor configuration one profile variant resolves
// to. Instructions carry the markdown body of the profile file.
type VariantConfig struct {
	Model        string            `yaml:"model" json:"model"`
	Args         []string          `yaml:"args" json:"args,omitempty"`
	Env          map[string]string `yaml:"env" json:"env,omitempty"`
	Instructions string            `yaml:"-" json:"instructions,omitempty"`
}

// frontmatter is the tagged union a profile file's YAML header decodes into:
// either a flat variant config (executor/variant plus config fields) or a
// per-executor override map under "executors".
type frontmatter struct {
	Executor string            `yaml:"executor"`
	Variant  string            `yaml:"variant"`
	Model    string            `yaml:"model"`
	Args     []string          `yaml:"args"`
	Env      map[string]string `yaml:"env"`

	Executors map[string]map[string]VariantConfig `yaml:"executors"`
}

// ProfileSet maps executor -> variant -> config.
type ProfileSet map[string]map[string]VariantConfig

// merge folds other into the set; later files win on conflicts.
func (p ProfileSet) merge(other ProfileSet) {
	for executor, variants := range other {
		if p[executor] == nil {
			p[executor] = make(map[string]VariantConfig, len(variants))
		}
		for variant, cfg := range variants {
			p[executor][variant] = cfg
		}
	}
}

// ParseProfile parses one profile file into the executor/variant map it
// contributes. The file must start with a YAML frontmatter block delimited by
// "---" lines; the remaining markdown body becomes the instructions of every
// variant the file defines.
func ParseProfile(content []byte) (ProfileSet, error) {
	header, body, err := splitFrontmatter(string(content))
	if err != nil {
		return nil, err
	}

	var fm frontmatter
	if err := yaml.Unmarshal([]byte(header), &fm); err != nil {
		return nil, fmt.Errorf("invalid profile frontmatter: %w", err)
	}

	set := make(ProfileSet)

	// Per-executor form takes precedence over flat fields.
	if len(fm.Executors) > 0 {
		for executor, variants := range fm.Executors {
			set[executor] = make(map[string]VariantConfig, len(variants))
			for variant, cfg := range variants {
				cfg.Instructions = body
				set[executor][variant] = cfg
			}
		}
		return set, nil
	}

	if fm.Executor == "" {
		return nil, fmt.Errorf("profile frontmatter needs either executor or executors")
	}
	variant := fm.Variant
	if variant == "" {
		variant = DefaultVariant
	}
	set[fm.Executor] = map[string]VariantConfig{
		variant: {
			Model:        fm.Model,
			Args:         fm.Args,
			Env:          fm.Env,
			Instructions: body,
		},
	}
	return set, nil
}

// splitFrontmatter separates the YAML header from the markdown body.
func splitFrontmatter(content string) (header, body string, err error) {
	trimmed := strings.TrimPrefix(content, "\ufeff")
	if !strings.HasPrefix(trimmed, "---\n") && trimmed != "---" {
		return "", "", fmt.Errorf("profile file must start with a --- frontmatter block")
	}
	rest := strings.TrimPrefix(trimmed, "---\n")

	idx := strings.Index(rest, "\n---")
	if idx < 0 {
		return "", "", fmt.Errorf("unterminated frontmatter block")
	}
	header = rest[:idx]

	body = rest[idx+len("\n---"):]
	body = strings.TrimPrefix(body, "\n")
	return header, strings.TrimSpace(body), nil
}

package content

import (
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

const frontmatterFence = "---"

// SplitFrontmatter separates a leading YAML frontmatter block from the
// markdown body. Content without a frontmatter fence comes back unchanged
// with nil metadata. Malformed YAML inside a fence is an error; the caller
// decides whether to reject the content.
func SplitFrontmatter(raw string) (map[string]any, string, error) {
	if !strings.HasPrefix(raw, frontmatterFence+"\n") && raw != frontmatterFence {
		return nil, raw, nil
	}
	rest := strings.TrimPrefix(raw, frontmatterFence+"\n")
	idx := strings.Index(rest, "\n"+frontmatterFence)
	if idx < 0 {
		return nil, raw, nil
	}
	block := rest[:idx]
	body := rest[idx+len("\n"+frontmatterFence):]
	body = strings.TrimPrefix(body, "\n")

	meta := map[string]any{}
	if err := yaml.Unmarshal([]byte(block), &meta); err != nil {
		return nil, "", fmt.Errorf("parse frontmatter: %w", err)
	}
	return meta, body, nil
}

// MergeMetadata applies the node metadata precedence used on every create
// and update: explicit request fields win over frontmatter, frontmatter
// wins over what is already stored.
func MergeMetadata(existing, frontmatter, explicit map[string]any) map[string]any {
	merged := make(map[string]any, len(existing)+len(frontmatter)+len(explicit))
	for key, value := range existing {
		merged[key] = value
	}
	for key, value := range frontmatter {
		merged[key] = value
	}
	for key, value := range explicit {
		merged[key] = value
	}
	return merged
}

// Package content holds the node-shape rules shared by every create and
// update path: namespace/depth/file_path invariants, depth-derived tier
// labels, and frontmatter handling.
package content

import (
	"fmt"
	"strings"
)

const (
	TypeFile   = "file"
	TypeFolder = "folder"
)

// Tier labels by depth; the deepest label saturates.
var tiers = []string{"ocean", "sea", "river", "drop"}

// TierForDepth returns the display tier for a node at the given depth.
func TierForDepth(depth int) string {
	if depth < 0 {
		depth = 0
	}
	if depth >= len(tiers) {
		return tiers[len(tiers)-1]
	}
	return tiers[depth]
}

// DepthOf returns the number of namespace segments; "" is depth 0.
func DepthOf(namespace string) int {
	if namespace == "" {
		return 0
	}
	return len(strings.Split(namespace, "/"))
}

// FilePathOf joins namespace and slug into the node's tree path.
func FilePathOf(namespace, slug string) string {
	if namespace == "" {
		return slug
	}
	return namespace + "/" + slug
}

// NormalizeNamespace trims surrounding whitespace and slashes so that
// "/docs/setup/" and "docs/setup" address the same parent.
func NormalizeNamespace(namespace string) string {
	return strings.Trim(strings.TrimSpace(namespace), "/")
}

func validSegment(segment string) bool {
	if segment == "" {
		return false
	}
	for _, ch := range segment {
		if (ch >= 'a' && ch <= 'z') || (ch >= '0' && ch <= '9') ||
			ch == '-' || ch == '_' || ch == '.' {
			continue
		}
		return false
	}
	return segment != "." && segment != ".."
}

// ValidatePath checks the structural invariants of a node's position in the
// tree. It is the single gate for inserts and updates; callers must not
// recompute these rules ad hoc.
func ValidatePath(slug, namespace string, depth int, filePath string) error {
	if !validSegment(slug) {
		return fmt.Errorf("invalid slug %q", slug)
	}
	if namespace != "" {
		for _, segment := range strings.Split(namespace, "/") {
			if !validSegment(segment) {
				return fmt.Errorf("invalid namespace segment %q", segment)
			}
		}
	}
	if want := DepthOf(namespace); depth != want {
		return fmt.Errorf("depth %d does not match namespace %q (want %d)", depth, namespace, want)
	}
	if want := FilePathOf(namespace, slug); filePath != want {
		return fmt.Errorf("file_path %q does not match namespace and slug (want %q)", filePath, want)
	}
	return nil
}

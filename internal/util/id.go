package util

import (
	"crypto/rand"
	"encoding/hex"
	"strings"
)

func NewID(prefix string) string {
	bytes := make([]byte, 16)
	_, _ = rand.Read(bytes)
	if prefix == "" {
		return hex.EncodeToString(bytes)
	}
	return prefix + "_" + hex.EncodeToString(bytes)
}

// Slugify lowercases a display name into a URL-safe slug: runs of
// non-alphanumeric characters collapse to a single dash.
func Slugify(name string) string {
	out := make([]rune, 0, len(name))
	lastDash := false
	for _, ch := range strings.ToLower(strings.TrimSpace(name)) {
		if (ch >= 'a' && ch <= 'z') || (ch >= '0' && ch <= '9') {
			out = append(out, ch)
			lastDash = false
			continue
		}
		if !lastDash && len(out) > 0 {
			out = append(out, '-')
			lastDash = true
		}
	}
	return strings.TrimRight(string(out), "-")
}

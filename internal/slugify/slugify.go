// Package slugify turns free text into stable, URL-safe identifiers and
// resolves project-slug collisions deterministically.
package slugify

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"strings"
)

var (
	nonAlnum  = regexp.MustCompile(`[^a-z0-9]+`)
	trimDash  = regexp.MustCompile(`^-+|-+$`)
)

// Slugify lowercases text, collapses runs of non-alphanumerics to a single
// hyphen, and truncates to maxLength (0 means unbounded). Deterministic for
// a given input, per §4.A's `slugify(text, {maxLength})` contract.
func Slugify(text string, maxLength int) string {
	s := strings.ToLower(strings.TrimSpace(text))
	s = nonAlnum.ReplaceAllString(s, "-")
	s = trimDash.ReplaceAllString(s, "")
	if s == "" {
		s = "untitled"
	}
	if maxLength > 0 && len(s) > maxLength {
		s = s[:maxLength]
		s = trimDash.ReplaceAllString(s, "")
	}
	return s
}

// CollisionSuffix derives a short, stable suffix from a cloud id so that
// two different cloud projects whose titles collapse to the same base slug
// still get distinct, restart-stable folder names (§3.2: "a stable suffix
// derived from a hash of the cloud id, not a counter").
func CollisionSuffix(cloudID string) string {
	sum := sha256.Sum256([]byte(cloudID))
	return hex.EncodeToString(sum[:])[:8]
}

// ProjectSlug builds the deterministic project directory name: the title
// slug, plus a hash-derived suffix whenever a different cloud id maps to
// the same base slug (callers detect that collision themselves; the store's
// ResolveProjectSlug compares the cloud id in the base slug's state.json).
func ProjectSlug(title, cloudID string, collided bool, maxLength int) string {
	base := Slugify(title, maxLength)
	if !collided {
		return base
	}
	return base + "-" + CollisionSuffix(cloudID)
}

// Package sortkey builds per-comment ordering keys. Sorting a thread's
// comments by key alone yields pre-order tree traversal, so a single
// ORDER BY reconstructs the tree without per-level queries.
package sortkey

import (
	"fmt"
	"strings"
)

// SegmentWidth is the zero-padded decimal width of one tree level.
// Keys compare bytewise, so every segment must render at the same width.
const SegmentWidth = 10

const separator = "."

// Key builds the sort key for a comment at the given sibling position.
// parent is the parent comment's key, or "" for a root comment.
//
// A child key extends its parent's key, and "." sorts before any digit,
// so every descendant sorts after its parent and before the parent's
// next sibling.
func Key(parent string, position int) string {
	segment := fmt.Sprintf("%0*d", SegmentWidth, position)
	if parent == "" {
		return segment
	}
	return parent + separator + segment
}

// Depth reports the tree level encoded in key, 0 for a root comment.
func Depth(key string) int {
	if key == "" {
		return 0
	}
	return strings.Count(key, separator)
}

// IsDescendant reports whether key belongs to the subtree rooted at
// ancestor. A key is not its own descendant.
func IsDescendant(key, ancestor string) bool {
	return strings.HasPrefix(key, ancestor+separator)
}

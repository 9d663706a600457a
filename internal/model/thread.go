package model

import (
	"strconv"
	"strings"
)

// MaxCommentDepth is the deepest a reply may sit; roots are depth 0.
const MaxCommentDepth = 5

const pathSep = "/"

// ChildPosition derives depth and materialized path for a new comment
// under parent. A nil parent yields a root: depth 0, empty path.
func ChildPosition(parent *Comment) (depth int, path string) {
	if parent == nil {
		return 0, ""
	}
	return parent.Depth + 1, parent.SubtreePath()
}

// SubtreePath is the path every direct child of c carries, and the prefix
// of every deeper descendant's path.
func (c Comment) SubtreePath() string {
	id := strconv.FormatInt(c.ID, 10)
	if c.Path == "" {
		return id
	}
	return c.Path + pathSep + id
}

// DescendantPattern returns a LIKE pattern matching descendants below the
// direct children of c.
func (c Comment) DescendantPattern() string {
	return c.SubtreePath() + pathSep + "%"
}

// Ancestors returns the ids encoded in a materialized path, root first.
func Ancestors(path string) []int64 {
	if path == "" {
		return nil
	}
	parts := strings.Split(path, pathSep)
	ids := make([]int64, 0, len(parts))
	for _, p := range parts {
		id, err := strconv.ParseInt(p, 10, 64)
		if err != nil {
			return nil
		}
		ids = append(ids, id)
	}
	return ids
}

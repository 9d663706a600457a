package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestChildPosition(t *testing.T) {
	depth, path := ChildPosition(nil)
	assert.Equal(t, 0, depth)
	assert.Equal(t, "", path)

	root := Comment{ID: 7}
	depth, path = ChildPosition(&root)
	assert.Equal(t, 1, depth)
	assert.Equal(t, "7", path)

	child := Comment{ID: 12, Depth: depth, Path: path}
	depth, path = ChildPosition(&child)
	assert.Equal(t, 2, depth)
	assert.Equal(t, "7/12", path)
	assert.Equal(t, []int64{7, 12}, Ancestors(path))
}

func TestDescendantPatternDoesNotMatchSiblingPrefix(t *testing.T) {
	c := Comment{ID: 1, Path: ""}
	// "1/%" must not be confused with comment 12's subtree ("12/...").
	assert.Equal(t, "1/%", c.DescendantPattern())
	assert.Equal(t, "1", c.SubtreePath())
}

func TestAPIKeyActive(t *testing.T) {
	now := mustTime(t, "2026-01-02T00:00:00Z")
	past := now.Add(-1)
	future := now.Add(1)

	assert.True(t, APIKey{}.Active(now))
	assert.True(t, APIKey{ExpiresAt: &future}.Active(now))
	assert.False(t, APIKey{ExpiresAt: &past}.Active(now))
	assert.False(t, APIKey{ExpiresAt: &now}.Active(now))
	assert.False(t, APIKey{RevokedAt: &past}.Active(now))
}

func TestParseVotableKind(t *testing.T) {
	k, err := ParseVotableKind("Post")
	assert.NoError(t, err)
	assert.Equal(t, KindPost, k)
	_, err = ParseVotableKind("agent")
	assert.Error(t, err)
}

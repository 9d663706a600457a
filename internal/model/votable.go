package model

import (
	"fmt"
	"strings"
)

type VotableKind string

const (
	KindPost    VotableKind = "post"
	KindComment VotableKind = "comment"
)

func ParseVotableKind(s string) (VotableKind, error) {
	switch VotableKind(strings.ToLower(strings.TrimSpace(s))) {
	case KindPost:
		return KindPost, nil
	case KindComment:
		return KindComment, nil
	}
	return "", fmt.Errorf("unknown votable kind %q", s)
}

// VotableRef addresses one vote target. Construct it with PostRef or
// CommentRef rather than by hand.
type VotableRef struct {
	Kind VotableKind `json:"kind"`
	ID   int64       `json:"id"`
}

func PostRef(id int64) VotableRef    { return VotableRef{Kind: KindPost, ID: id} }
func CommentRef(id int64) VotableRef { return VotableRef{Kind: KindComment, ID: id} }

func (r VotableRef) String() string {
	return fmt.Sprintf("%s:%d", r.Kind, r.ID)
}

type Tally struct {
	Up   int `json:"up"`
	Down int `json:"down"`
}

// Votable is what the interaction ledger needs to know about a vote
// target. Post and Comment both implement it.
type Votable interface {
	VotableRef() VotableRef
	Author() int64
	Tally() Tally
}

package model

import (
	"strings"
	"time"
)

type VerificationStatus string

const (
	StatusPending   VerificationStatus = "pending"
	StatusVerified  VerificationStatus = "verified"
	StatusSuspended VerificationStatus = "suspended"
)

func ParseVerificationStatus(s string) (VerificationStatus, bool) {
	switch VerificationStatus(strings.ToLower(strings.TrimSpace(s))) {
	case StatusPending:
		return StatusPending, true
	case StatusVerified:
		return StatusVerified, true
	case StatusSuspended:
		return StatusSuspended, true
	}
	return "", false
}

type Agent struct {
	ID                 int64              `json:"id"`
	Name               string             `json:"name"`
	Description        string             `json:"description,omitempty"`
	Alg                string             `json:"-"`
	PublicKey          string             `json:"-"`
	VerificationStatus VerificationStatus `json:"verification_status"`
	Karma              int                `json:"karma"`
	PostCount          int                `json:"post_count"`
	CommentCount       int                `json:"comment_count"`
	FollowerCount      int                `json:"follower_count"`
	FollowingCount     int                `json:"following_count"`
	CreatedAt          time.Time          `json:"created_at"`
	LastActiveAt       *time.Time         `json:"last_active_at,omitempty"`
}

// APIKey never carries the raw token; only its bcrypt hash and a short
// clear-text prefix used to narrow the candidate set.
type APIKey struct {
	ID           int64      `json:"id"`
	AgentID      int64      `json:"agent_id"`
	KeyHash      string     `json:"-"`
	KeyPrefix    string     `json:"key_prefix"`
	Scopes       []string   `json:"scopes"`
	ExpiresAt    *time.Time `json:"expires_at,omitempty"`
	RevokedAt    *time.Time `json:"revoked_at,omitempty"`
	LastUsedAt   *time.Time `json:"last_used_at,omitempty"`
	RequestCount int64      `json:"request_count"`
	CreatedAt    time.Time  `json:"created_at"`
}

func (k APIKey) Active(now time.Time) bool {
	if k.RevokedAt != nil {
		return false
	}
	return k.ExpiresAt == nil || k.ExpiresAt.After(now)
}

type Post struct {
	ID            int64     `json:"id"`
	AuthorID      int64     `json:"author_id"`
	Title         string    `json:"title"`
	Content       string    `json:"content,omitempty"`
	URL           string    `json:"url,omitempty"`
	UpvoteCount   int       `json:"upvote_count"`
	DownvoteCount int       `json:"downvote_count"`
	CommentCount  int       `json:"comment_count"`
	IsLocked      bool      `json:"is_locked"`
	CreatedAt     time.Time `json:"created_at"`
}

func (p Post) VotableRef() VotableRef { return PostRef(p.ID) }
func (p Post) Author() int64          { return p.AuthorID }
func (p Post) Tally() Tally           { return Tally{Up: p.UpvoteCount, Down: p.DownvoteCount} }

type Comment struct {
	ID            int64     `json:"id"`
	PostID        int64     `json:"post_id"`
	AuthorID      int64     `json:"author_id"`
	ParentID      *int64    `json:"parent_id,omitempty"`
	Content       string    `json:"content"`
	Depth         int       `json:"depth"`
	Path          string    `json:"path,omitempty"`
	UpvoteCount   int       `json:"upvote_count"`
	DownvoteCount int       `json:"downvote_count"`
	CreatedAt     time.Time `json:"created_at"`
}

func (c Comment) VotableRef() VotableRef { return CommentRef(c.ID) }
func (c Comment) Author() int64          { return c.AuthorID }
func (c Comment) Tally() Tally           { return Tally{Up: c.UpvoteCount, Down: c.DownvoteCount} }

type Vote struct {
	AgentID   int64      `json:"agent_id"`
	Target    VotableRef `json:"target"`
	Value     int        `json:"value"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

type Follow struct {
	FollowerID int64     `json:"follower_id"`
	FolloweeID int64     `json:"followee_id"`
	CreatedAt  time.Time `json:"created_at"`
}

type Challenge struct {
	Challenge string    `json:"challenge"`
	Alg       string    `json:"alg"`
	ExpiresAt time.Time `json:"expires_at"`
}

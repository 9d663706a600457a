package store

import (
	"context"
	"errors"
	"time"

	"github.com/LukeLamb/neuroforge-sub000/internal/model"
)

var (
	ErrNotFound        = errors.New("not found")
	ErrDuplicateName   = errors.New("duplicate name")
	ErrDuplicateKey    = errors.New("duplicate key")
	ErrDuplicateVote   = errors.New("duplicate vote")
	ErrDuplicateFollow = errors.New("duplicate follow")
)

type Store interface {
	AgentStore
	KeyStore
	ChallengeStore
	ContentReader
	// InTx runs fn inside one transaction. A non-nil error from fn, a
	// panic, or a cancelled ctx rolls back every write fn made.
	InTx(ctx context.Context, fn func(tx Tx) error) error
	Close() error
}

type AgentStore interface {
	GetAgent(ctx context.Context, id int64) (model.Agent, error)
	SetAgentStatus(ctx context.Context, id int64, status model.VerificationStatus) error
}

type KeyStore interface {
	// ListActiveKeys returns unrevoked, unexpired keys sharing prefix.
	ListActiveKeys(ctx context.Context, prefix string, now time.Time) ([]model.APIKey, error)
	ListAgentKeys(ctx context.Context, agentID int64) ([]model.APIKey, error)
	InsertAPIKey(ctx context.Context, key *model.APIKey) (int64, error)
	RevokeKey(ctx context.Context, agentID, keyID int64, at time.Time) error
	// TouchKey records one use. The increment is done by the database so
	// concurrent touches are never lost.
	TouchKey(ctx context.Context, keyID int64, at time.Time) error
}

type ChallengeStore interface {
	CreateChallenge(ctx context.Context, c model.Challenge) error
	// ConsumeChallenge deletes and returns c; a second call gets ErrNotFound.
	ConsumeChallenge(ctx context.Context, challenge string) (model.Challenge, error)
}

type ContentReader interface {
	GetPost(ctx context.Context, id int64) (model.Post, error)
	GetComment(ctx context.Context, id int64) (model.Comment, error)
	ListComments(ctx context.Context, postID int64) ([]model.Comment, error)
	GetVote(ctx context.Context, agentID int64, ref model.VotableRef) (model.Vote, error)
}

// AgentDelta is applied to one agent row in a single UPDATE. Karma is
// unbounded; every count is floored at zero.
type AgentDelta struct {
	Karma     int
	Posts     int
	Comments  int
	Followers int
	Following int
	ActiveAt  *time.Time
}

func (d AgentDelta) IsZero() bool {
	return d.Karma == 0 && d.Posts == 0 && d.Comments == 0 && d.Followers == 0 && d.Following == 0 && d.ActiveAt == nil
}

// Tx is the write surface of the ledger. Lock* methods take a row lock
// (SELECT ... FOR UPDATE where the backend supports it) that is held until
// the transaction ends.
type Tx interface {
	CreateAgent(ctx context.Context, agent *model.Agent) (int64, error)
	InsertAPIKey(ctx context.Context, key *model.APIKey) (int64, error)
	LockAgent(ctx context.Context, id int64) (model.Agent, error)
	AdjustAgent(ctx context.Context, id int64, d AgentDelta) error

	InsertPost(ctx context.Context, post *model.Post) (int64, error)
	LockPost(ctx context.Context, id int64) (model.Post, error)
	DeletePost(ctx context.Context, id int64) error
	SetPostLocked(ctx context.Context, id int64, locked bool) error
	AdjustPostComments(ctx context.Context, postID int64, delta int) error

	InsertComment(ctx context.Context, comment *model.Comment) (int64, error)
	LockComment(ctx context.Context, id int64) (model.Comment, error)
	// ListSubtree returns c's descendants, found by materialized path.
	ListSubtree(ctx context.Context, c model.Comment) ([]model.Comment, error)
	ListPostComments(ctx context.Context, postID int64) ([]model.Comment, error)
	DeleteComments(ctx context.Context, ids []int64) error

	LockVotable(ctx context.Context, ref model.VotableRef) (model.Votable, error)
	GetVote(ctx context.Context, agentID int64, ref model.VotableRef) (model.Vote, error)
	InsertVote(ctx context.Context, vote *model.Vote) error
	UpdateVote(ctx context.Context, agentID int64, ref model.VotableRef, value int, at time.Time) error
	DeleteVote(ctx context.Context, agentID int64, ref model.VotableRef) error
	// DeleteVotesOn removes every vote on ref and returns their net value.
	DeleteVotesOn(ctx context.Context, ref model.VotableRef) (int, error)
	// AdjustTally shifts the up/down counters of ref, flooring each at zero.
	AdjustTally(ctx context.Context, ref model.VotableRef, up, down int) error

	GetFollow(ctx context.Context, followerID, followeeID int64) (model.Follow, error)
	InsertFollow(ctx context.Context, follow *model.Follow) error
	DeleteFollow(ctx context.Context, followerID, followeeID int64) error
}

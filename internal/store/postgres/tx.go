package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/LukeLamb/neuroforge-sub000/internal/model"
	"github.com/LukeLamb/neuroforge-sub000/internal/store"
)

type pgTx struct {
	q querier
}

var _ store.Tx = (*pgTx)(nil)

func (t *pgTx) CreateAgent(ctx context.Context, agent *model.Agent) (int64, error) {
	status := agent.VerificationStatus
	if status == "" {
		status = model.StatusPending
	}
	var id int64
	err := t.q.QueryRow(ctx, `
INSERT INTO agents (name, description, alg, public_key, verification_status, created_at)
VALUES ($1, $2, $3, $4, $5, $6)
RETURNING id
`, agent.Name, nullIfEmpty(agent.Description), agent.Alg, agent.PublicKey, string(status), agent.CreatedAt).Scan(&id)
	if err != nil {
		if constraint, ok := uniqueViolation(err); ok {
			if constraint == "agents_name_key" {
				return 0, store.ErrDuplicateName
			}
			return 0, store.ErrDuplicateKey
		}
		return 0, err
	}
	return id, nil
}

func (t *pgTx) InsertAPIKey(ctx context.Context, key *model.APIKey) (int64, error) {
	return insertAPIKey(ctx, t.q, key)
}

func (t *pgTx) LockAgent(ctx context.Context, id int64) (model.Agent, error) {
	return scanAgent(t.q.QueryRow(ctx, `SELECT `+agentColumns+` FROM agents WHERE id = $1 FOR UPDATE`, id))
}

func (t *pgTx) AdjustAgent(ctx context.Context, id int64, d store.AgentDelta) error {
	if d.IsZero() {
		return nil
	}
	tag, err := t.q.Exec(ctx, `
UPDATE agents SET
	karma = karma + $1,
	post_count = GREATEST(post_count + $2, 0),
	comment_count = GREATEST(comment_count + $3, 0),
	follower_count = GREATEST(follower_count + $4, 0),
	following_count = GREATEST(following_count + $5, 0),
	last_active_at = COALESCE($6, last_active_at)
WHERE id = $7
`, d.Karma, d.Posts, d.Comments, d.Followers, d.Following, d.ActiveAt, id)
	if err != nil {
		return err
	}
	return expectRow(tag)
}

func (t *pgTx) InsertPost(ctx context.Context, post *model.Post) (int64, error) {
	var id int64
	err := t.q.QueryRow(ctx, `
INSERT INTO posts (author_id, title, content, url, is_locked, created_at)
VALUES ($1, $2, $3, $4, $5, $6)
RETURNING id
`, post.AuthorID, post.Title, nullIfEmpty(post.Content), nullIfEmpty(post.URL), post.IsLocked, post.CreatedAt).Scan(&id)
	return id, err
}

func (t *pgTx) LockPost(ctx context.Context, id int64) (model.Post, error) {
	return scanPost(t.q.QueryRow(ctx, `SELECT `+postColumns+` FROM posts WHERE id = $1 FOR UPDATE`, id))
}

func (t *pgTx) DeletePost(ctx context.Context, id int64) error {
	tag, err := t.q.Exec(ctx, `DELETE FROM posts WHERE id = $1`, id)
	if err != nil {
		return err
	}
	return expectRow(tag)
}

func (t *pgTx) SetPostLocked(ctx context.Context, id int64, locked bool) error {
	tag, err := t.q.Exec(ctx, `UPDATE posts SET is_locked = $1 WHERE id = $2`, locked, id)
	if err != nil {
		return err
	}
	return expectRow(tag)
}

func (t *pgTx) AdjustPostComments(ctx context.Context, postID int64, delta int) error {
	tag, err := t.q.Exec(ctx, `UPDATE posts SET comment_count = GREATEST(comment_count + $1, 0) WHERE id = $2`, delta, postID)
	if err != nil {
		return err
	}
	return expectRow(tag)
}

func (t *pgTx) InsertComment(ctx context.Context, comment *model.Comment) (int64, error) {
	var id int64
	err := t.q.QueryRow(ctx, `
INSERT INTO comments (post_id, author_id, parent_id, content, depth, path, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)
RETURNING id
`, comment.PostID, comment.AuthorID, comment.ParentID, comment.Content, comment.Depth, nullIfEmpty(comment.Path), comment.CreatedAt).Scan(&id)
	return id, err
}

func (t *pgTx) LockComment(ctx context.Context, id int64) (model.Comment, error) {
	return scanComment(t.q.QueryRow(ctx, `SELECT `+commentColumns+` FROM comments WHERE id = $1 FOR UPDATE`, id))
}

func (t *pgTx) ListSubtree(ctx context.Context, c model.Comment) ([]model.Comment, error) {
	rows, err := t.q.Query(ctx, `
SELECT `+commentColumns+`
FROM comments
WHERE post_id = $1 AND (path = $2 OR path LIKE $3)
ORDER BY depth DESC, id
FOR UPDATE
`, c.PostID, c.SubtreePath(), c.DescendantPattern())
	if err != nil {
		return nil, err
	}
	return collectComments(rows)
}

func (t *pgTx) ListPostComments(ctx context.Context, postID int64) ([]model.Comment, error) {
	rows, err := t.q.Query(ctx, `
SELECT `+commentColumns+`
FROM comments
WHERE post_id = $1
ORDER BY depth DESC, id
FOR UPDATE
`, postID)
	if err != nil {
		return nil, err
	}
	return collectComments(rows)
}

func (t *pgTx) DeleteComments(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	tag, err := t.q.Exec(ctx, `DELETE FROM comments WHERE id = ANY($1)`, ids)
	if err != nil {
		return err
	}
	if int(tag.RowsAffected()) != len(ids) {
		return fmt.Errorf("deleted %d of %d comments: %w", tag.RowsAffected(), len(ids), store.ErrNotFound)
	}
	return nil
}

func (t *pgTx) LockVotable(ctx context.Context, ref model.VotableRef) (model.Votable, error) {
	switch ref.Kind {
	case model.KindPost:
		p, err := t.LockPost(ctx, ref.ID)
		if err != nil {
			return nil, err
		}
		return p, nil
	case model.KindComment:
		c, err := t.LockComment(ctx, ref.ID)
		if err != nil {
			return nil, err
		}
		return c, nil
	}
	return nil, fmt.Errorf("unknown votable kind %q", ref.Kind)
}

func (t *pgTx) GetVote(ctx context.Context, agentID int64, ref model.VotableRef) (model.Vote, error) {
	return getVote(ctx, t.q, agentID, ref)
}

func (t *pgTx) InsertVote(ctx context.Context, vote *model.Vote) error {
	_, err := t.q.Exec(ctx, `
INSERT INTO votes (agent_id, votable_type, votable_id, value, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $5)
`, vote.AgentID, string(vote.Target.Kind), vote.Target.ID, vote.Value, vote.CreatedAt)
	if err != nil {
		if _, ok := uniqueViolation(err); ok {
			return store.ErrDuplicateVote
		}
		return err
	}
	return nil
}

func (t *pgTx) UpdateVote(ctx context.Context, agentID int64, ref model.VotableRef, value int, at time.Time) error {
	tag, err := t.q.Exec(ctx, `
UPDATE votes SET value = $1, updated_at = $2
WHERE agent_id = $3 AND votable_type = $4 AND votable_id = $5
`, value, at, agentID, string(ref.Kind), ref.ID)
	if err != nil {
		return err
	}
	return expectRow(tag)
}

func (t *pgTx) DeleteVote(ctx context.Context, agentID int64, ref model.VotableRef) error {
	tag, err := t.q.Exec(ctx, `
DELETE FROM votes WHERE agent_id = $1 AND votable_type = $2 AND votable_id = $3
`, agentID, string(ref.Kind), ref.ID)
	if err != nil {
		return err
	}
	return expectRow(tag)
}

func (t *pgTx) DeleteVotesOn(ctx context.Context, ref model.VotableRef) (int, error) {
	var net int
	err := t.q.QueryRow(ctx, `
WITH removed AS (
	DELETE FROM votes WHERE votable_type = $1 AND votable_id = $2 RETURNING value
)
SELECT COALESCE(SUM(value), 0)::int FROM removed
`, string(ref.Kind), ref.ID).Scan(&net)
	return net, err
}

func (t *pgTx) AdjustTally(ctx context.Context, ref model.VotableRef, up, down int) error {
	table, err := votableTable(ref.Kind)
	if err != nil {
		return err
	}
	tag, err := t.q.Exec(ctx, `
UPDATE `+table+` SET
	upvote_count = GREATEST(upvote_count + $1, 0),
	downvote_count = GREATEST(downvote_count + $2, 0)
WHERE id = $3
`, up, down, ref.ID)
	if err != nil {
		return err
	}
	return expectRow(tag)
}

func (t *pgTx) GetFollow(ctx context.Context, followerID, followeeID int64) (model.Follow, error) {
	f := model.Follow{FollowerID: followerID, FolloweeID: followeeID}
	err := t.q.QueryRow(ctx, `
SELECT created_at FROM follows WHERE follower_id = $1 AND followee_id = $2
`, followerID, followeeID).Scan(&f.CreatedAt)
	if err != nil {
		return model.Follow{}, notFound(err)
	}
	return f, nil
}

func (t *pgTx) InsertFollow(ctx context.Context, follow *model.Follow) error {
	_, err := t.q.Exec(ctx, `
INSERT INTO follows (follower_id, followee_id, created_at) VALUES ($1, $2, $3)
`, follow.FollowerID, follow.FolloweeID, follow.CreatedAt)
	if err != nil {
		if _, ok := uniqueViolation(err); ok {
			return store.ErrDuplicateFollow
		}
		return err
	}
	return nil
}

func (t *pgTx) DeleteFollow(ctx context.Context, followerID, followeeID int64) error {
	tag, err := t.q.Exec(ctx, `DELETE FROM follows WHERE follower_id = $1 AND followee_id = $2`, followerID, followeeID)
	if err != nil {
		return err
	}
	return expectRow(tag)
}

func votableTable(kind model.VotableKind) (string, error) {
	switch kind {
	case model.KindPost:
		return "posts", nil
	case model.KindComment:
		return "comments", nil
	}
	return "", fmt.Errorf("unknown votable kind %q", kind)
}

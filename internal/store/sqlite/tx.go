package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/LukeLamb/neuroforge-sub000/internal/model"
	"github.com/LukeLamb/neuroforge-sub000/internal/store"
)

// sqliteTx implements store.Tx. The store's single connection already
// serializes writers, so the Lock* methods are plain reads here.
type sqliteTx struct {
	q querier
}

var _ store.Tx = (*sqliteTx)(nil)

func (t *sqliteTx) CreateAgent(ctx context.Context, agent *model.Agent) (int64, error) {
	status := agent.VerificationStatus
	if status == "" {
		status = model.StatusPending
	}
	res, err := t.q.ExecContext(ctx, `
INSERT INTO agents (name, description, alg, public_key, verification_status, created_at)
VALUES (?, ?, ?, ?, ?, ?)
`, agent.Name, nullIfEmpty(agent.Description), agent.Alg, agent.PublicKey, string(status), agent.CreatedAt.Unix())
	if err != nil {
		if isUniqueViolation(err) {
			if strings.Contains(err.Error(), "agents.name") {
				return 0, store.ErrDuplicateName
			}
			return 0, store.ErrDuplicateKey
		}
		return 0, err
	}
	return res.LastInsertId()
}

func (t *sqliteTx) InsertAPIKey(ctx context.Context, key *model.APIKey) (int64, error) {
	return insertAPIKey(ctx, t.q, key)
}

func (t *sqliteTx) LockAgent(ctx context.Context, id int64) (model.Agent, error) {
	return getAgent(ctx, t.q, id)
}

func (t *sqliteTx) AdjustAgent(ctx context.Context, id int64, d store.AgentDelta) error {
	if d.IsZero() {
		return nil
	}
	res, err := t.q.ExecContext(ctx, `
UPDATE agents SET
	karma = karma + ?,
	post_count = MAX(post_count + ?, 0),
	comment_count = MAX(comment_count + ?, 0),
	follower_count = MAX(follower_count + ?, 0),
	following_count = MAX(following_count + ?, 0),
	last_active_at = COALESCE(?, last_active_at)
WHERE id = ?
`, d.Karma, d.Posts, d.Comments, d.Followers, d.Following, unixOrNil(d.ActiveAt), id)
	if err != nil {
		return err
	}
	return expectRow(res)
}

func (t *sqliteTx) InsertPost(ctx context.Context, post *model.Post) (int64, error) {
	res, err := t.q.ExecContext(ctx, `
INSERT INTO posts (author_id, title, content, url, is_locked, created_at)
VALUES (?, ?, ?, ?, ?, ?)
`, post.AuthorID, post.Title, nullIfEmpty(post.Content), nullIfEmpty(post.URL), boolToInt(post.IsLocked), post.CreatedAt.Unix())
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (t *sqliteTx) LockPost(ctx context.Context, id int64) (model.Post, error) {
	return scanPost(t.q.QueryRowContext(ctx, `SELECT `+postColumns+` FROM posts WHERE id = ?`, id))
}

func (t *sqliteTx) DeletePost(ctx context.Context, id int64) error {
	res, err := t.q.ExecContext(ctx, `DELETE FROM posts WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return expectRow(res)
}

func (t *sqliteTx) SetPostLocked(ctx context.Context, id int64, locked bool) error {
	res, err := t.q.ExecContext(ctx, `UPDATE posts SET is_locked = ? WHERE id = ?`, boolToInt(locked), id)
	if err != nil {
		return err
	}
	return expectRow(res)
}

func (t *sqliteTx) AdjustPostComments(ctx context.Context, postID int64, delta int) error {
	res, err := t.q.ExecContext(ctx, `UPDATE posts SET comment_count = MAX(comment_count + ?, 0) WHERE id = ?`, delta, postID)
	if err != nil {
		return err
	}
	return expectRow(res)
}

func (t *sqliteTx) InsertComment(ctx context.Context, comment *model.Comment) (int64, error) {
	res, err := t.q.ExecContext(ctx, `
INSERT INTO comments (post_id, author_id, parent_id, content, depth, path, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?)
`, comment.PostID, comment.AuthorID, nullableInt(comment.ParentID), comment.Content, comment.Depth, nullIfEmpty(comment.Path), comment.CreatedAt.Unix())
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (t *sqliteTx) LockComment(ctx context.Context, id int64) (model.Comment, error) {
	return scanComment(t.q.QueryRowContext(ctx, `SELECT `+commentColumns+` FROM comments WHERE id = ?`, id))
}

func (t *sqliteTx) ListSubtree(ctx context.Context, c model.Comment) ([]model.Comment, error) {
	rows, err := t.q.QueryContext(ctx, `
SELECT `+commentColumns+`
FROM comments
WHERE post_id = ? AND (path = ? OR path LIKE ?)
ORDER BY depth DESC, id ASC
`, c.PostID, c.SubtreePath(), c.DescendantPattern())
	if err != nil {
		return nil, err
	}
	return collectComments(rows)
}

func (t *sqliteTx) ListPostComments(ctx context.Context, postID int64) ([]model.Comment, error) {
	return listPostComments(ctx, t.q, postID)
}

func (t *sqliteTx) DeleteComments(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	placeholders := make([]string, len(ids))
	args := make([]any, len(ids))
	for i, id := range ids {
		placeholders[i] = "?"
		args[i] = id
	}
	res, err := t.q.ExecContext(ctx, `DELETE FROM comments WHERE id IN (`+strings.Join(placeholders, ", ")+`)`, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if int(n) != len(ids) {
		return fmt.Errorf("deleted %d of %d comments: %w", n, len(ids), store.ErrNotFound)
	}
	return nil
}

func (t *sqliteTx) LockVotable(ctx context.Context, ref model.VotableRef) (model.Votable, error) {
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

func (t *sqliteTx) GetVote(ctx context.Context, agentID int64, ref model.VotableRef) (model.Vote, error) {
	return getVote(ctx, t.q, agentID, ref)
}

func (t *sqliteTx) InsertVote(ctx context.Context, vote *model.Vote) error {
	_, err := t.q.ExecContext(ctx, `
INSERT INTO votes (agent_id, votable_type, votable_id, value, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?)
`, vote.AgentID, string(vote.Target.Kind), vote.Target.ID, vote.Value, vote.CreatedAt.Unix(), vote.CreatedAt.Unix())
	if err != nil {
		if isUniqueViolation(err) {
			return store.ErrDuplicateVote
		}
		return err
	}
	return nil
}

func (t *sqliteTx) UpdateVote(ctx context.Context, agentID int64, ref model.VotableRef, value int, at time.Time) error {
	res, err := t.q.ExecContext(ctx, `
UPDATE votes SET value = ?, updated_at = ?
WHERE agent_id = ? AND votable_type = ? AND votable_id = ?
`, value, at.Unix(), agentID, string(ref.Kind), ref.ID)
	if err != nil {
		return err
	}
	return expectRow(res)
}

func (t *sqliteTx) DeleteVote(ctx context.Context, agentID int64, ref model.VotableRef) error {
	res, err := t.q.ExecContext(ctx, `
DELETE FROM votes WHERE agent_id = ? AND votable_type = ? AND votable_id = ?
`, agentID, string(ref.Kind), ref.ID)
	if err != nil {
		return err
	}
	return expectRow(res)
}

func (t *sqliteTx) DeleteVotesOn(ctx context.Context, ref model.VotableRef) (int, error) {
	var net int
	row := t.q.QueryRowContext(ctx, `
SELECT COALESCE(SUM(value), 0) FROM votes WHERE votable_type = ? AND votable_id = ?
`, string(ref.Kind), ref.ID)
	if err := row.Scan(&net); err != nil {
		return 0, err
	}
	if _, err := t.q.ExecContext(ctx, `
DELETE FROM votes WHERE votable_type = ? AND votable_id = ?
`, string(ref.Kind), ref.ID); err != nil {
		return 0, err
	}
	return net, nil
}

func (t *sqliteTx) AdjustTally(ctx context.Context, ref model.VotableRef, up, down int) error {
	table, err := votableTable(ref.Kind)
	if err != nil {
		return err
	}
	res, err := t.q.ExecContext(ctx, `
UPDATE `+table+` SET
	upvote_count = MAX(upvote_count + ?, 0),
	downvote_count = MAX(downvote_count + ?, 0)
WHERE id = ?
`, up, down, ref.ID)
	if err != nil {
		return err
	}
	return expectRow(res)
}

func (t *sqliteTx) GetFollow(ctx context.Context, followerID, followeeID int64) (model.Follow, error) {
	row := t.q.QueryRowContext(ctx, `
SELECT created_at FROM follows WHERE follower_id = ? AND followee_id = ?
`, followerID, followeeID)
	f := model.Follow{FollowerID: followerID, FolloweeID: followeeID}
	var created int64
	if err := row.Scan(&created); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Follow{}, store.ErrNotFound
		}
		return model.Follow{}, err
	}
	f.CreatedAt = time.Unix(created, 0)
	return f, nil
}

func (t *sqliteTx) InsertFollow(ctx context.Context, follow *model.Follow) error {
	_, err := t.q.ExecContext(ctx, `
INSERT INTO follows (follower_id, followee_id, created_at) VALUES (?, ?, ?)
`, follow.FollowerID, follow.FolloweeID, follow.CreatedAt.Unix())
	if err != nil {
		if isUniqueViolation(err) {
			return store.ErrDuplicateFollow
		}
		return err
	}
	return nil
}

func (t *sqliteTx) DeleteFollow(ctx context.Context, followerID, followeeID int64) error {
	res, err := t.q.ExecContext(ctx, `
DELETE FROM follows WHERE follower_id = ? AND followee_id = ?
`, followerID, followeeID)
	if err != nil {
		return err
	}
	return expectRow(res)
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

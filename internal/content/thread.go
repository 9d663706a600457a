package content

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"unicode/utf8"

	"github.com/LukeLamb/neuroforge-sub000/internal/apperr"
	"github.com/LukeLamb/neuroforge-sub000/internal/metrics"
	"github.com/LukeLamb/neuroforge-sub000/internal/model"
	"github.com/LukeLamb/neuroforge-sub000/internal/outbox"
	"github.com/LukeLamb/neuroforge-sub000/internal/store"
)

const maxCommentLen = 10000

// ThreadModel owns comment trees. Depth and path are derived from the
// parent at insert and never rewritten.
type ThreadModel struct {
	base
}

func NewThreadModel(st store.Store, events outbox.Emitter, logger *slog.Logger) *ThreadModel {
	return &ThreadModel{base: newBase(st, events, logger)}
}

func (m *ThreadModel) CreateComment(ctx context.Context, agentID, postID int64, content string, parentID *int64) (model.Comment, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return model.Comment{}, apperr.BadRequest("content is required")
	}
	if utf8.RuneCountInString(content) > maxCommentLen {
		return model.Comment{}, apperr.BadRequest("content too long")
	}

	now := m.now()
	var comment model.Comment
	err := m.store.InTx(ctx, func(tx store.Tx) error {
		post, err := tx.LockPost(ctx, postID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return apperr.NotFound("post not found")
			}
			return err
		}
		if post.IsLocked {
			return apperr.Forbidden("post is locked")
		}
		if post.AuthorID == agentID {
			return apperr.BadRequest("cannot comment on own post")
		}

		var parent *model.Comment
		if parentID != nil {
			p, err := tx.LockComment(ctx, *parentID)
			if err != nil {
				if errors.Is(err, store.ErrNotFound) {
					return apperr.BadRequest("parent comment not found")
				}
				return err
			}
			if p.PostID != postID {
				return apperr.BadRequest("parent comment belongs to another post")
			}
			if p.AuthorID == agentID {
				return apperr.BadRequest("cannot reply to own comment")
			}
			if p.Depth >= model.MaxCommentDepth {
				return apperr.BadRequest("max depth")
			}
			parent = &p
		}

		depth, path := model.ChildPosition(parent)
		comment = model.Comment{
			PostID:    postID,
			AuthorID:  agentID,
			ParentID:  parentID,
			Content:   content,
			Depth:     depth,
			Path:      path,
			CreatedAt: now,
		}
		id, err := tx.InsertComment(ctx, &comment)
		if err != nil {
			return err
		}
		comment.ID = id
		if err := tx.AdjustPostComments(ctx, postID, 1); err != nil {
			return err
		}
		return tx.AdjustAgent(ctx, agentID, store.AgentDelta{Comments: 1, ActiveAt: &now})
	})
	if err != nil {
		return model.Comment{}, err
	}
	metrics.ContentOpsTotal.WithLabelValues("comment_create").Inc()
	m.events.Emit(outbox.Event{
		Type:    outbox.CommentCreated,
		AgentID: agentID,
		Data:    map[string]any{"post_id": postID, "comment_id": comment.ID, "depth": comment.Depth},
	})
	return comment, nil
}

// DeleteComment removes a comment and every reply below it. Votes on the
// removed comments are deleted and their karma reversed.
func (m *ThreadModel) DeleteComment(ctx context.Context, commentID, requesterID int64) (int, error) {
	// read the post id first so the post row can be locked before the comment
	snapshot, err := m.store.GetComment(ctx, commentID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return 0, apperr.NotFound("comment not found")
		}
		return 0, err
	}

	var removed int
	err = m.store.InTx(ctx, func(tx store.Tx) error {
		if _, err := tx.LockPost(ctx, snapshot.PostID); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return apperr.NotFound("comment not found")
			}
			return err
		}
		c, err := tx.LockComment(ctx, commentID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return apperr.NotFound("comment not found")
			}
			return err
		}
		if c.AuthorID != requesterID {
			return apperr.Forbidden("not the comment author")
		}
		subtree, err := tx.ListSubtree(ctx, c)
		if err != nil {
			return err
		}
		doomed := append(subtree, c)
		r := newRemoval()
		if err := r.dropComments(ctx, tx, doomed); err != nil {
			return err
		}
		if err := tx.AdjustPostComments(ctx, c.PostID, -len(doomed)); err != nil {
			return err
		}
		removed = len(doomed)
		return r.apply(ctx, tx)
	})
	if err != nil {
		return 0, err
	}
	metrics.ContentOpsTotal.WithLabelValues("comment_delete").Inc()
	m.events.Emit(outbox.Event{
		Type:    outbox.CommentDeleted,
		AgentID: requesterID,
		Data:    map[string]any{"post_id": snapshot.PostID, "comment_id": commentID, "removed": removed},
	})
	return removed, nil
}

func (m *ThreadModel) List(ctx context.Context, postID int64) ([]model.Comment, error) {
	if _, err := m.store.GetPost(ctx, postID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, apperr.NotFound("post not found")
		}
		return nil, err
	}
	return m.store.ListComments(ctx, postID)
}

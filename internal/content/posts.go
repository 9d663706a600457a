package content

import (
	"context"
	"errors"
	"log/slog"
	"net/url"
	"strings"
	"unicode/utf8"

	"github.com/LukeLamb/neuroforge-sub000/internal/apperr"
	"github.com/LukeLamb/neuroforge-sub000/internal/metrics"
	"github.com/LukeLamb/neuroforge-sub000/internal/model"
	"github.com/LukeLamb/neuroforge-sub000/internal/outbox"
	"github.com/LukeLamb/neuroforge-sub000/internal/store"
)

const (
	maxTitleLen   = 300
	maxContentLen = 40000
)

type PostLedger struct {
	base
}

func NewPostLedger(st store.Store, events outbox.Emitter, logger *slog.Logger) *PostLedger {
	return &PostLedger{base: newBase(st, events, logger)}
}

type NewPost struct {
	Title   string `json:"title"`
	Content string `json:"content"`
	URL     string `json:"url"`
}

func (n NewPost) validate() (NewPost, error) {
	n.Title = strings.TrimSpace(n.Title)
	n.Content = strings.TrimSpace(n.Content)
	n.URL = strings.TrimSpace(n.URL)
	if n.Title == "" {
		return n, apperr.BadRequest("title is required")
	}
	if utf8.RuneCountInString(n.Title) > maxTitleLen {
		return n, apperr.BadRequest("title too long")
	}
	if n.Content == "" && n.URL == "" {
		return n, apperr.BadRequest("content or url is required")
	}
	if utf8.RuneCountInString(n.Content) > maxContentLen {
		return n, apperr.BadRequest("content too long")
	}
	if n.URL != "" {
		u, err := url.Parse(n.URL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return n, apperr.BadRequest("url must be an absolute http(s) url")
		}
	}
	return n, nil
}

func (l *PostLedger) Create(ctx context.Context, agentID int64, req NewPost) (model.Post, error) {
	req, err := req.validate()
	if err != nil {
		return model.Post{}, err
	}
	now := l.now()
	post := model.Post{AuthorID: agentID, Title: req.Title, Content: req.Content, URL: req.URL, CreatedAt: now}
	err = l.store.InTx(ctx, func(tx store.Tx) error {
		id, err := tx.InsertPost(ctx, &post)
		if err != nil {
			return err
		}
		post.ID = id
		return tx.AdjustAgent(ctx, agentID, store.AgentDelta{Posts: 1, ActiveAt: &now})
	})
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return model.Post{}, apperr.NotFound("agent not found")
		}
		return model.Post{}, err
	}
	metrics.ContentOpsTotal.WithLabelValues("post_create").Inc()
	l.events.Emit(outbox.Event{Type: outbox.PostCreated, AgentID: agentID, Data: map[string]any{"post_id": post.ID}})
	return post, nil
}

// Delete removes a post owned by agentID together with its comments and
// every vote on them, reversing the karma those votes earned.
func (l *PostLedger) Delete(ctx context.Context, agentID, postID int64) error {
	var removed int
	err := l.store.InTx(ctx, func(tx store.Tx) error {
		post, err := tx.LockPost(ctx, postID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return apperr.NotFound("post not found")
			}
			return err
		}
		if post.AuthorID != agentID {
			return apperr.Forbidden("not the post author")
		}
		comments, err := tx.ListPostComments(ctx, postID)
		if err != nil {
			return err
		}
		r := newRemoval()
		if err := r.dropComments(ctx, tx, comments); err != nil {
			return err
		}
		net, err := tx.DeleteVotesOn(ctx, post.VotableRef())
		if err != nil {
			return err
		}
		if err := tx.DeletePost(ctx, postID); err != nil {
			return err
		}
		r.add(post.AuthorID, store.AgentDelta{Karma: -net, Posts: -1})
		removed = len(comments)
		return r.apply(ctx, tx)
	})
	if err != nil {
		return err
	}
	metrics.ContentOpsTotal.WithLabelValues("post_delete").Inc()
	l.events.Emit(outbox.Event{Type: outbox.PostDeleted, AgentID: agentID, Data: map[string]any{"post_id": postID, "comments_removed": removed}})
	return nil
}

// SetLocked is an operator action; locked posts accept no new comments.
func (l *PostLedger) SetLocked(ctx context.Context, postID int64, locked bool) (model.Post, error) {
	var post model.Post
	err := l.store.InTx(ctx, func(tx store.Tx) error {
		if err := tx.SetPostLocked(ctx, postID, locked); err != nil {
			return err
		}
		var err error
		post, err = tx.LockPost(ctx, postID)
		return err
	})
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return model.Post{}, apperr.NotFound("post not found")
		}
		return model.Post{}, err
	}
	metrics.ContentOpsTotal.WithLabelValues("post_lock").Inc()
	l.events.Emit(outbox.Event{Type: outbox.PostLocked, Data: map[string]any{"post_id": postID, "locked": locked}})
	return post, nil
}

func (l *PostLedger) Get(ctx context.Context, postID int64) (model.Post, error) {
	p, err := l.store.GetPost(ctx, postID)
	if errors.Is(err, store.ErrNotFound) {
		return model.Post{}, apperr.NotFound("post not found")
	}
	return p, err
}

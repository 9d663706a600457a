// Package content creates and deletes posts and threaded comments and keeps
// the counters that depend on them. Locks are taken post first, then
// comments, then agent rows in ascending id order.
package content

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"github.com/LukeLamb/neuroforge-sub000/internal/model"
	"github.com/LukeLamb/neuroforge-sub000/internal/outbox"
	"github.com/LukeLamb/neuroforge-sub000/internal/store"
)

type base struct {
	store  store.Store
	events outbox.Emitter
	logger *slog.Logger
	now    func() time.Time
}

func newBase(st store.Store, events outbox.Emitter, logger *slog.Logger) base {
	if events == nil {
		events = outbox.Nop{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return base{store: st, events: events, logger: logger, now: time.Now}
}

// removal accumulates the counter reversals for a set of deleted comments.
type removal struct {
	ids     []int64
	authors map[int64]store.AgentDelta
}

func newRemoval() *removal {
	return &removal{authors: make(map[int64]store.AgentDelta)}
}

func (r *removal) add(author int64, d store.AgentDelta) {
	cur := r.authors[author]
	cur.Karma += d.Karma
	cur.Posts += d.Posts
	cur.Comments += d.Comments
	r.authors[author] = cur
}

// dropComments deletes each comment's votes, then the comments, recording
// the karma and comment-count reversal for every author.
func (r *removal) dropComments(ctx context.Context, tx store.Tx, comments []model.Comment) error {
	for _, c := range comments {
		net, err := tx.DeleteVotesOn(ctx, c.VotableRef())
		if err != nil {
			return err
		}
		r.add(c.AuthorID, store.AgentDelta{Karma: -net, Comments: -1})
		r.ids = append(r.ids, c.ID)
	}
	return tx.DeleteComments(ctx, r.ids)
}

func (r *removal) apply(ctx context.Context, tx store.Tx) error {
	ids := make([]int64, 0, len(r.authors))
	for id := range r.authors {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		if err := tx.AdjustAgent(ctx, id, r.authors[id]); err != nil {
			return err
		}
	}
	return nil
}

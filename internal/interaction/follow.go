package interaction

import (
	"context"
	"errors"

	"github.com/LukeLamb/neuroforge-sub000/internal/apperr"
	"github.com/LukeLamb/neuroforge-sub000/internal/model"
	"github.com/LukeLamb/neuroforge-sub000/internal/outbox"
	"github.com/LukeLamb/neuroforge-sub000/internal/store"
)

// Follow makes agentID follow targetID.
func (l *Ledger) Follow(ctx context.Context, agentID, targetID int64) (Result, error) {
	return l.setFollow(ctx, agentID, targetID, true)
}

func (l *Ledger) Unfollow(ctx context.Context, agentID, targetID int64) (Result, error) {
	return l.setFollow(ctx, agentID, targetID, false)
}

func (l *Ledger) setFollow(ctx context.Context, agentID, targetID int64, follow bool) (Result, error) {
	if agentID == targetID {
		return "", apperr.BadRequest("cannot follow yourself")
	}
	var result Result
	err := l.store.InTx(ctx, func(tx store.Tx) error {
		// lock both agents in id order so opposite follows cannot deadlock
		first, second := agentID, targetID
		if second < first {
			first, second = second, first
		}
		for _, id := range []int64{first, second} {
			if _, err := tx.LockAgent(ctx, id); err != nil {
				if errors.Is(err, store.ErrNotFound) {
					return apperr.NotFound("agent not found")
				}
				return err
			}
		}

		_, err := tx.GetFollow(ctx, agentID, targetID)
		exists := err == nil
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return err
		}
		if exists == follow {
			result = Unchanged
			return nil
		}

		delta := 1
		if follow {
			err = tx.InsertFollow(ctx, &model.Follow{FollowerID: agentID, FolloweeID: targetID, CreatedAt: l.now()})
			result = Created
		} else {
			err = tx.DeleteFollow(ctx, agentID, targetID)
			delta = -1
			result = Removed
		}
		if err != nil {
			return err
		}
		if err := tx.AdjustAgent(ctx, agentID, store.AgentDelta{Following: delta}); err != nil {
			return err
		}
		return tx.AdjustAgent(ctx, targetID, store.AgentDelta{Followers: delta})
	})
	if err != nil {
		return "", err
	}
	if result != Unchanged {
		l.events.Emit(outbox.Event{
			Type:    outbox.FollowChanged,
			AgentID: agentID,
			Data:    map[string]any{"target": targetID, "result": string(result)},
		})
	}
	return result, nil
}

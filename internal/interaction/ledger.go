// Package interaction applies votes and follows together with the counters
// derived from them. Every cast is one transaction: the vote row, the
// target tally and the author's karma commit or roll back together.
package interaction

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/LukeLamb/neuroforge-sub000/internal/apperr"
	"github.com/LukeLamb/neuroforge-sub000/internal/metrics"
	"github.com/LukeLamb/neuroforge-sub000/internal/model"
	"github.com/LukeLamb/neuroforge-sub000/internal/outbox"
	"github.com/LukeLamb/neuroforge-sub000/internal/store"
)

type Ledger struct {
	store  store.Store
	events outbox.Emitter
	logger *slog.Logger
	now    func() time.Time
}

func NewLedger(st store.Store, events outbox.Emitter, logger *slog.Logger) *Ledger {
	if events == nil {
		events = outbox.Nop{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Ledger{store: st, events: events, logger: logger, now: time.Now}
}

type CastOutcome struct {
	Result Result      `json:"result"`
	Target model.Tally `json:"tally"`
	Value  int         `json:"value"`
}

// Cast sets agentID's vote on ref to value; 0 removes it.
func (l *Ledger) Cast(ctx context.Context, agentID int64, ref model.VotableRef, value int) (CastOutcome, error) {
	if value < -1 || value > 1 {
		return CastOutcome{}, apperr.BadRequest("vote value must be -1, 0 or 1")
	}
	if _, err := model.ParseVotableKind(string(ref.Kind)); err != nil {
		return CastOutcome{}, apperr.BadRequest(err.Error())
	}

	var out CastOutcome
	var authorID int64
	err := l.store.InTx(ctx, func(tx store.Tx) error {
		target, err := tx.LockVotable(ctx, ref)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return apperr.NotFound(fmt.Sprintf("%s not found", ref.Kind))
			}
			return err
		}
		authorID = target.Author()
		if authorID == agentID {
			return apperr.BadRequest("cannot vote on own content")
		}

		prev := 0
		existing, err := tx.GetVote(ctx, agentID, ref)
		switch {
		case err == nil:
			prev = existing.Value
		case !errors.Is(err, store.ErrNotFound):
			return err
		}

		effect := Transition(prev, value)
		now := l.now()
		var opErr error
		switch effect.row {
		case opInsert:
			opErr = tx.InsertVote(ctx, &model.Vote{AgentID: agentID, Target: ref, Value: value, CreatedAt: now})
		case opUpdate:
			opErr = tx.UpdateVote(ctx, agentID, ref, value, now)
		case opDelete:
			opErr = tx.DeleteVote(ctx, agentID, ref)
		}
		if opErr != nil {
			return opErr
		}

		tally := target.Tally()
		if effect.Tally != (model.Tally{}) {
			if err := tx.AdjustTally(ctx, ref, effect.Tally.Up, effect.Tally.Down); err != nil {
				return err
			}
			tally.Up = max(tally.Up+effect.Tally.Up, 0)
			tally.Down = max(tally.Down+effect.Tally.Down, 0)
		}
		if effect.Karma != 0 {
			if err := tx.AdjustAgent(ctx, authorID, store.AgentDelta{Karma: effect.Karma}); err != nil {
				return err
			}
		}
		out = CastOutcome{Result: effect.Result, Target: tally, Value: value}
		return nil
	})
	if err != nil {
		return CastOutcome{}, err
	}

	metrics.VoteCastTotal.WithLabelValues(string(out.Result)).Inc()
	if out.Result != Unchanged {
		l.events.Emit(outbox.Event{
			Type:    outbox.VoteCast,
			AgentID: agentID,
			Data: map[string]any{
				"target": ref.String(),
				"value":  value,
				"result": string(out.Result),
				"author": authorID,
			},
		})
	}
	return out, nil
}

package interaction

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LukeLamb/neuroforge-sub000/internal/apperr"
	"github.com/LukeLamb/neuroforge-sub000/internal/model"
	"github.com/LukeLamb/neuroforge-sub000/internal/store"
	"github.com/LukeLamb/neuroforge-sub000/internal/store/sqlite"
)

type world struct {
	st     *sqlite.Store
	ledger *Ledger
}

func newWorld(t *testing.T) *world {
	t.Helper()
	st, err := sqlite.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return &world{st: st, ledger: NewLedger(st, nil, nil)}
}

func (w *world) agent(t *testing.T, name string) int64 {
	t.Helper()
	var id int64
	err := w.st.InTx(context.Background(), func(tx store.Tx) error {
		var err error
		id, err = tx.CreateAgent(context.Background(), &model.Agent{
			Name: name, Alg: "ed25519", PublicKey: "pk-" + name,
			VerificationStatus: model.StatusVerified, CreatedAt: time.Now(),
		})
		return err
	})
	require.NoError(t, err)
	return id
}

func (w *world) post(t *testing.T, author int64) model.VotableRef {
	t.Helper()
	var id int64
	err := w.st.InTx(context.Background(), func(tx store.Tx) error {
		var err error
		id, err = tx.InsertPost(context.Background(), &model.Post{AuthorID: author, Title: "p", CreatedAt: time.Now()})
		return err
	})
	require.NoError(t, err)
	return model.PostRef(id)
}

func (w *world) comment(t *testing.T, post model.VotableRef, author int64) model.VotableRef {
	t.Helper()
	var id int64
	err := w.st.InTx(context.Background(), func(tx store.Tx) error {
		var err error
		id, err = tx.InsertComment(context.Background(), &model.Comment{PostID: post.ID, AuthorID: author, Content: "c", CreatedAt: time.Now()})
		return err
	})
	require.NoError(t, err)
	return model.CommentRef(id)
}

func (w *world) karma(t *testing.T, id int64) int {
	t.Helper()
	a, err := w.st.GetAgent(context.Background(), id)
	require.NoError(t, err)
	return a.Karma
}

func (w *world) postTally(t *testing.T, ref model.VotableRef) model.Tally {
	t.Helper()
	p, err := w.st.GetPost(context.Background(), ref.ID)
	require.NoError(t, err)
	return p.Tally()
}

func TestTransitionTable(t *testing.T) {
	cases := []struct {
		prev, next int
		want       Result
		tally      model.Tally
		karma      int
	}{
		{0, 0, Unchanged, model.Tally{}, 0},
		{0, 1, Created, model.Tally{Up: 1}, 1},
		{0, -1, Created, model.Tally{Down: 1}, -1},
		{1, 1, Unchanged, model.Tally{}, 0},
		{-1, -1, Unchanged, model.Tally{}, 0},
		{1, -1, Updated, model.Tally{Up: -1, Down: 1}, -2},
		{-1, 1, Updated, model.Tally{Up: 1, Down: -1}, 2},
		{1, 0, Removed, model.Tally{Up: -1}, -1},
		{-1, 0, Removed, model.Tally{Down: -1}, 1},
	}
	for _, tc := range cases {
		e := Transition(tc.prev, tc.next)
		assert.Equal(t, tc.want, e.Result, "%d->%d", tc.prev, tc.next)
		assert.Equal(t, tc.tally, e.Tally, "%d->%d", tc.prev, tc.next)
		assert.Equal(t, tc.karma, e.Karma, "%d->%d", tc.prev, tc.next)
	}
}

func TestUpvoteDownvoteRemoveSequence(t *testing.T) {
	w := newWorld(t)
	ctx := context.Background()
	x := w.agent(t, "xavier")
	y := w.agent(t, "yolanda")
	p := w.post(t, y)

	out, err := w.ledger.Cast(ctx, x, p, 1)
	require.NoError(t, err)
	assert.Equal(t, Created, out.Result)
	assert.Equal(t, model.Tally{Up: 1}, w.postTally(t, p))
	assert.Equal(t, 1, w.karma(t, y))

	out, err = w.ledger.Cast(ctx, x, p, -1)
	require.NoError(t, err)
	assert.Equal(t, Updated, out.Result)
	assert.Equal(t, model.Tally{Down: 1}, w.postTally(t, p))
	assert.Equal(t, -1, w.karma(t, y))

	out, err = w.ledger.Cast(ctx, x, p, 0)
	require.NoError(t, err)
	assert.Equal(t, Removed, out.Result)
	assert.Equal(t, model.Tally{}, w.postTally(t, p))
	assert.Equal(t, 0, w.karma(t, y))

	_, err = w.st.GetVote(ctx, x, p)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestCastIsIdempotent(t *testing.T) {
	w := newWorld(t)
	ctx := context.Background()
	x := w.agent(t, "xavier")
	y := w.agent(t, "yolanda")
	c := w.comment(t, w.post(t, y), y)

	_, err := w.ledger.Cast(ctx, x, c, -1)
	require.NoError(t, err)
	out, err := w.ledger.Cast(ctx, x, c, -1)
	require.NoError(t, err)
	assert.Equal(t, Unchanged, out.Result)

	cm, err := w.st.GetComment(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, model.Tally{Down: 1}, cm.Tally())
	assert.Equal(t, -1, w.karma(t, y))

	out, err = w.ledger.Cast(ctx, x, model.PostRef(c.ID+100), 0)
	assert.True(t, apperr.Is(err, apperr.KindNotFound), "got %v", err)
	assert.Equal(t, CastOutcome{}, out)

	out, err = w.ledger.Cast(ctx, x, c, 0)
	require.NoError(t, err)
	assert.Equal(t, Removed, out.Result)
	out, err = w.ledger.Cast(ctx, x, c, 0)
	require.NoError(t, err)
	assert.Equal(t, Unchanged, out.Result)
	assert.Equal(t, 0, w.karma(t, y))
}

func TestCastZeroWithoutVoteIsUnchanged(t *testing.T) {
	w := newWorld(t)
	ctx := context.Background()
	x := w.agent(t, "xavier")
	y := w.agent(t, "yolanda")
	p := w.post(t, y)

	out, err := w.ledger.Cast(ctx, x, p, 0)
	require.NoError(t, err)
	assert.Equal(t, Unchanged, out.Result)
	assert.Equal(t, model.Tally{}, out.Target)
	assert.Equal(t, model.Tally{}, w.postTally(t, p))
	assert.Equal(t, 0, w.karma(t, y))

	_, err = w.st.GetVote(ctx, x, p)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestCastRejections(t *testing.T) {
	w := newWorld(t)
	ctx := context.Background()
	y := w.agent(t, "yolanda")
	x := w.agent(t, "xavier")
	p := w.post(t, y)

	_, err := w.ledger.Cast(ctx, y, p, 1)
	assert.True(t, apperr.Is(err, apperr.KindBadRequest), "self vote: %v", err)

	_, err = w.ledger.Cast(ctx, x, p, 2)
	assert.True(t, apperr.Is(err, apperr.KindBadRequest), "bad value: %v", err)

	_, err = w.ledger.Cast(ctx, x, model.VotableRef{Kind: "story", ID: p.ID}, 1)
	assert.True(t, apperr.Is(err, apperr.KindBadRequest), "bad kind: %v", err)

	_, err = w.ledger.Cast(ctx, x, model.PostRef(p.ID+1), 1)
	assert.True(t, apperr.Is(err, apperr.KindNotFound), "missing target: %v", err)

	assert.Equal(t, 0, w.karma(t, y))
	assert.Equal(t, model.Tally{}, w.postTally(t, p))
}

// sumVotes recomputes an author's karma from the vote rows.
func sumVotes(t *testing.T, w *world, voters []int64, targets []model.VotableRef) int {
	t.Helper()
	total := 0
	for _, v := range voters {
		for _, ref := range targets {
			vote, err := w.st.GetVote(context.Background(), v, ref)
			if errors.Is(err, store.ErrNotFound) {
				continue
			}
			require.NoError(t, err)
			total += vote.Value
		}
	}
	return total
}

func TestKarmaConservationRandomized(t *testing.T) {
	w := newWorld(t)
	ctx := context.Background()
	author := w.agent(t, "author")
	voters := []int64{w.agent(t, "v1"), w.agent(t, "v2"), w.agent(t, "v3"), w.agent(t, "v4")}
	post := w.post(t, author)
	targets := []model.VotableRef{post, w.comment(t, post, author), w.comment(t, post, author)}

	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 300; i++ {
		v := voters[rng.Intn(len(voters))]
		ref := targets[rng.Intn(len(targets))]
		_, err := w.ledger.Cast(ctx, v, ref, rng.Intn(3)-1)
		require.NoError(t, err)
	}
	assert.Equal(t, sumVotes(t, w, voters, targets), w.karma(t, author))
}

func TestKarmaConservationConcurrent(t *testing.T) {
	w := newWorld(t)
	ctx := context.Background()
	author := w.agent(t, "author")
	voters := []int64{w.agent(t, "v1"), w.agent(t, "v2"), w.agent(t, "v3")}
	post := w.post(t, author)
	targets := []model.VotableRef{post, w.comment(t, post, author)}

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(seed int64) {
			defer wg.Done()
			rng := rand.New(rand.NewSource(seed))
			for i := 0; i < 40; i++ {
				v := voters[rng.Intn(len(voters))]
				ref := targets[rng.Intn(len(targets))]
				if _, err := w.ledger.Cast(ctx, v, ref, rng.Intn(3)-1); err != nil {
					t.Errorf("cast: %v", err)
					return
				}
			}
		}(int64(g))
	}
	wg.Wait()

	assert.Equal(t, sumVotes(t, w, voters, targets), w.karma(t, author))

	up, down := 0, 0
	for _, v := range voters {
		vote, err := w.st.GetVote(ctx, v, post)
		if err != nil {
			continue
		}
		if vote.Value == 1 {
			up++
		} else {
			down++
		}
	}
	assert.Equal(t, model.Tally{Up: up, Down: down}, w.postTally(t, post))
}

func TestFollowLifecycle(t *testing.T) {
	w := newWorld(t)
	ctx := context.Background()
	a := w.agent(t, "alice")
	b := w.agent(t, "bob")

	res, err := w.ledger.Follow(ctx, a, b)
	require.NoError(t, err)
	assert.Equal(t, Created, res)
	res, err = w.ledger.Follow(ctx, a, b)
	require.NoError(t, err)
	assert.Equal(t, Unchanged, res)

	alice, _ := w.st.GetAgent(ctx, a)
	bob, _ := w.st.GetAgent(ctx, b)
	assert.Equal(t, 1, alice.FollowingCount)
	assert.Equal(t, 1, bob.FollowerCount)

	res, err = w.ledger.Unfollow(ctx, a, b)
	require.NoError(t, err)
	assert.Equal(t, Removed, res)
	res, err = w.ledger.Unfollow(ctx, a, b)
	require.NoError(t, err)
	assert.Equal(t, Unchanged, res)

	bob, _ = w.st.GetAgent(ctx, b)
	assert.Equal(t, 0, bob.FollowerCount)

	_, err = w.ledger.Follow(ctx, a, a)
	assert.True(t, apperr.Is(err, apperr.KindBadRequest))
	_, err = w.ledger.Follow(ctx, a, 999)
	assert.True(t, apperr.Is(err, apperr.KindNotFound))
}

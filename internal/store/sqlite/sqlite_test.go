package sqlite

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/LukeLamb/neuroforge-sub000/internal/model"
	"github.com/LukeLamb/neuroforge-sub000/internal/store"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	path := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	st, err := Open(path)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func createAgent(t *testing.T, st *Store, name string) int64 {
	t.Helper()
	var id int64
	err := st.InTx(context.Background(), func(tx store.Tx) error {
		var err error
		id, err = tx.CreateAgent(context.Background(), &model.Agent{
			Name:      name,
			Alg:       "ed25519",
			PublicKey: "pk-" + name,
			CreatedAt: time.Now(),
		})
		return err
	})
	if err != nil {
		t.Fatalf("create agent %s: %v", name, err)
	}
	return id
}

func TestAgentLifecycle(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	id := createAgent(t, st, "alpha")

	got, err := st.GetAgent(ctx, id)
	if err != nil {
		t.Fatalf("get agent: %v", err)
	}
	if got.VerificationStatus != model.StatusPending {
		t.Fatalf("expected pending, got %s", got.VerificationStatus)
	}

	if err := st.SetAgentStatus(ctx, id, model.StatusVerified); err != nil {
		t.Fatalf("set status: %v", err)
	}
	got, _ = st.GetAgent(ctx, id)
	if got.VerificationStatus != model.StatusVerified {
		t.Fatalf("expected verified, got %s", got.VerificationStatus)
	}

	if err := st.SetAgentStatus(ctx, 999, model.StatusVerified); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := st.GetAgent(ctx, 999); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestDuplicateAgentName(t *testing.T) {
	st := newTestStore(t)
	createAgent(t, st, "alpha")

	err := st.InTx(context.Background(), func(tx store.Tx) error {
		_, err := tx.CreateAgent(context.Background(), &model.Agent{Name: "ALPHA", Alg: "ed25519", PublicKey: "other", CreatedAt: time.Now()})
		return err
	})
	if !errors.Is(err, store.ErrDuplicateName) {
		t.Fatalf("expected ErrDuplicateName, got %v", err)
	}
}

func TestAdjustAgentFloorsCountsButNotKarma(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	id := createAgent(t, st, "alpha")
	now := time.Now()

	err := st.InTx(ctx, func(tx store.Tx) error {
		return tx.AdjustAgent(ctx, id, store.AgentDelta{Karma: -3, Posts: -1, Comments: 2, Followers: -5, ActiveAt: &now})
	})
	if err != nil {
		t.Fatalf("adjust: %v", err)
	}
	got, _ := st.GetAgent(ctx, id)
	if got.Karma != -3 {
		t.Fatalf("expected karma -3, got %d", got.Karma)
	}
	if got.PostCount != 0 || got.FollowerCount != 0 {
		t.Fatalf("expected floored counts, got posts=%d followers=%d", got.PostCount, got.FollowerCount)
	}
	if got.CommentCount != 2 {
		t.Fatalf("expected comment_count 2, got %d", got.CommentCount)
	}
	if got.LastActiveAt == nil || got.LastActiveAt.Unix() != now.Unix() {
		t.Fatalf("expected last_active_at set, got %v", got.LastActiveAt)
	}
}

func TestInTxRollsBack(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	id := createAgent(t, st, "alpha")

	boom := errors.New("boom")
	err := st.InTx(ctx, func(tx store.Tx) error {
		if err := tx.AdjustAgent(ctx, id, store.AgentDelta{Karma: 10}); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	got, _ := st.GetAgent(ctx, id)
	if got.Karma != 0 {
		t.Fatalf("expected rollback, karma=%d", got.Karma)
	}
}

func TestAPIKeys(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	agentID := createAgent(t, st, "alpha")
	now := time.Now()
	past := now.Add(-time.Hour)

	live := model.APIKey{AgentID: agentID, KeyHash: "h1", KeyPrefix: "nf_abcdefgh", Scopes: []string{"write"}, CreatedAt: now}
	expired := model.APIKey{AgentID: agentID, KeyHash: "h2", KeyPrefix: "nf_abcdefgh", ExpiresAt: &past, CreatedAt: now}
	liveID, err := st.InsertAPIKey(ctx, &live)
	if err != nil {
		t.Fatalf("insert key: %v", err)
	}
	if _, err := st.InsertAPIKey(ctx, &expired); err != nil {
		t.Fatalf("insert key: %v", err)
	}

	keys, err := st.ListActiveKeys(ctx, "nf_abcdefgh", now)
	if err != nil {
		t.Fatalf("list active: %v", err)
	}
	if len(keys) != 1 || keys[0].ID != liveID {
		t.Fatalf("expected only live key, got %+v", keys)
	}
	if len(keys[0].Scopes) != 1 || keys[0].Scopes[0] != "write" {
		t.Fatalf("unexpected scopes %v", keys[0].Scopes)
	}

	if err := st.TouchKey(ctx, liveID, now); err != nil {
		t.Fatalf("touch: %v", err)
	}
	if err := st.TouchKey(ctx, liveID, now); err != nil {
		t.Fatalf("touch: %v", err)
	}
	all, _ := st.ListAgentKeys(ctx, agentID)
	if all[0].RequestCount != 2 || all[0].LastUsedAt == nil {
		t.Fatalf("expected usage recorded, got %+v", all[0])
	}

	if err := st.RevokeKey(ctx, agentID+1, liveID, now); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound revoking another agent's key, got %v", err)
	}
	if err := st.RevokeKey(ctx, agentID, liveID, now); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	keys, _ = st.ListActiveKeys(ctx, "nf_abcdefgh", now)
	if len(keys) != 0 {
		t.Fatalf("expected no active keys after revoke, got %d", len(keys))
	}
}

func TestChallengeConsumedOnce(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	c := model.Challenge{Challenge: "abc", Alg: "ed25519", ExpiresAt: time.Now().Add(time.Minute)}
	if err := st.CreateChallenge(ctx, c); err != nil {
		t.Fatalf("create challenge: %v", err)
	}
	got, err := st.ConsumeChallenge(ctx, "abc")
	if err != nil {
		t.Fatalf("consume: %v", err)
	}
	if got.Alg != "ed25519" {
		t.Fatalf("unexpected alg %s", got.Alg)
	}
	if _, err := st.ConsumeChallenge(ctx, "abc"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound on second consume, got %v", err)
	}
}

func TestCreateChallengePurgesExpired(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	stale := model.Challenge{Challenge: "stale", Alg: "ed25519", ExpiresAt: time.Now().Add(-time.Hour)}
	if err := st.CreateChallenge(ctx, stale); err != nil {
		t.Fatalf("create stale: %v", err)
	}
	fresh := model.Challenge{Challenge: "fresh", Alg: "ed25519", ExpiresAt: time.Now().Add(time.Minute)}
	if err := st.CreateChallenge(ctx, fresh); err != nil {
		t.Fatalf("create fresh: %v", err)
	}
	if _, err := st.ConsumeChallenge(ctx, "stale"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected expired challenge to be purged, got %v", err)
	}
	if _, err := st.ConsumeChallenge(ctx, "fresh"); err != nil {
		t.Fatalf("consume fresh: %v", err)
	}
}

func TestCommentSubtreeAndDelete(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	author := createAgent(t, st, "alpha")

	var root, child, grandchild, sibling model.Comment
	err := st.InTx(ctx, func(tx store.Tx) error {
		postID, err := tx.InsertPost(ctx, &model.Post{AuthorID: author, Title: "t", CreatedAt: time.Now()})
		if err != nil {
			return err
		}
		insert := func(parent *model.Comment) (model.Comment, error) {
			depth, path := model.ChildPosition(parent)
			c := model.Comment{PostID: postID, AuthorID: author, Content: "c", Depth: depth, Path: path, CreatedAt: time.Now()}
			if parent != nil {
				pid := parent.ID
				c.ParentID = &pid
			}
			id, err := tx.InsertComment(ctx, &c)
			if err != nil {
				return model.Comment{}, err
			}
			return tx.LockComment(ctx, id)
		}
		if root, err = insert(nil); err != nil {
			return err
		}
		if child, err = insert(&root); err != nil {
			return err
		}
		if grandchild, err = insert(&child); err != nil {
			return err
		}
		sibling, err = insert(nil)
		return err
	})
	if err != nil {
		t.Fatalf("build thread: %v", err)
	}
	if root.Path != "" || child.Path != fmt.Sprint(root.ID) || grandchild.Depth != 2 {
		t.Fatalf("unexpected derivation: root=%+v child=%+v grandchild=%+v", root, child, grandchild)
	}

	err = st.InTx(ctx, func(tx store.Tx) error {
		sub, err := tx.ListSubtree(ctx, root)
		if err != nil {
			return err
		}
		if len(sub) != 2 || sub[0].ID != grandchild.ID || sub[1].ID != child.ID {
			return fmt.Errorf("unexpected subtree %+v", sub)
		}
		return tx.DeleteComments(ctx, []int64{grandchild.ID, child.ID, root.ID})
	})
	if err != nil {
		t.Fatalf("delete subtree: %v", err)
	}

	left, err := st.ListComments(ctx, root.PostID)
	if err != nil {
		t.Fatalf("list comments: %v", err)
	}
	if len(left) != 1 || left[0].ID != sibling.ID {
		t.Fatalf("expected only sibling to remain, got %+v", left)
	}
}

func TestVoteRowsAndTally(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	author := createAgent(t, st, "alpha")
	voter := createAgent(t, st, "beta")

	var ref model.VotableRef
	err := st.InTx(ctx, func(tx store.Tx) error {
		postID, err := tx.InsertPost(ctx, &model.Post{AuthorID: author, Title: "t", CreatedAt: time.Now()})
		if err != nil {
			return err
		}
		ref = model.PostRef(postID)
		if err := tx.InsertVote(ctx, &model.Vote{AgentID: voter, Target: ref, Value: 1, CreatedAt: time.Now()}); err != nil {
			return err
		}
		if err := tx.InsertVote(ctx, &model.Vote{AgentID: voter, Target: ref, Value: -1, CreatedAt: time.Now()}); !errors.Is(err, store.ErrDuplicateVote) {
			return fmt.Errorf("expected ErrDuplicateVote, got %v", err)
		}
		if err := tx.AdjustTally(ctx, ref, 1, 0); err != nil {
			return err
		}
		return tx.AdjustTally(ctx, ref, 0, -1)
	})
	if err != nil {
		t.Fatalf("vote tx: %v", err)
	}

	post, _ := st.GetPost(ctx, ref.ID)
	if post.UpvoteCount != 1 || post.DownvoteCount != 0 {
		t.Fatalf("unexpected tally up=%d down=%d", post.UpvoteCount, post.DownvoteCount)
	}
	v, err := st.GetVote(ctx, voter, ref)
	if err != nil || v.Value != 1 {
		t.Fatalf("expected stored vote 1, got %+v err=%v", v, err)
	}

	err = st.InTx(ctx, func(tx store.Tx) error {
		net, err := tx.DeleteVotesOn(ctx, ref)
		if err != nil {
			return err
		}
		if net != 1 {
			return fmt.Errorf("expected net 1, got %d", net)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("delete votes: %v", err)
	}
	if _, err := st.GetVote(ctx, voter, ref); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected vote gone, got %v", err)
	}
}

func TestFollowRows(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	a := createAgent(t, st, "alpha")
	b := createAgent(t, st, "beta")

	err := st.InTx(ctx, func(tx store.Tx) error {
		if err := tx.InsertFollow(ctx, &model.Follow{FollowerID: a, FolloweeID: b, CreatedAt: time.Now()}); err != nil {
			return err
		}
		if err := tx.InsertFollow(ctx, &model.Follow{FollowerID: a, FolloweeID: b, CreatedAt: time.Now()}); !errors.Is(err, store.ErrDuplicateFollow) {
			return fmt.Errorf("expected ErrDuplicateFollow, got %v", err)
		}
		if _, err := tx.GetFollow(ctx, a, b); err != nil {
			return err
		}
		if _, err := tx.GetFollow(ctx, b, a); !errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("expected reverse follow absent, got %v", err)
		}
		return tx.DeleteFollow(ctx, a, b)
	})
	if err != nil {
		t.Fatalf("follow tx: %v", err)
	}
}

package httpapp_test

import (
	"context"
	"net"
	"net/http"
	"sync"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/LukeLamb/neuroforge-sub000/internal/auth"
	"github.com/LukeLamb/neuroforge-sub000/internal/client"
	"github.com/LukeLamb/neuroforge-sub000/internal/content"
	httpapp "github.com/LukeLamb/neuroforge-sub000/internal/http"
	"github.com/LukeLamb/neuroforge-sub000/internal/interaction"
	"github.com/LukeLamb/neuroforge-sub000/internal/model"
	"github.com/LukeLamb/neuroforge-sub000/internal/outbox"
	"github.com/LukeLamb/neuroforge-sub000/internal/rate"
	"github.com/LukeLamb/neuroforge-sub000/internal/store/sqlite"
)

type recordingSink struct {
	mu     sync.Mutex
	events []outbox.Event
}

func (r *recordingSink) Publish(_ context.Context, e outbox.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

func (r *recordingSink) types() map[string]int {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]int)
	for _, e := range r.events {
		out[e.Type]++
	}
	return out
}

func TestEndToEndServer(t *testing.T) {
	st, err := sqlite.Open("file:e2e_test?mode=memory&cache=shared")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer st.Close()

	sink := &recordingSink{}
	events := outbox.New(64, nil, sink)
	events.Start()

	limiter := rate.New(rate.NewMemory(), rate.DefaultPolicy(10, time.Hour))
	issuer := auth.NewKeyIssuer(st, bcrypt.MinCost, 0)
	matcher := auth.NewKeyMatcher(st, 2, nil)
	server := httpapp.NewServer(httpapp.Deps{
		Store:       st,
		Gate:        auth.NewGate(matcher, st, limiter, nil),
		Limiter:     limiter,
		Registrar:   auth.NewRegistrar(st, issuer, time.Minute),
		Keys:        issuer,
		Posts:       content.NewPostLedger(st, events, nil),
		Threads:     content.NewThreadModel(st, events, nil),
		Ledger:      interaction.NewLedger(st, events, nil),
		Events:      events,
		AdminSecret: "admin",
	})

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer listener.Close()

	httpServer := &http.Server{Handler: server}
	go func() {
		_ = httpServer.Serve(listener)
	}()
	defer httpServer.Close()

	baseURL := "http://" + listener.Addr().String()
	ctx := context.Background()
	admin := client.New(baseURL)
	admin.AdminSecret = "admin"

	register := func(name string) (*client.Client, model.Agent) {
		creds, err := client.GenerateCredentials(name)
		if err != nil {
			t.Fatalf("credentials: %v", err)
		}
		c := client.New(baseURL)
		reg, err := c.Register(ctx, creds, "e2e")
		if err != nil {
			t.Fatalf("register %s: %v", name, err)
		}
		if _, err := admin.SetStatus(ctx, reg.Agent.ID, model.StatusVerified); err != nil {
			t.Fatalf("verify %s: %v", name, err)
		}
		return c, reg.Agent
	}

	author, authorAgent := register("e2e-author")
	voter, _ := register("e2e-voter")

	post, err := author.CreatePost(ctx, "E2E Post", "", "https://example.com")
	if err != nil {
		t.Fatalf("create post: %v", err)
	}
	comment, err := voter.Comment(ctx, post.ID, nil, "nice")
	if err != nil {
		t.Fatalf("comment: %v", err)
	}
	if _, err := author.Vote(ctx, model.KindComment, comment.ID, 1); err != nil {
		t.Fatalf("vote comment: %v", err)
	}
	if _, err := voter.Vote(ctx, model.KindPost, post.ID, 1); err != nil {
		t.Fatalf("vote post: %v", err)
	}
	if _, err := voter.Follow(ctx, authorAgent.ID); err != nil {
		t.Fatalf("follow: %v", err)
	}

	me, err := author.Me(ctx)
	if err != nil {
		t.Fatalf("me: %v", err)
	}
	if me.Karma != 1 || me.PostCount != 1 || me.FollowerCount != 1 {
		t.Fatalf("unexpected author state: %+v", me)
	}

	events.Close()
	got := sink.types()
	for _, want := range []string{
		outbox.AgentRegistered, outbox.AgentStatus, outbox.PostCreated,
		outbox.CommentCreated, outbox.VoteCast, outbox.FollowChanged,
	} {
		if got[want] == 0 {
			t.Errorf("expected %s event, got %v", want, got)
		}
	}
}

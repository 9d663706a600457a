package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/LukeLamb/neuroforge-sub000/internal/apperr"
	"github.com/LukeLamb/neuroforge-sub000/internal/metrics"
	"github.com/LukeLamb/neuroforge-sub000/internal/model"
	"github.com/LukeLamb/neuroforge-sub000/internal/rate"
	"github.com/LukeLamb/neuroforge-sub000/internal/store"
)

// Principal is an authenticated agent acting through one key.
type Principal struct {
	AgentID int64
	KeyID   int64
	Scopes  []string
	Agent   model.Agent
}

func (p Principal) HasScope(scope string) bool {
	for _, s := range p.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

type agentLookup interface {
	GetAgent(ctx context.Context, id int64) (model.Agent, error)
}

// Gate turns an Authorization header into a Principal. Checks run
// cheapest first and each one gates the next: header, key, verification
// status, rate tier.
type Gate struct {
	matcher *KeyMatcher
	agents  agentLookup
	limiter *rate.Limiter
	logger  *slog.Logger
}

func NewGate(matcher *KeyMatcher, agents agentLookup, limiter *rate.Limiter, logger *slog.Logger) *Gate {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gate{matcher: matcher, agents: agents, limiter: limiter, logger: logger}
}

func (g *Gate) Authenticate(ctx context.Context, header string, tier rate.Tier) (Principal, error) {
	p, err := g.authenticate(ctx, header, tier)
	metrics.AuthTotal.WithLabelValues(outcome(err)).Inc()
	if err != nil && apperr.KindOf(err) == apperr.KindInternal {
		g.logger.Error("authenticate", "tier", string(tier), "error", err)
	}
	return p, err
}

func (g *Gate) authenticate(ctx context.Context, header string, tier rate.Tier) (Principal, error) {
	token, ok := BearerToken(header)
	if !ok {
		return Principal{}, apperr.Unauthenticated("missing bearer token")
	}
	match, err := g.matcher.Verify(ctx, token)
	if err != nil {
		return Principal{}, err
	}
	agent, err := g.agents.GetAgent(ctx, match.AgentID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return Principal{}, apperr.Unauthenticated("invalid api key")
		}
		return Principal{}, fmt.Errorf("load agent: %w", err)
	}
	if agent.VerificationStatus != model.StatusVerified {
		return Principal{}, apperr.Forbidden(fmt.Sprintf("agent is %s", agent.VerificationStatus))
	}
	decision, err := g.limiter.Check(ctx, rate.AgentSubject(agent.ID), tier)
	if err != nil {
		return Principal{}, err
	}
	if !decision.Allowed {
		return Principal{}, apperr.RateLimited(decision.RetryAfter)
	}
	return Principal{AgentID: agent.ID, KeyID: match.KeyID, Scopes: match.Scopes, Agent: agent}, nil
}

// BearerToken extracts the token from an Authorization header value.
func BearerToken(header string) (string, bool) {
	header = strings.TrimSpace(header)
	if len(header) < 7 || !strings.EqualFold(header[:7], "bearer ") {
		return "", false
	}
	token := strings.TrimSpace(header[7:])
	return token, token != ""
}

func outcome(err error) string {
	if err == nil {
		return "ok"
	}
	if apperr.KindOf(err) == apperr.KindInternal {
		return "error"
	}
	return apperr.KindOf(err).String()
}

type principalKey struct{}

func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

func PrincipalFrom(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}

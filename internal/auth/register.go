package auth

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/LukeLamb/neuroforge-sub000/internal/apperr"
	"github.com/LukeLamb/neuroforge-sub000/internal/model"
	"github.com/LukeLamb/neuroforge-sub000/internal/store"
)

var agentNamePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_-]{2,31}$`)

// Registrar enrolls new agents. An agent proves control of a key pair by
// signing a one-shot challenge and receives its first API key; it starts
// pending until an operator verifies it.
type Registrar struct {
	store        store.Store
	issuer       *KeyIssuer
	challengeTTL time.Duration
	now          func() time.Time
}

func NewRegistrar(st store.Store, issuer *KeyIssuer, challengeTTL time.Duration) *Registrar {
	if challengeTTL <= 0 {
		challengeTTL = 5 * time.Minute
	}
	return &Registrar{store: st, issuer: issuer, challengeTTL: challengeTTL, now: time.Now}
}

func (r *Registrar) CreateChallenge(ctx context.Context, alg string) (model.Challenge, error) {
	normalized, ok := NormalizeAlg(alg)
	if !ok {
		return model.Challenge{}, apperr.BadRequest(fmt.Sprintf("unsupported alg %q", alg))
	}
	challenge, err := randomToken(32)
	if err != nil {
		return model.Challenge{}, err
	}
	c := model.Challenge{
		Challenge: challenge,
		Alg:       normalized,
		ExpiresAt: r.now().Add(r.challengeTTL),
	}
	if err := r.store.CreateChallenge(ctx, c); err != nil {
		return model.Challenge{}, err
	}
	return c, nil
}

type Registration struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Alg         string `json:"alg"`
	PublicKey   string `json:"public_key"`
	Challenge   string `json:"challenge"`
	Signature   string `json:"signature"`
}

func (r *Registrar) Register(ctx context.Context, req Registration) (model.Agent, IssuedKey, error) {
	name := strings.TrimSpace(req.Name)
	if !agentNamePattern.MatchString(name) {
		return model.Agent{}, IssuedKey{}, apperr.BadRequest("name must be 3-32 letters, digits, '-' or '_'")
	}
	alg, ok := NormalizeAlg(req.Alg)
	if !ok {
		return model.Agent{}, IssuedKey{}, apperr.BadRequest(fmt.Sprintf("unsupported alg %q", req.Alg))
	}
	if strings.TrimSpace(req.PublicKey) == "" || req.Challenge == "" || req.Signature == "" {
		return model.Agent{}, IssuedKey{}, apperr.BadRequest("public_key, challenge and signature are required")
	}

	c, err := r.store.ConsumeChallenge(ctx, req.Challenge)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return model.Agent{}, IssuedKey{}, apperr.BadRequest("unknown challenge")
		}
		return model.Agent{}, IssuedKey{}, err
	}
	if r.now().After(c.ExpiresAt) {
		return model.Agent{}, IssuedKey{}, apperr.BadRequest("challenge expired")
	}
	if c.Alg != alg {
		return model.Agent{}, IssuedKey{}, apperr.BadRequest("challenge alg mismatch")
	}
	if err := VerifySignature(alg, req.PublicKey, req.Challenge, req.Signature); err != nil {
		return model.Agent{}, IssuedKey{}, apperr.Unauthenticated("signature verification failed")
	}

	now := r.now()
	agent := model.Agent{
		Name:               name,
		Description:        strings.TrimSpace(req.Description),
		Alg:                alg,
		PublicKey:          strings.TrimSpace(req.PublicKey),
		VerificationStatus: model.StatusPending,
		CreatedAt:          now,
	}
	// hash before the transaction; bcrypt is slow and SQLite has one writer
	issued, err := r.issuer.Mint(0, nil, 0)
	if err != nil {
		return model.Agent{}, IssuedKey{}, err
	}
	err = r.store.InTx(ctx, func(tx store.Tx) error {
		id, err := tx.CreateAgent(ctx, &agent)
		if err != nil {
			return err
		}
		agent.ID = id
		issued.Key.AgentID = id
		keyID, err := tx.InsertAPIKey(ctx, &issued.Key)
		if err != nil {
			return err
		}
		issued.Key.ID = keyID
		return nil
	})
	switch {
	case errors.Is(err, store.ErrDuplicateName):
		return model.Agent{}, IssuedKey{}, apperr.BadRequest("name already taken")
	case errors.Is(err, store.ErrDuplicateKey):
		return model.Agent{}, IssuedKey{}, apperr.BadRequest("public key already registered")
	case err != nil:
		return model.Agent{}, IssuedKey{}, fmt.Errorf("register agent: %w", err)
	}
	return agent, issued, nil
}

// SetStatus moves an agent between pending, verified and suspended.
func (r *Registrar) SetStatus(ctx context.Context, agentID int64, status string) (model.Agent, error) {
	s, ok := model.ParseVerificationStatus(status)
	if !ok {
		return model.Agent{}, apperr.BadRequest(fmt.Sprintf("unknown status %q", status))
	}
	if err := r.store.SetAgentStatus(ctx, agentID, s); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return model.Agent{}, apperr.NotFound("agent not found")
		}
		return model.Agent{}, err
	}
	return r.store.GetAgent(ctx, agentID)
}

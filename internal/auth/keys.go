package auth

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/LukeLamb/neuroforge-sub000/internal/apperr"
	"github.com/LukeLamb/neuroforge-sub000/internal/model"
	"github.com/LukeLamb/neuroforge-sub000/internal/store"
)

const (
	// TokenPrefix marks a string as a neuroforge API key.
	TokenPrefix = "nf_"
	// KeyPrefixLen is how much of a token is kept in clear as key_prefix.
	KeyPrefixLen = len(TokenPrefix) + 8

	tokenEntropy = 32
	tokenLen     = len(TokenPrefix) + 43
)

const (
	ScopeRead  = "read"
	ScopeWrite = "write"
)

var DefaultScopes = []string{ScopeRead, ScopeWrite}

// IssuedKey pairs a stored key with its raw token. The token is shown to
// the caller once and never persisted.
type IssuedKey struct {
	Token string       `json:"token"`
	Key   model.APIKey `json:"key"`
}

type keyStore interface {
	store.AgentStore
	store.KeyStore
}

type KeyIssuer struct {
	store      keyStore
	cost       int
	defaultTTL time.Duration
	now        func() time.Time
}

// NewKeyIssuer returns an issuer hashing with bcrypt at cost. A zero
// defaultTTL issues keys that never expire unless the caller asks.
func NewKeyIssuer(st keyStore, cost int, defaultTTL time.Duration) *KeyIssuer {
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}
	return &KeyIssuer{store: st, cost: cost, defaultTTL: defaultTTL, now: time.Now}
}

// Mint builds a new key for agentID without storing it.
func (i *KeyIssuer) Mint(agentID int64, scopes []string, ttl time.Duration) (IssuedKey, error) {
	scopes, err := normalizeScopes(scopes)
	if err != nil {
		return IssuedKey{}, err
	}
	token, err := newToken()
	if err != nil {
		return IssuedKey{}, err
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(token), i.cost)
	if err != nil {
		return IssuedKey{}, fmt.Errorf("hash key: %w", err)
	}
	now := i.now()
	key := model.APIKey{
		AgentID:   agentID,
		KeyHash:   string(hash),
		KeyPrefix: token[:KeyPrefixLen],
		Scopes:    scopes,
		CreatedAt: now,
	}
	if ttl <= 0 {
		ttl = i.defaultTTL
	}
	if ttl > 0 {
		exp := now.Add(ttl)
		key.ExpiresAt = &exp
	}
	return IssuedKey{Token: token, Key: key}, nil
}

// Issue mints and stores an additional key for an existing agent.
func (i *KeyIssuer) Issue(ctx context.Context, agentID int64, scopes []string, ttl time.Duration) (IssuedKey, error) {
	if _, err := i.store.GetAgent(ctx, agentID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return IssuedKey{}, apperr.NotFound("agent not found")
		}
		return IssuedKey{}, err
	}
	issued, err := i.Mint(agentID, scopes, ttl)
	if err != nil {
		return IssuedKey{}, err
	}
	id, err := i.store.InsertAPIKey(ctx, &issued.Key)
	if err != nil {
		return IssuedKey{}, fmt.Errorf("insert key: %w", err)
	}
	issued.Key.ID = id
	return issued, nil
}

// Revoke marks one of agentID's keys revoked. Keys of other agents are
// reported as not found.
func (i *KeyIssuer) Revoke(ctx context.Context, agentID, keyID int64) error {
	if err := i.store.RevokeKey(ctx, agentID, keyID, i.now()); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return apperr.NotFound("key not found")
		}
		return err
	}
	return nil
}

func (i *KeyIssuer) List(ctx context.Context, agentID int64) ([]model.APIKey, error) {
	return i.store.ListAgentKeys(ctx, agentID)
}

// ClampScopes limits a key request to the scopes the calling key holds.
// An empty request inherits held.
func ClampScopes(requested, held []string) ([]string, error) {
	if len(requested) == 0 {
		return append([]string(nil), held...), nil
	}
	scopes, err := normalizeScopes(requested)
	if err != nil {
		return nil, err
	}
	for _, s := range scopes {
		if !slices.Contains(held, s) {
			return nil, apperr.Forbidden(fmt.Sprintf("cannot grant %s scope", s))
		}
	}
	return scopes, nil
}

func normalizeScopes(scopes []string) ([]string, error) {
	if len(scopes) == 0 {
		return append([]string(nil), DefaultScopes...), nil
	}
	seen := make(map[string]bool, len(scopes))
	out := make([]string, 0, len(scopes))
	for _, s := range scopes {
		s = strings.ToLower(strings.TrimSpace(s))
		if s != ScopeRead && s != ScopeWrite {
			return nil, apperr.BadRequest(fmt.Sprintf("unknown scope %q", s))
		}
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out, nil
}

func newToken() (string, error) {
	s, err := randomToken(tokenEntropy)
	if err != nil {
		return "", err
	}
	return TokenPrefix + s, nil
}

func randomToken(size int) (string, error) {
	b := make([]byte, size)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// wellFormed reports whether token could have been minted here. It costs
// no hashing.
func wellFormed(token string) bool {
	if len(token) != tokenLen || !strings.HasPrefix(token, TokenPrefix) {
		return false
	}
	_, err := base64.RawURLEncoding.DecodeString(token[len(TokenPrefix):])
	return err == nil
}

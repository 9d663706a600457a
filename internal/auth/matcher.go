package auth

import (
	"context"
	"errors"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"
	"golang.org/x/sync/errgroup"

	"github.com/LukeLamb/neuroforge-sub000/internal/apperr"
	"github.com/LukeLamb/neuroforge-sub000/internal/metrics"
	"github.com/LukeLamb/neuroforge-sub000/internal/model"
)

type keyLookup interface {
	ListActiveKeys(ctx context.Context, prefix string, now time.Time) ([]model.APIKey, error)
	TouchKey(ctx context.Context, keyID int64, at time.Time) error
}

// Match is the key a token resolved to.
type Match struct {
	AgentID int64
	KeyID   int64
	Scopes  []string
}

// KeyMatcher resolves a raw token to its key. Only hashes are stored, so
// every active key sharing the token's clear prefix is compared with
// bcrypt, up to workers at a time, stopping at the first match.
type KeyMatcher struct {
	keys    keyLookup
	workers int
	logger  *slog.Logger
	now     func() time.Time
}

func NewKeyMatcher(keys keyLookup, workers int, logger *slog.Logger) *KeyMatcher {
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &KeyMatcher{keys: keys, workers: workers, logger: logger, now: time.Now}
}

var errMatched = errors.New("key matched")

func (m *KeyMatcher) Verify(ctx context.Context, token string) (Match, error) {
	if !wellFormed(token) {
		return Match{}, apperr.Unauthenticated("invalid api key")
	}
	now := m.now()
	candidates, err := m.keys.ListActiveKeys(ctx, token[:KeyPrefixLen], now)
	if err != nil {
		return Match{}, err
	}
	metrics.KeyScanCandidates.Observe(float64(len(candidates)))

	var (
		mu    sync.Mutex
		found *model.APIKey
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.workers)
	for i := range candidates {
		if gctx.Err() != nil {
			break
		}
		k := &candidates[i]
		g.Go(func() error {
			if gctx.Err() != nil {
				return nil
			}
			if !k.Active(now) {
				return nil
			}
			if bcrypt.CompareHashAndPassword([]byte(k.KeyHash), []byte(token)) != nil {
				return nil
			}
			mu.Lock()
			if found == nil {
				found = k
			}
			mu.Unlock()
			return errMatched
		})
	}
	err = g.Wait()
	if found == nil {
		if err != nil && !errors.Is(err, errMatched) {
			return Match{}, err
		}
		if ctx.Err() != nil {
			return Match{}, ctx.Err()
		}
		return Match{}, apperr.Unauthenticated("invalid api key")
	}

	if err := m.keys.TouchKey(ctx, found.ID, now); err != nil {
		m.logger.Warn("record key usage failed", "key_id", found.ID, "error", err)
	}
	return Match{AgentID: found.AgentID, KeyID: found.ID, Scopes: found.Scopes}, nil
}

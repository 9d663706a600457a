// Package postgres is the pgx-backed store. Unlike the SQLite backend it
// runs transactions concurrently and relies on SELECT ... FOR UPDATE row
// locks, taken content row first and agent rows second.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/LukeLamb/neuroforge-sub000/internal/model"
	"github.com/LukeLamb/neuroforge-sub000/internal/store"
)

var (
	connectRetries = 10
	retryDelay     = time.Second
	pingTimeout    = 2 * time.Second
)

type Store struct {
	pool *pgxpool.Pool
}

var _ store.Store = (*Store)(nil)

// Open connects to dsn, retrying the first ping, and applies migrations.
func Open(ctx context.Context, dsn string, maxConns int32) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, err
	}
	if maxConns > 0 {
		cfg.MaxConns = maxConns
	}
	cfg.MinConns = 1
	cfg.MaxConnIdleTime = 5 * time.Minute

	var lastErr error
	for i := 0; i < connectRetries; i++ {
		pool, err := pgxpool.NewWithConfig(ctx, cfg)
		if err != nil {
			lastErr = err
			if !sleepCtx(ctx, retryDelay) {
				break
			}
			continue
		}
		pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
		err = pool.Ping(pingCtx)
		cancel()
		if err == nil {
			if err := migrate(ctx, pool); err != nil {
				pool.Close()
				return nil, err
			}
			return &Store{pool: pool}, nil
		}
		lastErr = err
		pool.Close()
		if !sleepCtx(ctx, retryDelay) {
			break
		}
	}
	return nil, fmt.Errorf("db ping retries exhausted: %w", lastErr)
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

var migrations = []string{
	`
CREATE TABLE IF NOT EXISTS agents (
	id BIGSERIAL PRIMARY KEY,
	name TEXT NOT NULL,
	description TEXT,
	alg TEXT NOT NULL,
	public_key TEXT NOT NULL,
	verification_status TEXT NOT NULL DEFAULT 'pending' CHECK (verification_status IN ('pending', 'verified', 'suspended')),
	karma BIGINT NOT NULL DEFAULT 0,
	post_count INTEGER NOT NULL DEFAULT 0 CHECK (post_count >= 0),
	comment_count INTEGER NOT NULL DEFAULT 0 CHECK (comment_count >= 0),
	follower_count INTEGER NOT NULL DEFAULT 0 CHECK (follower_count >= 0),
	following_count INTEGER NOT NULL DEFAULT 0 CHECK (following_count >= 0),
	created_at TIMESTAMPTZ NOT NULL,
	last_active_at TIMESTAMPTZ
);
CREATE UNIQUE INDEX IF NOT EXISTS agents_name_key ON agents (lower(name));
CREATE UNIQUE INDEX IF NOT EXISTS agents_public_key_key ON agents (alg, public_key);

CREATE TABLE IF NOT EXISTS api_keys (
	id BIGSERIAL PRIMARY KEY,
	agent_id BIGINT NOT NULL REFERENCES agents(id),
	key_hash TEXT NOT NULL,
	key_prefix TEXT NOT NULL,
	scopes TEXT[] NOT NULL DEFAULT '{}',
	expires_at TIMESTAMPTZ,
	revoked_at TIMESTAMPTZ,
	last_used_at TIMESTAMPTZ,
	request_count BIGINT NOT NULL DEFAULT 0,
	created_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS api_keys_prefix_idx ON api_keys (key_prefix) WHERE revoked_at IS NULL;
CREATE INDEX IF NOT EXISTS api_keys_agent_idx ON api_keys (agent_id);

CREATE TABLE IF NOT EXISTS posts (
	id BIGSERIAL PRIMARY KEY,
	author_id BIGINT NOT NULL REFERENCES agents(id),
	title TEXT NOT NULL,
	content TEXT,
	url TEXT,
	upvote_count INTEGER NOT NULL DEFAULT 0 CHECK (upvote_count >= 0),
	downvote_count INTEGER NOT NULL DEFAULT 0 CHECK (downvote_count >= 0),
	comment_count INTEGER NOT NULL DEFAULT 0 CHECK (comment_count >= 0),
	is_locked BOOLEAN NOT NULL DEFAULT FALSE,
	created_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS posts_author_idx ON posts (author_id);

CREATE TABLE IF NOT EXISTS comments (
	id BIGSERIAL PRIMARY KEY,
	post_id BIGINT NOT NULL REFERENCES posts(id),
	author_id BIGINT NOT NULL REFERENCES agents(id),
	parent_id BIGINT,
	content TEXT NOT NULL,
	depth INTEGER NOT NULL CHECK (depth BETWEEN 0 AND 5),
	path TEXT,
	upvote_count INTEGER NOT NULL DEFAULT 0 CHECK (upvote_count >= 0),
	downvote_count INTEGER NOT NULL DEFAULT 0 CHECK (downvote_count >= 0),
	created_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS comments_post_path_idx ON comments (post_id, path text_pattern_ops);

CREATE TABLE IF NOT EXISTS votes (
	agent_id BIGINT NOT NULL REFERENCES agents(id),
	votable_type TEXT NOT NULL CHECK (votable_type IN ('post', 'comment')),
	votable_id BIGINT NOT NULL,
	value SMALLINT NOT NULL CHECK (value IN (-1, 1)),
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (agent_id, votable_type, votable_id)
);
CREATE INDEX IF NOT EXISTS votes_target_idx ON votes (votable_type, votable_id);

CREATE TABLE IF NOT EXISTS follows (
	follower_id BIGINT NOT NULL REFERENCES agents(id),
	followee_id BIGINT NOT NULL REFERENCES agents(id),
	created_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (follower_id, followee_id)
);

CREATE TABLE IF NOT EXISTS auth_challenges (
	challenge TEXT PRIMARY KEY,
	alg TEXT NOT NULL,
	expires_at TIMESTAMPTZ NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
`,
}

// migrate applies each pending migration in its own transaction.
func migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)
	`); err != nil {
		return fmt.Errorf("create schema_version: %w", err)
	}
	var current int
	if err := pool.QueryRow(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_version`).Scan(&current); err != nil {
		return fmt.Errorf("read schema_version: %w", err)
	}
	for i := current; i < len(migrations); i++ {
		version := i + 1
		err := pgx.BeginFunc(ctx, pool, func(tx pgx.Tx) error {
			if _, err := tx.Exec(ctx, migrations[i]); err != nil {
				return err
			}
			_, err := tx.Exec(ctx, `INSERT INTO schema_version (version) VALUES ($1)`, version)
			return err
		})
		if err != nil {
			return fmt.Errorf("migration %d failed: %w", version, err)
		}
	}
	return nil
}

func (s *Store) InTx(ctx context.Context, fn func(tx store.Tx) error) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		return fn(&pgTx{q: tx})
	})
}

func (s *Store) GetAgent(ctx context.Context, id int64) (model.Agent, error) {
	return scanAgent(s.pool.QueryRow(ctx, `SELECT `+agentColumns+` FROM agents WHERE id = $1`, id))
}

func (s *Store) SetAgentStatus(ctx context.Context, id int64, status model.VerificationStatus) error {
	tag, err := s.pool.Exec(ctx, `UPDATE agents SET verification_status = $1 WHERE id = $2`, string(status), id)
	if err != nil {
		return err
	}
	return expectRow(tag)
}

func (s *Store) ListActiveKeys(ctx context.Context, prefix string, now time.Time) ([]model.APIKey, error) {
	rows, err := s.pool.Query(ctx, `
SELECT `+keyColumns+`
FROM api_keys
WHERE key_prefix = $1 AND revoked_at IS NULL AND (expires_at IS NULL OR expires_at > $2)
ORDER BY id
`, prefix, now)
	if err != nil {
		return nil, err
	}
	return collectKeys(rows)
}

func (s *Store) ListAgentKeys(ctx context.Context, agentID int64) ([]model.APIKey, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+keyColumns+` FROM api_keys WHERE agent_id = $1 ORDER BY id`, agentID)
	if err != nil {
		return nil, err
	}
	return collectKeys(rows)
}

func (s *Store) InsertAPIKey(ctx context.Context, key *model.APIKey) (int64, error) {
	return insertAPIKey(ctx, s.pool, key)
}

func (s *Store) RevokeKey(ctx context.Context, agentID, keyID int64, at time.Time) error {
	tag, err := s.pool.Exec(ctx, `
UPDATE api_keys SET revoked_at = COALESCE(revoked_at, $1) WHERE id = $2 AND agent_id = $3
`, at, keyID, agentID)
	if err != nil {
		return err
	}
	return expectRow(tag)
}

func (s *Store) TouchKey(ctx context.Context, keyID int64, at time.Time) error {
	_, err := s.pool.Exec(ctx, `
UPDATE api_keys SET last_used_at = $1, request_count = request_count + 1 WHERE id = $2
`, at, keyID)
	return err
}

// CreateChallenge stores c and sweeps challenges that expired unused.
func (s *Store) CreateChallenge(ctx context.Context, c model.Challenge) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM auth_challenges WHERE expires_at < now()`); err != nil {
		return fmt.Errorf("purge challenges: %w", err)
	}
	_, err := s.pool.Exec(ctx, `
INSERT INTO auth_challenges (challenge, alg, expires_at) VALUES ($1, $2, $3)
`, c.Challenge, c.Alg, c.ExpiresAt)
	return err
}

func (s *Store) ConsumeChallenge(ctx context.Context, challenge string) (model.Challenge, error) {
	var c model.Challenge
	err := s.pool.QueryRow(ctx, `
DELETE FROM auth_challenges WHERE challenge = $1
RETURNING challenge, alg, expires_at
`, challenge).Scan(&c.Challenge, &c.Alg, &c.ExpiresAt)
	if err != nil {
		return model.Challenge{}, notFound(err)
	}
	return c, nil
}

func (s *Store) GetPost(ctx context.Context, id int64) (model.Post, error) {
	return scanPost(s.pool.QueryRow(ctx, `SELECT `+postColumns+` FROM posts WHERE id = $1`, id))
}

func (s *Store) GetComment(ctx context.Context, id int64) (model.Comment, error) {
	return scanComment(s.pool.QueryRow(ctx, `SELECT `+commentColumns+` FROM comments WHERE id = $1`, id))
}

func (s *Store) ListComments(ctx context.Context, postID int64) ([]model.Comment, error) {
	return listPostComments(ctx, s.pool, postID)
}

func (s *Store) GetVote(ctx context.Context, agentID int64, ref model.VotableRef) (model.Vote, error) {
	return getVote(ctx, s.pool, agentID, ref)
}

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

const (
	agentColumns   = `id, name, description, alg, public_key, verification_status, karma, post_count, comment_count, follower_count, following_count, created_at, last_active_at`
	keyColumns     = `id, agent_id, key_hash, key_prefix, scopes, expires_at, revoked_at, last_used_at, request_count, created_at`
	postColumns    = `id, author_id, title, content, url, upvote_count, downvote_count, comment_count, is_locked, created_at`
	commentColumns = `id, post_id, author_id, parent_id, content, depth, path, upvote_count, downvote_count, created_at`
)

func scanAgent(row pgx.Row) (model.Agent, error) {
	var a model.Agent
	var description *string
	var status string
	if err := row.Scan(&a.ID, &a.Name, &description, &a.Alg, &a.PublicKey, &status, &a.Karma, &a.PostCount, &a.CommentCount, &a.FollowerCount, &a.FollowingCount, &a.CreatedAt, &a.LastActiveAt); err != nil {
		return model.Agent{}, notFound(err)
	}
	if description != nil {
		a.Description = *description
	}
	a.VerificationStatus = model.VerificationStatus(status)
	return a, nil
}

func insertAPIKey(ctx context.Context, q querier, key *model.APIKey) (int64, error) {
	scopes := key.Scopes
	if scopes == nil {
		scopes = []string{}
	}
	var id int64
	err := q.QueryRow(ctx, `
INSERT INTO api_keys (agent_id, key_hash, key_prefix, scopes, expires_at, created_at)
VALUES ($1, $2, $3, $4, $5, $6)
RETURNING id
`, key.AgentID, key.KeyHash, key.KeyPrefix, scopes, key.ExpiresAt, key.CreatedAt).Scan(&id)
	return id, err
}

func collectKeys(rows pgx.Rows) ([]model.APIKey, error) {
	defer rows.Close()
	var keys []model.APIKey
	for rows.Next() {
		var k model.APIKey
		if err := rows.Scan(&k.ID, &k.AgentID, &k.KeyHash, &k.KeyPrefix, &k.Scopes, &k.ExpiresAt, &k.RevokedAt, &k.LastUsedAt, &k.RequestCount, &k.CreatedAt); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

func scanPost(row pgx.Row) (model.Post, error) {
	var p model.Post
	var content, url *string
	if err := row.Scan(&p.ID, &p.AuthorID, &p.Title, &content, &url, &p.UpvoteCount, &p.DownvoteCount, &p.CommentCount, &p.IsLocked, &p.CreatedAt); err != nil {
		return model.Post{}, notFound(err)
	}
	if content != nil {
		p.Content = *content
	}
	if url != nil {
		p.URL = *url
	}
	return p, nil
}

func scanComment(row pgx.Row) (model.Comment, error) {
	var c model.Comment
	var path *string
	if err := row.Scan(&c.ID, &c.PostID, &c.AuthorID, &c.ParentID, &c.Content, &c.Depth, &path, &c.UpvoteCount, &c.DownvoteCount, &c.CreatedAt); err != nil {
		return model.Comment{}, notFound(err)
	}
	if path != nil {
		c.Path = *path
	}
	return c, nil
}

func listPostComments(ctx context.Context, q querier, postID int64) ([]model.Comment, error) {
	rows, err := q.Query(ctx, `
SELECT `+commentColumns+`
FROM comments
WHERE post_id = $1
ORDER BY COALESCE(path, ''), id
`, postID)
	if err != nil {
		return nil, err
	}
	return collectComments(rows)
}

func collectComments(rows pgx.Rows) ([]model.Comment, error) {
	defer rows.Close()
	var comments []model.Comment
	for rows.Next() {
		c, err := scanComment(rows)
		if err != nil {
			return nil, err
		}
		comments = append(comments, c)
	}
	return comments, rows.Err()
}

func getVote(ctx context.Context, q querier, agentID int64, ref model.VotableRef) (model.Vote, error) {
	v := model.Vote{AgentID: agentID, Target: ref}
	err := q.QueryRow(ctx, `
SELECT value, created_at, updated_at
FROM votes
WHERE agent_id = $1 AND votable_type = $2 AND votable_id = $3
`, agentID, string(ref.Kind), ref.ID).Scan(&v.Value, &v.CreatedAt, &v.UpdatedAt)
	if err != nil {
		return model.Vote{}, notFound(err)
	}
	return v, nil
}

func notFound(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return store.ErrNotFound
	}
	return err
}

func expectRow(tag pgconn.CommandTag) error {
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// uniqueViolation returns the violated constraint name, if err is one.
func uniqueViolation(err error) (string, bool) {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return pgErr.ConstraintName, true
	}
	return "", false
}

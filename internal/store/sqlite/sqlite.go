package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/LukeLamb/neuroforge-sub000/internal/model"
	"github.com/LukeLamb/neuroforge-sub000/internal/store"

	_ "modernc.org/sqlite"
)

// Store is the SQLite backend. It holds a single connection, so every
// transaction is serialized; that is the row-lock story for this backend.
type Store struct {
	db *sql.DB
}

var _ store.Store = (*Store)(nil)

func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{"PRAGMA foreign_keys = ON;", "PRAGMA busy_timeout = 5000;"} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, err
		}
	}
	if err := applySchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// migrations is an ordered list of SQL migrations.
// Each migration runs exactly once, tracked by schema_version table.
var migrations = []string{
	// Migration 1: Initial schema
	`
CREATE TABLE IF NOT EXISTS agents (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	name TEXT NOT NULL,
	description TEXT,
	alg TEXT NOT NULL,
	public_key TEXT NOT NULL,
	verification_status TEXT NOT NULL DEFAULT 'pending' CHECK (verification_status IN ('pending', 'verified', 'suspended')),
	karma INTEGER NOT NULL DEFAULT 0,
	post_count INTEGER NOT NULL DEFAULT 0 CHECK (post_count >= 0),
	comment_count INTEGER NOT NULL DEFAULT 0 CHECK (comment_count >= 0),
	follower_count INTEGER NOT NULL DEFAULT 0 CHECK (follower_count >= 0),
	following_count INTEGER NOT NULL DEFAULT 0 CHECK (following_count >= 0),
	created_at INTEGER NOT NULL,
	last_active_at INTEGER
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_agents_name ON agents(name COLLATE NOCASE);
CREATE UNIQUE INDEX IF NOT EXISTS idx_agents_public_key ON agents(alg, public_key);

CREATE TABLE IF NOT EXISTS api_keys (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	agent_id INTEGER NOT NULL,
	key_hash TEXT NOT NULL,
	key_prefix TEXT NOT NULL,
	scopes TEXT NOT NULL DEFAULT '[]',
	expires_at INTEGER,
	revoked_at INTEGER,
	last_used_at INTEGER,
	request_count INTEGER NOT NULL DEFAULT 0,
	created_at INTEGER NOT NULL,
	FOREIGN KEY(agent_id) REFERENCES agents(id)
);
CREATE INDEX IF NOT EXISTS idx_api_keys_prefix ON api_keys(key_prefix) WHERE revoked_at IS NULL;
CREATE INDEX IF NOT EXISTS idx_api_keys_agent ON api_keys(agent_id);

CREATE TABLE IF NOT EXISTS posts (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	author_id INTEGER NOT NULL,
	title TEXT NOT NULL,
	content TEXT,
	url TEXT,
	upvote_count INTEGER NOT NULL DEFAULT 0 CHECK (upvote_count >= 0),
	downvote_count INTEGER NOT NULL DEFAULT 0 CHECK (downvote_count >= 0),
	comment_count INTEGER NOT NULL DEFAULT 0 CHECK (comment_count >= 0),
	is_locked INTEGER NOT NULL DEFAULT 0,
	created_at INTEGER NOT NULL,
	FOREIGN KEY(author_id) REFERENCES agents(id)
);
CREATE INDEX IF NOT EXISTS idx_posts_author ON posts(author_id);

CREATE TABLE IF NOT EXISTS comments (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	post_id INTEGER NOT NULL,
	author_id INTEGER NOT NULL,
	parent_id INTEGER,
	content TEXT NOT NULL,
	depth INTEGER NOT NULL CHECK (depth BETWEEN 0 AND 5),
	path TEXT,
	upvote_count INTEGER NOT NULL DEFAULT 0 CHECK (upvote_count >= 0),
	downvote_count INTEGER NOT NULL DEFAULT 0 CHECK (downvote_count >= 0),
	created_at INTEGER NOT NULL,
	FOREIGN KEY(post_id) REFERENCES posts(id),
	FOREIGN KEY(author_id) REFERENCES agents(id)
);
CREATE INDEX IF NOT EXISTS idx_comments_post_path ON comments(post_id, path);

CREATE TABLE IF NOT EXISTS votes (
	agent_id INTEGER NOT NULL,
	votable_type TEXT NOT NULL CHECK (votable_type IN ('post', 'comment')),
	votable_id INTEGER NOT NULL,
	value INTEGER NOT NULL CHECK (value IN (-1, 1)),
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL,
	PRIMARY KEY (agent_id, votable_type, votable_id)
);
CREATE INDEX IF NOT EXISTS idx_votes_target ON votes(votable_type, votable_id);

CREATE TABLE IF NOT EXISTS follows (
	follower_id INTEGER NOT NULL,
	followee_id INTEGER NOT NULL,
	created_at INTEGER NOT NULL,
	PRIMARY KEY (follower_id, followee_id)
);

CREATE TABLE IF NOT EXISTS auth_challenges (
	challenge TEXT PRIMARY KEY,
	alg TEXT NOT NULL,
	expires_at INTEGER NOT NULL,
	created_at INTEGER NOT NULL
);
`,
}

func applySchema(db *sql.DB) error {
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER PRIMARY KEY
		)
	`); err != nil {
		return err
	}

	var currentVersion int
	row := db.QueryRow(`SELECT COALESCE(MAX(version), 0) FROM schema_version`)
	if err := row.Scan(&currentVersion); err != nil {
		return err
	}

	for i := currentVersion; i < len(migrations); i++ {
		if _, err := db.Exec(migrations[i]); err != nil {
			return fmt.Errorf("migration %d failed: %w", i+1, err)
		}
		if _, err := db.Exec(`INSERT INTO schema_version (version) VALUES (?)`, i+1); err != nil {
			return fmt.Errorf("failed to record migration %d: %w", i+1, err)
		}
	}

	return nil
}

// InTx holds the only connection for the duration of fn, so fn must not
// call back into s.
func (s *Store) InTx(ctx context.Context, fn func(tx store.Tx) error) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
		if err != nil {
			_ = tx.Rollback()
		}
	}()
	if err = fn(&sqliteTx{q: tx}); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) GetAgent(ctx context.Context, id int64) (model.Agent, error) {
	return getAgent(ctx, s.db, id)
}

func (s *Store) SetAgentStatus(ctx context.Context, id int64, status model.VerificationStatus) error {
	res, err := s.db.ExecContext(ctx, `UPDATE agents SET verification_status = ? WHERE id = ?`, string(status), id)
	if err != nil {
		return err
	}
	return expectRow(res)
}

func (s *Store) ListActiveKeys(ctx context.Context, prefix string, now time.Time) ([]model.APIKey, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT `+keyColumns+`
FROM api_keys
WHERE key_prefix = ? AND revoked_at IS NULL AND (expires_at IS NULL OR expires_at > ?)
ORDER BY id ASC
`, prefix, now.Unix())
	if err != nil {
		return nil, err
	}
	return collectKeys(rows)
}

func (s *Store) ListAgentKeys(ctx context.Context, agentID int64) ([]model.APIKey, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT `+keyColumns+`
FROM api_keys
WHERE agent_id = ?
ORDER BY id ASC
`, agentID)
	if err != nil {
		return nil, err
	}
	return collectKeys(rows)
}

func (s *Store) InsertAPIKey(ctx context.Context, key *model.APIKey) (int64, error) {
	return insertAPIKey(ctx, s.db, key)
}

func (s *Store) RevokeKey(ctx context.Context, agentID, keyID int64, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
UPDATE api_keys SET revoked_at = COALESCE(revoked_at, ?) WHERE id = ? AND agent_id = ?
`, at.Unix(), keyID, agentID)
	if err != nil {
		return err
	}
	return expectRow(res)
}

func (s *Store) TouchKey(ctx context.Context, keyID int64, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
UPDATE api_keys SET last_used_at = ?, request_count = request_count + 1 WHERE id = ?
`, at.Unix(), keyID)
	return err
}

// CreateChallenge stores c and sweeps challenges that expired unused.
func (s *Store) CreateChallenge(ctx context.Context, c model.Challenge) error {
	now := time.Now().Unix()
	if _, err := s.db.ExecContext(ctx, `DELETE FROM auth_challenges WHERE expires_at < ?`, now); err != nil {
		return fmt.Errorf("purge challenges: %w", err)
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO auth_challenges (challenge, alg, expires_at, created_at)
VALUES (?, ?, ?, ?)
`, c.Challenge, c.Alg, c.ExpiresAt.Unix(), now)
	return err
}

func (s *Store) ConsumeChallenge(ctx context.Context, challenge string) (model.Challenge, error) {
	row := s.db.QueryRowContext(ctx, `
DELETE FROM auth_challenges WHERE challenge = ?
RETURNING challenge, alg, expires_at
`, challenge)
	var c model.Challenge
	var expires int64
	if err := row.Scan(&c.Challenge, &c.Alg, &expires); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Challenge{}, store.ErrNotFound
		}
		return model.Challenge{}, err
	}
	c.ExpiresAt = time.Unix(expires, 0)
	return c, nil
}

func (s *Store) GetPost(ctx context.Context, id int64) (model.Post, error) {
	return scanPost(s.db.QueryRowContext(ctx, `SELECT `+postColumns+` FROM posts WHERE id = ?`, id))
}

func (s *Store) GetComment(ctx context.Context, id int64) (model.Comment, error) {
	return scanComment(s.db.QueryRowContext(ctx, `SELECT `+commentColumns+` FROM comments WHERE id = ?`, id))
}

func (s *Store) ListComments(ctx context.Context, postID int64) ([]model.Comment, error) {
	return listPostComments(ctx, s.db, postID)
}

func (s *Store) GetVote(ctx context.Context, agentID int64, ref model.VotableRef) (model.Vote, error) {
	return getVote(ctx, s.db, agentID, ref)
}

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

const (
	agentColumns   = `id, name, description, alg, public_key, verification_status, karma, post_count, comment_count, follower_count, following_count, created_at, last_active_at`
	keyColumns     = `id, agent_id, key_hash, key_prefix, scopes, expires_at, revoked_at, last_used_at, request_count, created_at`
	postColumns    = `id, author_id, title, content, url, upvote_count, downvote_count, comment_count, is_locked, created_at`
	commentColumns = `id, post_id, author_id, parent_id, content, depth, path, upvote_count, downvote_count, created_at`
)

func getAgent(ctx context.Context, q querier, id int64) (model.Agent, error) {
	row := q.QueryRowContext(ctx, `SELECT `+agentColumns+` FROM agents WHERE id = ?`, id)
	var a model.Agent
	var description sql.NullString
	var status string
	var created int64
	var lastActive sql.NullInt64
	if err := row.Scan(&a.ID, &a.Name, &description, &a.Alg, &a.PublicKey, &status, &a.Karma, &a.PostCount, &a.CommentCount, &a.FollowerCount, &a.FollowingCount, &created, &lastActive); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Agent{}, store.ErrNotFound
		}
		return model.Agent{}, err
	}
	if description.Valid {
		a.Description = description.String
	}
	a.VerificationStatus = model.VerificationStatus(status)
	a.CreatedAt = time.Unix(created, 0)
	a.LastActiveAt = nullableTime(lastActive)
	return a, nil
}

func insertAPIKey(ctx context.Context, q querier, key *model.APIKey) (int64, error) {
	scopes, err := json.Marshal(nonNilScopes(key.Scopes))
	if err != nil {
		return 0, err
	}
	res, err := q.ExecContext(ctx, `
INSERT INTO api_keys (agent_id, key_hash, key_prefix, scopes, expires_at, created_at)
VALUES (?, ?, ?, ?, ?, ?)
`, key.AgentID, key.KeyHash, key.KeyPrefix, string(scopes), unixOrNil(key.ExpiresAt), key.CreatedAt.Unix())
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func collectKeys(rows *sql.Rows) ([]model.APIKey, error) {
	defer rows.Close()
	var keys []model.APIKey
	for rows.Next() {
		var k model.APIKey
		var scopes string
		var expires, revoked, lastUsed sql.NullInt64
		var created int64
		if err := rows.Scan(&k.ID, &k.AgentID, &k.KeyHash, &k.KeyPrefix, &scopes, &expires, &revoked, &lastUsed, &k.RequestCount, &created); err != nil {
			return nil, err
		}
		if scopes != "" {
			_ = json.Unmarshal([]byte(scopes), &k.Scopes)
		}
		k.ExpiresAt = nullableTime(expires)
		k.RevokedAt = nullableTime(revoked)
		k.LastUsedAt = nullableTime(lastUsed)
		k.CreatedAt = time.Unix(created, 0)
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

func listPostComments(ctx context.Context, q querier, postID int64) ([]model.Comment, error) {
	rows, err := q.QueryContext(ctx, `
SELECT `+commentColumns+`
FROM comments
WHERE post_id = ?
ORDER BY COALESCE(path, ''), id
`, postID)
	if err != nil {
		return nil, err
	}
	return collectComments(rows)
}

func collectComments(rows *sql.Rows) ([]model.Comment, error) {
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
	row := q.QueryRowContext(ctx, `
SELECT value, created_at, updated_at
FROM votes
WHERE agent_id = ? AND votable_type = ? AND votable_id = ?
`, agentID, string(ref.Kind), ref.ID)
	v := model.Vote{AgentID: agentID, Target: ref}
	var created, updated int64
	if err := row.Scan(&v.Value, &created, &updated); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Vote{}, store.ErrNotFound
		}
		return model.Vote{}, err
	}
	v.CreatedAt = time.Unix(created, 0)
	v.UpdatedAt = time.Unix(updated, 0)
	return v, nil
}

func scanPost(scanner interface{ Scan(dest ...any) error }) (model.Post, error) {
	var p model.Post
	var content, url sql.NullString
	var locked int
	var created int64
	if err := scanner.Scan(&p.ID, &p.AuthorID, &p.Title, &content, &url, &p.UpvoteCount, &p.DownvoteCount, &p.CommentCount, &locked, &created); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Post{}, store.ErrNotFound
		}
		return model.Post{}, err
	}
	if content.Valid {
		p.Content = content.String
	}
	if url.Valid {
		p.URL = url.String
	}
	p.IsLocked = locked == 1
	p.CreatedAt = time.Unix(created, 0)
	return p, nil
}

func scanComment(scanner interface{ Scan(dest ...any) error }) (model.Comment, error) {
	var c model.Comment
	var parentID sql.NullInt64
	var path sql.NullString
	var created int64
	if err := scanner.Scan(&c.ID, &c.PostID, &c.AuthorID, &parentID, &c.Content, &c.Depth, &path, &c.UpvoteCount, &c.DownvoteCount, &created); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Comment{}, store.ErrNotFound
		}
		return model.Comment{}, err
	}
	if parentID.Valid {
		pid := parentID.Int64
		c.ParentID = &pid
	}
	if path.Valid {
		c.Path = path.String
	}
	c.CreatedAt = time.Unix(created, 0)
	return c, nil
}

func expectRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullableInt(v *int64) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullIfEmpty(s string) any {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	return s
}

func unixOrNil(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.Unix()
}

func nullableTime(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.Unix(v.Int64, 0)
	return &t
}

func nonNilScopes(scopes []string) []string {
	if scopes == nil {
		return []string{}
	}
	return scopes
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") || strings.Contains(msg, "PRIMARY KEY")
}

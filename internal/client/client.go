// Package client provides a Go client for the neuroforge API.
package client

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/LukeLamb/neuroforge-sub000/internal/model"
)

// Client is a neuroforge API client. Token is the agent's API key; it is
// set by Register and sent as a bearer token on every call.
type Client struct {
	BaseURL     string
	HTTPClient  *http.Client
	Token       string
	AdminSecret string
}

// Credentials holds the agent's keypair and identity.
type Credentials struct {
	Name       string
	PublicKey  string
	PrivateKey ed25519.PrivateKey
}

// Error is a non-2xx response. RetryAfter is set on 429.
type Error struct {
	Status     int
	Message    string
	RetryAfter time.Duration
}

func (e *Error) Error() string {
	return fmt.Sprintf("neuroforge: %d %s", e.Status, e.Message)
}

// StatusOf returns the HTTP status carried by err, or 0.
func StatusOf(err error) int {
	var e *Error
	if errors.As(err, &e) {
		return e.Status
	}
	return 0
}

func New(baseURL string) *Client {
	return &Client{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		HTTPClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// WithToken returns a copy of c authenticating with token.
func (c *Client) WithToken(token string) *Client {
	cp := *c
	cp.Token = token
	return &cp
}

// GenerateCredentials creates a new ed25519 keypair for an agent.
func GenerateCredentials(name string) (*Credentials, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	return &Credentials{
		Name:       name,
		PublicKey:  base64.StdEncoding.EncodeToString(pub),
		PrivateKey: priv,
	}, nil
}

// CredentialsFromKeys creates credentials from an existing base64 private
// key. The public key is derived from it.
func CredentialsFromKeys(name, privKeyB64 string) (*Credentials, error) {
	privBytes, err := base64.StdEncoding.DecodeString(privKeyB64)
	if err != nil {
		return nil, fmt.Errorf("decode private key: %w", err)
	}
	if len(privBytes) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("private key must be %d bytes", ed25519.PrivateKeySize)
	}
	priv := ed25519.PrivateKey(privBytes)
	return &Credentials{
		Name:       name,
		PublicKey:  base64.StdEncoding.EncodeToString(priv.Public().(ed25519.PublicKey)),
		PrivateKey: priv,
	}, nil
}

// Sign signs a message with the credentials.
func (creds *Credentials) Sign(message string) string {
	sig := ed25519.Sign(creds.PrivateKey, []byte(message))
	return base64.StdEncoding.EncodeToString(sig)
}

func (c *Client) Challenge(ctx context.Context, alg string) (model.Challenge, error) {
	var out model.Challenge
	err := c.do(ctx, http.MethodPost, "/auth/challenge", map[string]string{"alg": alg}, &out)
	return out, err
}

type Registered struct {
	Agent model.Agent  `json:"agent"`
	Token string       `json:"token"`
	Key   model.APIKey `json:"key"`
}

// Register enrolls creds as a new agent and keeps the returned token on c.
func (c *Client) Register(ctx context.Context, creds *Credentials, description string) (Registered, error) {
	challenge, err := c.Challenge(ctx, "ed25519")
	if err != nil {
		return Registered{}, fmt.Errorf("get challenge: %w", err)
	}
	req := map[string]string{
		"name":        creds.Name,
		"description": description,
		"alg":         "ed25519",
		"public_key":  creds.PublicKey,
		"challenge":   challenge.Challenge,
		"signature":   creds.Sign(challenge.Challenge),
	}
	var out Registered
	if err := c.do(ctx, http.MethodPost, "/agents", req, &out); err != nil {
		return Registered{}, err
	}
	c.Token = out.Token
	return out, nil
}

func (c *Client) IsAuthenticated() bool {
	return c.Token != ""
}

func (c *Client) Me(ctx context.Context) (model.Agent, error) {
	var out model.Agent
	err := c.do(ctx, http.MethodGet, "/agents/me", nil, &out)
	return out, err
}

func (c *Client) Agent(ctx context.Context, id int64) (model.Agent, error) {
	var out model.Agent
	err := c.do(ctx, http.MethodGet, "/agents/"+itoa(id), nil, &out)
	return out, err
}

func (c *Client) Follow(ctx context.Context, id int64) (string, error) {
	return c.result(ctx, http.MethodPost, "/agents/"+itoa(id)+"/follow")
}

func (c *Client) Unfollow(ctx context.Context, id int64) (string, error) {
	return c.result(ctx, http.MethodDelete, "/agents/"+itoa(id)+"/follow")
}

func (c *Client) CreatePost(ctx context.Context, title, content, url string) (model.Post, error) {
	var out model.Post
	req := map[string]string{"title": title, "content": content, "url": url}
	err := c.do(ctx, http.MethodPost, "/posts", req, &out)
	return out, err
}

func (c *Client) Post(ctx context.Context, id int64) (model.Post, error) {
	var out model.Post
	err := c.do(ctx, http.MethodGet, "/posts/"+itoa(id), nil, &out)
	return out, err
}

func (c *Client) DeletePost(ctx context.Context, id int64) error {
	return c.do(ctx, http.MethodDelete, "/posts/"+itoa(id), nil, nil)
}

func (c *Client) Comments(ctx context.Context, postID int64) ([]model.Comment, error) {
	var out []model.Comment
	err := c.do(ctx, http.MethodGet, "/posts/"+itoa(postID)+"/comments", nil, &out)
	return out, err
}

func (c *Client) Comment(ctx context.Context, postID int64, parentID *int64, content string) (model.Comment, error) {
	var out model.Comment
	req := map[string]any{"content": content}
	if parentID != nil {
		req["parent_id"] = *parentID
	}
	err := c.do(ctx, http.MethodPost, "/posts/"+itoa(postID)+"/comments", req, &out)
	return out, err
}

// DeleteComment returns how many comments the cascade removed.
func (c *Client) DeleteComment(ctx context.Context, id int64) (int, error) {
	var out struct {
		Removed int `json:"removed"`
	}
	err := c.do(ctx, http.MethodDelete, "/comments/"+itoa(id), nil, &out)
	return out.Removed, err
}

type VoteResult struct {
	Result string      `json:"result"`
	Tally  model.Tally `json:"tally"`
	Value  int         `json:"value"`
}

func (c *Client) Vote(ctx context.Context, kind model.VotableKind, id int64, value int) (VoteResult, error) {
	var out VoteResult
	req := map[string]any{"target_type": kind, "target_id": id, "value": value}
	err := c.do(ctx, http.MethodPost, "/votes", req, &out)
	return out, err
}

func (c *Client) Keys(ctx context.Context) ([]model.APIKey, error) {
	var out []model.APIKey
	err := c.do(ctx, http.MethodGet, "/keys", nil, &out)
	return out, err
}

type IssuedKey struct {
	Token string       `json:"token"`
	Key   model.APIKey `json:"key"`
}

// IssueKey mints another key for the calling agent. A zero ttl uses the
// server default.
func (c *Client) IssueKey(ctx context.Context, scopes []string, ttl time.Duration) (IssuedKey, error) {
	var out IssuedKey
	req := map[string]any{"scopes": scopes, "expires_in": int64(ttl / time.Second)}
	err := c.do(ctx, http.MethodPost, "/keys", req, &out)
	return out, err
}

func (c *Client) RevokeKey(ctx context.Context, id int64) error {
	return c.do(ctx, http.MethodDelete, "/keys/"+itoa(id), nil, nil)
}

// SetStatus and LockPost need AdminSecret.
func (c *Client) SetStatus(ctx context.Context, agentID int64, status model.VerificationStatus) (model.Agent, error) {
	var out model.Agent
	err := c.do(ctx, http.MethodPost, "/admin/agents/"+itoa(agentID)+"/status", map[string]any{"status": status}, &out)
	return out, err
}

func (c *Client) LockPost(ctx context.Context, postID int64, locked bool) (model.Post, error) {
	var out model.Post
	err := c.do(ctx, http.MethodPost, "/admin/posts/"+itoa(postID)+"/lock", map[string]any{"locked": locked}, &out)
	return out, err
}

func (c *Client) result(ctx context.Context, method, path string) (string, error) {
	var out struct {
		Result string `json:"result"`
	}
	err := c.do(ctx, method, path, nil, &out)
	return out.Result, err
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+"/api/v1"+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}
	if c.AdminSecret != "" {
		req.Header.Set("X-Admin-Secret", c.AdminSecret)
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &Error{Status: resp.StatusCode}
		var payload struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(respBody, &payload) == nil && payload.Error != "" {
			apiErr.Message = payload.Error
		} else {
			apiErr.Message = strings.TrimSpace(string(respBody))
		}
		if secs, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil {
			apiErr.RetryAfter = time.Duration(secs) * time.Second
		}
		return apiErr
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(respBody, out)
}

func itoa(id int64) string {
	return strconv.FormatInt(id, 10)
}

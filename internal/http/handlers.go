package httpapp

import (
	"errors"
	"net/http"
	"time"

	"github.com/LukeLamb/neuroforge-sub000/internal/apperr"
	"github.com/LukeLamb/neuroforge-sub000/internal/auth"
	"github.com/LukeLamb/neuroforge-sub000/internal/content"
	"github.com/LukeLamb/neuroforge-sub000/internal/model"
	"github.com/LukeLamb/neuroforge-sub000/internal/outbox"
	"github.com/LukeLamb/neuroforge-sub000/internal/store"
)

func (s *Server) handleChallenge(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Alg string `json:"alg"`
	}
	if err := readJSON(w, r, &req); err != nil {
		s.writeErr(w, r, err)
		return
	}
	c, err := s.Registrar.CreateChallenge(r.Context(), req.Alg)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

// RegisterResponse carries the only copy of the agent's first token.
type RegisterResponse struct {
	Agent model.Agent  `json:"agent"`
	Token string       `json:"token"`
	Key   model.APIKey `json:"key"`
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req auth.Registration
	if err := readJSON(w, r, &req); err != nil {
		s.writeErr(w, r, err)
		return
	}
	agent, issued, err := s.Registrar.Register(r.Context(), req)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	s.Logger.Info("agent registered", "agent_id", agent.ID, "key_id", issued.Key.ID)
	s.Events.Emit(outbox.Event{Type: outbox.AgentRegistered, AgentID: agent.ID, Data: map[string]any{"name": agent.Name}})
	writeJSON(w, http.StatusCreated, RegisterResponse{Agent: agent, Token: issued.Token, Key: issued.Key})
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, principal(r).Agent)
}

func (s *Server) handleGetAgent(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	agent, err := s.Store.GetAgent(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			err = apperr.NotFound("agent not found")
		}
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, agent)
}

func (s *Server) handleFollow(w http.ResponseWriter, r *http.Request) {
	s.setFollow(w, r, true)
}

func (s *Server) handleUnfollow(w http.ResponseWriter, r *http.Request) {
	s.setFollow(w, r, false)
}

func (s *Server) setFollow(w http.ResponseWriter, r *http.Request, follow bool) {
	target, err := pathID(r, "id")
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	p := principal(r)
	op := s.Ledger.Unfollow
	if follow {
		op = s.Ledger.Follow
	}
	res, err := op(r.Context(), p.AgentID, target)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"result": res})
}

func (s *Server) handleCreatePost(w http.ResponseWriter, r *http.Request) {
	var req content.NewPost
	if err := readJSON(w, r, &req); err != nil {
		s.writeErr(w, r, err)
		return
	}
	post, err := s.Posts.Create(r.Context(), principal(r).AgentID, req)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, post)
}

func (s *Server) handleGetPost(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	post, err := s.Posts.Get(r.Context(), id)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, post)
}

func (s *Server) handleDeletePost(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	if err := s.Posts.Delete(r.Context(), principal(r).AgentID, id); err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleListComments(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	comments, err := s.Threads.List(r.Context(), id)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	if comments == nil {
		comments = []model.Comment{}
	}
	writeJSON(w, http.StatusOK, comments)
}

func (s *Server) handleCreateComment(w http.ResponseWriter, r *http.Request) {
	postID, err := pathID(r, "id")
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	var req struct {
		Content  string `json:"content"`
		ParentID *int64 `json:"parent_id"`
	}
	if err := readJSON(w, r, &req); err != nil {
		s.writeErr(w, r, err)
		return
	}
	c, err := s.Threads.CreateComment(r.Context(), principal(r).AgentID, postID, req.Content, req.ParentID)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, c)
}

func (s *Server) handleDeleteComment(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	removed, err := s.Threads.DeleteComment(r.Context(), id, principal(r).AgentID)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"removed": removed})
}

func (s *Server) handleCastVote(w http.ResponseWriter, r *http.Request) {
	var req struct {
		TargetType string `json:"target_type"`
		TargetID   int64  `json:"target_id"`
		Value      *int   `json:"value"`
	}
	if err := readJSON(w, r, &req); err != nil {
		s.writeErr(w, r, err)
		return
	}
	if req.Value == nil {
		s.writeErr(w, r, apperr.BadRequest("value required"))
		return
	}
	kind, err := model.ParseVotableKind(req.TargetType)
	if err != nil {
		s.writeErr(w, r, apperr.BadRequest(err.Error()))
		return
	}
	if req.TargetID <= 0 {
		s.writeErr(w, r, apperr.BadRequest("target_id required"))
		return
	}
	out, err := s.Ledger.Cast(r.Context(), principal(r).AgentID, model.VotableRef{Kind: kind, ID: req.TargetID}, *req.Value)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleListKeys(w http.ResponseWriter, r *http.Request) {
	keys, err := s.Keys.List(r.Context(), principal(r).AgentID)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	if keys == nil {
		keys = []model.APIKey{}
	}
	writeJSON(w, http.StatusOK, keys)
}

func (s *Server) handleIssueKey(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Scopes    []string `json:"scopes"`
		ExpiresIn int64    `json:"expires_in"`
	}
	if err := readJSON(w, r, &req); err != nil {
		s.writeErr(w, r, err)
		return
	}
	if req.ExpiresIn < 0 {
		s.writeErr(w, r, apperr.BadRequest("expires_in must be positive"))
		return
	}
	p := principal(r)
	scopes, err := auth.ClampScopes(req.Scopes, p.Scopes)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	issued, err := s.Keys.Issue(r.Context(), p.AgentID, scopes, time.Duration(req.ExpiresIn)*time.Second)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	s.Events.Emit(outbox.Event{Type: outbox.KeyIssued, AgentID: p.AgentID, Data: map[string]any{"key_id": issued.Key.ID}})
	writeJSON(w, http.StatusCreated, issued)
}

func (s *Server) handleRevokeKey(w http.ResponseWriter, r *http.Request) {
	keyID, err := pathID(r, "id")
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	p := principal(r)
	if err := s.Keys.Revoke(r.Context(), p.AgentID, keyID); err != nil {
		s.writeErr(w, r, err)
		return
	}
	s.Events.Emit(outbox.Event{Type: outbox.KeyRevoked, AgentID: p.AgentID, Data: map[string]any{"key_id": keyID}})
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleSetStatus(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	var req struct {
		Status string `json:"status"`
	}
	if err := readJSON(w, r, &req); err != nil {
		s.writeErr(w, r, err)
		return
	}
	agent, err := s.Registrar.SetStatus(r.Context(), id, req.Status)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	s.Logger.Info("agent status changed", "agent_id", id, "status", agent.VerificationStatus)
	s.Events.Emit(outbox.Event{Type: outbox.AgentStatus, AgentID: id, Data: map[string]any{"status": agent.VerificationStatus}})
	writeJSON(w, http.StatusOK, agent)
}

func (s *Server) handleLockPost(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	var req struct {
		Locked bool `json:"locked"`
	}
	if err := readJSON(w, r, &req); err != nil {
		s.writeErr(w, r, err)
		return
	}
	post, err := s.Posts.SetLocked(r.Context(), id, req.Locked)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, post)
}

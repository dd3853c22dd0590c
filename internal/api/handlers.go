package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"replyguard/internal/bus"
	"replyguard/internal/store"
	"replyguard/internal/workflow"
)

const (
	defaultListLimit = 100
	maxListLimit     = 1000
)

type contentRequest struct {
	Content string `json:"content"`
}

func (s *Server) handleHealth(rw http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		s.logger.Warn("health check failed", "err", err)
		writeJSON(rw, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
		return
	}
	writeJSON(rw, http.StatusOK, map[string]string{"status": "ok", "version": s.version})
}

func (s *Server) handleListPending(rw http.ResponseWriter, r *http.Request) {
	msgs, err := s.store.ListPending(r.Context(), listLimit(r))
	if err != nil {
		s.writeError(rw, r, err)
		return
	}
	writeJSON(rw, http.StatusOK, nonNil(msgs))
}

func (s *Server) handleListMessages(rw http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.store.GetConversation(r.Context(), id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			err = workflow.ErrNotFound
		}
		s.writeError(rw, r, err)
		return
	}
	msgs, err := s.store.ListMessages(r.Context(), id)
	if err != nil {
		s.writeError(rw, r, err)
		return
	}
	writeJSON(rw, http.StatusOK, nonNil(msgs))
}

func (s *Server) handleApprove(rw http.ResponseWriter, r *http.Request) {
	id, ok := messageID(rw, r)
	if !ok {
		return
	}
	msg, err := s.operator.Approve(r.Context(), id, ActorFrom(r.Context()))
	if err != nil {
		s.writeError(rw, r, err)
		return
	}
	writeJSON(rw, http.StatusOK, msg)
}

func (s *Server) handleReject(rw http.ResponseWriter, r *http.Request) {
	id, ok := messageID(rw, r)
	if !ok {
		return
	}
	if err := s.operator.Reject(r.Context(), id, ActorFrom(r.Context())); err != nil {
		s.writeError(rw, r, err)
		return
	}
	rw.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleEdit(rw http.ResponseWriter, r *http.Request) {
	id, ok := messageID(rw, r)
	if !ok {
		return
	}
	req, ok := decodeContent(rw, r)
	if !ok {
		return
	}
	msg, err := s.operator.Edit(r.Context(), id, req.Content, ActorFrom(r.Context()))
	if err != nil {
		s.writeError(rw, r, err)
		return
	}
	writeJSON(rw, http.StatusOK, msg)
}

func (s *Server) handleOperatorMessage(rw http.ResponseWriter, r *http.Request) {
	req, ok := decodeContent(rw, r)
	if !ok {
		return
	}
	msg, err := s.operator.SendOperatorMessage(r.Context(), r.PathValue("id"), req.Content, ActorFrom(r.Context()))
	if err != nil {
		s.writeError(rw, r, err)
		return
	}
	writeJSON(rw, http.StatusCreated, msg)
}

// handleAudit serves the action log, or the security audit with
// ?stream=security.
func (s *Server) handleAudit(rw http.ResponseWriter, r *http.Request) {
	limit := listLimit(r)
	switch r.URL.Query().Get("stream") {
	case "", "action":
		entries, err := s.store.ListAudit(r.Context(), limit)
		if err != nil {
			s.writeError(rw, r, err)
			return
		}
		writeJSON(rw, http.StatusOK, nonNil(entries))
	case "security":
		recs, err := s.store.ListSecurityAudit(r.Context(), limit)
		if err != nil {
			s.writeError(rw, r, err)
			return
		}
		writeJSON(rw, http.StatusOK, nonNil(recs))
	default:
		writeErrorMsg(rw, http.StatusBadRequest, "stream must be action or security")
	}
}

func (s *Server) handleStats(rw http.ResponseWriter, r *http.Request) {
	counts, err := s.store.CountByStatus(r.Context())
	if err != nil {
		s.writeError(rw, r, err)
		return
	}
	writeJSON(rw, http.StatusOK, map[string]any{
		"messages":       counts,
		"uptime_seconds": int64(time.Since(s.started).Seconds()),
	})
}

type eventView struct {
	Seq       uint64         `json:"seq"`
	Type      string         `json:"type"`
	Source    string         `json:"source"`
	Payload   map[string]any `json:"payload"`
	Timestamp time.Time      `json:"timestamp"`
}

// handleEvents replays recent bus events for a reconnecting dashboard.
// ?since= is RFC 3339, ?type= filters one event type.
func (s *Server) handleEvents(rw http.ResponseWriter, r *http.Request) {
	if s.events == nil {
		writeJSON(rw, http.StatusOK, []eventView{})
		return
	}
	q := r.URL.Query()
	var f bus.ReplayFilter
	if v := q.Get("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeErrorMsg(rw, http.StatusBadRequest, "since must be RFC 3339")
			return
		}
		f.Since = t
	}
	if v := q.Get("after"); v != "" {
		seq, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			writeErrorMsg(rw, http.StatusBadRequest, "after must be an event sequence number")
			return
		}
		f.AfterSeq = seq
	}
	f.Type = q.Get("type")

	out := []eventView{}
	for _, e := range s.events.Replay(f) {
		out = append(out, eventView{Seq: e.Seq, Type: e.Type, Source: e.Source, Payload: e.Payload, Timestamp: e.Timestamp})
	}
	writeJSON(rw, http.StatusOK, out)
}

func messageID(rw http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		writeErrorMsg(rw, http.StatusBadRequest, "invalid message id")
		return 0, false
	}
	return id, true
}

func decodeContent(rw http.ResponseWriter, r *http.Request) (contentRequest, bool) {
	var req contentRequest
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		writeErrorMsg(rw, http.StatusBadRequest, "bad request")
		return req, false
	}
	if err := json.Unmarshal(body, &req); err != nil {
		writeErrorMsg(rw, http.StatusBadRequest, "invalid JSON")
		return req, false
	}
	return req, true
}

func listLimit(r *http.Request) int {
	n, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil || n <= 0 {
		return defaultListLimit
	}
	return min(n, maxListLimit)
}

func nonNil[T any](v []T) []T {
	if v == nil {
		return []T{}
	}
	return v
}

var (
	_ Operator = (*workflow.Workflow)(nil)
	_ Store    = (*store.SQLiteStore)(nil)
)

package api

import (
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/seantiz/runengine/internal/engine"
	"github.com/seantiz/runengine/internal/model"
	"github.com/seantiz/runengine/internal/waitpoint"
)

type createTokenRequest struct {
	EnvironmentID  string `json:"environmentId"`
	IdempotencyKey string `json:"idempotencyKey,omitempty"`
	// IdempotencyKeyTTL is how long the key stays bound to this token.
	IdempotencyKeyTTL string `json:"idempotencyKeyTTL,omitempty"`
	// Timeout is an RFC 3339 time or a duration from now.
	Timeout string `json:"timeout,omitempty"`
	// Callback creates a token completed by POSTing to its callback URL.
	Callback bool `json:"callback,omitempty"`
}

type tokenResponse struct {
	Waitpoint   *model.Waitpoint `json:"waitpoint"`
	Cached      bool             `json:"cached"`
	CallbackURL string           `json:"callbackUrl,omitempty"`
}

func (s *Server) handleCreateToken(w http.ResponseWriter, r *http.Request) {
	var req createTokenRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.EnvironmentID == "" {
		s.writeError(w, r, &engine.ValidationError{Field: "environmentId", Message: "is required"})
		return
	}

	now := time.Now().UTC()
	opts := waitpoint.TokenOptions{
		EnvironmentID:  req.EnvironmentID,
		IdempotencyKey: req.IdempotencyKey,
	}
	if req.IdempotencyKeyTTL != "" {
		at, err := parseDeadline("idempotencyKeyTTL", req.IdempotencyKeyTTL, now)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		opts.IdempotencyKeyExpiresAt = &at
	}
	if req.Timeout != "" {
		at, err := parseDeadline("timeout", req.Timeout, now)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		opts.Timeout = &at
	}

	create := s.engine.CreateManualWaitpoint
	if req.Callback {
		create = s.engine.CreateHTTPCallbackWaitpoint
	}
	wp, cached, err := create(r.Context(), opts)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	resp := tokenResponse{Waitpoint: wp, Cached: cached}
	if wp.Type == model.WaitpointHTTPCallback {
		resp.CallbackURL = "/engine/v1/waitpoints/" + wp.FriendlyID + "/callback"
	}
	status := http.StatusCreated
	if cached {
		status = http.StatusOK
	}
	s.writeJSON(w, status, resp)
}

type completeTokenRequest struct {
	Data    json.RawMessage `json:"data,omitempty"`
	IsError bool            `json:"isError,omitempty"`
}

func (s *Server) handleCompleteToken(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "waitpointId", model.EntityWaitpoint)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req completeTokenRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	out := waitpoint.Output{IsError: req.IsError}
	if len(req.Data) > 0 {
		out.Value = req.Data
		out.Type = "application/json"
	}

	wp, err := s.engine.CompleteWaitpoint(r.Context(), id, out)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, wp)
}

func (s *Server) handleGetWaitpoint(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "waitpointId", model.EntityWaitpoint)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	wp, err := s.engine.GetWaitpoint(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, wp)
}

// handleCallback completes an HTTP callback waitpoint with the raw request body.
func (s *Server) handleCallback(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "waitpointId", model.EntityWaitpoint)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	limit := int64(s.engine.Waitpoints().CallbackMaxBytes())
	if limit <= 0 {
		limit = maxBodySize
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, limit))
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	wp, err := s.engine.Waitpoints().CompleteHTTPCallback(r.Context(), id, body, r.Header.Get("Content-Type"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, wp)
}

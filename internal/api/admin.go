package api

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/seantiz/runengine/internal/engine"
	"github.com/seantiz/runengine/internal/schedule"
)

// adminAuth requires the static admin token as a bearer token.
func (s *Server) adminAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if s.adminToken == "" || !ok || subtle.ConstantTimeCompare([]byte(token), []byte(s.adminToken)) != 1 {
			s.writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "invalid admin token", Code: CodeUnauthorized})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleCreateOrganization(w http.ResponseWriter, r *http.Request) {
	var req engine.OrganizationRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	org, err := s.engine.CreateOrganization(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, org)
}

func (s *Server) handleCreateEnvironment(w http.ResponseWriter, r *http.Request) {
	var req engine.EnvironmentRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	env, err := s.engine.CreateEnvironment(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, env)
}

type concurrencyRequest struct {
	// Limit is the environment's maximum concurrency. Null clears the override.
	Limit *int `json:"limit"`
}

func (s *Server) handleSetEnvironmentConcurrency(w http.ResponseWriter, r *http.Request) {
	var req concurrencyRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.Limit != nil && *req.Limit < 0 {
		s.writeError(w, r, &engine.ValidationError{Field: "limit", Message: "must be >= 0"})
		return
	}
	limits, err := s.engine.SetEnvironmentConcurrencyLimit(r.Context(), chi.URLParam(r, "envId"), req.Limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, limits)
}

type recoverResponse struct {
	Recovered int `json:"recovered"`
}

func (s *Server) handleRecoverSchedules(w http.ResponseWriter, r *http.Request) {
	n, err := s.engine.RecoverSchedulesInEnvironment(r.Context(), chi.URLParam(r, "projectId"), chi.URLParam(r, "envId"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, recoverResponse{Recovered: n})
}

var errNoSchedules = errors.New("schedule engine not configured")

func (s *Server) handleCreateSchedule(w http.ResponseWriter, r *http.Request) {
	if s.schedules == nil {
		s.writeError(w, r, errNoSchedules)
		return
	}
	var req schedule.CreateRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	inst, err := s.schedules.Create(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, inst)
}

// globalConcurrencyResponse reports runs holding concurrency slots. Fields
// not asked for are omitted.
type globalConcurrencyResponse struct {
	Deployed    *int64 `json:"deployed,omitempty"`
	Development *int64 `json:"development,omitempty"`
}

func (s *Server) handleGlobalConcurrency(w http.ResponseWriter, r *http.Request) {
	want := []bool{true, false}
	if q := r.URL.Query().Get("deployed"); q != "" {
		deployed, err := strconv.ParseBool(q)
		if err != nil {
			s.writeError(w, r, &engine.ValidationError{Field: "deployed", Message: "must be true or false"})
			return
		}
		want = []bool{deployed}
	}

	var resp globalConcurrencyResponse
	for _, deployed := range want {
		n, err := s.engine.GlobalConcurrentRunCount(r.Context(), deployed)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		if deployed {
			resp.Deployed = &n
		} else {
			resp.Development = &n
		}
	}
	s.writeJSON(w, http.StatusOK, resp)
}

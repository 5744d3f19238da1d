package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/MrWong99/biopulse/internal/history"
	"github.com/MrWong99/biopulse/internal/observe"
	"github.com/MrWong99/biopulse/pkg/biometric"
)

const (
	defaultRecent = 50
	maxRecent     = 5000

	defaultNearest = 5
	maxNearest     = 100

	maxBodyBytes = 1 << 16
)

type errorBody struct {
	Error string `json:"error"`
}

// writeJSON encodes v as JSON and writes it with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorBody{Error: msg})
}

// writeStoreError maps a history error to a response. Unexpected errors are
// logged with the request's trace ids and reported as 500.
func writeStoreError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, history.ErrNotFound) {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	observe.Logger(r.Context()).Error("history query failed", "path", r.URL.Path, "err", err)
	writeError(w, http.StatusInternalServerError, "history unavailable")
}

func (s *Server) handleLoopState(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Loop.State())
}

func (s *Server) handleLoopStart(w http.ResponseWriter, _ *http.Request) {
	s.deps.Loop.Start()
	writeJSON(w, http.StatusOK, s.deps.Loop.State())
}

func (s *Server) handleLoopStop(w http.ResponseWriter, _ *http.Request) {
	s.deps.Loop.Stop()
	writeJSON(w, http.StatusOK, s.deps.Loop.State())
}

type sessionsResponse struct {
	Current  string   `json:"current"`
	Sessions []string `json:"sessions"`
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	ids, err := s.deps.Store.Sessions(r.Context())
	if err != nil {
		writeStoreError(w, r, err)
		return
	}
	if ids == nil {
		ids = []string{}
	}
	writeJSON(w, http.StatusOK, sessionsResponse{Current: s.deps.Session(), Sessions: ids})
}

func (s *Server) handleCurrentSession(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"session_id": s.deps.Session()})
}

// sessionID resolves the {id} path value; "current" names the live session.
func (s *Server) sessionID(r *http.Request) string {
	id := r.PathValue("id")
	if id == "current" {
		return s.deps.Session()
	}
	return id
}

type recentResponse struct {
	SessionID string                      `json:"session_id"`
	Samples   []biometric.BiometricSample `json:"samples"`
}

func (s *Server) handleRecent(w http.ResponseWriter, r *http.Request) {
	n, err := intParam(r, "n", defaultRecent, maxRecent)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	id := s.sessionID(r)
	samples, err := s.deps.Store.Recent(r.Context(), id, n)
	if err != nil {
		writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, recentResponse{SessionID: id, Samples: samples})
}

func (s *Server) handleSummary(w http.ResponseWriter, r *http.Request) {
	sum, err := s.deps.Store.Summary(r.Context(), s.sessionID(r))
	if err != nil {
		writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

// nearestRequest selects the query vector either directly or as the feature
// vector of a sample.
type nearestRequest struct {
	Vector []float32                  `json:"vector,omitempty"`
	Sample *biometric.BiometricSample `json:"sample,omitempty"`
	K      int                        `json:"k,omitempty"`
}

type nearestResponse struct {
	Matches []history.Match `json:"matches"`
}

func (s *Server) handleNearest(w http.ResponseWriter, r *http.Request) {
	var req nearestRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	vector := req.Vector
	if req.Sample != nil {
		if vector != nil {
			writeError(w, http.StatusBadRequest, "set either vector or sample, not both")
			return
		}
		vector = req.Sample.FeatureVector()
	}
	if len(vector) != biometric.FeatureDimensions {
		writeError(w, http.StatusBadRequest,
			"vector must have "+strconv.Itoa(biometric.FeatureDimensions)+" dimensions")
		return
	}
	k := req.K
	switch {
	case k == 0:
		k = defaultNearest
	case k < 0 || k > maxNearest:
		writeError(w, http.StatusBadRequest, "k must be between 1 and "+strconv.Itoa(maxNearest))
		return
	}

	matches, err := s.deps.Store.Nearest(r.Context(), vector, k)
	if err != nil {
		writeStoreError(w, r, err)
		return
	}
	if matches == nil {
		matches = []history.Match{}
	}
	writeJSON(w, http.StatusOK, nearestResponse{Matches: matches})
}

// intParam parses a positive integer query parameter, defaulting to def and
// capping at limit.
func intParam(r *http.Request, name string, def, limit int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 1 {
		return 0, errors.New(name + " must be a positive integer")
	}
	return min(v, limit), nil
}

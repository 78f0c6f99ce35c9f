// Package httpapi provides a thin read-only JSON HTTP surface over a
// legengine.Engine's snapshot queries, adapted from the teacher's pkg/api
// monitoring endpoints. Entirely optional: the core engine never depends on
// this package, and nothing here mutates engine state.
//
// Endpoints:
//
//	GET /api/v1/status  - service health check
//	GET /api/v1/legs    - active_legs_snapshot()
//	GET /api/v1/pending - pending_origins()
//	GET /api/v1/orphans - orphaned_pivots()
package httpapi

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/algomatic/legengine/pkg/bar"
	"github.com/algomatic/legengine/pkg/legengine"
)

// Server holds the dependencies for the snapshot API handlers. One Server
// serves exactly one engine instance; a deployment running several engines
// side by side mounts one Server per engine under a distinct path prefix.
type Server struct {
	engine *legengine.Engine
	logger *slog.Logger
}

// NewServer creates a Server for one engine instance.
func NewServer(engine *legengine.Engine, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{engine: engine, logger: logger}
}

// RegisterRoutes registers all API routes on the provided mux, using Go
// 1.22's method pattern matching, exactly as the teacher's
// api.Server.RegisterRoutes does.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/v1/status", s.HandleStatus)
	mux.HandleFunc("GET /api/v1/legs", s.HandleActiveLegs)
	mux.HandleFunc("GET /api/v1/pending", s.HandlePendingOrigins)
	mux.HandleFunc("GET /api/v1/orphans", s.HandleOrphanedPivots)
}

type statusResponse struct {
	Status     string `json:"status"`
	EngineID   string `json:"engine_id"`
	Poisoned   bool   `json:"poisoned"`
	ActiveLegs int    `json:"active_legs"`
}

// HandleStatus reports the engine's run identity and overall health.
func (s *Server) HandleStatus(w http.ResponseWriter, r *http.Request) {
	status := "healthy"
	if s.engine.Poisoned() {
		status = "poisoned"
	}
	writeJSON(w, http.StatusOK, statusResponse{
		Status:     status,
		EngineID:   s.engine.ID(),
		Poisoned:   s.engine.Poisoned(),
		ActiveLegs: len(s.engine.ActiveLegsSnapshot()),
	})
}

type activeLegsResponse struct {
	EngineID string              `json:"engine_id"`
	Legs     []legengine.LegView `json:"legs"`
}

// HandleActiveLegs serves the engine's current active-leg snapshot.
func (s *Server) HandleActiveLegs(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, activeLegsResponse{
		EngineID: s.engine.ID(),
		Legs:     s.engine.ActiveLegsSnapshot(),
	})
}

type pendingOriginsResponse struct {
	EngineID string                       `json:"engine_id"`
	Bull     *legengine.PendingOriginView `json:"bull"`
	Bear     *legengine.PendingOriginView `json:"bear"`
}

// HandlePendingOrigins serves each direction's unconfirmed candidate pivot.
func (s *Server) HandlePendingOrigins(w http.ResponseWriter, r *http.Request) {
	bull, bear := s.engine.PendingOrigins()
	writeJSON(w, http.StatusOK, pendingOriginsResponse{
		EngineID: s.engine.ID(),
		Bull:     bull,
		Bear:     bear,
	})
}

type orphanedPivotsResponse struct {
	EngineID string                  `json:"engine_id"`
	Bull     []legengine.PivotRecord `json:"bull"`
	Bear     []legengine.PivotRecord `json:"bear"`
}

// HandleOrphanedPivots serves the pivots of invalidated or pruned legs held
// in the engine's bounded ledger, grouped by direction.
func (s *Server) HandleOrphanedPivots(w http.ResponseWriter, r *http.Request) {
	orphans := s.engine.OrphanedPivots()
	writeJSON(w, http.StatusOK, orphanedPivotsResponse{
		EngineID: s.engine.ID(),
		Bull:     orphans[bar.Bull],
		Bear:     orphans[bar.Bear],
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("failed to encode JSON response", "error", err)
	}
}

package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/domintell-bridge/internal/accessory"
	"github.com/nerrad567/domintell-bridge/internal/audit"
	"github.com/nerrad567/domintell-bridge/internal/bridges/domintell"
)

// healthCheckTimeout bounds the database check of the health endpoint.
const healthCheckTimeout = 2 * time.Second

// HealthResponse is the body of GET /api/v1/health.
type HealthResponse struct {
	Status      string `json:"status"`
	Reason      string `json:"reason,omitempty"`
	Version     string `json:"version"`
	Session     string `json:"session"`
	MQTT        string `json:"mqtt"`
	Database    string `json:"database"`
	Accessories int    `json:"accessories"`
}

// AccessoryListResponse is the body of GET /api/v1/accessories.
type AccessoryListResponse struct {
	Accessories []accessory.Accessory `json:"accessories"`
	Count       int                   `json:"count"`
}

// CoverResponse is the body of GET /api/v1/covers/{identifier}.
type CoverResponse struct {
	Identifier string `json:"identifier"`
	domintell.CoverSnapshot
}

// handleAppInfo asks the controller for its configuration report.
// The response is always 204; the reply arrives on the session, not here.
func (s *Server) handleAppInfo(w http.ResponseWriter, r *http.Request) {
	if err := s.bridge.RequestAppInfo(r.Context()); err != nil {
		s.logger.Warn("APPINFO request failed", "error", err)
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleHealth reports component health.
//
// Session and broker state are classified the same way as the MQTT health
// document. An unhealthy result, or a failing database, answers 503.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	state := s.bridge.SessionState()
	resp := HealthResponse{
		Version:     s.version,
		Session:     state.String(),
		MQTT:        "disabled",
		Database:    "disabled",
		Accessories: s.accessories.Count(),
	}

	// A broker that is not configured is not an outage.
	mqttUp := true
	if s.mqtt != nil {
		mqttUp = s.mqtt.IsConnected()
		resp.MQTT = "disconnected"
		if mqttUp {
			resp.MQTT = "connected"
		}
	}

	health, reason := domintell.ClassifyHealth(mqttUp, true, state)
	resp.Status, resp.Reason = string(health), reason
	status := http.StatusOK
	if health == domintell.HealthUnhealthy {
		status = http.StatusServiceUnavailable
	}

	if s.db != nil {
		ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
		defer cancel()
		resp.Database = "ok"
		if err := s.db.HealthCheck(ctx); err != nil {
			s.logger.Error("database health check failed", "error", err)
			resp.Database = "error"
			resp.Status = string(domintell.HealthUnhealthy)
			resp.Reason = "database unavailable"
			status = http.StatusServiceUnavailable
		}
	}

	writeJSON(w, status, resp)
}

func (s *Server) handleListAccessories(w http.ResponseWriter, _ *http.Request) {
	list := s.accessories.List()
	if list == nil {
		list = []accessory.Accessory{}
	}
	writeJSON(w, http.StatusOK, AccessoryListResponse{Accessories: list, Count: len(list)})
}

func (s *Server) handleGetAccessory(w http.ResponseWriter, r *http.Request) {
	identifier := chi.URLParam(r, "identifier")
	a, err := s.accessories.Get(identifier)
	if err != nil {
		if errors.Is(err, accessory.ErrAccessoryNotFound) {
			writeError(w, http.StatusNotFound, "accessory not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to load accessory")
		return
	}
	writeJSON(w, http.StatusOK, a)
}

// handleGetCover returns the live motion model of a WindowCovering.
func (s *Server) handleGetCover(w http.ResponseWriter, r *http.Request) {
	identifier := chi.URLParam(r, "identifier")
	snap, err := s.bridge.CoverState(r.Context(), identifier)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, CoverResponse{Identifier: identifier, CoverSnapshot: snap})
	case errors.Is(err, domintell.ErrUnknownDevice):
		writeError(w, http.StatusNotFound, "cover not found")
	case errors.Is(err, domintell.ErrBridgeStopped):
		writeError(w, http.StatusServiceUnavailable, "bridge is not running")
	default:
		s.logger.Error("cover lookup failed", "identifier", identifier, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to read cover state")
	}
}

// handleListAudit returns audited set requests, newest first.
// Query parameters: identifier, status, limit, offset.
func (s *Server) handleListAudit(w http.ResponseWriter, r *http.Request) {
	if s.audit == nil {
		writeError(w, http.StatusServiceUnavailable, "audit trail is disabled")
		return
	}

	q := r.URL.Query()
	filter := audit.Filter{
		Identifier: q.Get("identifier"),
		Status:     q.Get("status"),
	}
	for name, dst := range map[string]*int{"limit": &filter.Limit, "offset": &filter.Offset} {
		if v := q.Get(name); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				writeError(w, http.StatusBadRequest, name+" must be an integer")
				return
			}
			*dst = n
		}
	}
	if filter.Status != "" && filter.Status != audit.StatusAccepted && filter.Status != audit.StatusFailed {
		writeError(w, http.StatusBadRequest, "status must be accepted or failed")
		return
	}

	res, err := s.audit.List(r.Context(), filter)
	if err != nil {
		s.logger.Error("listing audit entries failed", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list audit entries")
		return
	}
	writeJSON(w, http.StatusOK, res)
}

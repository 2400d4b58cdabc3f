package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/flowpbx/tenantgw/internal/api/middleware"
	"github.com/flowpbx/tenantgw/internal/call"
	"github.com/flowpbx/tenantgw/internal/database"
	"github.com/flowpbx/tenantgw/internal/routing"
	"github.com/flowpbx/tenantgw/internal/sip"
	"github.com/go-chi/chi/v5"
)

const adminSubject = "admin"

type tokenRequest struct {
	Password string `json:"password"`
}

type tokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	if s.cfg.AdminPasswordHash == "" {
		writeError(w, http.StatusServiceUnavailable, "admin login is disabled")
		return
	}

	var req tokenRequest
	if err := readJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	ok, err := CheckPassword(req.Password, s.cfg.AdminPasswordHash)
	if err != nil {
		s.logger.Error("admin password hash is unusable", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if !ok {
		s.logger.Warn("admin login failed", "remote_addr", r.RemoteAddr)
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}

	token, expiresAt, err := middleware.IssueToken(s.cfg.JWTSecret, adminSubject, s.cfg.TokenTTL)
	if err != nil {
		s.logger.Error("failed to sign admin token", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	s.logger.Info("admin token issued", "remote_addr", r.RemoteAddr, "expires_at", expiresAt)
	writeJSON(w, http.StatusOK, tokenResponse{Token: token, ExpiresAt: expiresAt})
}

type destinationView struct {
	ID           int64      `json:"id"`
	URI          string     `json:"uri"`
	Type         string     `json:"type"`
	Description  string     `json:"description,omitempty"`
	Priority     int        `json:"priority"`
	Availability string     `json:"availability"`
	LastProbeAt  *time.Time `json:"last_probe_at,omitempty"`
	LastError    string     `json:"last_error,omitempty"`
}

type routeView struct {
	ID           int64  `json:"id"`
	InboundType  string `json:"inbound_type"`
	OutboundType string `json:"outbound_type"`
	Priority     int    `json:"priority"`
}

type tenantView struct {
	ID           int64             `json:"id"`
	Name         string            `json:"name"`
	Domain       string            `json:"domain"`
	Destinations []destinationView `json:"destinations"`
	Routes       []routeView       `json:"routes"`
}

func newTenantView(t *routing.Tenant) tenantView {
	v := tenantView{
		ID:           t.ID,
		Name:         t.Name(),
		Domain:       t.Domain(),
		Destinations: []destinationView{},
		Routes:       []routeView{},
	}
	for _, d := range t.Destinations() {
		dv := destinationView{
			ID:           d.ID,
			URI:          d.URI,
			Type:         d.Type,
			Description:  d.Description,
			Priority:     d.Priority,
			Availability: d.Availability().String(),
		}
		if at, msg := d.LastProbe(); !at.IsZero() {
			dv.LastProbeAt = &at
			dv.LastError = msg
		}
		v.Destinations = append(v.Destinations, dv)
	}
	for _, rt := range t.Routes() {
		v.Routes = append(v.Routes, routeView{
			ID:           rt.ID,
			InboundType:  rt.InboundType,
			OutboundType: rt.OutboundType,
			Priority:     rt.Priority,
		})
	}
	return v
}

func (s *Server) handleListTenants(w http.ResponseWriter, r *http.Request) {
	tenants := s.cfg.Directory.Tenants()
	out := make([]tenantView, 0, len(tenants))
	for _, t := range tenants {
		out = append(out, newTenantView(t))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleReloadTenants(w http.ResponseWriter, r *http.Request) {
	if err := s.cfg.Directory.ReloadAll(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"tenants": len(s.cfg.Directory.Tenants())})
}

func (s *Server) handleReloadTenant(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "invalid tenant id")
		return
	}

	if err := s.cfg.Directory.Reload(r.Context(), id); err != nil {
		if errors.Is(err, database.ErrNotFound) || errors.Is(err, routing.ErrTenantNotFound) {
			writeError(w, http.StatusNotFound, "tenant not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.logger.Info("tenant reloaded", "tenant_id", id, "subject", middleware.SubjectFromContext(r.Context()))
	writeJSON(w, http.StatusOK, map[string]int64{"tenant_id": id})
}

type sourceView struct {
	ID      int64  `json:"id"`
	Address string `json:"address"`
	Type    string `json:"type"`
}

func (s *Server) handleListSources(w http.ResponseWriter, r *http.Request) {
	sources := s.cfg.Sources.List()
	out := make([]sourceView, 0, len(sources))
	for _, src := range sources {
		out = append(out, sourceView{ID: src.ID, Address: src.Address, Type: src.Type})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleReloadSources(w http.ResponseWriter, r *http.Request) {
	if err := s.cfg.Sources.Reload(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"sources": len(s.cfg.Sources.List())})
}

type engineView struct {
	ID          int64  `json:"id"`
	Address     string `json:"address"`
	Available   bool   `json:"available"`
	ActiveCalls int    `json:"active_calls"`
}

func (s *Server) handleListEngines(w http.ResponseWriter, r *http.Request) {
	engines := s.cfg.Engines.Engines()
	out := make([]engineView, 0, len(engines))
	for _, e := range engines {
		out = append(out, engineView{
			ID:          e.ID,
			Address:     e.Addr(),
			Available:   e.Available(),
			ActiveCalls: e.ActiveCalls(),
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleReloadEngines(w http.ResponseWriter, r *http.Request) {
	if err := s.cfg.Engines.Reload(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"engines": len(s.cfg.Engines.Engines())})
}

func (s *Server) handleProbingStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"enabled": s.cfg.Directory.Probing()})
}

func (s *Server) handleStartProbing(w http.ResponseWriter, r *http.Request) {
	s.cfg.Directory.StartProbing()
	writeJSON(w, http.StatusOK, map[string]bool{"enabled": true})
}

func (s *Server) handleStopProbing(w http.ResponseWriter, r *http.Request) {
	s.cfg.Directory.StopProbing()
	writeJSON(w, http.StatusOK, map[string]bool{"enabled": false})
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	sessions := s.cfg.Sessions.Sessions()
	out := make([]call.Info, 0, len(sessions))
	for _, sess := range sessions {
		out = append(out, sess.Info())
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleHangup(w http.ResponseWriter, r *http.Request) {
	callID := chi.URLParam(r, "callID")
	if err := s.cfg.Sessions.Hangup(callID); err != nil {
		if errors.Is(err, call.ErrSessionNotFound) {
			writeError(w, http.StatusNotFound, "session not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.logger.Info("session hung up by admin", "call_id", callID, "subject", middleware.SubjectFromContext(r.Context()))
	w.WriteHeader(http.StatusNoContent)
}

type traceRequest struct {
	Verbosity string `json:"verbosity"`
}

func (s *Server) handleGetTrace(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, traceRequest{Verbosity: s.cfg.Tracer.Verbosity().String()})
}

func (s *Server) handleSetTrace(w http.ResponseWriter, r *http.Request) {
	var req traceRequest
	if err := readJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	v := sip.ParseSIPLogVerbosity(req.Verbosity)
	if v.String() != req.Verbosity {
		writeError(w, http.StatusBadRequest, "verbosity must be one of off, headers, full")
		return
	}
	s.cfg.Tracer.SetVerbosity(v)
	s.logger.Info("sip trace verbosity changed", "verbosity", v.String())
	writeJSON(w, http.StatusOK, traceRequest{Verbosity: v.String()})
}

func (s *Server) handleListBlocked(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.cfg.Guard.BlockedSources())
}

func (s *Server) handleUnblock(w http.ResponseWriter, r *http.Request) {
	ip := chi.URLParam(r, "ip")
	if !s.cfg.Guard.Unblock(ip) {
		writeError(w, http.StatusNotFound, "source is not blocked")
		return
	}
	s.logger.Info("sip source unblocked", "ip", ip, "subject", middleware.SubjectFromContext(r.Context()))
	w.WriteHeader(http.StatusNoContent)
}

// Package api serves the admin HTTP API.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"awg-keeper/pkg/admin"
	"awg-keeper/pkg/auth"
	"awg-keeper/pkg/ipam"
	"awg-keeper/pkg/metrics"
	"awg-keeper/pkg/model"
	"awg-keeper/pkg/provision"
	"awg-keeper/pkg/reconciler"
	"awg-keeper/pkg/store"
)

type Provisioner interface {
	Provision(ctx context.Context, req provision.Request) (provision.ClientConfig, error)
}

// Syncer is the reconciliation loop as seen by the API.
type Syncer interface {
	Trigger()
	LastReport() (reconciler.Report, bool)
}

type Server struct {
	Admin       *admin.Service
	Provisioner Provisioner
	Syncer      Syncer
	Users       store.UserStore
	Signer      *auth.Signer
	// Token is a static bearer token accepted besides JWTs.
	Token string
	Hub   *WSHub
	Log   zerolog.Logger
}

type ctxKey struct{}

// Actor returns the authenticated caller's name for audit entries.
func Actor(ctx context.Context) string {
	if v, ok := ctx.Value(ctxKey{}).(string); ok {
		return v
	}
	return "api"
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.Handle("GET /metrics", metrics.Handler())

	mux.HandleFunc("POST /api/v1/auth/register", s.handleRegister)
	mux.HandleFunc("POST /api/v1/auth/login", s.handleLogin)

	mux.HandleFunc("GET /api/v1/configs", s.authed(s.handleListConfigs))
	mux.HandleFunc("DELETE /api/v1/configs/{id}", s.authed(s.handleDeleteConfig))
	mux.HandleFunc("DELETE /api/v1/owners/{id}/configs", s.authed(s.handleDeleteOwner))
	mux.HandleFunc("POST /api/v1/provision", s.authed(s.handleProvision))
	mux.HandleFunc("GET /api/v1/status", s.authed(s.handleStatus))
	mux.HandleFunc("GET /api/v1/stats", s.authed(s.handleStats))
	mux.HandleFunc("GET /api/v1/audit", s.authed(s.handleAudit))
	mux.HandleFunc("POST /api/v1/sync", s.authed(s.handleSync))
	if s.Hub != nil {
		mux.HandleFunc("GET /api/v1/events", s.authed(s.Hub.HandleEvents))
	}
	return mux
}

// authed accepts the static token or a valid JWT, from the Authorization
// header, X-Auth-Token, or a token query parameter for websocket clients.
// With neither configured every request passes.
func (s *Server) authed(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.Token == "" && s.Signer == nil {
			next(w, r)
			return
		}
		tok := r.Header.Get("X-Auth-Token")
		if tok == "" {
			if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
				tok = strings.TrimPrefix(h, "Bearer ")
			}
		}
		if tok == "" {
			tok = r.URL.Query().Get("token")
		}
		actor := ""
		switch {
		case tok == "":
		case s.Token != "" && tok == s.Token:
			actor = "token"
		case s.Signer != nil:
			if claims, err := s.Signer.Parse(tok); err == nil {
				actor = claims.Username
			}
		}
		if actor == "" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next(w, r.WithContext(context.WithValue(r.Context(), ctxKey{}, actor)))
	}
}

func (s *Server) handleListConfigs(w http.ResponseWriter, r *http.Request) {
	rows, err := s.Admin.List(r.Context())
	if err != nil {
		s.internal(w, "failed to list configs", err)
		return
	}
	for i := range rows {
		rows[i].PrivateKey = ""
	}
	writeJSON(w, http.StatusOK, rows)
}

func (s *Server) handleDeleteConfig(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	err := s.Admin.DeleteByID(r.Context(), id, Actor(r.Context()))
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, "config not found", http.StatusNotFound)
		return
	}
	if err != nil {
		s.internal(w, "failed to delete config", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDeleteOwner(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	n, err := s.Admin.DeleteByOwner(r.Context(), id, Actor(r.Context()))
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, "owner not found", http.StatusNotFound)
		return
	}
	if err != nil {
		s.internal(w, "failed to delete configs", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"deleted": n})
}

type provisionRequest struct {
	ExternalID string `json:"externalId"`
	Username   string `json:"username"`
	FirstName  string `json:"firstName"`
	LastName   string `json:"lastName"`
	Device     string `json:"device"`
}

type provisionResponse struct {
	FileName string `json:"fileName"`
	Content  string `json:"content"`
	Address  string `json:"address"`
	Created  bool   `json:"created"`
}

func (s *Server) handleProvision(w http.ResponseWriter, r *http.Request) {
	var req provisionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ExternalID == "" || req.Device == "" {
		http.Error(w, "externalId and device are required", http.StatusBadRequest)
		return
	}
	cfg, err := s.Provisioner.Provision(r.Context(), provision.Request{
		ExternalID: req.ExternalID,
		Username:   req.Username,
		FirstName:  req.FirstName,
		LastName:   req.LastName,
		Device:     model.DeviceClass(req.Device),
	})
	switch {
	case errors.Is(err, provision.ErrUnknownDevice):
		http.Error(w, "unknown device type", http.StatusBadRequest)
		return
	case errors.Is(err, provision.ErrNoPrivateKey):
		http.Error(w, "this config was imported from the server and cannot be downloaded; ask an administrator to reissue it", http.StatusConflict)
		return
	case errors.Is(err, ipam.ErrPoolExhausted):
		s.Log.Error().Err(err).Msg("provision failed")
		http.Error(w, "no free addresses left, contact an administrator", http.StatusServiceUnavailable)
		return
	case err != nil:
		s.internal(w, "could not create config, try again later", err)
		return
	}
	writeJSON(w, http.StatusOK, provisionResponse{
		FileName: cfg.FileName,
		Content:  cfg.Content,
		Address:  cfg.Peer.Address,
		Created:  cfg.Created,
	})
}

type statusResponse struct {
	admin.SyncStatus
	LastPass *reconciler.Report `json:"lastPass,omitempty"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.Admin.Status(r.Context())
	if err != nil {
		s.internal(w, "failed to read status", err)
		return
	}
	for i := range st.Records {
		st.Records[i].PrivateKey = ""
	}
	resp := statusResponse{SyncStatus: st}
	if s.Syncer != nil {
		if rep, ok := s.Syncer.LastReport(); ok {
			resp.LastPass = &rep
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	st, err := s.Admin.Stats(r.Context())
	if err != nil {
		s.internal(w, "failed to read stats", err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}
	entries, err := s.Admin.Records.ListAudit(r.Context(), limit)
	if err != nil {
		s.internal(w, "failed to read audit log", err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) handleSync(w http.ResponseWriter, _ *http.Request) {
	if s.Syncer == nil {
		http.Error(w, "reconciliation is not running", http.StatusServiceUnavailable)
		return
	}
	s.Syncer.Trigger()
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "triggered"})
}

func pathID(w http.ResponseWriter, r *http.Request) (uint, bool) {
	id, err := strconv.ParseUint(r.PathValue("id"), 10, 64)
	if err != nil || id == 0 {
		http.Error(w, "invalid id", http.StatusBadRequest)
		return 0, false
	}
	return uint(id), true
}

func (s *Server) internal(w http.ResponseWriter, msg string, err error) {
	s.Log.Error().Err(err).Msg(msg)
	http.Error(w, msg, http.StatusInternalServerError)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

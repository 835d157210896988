package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"awg-keeper/pkg/auth"
	"awg-keeper/pkg/model"
	"awg-keeper/pkg/store"
)

type authRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func (s *Server) decodeAuth(w http.ResponseWriter, r *http.Request) (authRequest, bool) {
	if s.Users == nil || s.Signer == nil {
		http.Error(w, "accounts are not enabled", http.StatusNotImplemented)
		return authRequest{}, false
	}
	var req authRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Username == "" || req.Password == "" {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return authRequest{}, false
	}
	return req, true
}

// handleRegister only allows the first user to be created (admin).
func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeAuth(w, r)
	if !ok {
		return
	}
	count, err := s.Users.CountUsers(r.Context())
	if err != nil {
		s.internal(w, "failed to count users", err)
		return
	}
	if count > 0 {
		http.Error(w, "registration closed", http.StatusForbidden)
		return
	}
	hash, err := auth.HashPassword(req.Password)
	if err != nil {
		s.internal(w, "failed to hash password", err)
		return
	}
	user := model.User{Username: req.Username, PasswordHash: hash, IsAdmin: true}
	if err := s.Users.CreateUser(r.Context(), &user); err != nil {
		if errors.Is(err, store.ErrConflict) {
			http.Error(w, "registration closed", http.StatusForbidden)
			return
		}
		s.internal(w, "failed to create user", err)
		return
	}
	s.Log.Info().Str("user", user.Username).Msg("admin account created")
	s.issue(w, user)
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeAuth(w, r)
	if !ok {
		return
	}
	user, found, err := s.Users.FindUser(r.Context(), req.Username)
	if err != nil {
		s.internal(w, "failed to look up user", err)
		return
	}
	if !found || !auth.CheckPassword(user.PasswordHash, req.Password) {
		http.Error(w, "invalid credentials", http.StatusUnauthorized)
		return
	}
	s.issue(w, user)
}

func (s *Server) issue(w http.ResponseWriter, user model.User) {
	token, err := s.Signer.Generate(user.ID, user.Username)
	if err != nil {
		s.internal(w, "failed to sign token", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"token": token})
}

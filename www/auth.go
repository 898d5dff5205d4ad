package www

import (
	"encoding/json"
	"net/http"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func (h *Handlers) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if strings.HasPrefix(r.Header.Get("Content-Type"), "application/json") {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			h.jsonError(w, "invalid request", http.StatusBadRequest)
			return
		}
	} else {
		if err := r.ParseForm(); err != nil {
			h.jsonError(w, "invalid request", http.StatusBadRequest)
			return
		}
		req.Username = r.FormValue("username")
		req.Password = r.FormValue("password")
	}

	cfg := h.engine.AppConfig().Web
	if cfg.AdminPasswordHash == "" {
		h.jsonError(w, "admin login disabled", http.StatusForbidden)
		return
	}
	if req.Username != cfg.AdminUser ||
		bcrypt.CompareHashAndPassword([]byte(cfg.AdminPasswordHash), []byte(req.Password)) != nil {
		h.jsonError(w, "invalid credentials", http.StatusUnauthorized)
		return
	}

	sess, _ := h.sessions.Get(r, sessionName)
	sess.Values["authenticated"] = true
	sess.Values["username"] = req.Username
	if err := sess.Save(r, w); err != nil {
		h.jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	h.jsonOK(w, map[string]string{"status": "ok", "username": req.Username})
}

func (h *Handlers) handleLogout(w http.ResponseWriter, r *http.Request) {
	sess, _ := h.sessions.Get(r, sessionName)
	sess.Values = map[any]any{}
	sess.Options.MaxAge = -1
	sess.Save(r, w)
	h.jsonOK(w, map[string]string{"status": "ok"})
}

func (h *Handlers) isAuthenticated(r *http.Request) bool {
	sess, err := h.sessions.Get(r, sessionName)
	if err != nil {
		return false
	}
	ok, _ := sess.Values["authenticated"].(bool)
	return ok
}

func (h *Handlers) getUsername(r *http.Request) string {
	sess, err := h.sessions.Get(r, sessionName)
	if err != nil {
		return ""
	}
	name, _ := sess.Values["username"].(string)
	return name
}

func (h *Handlers) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !h.isAuthenticated(r) {
			h.jsonError(w, "login required", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

package httpapi

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"pkt.systems/codeyard/internal/logx"
	"pkt.systems/pslog"
)

// Authenticator verifies username, password, and totp.
type Authenticator interface {
	Authenticate(username, password, totp string) error
}

var errUnauthorized = errors.New("login required")

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
	TOTP     string `json:"totp,omitempty"`
}

type loginResponse struct {
	Username  string `json:"username"`
	Token     string `json:"token"`
	ExpiresAt string `json:"expires_at"`
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	log := logx.Ctx(r.Context()).With("remote", clientIP(r))
	var payload loginRequest
	if err := decodeJSON(r.Body, &payload); err != nil {
		log.Warn("http login decode failed", "err", err)
		writeError(w, http.StatusBadRequest, err)
		return
	}
	log = log.With("user", payload.Username)
	if err := s.auth.Authenticate(payload.Username, payload.Password, payload.TOTP); err != nil {
		log.Warn("http login failed", "err", err)
		writeError(w, http.StatusUnauthorized, err)
		return
	}
	token, sess := s.sessions.create(payload.Username)
	http.SetCookie(w, &http.Cookie{
		Name:     s.cookieName(),
		Value:    token,
		Path:     s.cookiePath(),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		Expires:  sess.expiresAt,
	})
	log.Info("http login ok", "http_session", sess.id)
	writeJSON(w, http.StatusOK, loginResponse{
		Username:  payload.Username,
		Token:     token,
		ExpiresAt: sess.expiresAt.UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if sess, ok := s.sessions.delete(s.sessionToken(r)); ok {
		logx.Ctx(r.Context()).Info("http logout", "user", sess.user, "http_session", sess.id)
	}
	http.SetCookie(w, &http.Cookie{
		Name:     s.cookieName(),
		Value:    "",
		Path:     s.cookiePath(),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   -1,
	})
	w.WriteHeader(http.StatusNoContent)
}

// requireSession rejects requests without a live login when the server has
// an Authenticator. Without one every request passes.
func (s *Server) requireSession(next http.HandlerFunc) http.HandlerFunc {
	if s.auth == nil {
		return next
	}
	return func(w http.ResponseWriter, r *http.Request) {
		sess, ok := s.sessions.get(s.sessionToken(r))
		if !ok {
			w.Header().Set("WWW-Authenticate", `Bearer realm="codeyard"`)
			writeError(w, http.StatusUnauthorized, errUnauthorized)
			return
		}
		log := logx.Ctx(r.Context()).With("user", sess.user)
		next(w, r.WithContext(pslog.ContextWithLogger(r.Context(), log)))
	}
}

// sessionToken reads a bearer token first and falls back to the cookie.
func (s *Server) sessionToken(r *http.Request) string {
	if header := r.Header.Get("Authorization"); header != "" {
		if token, ok := strings.CutPrefix(header, "Bearer "); ok {
			return strings.TrimSpace(token)
		}
	}
	if cookie, err := r.Cookie(s.cookieName()); err == nil {
		return cookie.Value
	}
	return ""
}

func (s *Server) cookieName() string {
	if s.cfg.SessionCookie != "" {
		return s.cfg.SessionCookie
	}
	return defaultSessionCookie
}

func (s *Server) cookiePath() string {
	if s.basePath != "" {
		return s.basePath + "/"
	}
	return "/"
}

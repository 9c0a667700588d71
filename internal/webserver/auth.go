package webserver

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

func secureEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

func bearerToken(r *http.Request) string {
	h := strings.TrimSpace(r.Header.Get("Authorization"))
	if len(h) >= 7 && strings.EqualFold(h[:7], "bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return ""
}

// isAdmin accepts the demo admin token, and only while demo mode is on.
func (s *Server) isAdmin(r *http.Request) bool {
	if !s.cfg.Auth.DemoMode || s.cfg.Auth.DemoAdminToken == "" {
		return false
	}
	return secureEqual(bearerToken(r), s.cfg.Auth.DemoAdminToken)
}

func (s *Server) isAgentSecret(r *http.Request) bool {
	if s.cfg.Auth.AgentSharedSecret == "" {
		return false
	}
	return secureEqual(strings.TrimSpace(r.Header.Get("X-Agent-Secret")), s.cfg.Auth.AgentSharedSecret)
}

func (s *Server) isTrusted(r *http.Request) bool {
	return s.isAdmin(r) || s.isAgentSecret(r)
}

// isAgentBearer checks the token scoped to the external agent process.
func (s *Server) isAgentBearer(r *http.Request) bool {
	if s.cfg.Agent.HookToken == "" {
		return false
	}
	return secureEqual(bearerToken(r), s.cfg.Agent.HookToken)
}

func (s *Server) requireTrusted(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.isTrusted(r) {
			fail(w, http.StatusUnauthorized, "Unauthorized caller")
			return
		}
		next(w, r)
	}
}

func (s *Server) requireAgent(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.isAgentBearer(r) {
			fail(w, http.StatusUnauthorized, "Unauthorized")
			return
		}
		next(w, r)
	}
}

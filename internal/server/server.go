// ABOUTME: Server construction, route table, middleware, and lifecycle
// ABOUTME: Wires store, auth, registry, engine, limiter, audit, and blobs together

package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/michaelansel/c3po/internal/agents"
	"github.com/michaelansel/c3po/internal/apierr"
	"github.com/michaelansel/c3po/internal/audit"
	"github.com/michaelansel/c3po/internal/auth"
	"github.com/michaelansel/c3po/internal/blobs"
	"github.com/michaelansel/c3po/internal/config"
	"github.com/michaelansel/c3po/internal/messaging"
	"github.com/michaelansel/c3po/internal/ratelimit"
	"github.com/michaelansel/c3po/internal/store"
)

// maintenanceInterval paces the expiry pruner and registry scavenger.
const maintenanceInterval = 10 * time.Minute

// Server hosts the coordinator's HTTP surfaces.
type Server struct {
	cfg      *config.Config
	store    store.Store
	auth     *auth.Manager
	registry *agents.Registry
	engine   *messaging.Engine
	limiter  *ratelimit.Limiter
	audit    *audit.Logger
	blobs    *blobs.Manager
	logger   *slog.Logger
	mux      *http.ServeMux
}

// New wires all coordinator components onto a server.
func New(cfg *config.Config, st store.Store, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	auditLog := audit.New(st, logger)
	registry := agents.NewRegistry(st, cfg.Agents.HeartbeatTTL, cfg.Agents.MessageTTL, logger)
	webhooks := messaging.NewWebhookNotifier(logger)
	engine := messaging.NewEngine(st, registry, auditLog, webhooks, cfg.Agents.MessageTTL, logger)

	s := &Server{
		cfg:      cfg,
		store:    st,
		auth:     auth.NewManager(st, auth.Secrets(cfg.Auth), logger),
		registry: registry,
		engine:   engine,
		limiter:  ratelimit.New(st, auditLog, logger),
		audit:    auditLog,
		blobs:    blobs.NewManager(st, logger),
		logger:   logger.With("component", "server"),
		mux:      http.NewServeMux(),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	// Public
	s.mux.HandleFunc("GET /api/health", s.handleHealth)

	// RPC tool surfaces: API-key auth under /agent, proxy auth under /oauth
	s.mux.HandleFunc("POST /agent/mcp", s.withAuth(auth.DomainAgent, s.handleRPC))
	s.mux.HandleFunc("POST /oauth/mcp", s.withAuth(auth.DomainProxy, s.handleRPC))

	// Agent REST (API-key auth)
	s.mux.HandleFunc("POST /agent/api/register", s.withAuth(auth.DomainAgent, s.handleRegister))
	s.mux.HandleFunc("GET /agent/api/pending", s.withAuth(auth.DomainAgent, s.handlePending))
	s.mux.HandleFunc("GET /agent/api/wait", s.withAuth(auth.DomainAgent, s.handleWait))
	s.mux.HandleFunc("POST /agent/api/unregister", s.withAuth(auth.DomainAgent, s.handleUnregister))
	s.mux.HandleFunc("GET /agent/api/validate", s.withAuth(auth.DomainAgent, s.handleValidate))
	s.mux.HandleFunc("POST /agent/api/blob", s.withAuth(auth.DomainAgent, s.handleBlobUpload))
	s.mux.HandleFunc("GET /agent/api/blob/{blob_id}", s.withAuth(auth.DomainAgent, s.handleBlobDownload))

	// Admin REST (admin-key auth)
	s.mux.HandleFunc("POST /admin/api/keys", s.withAuth(auth.DomainAdmin, s.handleCreateKey))
	s.mux.HandleFunc("GET /admin/api/keys", s.withAuth(auth.DomainAdmin, s.handleListKeys))
	s.mux.HandleFunc("DELETE /admin/api/keys/{key_id}", s.withAuth(auth.DomainAdmin, s.handleRevokeKey))
	s.mux.HandleFunc("GET /admin/api/audit", s.withAuth(auth.DomainAdmin, s.handleAudit))
	s.mux.HandleFunc("GET /admin/api/agents", s.withAuth(auth.DomainAdmin, s.handleAdminListAgents))
	s.mux.HandleFunc("DELETE /admin/api/agents", s.withAuth(auth.DomainAdmin, s.handleAdminRemoveAgents))
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Run serves until ctx is cancelled, then drains blocked waiters and
// shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	addr := net.JoinHostPort(s.cfg.Server.BindHost, fmt.Sprintf("%d", s.cfg.Server.Port))
	srv := &http.Server{
		Addr:    addr,
		Handler: s.mux,
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}

	go s.maintenanceLoop(ctx)

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("coordinator listening", "addr", addr, "dev_mode", s.auth.DevMode())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.logger.Info("shutting down, draining waiters")
	s.store.NotifyWakeAll()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 12*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// maintenanceLoop prunes expired inbox entries and blobs and
// scavenges stale agent records.
func (s *Server) maintenanceLoop(ctx context.Context) {
	ticker := time.NewTicker(maintenanceInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := s.store.PruneExpired(ctx, time.Now().UTC()); err != nil {
				s.logger.Warn("expiry prune failed", "error", err)
			} else if n > 0 {
				s.logger.Info("pruned expired entries", "count", n)
			}
			if n, err := s.registry.Scavenge(ctx); err != nil {
				s.logger.Warn("registry scavenge failed", "error", err)
			} else if n > 0 {
				s.logger.Info("scavenged agents", "count", n)
			}
		}
	}
}

// withAuth authenticates the request against the trust domain for its
// path prefix and attaches the principal to the request context.
func (s *Server) withAuth(domain auth.Domain, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		principal, aerr := s.auth.Authenticate(r.Context(), r.Header.Get("Authorization"), domain)
		if aerr != nil {
			s.audit.AuthFailure(r.Context(), string(aerr.Code), "rest")
			s.writeError(w, aerr)
			return
		}
		if principal.Type != auth.PrincipalAnonymous {
			if principal.LegacyToken() {
				s.audit.AuthLegacyAdmin(r.Context(), "rest")
			} else {
				s.audit.AuthSuccess(r.Context(), principal.KeyID, principal.AgentPattern, "rest")
			}
		}
		next(w, r.WithContext(auth.WithPrincipal(r.Context(), principal)))
	}
}

// securityHeaders applied to JSON responses.
var securityHeaders = map[string]string{
	"X-Content-Type-Options": "nosniff",
	"X-Frame-Options":        "DENY",
	"Cache-Control":          "no-store",
}

// writeJSON writes a JSON response with security headers.
func (s *Server) writeJSON(w http.ResponseWriter, status int, body any) {
	for k, v := range securityHeaders {
		w.Header().Set(k, v)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Warn("response encode failed", "error", err)
	}
}

// writeError maps a component error to its HTTP representation.
// Unclassified errors are logged and surface as STORE_UNAVAILABLE so
// no raw failure crosses the request boundary.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	var aerr *apierr.Error
	if !errors.As(err, &aerr) {
		s.logger.Error("unclassified error", "error", err)
		aerr = apierr.StoreUnavailable(nil)
	}
	s.writeJSON(w, aerr.HTTPStatus(), aerr)
}

// allow checks the rate limit for (operation, identity) and returns a
// RATE_LIMITED error when the threshold is crossed.
func (s *Server) allow(ctx context.Context, operation, identity string) *apierr.Error {
	allowed, _ := s.limiter.Allow(ctx, operation, identity)
	if allowed {
		return nil
	}
	policy := ratelimit.PolicyFor(operation)
	return apierr.RateLimited(identity, policy.Max, int(policy.Window.Seconds()))
}

// clientIP returns the rate-limit identity for anonymous callers,
// trusting forwarding headers only when configured behind a proxy.
func (s *Server) clientIP(r *http.Request) string {
	if s.cfg.Server.BehindProxy {
		if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
			return strings.TrimSpace(strings.Split(forwarded, ",")[0])
		}
		if realIP := r.Header.Get("X-Real-IP"); realIP != "" {
			return realIP
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// handleHealth is the public health probe. It never returns 4xx.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	online, err := s.registry.CountOnline(r.Context())
	if err != nil {
		s.writeJSON(w, http.StatusInternalServerError, map[string]any{
			"status": "error",
			"error":  "store unavailable",
		})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"status":        "ok",
		"agents_online": online,
	})
}

package main

import (
	"errors"
	"log"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"killswitch/pkg/admin"
	"killswitch/pkg/auth"
	"killswitch/pkg/httpx"
	"killswitch/pkg/metrics"
	"killswitch/pkg/ratelimit"
	"killswitch/pkg/telemetry"
)

// Routes builds the full HTTP surface.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	if s.TrustForwardedHeaders {
		r.Use(middleware.RealIP)
	}
	r.Use(middleware.Recoverer)
	r.Use(httpx.CORSMiddleware(s.CORSAllowedOrigins))
	r.Use(httpx.SecurityHeadersMiddleware)
	r.Use(telemetry.HTTPMiddleware(serviceName))
	r.Use(s.Metrics.Middleware)
	r.Use(s.limitRequestBodyMiddleware)

	r.Get("/", s.root)
	r.Get("/healthz", s.healthz)
	r.Get("/settings", s.publicSettings)

	r.Group(func(pub chi.Router) {
		pub.Use(ratelimit.Middleware(s.Limiter, "public", s.RateLimitPerMinute, ratelimit.ClientIP, s.rejectRateLimited))
		pub.Post("/client/config", s.clientConfig)
		pub.Post("/install/register", s.registerInstall)
		pub.Post("/install/heartbeat", s.heartbeat)
	})

	r.Group(func(op chi.Router) {
		op.Use(s.requireAdmin)
		op.Get("/admin/settings", s.getSettings)
		op.Post("/admin/settings", s.setSettings)
		op.Post("/admin/kill", s.killVersion)
		op.Post("/admin/unkill", s.unkillVersion)
		op.Post("/admin/beta", s.toggleBeta)
		op.Post("/admin/release", s.setRelease)
		op.Get("/admin/installs", s.listInstalls)
		op.Get("/admin/audit", s.listAudit)
		op.Get("/admin/metrics", s.Metrics.Handler())
		op.Get("/admin/metrics/prometheus", s.Metrics.PrometheusHandler())

		op.Post("/tts", s.synthesize)
		op.Post("/tts/stream", s.synthesizeStream)
		op.Post("/entitlement", s.entitlement)
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		httpx.Error(w, http.StatusNotFound, httpx.CodeNotFound, "not found")
	})
	return r
}

// requireAdmin gates operator routes. Nothing behind it runs unless the
// credential matches.
func (s *Server) requireAdmin(next http.Handler) http.Handler {
	gate := s.Validator.Middleware(s.rejectAdmin)
	return gate(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.Metrics.IncAuth(metrics.AuthOK)
		ctx := admin.WithRemoteAddr(r.Context(), ratelimit.ClientIP(r))
		next.ServeHTTP(w, r.WithContext(ctx))
	}))
}

func (s *Server) rejectAdmin(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, auth.ErrNotConfigured) {
		s.Metrics.IncAuth(metrics.AuthMisconfigured)
		log.Printf("auth misconfigured: ADMIN_KEY is empty, rejecting %s %s", r.Method, r.URL.Path)
		httpx.Error(w, http.StatusServiceUnavailable, httpx.CodeServerMisconfigured, "admin credential not configured")
		return
	}
	s.Metrics.IncAuth(metrics.AuthRejected)
	log.Printf("auth rejected %s %s from %s", r.Method, r.URL.Path, ratelimit.ClientIP(r))
	httpx.Error(w, http.StatusUnauthorized, httpx.CodeUnauthorized, "unauthorized")
}

func (s *Server) rejectRateLimited(w http.ResponseWriter, r *http.Request, d ratelimit.Decision) {
	s.Metrics.IncRateLimited(r.URL.Path)
	httpx.Error(w, http.StatusTooManyRequests, httpx.CodeRateLimited, "rate limit exceeded")
}

func (s *Server) limitRequestBodyMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.MaxRequestBodyBytes > 0 && r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, s.MaxRequestBodyBytes)
		}
		next.ServeHTTP(w, r)
	})
}

func internalServerError(w http.ResponseWriter, op string, err error) {
	if err != nil {
		log.Printf("control %s: %v", op, err)
	}
	httpx.Error(w, http.StatusInternalServerError, httpx.CodeInternal, "internal error")
}

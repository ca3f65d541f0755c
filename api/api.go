// Package api is the HTTP admin adapter for the CA engine.
package api

import (
	_ "embed"
	"fmt"
	"log/slog"
	"net/http"
	"net/netip"
	"os"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-openapi/runtime/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/pkisouverain/caengine/pki"
)

// API holds the dependencies needed by the REST handlers.
type API struct {
	engine         *pki.Engine
	adminToken     string
	trustedProxies []netip.Prefix
	limiter        *authRateLimiter
	audit          *auditLogger
	metrics        http.Handler
	webhook        *auditWebhook
	alerts         *metricsCollector
}

//go:embed openapi.yaml
var openapiSpec []byte

// Option configures the API instance.
type Option func(*API)

// WithLogger sets the structured logger for audit events.
// If not set, a default JSON logger writing to stderr is used.
func WithLogger(logger *slog.Logger) Option {
	return func(a *API) {
		a.audit = newAuditLogger(logger)
	}
}

// WithAdminToken requires every administrative request to carry
// "Authorization: Bearer <token>". An empty token disables the check, for
// deployments that authenticate upstream.
func WithAdminToken(token string) Option {
	return func(a *API) { a.adminToken = token }
}

// WithTrustedProxies lists the proxy ranges whose forwarding headers are
// honoured when attributing requests to a client IP. Bare addresses are
// treated as single-host prefixes.
func WithTrustedProxies(cidrs []string) (Option, error) {
	prefixes := make([]netip.Prefix, 0, len(cidrs))
	for _, c := range cidrs {
		c = strings.TrimSpace(c)
		if !strings.Contains(c, "/") {
			addr, err := netip.ParseAddr(c)
			if err != nil {
				return nil, fmt.Errorf("invalid trusted proxy %q: %w", c, err)
			}
			prefixes = append(prefixes, netip.PrefixFrom(addr, addr.BitLen()))
			continue
		}
		p, err := netip.ParsePrefix(c)
		if err != nil {
			return nil, fmt.Errorf("invalid trusted proxy %q: %w", c, err)
		}
		prefixes = append(prefixes, p.Masked())
	}
	return func(a *API) { a.trustedProxies = prefixes }, nil
}

// WithMetricsHandler replaces the handler served at /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(a *API) { a.metrics = h }
}

// WithAuditWebhook forwards audit events to url. authHeader, when set, is a
// "Header: Value" pair added to every delivery.
func WithAuditWebhook(url, authHeader string) Option {
	return func(a *API) {
		if url != "" {
			a.webhook = newAuditWebhook(url, authHeader)
		}
	}
}

// WithAlertFunc installs a callback for anomalous activity such as bursts of
// failed authentications or revocations.
func WithAlertFunc(fn AlertFunc) Option {
	return func(a *API) {
		if fn != nil {
			a.alerts = newMetricsCollector(fn)
		}
	}
}

// New creates a new API instance.
func New(engine *pki.Engine, opts ...Option) *API {
	a := &API{
		engine:  engine,
		limiter: newAuthRateLimiter(),
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.audit == nil {
		a.audit = newAuditLogger(slog.New(slog.NewJSONHandler(os.Stderr, nil)))
	}
	a.audit.webhook = a.webhook
	a.audit.metrics = a.alerts
	return a
}

// Close flushes pending audit webhook deliveries.
func (a *API) Close() {
	if a.webhook != nil {
		a.webhook.close()
	}
}

// Router returns a chi.Router with all API routes mounted.
func (a *API) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(SecurityHeaders)

	r.Get("/openapi.yaml", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/yaml")
		w.Write(openapiSpec)
	})

	r.Handle("/docs*", middleware.SwaggerUI(middleware.SwaggerUIOpts{
		SpecURL: "/api/v1/openapi.yaml",
		Path:    "api/v1/docs",
	}, nil))

	r.Handle("/redoc*", middleware.Redoc(middleware.RedocOpts{
		SpecURL: "/api/v1/openapi.yaml",
		Path:    "api/v1/redoc",
	}, nil))

	r.Handle("/metrics", a.metricsHandler())

	// Distribution points are public so relying parties can fetch them.
	r.Get("/crl.pem", a.GetCRLPEM)
	r.Get("/ca/active/cert.pem", a.GetActiveCACertificate)

	r.Group(func(r chi.Router) {
		r.Use(a.AdminAuth)

		r.Get("/ca", a.ListCAs)
		r.Post("/ca/root", a.GenerateRootCA)
		r.Post("/ca/intermediate", a.GenerateIntermediateCA)
		r.Post("/ca/deactivate", a.DeactivateCA)
		r.Get("/ca/status", a.GetCAStatus)
		r.Get("/ca/{caID}", a.GetCA)
		r.Post("/ca/{caID}/activate", a.ActivateCA)
		r.Get("/ca/{caID}/key.p12", a.ExportKeyContainer)

		r.Post("/certificates", a.SignCSR)
		r.Get("/certificates", a.ListCertificates)
		r.Get("/certificates/{certID}", a.GetCertificate)
		r.Delete("/certificates/{certID}", a.DeleteCertificate)
		r.Post("/certificates/{certID}/revoke", a.RevokeCertificate)

		r.Post("/crl", a.RebuildCRL)
	})

	return r
}

func (a *API) metricsHandler() http.Handler {
	if a.metrics == nil {
		return promhttp.Handler()
	}
	return a.metrics
}

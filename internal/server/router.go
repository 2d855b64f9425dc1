package server

import (
	"net/http"

	"github.com/Adithya-Monish-Kumar-K/tenant-search-pipeline/pkg/health"
	"github.com/Adithya-Monish-Kumar-K/tenant-search-pipeline/pkg/metrics"
	"github.com/Adithya-Monish-Kumar-K/tenant-search-pipeline/pkg/middleware"
)

// NewRouter builds the provisioner's HTTP handler.
//
// Route table:
//
//	POST   /api/v1/batches        → run one batch
//	GET    /api/v1/batches/last   → last batch report
//	GET    /health                → process health
//	GET    /health/live           → liveness probe
//	GET    /health/ready          → readiness probe (dependency checks)
//
// Middleware chain (outermost first):
//
//	RequestID → Metrics → APIKeyAuth → mux
func NewRouter(h *Handler, checker *health.Checker, m *metrics.Metrics, apiKeys []string) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", h.Health)
	mux.HandleFunc("GET /health/live", checker.LiveHandler())
	mux.HandleFunc("GET /health/ready", checker.ReadyHandler())

	mux.HandleFunc("POST /api/v1/batches", h.TriggerBatch)
	mux.HandleFunc("GET /api/v1/batches/last", h.LastBatch)

	var chain http.Handler = mux
	chain = APIKeyAuth(apiKeys)(chain)
	if m != nil {
		chain = middleware.Metrics(m,
			"/health", "/health/live", "/health/ready",
			"/api/v1/batches", "/api/v1/batches/last",
		)(chain)
	}
	chain = middleware.RequestID(chain)
	return chain
}

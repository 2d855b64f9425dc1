package metrics

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

// StatusFunc returns the pipeline state rendered at /status. It must be
// safe to call concurrently with a running batch.
type StatusFunc func() any

const indexPage = `<html><body><h1>Tenant Search Pipeline</h1>
<ul>
<li><a href="/metrics">/metrics</a> Prometheus metrics</li>
<li><a href="/status">/status</a> last batch report and indexing circuit breaker</li>
</ul></body></html>`

// NewServeMux serves /metrics, /status and an index page. A nil status
// makes /status answer 404.
func NewServeMux(status StatusFunc) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())
	mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		if status == nil {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if err := enc.Encode(status()); err != nil {
			slog.Error("failed to write status page", "error", err)
		}
	})
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/html")
		fmt.Fprint(w, indexPage)
	})
	return mux
}

// StartServer serves NewServeMux(status) on port in the background.
func StartServer(port int, status StatusFunc) (shutdown func(context.Context) error) {
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      NewServeMux(status),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	go func() {
		slog.Info("metrics server listening", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("metrics server error", "error", err)
		}
	}()

	return server.Shutdown
}

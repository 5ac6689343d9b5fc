// Package adminapi is the admin HTTP surface for the demonstrator
// binary: health, Prometheus metrics, a JSON status dump of every
// pipeline stage's Snapshot, and a manual IP-unblock route. This is the
// "command/administration surface" spec.md §1 explicitly places outside
// the anti-abuse core — it exists here only so the demonstrator has
// something to curl — built with the same chi router plus zerolog
// access-logging middleware the reference reverse proxy's
// internal/httpserver uses.
package adminapi

import (
	"encoding/json"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/skywalker-88/wardengate/pkg/config"
)

// StatusProvider is implemented by internal/security.Manager; adminapi
// depends on this narrow interface rather than importing security
// directly, keeping the dependency pointed the conventional direction
// (security depends on nothing here; adminapi depends on security only
// through this interface when wired in cmd/wardengate).
type StatusProvider interface {
	Status() map[string]any
}

// Unblocker is implemented by internal/security.Manager; it backs the
// manual-unblock admin route, the operator escape hatch referenced by
// internal/clusterstate's ClearBlock doc comment.
type Unblocker interface {
	UnblockIP(ip string)
}

var draining atomic.Bool

// SetDraining flips the /healthz response to 503, used during graceful
// shutdown the same way the reference project's drain flag gates
// readiness while in-flight connections finish.
func SetDraining(on bool) { draining.Store(on) }

func IsDraining() bool { return draining.Load() }

// New builds the admin router.
func New(cfgStore *config.Store, status StatusProvider, unblock Unblocker) http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID, chimw.RealIP, chimw.Recoverer)
	r.Use(accessLogger)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		if IsDraining() {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(`{"status":"draining"}`))
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Handle("/metrics", promhttp.Handler())

	r.Get("/status", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(status.Status())
	})

	r.Get("/config", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(config.Dump(cfgStore.Load()))
	})

	r.Delete("/blocks/{ip}", func(w http.ResponseWriter, r *http.Request) {
		ip := chi.URLParam(r, "ip")
		if ip == "" {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"error":"missing ip"}`))
			return
		}
		unblock.UnblockIP(ip)
		w.WriteHeader(http.StatusNoContent)
	})

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":"not_found"}`))
	})

	return r
}

type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.code = code
	sr.ResponseWriter.WriteHeader(code)
}

// accessLogger logs one line per admin request, the same shape as the
// reference project's AccessLogger but unconditional since this surface
// is low-volume by design.
func accessLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sr := &statusRecorder{ResponseWriter: w, code: 200}
		next.ServeHTTP(sr, r)
		log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", sr.code).
			Dur("duration", time.Since(start)).
			Str("req_id", chimw.GetReqID(r.Context())).
			Msg("admin_request")
	})
}

// Package metrics wraps github.com/prometheus/client_golang behind a
// small set of package functions that are safe to call whether or not
// metrics are enabled. Following the teacher's nil-safe pattern
// (pkg/metrics/s3.go's IsEnabled/constructor indirection), but
// collapsed into one package since there's no import-cycle to avoid
// here: record calls become no-ops until Init is called.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type metrics struct {
	sessionsAccepted prometheus.Counter
	sessionsClosed   prometheus.Counter
	commandsTotal    *prometheus.CounterVec
	cacheHits        prometheus.Counter
	cacheMisses      prometheus.Counter
	cacheEvictions   prometheus.Counter
	backendRetries   *prometheus.CounterVec
}

var current *metrics

// Init registers the server's metrics against a fresh registry and
// turns recording on. Calling it twice is a no-op past the first call.
func Init() {
	if current != nil {
		return
	}
	reg := prometheus.NewRegistry()
	current = &metrics{
		sessionsAccepted: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "nbdserver_sessions_accepted_total",
			Help: "Total NBD connections accepted.",
		}),
		sessionsClosed: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "nbdserver_sessions_closed_total",
			Help: "Total NBD sessions that ran to completion or error.",
		}),
		commandsTotal: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "nbdserver_commands_total",
			Help: "Transmission-phase commands served, by command name.",
		}, []string{"command"}),
		cacheHits: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "nbdserver_cache_hits_total",
			Help: "Object store cache hits.",
		}),
		cacheMisses: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "nbdserver_cache_misses_total",
			Help: "Object store cache misses.",
		}),
		cacheEvictions: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "nbdserver_cache_evictions_total",
			Help: "Object store cache evictions.",
		}),
		backendRetries: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "nbdserver_backend_retries_total",
			Help: "Retried object store backend operations, by backend.",
		}, []string{"backend"}),
	}
	registry = reg
}

var registry *prometheus.Registry

// IsEnabled reports whether Init has been called.
func IsEnabled() bool {
	return current != nil
}

// Serve runs the /metrics HTTP endpoint on addr until ctx is
// cancelled. It's a no-op if Init was never called.
func Serve(ctx context.Context, addr string) error {
	if !IsEnabled() {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("metrics server: %w", err)
	}
}

// RecordSessionAccepted counts one accepted connection.
func RecordSessionAccepted() {
	if current != nil {
		current.sessionsAccepted.Inc()
	}
}

// RecordSessionClosed counts one session reaching its end, clean or
// not.
func RecordSessionClosed() {
	if current != nil {
		current.sessionsClosed.Inc()
	}
}

// RecordCommand counts one transmission-phase command by name.
func RecordCommand(command string) {
	if current != nil {
		current.commandsTotal.WithLabelValues(command).Inc()
	}
}

// RecordCacheHit counts one object-store cache hit.
func RecordCacheHit() {
	if current != nil {
		current.cacheHits.Inc()
	}
}

// RecordCacheMiss counts one object-store cache miss.
func RecordCacheMiss() {
	if current != nil {
		current.cacheMisses.Inc()
	}
}

// RecordCacheEviction counts one object evicted from the cache.
func RecordCacheEviction() {
	if current != nil {
		current.cacheEvictions.Inc()
	}
}

// RecordBackendRetry counts one retried operation against a named
// backend.
func RecordBackendRetry(backend string) {
	if current != nil {
		current.backendRetries.WithLabelValues(backend).Inc()
	}
}

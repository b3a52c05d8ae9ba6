// metrics.go — Prometheus HTTP метрики EZID.
// Регистрирует метрики: ezid_http_requests_total, ezid_http_request_duration_seconds.
package middleware

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// HTTP метрики
var (
	// httpRequestsTotal — общее количество HTTP-запросов.
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ezid_http_requests_total",
			Help: "Общее количество HTTP-запросов к EZID",
		},
		[]string{"method", "path", "status"},
	)

	// httpRequestDuration — гистограмма длительности HTTP-запросов.
	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ezid_http_request_duration_seconds",
			Help:    "Длительность HTTP-запросов к EZID в секундах",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)
)

// MetricsMiddleware возвращает HTTP middleware для сбора Prometheus метрик.
func MetricsMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			normalizedPath := normalizePath(r.URL.Path)

			wrapped := newResponseWriter(w)
			next.ServeHTTP(wrapped, r)

			status := strconv.Itoa(wrapped.statusCode)
			httpRequestsTotal.WithLabelValues(r.Method, normalizedPath, status).Inc()
			httpRequestDuration.WithLabelValues(r.Method, normalizedPath).Observe(time.Since(start).Seconds())
		})
	}
}

// normalizePath заменяет идентификаторы, плечи и имена файлов в пути
// шаблонами, чтобы кардинальность лейбла path оставалась ограниченной.
// /id/ark:/99999/fk4abc → /id/{id}
func normalizePath(path string) string {
	switch path {
	case "/health/live", "/health/ready", "/metrics",
		"/download_request", "/admin/pause", "/admin/status":
		return path
	}

	prefixes := []struct {
		prefix string
		result string
	}{
		{"/id/", "/id/{id}"},
		{"/shoulder/", "/shoulder/{shoulder}"},
		{"/s3_download/", "/s3_download/{name}"},
	}
	for _, p := range prefixes {
		if strings.HasPrefix(path, p.prefix) {
			return p.result
		}
	}
	return "other"
}

package httpapi

import (
	"net"
	"net/http"
	"strings"
	"time"

	"pkt.systems/codeyard/internal/metrics"
	"pkt.systems/pslog"
)

// statusWriter remembers the status and body size written through it.
type statusWriter struct {
	http.ResponseWriter
	status  int
	written int64
}

func (w *statusWriter) WriteHeader(status int) {
	if w.status == 0 {
		w.status = status
	}
	w.ResponseWriter.WriteHeader(status)
}

func (w *statusWriter) Write(p []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	n, err := w.ResponseWriter.Write(p)
	w.written += int64(n)
	return n, err
}

// Flush keeps SSE streaming working through the wrapper.
func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (w *statusWriter) Unwrap() http.ResponseWriter { return w.ResponseWriter }

// withRequestLogging logs each request and records it under its route
// pattern, so path parameters do not explode metric cardinality.
func withRequestLogging(next http.Handler, m *metrics.Metrics) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w}
		next.ServeHTTP(sw, r)
		if sw.status == 0 {
			sw.status = http.StatusOK
		}
		elapsed := time.Since(start)
		route := routeOf(r)
		m.RecordHTTPRequest(r.Method, route, sw.status, elapsed)

		log := pslog.Ctx(r.Context()).With("remote", clientIP(r))
		if ws := r.PathValue("ws"); ws != "" {
			log = log.With("workspace", ws)
		}
		fields := []any{"method", r.Method, "path", r.URL.RequestURI(), "status", sw.status, "bytes", sw.written, "duration_ms", elapsed.Milliseconds()}
		if sw.status >= http.StatusInternalServerError {
			log.Warn("http request", fields...)
		} else {
			log.Info("http request", fields...)
		}
		log.Debug("http request details", "route", route, "ua", r.UserAgent())
	})
}

// routeOf returns the matched mux pattern without its method prefix.
func routeOf(r *http.Request) string {
	if r.Pattern == "" {
		return "unmatched"
	}
	if _, rest, ok := strings.Cut(r.Pattern, " "); ok {
		return rest
	}
	return r.Pattern
}

// clientIP prefers the first X-Forwarded-For hop, then the peer address
// without its port.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

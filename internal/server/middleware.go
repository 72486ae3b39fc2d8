package server

import (
	"bufio"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	cmap "github.com/orcaman/concurrent-map/v2"
	"golang.org/x/time/rate"

	"github.com/omochice/ironwire/internal/telemetry/logger"
)

// HeaderRequestID carries the request id in both directions.
const HeaderRequestID = "X-Request-ID"

// Middleware wraps an http.Handler with additional functionality.
type Middleware func(http.Handler) http.Handler

// Chain applies middlewares so that the first one handles the request first.
func Chain(h http.Handler, middlewares ...Middleware) http.Handler {
	for i := len(middlewares) - 1; i >= 0; i-- {
		h = middlewares[i](h)
	}
	return h
}

// RequestID propagates an incoming X-Request-ID or generates a new one.
func RequestID() Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := r.Header.Get(HeaderRequestID)
			if id == "" {
				id = uuid.NewString()
			}
			w.Header().Set(HeaderRequestID, id)
			next.ServeHTTP(w, r.WithContext(logger.WithRequestID(r.Context(), id)))
		})
	}
}

// Recover turns a handler panic into a 500 response.
func Recover(l *slog.Logger) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if err := recover(); err != nil {
					if err == http.ErrAbortHandler {
						panic(err)
					}
					logger.FromContext(r.Context(), l).Error("panic recovered",
						slog.Any("error", err),
						slog.String("path", r.URL.Path))
					writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal server error"})
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// RequestRecorder receives one call per completed request.
type RequestRecorder interface {
	RecordRequest(route string, code int)
}

// Instrument logs and counts every request under the given route label.
func Instrument(route string, rec RequestRecorder, l *slog.Logger) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			wrapped := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(wrapped, r)

			if rec != nil {
				rec.RecordRequest(route, wrapped.status)
			}
			attrs := []any{
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", wrapped.status),
				slog.Int64("duration_ms", time.Since(start).Milliseconds()),
				slog.String("client_ip", clientIP(r)),
			}
			log := logger.FromContext(r.Context(), l)
			switch {
			case wrapped.status >= 500:
				log.Error("request completed with error", attrs...)
			case wrapped.status >= 400:
				log.Warn("request completed with client error", attrs...)
			default:
				log.Debug("request completed", attrs...)
			}
		})
	}
}

// RateLimit allows each client IP r requests per second with the given burst.
// A non-positive r disables limiting. Limiters idle long enough to refill
// their burst are dropped.
func RateLimit(r float64, burst int) Middleware {
	if r <= 0 {
		return func(next http.Handler) http.Handler { return next }
	}
	set := newLimiterSet(r, burst, time.Now)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			if !set.allow(clientIP(req)) {
				w.Header().Set("Retry-After", "1")
				writeJSON(w, http.StatusTooManyRequests, errorResponse{Error: "too many requests"})
				return
			}
			next.ServeHTTP(w, req)
		})
	}
}

// minLimiterIdle bounds how often the limiter set is swept.
const minLimiterIdle = time.Minute

type limiterEntry struct {
	lim      *rate.Limiter
	lastSeen atomic.Int64
}

type limiterSet struct {
	r     rate.Limit
	burst int
	idle  time.Duration
	now   func() time.Time

	entries   cmap.ConcurrentMap[string, *limiterEntry]
	lastSweep atomic.Int64
}

func newLimiterSet(r float64, burst int, now func() time.Time) *limiterSet {
	if burst < 1 {
		burst = 1
	}
	// A limiter untouched for burst/r is full again, so forgetting it is
	// indistinguishable from keeping it.
	idle := time.Duration(float64(burst) / r * float64(time.Second))
	if idle < minLimiterIdle {
		idle = minLimiterIdle
	}
	s := &limiterSet{
		r:       rate.Limit(r),
		burst:   burst,
		idle:    idle,
		now:     now,
		entries: cmap.New[*limiterEntry](),
	}
	s.lastSweep.Store(now().UnixNano())
	return s
}

func (s *limiterSet) allow(key string) bool {
	now := s.now()
	s.sweep(now)

	e := s.entries.Upsert(key, nil, func(exist bool, old, _ *limiterEntry) *limiterEntry {
		if exist {
			return old
		}
		return &limiterEntry{lim: rate.NewLimiter(s.r, s.burst)}
	})
	e.lastSeen.Store(now.UnixNano())
	return e.lim.AllowN(now, 1)
}

// sweep removes idle entries at most once per idle window.
func (s *limiterSet) sweep(now time.Time) {
	last := s.lastSweep.Load()
	if now.UnixNano()-last < int64(s.idle) || !s.lastSweep.CompareAndSwap(last, now.UnixNano()) {
		return
	}
	cutoff := now.Add(-s.idle).UnixNano()
	var stale []string
	s.entries.IterCb(func(key string, e *limiterEntry) {
		if e.lastSeen.Load() < cutoff {
			stale = append(stale, key)
		}
	})
	for _, key := range stale {
		s.entries.RemoveCb(key, func(_ string, e *limiterEntry, exists bool) bool {
			return exists && e.lastSeen.Load() < cutoff
		})
	}
}

func (s *limiterSet) len() int {
	return s.entries.Count()
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// statusRecorder captures the response status. It forwards Hijack so the
// websocket upgrade still works behind Instrument.
type statusRecorder struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (w *statusRecorder) WriteHeader(code int) {
	if !w.wroteHeader {
		w.status = code
		w.wroteHeader = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusRecorder) Write(b []byte) (int, error) {
	w.wroteHeader = true
	return w.ResponseWriter.Write(b)
}

func (w *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("server: response writer does not support hijacking")
	}
	conn, rw, err := hj.Hijack()
	if err == nil {
		w.status = http.StatusSwitchingProtocols
		w.wroteHeader = true
	}
	return conn, rw, err
}

func (w *statusRecorder) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (w *statusRecorder) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

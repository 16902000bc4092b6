package node

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"meshledger/internal/ledger"
	"meshledger/internal/util"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/hashicorp/go-version"
	log "github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

const (
	HeaderRequestID  = "X-Request-ID"
	HeaderAPIVersion = "X-Api-Version"

	// DefaultMaxBodyBytes bounds request bodies on mutating routes
	DefaultMaxBodyBytes = 64 << 10
)

var (
	ErrRateLimited        = errors.New("rate-limited")
	ErrUnsupportedVersion = errors.New("unsupported-api-version")
	ErrPayloadTooLarge    = errors.New("payload-too-large")
	ErrBadRequest         = errors.New("bad-request")
)

type contextKey string

const (
	requestIDKey contextKey = "requestID"
	callerKey    contextKey = "caller"
)

// RequestID returns the request ID stored in ctx
func RequestID(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey).(string); ok {
		return id
	}
	return ""
}

// Caller returns the authenticated caller stored in ctx
func Caller(ctx context.Context) (ledger.Address, bool) {
	addr, ok := ctx.Value(callerKey).(ledger.Address)
	return addr, ok
}

// RateLimiter keeps a token bucket per key. Keys are caller addresses on
// signed routes and client IPs elsewhere.
type RateLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	rate     rate.Limit
	burst    int
}

// NewRateLimiter creates a limiter allowing perSecond requests per key
func NewRateLimiter(perSecond float64, burst int) *RateLimiter {
	return &RateLimiter{
		limiters: make(map[string]*rate.Limiter),
		rate:     rate.Limit(perSecond),
		burst:    burst,
	}
}

// Allow consumes a token for key
func (rl *RateLimiter) Allow(key string) bool {
	rl.mu.Lock()
	l, ok := rl.limiters[key]
	if !ok {
		l = rate.NewLimiter(rl.rate, rl.burst)
		rl.limiters[key] = l
	}
	rl.mu.Unlock()
	return l.Allow()
}

// requestIDMiddleware tags every request with an ID, keeping one supplied by
// the client
func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(HeaderRequestID)
		if id == "" {
			id = uuid.New().String()
		}
		w.Header().Set(HeaderRequestID, id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey, id)))
	})
}

// versionMiddleware rejects requests whose X-Api-Version falls outside the
// served constraint. Requests without the header are accepted.
func versionMiddleware(served string, constraint version.Constraints) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if served != "" {
				w.Header().Set(HeaderAPIVersion, served)
			}
			if h := r.Header.Get(HeaderAPIVersion); h != "" && constraint != nil {
				v, err := version.NewVersion(h)
				if err != nil || !constraint.Check(v) {
					writeError(w, r, http.StatusBadRequest, ErrUnsupportedVersion)
					return
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}

// metricsMiddleware records request latency per route template
func metricsMiddleware(m *Metrics) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			wrapped := &statusResponseWriter{ResponseWriter: w, statusCode: http.StatusOK}

			next.ServeHTTP(wrapped, r)

			route := r.URL.Path
			if cur := mux.CurrentRoute(r); cur != nil {
				if tpl, err := cur.GetPathTemplate(); err == nil {
					route = tpl
				}
			}
			status := strconv.Itoa(wrapped.statusCode)
			if m != nil {
				m.RequestLatency.WithLabelValues(route, r.Method, status).Observe(time.Since(start).Seconds())
			}
			log.WithFields(log.Fields{
				"request_id": RequestID(r.Context()),
				"method":     r.Method,
				"route":      route,
				"status":     status,
				"duration":   time.Since(start),
			}).Debug("Handled request")
		})
	}
}

// statusResponseWriter wraps http.ResponseWriter to capture status code
type statusResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (w *statusResponseWriter) WriteHeader(code int) {
	w.statusCode = code
	w.ResponseWriter.WriteHeader(code)
}

// Hijack lets the websocket upgrader take over the connection
func (w *statusResponseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	w.statusCode = http.StatusSwitchingProtocols
	return h.Hijack()
}

// throttled applies the per-IP limit to unauthenticated routes
func (a *API) throttled(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !a.limiter.Allow("ip:" + util.GetRemoteIP(r)) {
			writeError(w, r, http.StatusTooManyRequests, ErrRateLimited)
			return
		}
		h(w, r)
	}
}

// signed authenticates the request signature, stores the caller in the
// request context and applies the per-caller limit. The body is buffered so
// handlers can decode it after verification.
func (a *API) signed(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, a.maxBody))
		if err != nil {
			var maxBytesErr *http.MaxBytesError
			if errors.As(err, &maxBytesErr) {
				writeError(w, r, http.StatusRequestEntityTooLarge, ErrPayloadTooLarge)
				return
			}
			writeError(w, r, http.StatusBadRequest, ErrBadRequest)
			return
		}
		r.Body = io.NopCloser(bytes.NewReader(body))

		caller, err := a.verifier.Verify(r, body)
		if err != nil {
			a.log.WithFields(log.Fields{
				"request_id": RequestID(r.Context()),
				"remote":     util.GetRemoteIP(r),
			}).WithError(err).Debug("Rejected request signature")
			writeError(w, r, http.StatusUnauthorized, err)
			return
		}
		if !a.limiter.Allow("caller:" + string(caller)) {
			writeError(w, r, http.StatusTooManyRequests, ErrRateLimited)
			return
		}
		h(w, r.WithContext(context.WithValue(r.Context(), callerKey, caller)))
	}
}

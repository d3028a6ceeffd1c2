package transport

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/pitabwire/pravasi/internal/config"
	"github.com/pitabwire/pravasi/internal/observability"
	"github.com/pitabwire/pravasi/model"
)

// Request headers understood by the API.
const (
	HeaderCorrelationID  = "X-Correlation-Id"
	HeaderActorID        = "X-Actor-Id"
	HeaderActorRoles     = "X-Actor-Roles"
	HeaderIdempotencyKey = "Idempotency-Key"
)

// maxCorrelationIDLen bounds caller-supplied correlation IDs; longer or
// non-printable values are replaced.
const maxCorrelationIDLen = 128

type correlationIDKey struct{}

// CorrelationIDFrom returns the request's correlation ID.
func CorrelationIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(correlationIDKey{}).(string)
	return id
}

// Recovery turns a handler panic into a 500 envelope. The panic is logged
// with its stack and the correlation ID so it can be matched to the caller.
func Recovery(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				rec := recover()
				if rec == nil {
					return
				}
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				logger.Error("handler panicked",
					zap.Any("panic", rec),
					zap.String("method", r.Method),
					zap.String("path", r.URL.Path),
					zap.String("correlation_id", CorrelationIDFrom(r.Context())),
					zap.Stack("stack"),
				)
				WriteError(w, r, model.NewInternalError())
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// corsPolicy holds the response headers sent to an allowed origin.
type corsPolicy struct {
	origins map[string]struct{}
	headers map[string]string
}

func newCORSPolicy(cfg config.CORSConfig) corsPolicy {
	p := corsPolicy{
		origins: make(map[string]struct{}, len(cfg.AllowedOrigins)),
		headers: map[string]string{
			"Access-Control-Allow-Methods":  strings.Join(cfg.AllowedMethods, ", "),
			"Access-Control-Allow-Headers":  strings.Join(cfg.AllowedHeaders, ", "),
			"Access-Control-Max-Age":        strconv.Itoa(cfg.MaxAge),
			"Access-Control-Expose-Headers": HeaderCorrelationID,
		},
	}
	for _, o := range cfg.AllowedOrigins {
		p.origins[o] = struct{}{}
	}
	return p
}

func (p corsPolicy) allows(origin string) bool {
	_, ok := p.origins[origin]
	return origin != "" && ok
}

// CORS answers preflight requests and decorates responses for the
// configured operator console origins.
func CORS(cfg config.CORSConfig) func(http.Handler) http.Handler {
	policy := newCORSPolicy(cfg)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			if policy.allows(origin) {
				h := w.Header()
				h.Set("Access-Control-Allow-Origin", origin)
				for k, v := range policy.headers {
					h.Set(k, v)
				}
				h.Add("Vary", "Origin")
			}
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RequestID keeps a usable inbound X-Correlation-Id or mints a UUID, then
// echoes it on the response.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(HeaderCorrelationID)
		if !usableCorrelationID(id) {
			id = uuid.NewString()
		}
		w.Header().Set(HeaderCorrelationID, id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), correlationIDKey{}, id)))
	})
}

func usableCorrelationID(id string) bool {
	if id == "" || len(id) > maxCorrelationIDLen {
		return false
	}
	for i := 0; i < len(id); i++ {
		if id[i] < 0x21 || id[i] > 0x7e {
			return false
		}
	}
	return true
}

var securityHeaders = [][2]string{
	{"Strict-Transport-Security", "max-age=31536000; includeSubDomains"},
	{"X-Content-Type-Options", "nosniff"},
	{"X-Frame-Options", "DENY"},
	{"Cache-Control", "no-store"},
	{"Referrer-Policy", "no-referrer"},
}

// SecurityHeaders marks every response as non-cacheable and non-embeddable.
// Entity payloads carry personal data.
func SecurityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		for _, kv := range securityHeaders {
			w.Header().Set(kv[0], kv[1])
		}
		next.ServeHTTP(w, r)
	})
}

// BuildRequestContext constructs a model.RequestContext from the actor
// headers set by the upstream gateway. Authentication happens there.
func BuildRequestContext(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rctx := &model.RequestContext{
			ActorID:       strings.TrimSpace(r.Header.Get(HeaderActorID)),
			Roles:         splitList(r.Header.Get(HeaderActorRoles)),
			CorrelationID: CorrelationIDFrom(r.Context()),
			TraceID:       observability.TraceIDFromContext(r.Context()),
		}
		ctx := model.WithRequestContext(r.Context(), rctx)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// StampRequestTime pins the time the request is evaluated at, so every
// clock and history entry written by one request agrees on "now".
func StampRequestTime(now func() time.Time) func(http.Handler) http.Handler {
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := model.WithRequestTime(r.Context(), now())
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// HandlerTimeout bounds each request's context. Non-positive durations
// disable it.
func HandlerTimeout(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if d <= 0 {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, cancel := context.WithTimeout(r.Context(), d)
			defer cancel()
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequestLogging stores logger in the request context and writes one access
// line per request. Client errors log at warn and server errors at error.
func RequestLogging(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := &accessRecorder{ResponseWriter: w, status: http.StatusOK}
			ctx := observability.WithLogger(r.Context(), logger)
			next.ServeHTTP(ww, r.WithContext(ctx))

			if ce := observability.RequestLogger(ctx, logger).Check(accessLevel(ww.status), "request"); ce != nil {
				ce.Write(
					zap.String("method", r.Method),
					zap.String("path", r.URL.Path),
					zap.Int("status", ww.status),
					zap.Int("bytes", ww.bytes),
					zap.Duration("duration", time.Since(start)),
				)
			}
		})
	}
}

func accessLevel(status int) zapcore.Level {
	switch {
	case status >= http.StatusInternalServerError:
		return zapcore.ErrorLevel
	case status >= http.StatusBadRequest:
		return zapcore.WarnLevel
	default:
		return zapcore.InfoLevel
	}
}

// accessRecorder captures the status and body size of a response.
type accessRecorder struct {
	http.ResponseWriter
	status  int
	bytes   int
	written bool
}

func (w *accessRecorder) WriteHeader(code int) {
	if !w.written {
		w.status = code
		w.written = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *accessRecorder) Write(b []byte) (int, error) {
	w.written = true
	n, err := w.ResponseWriter.Write(b)
	w.bytes += n
	return n, err
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

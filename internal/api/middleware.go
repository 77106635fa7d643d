package api

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	syncpkg "github.com/syncular/syncd/internal/sync"
)

type contextKey int

const (
	ctxKeyAuth contextKey = iota
	ctxKeyRequestID
	ctxKeyLogger
)

// authFromContext returns the authenticated actor from the request
// context, or nil.
func authFromContext(ctx context.Context) *syncpkg.Auth {
	a, _ := ctx.Value(ctxKeyAuth).(*syncpkg.Auth)
	return a
}

// getRequestID returns the request ID from the context.
func getRequestID(ctx context.Context) string {
	id, _ := ctx.Value(ctxKeyRequestID).(string)
	return id
}

// logFor returns the context-scoped logger, falling back to the default
// logger.
func logFor(ctx context.Context) *slog.Logger {
	if l, ok := ctx.Value(ctxKeyLogger).(*slog.Logger); ok {
		return l
	}
	return slog.Default()
}

// chain applies middlewares right to left so the first listed runs first.
func chain(h http.Handler, middlewares ...func(http.Handler) http.Handler) http.Handler {
	for i := len(middlewares) - 1; i >= 0; i-- {
		h = middlewares[i](h)
	}
	return h
}

// generateRequestID creates a random hex string for request tracing.
func generateRequestID() string {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "unknown"
	}
	return hex.EncodeToString(b)
}

// requestIDMiddleware generates a unique request ID and adds it to the
// context and response headers.
func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := generateRequestID()
		w.Header().Set("X-Request-ID", id)
		ctx := context.WithValue(r.Context(), ctxKeyRequestID, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// loggerMiddleware creates a per-request logger with the request ID and
// stores it in the context.
func loggerMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		l := slog.Default().With("rid", getRequestID(r.Context()))
		ctx := context.WithValue(r.Context(), ctxKeyLogger, l)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// statusCapture wraps ResponseWriter to capture the status code.
type statusCapture struct {
	http.ResponseWriter
	code int
}

func (sc *statusCapture) WriteHeader(code int) {
	sc.code = code
	sc.ResponseWriter.WriteHeader(code)
}

// Hijack passes through to the underlying writer so websocket upgrades
// work behind the metrics and logging wrappers.
func (sc *statusCapture) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := sc.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	return h.Hijack()
}

// metricsMiddleware records request counts and categorizes response
// status codes.
func metricsMiddleware(m *Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			m.RecordRequest()
			sc := &statusCapture{ResponseWriter: w, code: http.StatusOK}
			next.ServeHTTP(sc, r)
			switch {
			case sc.code >= 500:
				m.RecordError()
			case sc.code >= 400:
				m.RecordClientError()
			}
		})
	}
}

// recoveryMiddleware catches panics and returns a 500 response.
func recoveryMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				logFor(r.Context()).Error("panic recovered", "panic", rec, "path", r.URL.Path)
				writeError(w, r, http.StatusInternalServerError, "internal_error", "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// loggingMiddleware logs each request with method, path, status, and
// duration.
func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sc := &statusCapture{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(sc, r)
		logFor(r.Context()).Info("req",
			"method", r.Method,
			"path", r.URL.Path,
			"status", sc.code,
			"dur", time.Since(start).String(),
		)
	})
}

// maxBytesMiddleware limits request body size to prevent abuse.
func maxBytesMiddleware(maxBytes int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
			next.ServeHTTP(w, r)
		})
	}
}

// requireAuth verifies the request through the server's authenticator and
// injects the resulting Auth (actor + partition) into the context.
func (s *Server) requireAuth(handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		auth, err := s.authenticate(r)
		if err != nil {
			logFor(r.Context()).Error("authenticate", "err", err)
			writeError(w, r, http.StatusInternalServerError, "internal_error", "authentication failed")
			return
		}
		if auth == nil {
			writeError(w, r, http.StatusUnauthorized, "unauthorized", "missing or invalid credentials")
			return
		}

		// Request-supplied partition wins; an api-key-bound partition is
		// the fallback, then the default.
		if p := requestPartition(r, s.config.PartitionHeader); p != "" {
			auth.PartitionID = p
		} else if auth.PartitionID == "" {
			auth.PartitionID = DefaultPartition
		} else {
			auth.PartitionID = SanitizePartition(auth.PartitionID)
		}

		ctx := context.WithValue(r.Context(), ctxKeyAuth, auth)
		ctx = context.WithValue(ctx, ctxKeyLogger,
			logFor(ctx).With("uid", auth.ActorID, "pid", auth.PartitionID))
		handler(w, r.WithContext(ctx))
	}
}

// authenticate runs the host-provided callback, falling back to api-key
// verification against the console store.
func (s *Server) authenticate(r *http.Request) (*syncpkg.Auth, error) {
	if s.authFn != nil {
		return s.authFn(r)
	}

	authHeader := r.Header.Get("Authorization")
	token := ""
	if strings.HasPrefix(authHeader, "Bearer ") {
		token = strings.TrimPrefix(authHeader, "Bearer ")
	} else if v := r.URL.Query().Get("api_key"); v != "" {
		// Browser websocket clients cannot set headers.
		token = v
	}
	if token == "" || s.console == nil {
		return nil, nil
	}

	ak, err := s.console.VerifyAPIKey(token)
	if err != nil {
		return nil, err
	}
	if ak == nil {
		return nil, nil
	}
	return &syncpkg.Auth{ActorID: ak.ActorID, PartitionID: ak.PartitionID}, nil
}

// requireAdminScope checks the api key carries the admin scope. Only used
// for eviction and console endpoints.
func (s *Server) requireAdminScope(handler http.HandlerFunc) http.HandlerFunc {
	return s.requireAuth(func(w http.ResponseWriter, r *http.Request) {
		if s.console == nil {
			writeError(w, r, http.StatusForbidden, "forbidden", "admin surface disabled")
			return
		}
		authHeader := r.Header.Get("Authorization")
		token := strings.TrimPrefix(authHeader, "Bearer ")
		ak, err := s.console.VerifyAPIKey(token)
		if err != nil || ak == nil {
			writeError(w, r, http.StatusForbidden, "forbidden", "admin scope required")
			return
		}
		if !hasScope(ak.Scopes, "admin") {
			writeError(w, r, http.StatusForbidden, "forbidden", "admin scope required")
			return
		}
		handler(w, r)
	})
}

func hasScope(scopes, want string) bool {
	for _, s := range strings.Split(scopes, ",") {
		if strings.TrimSpace(s) == want {
			return true
		}
	}
	return false
}

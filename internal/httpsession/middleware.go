// Package httpsession binds session managers to HTTP requests: it resolves
// the session cookie, creates sessions on demand, keeps the cookie in step
// with renewal and invalidation, and writes sessions back when the handler
// returns.
package httpsession

import (
	"context"
	"errors"
	"hash/fnv"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/whisper/kvsessions/internal/metrics"
	"github.com/whisper/kvsessions/internal/ratelimit"
	"github.com/whisper/kvsessions/internal/session"
)

type contextKey struct{}

// FromContext returns the session attached by Middleware.
func FromContext(ctx context.Context) (*session.Session, bool) {
	s, ok := ctx.Value(contextKey{}).(*session.Session)
	return s, ok
}

// Limiter throttles session creation. *ratelimit.Limiter implements it.
type Limiter interface {
	Allow(ctx context.Context, identifier string, rule ratelimit.Rule) (bool, error)
}

// Option configures a Middleware.
type Option func(*Middleware)

func WithCookie(opts CookieOptions) Option {
	return func(mw *Middleware) { mw.cookie = opts }
}

// WithLimiter enables per-client throttling of session creation.
func WithLimiter(l Limiter, rule ratelimit.Rule) Option {
	return func(mw *Middleware) {
		mw.limiter = l
		mw.rule = rule
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(mw *Middleware) { mw.logger = l }
}

// Middleware attaches a session of one context to every request.
type Middleware struct {
	mgr     *session.Manager
	cookie  CookieOptions
	limiter Limiter
	rule    ratelimit.Rule
	logger  *slog.Logger
}

// New returns a Middleware for mgr. The cookie path defaults to the
// manager's context path.
func New(mgr *session.Manager, opts ...Option) *Middleware {
	mw := &Middleware{mgr: mgr, logger: slog.Default()}
	for _, opt := range opts {
		opt(mw)
	}
	if mw.cookie.Path == "" {
		mw.cookie.Path = mgr.Name()
	}
	mw.cookie = mw.cookie.normalize()
	mw.logger = mw.logger.With("component", "httpsession", "context", mgr.Name())
	return mw
}

// Wrap returns next with a session attached to every request.
func (mw *Middleware) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		sent := ReadCookie(r, mw.cookie)

		s, err := mw.resolve(ctx, r, sent)
		if err != nil {
			if errors.Is(err, errRateLimited) {
				w.Header().Set("Retry-After", strconv.Itoa(int(mw.rule.Window/time.Second)))
				http.Error(w, "too many new sessions", http.StatusTooManyRequests)
				return
			}
			mw.logger.Error("session unavailable", "error", err)
			http.Error(w, "session unavailable", http.StatusServiceUnavailable)
			return
		}

		rw := &responseWriter{ResponseWriter: w, onHeader: func() { mw.syncCookie(w, s, sent) }}
		next.ServeHTTP(rw, r.WithContext(context.WithValue(ctx, contextKey{}, s)))
		rw.flushCookie()

		if err := mw.mgr.Complete(context.WithoutCancel(ctx), s); err != nil {
			mw.logger.Warn("session write-back failed", "session_id", s.ID(), "error", err)
		}
	})
}

var errRateLimited = errors.New("httpsession: rate limited")

func (mw *Middleware) resolve(ctx context.Context, r *http.Request, sent string) (*session.Session, error) {
	if sent != "" {
		s, err := mw.mgr.Get(ctx, mw.mgr.ClusterID(sent))
		if err == nil {
			return s, nil
		}
		if !errors.Is(err, session.ErrSessionNotFound) {
			return nil, err
		}
	}

	if mw.limiter != nil {
		ok, err := mw.limiter.Allow(ctx, clientIP(r), mw.rule)
		if err != nil {
			mw.logger.Warn("rate limiter unavailable", "error", err)
		}
		if !ok {
			metrics.RateLimitedTotal.Inc()
			return nil, errRateLimited
		}
	}
	return mw.mgr.Create(ctx, requestSeed(r))
}

// syncCookie brings the client cookie in line with the session state. It
// runs once, before the response header is written.
func (mw *Middleware) syncCookie(w http.ResponseWriter, s *session.Session, sent string) {
	if !s.IsValid() {
		if sent != "" {
			ClearCookie(w, mw.cookie)
		}
		return
	}
	if id := s.NodeID(); id != sent {
		SetCookie(w, id, time.Time{}, mw.cookie)
	}
}

// requestSeed mixes the client address into the clock for id generation.
func requestSeed(r *http.Request) int64 {
	h := fnv.New64a()
	h.Write([]byte(r.RemoteAddr))
	h.Write([]byte(r.UserAgent()))
	return time.Now().UnixNano() ^ int64(h.Sum64())
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// responseWriter runs onHeader once before the first header write, so that
// cookie changes made by the handler still reach the client.
type responseWriter struct {
	http.ResponseWriter
	once     sync.Once
	onHeader func()
}

func (rw *responseWriter) flushCookie() {
	rw.once.Do(rw.onHeader)
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.flushCookie()
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	rw.flushCookie()
	return rw.ResponseWriter.Write(b)
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

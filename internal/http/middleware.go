package http

import (
	"bytes"
	"context"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/robertarktes/campus-ticket-payments/internal/domain"
	"github.com/robertarktes/campus-ticket-payments/internal/idempotency"
	"github.com/robertarktes/campus-ticket-payments/internal/observability"
	"github.com/robertarktes/campus-ticket-payments/internal/rateLimit"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
)

// Identity is the authenticated caller taken from the bearer token.
type Identity struct {
	BuyerID uuid.UUID
	Role    string
}

type identityKey struct{}

func withIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

// IdentityFrom returns the caller set by the JWT middleware.
func IdentityFrom(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(identityKey{}).(Identity)
	return id, ok
}

// LoggerMiddleware attaches a request-scoped logger carrying the chi request
// id, logs completion and counts requests by route pattern.
func LoggerMiddleware(logger observability.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			entry := logger.WithField("request_id", middleware.GetReqID(r.Context()))
			ctx := observability.WithLogger(r.Context(), entry)
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r.WithContext(ctx))

			route := r.URL.Path
			if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
				route = rctx.RoutePattern()
			}
			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			observability.RequestsTotal.WithLabelValues(route, strconv.Itoa(status), r.Method).Inc()
			entry.WithFields(map[string]interface{}{
				"method":      r.Method,
				"route":       route,
				"status":      status,
				"duration_ms": time.Since(start).Milliseconds(),
			}).Info("request completed")
		})
	}
}

func TracingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := otel.GetTextMapPropagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header))
		tracer := otel.Tracer("http")
		ctx, span := tracer.Start(ctx, r.Method+" "+r.URL.Path)
		defer span.End()

		span.SetAttributes(
			attribute.String("http.method", r.Method),
			attribute.String("http.url", r.URL.String()),
			attribute.String("http.request_id", middleware.GetReqID(r.Context())),
		)

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// JWTMiddleware verifies an HS256 bearer token. The sub claim must be the
// buyer's UUID; role is optional.
func JWTMiddleware(secret []byte) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if !ok || raw == "" {
				writeProblem(w, http.StatusUnauthorized, codeUnauthorized, "missing bearer token")
				return
			}
			claims := jwt.MapClaims{}
			tok, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (interface{}, error) {
				return secret, nil
			}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
			if err != nil || !tok.Valid {
				writeProblem(w, http.StatusUnauthorized, codeUnauthorized, "invalid token")
				return
			}
			sub, err := claims.GetSubject()
			if err != nil {
				writeProblem(w, http.StatusUnauthorized, codeUnauthorized, "invalid token subject")
				return
			}
			buyerID, err := uuid.Parse(sub)
			if err != nil {
				writeProblem(w, http.StatusUnauthorized, codeUnauthorized, "invalid token subject")
				return
			}
			role, _ := claims["role"].(string)

			next.ServeHTTP(w, r.WithContext(withIdentity(r.Context(), Identity{BuyerID: buyerID, Role: role})))
		})
	}
}

// RequireRole rejects callers whose role claim is not one of roles.
func RequireRole(roles ...string) func(next http.Handler) http.Handler {
	allowed := make(map[string]bool, len(roles))
	for _, r := range roles {
		allowed[r] = true
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id, ok := IdentityFrom(r.Context())
			if !ok || !allowed[id.Role] {
				writeProblem(w, http.StatusForbidden, codeForbidden, "forbidden")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

type RateLimits struct {
	PerBuyer int
	PerIP    int
	Period   time.Duration
}

// RateLimitMiddleware applies a per-buyer and a per-client-IP window.
func RateLimitMiddleware(rl *rateLimit.RateLimiter, limits RateLimits) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			if id, ok := IdentityFrom(ctx); ok && !rl.Allow(ctx, "buyer:"+id.BuyerID.String(), limits.PerBuyer, limits.Period) {
				writeProblem(w, http.StatusTooManyRequests, codeRateLimited, "rate limit exceeded")
				return
			}
			if !rl.Allow(ctx, "ip:"+clientIP(r), limits.PerIP, limits.Period) {
				writeProblem(w, http.StatusTooManyRequests, codeRateLimited, "rate limit exceeded")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

const minIdempotencyKeyLength = 16

// IdempotencyMiddleware replays the stored response for a repeated
// Idempotency-Key from the same buyer and rejects a repeat that arrives while
// the first request is still running. Responses below 500 are stored.
func IdempotencyMiddleware(idemp *idempotency.Idempotency, logger observability.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method != http.MethodPost {
				next.ServeHTTP(w, r)
				return
			}
			clientKey := r.Header.Get("Idempotency-Key")
			if clientKey == "" {
				writeProblem(w, http.StatusBadRequest, domain.CodeValidation, "missing Idempotency-Key")
				return
			}
			if len(clientKey) < minIdempotencyKeyLength {
				writeProblem(w, http.StatusBadRequest, domain.CodeValidation, "invalid Idempotency-Key")
				return
			}
			scope := "anonymous"
			if id, ok := IdentityFrom(r.Context()); ok {
				scope = id.BuyerID.String()
			}
			key := idempotency.Key(scope, r.Method+" "+r.URL.Path+" "+clientKey)
			ctx := r.Context()
			log := observability.LoggerFrom(ctx, logger)

			stored, err := idemp.Get(ctx, key)
			if err != nil {
				log.WithError(err).Warn("idempotency store unavailable, processing without replay")
				next.ServeHTTP(w, r)
				return
			}
			if stored != nil {
				replay(w, stored)
				return
			}

			if err := idemp.Begin(ctx, key); err != nil {
				if errors.Is(err, idempotency.ErrInFlight) {
					writeProblem(w, http.StatusConflict, codeRequestInFlight, err.Error())
					return
				}
				log.WithError(err).Warn("idempotency claim failed, processing without replay")
				next.ServeHTTP(w, r)
				return
			}
			defer func() {
				if err := idemp.End(context.WithoutCancel(ctx), key); err != nil {
					log.WithError(err).Warn("failed to release idempotency claim")
				}
			}()

			// The first request may have stored its response and dropped its
			// claim between our read and our claim.
			if stored, err := idemp.Get(ctx, key); err == nil && stored != nil {
				replay(w, stored)
				return
			}

			rec := &recorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)

			if rec.status >= http.StatusInternalServerError {
				return
			}
			err = idemp.Set(context.WithoutCancel(ctx), key, idempotency.Response{
				Status: rec.status,
				Header: http.Header{"Content-Type": []string{rec.Header().Get("Content-Type")}},
				Result: rec.body.Bytes(),
			})
			if err != nil {
				log.WithError(err).Warn("failed to store idempotent response")
			}
		})
	}
}

func replay(w http.ResponseWriter, resp *idempotency.Response) {
	for k, vs := range resp.Header {
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	w.Header().Set("Idempotent-Replayed", "true")
	w.WriteHeader(resp.Status)
	_, _ = w.Write(resp.Result)
}

// recorder tees the response so it can be stored for replay.
type recorder struct {
	http.ResponseWriter
	status int
	body   bytes.Buffer
}

func (r *recorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (r *recorder) Write(b []byte) (int, error) {
	r.body.Write(b)
	return r.ResponseWriter.Write(b)
}

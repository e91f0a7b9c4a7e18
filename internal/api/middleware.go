package api

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"offer-service/internal/util"

	"github.com/gin-gonic/gin"
	jwt "github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const actorKey = "actor_id"

// Authenticator validates HS256 bearer tokens and exposes the subject as the actor
type Authenticator struct {
	secret    []byte
	issuer    string
	clockSkew time.Duration
	logger    *zap.Logger
}

// NewAuthenticator creates an authenticator for the shared JWT secret
func NewAuthenticator(secret, issuer string) *Authenticator {
	return &Authenticator{
		secret:    []byte(strings.TrimSpace(secret)),
		issuer:    issuer,
		clockSkew: 2 * time.Minute,
		logger:    util.GetLogger(),
	}
}

// Middleware rejects requests without a valid token
func (a *Authenticator) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := extractBearer(c.GetHeader("Authorization"))
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
			return
		}

		subject, err := a.parse(token)
		if err != nil {
			a.logger.Debug("Token validation failed", zap.Error(err))
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}

		c.Set(actorKey, subject)
		c.Next()
	}
}

func (a *Authenticator) parse(tokenString string) (string, error) {
	if len(a.secret) == 0 {
		return "", errors.New("auth secret not configured")
	}

	opts := []jwt.ParserOption{jwt.WithLeeway(a.clockSkew), jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if a.issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.issuer))
	}

	claims := &jwt.RegisteredClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return a.secret, nil
	}, opts...)
	if err != nil {
		return "", err
	}
	if !token.Valid {
		return "", errors.New("token invalid")
	}
	if claims.Subject == "" {
		return "", errors.New("subject missing")
	}
	return claims.Subject, nil
}

func extractBearer(header string) string {
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

func actorID(c *gin.Context) string {
	return c.GetString(actorKey)
}

const visitorIdleTTL = 5 * time.Minute

type rateEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter throttles mutating requests per actor
type RateLimiter struct {
	perSecond rate.Limit
	burst     int
	mu        sync.Mutex
	visitors  map[string]*rateEntry
	lastSweep time.Time
	now       func() time.Time
}

// NewRateLimiter creates a limiter. A non-positive rate disables limiting.
func NewRateLimiter(requestsPerMinute float64, burst int) *RateLimiter {
	if burst <= 0 {
		burst = 1
	}
	return &RateLimiter{
		perSecond: rate.Limit(requestsPerMinute / 60.0),
		burst:     burst,
		visitors:  make(map[string]*rateEntry),
		now:       time.Now,
	}
}

// Middleware must run after authentication
func (r *RateLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if r.perSecond <= 0 {
			c.Next()
			return
		}
		if !r.limiter(actorID(c)).Allow() {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate limit exceeded"})
			return
		}
		c.Next()
	}
}

func (r *RateLimiter) limiter(id string) *rate.Limiter {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	if now.Sub(r.lastSweep) >= visitorIdleTTL {
		r.cleanup(now)
	}

	if e, ok := r.visitors[id]; ok {
		e.lastSeen = now
		return e.limiter
	}
	l := rate.NewLimiter(r.perSecond, r.burst)
	r.visitors[id] = &rateEntry{limiter: l, lastSeen: now}
	return l
}

// cleanup drops actors idle for longer than visitorIdleTTL. Caller holds mu.
func (r *RateLimiter) cleanup(now time.Time) {
	for id, e := range r.visitors {
		if now.Sub(e.lastSeen) > visitorIdleTTL {
			delete(r.visitors, id)
		}
	}
	r.lastSweep = now
}

// prometheusMiddleware collects HTTP metrics
func prometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(c.Writer.Status())
		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}

		util.HTTPRequestDuration.WithLabelValues(c.Request.Method, path, status).Observe(duration)
		util.HTTPRequestsTotal.WithLabelValues(c.Request.Method, path, status).Inc()
	}
}

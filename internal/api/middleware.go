package api

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/edumarket/edumarket-checkout/internal/metrics"
)

const (
	ctxRequestID  = "request_id"
	ctxBuyerID    = "buyer_id"
	ctxBuyerEmail = "buyer_email"
)

// Identity is the authenticated user of a request.
type Identity struct {
	UserID string
	Email  string
}

func identityFrom(c *gin.Context) Identity {
	return Identity{UserID: c.GetString(ctxBuyerID), Email: c.GetString(ctxBuyerEmail)}
}

// CORSMiddleware handles Cross-Origin Resource Sharing for the configured origins.
func CORSMiddleware(allowedOrigins []string) gin.HandlerFunc {
	allowAll := false
	allowed := make(map[string]struct{}, len(allowedOrigins))
	for _, o := range allowedOrigins {
		o = strings.TrimSpace(o)
		if o == "*" {
			allowAll = true
		}
		allowed[o] = struct{}{}
	}

	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		if _, ok := allowed[origin]; ok || allowAll {
			if allowAll {
				c.Header("Access-Control-Allow-Origin", "*")
			} else {
				c.Header("Access-Control-Allow-Origin", origin)
				c.Header("Vary", "Origin")
			}
			c.Header("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Authorization, Idempotency-Key, X-Request-ID")
			c.Header("Access-Control-Expose-Headers", "X-Request-ID, Retry-After")
			c.Header("Access-Control-Max-Age", "86400")
		}

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

// RequestIDMiddleware adds a unique request ID to each request and a logger
// carrying it to the request context.
func RequestIDMiddleware(base zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = uuid.New().String()
		}
		c.Set(ctxRequestID, requestID)
		c.Header("X-Request-ID", requestID)

		l := base.With().Str("request_id", requestID).Logger()
		c.Request = c.Request.WithContext(l.WithContext(c.Request.Context()))
		c.Next()
	}
}

// LoggerMiddleware writes one structured line per request.
func LoggerMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		ev := zerolog.Ctx(c.Request.Context()).Info()
		if status >= http.StatusInternalServerError {
			ev = zerolog.Ctx(c.Request.Context()).Error()
		}
		ev.Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", status).
			Dur("latency", time.Since(start)).
			Str("client_ip", c.ClientIP()).
			Msg("request")
	}
}

// MetricsMiddleware records request latency by route template.
func MetricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		metrics.HTTPRequests.
			WithLabelValues(c.Request.Method, route, strconv.Itoa(c.Writer.Status())).
			Observe(time.Since(start).Seconds())
	}
}

// AuthConfig selects how buyers are identified.
type AuthConfig struct {
	// JWTSecret verifies HS256 bearer tokens issued by the platform.
	JWTSecret string
	// AllowHeaderIdentity trusts X-User-ID and X-User-Email set by an upstream gateway.
	AllowHeaderIdentity bool
}

type userClaims struct {
	Email string `json:"email"`
	jwt.RegisteredClaims
}

// AuthMiddleware requires an authenticated user and stores its identity on the context.
func AuthMiddleware(cfg AuthConfig) gin.HandlerFunc {
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())

	return func(c *gin.Context) {
		id, err := authenticate(c, cfg, parser)
		if err != nil {
			zerolog.Ctx(c.Request.Context()).Debug().Err(err).Msg("authentication failed")
			c.AbortWithStatusJSON(http.StatusUnauthorized, ErrorResponse{
				Success: false,
				Error:   err.Error(),
				Code:    "UNAUTHORIZED",
			})
			return
		}
		c.Set(ctxBuyerID, id.UserID)
		c.Set(ctxBuyerEmail, id.Email)

		l := zerolog.Ctx(c.Request.Context()).With().Str("user_id", id.UserID).Logger()
		c.Request = c.Request.WithContext(l.WithContext(c.Request.Context()))
		c.Next()
	}
}

var (
	errNoCredentials = errors.New("authorization required")
	errInvalidToken  = errors.New("invalid or expired token")
)

func authenticate(c *gin.Context, cfg AuthConfig, parser *jwt.Parser) (Identity, error) {
	if header := c.GetHeader("Authorization"); header != "" && cfg.JWTSecret != "" {
		raw, ok := strings.CutPrefix(header, "Bearer ")
		if !ok {
			return Identity{}, errInvalidToken
		}
		var claims userClaims
		_, err := parser.ParseWithClaims(strings.TrimSpace(raw), &claims, func(*jwt.Token) (any, error) {
			return []byte(cfg.JWTSecret), nil
		})
		if err != nil || claims.Subject == "" {
			return Identity{}, errInvalidToken
		}
		return Identity{UserID: claims.Subject, Email: claims.Email}, nil
	}

	if cfg.AllowHeaderIdentity {
		if userID := strings.TrimSpace(c.GetHeader("X-User-ID")); userID != "" {
			return Identity{UserID: userID, Email: strings.TrimSpace(c.GetHeader("X-User-Email"))}, nil
		}
	}
	return Identity{}, errNoCredentials
}

package middleware

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
)

const (
	OwnerIDKey     = "owner_id"
	AuthMethodKey  = "auth_method"
	APIKeyHeader   = "X-API-Key"
	OwnerIDHeader  = "X-Owner-Id"
	DefaultOwnerID = "default"
)

type AuthConfig struct {
	APIKey    string
	JWTSecret string
}

// Auth accepts either the static API key or an HS256 bearer token. The token
// subject becomes the owner id; API key callers may pick an owner through
// X-Owner-Id.
func Auth(cfg AuthConfig) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()

			if key := req.Header.Get(APIKeyHeader); key != "" {
				if cfg.APIKey == "" || subtle.ConstantTimeCompare([]byte(key), []byte(cfg.APIKey)) != 1 {
					return unauthorized(c, "Invalid API key", "INVALID_API_KEY")
				}
				owner := strings.TrimSpace(req.Header.Get(OwnerIDHeader))
				if owner == "" {
					owner = DefaultOwnerID
				}
				c.Set(OwnerIDKey, owner)
				c.Set(AuthMethodKey, "api_key")
				return next(c)
			}

			authHeader := req.Header.Get(echo.HeaderAuthorization)
			if authHeader == "" {
				return unauthorized(c, "Unauthorized", "UNAUTHORIZED")
			}
			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) != 2 || parts[0] != "Bearer" {
				return unauthorized(c, "Invalid authorization header format", "INVALID_AUTH_HEADER")
			}

			subject, err := ParseToken(parts[1], cfg.JWTSecret)
			if err != nil {
				return unauthorized(c, "Invalid or expired token", "INVALID_TOKEN")
			}
			c.Set(OwnerIDKey, subject)
			c.Set(AuthMethodKey, "jwt")
			return next(c)
		}
	}
}

// ParseToken validates an HS256 token and returns its subject.
func ParseToken(tokenString, secret string) (string, error) {
	if secret == "" {
		return "", errors.New("jwt secret not configured")
	}
	token, err := jwt.ParseWithClaims(tokenString, &jwt.RegisteredClaims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return "", err
	}
	claims, ok := token.Claims.(*jwt.RegisteredClaims)
	if !ok || !token.Valid {
		return "", errors.New("invalid token claims")
	}
	if claims.Subject == "" {
		return "", errors.New("token has no subject")
	}
	return claims.Subject, nil
}

// RequireAPIKey restricts a route to operator (API key) callers.
func RequireAPIKey(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		if method, _ := c.Get(AuthMethodKey).(string); method != "api_key" {
			return c.JSON(http.StatusForbidden, map[string]interface{}{
				"success": false,
				"message": "Operator API key required",
				"error": map[string]string{
					"code": "FORBIDDEN",
				},
			})
		}
		return next(c)
	}
}

// OwnerID returns the owner set by Auth.
func OwnerID(c echo.Context) string {
	if v, ok := c.Get(OwnerIDKey).(string); ok && v != "" {
		return v
	}
	return DefaultOwnerID
}

func unauthorized(c echo.Context, message, code string) error {
	return c.JSON(http.StatusUnauthorized, map[string]interface{}{
		"success": false,
		"message": message,
		"error": map[string]string{
			"code": code,
		},
	})
}

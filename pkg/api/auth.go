package api

import (
	"crypto/subtle"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	echo "github.com/labstack/echo/v5"
)

// loginHandler handles POST /api/v1/auth/login: exchanges static credentials
// for a signed bearer token.
func (s *Server) loginHandler(c *echo.Context) error {
	var req LoginRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.Username == "" || req.Password == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "username and password are required")
	}

	want, ok := s.auth.Users[req.Username]
	if !ok || subtle.ConstantTimeCompare([]byte(want), []byte(req.Password)) != 1 {
		return echo.NewHTTPError(http.StatusUnauthorized, "invalid credentials")
	}

	now := time.Now()
	expiresAt := now.Add(s.auth.TokenExpiry)
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   req.Username,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(expiresAt),
	})
	signed, err := token.SignedString([]byte(s.auth.TokenSecret))
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to sign token")
	}

	return c.JSON(http.StatusOK, &TokenResponse{Token: signed, ExpiresAt: expiresAt})
}

// bearerAuth returns middleware that validates the Authorization bearer token
// and records the authenticated subject on the request context.
// The signing method is pinned to HS256 to prevent algorithm confusion.
func (s *Server) bearerAuth() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c *echo.Context) error {
			header := c.Request().Header.Get("Authorization")
			tokenStr, ok := strings.CutPrefix(header, "Bearer ")
			if !ok || tokenStr == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, "missing bearer token")
			}

			claims := &jwt.RegisteredClaims{}
			token, err := jwt.ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (any, error) {
				if t.Method != jwt.SigningMethodHS256 {
					return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
				}
				return []byte(s.auth.TokenSecret), nil
			})
			if err != nil || !token.Valid {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid or expired token")
			}

			c.Set("subject", claims.Subject)
			return next(c)
		}
	}
}

// extractInitiator returns the authenticated subject for audit metadata,
// falling back to proxy identity headers, then a generic client id.
func extractInitiator(c *echo.Context) string {
	if sub, ok := c.Get("subject").(string); ok && sub != "" {
		return sub
	}
	if user := c.Request().Header.Get("X-Forwarded-User"); user != "" {
		return user
	}
	return "api-client"
}

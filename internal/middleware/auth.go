package middleware

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
)

const (
	ContextUserID = "user_id"
	ContextRole   = "role"

	RoleMember    = "member"
	RoleMaster    = "master"
	RoleFirstmate = "firstmate"
)

// OperatorRoles may run admin actions on any order.
var OperatorRoles = []string{RoleMaster, RoleFirstmate}

type Claims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// AuthMiddleware accepts "Authorization: Bearer <HS256 token>" and puts the
// token subject and role into the echo context.
func AuthMiddleware(secret string) echo.MiddlewareFunc {
	key := []byte(secret)
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			auth := c.Request().Header.Get(echo.HeaderAuthorization)
			parts := strings.Fields(auth)
			if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
				return echo.NewHTTPError(http.StatusUnauthorized, "missing or invalid authorization header")
			}

			claims := &Claims{}
			token, err := jwt.ParseWithClaims(parts[1], claims, func(t *jwt.Token) (any, error) {
				if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
					return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
				}
				return key, nil
			}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
			if err != nil || !token.Valid || claims.Subject == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid token")
			}

			role := claims.Role
			if role == "" {
				role = RoleMember
			}
			c.Set(ContextUserID, claims.Subject)
			c.Set(ContextRole, role)
			return next(c)
		}
	}
}

// RequireRole must run after AuthMiddleware.
func RequireRole(roles ...string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if !HasRole(c, roles...) {
				return echo.NewHTTPError(http.StatusForbidden, "insufficient role")
			}
			return next(c)
		}
	}
}

func HasRole(c echo.Context, roles ...string) bool {
	role, _ := c.Get(ContextRole).(string)
	for _, r := range roles {
		if r == role {
			return true
		}
	}
	return false
}

func UserID(c echo.Context) string {
	id, _ := c.Get(ContextUserID).(string)
	return id
}

// IssueToken signs a token AuthMiddleware accepts.
func IssueToken(secret, userID, role string, ttl time.Duration) (string, error) {
	now := time.Now()
	t := jwt.NewWithClaims(jwt.SigningMethodHS256, &Claims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	})
	return t.SignedString([]byte(secret))
}

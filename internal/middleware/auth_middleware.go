package middleware

import (
	"errors"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"

	"experimenter/pkg/logger"
)

const (
	actorKey            = "actor"
	ForwardedEmailHeader = "X-Forwarded-Email"
)

// Claims carried by bearer tokens issued by the identity provider.
type Claims struct {
	Email string `json:"email"`
	jwt.RegisteredClaims
}

type ResponseError struct {
	Message string `json:"message"`
}

// Actor resolves who is making the request. A bearer token signed with
// secret wins; otherwise the identity forwarded by the auth proxy is used.
// An empty secret disables token parsing.
func Actor(secret string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			authHeader := c.Request().Header.Get(echo.HeaderAuthorization)
			if authHeader != "" && secret != "" {
				tokenParts := strings.Split(authHeader, " ")
				if len(tokenParts) != 2 || tokenParts[0] != "Bearer" {
					return c.JSON(http.StatusUnauthorized, ResponseError{Message: "invalid authorization format"})
				}

				email, err := ParseActor(tokenParts[1], secret)
				if err != nil {
					logger.Warn("rejected bearer token", "error", err)
					return c.JSON(http.StatusUnauthorized, ResponseError{Message: "invalid token"})
				}
				c.Set(actorKey, email)
				return next(c)
			}

			if email := strings.TrimSpace(c.Request().Header.Get(ForwardedEmailHeader)); email != "" {
				c.Set(actorKey, email)
			}
			return next(c)
		}
	}
}

// RequireActor rejects requests without an identity.
func RequireActor() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if ActorFrom(c) == "" {
				return c.JSON(http.StatusUnauthorized, ResponseError{Message: "missing identity"})
			}
			return next(c)
		}
	}
}

func ActorFrom(c echo.Context) string {
	actor, _ := c.Get(actorKey).(string)
	return actor
}

// ParseActor validates an HMAC signed token and returns its email claim.
func ParseActor(tokenString, secret string) (string, error) {
	var claims Claims
	_, err := jwt.ParseWithClaims(tokenString, &claims, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return []byte(secret), nil
	}, jwt.WithExpirationRequired())
	if err != nil {
		return "", err
	}
	if claims.Email == "" {
		return "", errors.New("token has no email claim")
	}
	return claims.Email, nil
}

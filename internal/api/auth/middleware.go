package auth

import (
	"errors"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
)

var errNoToken = errors.New("no bearer token")

// bearerToken extracts the token from an Authorization header.
func bearerToken(c echo.Context) (string, error) {
	authHeader := c.Request().Header.Get("Authorization")
	if authHeader == "" {
		return "", errNoToken
	}

	tokenParts := strings.Split(authHeader, " ")
	if len(tokenParts) != 2 || !strings.EqualFold(tokenParts[0], "Bearer") || tokenParts[1] == "" {
		return "", echo.NewHTTPError(http.StatusUnauthorized, "Invalid authorization header format")
	}
	return tokenParts[1], nil
}

// RequireAuth rejects requests without a valid access token.
func RequireAuth(tokenService *TokenService) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			tokenString, err := bearerToken(c)
			if errors.Is(err, errNoToken) {
				return echo.NewHTTPError(http.StatusUnauthorized, "Authorization header required")
			}
			if err != nil {
				return err
			}

			principal, err := tokenService.ValidateAccessToken(tokenString)
			if err != nil {
				return echo.NewHTTPError(http.StatusUnauthorized, "Invalid or expired token")
			}

			c.Set(string(PrincipalContextKey), principal)
			return next(c)
		}
	}
}

// OptionalAuth attaches the caller when a token is present. A token that is
// present but invalid is still rejected so clients learn to refresh.
func OptionalAuth(tokenService *TokenService) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			tokenString, err := bearerToken(c)
			if errors.Is(err, errNoToken) {
				return next(c)
			}
			if err != nil {
				return err
			}

			principal, err := tokenService.ValidateAccessToken(tokenString)
			if err != nil {
				return echo.NewHTTPError(http.StatusUnauthorized, "Invalid or expired token")
			}

			c.Set(string(PrincipalContextKey), principal)
			return next(c)
		}
	}
}

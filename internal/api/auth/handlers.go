package auth

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/bcrypt"

	"github.com/threadline/pkg/models"
)

// AuthHandlers contains the authentication handler methods
type AuthHandlers struct {
	tokenService *TokenService
	users        UserRepository
}

// NewAuthHandlers creates a new authentication handlers instance
func NewAuthHandlers(tokenService *TokenService, users UserRepository) *AuthHandlers {
	return &AuthHandlers{
		tokenService: tokenService,
		users:        users,
	}
}

// LoginRequest represents the login request body
type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// LoginResponse represents the login response
type LoginResponse struct {
	User      *UserInfo  `json:"user"`
	TokenPair *TokenPair `json:"tokens"`
}

// UserInfo represents basic user information (no sensitive data)
type UserInfo struct {
	ID          int64     `json:"id"`
	Email       string    `json:"email"`
	DisplayName *string   `json:"display_name,omitempty"`
	ResourceID  string    `json:"resource_id"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// RefreshRequest represents the token refresh request
type RefreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

// LogoutRequest optionally names the refresh token to revoke. Without one every
// token of the caller is revoked.
type LogoutRequest struct {
	RefreshToken string `json:"refresh_token"`
}

func userInfo(user *models.User) *UserInfo {
	p := Principal{UserID: user.ID}
	return &UserInfo{
		ID:          user.ID,
		Email:       user.Email,
		DisplayName: user.DisplayName,
		ResourceID:  p.ResourceID(),
		CreatedAt:   user.CreatedAt,
		UpdatedAt:   user.UpdatedAt,
	}
}

// Login checks email and password and issues a token pair.
func (h *AuthHandlers) Login(c echo.Context) error {
	var req LoginRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Invalid request body")
	}
	if strings.TrimSpace(req.Email) == "" || req.Password == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "Email and password are required")
	}

	ctx := c.Request().Context()
	user, err := h.users.GetUserByEmail(ctx, req.Email)
	if errors.Is(err, ErrUserNotFound) {
		return echo.NewHTTPError(http.StatusUnauthorized, "Invalid email or password")
	}
	if err != nil {
		log.Error().Err(err).Msg("Login lookup failed")
		return echo.NewHTTPError(http.StatusInternalServerError, "Database error")
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(req.Password)); err != nil {
		return echo.NewHTTPError(http.StatusUnauthorized, "Invalid email or password")
	}
	if !user.IsActive {
		return echo.NewHTTPError(http.StatusForbidden, "Account is disabled")
	}

	tokenPair, err := h.tokenService.CreateTokenPair(ctx, user, c.Request().Header.Get("User-Agent"), c.RealIP())
	if err != nil {
		log.Error().Err(err).Int64("user_id", user.ID).Msg("Failed to create session")
		return echo.NewHTTPError(http.StatusInternalServerError, "Failed to create session")
	}

	if err := h.users.RecordLogin(ctx, user.ID, time.Now().UTC()); err != nil {
		log.Warn().Err(err).Int64("user_id", user.ID).Msg("Failed to record login time")
	}

	return c.JSON(http.StatusOK, LoginResponse{
		User:      userInfo(user),
		TokenPair: tokenPair,
	})
}

// RefreshToken rotates a refresh token into a new pair.
func (h *AuthHandlers) RefreshToken(c echo.Context) error {
	var req RefreshRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Invalid request body")
	}
	if req.RefreshToken == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "refresh_token is required")
	}

	tokenPair, _, err := h.tokenService.RefreshTokenPair(c.Request().Context(), req.RefreshToken, c.Request().Header.Get("User-Agent"), c.RealIP())
	if err != nil {
		if !errors.Is(err, ErrInvalidRefreshToken) {
			log.Error().Err(err).Msg("Refresh failed")
		}
		return echo.NewHTTPError(http.StatusUnauthorized, "Invalid or expired refresh token")
	}

	return c.JSON(http.StatusOK, tokenPair)
}

// Logout revokes the caller's refresh token.
func (h *AuthHandlers) Logout(c echo.Context) error {
	principal := GetPrincipal(c)
	if principal == nil {
		return echo.NewHTTPError(http.StatusUnauthorized, "User not authenticated")
	}

	var req LogoutRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Invalid request body")
	}

	ctx := c.Request().Context()
	var err error
	if req.RefreshToken != "" {
		err = h.tokenService.RevokeRefreshToken(ctx, req.RefreshToken)
	} else {
		err = h.tokenService.RevokeAllUserTokens(ctx, principal.UserID)
	}
	if err != nil {
		log.Error().Err(err).Int64("user_id", principal.UserID).Msg("Logout failed")
		return echo.NewHTTPError(http.StatusInternalServerError, "Failed to logout")
	}

	return c.JSON(http.StatusOK, map[string]string{"message": "Logged out successfully"})
}

// Me returns the authenticated user.
func (h *AuthHandlers) Me(c echo.Context) error {
	principal := GetPrincipal(c)
	if principal == nil {
		return echo.NewHTTPError(http.StatusUnauthorized, "User not authenticated")
	}

	user, err := h.users.GetUserByID(c.Request().Context(), principal.UserID)
	if errors.Is(err, ErrUserNotFound) {
		return echo.NewHTTPError(http.StatusUnauthorized, "User no longer exists")
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "Database error")
	}

	return c.JSON(http.StatusOK, userInfo(user))
}

// HashPassword bcrypt-hashes a password for storage.
func HashPassword(password string) (string, error) {
	if len(password) < 8 {
		return "", errors.New("password must be at least 8 characters")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// RegisterRoutes mounts the auth endpoints on g.
func (h *AuthHandlers) RegisterRoutes(g *echo.Group) {
	g.POST("/login", h.Login)
	g.POST("/refresh", h.RefreshToken)
	g.POST("/logout", h.Logout, RequireAuth(h.tokenService))
	g.GET("/me", h.Me, RequireAuth(h.tokenService))
}

package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog/log"

	"github.com/threadline/pkg/models"
)

const tokenIssuer = "threadline"

// TokenService handles JWT token creation, validation, and refresh rotation
type TokenService struct {
	users     UserRepository
	tokens    RefreshTokenRepository
	secretKey []byte
	now       func() time.Time

	// Configurable token durations
	AccessTokenDuration  time.Duration // Default: 15 minutes
	RefreshTokenDuration time.Duration // Default: 30 days
}

// TokenPair represents access and refresh tokens
type TokenPair struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	ExpiresAt    time.Time `json:"expires_at"`
	TokenType    string    `json:"token_type"` // "Bearer"
}

// JWTClaims represents the claims in our JWT tokens
type JWTClaims struct {
	UserID int64  `json:"user_id"`
	Email  string `json:"email"`
	jwt.RegisteredClaims
}

// NewTokenService creates a new token service
func NewTokenService(users UserRepository, tokens RefreshTokenRepository, secretKey string) *TokenService {
	return &TokenService{
		users:                users,
		tokens:               tokens,
		secretKey:            []byte(secretKey),
		now:                  time.Now,
		AccessTokenDuration:  15 * time.Minute,
		RefreshTokenDuration: 30 * 24 * time.Hour,
	}
}

// generateRandomToken creates a cryptographically secure random token
func generateRandomToken() (string, error) {
	bytes := make([]byte, 32)
	if _, err := rand.Read(bytes); err != nil {
		return "", err
	}
	return hex.EncodeToString(bytes), nil
}

// hashToken creates a SHA256 hash of the token for storage
func hashToken(token string) string {
	hash := sha256.Sum256([]byte(token))
	return hex.EncodeToString(hash[:])
}

// CreateTokenPair issues a signed access token and a stored refresh token for user
func (ts *TokenService) CreateTokenPair(ctx context.Context, user *models.User, userAgent, ipAddress string) (*TokenPair, error) {
	refreshToken, err := generateRandomToken()
	if err != nil {
		return nil, fmt.Errorf("failed to generate refresh token: %w", err)
	}

	now := ts.now()
	err = ts.tokens.SaveRefreshToken(ctx, RefreshToken{
		UserID:    user.ID,
		TokenHash: hashToken(refreshToken),
		ExpiresAt: now.Add(ts.RefreshTokenDuration),
		UserAgent: userAgent,
		IPAddress: ipAddress,
	})
	if err != nil {
		return nil, err
	}

	accessExpiresAt := now.Add(ts.AccessTokenDuration)
	claims := &JWTClaims{
		UserID: user.ID,
		Email:  user.Email,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(accessExpiresAt),
			IssuedAt:  jwt.NewNumericDate(now),
			Issuer:    tokenIssuer,
			Subject:   fmt.Sprintf("user_%d", user.ID),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	jwtString, err := token.SignedString(ts.secretKey)
	if err != nil {
		return nil, fmt.Errorf("failed to sign JWT: %w", err)
	}

	return &TokenPair{
		AccessToken:  jwtString,
		RefreshToken: refreshToken,
		ExpiresAt:    accessExpiresAt,
		TokenType:    "Bearer",
	}, nil
}

// ValidateAccessToken checks signature and expiry and returns the caller.
// Access tokens are not looked up in storage; they expire quickly instead.
func (ts *TokenService) ValidateAccessToken(tokenString string) (*Principal, error) {
	token, err := jwt.ParseWithClaims(tokenString, &JWTClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return ts.secretKey, nil
	}, jwt.WithIssuer(tokenIssuer), jwt.WithTimeFunc(ts.now))
	if err != nil {
		return nil, fmt.Errorf("invalid token: %w", err)
	}

	claims, ok := token.Claims.(*JWTClaims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid token claims")
	}
	if claims.UserID <= 0 {
		return nil, fmt.Errorf("token has no user")
	}

	return &Principal{UserID: claims.UserID, Email: claims.Email}, nil
}

// RefreshTokenPair rotates a refresh token: the presented token is revoked and
// a new pair is issued.
func (ts *TokenService) RefreshTokenPair(ctx context.Context, refreshToken, userAgent, ipAddress string) (*TokenPair, *models.User, error) {
	userID, err := ts.tokens.ConsumeRefreshToken(ctx, hashToken(refreshToken), ts.now())
	if err != nil {
		return nil, nil, err
	}

	user, err := ts.users.GetUserByID(ctx, userID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to get user: %w", err)
	}
	if !user.IsActive {
		return nil, nil, ErrInvalidRefreshToken
	}

	pair, err := ts.CreateTokenPair(ctx, user, userAgent, ipAddress)
	if err != nil {
		return nil, nil, err
	}
	return pair, user, nil
}

// RevokeRefreshToken invalidates a single refresh token (logout).
func (ts *TokenService) RevokeRefreshToken(ctx context.Context, refreshToken string) error {
	return ts.tokens.RevokeRefreshToken(ctx, hashToken(refreshToken))
}

// RevokeAllUserTokens revokes every refresh token of a user (logout everywhere).
func (ts *TokenService) RevokeAllUserTokens(ctx context.Context, userID int64) error {
	return ts.tokens.RevokeAllForUser(ctx, userID)
}

// CleanupExpiredTokens removes refresh tokens that expired more than a week ago.
func (ts *TokenService) CleanupExpiredTokens(ctx context.Context) error {
	removed, err := ts.tokens.DeleteExpired(ctx, ts.now().Add(-7*24*time.Hour))
	if err != nil {
		return err
	}
	if removed > 0 {
		log.Info().Int64("removed", removed).Msg("Cleaned up expired refresh tokens")
	}
	return nil
}

// StartCleanupScheduler runs CleanupExpiredTokens hourly until ctx is done.
func (ts *TokenService) StartCleanupScheduler(ctx context.Context) {
	ticker := time.NewTicker(time.Hour)
	go func() {
		defer ticker.Stop()
		for {
			if err := ts.CleanupExpiredTokens(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Warn().Err(err).Msg("Token cleanup failed")
			}
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
}

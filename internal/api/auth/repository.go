package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/lib/pq"

	"github.com/threadline/pkg/models"
)

var (
	ErrUserNotFound        = errors.New("user not found")
	ErrEmailTaken          = errors.New("email already registered")
	ErrInvalidRefreshToken = errors.New("invalid or expired refresh token")
)

// UserRepository stores gateway accounts.
type UserRepository interface {
	CreateUser(ctx context.Context, email, passwordHash string, displayName *string) (*models.User, error)
	GetUserByID(ctx context.Context, id int64) (*models.User, error)
	GetUserByEmail(ctx context.Context, email string) (*models.User, error)
	RecordLogin(ctx context.Context, id int64, at time.Time) error
}

// RefreshToken is the stored form of an issued refresh token. Only the hash is kept.
type RefreshToken struct {
	UserID    int64
	TokenHash string
	ExpiresAt time.Time
	UserAgent string
	IPAddress string
}

// RefreshTokenRepository tracks refresh tokens so they can be rotated and revoked.
type RefreshTokenRepository interface {
	SaveRefreshToken(ctx context.Context, token RefreshToken) error
	// ConsumeRefreshToken revokes an active token and returns its owner. A token
	// can be consumed once.
	ConsumeRefreshToken(ctx context.Context, tokenHash string, now time.Time) (int64, error)
	RevokeRefreshToken(ctx context.Context, tokenHash string) error
	RevokeAllForUser(ctx context.Context, userID int64) error
	DeleteExpired(ctx context.Context, before time.Time) (int64, error)
}

// NormalizeEmail lowercases and trims an address before lookups.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// AuthSchema creates the account tables. It is idempotent.
const AuthSchema = `
CREATE TABLE IF NOT EXISTS users (
	id            BIGSERIAL PRIMARY KEY,
	email         TEXT NOT NULL UNIQUE,
	password_hash TEXT NOT NULL,
	display_name  TEXT,
	is_active     BOOLEAN NOT NULL DEFAULT TRUE,
	last_login_at TIMESTAMPTZ,
	created_at    TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at    TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS refresh_tokens (
	id         BIGSERIAL PRIMARY KEY,
	user_id    BIGINT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
	token_hash TEXT NOT NULL UNIQUE,
	expires_at TIMESTAMPTZ NOT NULL,
	user_agent TEXT NOT NULL DEFAULT '',
	ip_address TEXT NOT NULL DEFAULT '',
	revoked_at TIMESTAMPTZ,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS refresh_tokens_user_idx ON refresh_tokens (user_id);
`

// MigrateSchema applies AuthSchema.
func MigrateSchema(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, AuthSchema); err != nil {
		return fmt.Errorf("apply auth schema: %w", err)
	}
	return nil
}

// PostgresRepository implements both repositories on database/sql with lib/pq.
type PostgresRepository struct {
	db *sql.DB
}

func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

const userColumns = `id, email, password_hash, display_name, is_active, last_login_at, created_at, updated_at`

func scanUser(row *sql.Row) (*models.User, error) {
	user := &models.User{}
	var (
		displayName sql.NullString
		lastLogin   sql.NullTime
	)
	err := row.Scan(&user.ID, &user.Email, &user.PasswordHash, &displayName, &user.IsActive, &lastLogin, &user.CreatedAt, &user.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, err
	}
	if displayName.Valid {
		user.DisplayName = &displayName.String
	}
	if lastLogin.Valid {
		user.LastLoginAt = &lastLogin.Time
	}
	return user, nil
}

func (r *PostgresRepository) CreateUser(ctx context.Context, email, passwordHash string, displayName *string) (*models.User, error) {
	row := r.db.QueryRowContext(ctx, `
		INSERT INTO users (email, password_hash, display_name)
		VALUES ($1, $2, $3)
		RETURNING `+userColumns, NormalizeEmail(email), passwordHash, displayName)
	user, err := scanUser(row)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return nil, ErrEmailTaken
		}
		return nil, fmt.Errorf("failed to create user: %w", err)
	}
	return user, nil
}

func (r *PostgresRepository) GetUserByID(ctx context.Context, id int64) (*models.User, error) {
	return scanUser(r.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id))
}

func (r *PostgresRepository) GetUserByEmail(ctx context.Context, email string) (*models.User, error) {
	return scanUser(r.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE email = $1`, NormalizeEmail(email)))
}

func (r *PostgresRepository) RecordLogin(ctx context.Context, id int64, at time.Time) error {
	_, err := r.db.ExecContext(ctx, `UPDATE users SET last_login_at = $2, updated_at = $2 WHERE id = $1`, id, at)
	return err
}

func (r *PostgresRepository) SaveRefreshToken(ctx context.Context, token RefreshToken) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO refresh_tokens (user_id, token_hash, expires_at, user_agent, ip_address)
		VALUES ($1, $2, $3, $4, $5)
	`, token.UserID, token.TokenHash, token.ExpiresAt, token.UserAgent, token.IPAddress)
	if err != nil {
		return fmt.Errorf("failed to store refresh token: %w", err)
	}
	return nil
}

func (r *PostgresRepository) ConsumeRefreshToken(ctx context.Context, tokenHash string, now time.Time) (int64, error) {
	var userID int64
	err := r.db.QueryRowContext(ctx, `
		UPDATE refresh_tokens
		SET revoked_at = $2
		WHERE token_hash = $1
		AND revoked_at IS NULL
		AND expires_at > $2
		RETURNING user_id
	`, tokenHash, now).Scan(&userID)
	if err == sql.ErrNoRows {
		return 0, ErrInvalidRefreshToken
	}
	if err != nil {
		return 0, fmt.Errorf("failed to consume refresh token: %w", err)
	}
	return userID, nil
}

func (r *PostgresRepository) RevokeRefreshToken(ctx context.Context, tokenHash string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE refresh_tokens SET revoked_at = NOW()
		WHERE token_hash = $1 AND revoked_at IS NULL
	`, tokenHash)
	return err
}

func (r *PostgresRepository) RevokeAllForUser(ctx context.Context, userID int64) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE refresh_tokens SET revoked_at = NOW()
		WHERE user_id = $1 AND revoked_at IS NULL
	`, userID)
	return err
}

func (r *PostgresRepository) DeleteExpired(ctx context.Context, before time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx, `DELETE FROM refresh_tokens WHERE expires_at < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("failed to cleanup expired tokens: %w", err)
	}
	return result.RowsAffected()
}

// MemoryRepository is an in-process implementation of both repositories.
type MemoryRepository struct {
	mu      sync.Mutex
	nextID  int64
	users   map[int64]*models.User
	byEmail map[string]int64
	tokens  map[string]*memoryToken
}

type memoryToken struct {
	RefreshToken
	revoked bool
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		users:   make(map[int64]*models.User),
		byEmail: make(map[string]int64),
		tokens:  make(map[string]*memoryToken),
	}
}

func (r *MemoryRepository) CreateUser(_ context.Context, email, passwordHash string, displayName *string) (*models.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	email = NormalizeEmail(email)
	if _, ok := r.byEmail[email]; ok {
		return nil, ErrEmailTaken
	}
	r.nextID++
	now := time.Now().UTC()
	user := &models.User{
		ID:           r.nextID,
		Email:        email,
		PasswordHash: passwordHash,
		DisplayName:  displayName,
		IsActive:     true,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	r.users[user.ID] = user
	r.byEmail[email] = user.ID
	copied := *user
	return &copied, nil
}

func (r *MemoryRepository) GetUserByID(_ context.Context, id int64) (*models.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	user, ok := r.users[id]
	if !ok {
		return nil, ErrUserNotFound
	}
	copied := *user
	return &copied, nil
}

func (r *MemoryRepository) GetUserByEmail(ctx context.Context, email string) (*models.User, error) {
	r.mu.Lock()
	id, ok := r.byEmail[NormalizeEmail(email)]
	r.mu.Unlock()
	if !ok {
		return nil, ErrUserNotFound
	}
	return r.GetUserByID(ctx, id)
}

func (r *MemoryRepository) RecordLogin(_ context.Context, id int64, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	user, ok := r.users[id]
	if !ok {
		return ErrUserNotFound
	}
	user.LastLoginAt = &at
	user.UpdatedAt = at
	return nil
}

func (r *MemoryRepository) SaveRefreshToken(_ context.Context, token RefreshToken) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.tokens[token.TokenHash] = &memoryToken{RefreshToken: token}
	return nil
}

func (r *MemoryRepository) ConsumeRefreshToken(_ context.Context, tokenHash string, now time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	token, ok := r.tokens[tokenHash]
	if !ok || token.revoked || !token.ExpiresAt.After(now) {
		return 0, ErrInvalidRefreshToken
	}
	token.revoked = true
	return token.UserID, nil
}

func (r *MemoryRepository) RevokeRefreshToken(_ context.Context, tokenHash string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if token, ok := r.tokens[tokenHash]; ok {
		token.revoked = true
	}
	return nil
}

func (r *MemoryRepository) RevokeAllForUser(_ context.Context, userID int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, token := range r.tokens {
		if token.UserID == userID {
			token.revoked = true
		}
	}
	return nil
}

func (r *MemoryRepository) DeleteExpired(_ context.Context, before time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var n int64
	for hash, token := range r.tokens {
		if token.ExpiresAt.Before(before) {
			delete(r.tokens, hash)
			n++
		}
	}
	return n, nil
}

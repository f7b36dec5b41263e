package repository

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/cargohub/hub/internal/huberrors"
	"github.com/cargohub/hub/internal/models"
)

// UsersRepository resolves API keys to users. Only the SHA-256 of a key is stored.
type UsersRepository struct {
	db *pgxpool.Pool
}

// NewUsersRepository creates a new users repository.
func NewUsersRepository(db *pgxpool.Pool) *UsersRepository {
	return &UsersRepository{db: db}
}

// HashAPIKey returns the hex SHA-256 stored in users.api_key_hash.
func HashAPIKey(key string) string {
	sum := sha256.Sum256([]byte(key))

	return hex.EncodeToString(sum[:])
}

// GetByAPIKey returns the active user owning key, or a NotFoundError.
func (r *UsersRepository) GetByAPIKey(ctx context.Context, key string) (*models.User, error) {
	var u models.User

	err := r.db.QueryRow(ctx, `
		SELECT id, name, role, buyer_id, active, created_at, last_used_at
		FROM users WHERE api_key_hash = $1 AND active`, HashAPIKey(key),
	).Scan(&u.ID, &u.Name, &u.Role, &u.BuyerID, &u.Active, &u.CreatedAt, &u.LastUsedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, huberrors.NewNotFoundError("user", "no active user for api key")
		}

		return nil, fmt.Errorf("get user by api key: %w", err)
	}

	return &u, nil
}

// TouchLastUsed stamps last_used_at.
func (r *UsersRepository) TouchLastUsed(ctx context.Context, id int64) error {
	if _, err := r.db.Exec(ctx, `UPDATE users SET last_used_at = now() WHERE id = $1`, id); err != nil {
		return fmt.Errorf("touch user: %w", err)
	}

	return nil
}

// Create stores a user for the given plaintext key.
func (r *UsersRepository) Create(ctx context.Context, name string, role models.Role, buyerID *int64, key string) (*models.User, error) {
	u := models.User{Name: name, Role: role, BuyerID: buyerID, Active: true}

	err := r.db.QueryRow(ctx, `
		INSERT INTO users (name, role, buyer_id, api_key_hash)
		VALUES ($1, $2, $3, $4)
		RETURNING id, created_at`, name, string(role), buyerID, HashAPIKey(key),
	).Scan(&u.ID, &u.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("create user: %w", mapUniqueViolation(err, "api key already registered"))
	}

	return &u, nil
}

package service

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cargohub/hub/internal/huberrors"
	"github.com/cargohub/hub/internal/models"
	"github.com/cargohub/hub/internal/observability"
	"github.com/cargohub/hub/pkg/cache"
)

const touchTimeout = 5 * time.Second

// UsersRepository resolves API keys to users.
type UsersRepository interface {
	// GetByAPIKey returns a huberrors.NotFoundError for unknown or inactive keys.
	GetByAPIKey(ctx context.Context, key string) (*models.User, error)
	TouchLastUsed(ctx context.Context, id int64) error
}

// PrincipalResolver maps bearer API keys to principals. Lookups are cached by key hash; the configured
// admin key resolves without touching the users table.
type PrincipalResolver struct {
	users    UsersRepository
	cache    *cache.LoaderCache[string, models.Principal]
	hashKey  func(string) string
	adminKey string
	metrics  observability.PrincipalMetrics
	logger   *slog.Logger
}

// PrincipalResolverParams configures PrincipalResolver. Cache, Metrics and AdminKey are optional.
type PrincipalResolverParams struct {
	Users    UsersRepository
	Cache    *cache.LoaderCache[string, models.Principal]
	HashKey  func(string) string
	AdminKey string
	Metrics  observability.PrincipalMetrics
	Logger   *slog.Logger
}

// NewPrincipalResolver creates a PrincipalResolver.
func NewPrincipalResolver(p PrincipalResolverParams) *PrincipalResolver {
	r := &PrincipalResolver{
		users:    p.Users,
		cache:    p.Cache,
		hashKey:  p.HashKey,
		adminKey: p.AdminKey,
		metrics:  p.Metrics,
		logger:   p.Logger,
	}

	if r.hashKey == nil {
		r.hashKey = func(s string) string { return s }
	}

	if r.logger == nil {
		r.logger = slog.Default()
	}

	return r
}

// Resolve returns the principal owning key, or a NotFoundError.
func (r *PrincipalResolver) Resolve(ctx context.Context, key string) (models.Principal, error) {
	if key == "" {
		r.recordLookup(ctx, observability.LookupRejected, "")

		return models.Principal{}, huberrors.NewNotFoundError("user", "empty api key")
	}

	if r.adminKey != "" && subtle.ConstantTimeCompare([]byte(key), []byte(r.adminKey)) == 1 {
		r.recordLookup(ctx, observability.LookupAdmin, models.RoleAdmin)

		return models.Principal{Role: models.RoleAdmin}, nil
	}

	if r.cache == nil {
		principal, err := r.load(ctx, key)
		r.recordResult(ctx, principal, false, err)

		return principal, err
	}

	// The cache is keyed by hash so plaintext keys never sit in memory longer than the request.
	hashed := r.hashKey(key)

	principal, hit, err := r.cache.Get(ctx, hashed, func(ctx context.Context, _ string) (models.Principal, error) {
		return r.load(ctx, key)
	})
	r.recordResult(ctx, principal, hit, err)

	if err != nil {
		return models.Principal{}, err
	}

	return principal, nil
}

func (r *PrincipalResolver) load(ctx context.Context, key string) (models.Principal, error) {
	start := time.Now()

	user, err := r.users.GetByAPIKey(ctx, key)
	if r.metrics != nil {
		r.metrics.RecordLoad(ctx, lookupResult(false, err), time.Since(start))
	}

	if err != nil {
		return models.Principal{}, fmt.Errorf("resolve api key: %w", err)
	}

	go r.touch(user.ID)

	return user.Principal(), nil
}

func (r *PrincipalResolver) recordResult(ctx context.Context, p models.Principal, hit bool, err error) {
	var role models.Role
	if err == nil {
		role = p.Role
	}

	r.recordLookup(ctx, lookupResult(hit, err), role)
}

func (r *PrincipalResolver) recordLookup(ctx context.Context, result string, role models.Role) {
	if r.metrics != nil {
		r.metrics.RecordLookup(ctx, result, string(role))
	}
}

// lookupResult classifies a resolution: unknown keys are rejected, anything else failing is an error.
func lookupResult(hit bool, err error) string {
	switch {
	case errors.Is(err, huberrors.ErrNotFound):
		return observability.LookupRejected
	case err != nil:
		return observability.LookupError
	case hit:
		return observability.LookupHit
	default:
		return observability.LookupMiss
	}
}

// touch stamps last_used_at off the request path.
func (r *PrincipalResolver) touch(id int64) {
	ctx, cancel := context.WithTimeout(context.Background(), touchTimeout)
	defer cancel()

	if err := r.users.TouchLastUsed(ctx, id); err != nil {
		r.logger.Warn("failed to update last used timestamp", "user_id", id, "error", err)
	}
}

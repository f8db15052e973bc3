package subscription

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dmitrymomot/saasbilling/pkg/pg"
	billing "github.com/dmitrymomot/saasbilling/pkg/subscription"
)

// PostgresUsers is a UserDirectory over the users table.
type PostgresUsers struct {
	pool *pgxpool.Pool
}

func NewPostgresUsers(pool *pgxpool.Pool) *PostgresUsers {
	if pool == nil {
		panic("subscription: postgres pool is required")
	}
	return &PostgresUsers{pool: pool}
}

func (u *PostgresUsers) FindByID(ctx context.Context, userID string) (*billing.User, error) {
	var (
		user billing.User
		tier string
	)
	err := u.pool.QueryRow(ctx,
		`SELECT id, email, subscription_tier FROM users WHERE id = $1`, userID,
	).Scan(&user.ID, &user.Email, &tier)
	if err != nil {
		if pg.IsNotFoundError(err) {
			return nil, billing.ErrUserNotFound
		}
		return nil, fmt.Errorf("find user: %w", err)
	}
	user.SubscriptionTier = billing.Tier(tier)
	return &user, nil
}

func (u *PostgresUsers) UpdateTier(ctx context.Context, userID string, tier billing.Tier) error {
	tag, err := u.pool.Exec(ctx,
		`UPDATE users SET subscription_tier = $2, updated_at = now() WHERE id = $1`,
		userID, string(tier),
	)
	if err != nil {
		return fmt.Errorf("update user tier: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return billing.ErrUserNotFound
	}
	return nil
}

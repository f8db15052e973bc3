package subscription

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dmitrymomot/saasbilling/pkg/pg"
	billing "github.com/dmitrymomot/saasbilling/pkg/subscription"
)

//go:embed migrations/*.sql
var migrations embed.FS

// MigratePostgres applies the bundled schema migrations.
func MigratePostgres(ctx context.Context, pool *pgxpool.Pool, cfg pg.Config, log *slog.Logger) error {
	return pg.Migrate(ctx, pool, migrations, "migrations", cfg, log)
}

const (
	constraintExternalID = "subscriptions_external_id_key"
	constraintUserActive = "subscriptions_user_active_key"
)

const subscriptionColumns = `id, user_id, tier, status, start_date, end_date, auto_renew, canceled_at,
	external_id, price_amount, price_currency, features, metadata, last_event_at, created_at, updated_at`

const insertSubscription = `
INSERT INTO subscriptions (` + subscriptionColumns + `)
VALUES ($1, $2, $3, $4, $5, $6, $7::boolean AND $15::timestamptz IS NULL, $15, $8, $9, $10, $11, $12, $13, $14, $14)
RETURNING ` + subscriptionColumns

// updateSubscription writes only non-null parameters. canceled_at is set
// once; auto_renew is cleared whenever canceled_at is or becomes set. The
// WHERE clause carries the terminal status and event ordering guards.
const updateSubscription = `
UPDATE subscriptions SET
	tier           = COALESCE($2::text, tier),
	status         = COALESCE($3::text, status),
	start_date     = COALESCE($4::timestamptz, start_date),
	end_date       = COALESCE($5::timestamptz, end_date),
	canceled_at    = COALESCE(canceled_at, $7::timestamptz),
	auto_renew     = CASE WHEN COALESCE(canceled_at, $7::timestamptz) IS NOT NULL THEN false
	                      ELSE COALESCE($6::boolean, auto_renew) END,
	price_amount   = COALESCE($8::bigint, price_amount),
	price_currency = COALESCE($9::text, price_currency),
	features       = COALESCE($10::text[], features),
	metadata       = COALESCE($11::jsonb, metadata),
	last_event_at  = COALESCE($12::timestamptz, last_event_at),
	updated_at     = $13
WHERE id = $1
	AND ($3::text IS NULL OR status NOT IN ('canceled', 'expired') OR status = $3::text)
	AND ($12::timestamptz IS NULL OR last_event_at IS NULL OR last_event_at <= $12::timestamptz)
RETURNING ` + subscriptionColumns

const getLiveForUser = `
SELECT ` + subscriptionColumns + `
FROM subscriptions
WHERE user_id = $1
	AND external_id IS NOT NULL
	AND status NOT IN ('canceled', 'expired')
ORDER BY created_at DESC
LIMIT 1`

const listExpired = `
SELECT ` + subscriptionColumns + `
FROM subscriptions
WHERE status NOT IN ('canceled', 'expired')
	AND end_date < $1
	AND NOT (auto_renew AND external_id IS NOT NULL)
ORDER BY end_date
LIMIT $2`

// PostgresStore is a SubscriptionStore on PostgreSQL. Each guarded write is
// a single UPDATE ... RETURNING, so row-level locking gives it the same
// atomicity as the in-memory store's mutex. Partial unique indexes enforce
// one external ID mapping and one active record per user.
type PostgresStore struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

// PostgresStoreOption configures a PostgresStore.
type PostgresStoreOption func(*PostgresStore)

// WithPostgresClock overrides the time source.
func WithPostgresClock(now func() time.Time) PostgresStoreOption {
	return func(s *PostgresStore) {
		if now != nil {
			s.now = now
		}
	}
}

func NewPostgresStore(pool *pgxpool.Pool, opts ...PostgresStoreOption) *PostgresStore {
	if pool == nil {
		panic("subscription: postgres pool is required")
	}
	s := &PostgresStore{pool: pool, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *PostgresStore) Create(ctx context.Context, params billing.CreateParams) (*billing.Subscription, error) {
	metadata, err := encodeMetadata(params.Metadata)
	if err != nil {
		return nil, err
	}
	if metadata == nil {
		metadata = []byte("{}")
	}
	features := params.Features
	if features == nil {
		features = []string{}
	}

	row := s.pool.QueryRow(ctx, insertSubscription,
		uuid.NewString(),
		params.UserID,
		string(params.Tier),
		string(params.Status),
		params.StartDate.UTC(),
		params.EndDate.UTC(),
		params.AutoRenew,
		nullString(params.ExternalID),
		params.Price.Amount,
		params.Price.Currency,
		features,
		metadata,
		utcPtr(params.LastEventAt),
		s.now().UTC(),
		utcPtr(params.CanceledAt),
	)
	sub, err := scanSubscription(row)
	if err != nil {
		return nil, mapPostgresError(err)
	}
	return sub, nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*billing.Subscription, error) {
	return s.queryOne(ctx, `SELECT `+subscriptionColumns+` FROM subscriptions WHERE id = $1`, id)
}

func (s *PostgresStore) GetByExternalID(ctx context.Context, externalID string) (*billing.Subscription, error) {
	if externalID == "" {
		return nil, billing.ErrSubscriptionNotFound
	}
	return s.queryOne(ctx, `SELECT `+subscriptionColumns+` FROM subscriptions WHERE external_id = $1`, externalID)
}

func (s *PostgresStore) GetActiveForUser(ctx context.Context, userID string) (*billing.Subscription, error) {
	return s.queryOne(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions WHERE user_id = $1 AND status = 'active' AND end_date >= $2`,
		userID, s.now().UTC(),
	)
}

func (s *PostgresStore) GetLiveForUser(ctx context.Context, userID string) (*billing.Subscription, error) {
	return s.queryOne(ctx, getLiveForUser, userID)
}

func (s *PostgresStore) Update(ctx context.Context, id string, patch billing.Patch) (*billing.Subscription, error) {
	args, err := updateArgs(id, patch, s.now().UTC())
	if err != nil {
		return nil, err
	}

	for range guardRetries {
		sub, err := s.queryOne(ctx, updateSubscription, args...)
		if err == nil {
			return sub, nil
		}
		if !errors.Is(err, billing.ErrSubscriptionNotFound) {
			return nil, err
		}

		current, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if err := patch.CheckGuards(current); err != nil {
			return nil, err
		}
	}
	return nil, billing.ErrStaleEvent
}

func (s *PostgresStore) MarkCanceled(ctx context.Context, id string, at time.Time) (*billing.Subscription, error) {
	sub, err := s.queryOne(ctx, `
UPDATE subscriptions SET
	status      = 'canceled',
	auto_renew  = false,
	canceled_at = COALESCE(canceled_at, $2),
	updated_at  = $3
WHERE id = $1 AND status <> 'expired'
RETURNING `+subscriptionColumns,
		id, at.UTC(), s.now().UTC(),
	)
	if err == nil {
		return sub, nil
	}
	if !errors.Is(err, billing.ErrSubscriptionNotFound) {
		return nil, err
	}
	if _, err := s.Get(ctx, id); err != nil {
		return nil, err
	}
	return nil, billing.ErrInvalidTransition
}

func (s *PostgresStore) ListExpired(ctx context.Context, now time.Time, limit int) ([]*billing.Subscription, error) {
	var lim any
	if limit > 0 {
		lim = limit
	}
	rows, err := s.pool.Query(ctx, listExpired, now.UTC(), lim)
	if err != nil {
		return nil, fmt.Errorf("list expired subscriptions: %w", err)
	}
	defer rows.Close()

	var out []*billing.Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, fmt.Errorf("scan expired subscription: %w", err)
		}
		out = append(out, sub)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list expired subscriptions: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) queryOne(ctx context.Context, query string, args ...any) (*billing.Subscription, error) {
	sub, err := scanSubscription(s.pool.QueryRow(ctx, query, args...))
	if err != nil {
		return nil, mapPostgresError(err)
	}
	return sub, nil
}

// updateArgs maps a patch onto the positional parameters of updateSubscription.
// Nil fields become SQL NULL and leave the column unchanged.
func updateArgs(id string, patch billing.Patch, now time.Time) ([]any, error) {
	metadata, err := encodeMetadata(patch.Metadata)
	if err != nil {
		return nil, err
	}

	var tier, status, currency *string
	var amount *int64
	if patch.Tier != nil {
		tier = ptrTo(string(*patch.Tier))
	}
	if patch.Status != nil {
		status = ptrTo(string(*patch.Status))
	}
	if patch.Price != nil {
		amount = ptrTo(patch.Price.Amount)
		currency = ptrTo(patch.Price.Currency)
	}

	return []any{
		id,
		tier,
		status,
		utcPtr(patch.StartDate),
		utcPtr(patch.EndDate),
		patch.AutoRenew,
		utcPtr(patch.CanceledAt),
		amount,
		currency,
		patch.Features,
		metadata,
		utcPtr(patch.EventAt),
		now,
	}, nil
}

func scanSubscription(row pgx.Row) (*billing.Subscription, error) {
	var (
		sub        billing.Subscription
		tier       string
		status     string
		externalID *string
		metadata   []byte
	)
	err := row.Scan(
		&sub.ID,
		&sub.UserID,
		&tier,
		&status,
		&sub.StartDate,
		&sub.EndDate,
		&sub.AutoRenew,
		&sub.CanceledAt,
		&externalID,
		&sub.Price.Amount,
		&sub.Price.Currency,
		&sub.Features,
		&metadata,
		&sub.LastEventAt,
		&sub.CreatedAt,
		&sub.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	sub.Tier = billing.Tier(tier)
	sub.Status = billing.Status(status)
	if externalID != nil {
		sub.ExternalID = *externalID
	}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &sub.Metadata); err != nil {
			return nil, fmt.Errorf("decode subscription metadata: %w", err)
		}
	}
	if len(sub.Metadata) == 0 {
		sub.Metadata = nil
	}
	sub.StartDate = sub.StartDate.UTC()
	sub.EndDate = sub.EndDate.UTC()
	sub.CreatedAt = sub.CreatedAt.UTC()
	sub.UpdatedAt = sub.UpdatedAt.UTC()
	sub.CanceledAt = utcPtr(sub.CanceledAt)
	sub.LastEventAt = utcPtr(sub.LastEventAt)
	return &sub, nil
}

func mapPostgresError(err error) error {
	switch {
	case pg.IsNotFoundError(err):
		return billing.ErrSubscriptionNotFound
	case pg.IsForeignKeyViolationError(err):
		return billing.ErrInvalidReference
	case pg.IsDuplicateKeyError(err):
		switch pg.ConstraintName(err) {
		case constraintExternalID:
			return billing.ErrDuplicateExternalID
		case constraintUserActive:
			return billing.ErrActiveSubscriptionExists
		}
	}
	return fmt.Errorf("postgres subscription store: %w", err)
}

// encodeMetadata returns nil for a nil map so the column is left untouched.
func encodeMetadata(m map[string]string) ([]byte, error) {
	if m == nil {
		return nil, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode subscription metadata: %w", err)
	}
	return b, nil
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func ptrTo[T any](v T) *T {
	return &v
}

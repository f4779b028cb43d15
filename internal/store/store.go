package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/PortNumber53/coach-planner/internal/models"
)

const (
	defaultPageSize = 200

	uniqueViolation = "23505"
)

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("store: not found")

// ErrDuplicate is returned when an insert violates a unique constraint.
var ErrDuplicate = errors.New("store: duplicate")

// Store provides database-backed accessors for users, subscriptions and
// revoked tokens.
type Store struct {
	db *sql.DB
}

// New creates a Store using the provided sql.DB connection.
func New(db *sql.DB) (*Store, error) {
	if db == nil {
		return nil, errors.New("db cannot be nil")
	}
	return &Store{db: db}, nil
}

const userColumns = `id, username, email, password_hash, is_active, trial_start, trial_end,
	about, details, profile_picture, reset_code, reset_code_created, created_at, updated_at`

func scanUser(row interface{ Scan(...any) error }) (*models.User, error) {
	var u models.User
	if err := row.Scan(
		&u.ID,
		&u.Username,
		&u.Email,
		&u.PasswordHash,
		&u.IsActive,
		&u.TrialStart,
		&u.TrialEnd,
		&u.About,
		&u.Details,
		&u.ProfilePicture,
		&u.ResetCode,
		&u.ResetCodeCreated,
		&u.CreatedAt,
		&u.UpdatedAt,
	); err != nil {
		return nil, err
	}
	return &u, nil
}

// CreateUser inserts a new account. Email is normalised to lower case.
func (s *Store) CreateUser(ctx context.Context, username, email, passwordHash string) (*models.User, error) {
	row := s.db.QueryRowContext(ctx, `
INSERT INTO users (username, email, password_hash)
VALUES ($1, $2, $3)
RETURNING `+userColumns,
		username,
		strings.ToLower(strings.TrimSpace(email)),
		passwordHash,
	)

	user, err := scanUser(row)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrDuplicate
		}
		return nil, fmt.Errorf("store: create user: %w", err)
	}
	return user, nil
}

// GetUserByID retrieves a user by primary key.
func (s *Store) GetUserByID(ctx context.Context, id int64) (*models.User, error) {
	user, err := scanUser(s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get user by id: %w", err)
	}
	return user, nil
}

// GetUserByEmail retrieves a user by their email address (case-insensitive).
func (s *Store) GetUserByEmail(ctx context.Context, email string) (*models.User, error) {
	user, err := scanUser(s.db.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE LOWER(email) = LOWER($1) LIMIT 1`,
		strings.TrimSpace(email),
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get user by email: %w", err)
	}
	return user, nil
}

// UpdateProfile applies the non-nil fields of update and returns the updated row.
func (s *Store) UpdateProfile(ctx context.Context, userID int64, update models.ProfileUpdate) (*models.User, error) {
	row := s.db.QueryRowContext(ctx, `
UPDATE users
SET username = COALESCE($2, username),
    about = COALESCE($3, about),
    details = COALESCE($4, details),
    profile_picture = COALESCE($5, profile_picture),
    updated_at = now()
WHERE id = $1
RETURNING `+userColumns,
		userID,
		update.Username,
		update.About,
		update.Details,
		update.ProfilePicture,
	)

	user, err := scanUser(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrDuplicate
		}
		return nil, fmt.Errorf("store: update profile: %w", err)
	}
	return user, nil
}

// SetResetCode stores a password-reset code and its creation time, and
// resets the failed-attempt counter.
func (s *Store) SetResetCode(ctx context.Context, userID int64, code string, createdAt time.Time) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE users SET reset_code = $2, reset_code_created = $3, reset_code_attempts = 0, updated_at = now() WHERE id = $1`,
		userID, code, createdAt,
	)
	if err != nil {
		return fmt.Errorf("store: set reset code: %w", err)
	}
	return expectAffected(result)
}

// ResetPassword replaces the password hash and clears any pending reset code.
func (s *Store) ResetPassword(ctx context.Context, userID int64, passwordHash string) error {
	result, err := s.db.ExecContext(ctx, `
UPDATE users
SET password_hash = $2,
    reset_code = NULL,
    reset_code_created = NULL,
    reset_code_attempts = 0,
    updated_at = now()
WHERE id = $1`,
		userID, passwordHash,
	)
	if err != nil {
		return fmt.Errorf("store: reset password: %w", err)
	}
	return expectAffected(result)
}

// RecordResetFailure counts a wrong reset code. Once maxAttempts failures
// accumulate the pending code is discarded and cleared reports true.
func (s *Store) RecordResetFailure(ctx context.Context, userID int64, maxAttempts int) (cleared bool, err error) {
	err = s.db.QueryRowContext(ctx, `
UPDATE users
SET reset_code_attempts = reset_code_attempts + 1,
    reset_code = CASE WHEN reset_code_attempts + 1 >= $2 THEN NULL ELSE reset_code END,
    reset_code_created = CASE WHEN reset_code_attempts + 1 >= $2 THEN NULL ELSE reset_code_created END,
    updated_at = now()
WHERE id = $1
RETURNING reset_code IS NULL`,
		userID, maxAttempts,
	).Scan(&cleared)
	if errors.Is(err, sql.ErrNoRows) {
		return false, ErrNotFound
	}
	if err != nil {
		return false, fmt.Errorf("store: record reset failure: %w", err)
	}
	return cleared, nil
}

// StartTrial records the trial window on the user and upserts a matching
// standard-tier subscription row in a single transaction.
func (s *Store) StartTrial(ctx context.Context, userID int64, start, end time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin start trial tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	result, err := tx.ExecContext(ctx,
		`UPDATE users SET trial_start = $2, trial_end = $3, updated_at = now() WHERE id = $1`,
		userID, start, end,
	)
	if err != nil {
		return fmt.Errorf("store: update trial window: %w", err)
	}
	if err := expectAffected(result); err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, `
INSERT INTO subscriptions (user_id, plan, is_active, current_period_end)
VALUES ($1, 'standard', TRUE, $2)
ON CONFLICT (user_id) DO UPDATE
SET plan = 'standard',
    is_active = TRUE,
    current_period_end = EXCLUDED.current_period_end,
    updated_at = now()`,
		userID, end,
	); err != nil {
		return fmt.Errorf("store: upsert trial subscription: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: commit start trial tx: %w", err)
	}
	return nil
}

const subscriptionColumns = `id, user_id, stripe_customer_id, stripe_subscription_id, plan,
	billing_cycle, is_active, current_period_end, created_at, updated_at`

func scanSubscription(row interface{ Scan(...any) error }) (*models.Subscription, error) {
	var (
		sub   models.Subscription
		plan  string
		cycle sql.NullString
	)
	if err := row.Scan(
		&sub.ID,
		&sub.UserID,
		&sub.StripeCustomerID,
		&sub.StripeSubscriptionID,
		&plan,
		&cycle,
		&sub.IsActive,
		&sub.CurrentPeriodEnd,
		&sub.CreatedAt,
		&sub.UpdatedAt,
	); err != nil {
		return nil, err
	}
	sub.Plan = models.PlanTier(plan)
	sub.BillingCycle = models.BillingCycle(cycle.String)
	return &sub, nil
}

func (s *Store) getSubscription(ctx context.Context, op, where string, arg any) (*models.Subscription, error) {
	sub, err := scanSubscription(s.db.QueryRowContext(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions WHERE `+where+` LIMIT 1`, arg))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: %s: %w", op, err)
	}
	return sub, nil
}

// GetSubscriptionByUserID returns the subscription owned by userID.
func (s *Store) GetSubscriptionByUserID(ctx context.Context, userID int64) (*models.Subscription, error) {
	return s.getSubscription(ctx, "get subscription by user", "user_id = $1", userID)
}

// GetSubscriptionByCustomerID returns the subscription linked to a Stripe customer.
func (s *Store) GetSubscriptionByCustomerID(ctx context.Context, customerID string) (*models.Subscription, error) {
	return s.getSubscription(ctx, "get subscription by customer", "stripe_customer_id = $1", customerID)
}

// GetSubscriptionByStripeID returns the subscription linked to a Stripe subscription.
func (s *Store) GetSubscriptionByStripeID(ctx context.Context, stripeSubID string) (*models.Subscription, error) {
	return s.getSubscription(ctx, "get subscription by stripe id", "stripe_subscription_id = $1", stripeSubID)
}

// AttachCustomer links a freshly created Stripe customer to the user. The row
// is reset to the standard tier until the provider confirms payment.
func (s *Store) AttachCustomer(ctx context.Context, userID int64, customerID string) error {
	if _, err := s.db.ExecContext(ctx, `
INSERT INTO subscriptions (user_id, stripe_customer_id, plan, billing_cycle)
VALUES ($1, $2, 'standard', NULL)
ON CONFLICT (user_id) DO UPDATE
SET stripe_customer_id = EXCLUDED.stripe_customer_id,
    plan = 'standard',
    billing_cycle = NULL,
    updated_at = now()`,
		userID, customerID,
	); err != nil {
		return fmt.Errorf("store: attach customer: %w", err)
	}
	return nil
}

// UpdateBillingState overwrites the billing fields of an existing subscription
// row. A nil StripeSubscriptionID keeps the stored value.
func (s *Store) UpdateBillingState(ctx context.Context, id int64, state models.BillingState) error {
	result, err := s.db.ExecContext(ctx, `
UPDATE subscriptions
SET stripe_subscription_id = COALESCE($2, stripe_subscription_id),
    plan = $3,
    billing_cycle = $4,
    is_active = $5,
    current_period_end = $6,
    updated_at = now()
WHERE id = $1`,
		id,
		state.StripeSubscriptionID,
		string(state.Plan),
		nullableCycle(state.BillingCycle),
		state.IsActive,
		state.CurrentPeriodEnd,
	)
	if err != nil {
		return fmt.Errorf("store: update billing state: %w", err)
	}
	return expectAffected(result)
}

// UpsertBillingState creates or replaces the subscription row of userID and
// links it to customerID.
func (s *Store) UpsertBillingState(ctx context.Context, userID int64, customerID string, state models.BillingState) error {
	if _, err := s.db.ExecContext(ctx, `
INSERT INTO subscriptions (user_id, stripe_customer_id, stripe_subscription_id, plan, billing_cycle, is_active, current_period_end)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (user_id) DO UPDATE
SET stripe_customer_id = EXCLUDED.stripe_customer_id,
    stripe_subscription_id = COALESCE(EXCLUDED.stripe_subscription_id, subscriptions.stripe_subscription_id),
    plan = EXCLUDED.plan,
    billing_cycle = EXCLUDED.billing_cycle,
    is_active = EXCLUDED.is_active,
    current_period_end = EXCLUDED.current_period_end,
    updated_at = now()`,
		userID,
		customerID,
		state.StripeSubscriptionID,
		string(state.Plan),
		nullableCycle(state.BillingCycle),
		state.IsActive,
		state.CurrentPeriodEnd,
	); err != nil {
		return fmt.Errorf("store: upsert billing state: %w", err)
	}
	return nil
}

// RevokeToken blacklists a refresh token id until its natural expiry. It
// reports false when the id was already blacklisted.
func (s *Store) RevokeToken(ctx context.Context, jti string, userID int64, expiresAt time.Time) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
INSERT INTO revoked_tokens (jti, user_id, expires_at)
VALUES ($1, $2, $3)
ON CONFLICT (jti) DO NOTHING`,
		jti, userID, expiresAt,
	)
	if err != nil {
		return false, fmt.Errorf("store: revoke token: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("store: revoke token: %w", err)
	}
	return n == 1, nil
}

// IsTokenRevoked reports whether jti has been blacklisted.
func (s *Store) IsTokenRevoked(ctx context.Context, jti string) (bool, error) {
	var revoked bool
	if err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM revoked_tokens WHERE jti = $1)`, jti,
	).Scan(&revoked); err != nil {
		return false, fmt.Errorf("store: lookup revoked token: %w", err)
	}
	return revoked, nil
}

func nullableCycle(c models.BillingCycle) any {
	if c == models.CycleNone {
		return nil
	}
	return string(c)
}

func expectAffected(result sql.Result) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("store: rows affected: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == uniqueViolation
}

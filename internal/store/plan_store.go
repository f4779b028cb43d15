package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/PortNumber53/coach-planner/internal/models"
)

// ErrAlreadySaved is returned when a plan has already been saved as a class.
var ErrAlreadySaved = errors.New("store: plan already saved")

// PlanStore provides database operations for chat plans and saved classes.
type PlanStore struct {
	db *sql.DB
}

// NewPlanStore creates a new PlanStore instance
func NewPlanStore(db *sql.DB) (*PlanStore, error) {
	if db == nil {
		return nil, errors.New("db cannot be nil")
	}
	return &PlanStore{db: db}, nil
}

const planColumns = `id, user_id, title, conversation, is_saved, pinned_date, created_at, updated_at`

func scanPlan(row interface{ Scan(...any) error }) (*models.Plan, error) {
	var p models.Plan
	if err := row.Scan(
		&p.ID, &p.UserID, &p.Title, &p.Conversation,
		&p.IsSaved, &p.PinnedDate, &p.CreatedAt, &p.UpdatedAt,
	); err != nil {
		return nil, err
	}
	return &p, nil
}

// CreatePlan starts a new, empty chat plan for userID.
func (s *PlanStore) CreatePlan(ctx context.Context, userID int64, title string) (*models.Plan, error) {
	if title == "" {
		title = models.DefaultPlanTitle
	}
	plan, err := scanPlan(s.db.QueryRowContext(ctx, `
INSERT INTO plans (user_id, title)
VALUES ($1, $2)
RETURNING `+planColumns,
		userID, title,
	))
	if err != nil {
		return nil, fmt.Errorf("create plan: %w", err)
	}
	return plan, nil
}

// GetPlan returns the plan if it is owned by userID.
func (s *PlanStore) GetPlan(ctx context.Context, userID, planID int64) (*models.Plan, error) {
	return s.onePlan(ctx, "get plan",
		`SELECT `+planColumns+` FROM plans WHERE id = $1 AND user_id = $2`, planID, userID)
}

// LatestPlan returns the most recently created plan of userID.
func (s *PlanStore) LatestPlan(ctx context.Context, userID int64) (*models.Plan, error) {
	return s.onePlan(ctx, "latest plan",
		`SELECT `+planColumns+` FROM plans WHERE user_id = $1 ORDER BY created_at DESC, id DESC LIMIT 1`, userID)
}

// LastUpdatedPlan returns the most recently touched plan of userID.
func (s *PlanStore) LastUpdatedPlan(ctx context.Context, userID int64) (*models.Plan, error) {
	return s.onePlan(ctx, "last updated plan",
		`SELECT `+planColumns+` FROM plans WHERE user_id = $1 ORDER BY updated_at DESC, id DESC LIMIT 1`, userID)
}

func (s *PlanStore) onePlan(ctx context.Context, op, query string, args ...any) (*models.Plan, error) {
	plan, err := scanPlan(s.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return plan, nil
}

// ListPlans returns up to limit plan summaries of userID, newest first,
// skipping offset rows.
func (s *PlanStore) ListPlans(ctx context.Context, userID int64, limit, offset int) ([]models.PlanSummary, error) {
	if limit <= 0 || limit > defaultPageSize {
		limit = defaultPageSize
	}
	if offset < 0 {
		offset = 0
	}

	rows, err := s.db.QueryContext(ctx, `
SELECT id, title, is_saved, pinned_date, created_at, updated_at
FROM plans
WHERE user_id = $1
ORDER BY created_at DESC, id DESC
LIMIT $2 OFFSET $3`,
		userID, limit, offset,
	)
	if err != nil {
		return nil, fmt.Errorf("list plans: %w", err)
	}
	defer rows.Close()

	plans := []models.PlanSummary{}
	for rows.Next() {
		var p models.PlanSummary
		if err := rows.Scan(&p.ID, &p.Title, &p.IsSaved, &p.PinnedDate, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan plan summary: %w", err)
		}
		plans = append(plans, p)
	}
	return plans, rows.Err()
}

// CountPlans returns how many plans userID owns.
func (s *PlanStore) CountPlans(ctx context.Context, userID int64) (int, error) {
	var count int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM plans WHERE user_id = $1`, userID).Scan(&count); err != nil {
		return 0, fmt.Errorf("count plans: %w", err)
	}
	return count, nil
}

// SetPlanTitle renames a plan owned by userID.
func (s *PlanStore) SetPlanTitle(ctx context.Context, userID, planID int64, title string) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE plans SET title = $3, updated_at = now() WHERE id = $1 AND user_id = $2`,
		planID, userID, title,
	)
	if err != nil {
		return fmt.Errorf("set plan title: %w", err)
	}
	return expectAffected(result)
}

// AppendTurns appends turns to the end of the plan's transcript.
func (s *PlanStore) AppendTurns(ctx context.Context, userID, planID int64, turns ...models.ConversationTurn) error {
	if len(turns) == 0 {
		return nil
	}
	result, err := s.db.ExecContext(ctx, `
UPDATE plans
SET conversation = conversation || $3::jsonb,
    updated_at = now()
WHERE id = $1 AND user_id = $2`,
		planID, userID, models.Conversation(turns),
	)
	if err != nil {
		return fmt.Errorf("append turns: %w", err)
	}
	return expectAffected(result)
}

const savedClassColumns = `sc.id, sc.user_id, sc.plan_id, sc.title, sc.notes, sc.pinned_date, sc.created_at`

func scanSavedClass(row interface{ Scan(...any) error }) (*models.SavedClass, error) {
	var c models.SavedClass
	if err := row.Scan(&c.ID, &c.UserID, &c.PlanID, &c.Title, &c.Notes, &c.PinnedDate, &c.CreatedAt); err != nil {
		return nil, err
	}
	return &c, nil
}

// SaveClass bookmarks an existing plan as a class and flags the plan as saved.
// An empty title becomes models.DefaultClassTitle.
func (s *PlanStore) SaveClass(ctx context.Context, userID, planID int64, title, notes string) (*models.SavedClass, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin save class tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	var isSaved bool
	if err := tx.QueryRowContext(ctx,
		`SELECT is_saved FROM plans WHERE id = $1 AND user_id = $2 FOR UPDATE`,
		planID, userID,
	).Scan(&isSaved); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("lookup plan for save: %w", err)
	}
	if isSaved {
		return nil, ErrAlreadySaved
	}
	if title == "" {
		title = models.DefaultClassTitle
	}

	class := &models.SavedClass{UserID: userID, PlanID: planID, Title: title, Notes: &notes}
	if err := tx.QueryRowContext(ctx, `
INSERT INTO saved_classes (user_id, plan_id, title, notes)
VALUES ($1, $2, $3, $4)
RETURNING id, pinned_date, created_at`,
		userID, planID, title, notes,
	).Scan(&class.ID, &class.PinnedDate, &class.CreatedAt); err != nil {
		return nil, fmt.Errorf("insert saved class: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE plans SET is_saved = TRUE, updated_at = now() WHERE id = $1`, planID,
	); err != nil {
		return nil, fmt.Errorf("mark plan saved: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit save class tx: %w", err)
	}
	return class, nil
}

// CreateManualClass creates an empty saved plan together with its class entry.
func (s *PlanStore) CreateManualClass(ctx context.Context, userID int64, title, notes string) (*models.SavedClass, error) {
	if title == "" {
		title = models.DefaultClassTitle
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin manual class tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	class := &models.SavedClass{UserID: userID, Title: title, Notes: &notes}
	if err := tx.QueryRowContext(ctx, `
INSERT INTO plans (user_id, title, is_saved)
VALUES ($1, $2, TRUE)
RETURNING id`,
		userID, title,
	).Scan(&class.PlanID); err != nil {
		return nil, fmt.Errorf("insert manual plan: %w", err)
	}

	if err := tx.QueryRowContext(ctx, `
INSERT INTO saved_classes (user_id, plan_id, title, notes)
VALUES ($1, $2, $3, $4)
RETURNING id, created_at`,
		userID, class.PlanID, title, notes,
	).Scan(&class.ID, &class.CreatedAt); err != nil {
		return nil, fmt.Errorf("insert manual class: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit manual class tx: %w", err)
	}
	return class, nil
}

// ListSavedClasses returns the classes of userID, newest first. When
// pinnedOnly is set only classes with a calendar date are returned.
func (s *PlanStore) ListSavedClasses(ctx context.Context, userID int64, pinnedOnly bool) ([]models.SavedClass, error) {
	query := `
SELECT ` + savedClassColumns + `
FROM saved_classes sc
WHERE sc.user_id = $1`
	if pinnedOnly {
		query += ` AND sc.pinned_date IS NOT NULL`
	}
	query += ` ORDER BY sc.created_at DESC, sc.id DESC`

	rows, err := s.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("list saved classes: %w", err)
	}
	defer rows.Close()

	classes := []models.SavedClass{}
	for rows.Next() {
		c, err := scanSavedClass(rows)
		if err != nil {
			return nil, fmt.Errorf("scan saved class: %w", err)
		}
		classes = append(classes, *c)
	}
	return classes, rows.Err()
}

// PinClass sets (or clears, when date is nil) the calendar date of a class.
func (s *PlanStore) PinClass(ctx context.Context, userID, classID int64, date *time.Time) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE saved_classes SET pinned_date = $3 WHERE id = $1 AND user_id = $2`,
		classID, userID, date,
	)
	if err != nil {
		return fmt.Errorf("pin class: %w", err)
	}
	return expectAffected(result)
}

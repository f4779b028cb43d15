package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// Role identifies the author of a conversation turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// ConversationTurn is a single message in a chat transcript.
type ConversationTurn struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Conversation is the ordered, append-only transcript stored as JSONB.
type Conversation []ConversationTurn

// Value implements the driver.Valuer interface for Conversation
func (c Conversation) Value() (driver.Value, error) {
	if c == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(c)
}

// Scan implements the sql.Scanner interface for Conversation
func (c *Conversation) Scan(value interface{}) error {
	if value == nil {
		*c = Conversation{}
		return nil
	}

	var raw []byte
	switch v := value.(type) {
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return fmt.Errorf("cannot scan type %T into Conversation", value)
	}

	turns := Conversation{}
	if err := json.Unmarshal(raw, &turns); err != nil {
		return err
	}
	*c = turns
	return nil
}

// Plan is a chat session owned by one user.
type Plan struct {
	ID           int64        `json:"id"`
	UserID       int64        `json:"user"`
	Title        string       `json:"title"`
	Conversation Conversation `json:"conversation"`
	IsSaved      bool         `json:"is_saved"`
	PinnedDate   *time.Time   `json:"pinned_date"`
	CreatedAt    time.Time    `json:"created_at"`
	UpdatedAt    time.Time    `json:"updated_at"`
}

// PlanSummary is the list view of a plan without its transcript.
type PlanSummary struct {
	ID         int64      `json:"id"`
	Title      string     `json:"title"`
	IsSaved    bool       `json:"is_saved"`
	PinnedDate *time.Time `json:"pinned_date"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// Summary drops the transcript.
func (p Plan) Summary() PlanSummary {
	return PlanSummary{
		ID:         p.ID,
		Title:      p.Title,
		IsSaved:    p.IsSaved,
		PinnedDate: p.PinnedDate,
		CreatedAt:  p.CreatedAt,
		UpdatedAt:  p.UpdatedAt,
	}
}

// SavedClass bookmarks a plan and can be pinned to a calendar date.
type SavedClass struct {
	ID         int64      `json:"id"`
	UserID     int64      `json:"-"`
	PlanID     int64      `json:"plan"`
	Title      string     `json:"title"`
	Notes      *string    `json:"notes"`
	PinnedDate *time.Time `json:"pinned_date"`
	CreatedAt  time.Time  `json:"created_at"`
}

// DefaultPlanTitle is used for plans created without a title.
const DefaultPlanTitle = "Untitled Plan"

// DefaultClassTitle is used for classes saved without a title.
const DefaultClassTitle = "Untitled Class"

package handlers

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/hlog"

	"github.com/PortNumber53/coach-planner/internal/agent"
	"github.com/PortNumber53/coach-planner/internal/billing"
	"github.com/PortNumber53/coach-planner/internal/models"
	"github.com/PortNumber53/coach-planner/internal/store"
)

const (
	recentPlansLimit = 10
	plansPageSize    = 5
)

// PlanStore is the chat session persistence used by the chat and class
// endpoints.
type PlanStore interface {
	CreatePlan(ctx context.Context, userID int64, title string) (*models.Plan, error)
	GetPlan(ctx context.Context, userID, planID int64) (*models.Plan, error)
	LatestPlan(ctx context.Context, userID int64) (*models.Plan, error)
	LastUpdatedPlan(ctx context.Context, userID int64) (*models.Plan, error)
	ListPlans(ctx context.Context, userID int64, limit, offset int) ([]models.PlanSummary, error)
	CountPlans(ctx context.Context, userID int64) (int, error)
	SetPlanTitle(ctx context.Context, userID, planID int64, title string) error
	AppendTurns(ctx context.Context, userID, planID int64, turns ...models.ConversationTurn) error
}

// AccountLookup loads what chat access is decided from.
type AccountLookup interface {
	GetUserByID(ctx context.Context, id int64) (*models.User, error)
	GetSubscriptionByUserID(ctx context.Context, userID int64) (*models.Subscription, error)
}

// Responder produces the assistant's reply to a chat turn.
type Responder interface {
	Respond(ctx context.Context, utterance string, history []models.ConversationTurn) (string, error)
}

// ChatHandler serves /api/chats.
type ChatHandler struct {
	Plans    PlanStore
	Accounts AccountLookup
	Agent    Responder
	now      func() time.Time
}

// NewChatHandler creates a ChatHandler.
func NewChatHandler(plans PlanStore, accounts AccountLookup, responder Responder) *ChatHandler {
	return &ChatHandler{Plans: plans, Accounts: accounts, Agent: responder, now: time.Now}
}

// RegisterRoutes registers the chat routes. The router must be behind
// auth.Middleware.
func (h *ChatHandler) RegisterRoutes(router chi.Router) {
	router.Post("/new", h.CreatePlan())
	router.Get("/", h.RecentPlans())
	router.Post("/", h.SendToLatest())
	router.Get("/last", h.LastPlan())
	router.Get("/all", h.AllPlans())
	router.Get("/recent-messages", h.RecentMessages())
	router.Post("/set-title", h.SetTitle())
	router.Get("/{id}", h.GetPlan())
	router.Post("/{id}/send", h.SendToPlan())
}

// CreatePlan starts an empty chat session.
func (h *ChatHandler) CreatePlan() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, ok := currentUserID(w, r)
		if !ok {
			return
		}
		plan, err := h.Plans.CreatePlan(r.Context(), userID, "")
		if err != nil {
			internalError(w, r, "chats: create plan", err)
			return
		}
		writeJSON(w, http.StatusCreated, plan)
	}
}

// RecentPlans lists the ten newest sessions.
func (h *ChatHandler) RecentPlans() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, ok := currentUserID(w, r)
		if !ok {
			return
		}
		plans, err := h.Plans.ListPlans(r.Context(), userID, recentPlansLimit, 0)
		if err != nil {
			internalError(w, r, "chats: list recent", err)
			return
		}
		writeJSON(w, http.StatusOK, plans)
	}
}

// LastPlan returns the newest session with its transcript.
func (h *ChatHandler) LastPlan() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, ok := currentUserID(w, r)
		if !ok {
			return
		}
		plan, err := h.Plans.LatestPlan(r.Context(), userID)
		if errors.Is(err, store.ErrNotFound) {
			writeDetail(w, http.StatusNotFound, "No plan found.")
			return
		}
		if err != nil {
			internalError(w, r, "chats: latest plan", err)
			return
		}
		writeJSON(w, http.StatusOK, plan)
	}
}

// GetPlan returns one session with its transcript.
func (h *ChatHandler) GetPlan() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, ok := currentUserID(w, r)
		if !ok {
			return
		}
		planID, ok := pathID(w, r)
		if !ok {
			return
		}
		plan, err := h.Plans.GetPlan(r.Context(), userID, planID)
		if errors.Is(err, store.ErrNotFound) {
			writeDetail(w, http.StatusNotFound, "Plan not found.")
			return
		}
		if err != nil {
			internalError(w, r, "chats: get plan", err)
			return
		}
		writeJSON(w, http.StatusOK, plan)
	}
}

type planPage struct {
	Count    int                  `json:"count"`
	Next     *string              `json:"next"`
	Previous *string              `json:"previous"`
	Results  []models.PlanSummary `json:"results"`
}

// AllPlans pages through every session, five per page.
func (h *ChatHandler) AllPlans() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, ok := currentUserID(w, r)
		if !ok {
			return
		}

		page := 1
		if raw := r.URL.Query().Get("page"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n < 1 {
				writeDetail(w, http.StatusNotFound, "Invalid page.")
				return
			}
			page = n
		}

		count, err := h.Plans.CountPlans(r.Context(), userID)
		if err != nil {
			internalError(w, r, "chats: count plans", err)
			return
		}
		lastPage := max(1, (count+plansPageSize-1)/plansPageSize)
		if page > lastPage {
			writeDetail(w, http.StatusNotFound, "Invalid page.")
			return
		}

		results, err := h.Plans.ListPlans(r.Context(), userID, plansPageSize, (page-1)*plansPageSize)
		if err != nil {
			internalError(w, r, "chats: list page", err)
			return
		}
		if results == nil {
			results = []models.PlanSummary{}
		}

		resp := planPage{Count: count, Results: results}
		if page < lastPage {
			resp.Next = pageLink(r, page+1)
		}
		if page > 1 {
			resp.Previous = pageLink(r, page-1)
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

// pageLink returns the absolute URL of another page of the current listing.
func pageLink(r *http.Request, page int) *string {
	scheme := "http"
	if r.TLS != nil || strings.EqualFold(r.Header.Get("X-Forwarded-Proto"), "https") {
		scheme = "https"
	}
	u := url.URL{Scheme: scheme, Host: r.Host, Path: r.URL.Path}
	q := r.URL.Query()
	if page == 1 {
		q.Del("page")
	} else {
		q.Set("page", strconv.Itoa(page))
	}
	u.RawQuery = q.Encode()
	link := u.String()
	return &link
}

// RecentMessages previews the last exchange of the most recently active
// session.
func (h *ChatHandler) RecentMessages() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, ok := currentUserID(w, r)
		if !ok {
			return
		}
		plan, err := h.Plans.LastUpdatedPlan(r.Context(), userID)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			internalError(w, r, "chats: last updated plan", err)
			return
		}
		if plan == nil || len(plan.Conversation) == 0 {
			writeDetail(w, http.StatusNotFound, "No recent conversation found.")
			return
		}

		var userMsg, aiMsg *string
		for i := len(plan.Conversation) - 1; i >= 0 && (userMsg == nil || aiMsg == nil); i-- {
			turn := plan.Conversation[i]
			switch {
			case turn.Role == models.RoleAssistant && aiMsg == nil:
				aiMsg = &turn.Content
			case turn.Role == models.RoleUser && userMsg == nil:
				userMsg = &turn.Content
			}
		}

		writeJSON(w, http.StatusOK, map[string]any{
			"plan_id":           plan.ID,
			"title":             plan.Title,
			"last_user_message": userMsg,
			"last_ai_response":  aiMsg,
			"updated_at":        plan.UpdatedAt,
		})
	}
}

type setTitleRequest struct {
	PlanID int64  `json:"plan_id" validate:"required,gt=0"`
	Title  string `json:"title" validate:"required,max=255"`
}

// SetTitle renames a session.
func (h *ChatHandler) SetTitle() http.HandlerFunc {
	return setPlanTitle(h.Plans)
}

func setPlanTitle(plans PlanStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, ok := currentUserID(w, r)
		if !ok {
			return
		}
		var req setTitleRequest
		if !decodeAndValidate(w, r, &req) {
			return
		}
		err := plans.SetPlanTitle(r.Context(), userID, req.PlanID, req.Title)
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "Plan not found.")
			return
		}
		if err != nil {
			internalError(w, r, "set-title", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"message": "Title updated successfully."})
	}
}

type chatMessageRequest struct {
	Message string `json:"message" validate:"required"`
}

// SendToLatest posts a message to the newest session.
func (h *ChatHandler) SendToLatest() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, ok := currentUserID(w, r)
		if !ok || !h.allowed(w, r, userID) {
			return
		}
		var req chatMessageRequest
		if !decodeAndValidate(w, r, &req) {
			return
		}
		plan, err := h.Plans.LatestPlan(r.Context(), userID)
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "No plan found. Please create a new plan first.")
			return
		}
		if err != nil {
			internalError(w, r, "chats: latest plan", err)
			return
		}
		h.converse(w, r, userID, plan, req.Message)
	}
}

// SendToPlan posts a message to the given session.
func (h *ChatHandler) SendToPlan() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, ok := currentUserID(w, r)
		if !ok || !h.allowed(w, r, userID) {
			return
		}
		planID, ok := pathID(w, r)
		if !ok {
			return
		}
		plan, err := h.Plans.GetPlan(r.Context(), userID, planID)
		if errors.Is(err, store.ErrNotFound) {
			writeDetail(w, http.StatusNotFound, "Plan not found.")
			return
		}
		if err != nil {
			internalError(w, r, "chats: get plan", err)
			return
		}
		var req chatMessageRequest
		if !decodeAndValidate(w, r, &req) {
			return
		}
		h.converse(w, r, userID, plan, req.Message)
	}
}

// allowed answers 403 unless the user is subscribed or in a trial.
func (h *ChatHandler) allowed(w http.ResponseWriter, r *http.Request, userID int64) bool {
	user, err := h.Accounts.GetUserByID(r.Context(), userID)
	if err != nil {
		internalError(w, r, "chats: load user", err)
		return false
	}
	sub, err := h.Accounts.GetSubscriptionByUserID(r.Context(), userID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		internalError(w, r, "chats: load subscription", err)
		return false
	}
	if !billing.HasAccess(user, sub, h.now()) {
		writeError(w, http.StatusForbidden, "Your free trial has ended. Please upgrade to Pro.")
		return false
	}
	return true
}

// converse asks the agent for a reply and appends both turns only once the
// reply exists.
func (h *ChatHandler) converse(w http.ResponseWriter, r *http.Request, userID int64, plan *models.Plan, message string) {
	reply, err := h.Agent.Respond(r.Context(), message, plan.Conversation)
	switch {
	case errors.Is(err, agent.ErrServiceUnavailable):
		hlog.FromRequest(r).Warn().Err(err).Int64("plan_id", plan.ID).Msg("[chats] assistant unavailable")
		writeError(w, http.StatusServiceUnavailable, "The assistant is temporarily unavailable. Please try again later.")
		return
	case err != nil:
		internalError(w, r, "chats: respond", err)
		return
	}

	err = h.Plans.AppendTurns(r.Context(), userID, plan.ID,
		models.ConversationTurn{Role: models.RoleUser, Content: message},
		models.ConversationTurn{Role: models.RoleAssistant, Content: reply},
	)
	if err != nil {
		internalError(w, r, "chats: append turns", err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"message":  message,
		"response": reply,
		"plan_id":  plan.ID,
	})
}

func pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		writeDetail(w, http.StatusNotFound, "Not found.")
		return 0, false
	}
	return id, true
}

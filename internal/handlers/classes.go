package handlers

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/PortNumber53/coach-planner/internal/models"
	"github.com/PortNumber53/coach-planner/internal/store"
)

// ClassStore persists saved classes.
type ClassStore interface {
	SaveClass(ctx context.Context, userID, planID int64, title, notes string) (*models.SavedClass, error)
	CreateManualClass(ctx context.Context, userID int64, title, notes string) (*models.SavedClass, error)
	ListSavedClasses(ctx context.Context, userID int64, pinnedOnly bool) ([]models.SavedClass, error)
	PinClass(ctx context.Context, userID, classID int64, date *time.Time) error
}

// ClassHandler serves /api/classes.
type ClassHandler struct {
	Plans   PlanStore
	Classes ClassStore
}

// NewClassHandler creates a ClassHandler.
func NewClassHandler(plans PlanStore, classes ClassStore) *ClassHandler {
	return &ClassHandler{Plans: plans, Classes: classes}
}

// RegisterRoutes registers the class routes. The router must be behind
// auth.Middleware.
func (h *ClassHandler) RegisterRoutes(router chi.Router) {
	router.Post("/set-title", setPlanTitle(h.Plans))
	router.Post("/save", h.Save())
	router.Get("/saved", h.List(false))
	router.Post("/create", h.Create())
	router.Get("/calendar", h.List(true))
	router.Post("/pin", h.Pin())
}

type saveClassRequest struct {
	PlanID int64  `json:"plan_id" validate:"required,gt=0"`
	Title  string `json:"title" validate:"max=255"`
	Notes  string `json:"notes"`
}

// Save bookmarks a session as a class.
func (h *ClassHandler) Save() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, ok := currentUserID(w, r)
		if !ok {
			return
		}
		var req saveClassRequest
		if !decodeAndValidate(w, r, &req) {
			return
		}

		class, err := h.Classes.SaveClass(r.Context(), userID, req.PlanID, req.Title, req.Notes)
		switch {
		case errors.Is(err, store.ErrAlreadySaved):
			writeDetail(w, http.StatusBadRequest, "Already saved.")
		case errors.Is(err, store.ErrNotFound):
			writeDetail(w, http.StatusNotFound, "Plan not found.")
		case err != nil:
			internalError(w, r, "classes: save", err)
		default:
			writeJSON(w, http.StatusCreated, class)
		}
	}
}

type createClassRequest struct {
	Title string `json:"title" validate:"max=255"`
	Notes string `json:"notes"`
}

// Create adds a class without a chat history.
func (h *ClassHandler) Create() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, ok := currentUserID(w, r)
		if !ok {
			return
		}
		var req createClassRequest
		if !decodeAndValidate(w, r, &req) {
			return
		}

		class, err := h.Classes.CreateManualClass(r.Context(), userID, req.Title, req.Notes)
		if err != nil {
			internalError(w, r, "classes: create", err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{
			"id":         class.ID,
			"plan_id":    class.PlanID,
			"title":      class.Title,
			"notes":      class.Notes,
			"created_at": class.CreatedAt,
		})
	}
}

// List returns saved classes, newest first. pinnedOnly limits the list to
// classes on the calendar.
func (h *ClassHandler) List(pinnedOnly bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, ok := currentUserID(w, r)
		if !ok {
			return
		}
		classes, err := h.Classes.ListSavedClasses(r.Context(), userID, pinnedOnly)
		if err != nil {
			internalError(w, r, "classes: list", err)
			return
		}
		if classes == nil {
			classes = []models.SavedClass{}
		}
		writeJSON(w, http.StatusOK, classes)
	}
}

type pinClassRequest struct {
	ClassID    int64   `json:"class_id" validate:"required,gt=0"`
	PinnedDate *string `json:"pinned_date"`
}

// Pin sets or clears the calendar date of a class. A null pinned_date
// unpins it.
func (h *ClassHandler) Pin() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, ok := currentUserID(w, r)
		if !ok {
			return
		}
		var req pinClassRequest
		if !decodeAndValidate(w, r, &req) {
			return
		}

		var date *time.Time
		if req.PinnedDate != nil && *req.PinnedDate != "" {
			t, err := parsePinnedDate(*req.PinnedDate)
			if err != nil {
				writeFieldErrors(w, fieldErrors{"pinned_date": "Datetime has wrong format. Use YYYY-MM-DD or RFC 3339."})
				return
			}
			date = &t
		}

		err := h.Classes.PinClass(r.Context(), userID, req.ClassID, date)
		if errors.Is(err, store.ErrNotFound) {
			writeDetail(w, http.StatusNotFound, "Class not found.")
			return
		}
		if err != nil {
			internalError(w, r, "classes: pin", err)
			return
		}
		writeDetail(w, http.StatusOK, "Pinned to calendar.")
	}
}

func parsePinnedDate(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UTC(), nil
	}
	return time.Parse(time.DateOnly, s)
}

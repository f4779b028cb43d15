package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"

	"github.com/PortNumber53/coach-planner/internal/auth"
	"github.com/PortNumber53/coach-planner/internal/models"
	"github.com/PortNumber53/coach-planner/internal/store"
)

// memStore is an in-memory stand-in for store.Store.
type memStore struct {
	mu      sync.Mutex
	nextID  int64
	users   map[int64]*models.User
	subs    map[int64]*models.Subscription
	revoked map[string]bool
	misses  map[int64]int
	err     error
}

func newMemStore() *memStore {
	return &memStore{
		users:   map[int64]*models.User{},
		subs:    map[int64]*models.Subscription{},
		revoked: map[string]bool{},
		misses:  map[int64]int{},
	}
}

func (m *memStore) addUser(u models.User) *models.User {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	if u.ID == 0 {
		u.ID = m.nextID
	}
	m.users[u.ID] = &u
	return &u
}

func (m *memStore) CreateUser(_ context.Context, username, email, hash string) (*models.User, error) {
	if m.err != nil {
		return nil, m.err
	}
	m.mu.Lock()
	for _, u := range m.users {
		if u.Username == username || strings.EqualFold(u.Email, email) {
			m.mu.Unlock()
			return nil, store.ErrDuplicate
		}
	}
	m.mu.Unlock()
	return m.addUser(models.User{Username: username, Email: strings.ToLower(email), PasswordHash: hash, IsActive: true}), nil
}

func (m *memStore) GetUserByID(_ context.Context, id int64) (*models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	u, ok := m.users[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (m *memStore) GetUserByEmail(_ context.Context, email string) (*models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	for _, u := range m.users {
		if strings.EqualFold(u.Email, email) {
			cp := *u
			return &cp, nil
		}
	}
	return nil, store.ErrNotFound
}

func (m *memStore) UpdateProfile(_ context.Context, id int64, up models.ProfileUpdate) (*models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	if up.Username != nil {
		for _, other := range m.users {
			if other.ID != id && other.Username == *up.Username {
				return nil, store.ErrDuplicate
			}
		}
		u.Username = *up.Username
	}
	if up.About != nil {
		u.About = up.About
	}
	if up.Details != nil {
		u.Details = up.Details
	}
	if up.ProfilePicture != nil {
		u.ProfilePicture = up.ProfilePicture
	}
	cp := *u
	return &cp, nil
}

func (m *memStore) SetResetCode(_ context.Context, id int64, code string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return store.ErrNotFound
	}
	u.ResetCode = &code
	u.ResetCodeCreated = &at
	m.misses[id] = 0
	return nil
}

func (m *memStore) RecordResetFailure(_ context.Context, id int64, maxAttempts int) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return false, store.ErrNotFound
	}
	m.misses[id]++
	if m.misses[id] >= maxAttempts {
		u.ResetCode = nil
		u.ResetCodeCreated = nil
	}
	return u.ResetCode == nil, nil
}

func (m *memStore) ResetPassword(_ context.Context, id int64, hash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return store.ErrNotFound
	}
	u.PasswordHash = hash
	u.ResetCode = nil
	u.ResetCodeCreated = nil
	m.misses[id] = 0
	return nil
}

func (m *memStore) GetSubscriptionByUserID(_ context.Context, userID int64) (*models.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	s, ok := m.subs[userID]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *s
	return &cp, nil
}

func (m *memStore) AttachCustomer(_ context.Context, userID int64, customerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.subs[userID]
	if !ok {
		s = &models.Subscription{ID: userID, UserID: userID, Plan: models.PlanStandard}
		m.subs[userID] = s
	}
	s.StripeCustomerID = &customerID
	return nil
}

func (m *memStore) RevokeToken(_ context.Context, jti string, _ int64, _ time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.revoked[jti] {
		return false, nil
	}
	m.revoked[jti] = true
	return true, nil
}

func (m *memStore) IsTokenRevoked(_ context.Context, jti string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.revoked[jti], nil
}

// memPlans is an in-memory PlanStore and ClassStore.
type memPlans struct {
	mu      sync.Mutex
	clock   time.Time
	plans   map[int64]*models.Plan
	classes map[int64]*models.SavedClass
	nextID  int64
	appends int
}

func newMemPlans() *memPlans {
	return &memPlans{
		clock:   time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC),
		plans:   map[int64]*models.Plan{},
		classes: map[int64]*models.SavedClass{},
	}
}

func (p *memPlans) tick() time.Time {
	p.clock = p.clock.Add(time.Minute)
	return p.clock
}

func (p *memPlans) CreatePlan(_ context.Context, userID int64, title string) (*models.Plan, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if title == "" {
		title = models.DefaultPlanTitle
	}
	p.nextID++
	now := p.tick()
	plan := &models.Plan{ID: p.nextID, UserID: userID, Title: title, Conversation: models.Conversation{}, CreatedAt: now, UpdatedAt: now}
	p.plans[plan.ID] = plan
	cp := *plan
	return &cp, nil
}

func (p *memPlans) GetPlan(_ context.Context, userID, planID int64) (*models.Plan, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	plan, ok := p.plans[planID]
	if !ok || plan.UserID != userID {
		return nil, store.ErrNotFound
	}
	cp := *plan
	cp.Conversation = append(models.Conversation{}, plan.Conversation...)
	return &cp, nil
}

func (p *memPlans) owned(userID int64, less func(a, b *models.Plan) bool) []*models.Plan {
	var out []*models.Plan
	for _, plan := range p.plans {
		if plan.UserID == userID {
			out = append(out, plan)
		}
	}
	sort.Slice(out, func(i, j int) bool { return less(out[i], out[j]) })
	return out
}

func newestCreated(a, b *models.Plan) bool { return a.CreatedAt.After(b.CreatedAt) }

func (p *memPlans) LatestPlan(ctx context.Context, userID int64) (*models.Plan, error) {
	p.mu.Lock()
	plans := p.owned(userID, newestCreated)
	p.mu.Unlock()
	if len(plans) == 0 {
		return nil, store.ErrNotFound
	}
	return p.GetPlan(ctx, userID, plans[0].ID)
}

func (p *memPlans) LastUpdatedPlan(ctx context.Context, userID int64) (*models.Plan, error) {
	p.mu.Lock()
	plans := p.owned(userID, func(a, b *models.Plan) bool { return a.UpdatedAt.After(b.UpdatedAt) })
	p.mu.Unlock()
	if len(plans) == 0 {
		return nil, store.ErrNotFound
	}
	return p.GetPlan(ctx, userID, plans[0].ID)
}

func (p *memPlans) ListPlans(_ context.Context, userID int64, limit, offset int) ([]models.PlanSummary, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	plans := p.owned(userID, newestCreated)
	var out []models.PlanSummary
	for i := offset; i < len(plans) && len(out) < limit; i++ {
		out = append(out, plans[i].Summary())
	}
	return out, nil
}

func (p *memPlans) CountPlans(_ context.Context, userID int64) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.owned(userID, newestCreated)), nil
}

func (p *memPlans) SetPlanTitle(_ context.Context, userID, planID int64, title string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	plan, ok := p.plans[planID]
	if !ok || plan.UserID != userID {
		return store.ErrNotFound
	}
	plan.Title = title
	plan.UpdatedAt = p.tick()
	return nil
}

func (p *memPlans) AppendTurns(_ context.Context, userID, planID int64, turns ...models.ConversationTurn) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	plan, ok := p.plans[planID]
	if !ok || plan.UserID != userID {
		return store.ErrNotFound
	}
	plan.Conversation = append(plan.Conversation, turns...)
	plan.UpdatedAt = p.tick()
	p.appends++
	return nil
}

func (p *memPlans) SaveClass(_ context.Context, userID, planID int64, title, notes string) (*models.SavedClass, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	plan, ok := p.plans[planID]
	if !ok || plan.UserID != userID {
		return nil, store.ErrNotFound
	}
	if plan.IsSaved {
		return nil, store.ErrAlreadySaved
	}
	if title == "" {
		title = models.DefaultClassTitle
	}
	plan.IsSaved = true
	p.nextID++
	class := &models.SavedClass{ID: p.nextID, UserID: userID, PlanID: planID, Title: title, Notes: &notes, CreatedAt: p.tick()}
	p.classes[class.ID] = class
	cp := *class
	return &cp, nil
}

func (p *memPlans) CreateManualClass(ctx context.Context, userID int64, title, notes string) (*models.SavedClass, error) {
	if title == "" {
		title = models.DefaultClassTitle
	}
	plan, err := p.CreatePlan(ctx, userID, title)
	if err != nil {
		return nil, err
	}
	return p.SaveClass(ctx, userID, plan.ID, title, notes)
}

func (p *memPlans) ListSavedClasses(_ context.Context, userID int64, pinnedOnly bool) ([]models.SavedClass, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []models.SavedClass
	for _, c := range p.classes {
		if c.UserID != userID || (pinnedOnly && c.PinnedDate == nil) {
			continue
		}
		out = append(out, *c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (p *memPlans) PinClass(_ context.Context, userID, classID int64, date *time.Time) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	c, ok := p.classes[classID]
	if !ok || c.UserID != userID {
		return store.ErrNotFound
	}
	c.PinnedDate = date
	return nil
}

type sentEmail struct{ to, subject, body string }

type memEmails struct {
	sent []sentEmail
}

func (e *memEmails) EnqueueEmail(_ context.Context, to, subject, body string) error {
	e.sent = append(e.sent, sentEmail{to, subject, body})
	return nil
}

var errBoom = errors.New("boom")

// withUser injects an authenticated user id the way auth.Middleware does.
func withUser(id int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			next.ServeHTTP(w, r.WithContext(auth.WithUserID(r.Context(), id)))
		})
	}
}

// mount builds a router serving register under prefix, authenticated as
// userID when it is non-zero.
func mount(prefix string, userID int64, register func(chi.Router)) http.Handler {
	r := chi.NewRouter()
	r.Route(prefix, func(sub chi.Router) {
		if userID != 0 {
			sub.Use(withUser(userID))
		}
		register(sub)
	})
	return r
}

func doJSON(t *testing.T, h http.Handler, method, path string, body any, cookies ...*http.Cookie) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	for _, c := range cookies {
		req.AddCookie(c)
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func decodeBody(t *testing.T, rr *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &out), rr.Body.String())
	return out
}

func responseCookie(rr *httptest.ResponseRecorder, name string) *http.Cookie {
	for _, c := range rr.Result().Cookies() {
		if c.Name == name {
			return c
		}
	}
	return nil
}

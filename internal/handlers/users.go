package handlers

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/hlog"

	"github.com/PortNumber53/coach-planner/internal/auth"
	"github.com/PortNumber53/coach-planner/internal/billing"
	"github.com/PortNumber53/coach-planner/internal/models"
	"github.com/PortNumber53/coach-planner/internal/store"
)

const (
	resetEmailCookie  = "reset_email"
	otpVerifiedCookie = "otp_verified"
	resetCookieMaxAge = 600

	// ResetCodeTTL bounds how long an emailed reset code stays valid.
	ResetCodeTTL = 10 * time.Minute

	// maxResetAttempts wrong codes discard the pending code.
	maxResetAttempts = 5

	maxProfileUpload = 6 << 20
)

// UserStore is the persistence used by the account endpoints.
type UserStore interface {
	CreateUser(ctx context.Context, username, email, passwordHash string) (*models.User, error)
	GetUserByID(ctx context.Context, id int64) (*models.User, error)
	GetUserByEmail(ctx context.Context, email string) (*models.User, error)
	UpdateProfile(ctx context.Context, userID int64, update models.ProfileUpdate) (*models.User, error)
	SetResetCode(ctx context.Context, userID int64, code string, createdAt time.Time) error
	RecordResetFailure(ctx context.Context, userID int64, maxAttempts int) (bool, error)
	ResetPassword(ctx context.Context, userID int64, passwordHash string) error
	GetSubscriptionByUserID(ctx context.Context, userID int64) (*models.Subscription, error)
}

// EmailQueue schedules outbound email.
type EmailQueue interface {
	EnqueueEmail(ctx context.Context, to, subject, body string) error
}

// TrialGranter starts free trials.
type TrialGranter interface {
	GrantTrial(ctx context.Context, userID int64) (time.Time, error)
}

// ProfileMedia stores profile pictures. It may be nil when object storage is
// not configured; picture uploads are then rejected.
type ProfileMedia interface {
	UploadProfilePicture(ctx context.Context, filename string, body io.Reader) (string, error)
	PublicURL(key string) string
}

// UserHandler serves /api/users.
type UserHandler struct {
	Store   UserStore
	Tokens  *auth.Issuer
	Emails  EmailQueue
	Trials  TrialGranter
	Media   ProfileMedia
	Secure  bool
	now     func() time.Time
	newCode func() (string, error)
}

// NewUserHandler creates a UserHandler. secureCookies marks the password
// reset cookies Secure.
func NewUserHandler(st UserStore, tokens *auth.Issuer, emails EmailQueue, trials TrialGranter, media ProfileMedia, secureCookies bool) *UserHandler {
	return &UserHandler{
		Store:   st,
		Tokens:  tokens,
		Emails:  emails,
		Trials:  trials,
		Media:   media,
		Secure:  secureCookies,
		now:     time.Now,
		newCode: resetCode,
	}
}

// RegisterPublicRoutes registers the routes reachable without a token.
func (h *UserHandler) RegisterPublicRoutes(router chi.Router) {
	router.Post("/signup", h.Signup())
	router.Post("/login", h.Login())
	router.Post("/token/refresh", h.RefreshToken())
	router.Post("/forgot-password", h.ForgotPassword())
	router.Post("/verify-code", h.VerifyCode())
	router.Post("/reset-password", h.ResetPassword())
}

// RegisterProtectedRoutes registers the routes that require an access token.
func (h *UserHandler) RegisterProtectedRoutes(router chi.Router) {
	router.Post("/logout", h.Logout())
	router.Get("/protected", h.Protected())
	router.Post("/trial/accept", h.AcceptTrial())
	router.Get("/profile", h.GetProfile())
	router.Put("/profile", h.UpdateProfile())
	router.Post("/profile/about-details", h.UpdateAboutDetails())
}

type signupRequest struct {
	Username        string `json:"username" validate:"required,max=150"`
	Email           string `json:"email" validate:"required,email"`
	Password        string `json:"password" validate:"required,min=8"`
	ConfirmPassword string `json:"confirm_password" validate:"required,eqfield=Password"`
	AgreeTerms      bool   `json:"agree_terms" validate:"required"`
}

// Signup creates an account.
func (h *UserHandler) Signup() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req signupRequest
		if !decodeAndValidate(w, r, &req) {
			return
		}

		hash, err := auth.HashPassword(req.Password)
		if err != nil {
			internalError(w, r, "signup: hash password", err)
			return
		}

		user, err := h.Store.CreateUser(r.Context(), strings.TrimSpace(req.Username), strings.TrimSpace(req.Email), hash)
		if errors.Is(err, store.ErrDuplicate) {
			writeFieldErrors(w, fieldErrors{"email": "A user with that username or email already exists."})
			return
		}
		if err != nil {
			internalError(w, r, "signup: create user", err)
			return
		}

		hlog.FromRequest(r).Info().Int64("user_id", user.ID).Msg("[users] account created")
		writeJSON(w, http.StatusCreated, map[string]string{"message": "User registered successfully."})
	}
}

type loginRequest struct {
	Email    string `json:"email" validate:"required"`
	Password string `json:"password" validate:"required"`
}

// Login exchanges credentials for a token pair.
func (h *UserHandler) Login() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req loginRequest
		if !decodeAndValidate(w, r, &req) {
			return
		}

		user, err := h.Store.GetUserByEmail(r.Context(), strings.TrimSpace(req.Email))
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			internalError(w, r, "login: get user", err)
			return
		}
		if user == nil || !user.IsActive || !auth.CheckPassword(req.Password, user.PasswordHash) {
			writeDetail(w, http.StatusUnauthorized, "No active account found with the given credentials")
			return
		}

		pair, err := h.Tokens.IssuePair(user.ID)
		if err != nil {
			internalError(w, r, "login: issue tokens", err)
			return
		}
		writeJSON(w, http.StatusOK, pair)
	}
}

type refreshRequest struct {
	Refresh string `json:"refresh" validate:"required"`
}

// RefreshToken rotates a refresh token.
func (h *UserHandler) RefreshToken() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req refreshRequest
		if !decodeAndValidate(w, r, &req) {
			return
		}

		pair, err := h.Tokens.Rotate(r.Context(), req.Refresh)
		if errors.Is(err, auth.ErrInvalidToken) || errors.Is(err, auth.ErrTokenRevoked) {
			writeDetail(w, http.StatusUnauthorized, "Token is invalid or expired")
			return
		}
		if err != nil {
			internalError(w, r, "refresh: rotate", err)
			return
		}
		writeJSON(w, http.StatusOK, pair)
	}
}

type logoutRequest struct {
	RefreshToken string `json:"refresh_token" validate:"required"`
}

// Logout blacklists the refresh token.
func (h *UserHandler) Logout() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req logoutRequest
		if !decodeAndValidate(w, r, &req) {
			return
		}

		err := h.Tokens.Revoke(r.Context(), req.RefreshToken)
		if errors.Is(err, auth.ErrInvalidToken) || errors.Is(err, auth.ErrTokenRevoked) {
			writeError(w, http.StatusBadRequest, "Invalid refresh token.")
			return
		}
		if err != nil {
			internalError(w, r, "logout: revoke", err)
			return
		}
		writeDetail(w, http.StatusResetContent, "Logout successful.")
	}
}

// Protected confirms the bearer token is valid.
func (h *UserHandler) Protected() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"message": "You are authenticated!"})
	}
}

type forgotPasswordRequest struct {
	Email string `json:"email" validate:"required,email"`
}

// ForgotPassword emails a six digit reset code and remembers the address in
// a short-lived cookie.
func (h *UserHandler) ForgotPassword() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req forgotPasswordRequest
		if !decodeAndValidate(w, r, &req) {
			return
		}
		email := strings.TrimSpace(req.Email)

		user, err := h.Store.GetUserByEmail(r.Context(), email)
		if errors.Is(err, store.ErrNotFound) {
			writeFieldErrors(w, fieldErrors{"email": "User with this email does not exist."})
			return
		}
		if err != nil {
			internalError(w, r, "forgot-password: get user", err)
			return
		}

		code, err := h.newCode()
		if err != nil {
			internalError(w, r, "forgot-password: generate code", err)
			return
		}
		if err := h.Store.SetResetCode(r.Context(), user.ID, code, h.now()); err != nil {
			internalError(w, r, "forgot-password: store code", err)
			return
		}

		body := fmt.Sprintf("Hi %s,\n\nYour password reset code is: %s\n\nThis code will expire in 10 minutes.", user.Username, code)
		if err := h.Emails.EnqueueEmail(r.Context(), user.Email, "Your Password Reset Code", body); err != nil {
			internalError(w, r, "forgot-password: enqueue email", err)
			return
		}

		h.setCookie(w, resetEmailCookie, email)
		writeJSON(w, http.StatusOK, map[string]string{"message": "Verification code sent to email."})
	}
}

type verifyCodeRequest struct {
	Code string `json:"code" validate:"required,max=6"`
}

// VerifyCode checks the emailed code against the address in the reset cookie.
// On success the otp_verified cookie carries a signed reset token bound to the
// user and the code.
func (h *UserHandler) VerifyCode() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		email := cookieValue(r, resetEmailCookie)
		if email == "" {
			writeError(w, http.StatusBadRequest, "Email not found in session. Please request OTP again.")
			return
		}

		var req verifyCodeRequest
		if !decodeAndValidate(w, r, &req) {
			return
		}
		code := strings.TrimSpace(req.Code)

		user, err := h.Store.GetUserByEmail(r.Context(), email)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			internalError(w, r, "verify-code: get user", err)
			return
		}
		if user == nil || user.ResetCode == nil {
			writeError(w, http.StatusBadRequest, "Invalid code for the current session.")
			return
		}
		if *user.ResetCode != code {
			cleared, err := h.Store.RecordResetFailure(r.Context(), user.ID, maxResetAttempts)
			if err != nil {
				internalError(w, r, "verify-code: record failure", err)
				return
			}
			if cleared {
				hlog.FromRequest(r).Warn().Int64("user_id", user.ID).Msg("[users] reset code discarded after repeated failures")
				writeError(w, http.StatusBadRequest, "Too many incorrect codes. Please request a new one.")
				return
			}
			writeError(w, http.StatusBadRequest, "Invalid code for the current session.")
			return
		}
		if h.resetCodeExpired(user) {
			writeError(w, http.StatusBadRequest, "The reset code has expired. Please request a new one.")
			return
		}

		token, err := h.Tokens.IssueReset(user.ID, code)
		if err != nil {
			internalError(w, r, "verify-code: issue reset token", err)
			return
		}
		h.setCookie(w, otpVerifiedCookie, token)
		writeJSON(w, http.StatusOK, map[string]string{"message": "Verification code is valid."})
	}
}

type resetPasswordRequest struct {
	NewPassword     string `json:"new_password" validate:"required,min=8"`
	ConfirmPassword string `json:"confirm_password" validate:"required,eqfield=NewPassword"`
}

// ResetPassword sets a new password once the code has been verified. The
// reset token must match the user named by the email cookie and the code
// still pending for them.
func (h *UserHandler) ResetPassword() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		email := cookieValue(r, resetEmailCookie)
		proof := cookieValue(r, otpVerifiedCookie)
		if email == "" || proof == "" {
			writeError(w, http.StatusBadRequest, "Session expired or unauthorized. Please verify OTP again.")
			return
		}

		var req resetPasswordRequest
		if !decodeAndValidate(w, r, &req) {
			return
		}

		user, err := h.Store.GetUserByEmail(r.Context(), email)
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusBadRequest, "User does not exist.")
			return
		}
		if err != nil {
			internalError(w, r, "reset-password: get user", err)
			return
		}
		if user.ResetCode == nil {
			writeError(w, http.StatusBadRequest, "OTP not verified or already used.")
			return
		}
		claims, err := h.Tokens.ParseReset(proof, *user.ResetCode)
		if err != nil || claims.UserID != user.ID || h.resetCodeExpired(user) {
			writeError(w, http.StatusBadRequest, "Session expired or unauthorized. Please verify OTP again.")
			return
		}

		hash, err := auth.HashPassword(req.NewPassword)
		if err != nil {
			internalError(w, r, "reset-password: hash password", err)
			return
		}
		if err := h.Store.ResetPassword(r.Context(), user.ID, hash); err != nil {
			internalError(w, r, "reset-password: update", err)
			return
		}

		h.clearCookie(w, resetEmailCookie)
		h.clearCookie(w, otpVerifiedCookie)
		writeJSON(w, http.StatusOK, map[string]string{"message": "Password has been reset successfully."})
	}
}

func (h *UserHandler) resetCodeExpired(user *models.User) bool {
	return user.ResetCodeCreated != nil && h.now().After(user.ResetCodeCreated.Add(ResetCodeTTL))
}

// AcceptTrial starts the seven day free trial.
func (h *UserHandler) AcceptTrial() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, ok := currentUserID(w, r)
		if !ok {
			return
		}

		_, err := h.Trials.GrantTrial(r.Context(), userID)
		if errors.Is(err, billing.ErrTrialActive) {
			writeError(w, http.StatusBadRequest, "Trial already active.")
			return
		}
		if err != nil {
			internalError(w, r, "trial: grant", err)
			return
		}

		user, sub, err := h.account(r.Context(), userID)
		if err != nil {
			internalError(w, r, "trial: reload account", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"message":      "Free trial started successfully.",
			"trial_start":  user.TrialStart,
			"trial_end":    user.TrialEnd,
			"account_type": billing.AccountTypeFor(user, sub, h.now()),
		})
	}
}

// account loads the user and their subscription, which may be nil.
func (h *UserHandler) account(ctx context.Context, userID int64) (*models.User, *models.Subscription, error) {
	user, err := h.Store.GetUserByID(ctx, userID)
	if err != nil {
		return nil, nil, err
	}
	sub, err := h.Store.GetSubscriptionByUserID(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		return user, nil, nil
	}
	if err != nil {
		return nil, nil, err
	}
	return user, sub, nil
}

type profileResponse struct {
	Username       string              `json:"username"`
	Email          string              `json:"email"`
	About          *string             `json:"about"`
	AccountType    billing.AccountType `json:"account_type"`
	ProfilePicture *string             `json:"profile_picture"`
}

func (h *UserHandler) pictureURL(key *string) *string {
	if key == nil || *key == "" {
		return nil
	}
	if h.Media == nil {
		return key
	}
	u := h.Media.PublicURL(*key)
	return &u
}

// GetProfile returns the current user's profile.
func (h *UserHandler) GetProfile() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, ok := currentUserID(w, r)
		if !ok {
			return
		}
		user, sub, err := h.account(r.Context(), userID)
		if errors.Is(err, store.ErrNotFound) {
			writeDetail(w, http.StatusNotFound, "User not found.")
			return
		}
		if err != nil {
			internalError(w, r, "profile: load", err)
			return
		}

		writeJSON(w, http.StatusOK, profileResponse{
			Username:       user.Username,
			Email:          user.Email,
			About:          user.About,
			AccountType:    billing.AccountTypeFor(user, sub, h.now()),
			ProfilePicture: h.pictureURL(user.ProfilePicture),
		})
	}
}

type profileUpdateRequest struct {
	Username *string `json:"username" validate:"omitempty,min=1,max=150"`
	About    *string `json:"about"`
}

// UpdateProfile applies a partial profile update. It accepts JSON or a
// multipart form carrying a profile_picture file.
func (h *UserHandler) UpdateProfile() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, ok := currentUserID(w, r)
		if !ok {
			return
		}

		var req profileUpdateRequest
		var update models.ProfileUpdate

		if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data") {
			r.Body = http.MaxBytesReader(w, r.Body, maxProfileUpload)
			if err := r.ParseMultipartForm(maxProfileUpload); err != nil {
				writeError(w, http.StatusBadRequest, "invalid multipart payload")
				return
			}
			if v, ok := formValue(r, "username"); ok {
				req.Username = &v
			}
			if v, ok := formValue(r, "about"); ok {
				req.About = &v
			}
			if !validStruct(w, &req) {
				return
			}

			file, header, err := r.FormFile("profile_picture")
			switch {
			case errors.Is(err, http.ErrMissingFile):
			case err != nil:
				writeError(w, http.StatusBadRequest, "invalid profile_picture upload")
				return
			default:
				defer file.Close()
				if h.Media == nil {
					writeFieldErrors(w, fieldErrors{"profile_picture": "Picture uploads are not available."})
					return
				}
				key, err := h.Media.UploadProfilePicture(r.Context(), header.Filename, file)
				if err != nil {
					writeFieldErrors(w, fieldErrors{"profile_picture": "Upload a valid image. " + err.Error()})
					return
				}
				update.ProfilePicture = &key
			}
		} else if !decodeAndValidate(w, r, &req) {
			return
		}

		if req.Username != nil {
			name := strings.TrimSpace(*req.Username)
			update.Username = &name
		}
		update.About = req.About

		user, err := h.Store.UpdateProfile(r.Context(), userID, update)
		if errors.Is(err, store.ErrDuplicate) {
			writeFieldErrors(w, fieldErrors{"username": "A user with that username already exists."})
			return
		}
		if errors.Is(err, store.ErrNotFound) {
			writeDetail(w, http.StatusNotFound, "User not found.")
			return
		}
		if err != nil {
			internalError(w, r, "profile: update", err)
			return
		}

		writeJSON(w, http.StatusOK, map[string]any{
			"username":        user.Username,
			"about":           user.About,
			"profile_picture": h.pictureURL(user.ProfilePicture),
		})
	}
}

type aboutDetailsRequest struct {
	About   *string `json:"about"`
	Details *string `json:"details"`
}

// UpdateAboutDetails saves the about and details fields.
func (h *UserHandler) UpdateAboutDetails() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, ok := currentUserID(w, r)
		if !ok {
			return
		}
		var req aboutDetailsRequest
		if !decodeAndValidate(w, r, &req) {
			return
		}

		_, err := h.Store.UpdateProfile(r.Context(), userID, models.ProfileUpdate{About: req.About, Details: req.Details})
		if errors.Is(err, store.ErrNotFound) {
			writeDetail(w, http.StatusNotFound, "User not found.")
			return
		}
		if err != nil {
			internalError(w, r, "about-details: update", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"message": "About and details saved successfully."})
	}
}

func (h *UserHandler) setCookie(w http.ResponseWriter, name, value string) {
	http.SetCookie(w, &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     "/",
		MaxAge:   resetCookieMaxAge,
		HttpOnly: true,
		Secure:   h.Secure,
		SameSite: http.SameSiteLaxMode,
	})
}

func (h *UserHandler) clearCookie(w http.ResponseWriter, name string) {
	http.SetCookie(w, &http.Cookie{
		Name:     name,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   h.Secure,
		SameSite: http.SameSiteLaxMode,
	})
}

func cookieValue(r *http.Request, name string) string {
	c, err := r.Cookie(name)
	if err != nil {
		return ""
	}
	return c.Value
}

func formValue(r *http.Request, key string) (string, bool) {
	if r.MultipartForm == nil {
		return "", false
	}
	vals, ok := r.MultipartForm.Value[key]
	if !ok || len(vals) == 0 {
		return "", false
	}
	return vals[0], true
}

// resetCode returns a uniformly random six digit code.
func resetCode() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(900000))
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%06d", n.Int64()+100000), nil
}

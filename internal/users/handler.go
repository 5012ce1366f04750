package users

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/getsentry/sentry-go"
	"github.com/go-playground/validator"

	"helpdesk/internal/account"
	"helpdesk/internal/auth"
)

const maxJSONBodyBytes = 1 << 20

// Handler exposes admin-only account management plus the self-service
// /me endpoints. Accounts are never hard-deleted; deactivation is the
// only removal path.
type Handler struct {
	repo     *account.Repository
	hasher   *auth.PasswordHasher
	validate *validator.Validate
}

func NewHandler(repo *account.Repository, hasher *auth.PasswordHasher) *Handler {
	return &Handler{repo: repo, hasher: hasher, validate: validator.New()}
}

type createRequest struct {
	Email      string `json:"email" validate:"required,email"`
	Password   string `json:"password" validate:"required,min=8,max=200"`
	Role       string `json:"role" validate:"required"`
	Department string `json:"department"`
}

type roleRequest struct {
	Role string `json:"role" validate:"required"`
}

type activeRequest struct {
	Active *bool `json:"active" validate:"required"`
}

type profileRequest struct {
	Department string `json:"department" validate:"max=120"`
}

func (h *Handler) Create(w http.ResponseWriter, r *http.Request) {
	var body createRequest
	if !decodeBody(w, r, &body) {
		return
	}
	if err := h.validate.Struct(body); err != nil {
		writeError(w, http.StatusBadRequest, auth.CodeValidation, "email, password (min 8 chars) and role are required")
		return
	}

	role := account.Role(body.Role)
	if !role.Valid() {
		writeError(w, http.StatusBadRequest, auth.CodeValidation, "role must be admin, technician or user")
		return
	}

	hash, err := h.hasher.Hash(body.Password)
	if err != nil {
		sentry.CaptureException(err)
		writeError(w, http.StatusInternalServerError, "INTERNAL", "failed to create account")
		return
	}

	acct, err := h.repo.Create(r.Context(), normalizeEmail(body.Email), hash, role, body.Department)
	if err != nil {
		if errors.Is(err, account.ErrDuplicateEmail) {
			writeError(w, http.StatusConflict, "DUPLICATE_EMAIL", "email already registered")
			return
		}
		sentry.CaptureException(err)
		writeError(w, http.StatusInternalServerError, "INTERNAL", "failed to create account")
		return
	}

	writeJSON(w, http.StatusCreated, acct)
}

func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	accounts, err := h.repo.List(r.Context())
	if err != nil {
		sentry.CaptureException(err)
		writeError(w, http.StatusInternalServerError, "INTERNAL", "failed to list accounts")
		return
	}

	writeJSON(w, http.StatusOK, accounts)
}

func (h *Handler) UpdateRole(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	var body roleRequest
	if !decodeBody(w, r, &body) {
		return
	}
	role := account.Role(body.Role)
	if !role.Valid() {
		writeError(w, http.StatusBadRequest, auth.CodeValidation, "role must be admin, technician or user")
		return
	}

	target, err := h.repo.GetByID(r.Context(), id)
	if err != nil {
		h.writeRepoError(w, err)
		return
	}

	// The last admin cannot be demoted or the system locks itself out.
	if target.Role == account.RoleAdmin && role != account.RoleAdmin {
		admins, err := h.repo.CountAdmins(r.Context())
		if err != nil {
			sentry.CaptureException(err)
			writeError(w, http.StatusInternalServerError, "INTERNAL", "failed to update role")
			return
		}
		if admins <= 1 {
			writeError(w, http.StatusConflict, "LAST_ADMIN", "cannot demote the last admin")
			return
		}
	}

	if err := h.repo.UpdateRole(r.Context(), id, role); err != nil {
		sentry.CaptureException(err)
		writeError(w, http.StatusInternalServerError, "INTERNAL", "failed to update role")
		return
	}

	target.Role = role
	writeJSON(w, http.StatusOK, target)
}

func (h *Handler) SetActive(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	identity, ok := auth.IdentityFrom(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, auth.CodeNoToken, "missing authorization token")
		return
	}

	var body activeRequest
	if !decodeBody(w, r, &body) {
		return
	}
	if err := h.validate.Struct(body); err != nil {
		writeError(w, http.StatusBadRequest, auth.CodeValidation, "active is required")
		return
	}

	if identity.Account.ID == id && !*body.Active {
		writeError(w, http.StatusBadRequest, auth.CodeValidation, "cannot deactivate your own account")
		return
	}

	target, err := h.repo.GetByID(r.Context(), id)
	if err != nil {
		h.writeRepoError(w, err)
		return
	}

	if err := h.repo.SetActive(r.Context(), id, *body.Active); err != nil {
		sentry.CaptureException(err)
		writeError(w, http.StatusInternalServerError, "INTERNAL", "failed to update account")
		return
	}

	target.Active = *body.Active
	writeJSON(w, http.StatusOK, target)
}

func (h *Handler) Me(w http.ResponseWriter, r *http.Request) {
	identity, ok := auth.IdentityFrom(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, auth.CodeNoToken, "missing authorization token")
		return
	}

	writeJSON(w, http.StatusOK, identity.Account)
}

func (h *Handler) UpdateMe(w http.ResponseWriter, r *http.Request) {
	identity, ok := auth.IdentityFrom(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, auth.CodeNoToken, "missing authorization token")
		return
	}

	var body profileRequest
	if !decodeBody(w, r, &body) {
		return
	}
	if err := h.validate.Struct(body); err != nil {
		writeError(w, http.StatusBadRequest, auth.CodeValidation, "invalid profile fields")
		return
	}

	if err := h.repo.UpdateProfile(r.Context(), identity.Account.ID, body.Department); err != nil {
		sentry.CaptureException(err)
		writeError(w, http.StatusInternalServerError, "INTERNAL", "failed to update profile")
		return
	}

	acct := identity.Account
	acct.Department = body.Department
	writeJSON(w, http.StatusOK, acct)
}

func (h *Handler) writeRepoError(w http.ResponseWriter, err error) {
	if errors.Is(err, account.ErrNotFound) {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "account not found")
		return
	}
	sentry.CaptureException(err)
	writeError(w, http.StatusInternalServerError, "INTERNAL", "internal server error")
}

func normalizeEmail(email string) string {
	return strings.TrimSpace(strings.ToLower(email))
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBodyBytes)
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, auth.CodeValidation, "invalid json body")
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]string{"code": code, "error": message})
}

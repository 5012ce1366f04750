package kb

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/getsentry/sentry-go"
	"github.com/go-playground/validator"

	"helpdesk/internal/account"
	"helpdesk/internal/auth"
)

const maxJSONBodyBytes = 1 << 20

type Handler struct {
	repo     *Repository
	validate *validator.Validate
}

func NewHandler(repo *Repository) *Handler {
	return &Handler{repo: repo, validate: validator.New()}
}

type articleRequest struct {
	Title    string `json:"title" validate:"required,max=200"`
	Body     string `json:"body" validate:"max=100000"`
	Category string `json:"category" validate:"max=80"`
}

type articleUpdateRequest struct {
	Title     *string `json:"title"`
	Body      *string `json:"body"`
	Category  *string `json:"category"`
	Published *bool   `json:"published"`
}

func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	identity, ok := auth.IdentityFrom(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, auth.CodeNoToken, "missing authorization token")
		return
	}

	publishedOnly := identity.Account.Role != account.RoleAdmin
	articles, err := h.repo.List(r.Context(), publishedOnly)
	if err != nil {
		sentry.CaptureException(err)
		writeError(w, http.StatusInternalServerError, "INTERNAL", "failed to list articles")
		return
	}

	writeJSON(w, http.StatusOK, articles)
}

func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	identity, ok := auth.IdentityFrom(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, auth.CodeNoToken, "missing authorization token")
		return
	}

	article, err := h.repo.GetByID(r.Context(), r.PathValue("id"))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			writeError(w, http.StatusNotFound, "NOT_FOUND", "article not found")
			return
		}
		sentry.CaptureException(err)
		writeError(w, http.StatusInternalServerError, "INTERNAL", "failed to load article")
		return
	}

	// Drafts stay admin-only until published.
	if !article.Published && identity.Account.Role != account.RoleAdmin {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "article not found")
		return
	}

	writeJSON(w, http.StatusOK, article)
}

func (h *Handler) Create(w http.ResponseWriter, r *http.Request) {
	identity, ok := auth.IdentityFrom(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, auth.CodeNoToken, "missing authorization token")
		return
	}

	var body articleRequest
	if !decodeBody(w, r, &body) {
		return
	}
	if err := h.validate.Struct(body); err != nil {
		writeError(w, http.StatusBadRequest, auth.CodeValidation, "title is required")
		return
	}

	category := body.Category
	if category == "" {
		category = "general"
	}

	article, err := h.repo.Create(r.Context(), body.Title, body.Body, category, identity.Account.ID)
	if err != nil {
		sentry.CaptureException(err)
		writeError(w, http.StatusInternalServerError, "INTERNAL", "failed to create article")
		return
	}

	writeJSON(w, http.StatusCreated, article)
}

func (h *Handler) Update(w http.ResponseWriter, r *http.Request) {
	article, err := h.repo.GetByID(r.Context(), r.PathValue("id"))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			writeError(w, http.StatusNotFound, "NOT_FOUND", "article not found")
			return
		}
		sentry.CaptureException(err)
		writeError(w, http.StatusInternalServerError, "INTERNAL", "failed to load article")
		return
	}

	var body articleUpdateRequest
	if !decodeBody(w, r, &body) {
		return
	}

	if body.Title != nil {
		if *body.Title == "" {
			writeError(w, http.StatusBadRequest, auth.CodeValidation, "title cannot be empty")
			return
		}
		article.Title = *body.Title
	}
	if body.Body != nil {
		article.Body = *body.Body
	}
	if body.Category != nil && *body.Category != "" {
		article.Category = *body.Category
	}
	if body.Published != nil {
		article.Published = *body.Published
	}

	updated, err := h.repo.Update(r.Context(), article)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			writeError(w, http.StatusNotFound, "NOT_FOUND", "article not found")
			return
		}
		sentry.CaptureException(err)
		writeError(w, http.StatusInternalServerError, "INTERNAL", "failed to update article")
		return
	}

	writeJSON(w, http.StatusOK, updated)
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

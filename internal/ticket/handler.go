package ticket

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/getsentry/sentry-go"
	"github.com/go-playground/validator"

	"helpdesk/internal/account"
	"helpdesk/internal/auth"
)

const maxJSONBodyBytes = 1 << 20

// Store is what the handler needs from persistence; the pg Repository
// implements it and tests substitute an in-memory fake.
type Store interface {
	List(ctx context.Context, ownerEmail string) ([]Ticket, error)
	GetByID(ctx context.Context, id string) (Ticket, error)
	Create(ctx context.Context, subject, description string, priority Priority, ownerEmail string) (Ticket, error)
	Update(ctx context.Context, t Ticket) (Ticket, error)
	AddNote(ctx context.Context, ticketID, authorEmail, body string) (Note, error)
	ListNotes(ctx context.Context, ticketID string) ([]Note, error)
}

type Handler struct {
	store    Store
	validate *validator.Validate
}

func NewHandler(store Store) *Handler {
	return &Handler{store: store, validate: validator.New()}
}

type createRequest struct {
	Subject     string `json:"subject" validate:"required,max=200"`
	Description string `json:"description" validate:"max=10000"`
	Priority    string `json:"priority"`
}

type updateRequest struct {
	Subject     *string `json:"subject"`
	Description *string `json:"description"`
	Status      *string `json:"status"`
	Priority    *string `json:"priority"`
	AssigneeID  *string `json:"assignee_id"`
}

type noteRequest struct {
	Body string `json:"body" validate:"required,max=10000"`
}

// List scopes user-role callers to their own tickets; technicians and
// admins see everything.
func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	identity, ok := auth.IdentityFrom(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, auth.CodeNoToken, "missing authorization token")
		return
	}

	ownerFilter := ""
	if identity.Account.Role == account.RoleUser {
		ownerFilter = identity.Account.Email
	}

	tickets, err := h.store.List(r.Context(), ownerFilter)
	if err != nil {
		sentry.CaptureException(err)
		writeError(w, http.StatusInternalServerError, "INTERNAL", "failed to list tickets")
		return
	}

	writeJSON(w, http.StatusOK, tickets)
}

func (h *Handler) Create(w http.ResponseWriter, r *http.Request) {
	identity, ok := auth.IdentityFrom(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, auth.CodeNoToken, "missing authorization token")
		return
	}

	var body createRequest
	if !decodeBody(w, r, &body) {
		return
	}
	if err := h.validate.Struct(body); err != nil {
		writeError(w, http.StatusBadRequest, auth.CodeValidation, "subject is required")
		return
	}

	priority := PriorityMedium
	if body.Priority != "" {
		priority = Priority(body.Priority)
		if !priority.Valid() {
			writeError(w, http.StatusBadRequest, auth.CodeValidation, "priority must be low, medium, high or urgent")
			return
		}
	}

	created, err := h.store.Create(r.Context(), body.Subject, body.Description, priority, identity.Account.Email)
	if err != nil {
		sentry.CaptureException(err)
		writeError(w, http.StatusInternalServerError, "INTERNAL", "failed to create ticket")
		return
	}

	writeJSON(w, http.StatusCreated, created)
}

func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	_, t, ok := h.fetchAuthorized(w, r)
	if !ok {
		return
	}

	writeJSON(w, http.StatusOK, t)
}

func (h *Handler) Update(w http.ResponseWriter, r *http.Request) {
	identity, t, ok := h.fetchAuthorized(w, r)
	if !ok {
		return
	}

	var body updateRequest
	if !decodeBody(w, r, &body) {
		return
	}

	// Priority and assignment are dispatcher concerns; user-role owners
	// may only edit content and move the status.
	if identity.Account.Role == account.RoleUser && (body.Priority != nil || body.AssigneeID != nil) {
		writeError(w, http.StatusForbidden, auth.CodePermissionDenied, "permission denied")
		return
	}

	if body.Subject != nil {
		if *body.Subject == "" {
			writeError(w, http.StatusBadRequest, auth.CodeValidation, "subject cannot be empty")
			return
		}
		t.Subject = *body.Subject
	}
	if body.Description != nil {
		t.Description = *body.Description
	}
	if body.Status != nil {
		status := Status(*body.Status)
		if !status.Valid() {
			writeError(w, http.StatusBadRequest, auth.CodeValidation, "status must be open, in_progress, resolved or closed")
			return
		}
		t.Status = status
	}
	if body.Priority != nil {
		priority := Priority(*body.Priority)
		if !priority.Valid() {
			writeError(w, http.StatusBadRequest, auth.CodeValidation, "priority must be low, medium, high or urgent")
			return
		}
		t.Priority = priority
	}
	if body.AssigneeID != nil {
		if *body.AssigneeID == "" {
			t.AssigneeID = nil
		} else {
			t.AssigneeID = body.AssigneeID
		}
	}

	updated, err := h.store.Update(r.Context(), t)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			writeError(w, http.StatusNotFound, "NOT_FOUND", "ticket not found")
			return
		}
		sentry.CaptureException(err)
		writeError(w, http.StatusInternalServerError, "INTERNAL", "failed to update ticket")
		return
	}

	writeJSON(w, http.StatusOK, updated)
}

func (h *Handler) AddNote(w http.ResponseWriter, r *http.Request) {
	identity, t, ok := h.fetchAuthorized(w, r)
	if !ok {
		return
	}

	var body noteRequest
	if !decodeBody(w, r, &body) {
		return
	}
	if err := h.validate.Struct(body); err != nil {
		writeError(w, http.StatusBadRequest, auth.CodeValidation, "body is required")
		return
	}

	note, err := h.store.AddNote(r.Context(), t.ID, identity.Account.Email, body.Body)
	if err != nil {
		sentry.CaptureException(err)
		writeError(w, http.StatusInternalServerError, "INTERNAL", "failed to add note")
		return
	}

	writeJSON(w, http.StatusCreated, note)
}

func (h *Handler) ListNotes(w http.ResponseWriter, r *http.Request) {
	_, t, ok := h.fetchAuthorized(w, r)
	if !ok {
		return
	}

	notes, err := h.store.ListNotes(r.Context(), t.ID)
	if err != nil {
		sentry.CaptureException(err)
		writeError(w, http.StatusInternalServerError, "INTERNAL", "failed to list notes")
		return
	}

	writeJSON(w, http.StatusOK, notes)
}

// fetchAuthorized loads the ticket from the path id and enforces the
// ownership override. Writes the error response itself when !ok.
func (h *Handler) fetchAuthorized(w http.ResponseWriter, r *http.Request) (auth.Identity, Ticket, bool) {
	identity, ok := auth.IdentityFrom(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, auth.CodeNoToken, "missing authorization token")
		return auth.Identity{}, Ticket{}, false
	}

	t, err := h.store.GetByID(r.Context(), r.PathValue("id"))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			writeError(w, http.StatusNotFound, "NOT_FOUND", "ticket not found")
			return auth.Identity{}, Ticket{}, false
		}
		sentry.CaptureException(err)
		writeError(w, http.StatusInternalServerError, "INTERNAL", "internal server error")
		return auth.Identity{}, Ticket{}, false
	}

	if !auth.CanAccessTicket(identity.Account, t.OwnerEmail) {
		writeError(w, http.StatusForbidden, auth.CodePermissionDenied, "permission denied")
		return auth.Identity{}, Ticket{}, false
	}

	return identity, t, true
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

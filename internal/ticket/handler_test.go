package ticket

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"helpdesk/internal/account"
	"helpdesk/internal/auth"
)

// memStore is an in-memory Store for handler tests.
type memStore struct {
	tickets map[string]Ticket
	notes   map[string][]Note
	nextNum int64
}

func newMemStore() *memStore {
	return &memStore{
		tickets: make(map[string]Ticket),
		notes:   make(map[string][]Note),
	}
}

func (s *memStore) seed(t Ticket) {
	s.tickets[t.ID] = t
}

func (s *memStore) List(ctx context.Context, ownerEmail string) ([]Ticket, error) {
	out := []Ticket{}
	for _, t := range s.tickets {
		if ownerEmail == "" || strings.EqualFold(t.OwnerEmail, ownerEmail) {
			out = append(out, t)
		}
	}
	return out, nil
}

func (s *memStore) GetByID(ctx context.Context, id string) (Ticket, error) {
	t, ok := s.tickets[id]
	if !ok {
		return Ticket{}, ErrNotFound
	}
	return t, nil
}

func (s *memStore) Create(ctx context.Context, subject, description string, priority Priority, ownerEmail string) (Ticket, error) {
	s.nextNum++
	t := Ticket{
		ID:          fmt.Sprintf("t-%d", s.nextNum),
		Number:      s.nextNum,
		Subject:     subject,
		Description: description,
		Status:      StatusOpen,
		Priority:    priority,
		OwnerEmail:  ownerEmail,
		CreatedAt:   time.Now().UTC(),
		UpdatedAt:   time.Now().UTC(),
	}
	s.tickets[t.ID] = t
	return t, nil
}

func (s *memStore) Update(ctx context.Context, t Ticket) (Ticket, error) {
	if _, ok := s.tickets[t.ID]; !ok {
		return Ticket{}, ErrNotFound
	}
	t.UpdatedAt = time.Now().UTC()
	s.tickets[t.ID] = t
	return t, nil
}

func (s *memStore) AddNote(ctx context.Context, ticketID, authorEmail, body string) (Note, error) {
	n := Note{
		ID:          fmt.Sprintf("n-%d", len(s.notes[ticketID])+1),
		TicketID:    ticketID,
		AuthorEmail: authorEmail,
		Body:        body,
		CreatedAt:   time.Now().UTC(),
	}
	s.notes[ticketID] = append(s.notes[ticketID], n)
	return n, nil
}

func (s *memStore) ListNotes(ctx context.Context, ticketID string) ([]Note, error) {
	return s.notes[ticketID], nil
}

func newTicketMux(store *memStore) *http.ServeMux {
	h := NewHandler(store)
	mux := http.NewServeMux()
	mux.HandleFunc("GET /tickets", h.List)
	mux.HandleFunc("POST /tickets", h.Create)
	mux.HandleFunc("GET /tickets/{id}", h.Get)
	mux.HandleFunc("PATCH /tickets/{id}", h.Update)
	mux.HandleFunc("POST /tickets/{id}/notes", h.AddNote)
	mux.HandleFunc("GET /tickets/{id}/notes", h.ListNotes)
	return mux
}

func asIdentity(req *http.Request, role account.Role, email string) *http.Request {
	return req.WithContext(auth.WithIdentity(req.Context(), auth.Identity{
		Account: account.Account{ID: "id-" + email, Email: email, Role: role, Active: true},
	}))
}

func seedTwoOwners(store *memStore) {
	store.seed(Ticket{ID: "t-1", Number: 1, Subject: "printer down", Status: StatusOpen, Priority: PriorityMedium, OwnerEmail: "alice@x.com"})
	store.seed(Ticket{ID: "t-2", Number: 2, Subject: "vpn broken", Status: StatusOpen, Priority: PriorityHigh, OwnerEmail: "bob@x.com"})
}

func TestListScopesUserToOwnTickets(t *testing.T) {
	store := newMemStore()
	seedTwoOwners(store)
	mux := newTicketMux(store)

	req := asIdentity(httptest.NewRequest(http.MethodGet, "/tickets", nil), account.RoleUser, "alice@x.com")
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var tickets []Ticket
	if err := json.NewDecoder(rec.Body).Decode(&tickets); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(tickets) != 1 || tickets[0].OwnerEmail != "alice@x.com" {
		t.Fatalf("expected only alice's ticket, got %+v", tickets)
	}
}

func TestListShowsAllToTechnician(t *testing.T) {
	store := newMemStore()
	seedTwoOwners(store)
	mux := newTicketMux(store)

	req := asIdentity(httptest.NewRequest(http.MethodGet, "/tickets", nil), account.RoleTechnician, "tech@x.com")
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	var tickets []Ticket
	json.NewDecoder(rec.Body).Decode(&tickets)
	if len(tickets) != 2 {
		t.Fatalf("expected both tickets, got %d", len(tickets))
	}
}

func TestGetForeignTicketForbidden(t *testing.T) {
	store := newMemStore()
	seedTwoOwners(store)
	mux := newTicketMux(store)

	req := asIdentity(httptest.NewRequest(http.MethodGet, "/tickets/t-2", nil), account.RoleUser, "alice@x.com")
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rec.Code)
	}

	// Admin sees any ticket.
	req = asIdentity(httptest.NewRequest(http.MethodGet, "/tickets/t-2", nil), account.RoleAdmin, "admin@x.com")
	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 for admin, got %d", rec.Code)
	}
}

func TestGetUnknownTicket(t *testing.T) {
	store := newMemStore()
	mux := newTicketMux(store)

	req := asIdentity(httptest.NewRequest(http.MethodGet, "/tickets/nope", nil), account.RoleAdmin, "admin@x.com")
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestCreateTicketDefaultsPriority(t *testing.T) {
	store := newMemStore()
	mux := newTicketMux(store)

	body := strings.NewReader(`{"subject":"screen flickers","description":"external monitor"}`)
	req := asIdentity(httptest.NewRequest(http.MethodPost, "/tickets", body), account.RoleUser, "alice@x.com")
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", rec.Code)
	}
	var created Ticket
	json.NewDecoder(rec.Body).Decode(&created)
	if created.Priority != PriorityMedium {
		t.Fatalf("expected default medium priority, got %s", created.Priority)
	}
	if created.Status != StatusOpen {
		t.Fatalf("expected open status, got %s", created.Status)
	}
	if created.OwnerEmail != "alice@x.com" {
		t.Fatalf("expected caller as owner, got %s", created.OwnerEmail)
	}
	if created.Number == 0 {
		t.Fatal("expected a ticket number")
	}
}

func TestCreateTicketValidation(t *testing.T) {
	store := newMemStore()
	mux := newTicketMux(store)

	cases := []string{
		`{}`,
		`{"subject":"x","priority":"catastrophic"}`,
	}
	for _, body := range cases {
		req := asIdentity(httptest.NewRequest(http.MethodPost, "/tickets", strings.NewReader(body)), account.RoleUser, "alice@x.com")
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, req)

		if rec.Code != http.StatusBadRequest {
			t.Fatalf("body %q: expected 400, got %d", body, rec.Code)
		}
	}
}

func TestUpdateTicketStatus(t *testing.T) {
	store := newMemStore()
	seedTwoOwners(store)
	mux := newTicketMux(store)

	body := strings.NewReader(`{"status":"resolved"}`)
	req := asIdentity(httptest.NewRequest(http.MethodPatch, "/tickets/t-1", body), account.RoleUser, "alice@x.com")
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var updated Ticket
	json.NewDecoder(rec.Body).Decode(&updated)
	if updated.Status != StatusResolved {
		t.Fatalf("expected resolved, got %s", updated.Status)
	}
	// Untouched fields survive.
	if updated.Subject != "printer down" || updated.Priority != PriorityMedium {
		t.Fatalf("expected other fields untouched, got %+v", updated)
	}
}

func TestUserCannotEditPriorityOrAssignee(t *testing.T) {
	store := newMemStore()
	seedTwoOwners(store)
	mux := newTicketMux(store)

	for _, body := range []string{
		`{"priority":"urgent"}`,
		`{"assignee_id":"tech-1"}`,
	} {
		req := asIdentity(httptest.NewRequest(http.MethodPatch, "/tickets/t-1", strings.NewReader(body)), account.RoleUser, "alice@x.com")
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, req)

		if rec.Code != http.StatusForbidden {
			t.Fatalf("body %q: expected 403, got %d", body, rec.Code)
		}
	}

	// A technician may.
	req := asIdentity(httptest.NewRequest(http.MethodPatch, "/tickets/t-1", strings.NewReader(`{"priority":"urgent","assignee_id":"tech-1"}`)), account.RoleTechnician, "tech@x.com")
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var updated Ticket
	json.NewDecoder(rec.Body).Decode(&updated)
	if updated.Priority != PriorityUrgent || updated.AssigneeID == nil || *updated.AssigneeID != "tech-1" {
		t.Fatalf("expected priority and assignee set, got %+v", updated)
	}
}

func TestUpdateClearsAssignee(t *testing.T) {
	store := newMemStore()
	assignee := "tech-1"
	store.seed(Ticket{ID: "t-1", Subject: "x", Status: StatusOpen, Priority: PriorityLow, OwnerEmail: "alice@x.com", AssigneeID: &assignee})
	mux := newTicketMux(store)

	req := asIdentity(httptest.NewRequest(http.MethodPatch, "/tickets/t-1", strings.NewReader(`{"assignee_id":""}`)), account.RoleTechnician, "tech@x.com")
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var updated Ticket
	json.NewDecoder(rec.Body).Decode(&updated)
	if updated.AssigneeID != nil {
		t.Fatalf("expected assignee cleared, got %v", *updated.AssigneeID)
	}
}

func TestUpdateForeignTicketForbidden(t *testing.T) {
	store := newMemStore()
	seedTwoOwners(store)
	mux := newTicketMux(store)

	req := asIdentity(httptest.NewRequest(http.MethodPatch, "/tickets/t-2", strings.NewReader(`{"status":"closed"}`)), account.RoleUser, "alice@x.com")
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rec.Code)
	}
	if store.tickets["t-2"].Status != StatusOpen {
		t.Fatal("foreign ticket must be untouched")
	}
}

func TestNotesRoundTrip(t *testing.T) {
	store := newMemStore()
	seedTwoOwners(store)
	mux := newTicketMux(store)

	req := asIdentity(httptest.NewRequest(http.MethodPost, "/tickets/t-1/notes", strings.NewReader(`{"body":"rebooted the print server"}`)), account.RoleTechnician, "tech@x.com")
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", rec.Code)
	}
	var note Note
	json.NewDecoder(rec.Body).Decode(&note)
	if note.AuthorEmail != "tech@x.com" || note.TicketID != "t-1" {
		t.Fatalf("unexpected note: %+v", note)
	}

	req = asIdentity(httptest.NewRequest(http.MethodGet, "/tickets/t-1/notes", nil), account.RoleUser, "alice@x.com")
	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var notes []Note
	json.NewDecoder(rec.Body).Decode(&notes)
	if len(notes) != 1 || notes[0].Body != "rebooted the print server" {
		t.Fatalf("unexpected notes: %+v", notes)
	}

	// Notes on a foreign ticket stay hidden from user-role callers.
	req = asIdentity(httptest.NewRequest(http.MethodGet, "/tickets/t-2/notes", nil), account.RoleUser, "alice@x.com")
	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rec.Code)
	}
}

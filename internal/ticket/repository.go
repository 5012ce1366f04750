package ticket

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

const ticketColumns = `id, number, subject, description, status, priority,
	owner_email, assignee_id, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTicket(row rowScanner) (Ticket, error) {
	var t Ticket
	var assignee sql.NullString

	err := row.Scan(
		&t.ID, &t.Number, &t.Subject, &t.Description, &t.Status, &t.Priority,
		&t.OwnerEmail, &assignee, &t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		return Ticket{}, err
	}
	if assignee.Valid {
		t.AssigneeID = &assignee.String
	}

	return t, nil
}

// List returns tickets newest first. A non-empty ownerEmail restricts
// the result to that owner, which is how user-role listings are scoped.
func (r *Repository) List(ctx context.Context, ownerEmail string) ([]Ticket, error) {
	query := `SELECT ` + ticketColumns + ` FROM tickets`
	args := []any{}
	if ownerEmail != "" {
		query += ` WHERE owner_email = $1`
		args = append(args, ownerEmail)
	}
	query += ` ORDER BY created_at DESC`

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query tickets: %w", err)
	}
	defer rows.Close()

	tickets := make([]Ticket, 0)
	for rows.Next() {
		t, err := scanTicket(rows)
		if err != nil {
			return nil, fmt.Errorf("scan ticket: %w", err)
		}
		tickets = append(tickets, t)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tickets: %w", err)
	}

	return tickets, nil
}

func (r *Repository) GetByID(ctx context.Context, id string) (Ticket, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+ticketColumns+`
		FROM tickets
		WHERE id = $1
	`, id)

	t, err := scanTicket(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Ticket{}, ErrNotFound
		}
		return Ticket{}, fmt.Errorf("query ticket by id: %w", err)
	}

	return t, nil
}

func (r *Repository) Create(ctx context.Context, subject, description string, priority Priority, ownerEmail string) (Ticket, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return Ticket{}, fmt.Errorf("generate ticket id: %w", err)
	}

	now := time.Now().UTC()
	row := r.db.QueryRowContext(ctx, `
		INSERT INTO tickets (id, subject, description, status, priority, owner_email, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $7)
		RETURNING number
	`, id.String(), subject, description, StatusOpen, priority, ownerEmail, now)

	var number int64
	if err := row.Scan(&number); err != nil {
		return Ticket{}, fmt.Errorf("insert ticket: %w", err)
	}

	return Ticket{
		ID:          id.String(),
		Number:      number,
		Subject:     subject,
		Description: description,
		Status:      StatusOpen,
		Priority:    priority,
		OwnerEmail:  ownerEmail,
		CreatedAt:   now,
		UpdatedAt:   now,
	}, nil
}

func (r *Repository) Update(ctx context.Context, t Ticket) (Ticket, error) {
	now := time.Now().UTC()

	var assignee any
	if t.AssigneeID != nil {
		assignee = *t.AssigneeID
	}

	res, err := r.db.ExecContext(ctx, `
		UPDATE tickets
		SET subject = $2, description = $3, status = $4, priority = $5, assignee_id = $6, updated_at = $7
		WHERE id = $1
	`, t.ID, t.Subject, t.Description, t.Status, t.Priority, assignee, now)
	if err != nil {
		return Ticket{}, fmt.Errorf("update ticket: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return Ticket{}, fmt.Errorf("update ticket rows affected: %w", err)
	}
	if affected == 0 {
		return Ticket{}, ErrNotFound
	}

	t.UpdatedAt = now
	return t, nil
}

func (r *Repository) AddNote(ctx context.Context, ticketID, authorEmail, body string) (Note, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return Note{}, fmt.Errorf("generate note id: %w", err)
	}

	now := time.Now().UTC()
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO ticket_notes (id, ticket_id, author_email, body, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`, id.String(), ticketID, authorEmail, body, now)
	if err != nil {
		return Note{}, fmt.Errorf("insert ticket note: %w", err)
	}

	return Note{
		ID:          id.String(),
		TicketID:    ticketID,
		AuthorEmail: authorEmail,
		Body:        body,
		CreatedAt:   now,
	}, nil
}

func (r *Repository) ListNotes(ctx context.Context, ticketID string) ([]Note, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, ticket_id, author_email, body, created_at
		FROM ticket_notes
		WHERE ticket_id = $1
		ORDER BY created_at ASC
	`, ticketID)
	if err != nil {
		return nil, fmt.Errorf("query ticket notes: %w", err)
	}
	defer rows.Close()

	notes := make([]Note, 0)
	for rows.Next() {
		var n Note
		if err := rows.Scan(&n.ID, &n.TicketID, &n.AuthorEmail, &n.Body, &n.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan ticket note: %w", err)
		}
		notes = append(notes, n)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate ticket notes: %w", err)
	}

	return notes, nil
}

package dashboard

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

type Summary struct {
	TicketsByStatus   map[string]int `json:"tickets_by_status"`
	TicketsByPriority map[string]int `json:"tickets_by_priority"`
	TotalAccounts     int            `json:"total_accounts"`
}

type TechnicianLoad struct {
	AssigneeID    string `json:"assignee_id"`
	AssigneeEmail string `json:"assignee_email"`
	OpenTickets   int    `json:"open_tickets"`
}

type DailyCount struct {
	Day     string `json:"day"`
	Created int    `json:"created"`
}

type Report struct {
	TechnicianLoad []TechnicianLoad `json:"technician_load"`
	CreatedPerDay  []DailyCount     `json:"created_per_day"`
}

type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) Summary(ctx context.Context) (Summary, error) {
	summary := Summary{
		TicketsByStatus:   make(map[string]int),
		TicketsByPriority: make(map[string]int),
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT status, COUNT(*) FROM tickets GROUP BY status
	`)
	if err != nil {
		return Summary{}, fmt.Errorf("query ticket status counts: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return Summary{}, fmt.Errorf("scan status count: %w", err)
		}
		summary.TicketsByStatus[status] = count
	}
	if err := rows.Err(); err != nil {
		return Summary{}, fmt.Errorf("iterate status counts: %w", err)
	}

	priorityRows, err := r.db.QueryContext(ctx, `
		SELECT priority, COUNT(*) FROM tickets GROUP BY priority
	`)
	if err != nil {
		return Summary{}, fmt.Errorf("query ticket priority counts: %w", err)
	}
	defer priorityRows.Close()

	for priorityRows.Next() {
		var priority string
		var count int
		if err := priorityRows.Scan(&priority, &count); err != nil {
			return Summary{}, fmt.Errorf("scan priority count: %w", err)
		}
		summary.TicketsByPriority[priority] = count
	}
	if err := priorityRows.Err(); err != nil {
		return Summary{}, fmt.Errorf("iterate priority counts: %w", err)
	}

	err = r.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM accounts WHERE active = TRUE
	`).Scan(&summary.TotalAccounts)
	if err != nil {
		return Summary{}, fmt.Errorf("count accounts: %w", err)
	}

	return summary, nil
}

func (r *Repository) Report(ctx context.Context, since time.Time) (Report, error) {
	report := Report{
		TechnicianLoad: make([]TechnicianLoad, 0),
		CreatedPerDay:  make([]DailyCount, 0),
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT a.id, a.email, COUNT(t.id)
		FROM accounts a
		JOIN tickets t ON t.assignee_id = a.id
		WHERE t.status IN ('open', 'in_progress')
		GROUP BY a.id, a.email
		ORDER BY COUNT(t.id) DESC
	`)
	if err != nil {
		return Report{}, fmt.Errorf("query technician load: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var load TechnicianLoad
		if err := rows.Scan(&load.AssigneeID, &load.AssigneeEmail, &load.OpenTickets); err != nil {
			return Report{}, fmt.Errorf("scan technician load: %w", err)
		}
		report.TechnicianLoad = append(report.TechnicianLoad, load)
	}
	if err := rows.Err(); err != nil {
		return Report{}, fmt.Errorf("iterate technician load: %w", err)
	}

	dayRows, err := r.db.QueryContext(ctx, `
		SELECT TO_CHAR(DATE_TRUNC('day', created_at), 'YYYY-MM-DD'), COUNT(*)
		FROM tickets
		WHERE created_at >= $1
		GROUP BY DATE_TRUNC('day', created_at)
		ORDER BY DATE_TRUNC('day', created_at) ASC
	`, since.UTC())
	if err != nil {
		return Report{}, fmt.Errorf("query tickets per day: %w", err)
	}
	defer dayRows.Close()

	for dayRows.Next() {
		var day DailyCount
		if err := dayRows.Scan(&day.Day, &day.Created); err != nil {
			return Report{}, fmt.Errorf("scan daily count: %w", err)
		}
		report.CreatedPerDay = append(report.CreatedPerDay, day)
	}
	if err := dayRows.Err(); err != nil {
		return Report{}, fmt.Errorf("iterate daily counts: %w", err)
	}

	return report, nil
}

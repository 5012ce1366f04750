package kb

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

const articleColumns = `id, title, body, category, published, author_id, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanArticle(row rowScanner) (Article, error) {
	var a Article
	var author sql.NullString

	err := row.Scan(&a.ID, &a.Title, &a.Body, &a.Category, &a.Published, &author, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return Article{}, err
	}
	if author.Valid {
		a.AuthorID = &author.String
	}

	return a, nil
}

// List returns articles newest first. publishedOnly hides drafts from
// non-admin readers.
func (r *Repository) List(ctx context.Context, publishedOnly bool) ([]Article, error) {
	query := `SELECT ` + articleColumns + ` FROM kb_articles`
	if publishedOnly {
		query += ` WHERE published = TRUE`
	}
	query += ` ORDER BY created_at DESC`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query kb articles: %w", err)
	}
	defer rows.Close()

	articles := make([]Article, 0)
	for rows.Next() {
		a, err := scanArticle(rows)
		if err != nil {
			return nil, fmt.Errorf("scan kb article: %w", err)
		}
		articles = append(articles, a)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate kb articles: %w", err)
	}

	return articles, nil
}

func (r *Repository) GetByID(ctx context.Context, id string) (Article, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+articleColumns+`
		FROM kb_articles
		WHERE id = $1
	`, id)

	a, err := scanArticle(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Article{}, ErrNotFound
		}
		return Article{}, fmt.Errorf("query kb article by id: %w", err)
	}

	return a, nil
}

func (r *Repository) Create(ctx context.Context, title, body, category, authorID string) (Article, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return Article{}, fmt.Errorf("generate article id: %w", err)
	}

	now := time.Now().UTC()
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO kb_articles (id, title, body, category, published, author_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, FALSE, $5, $6, $6)
	`, id.String(), title, body, category, authorID, now)
	if err != nil {
		return Article{}, fmt.Errorf("insert kb article: %w", err)
	}

	return Article{
		ID:        id.String(),
		Title:     title,
		Body:      body,
		Category:  category,
		AuthorID:  &authorID,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

func (r *Repository) Update(ctx context.Context, a Article) (Article, error) {
	now := time.Now().UTC()

	res, err := r.db.ExecContext(ctx, `
		UPDATE kb_articles
		SET title = $2, body = $3, category = $4, published = $5, updated_at = $6
		WHERE id = $1
	`, a.ID, a.Title, a.Body, a.Category, a.Published, now)
	if err != nil {
		return Article{}, fmt.Errorf("update kb article: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return Article{}, fmt.Errorf("update kb article rows affected: %w", err)
	}
	if affected == 0 {
		return Article{}, ErrNotFound
	}

	a.UpdatedAt = now
	return a, nil
}

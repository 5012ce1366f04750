package account

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
)

var (
	ErrNotFound       = errors.New("account not found")
	ErrDuplicateEmail = errors.New("email already registered")
)

const accountColumns = `id, email, password_hash, role, department, active,
	login_attempts, locked_until, refresh_token_hash, refresh_expires_at,
	last_login, created_at, updated_at`

type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAccount(row rowScanner) (Account, error) {
	var a Account
	var lockedUntil, refreshExpires, lastLogin sql.NullTime
	var refreshHash sql.NullString

	err := row.Scan(
		&a.ID, &a.Email, &a.PasswordHash, &a.Role, &a.Department, &a.Active,
		&a.LoginAttempts, &lockedUntil, &refreshHash, &refreshExpires,
		&lastLogin, &a.CreatedAt, &a.UpdatedAt,
	)
	if err != nil {
		return Account{}, err
	}

	if lockedUntil.Valid {
		value := lockedUntil.Time.UTC()
		a.LockedUntil = &value
	}
	if refreshHash.Valid {
		a.RefreshTokenHash = &refreshHash.String
	}
	if refreshExpires.Valid {
		value := refreshExpires.Time.UTC()
		a.RefreshExpiresAt = &value
	}
	if lastLogin.Valid {
		value := lastLogin.Time.UTC()
		a.LastLogin = &value
	}

	return a, nil
}

func (r *Repository) GetByEmail(ctx context.Context, email string) (Account, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+accountColumns+`
		FROM accounts
		WHERE email = $1
	`, email)

	a, err := scanAccount(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Account{}, ErrNotFound
		}
		return Account{}, fmt.Errorf("query account by email: %w", err)
	}

	return a, nil
}

func (r *Repository) GetByID(ctx context.Context, id string) (Account, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+accountColumns+`
		FROM accounts
		WHERE id = $1
	`, id)

	a, err := scanAccount(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Account{}, ErrNotFound
		}
		return Account{}, fmt.Errorf("query account by id: %w", err)
	}

	return a, nil
}

// Create inserts a new account. The caller supplies email, password hash,
// role and department; everything else is assigned here.
func (r *Repository) Create(ctx context.Context, email, passwordHash string, role Role, department string) (Account, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return Account{}, fmt.Errorf("generate account id: %w", err)
	}

	now := time.Now().UTC()
	a := Account{
		ID:           id.String(),
		Email:        email,
		PasswordHash: passwordHash,
		Role:         role,
		Department:   department,
		Active:       true,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO accounts (id, email, password_hash, role, department, active, login_attempts, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, TRUE, 0, $6, $6)
	`, a.ID, a.Email, a.PasswordHash, a.Role, a.Department, now)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return Account{}, ErrDuplicateEmail
		}
		return Account{}, fmt.Errorf("insert account: %w", err)
	}

	return a, nil
}

// RegisterFailedLogin increments the failure counter inside a FOR UPDATE
// transaction so concurrent failures cannot under-count toward the
// lockout threshold. Once the counter reaches maxAttempts the account is
// locked for lockDuration. Returns the new counter and lock expiry.
func (r *Repository) RegisterFailedLogin(ctx context.Context, id string, maxAttempts int, lockDuration time.Duration, now time.Time) (int, *time.Time, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, nil, fmt.Errorf("begin failed login tx: %w", err)
	}
	defer tx.Rollback()

	var attempts int
	var lockedUntil sql.NullTime
	err = tx.QueryRowContext(ctx, `
		SELECT login_attempts, locked_until
		FROM accounts
		WHERE id = $1
		FOR UPDATE
	`, id).Scan(&attempts, &lockedUntil)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, nil, ErrNotFound
		}
		return 0, nil, fmt.Errorf("lock account row: %w", err)
	}

	// A concurrent request may have locked the account between the
	// service's lockout check and this write; leave the state untouched.
	if lockedUntil.Valid && now.Before(lockedUntil.Time) {
		until := lockedUntil.Time.UTC()
		if err := tx.Commit(); err != nil {
			return 0, nil, fmt.Errorf("commit existing lock tx: %w", err)
		}
		return attempts, &until, nil
	}

	attempts++
	var nextLock *time.Time
	var nextLockValue any
	if attempts >= maxAttempts {
		until := now.UTC().Add(lockDuration)
		nextLock = &until
		nextLockValue = until
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE accounts
		SET login_attempts = $2, locked_until = $3, updated_at = $4
		WHERE id = $1
	`, id, attempts, nextLockValue, now.UTC())
	if err != nil {
		return 0, nil, fmt.Errorf("update failed login state: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, nil, fmt.Errorf("commit failed login tx: %w", err)
	}

	return attempts, nextLock, nil
}

// RecordLogin persists a successful login outcome: the failure counter
// and lock are cleared, last_login is stamped, and the stored refresh
// token is replaced, which invalidates any previously issued one.
func (r *Repository) RecordLogin(ctx context.Context, id, refreshTokenHash string, refreshExpiresAt, now time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE accounts
		SET login_attempts = 0,
			locked_until = NULL,
			refresh_token_hash = $2,
			refresh_expires_at = $3,
			last_login = $4,
			updated_at = $4
		WHERE id = $1
	`, id, refreshTokenHash, refreshExpiresAt.UTC(), now.UTC())
	if err != nil {
		return fmt.Errorf("record login: %w", err)
	}

	return nil
}

// SetRefreshToken replaces the stored refresh token hash. A nil hash
// revokes the current one (logout).
func (r *Repository) SetRefreshToken(ctx context.Context, id string, hash *string, expiresAt *time.Time) error {
	var hashValue, expiresValue any
	if hash != nil {
		hashValue = *hash
	}
	if expiresAt != nil {
		expiresValue = expiresAt.UTC()
	}

	_, err := r.db.ExecContext(ctx, `
		UPDATE accounts
		SET refresh_token_hash = $2, refresh_expires_at = $3, updated_at = $4
		WHERE id = $1
	`, id, hashValue, expiresValue, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("set refresh token: %w", err)
	}

	return nil
}

func (r *Repository) UpdatePassword(ctx context.Context, id, passwordHash string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE accounts
		SET password_hash = $2, updated_at = $3
		WHERE id = $1
	`, id, passwordHash, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("update password: %w", err)
	}

	return nil
}

func (r *Repository) UpdateProfile(ctx context.Context, id, department string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE accounts
		SET department = $2, updated_at = $3
		WHERE id = $1
	`, id, department, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("update profile: %w", err)
	}

	return nil
}

func (r *Repository) UpdateRole(ctx context.Context, id string, role Role) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE accounts
		SET role = $2, updated_at = $3
		WHERE id = $1
	`, id, role, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("update role: %w", err)
	}

	return nil
}

// SetActive toggles the soft-deactivation flag. Accounts are never hard
// deleted; deactivation takes effect on the next authenticated request.
func (r *Repository) SetActive(ctx context.Context, id string, active bool) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE accounts
		SET active = $2, updated_at = $3
		WHERE id = $1
	`, id, active, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("set active: %w", err)
	}

	return nil
}

func (r *Repository) List(ctx context.Context) ([]Account, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+accountColumns+`
		FROM accounts
		ORDER BY created_at ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("query accounts: %w", err)
	}
	defer rows.Close()

	accounts := make([]Account, 0)
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, fmt.Errorf("scan account: %w", err)
		}
		accounts = append(accounts, a)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate accounts: %w", err)
	}

	return accounts, nil
}

func (r *Repository) CountAdmins(ctx context.Context) (int, error) {
	var count int
	err := r.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM accounts WHERE role = $1
	`, RoleAdmin).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count admins: %w", err)
	}

	return count, nil
}

// ClearExpiredLockouts removes lockouts whose window has passed so stale
// lock rows do not linger. The failure counter is reset along with the
// lock: an expired lock that was never followed by a login should not
// re-trip instantly on the first stale failure.
func (r *Repository) ClearExpiredLockouts(ctx context.Context, now time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE accounts
		SET locked_until = NULL, login_attempts = 0, updated_at = $1
		WHERE locked_until IS NOT NULL AND locked_until < $1
	`, now.UTC())
	if err != nil {
		return 0, fmt.Errorf("clear expired lockouts: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("expired lockouts rows affected: %w", err)
	}

	return affected, nil
}

// RevokeExpiredRefreshTokens nulls out stored refresh tokens that are
// past their expiry, so dead hashes do not accumulate on account rows.
func (r *Repository) RevokeExpiredRefreshTokens(ctx context.Context, now time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE accounts
		SET refresh_token_hash = NULL, refresh_expires_at = NULL, updated_at = $1
		WHERE refresh_expires_at IS NOT NULL AND refresh_expires_at < $1
	`, now.UTC())
	if err != nil {
		return 0, fmt.Errorf("revoke expired refresh tokens: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("expired refresh tokens rows affected: %w", err)
	}

	return affected, nil
}

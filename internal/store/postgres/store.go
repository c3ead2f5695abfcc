// Package postgres stores users and their WebAuthn credentials in two
// tables, with schema managed by embedded goose migrations.
package postgres

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"sitekeeper/admin-service/internal/store"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var migrations embed.FS

const (
	pgUniqueViolation     = "23505"
	pgForeignKeyViolation = "23503"
)

// DBTX is the subset of database/sql used by the queries.
// Both *sql.DB and *sql.Tx satisfy it.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type Store struct {
	db *sql.DB
}

var _ store.UserStore = (*Store)(nil)

func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// Open connects through the pgx database/sql driver and verifies the
// connection.
func Open(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("db open: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetConnMaxIdleTime(5 * time.Minute)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("db ping: %w", err)
	}
	return New(db), nil
}

// gooseUp is a seam for tests.
var gooseUp = func(ctx context.Context, db *sql.DB, dir string) error {
	return goose.UpContext(ctx, db, dir)
}

// Migrate applies the embedded migrations.
func (s *Store) Migrate(ctx context.Context) error {
	goose.SetBaseFS(migrations)
	if err := goose.SetDialect("pgx"); err != nil {
		return err
	}
	if err := gooseUp(ctx, s.db, "migrations"); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

func (s *Store) FindByUsername(ctx context.Context, username string) (*store.User, error) {
	return s.findUser(ctx, `SELECT id, username, password_hash, created_at FROM users WHERE username = $1`, username)
}

func (s *Store) FindByID(ctx context.Context, id string) (*store.User, error) {
	return s.findUser(ctx, `SELECT id, username, password_hash, created_at FROM users WHERE id = $1`, id)
}

func (s *Store) findUser(ctx context.Context, query, arg string) (*store.User, error) {
	var (
		u    store.User
		hash sql.NullString
	)
	err := s.db.QueryRowContext(ctx, query, arg).Scan(&u.ID, &u.Username, &hash, &u.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("db error: %w", err)
	}
	u.PasswordHash = hash.String
	creds, err := listCredentials(ctx, s.db, u.ID)
	if err != nil {
		return nil, err
	}
	u.Credentials = creds
	return &u, nil
}

func listCredentials(ctx context.Context, db DBTX, userID string) ([]store.Credential, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT id, public_key, sign_counter, transports, device_name, registered_at, last_used_at,
		        attestation_type, aaguid, backup_eligible, backup_state, user_verified
		 FROM webauthn_credentials WHERE user_id = $1 ORDER BY seq`, userID)
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	defer rows.Close()

	creds := []store.Credential{}
	for rows.Next() {
		var (
			c          store.Credential
			counter    int64
			transports string
			lastUsed   sql.NullTime
		)
		if err := rows.Scan(&c.ID, &c.PublicKey, &counter, &transports, &c.DeviceName, &c.RegisteredAt, &lastUsed,
			&c.AttestationType, &c.AAGUID, &c.BackupEligible, &c.BackupState, &c.UserVerified); err != nil {
			return nil, fmt.Errorf("db error: %w", err)
		}
		c.SignCounter = uint32(counter)
		c.Transports = splitTransports(transports)
		if lastUsed.Valid {
			t := lastUsed.Time
			c.LastUsedAt = &t
		}
		creds = append(creds, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	return creds, nil
}

func (s *Store) Create(ctx context.Context, u *store.User) error {
	return withTx(ctx, s.db, func(ctx context.Context, tx DBTX) error {
		var hash sql.NullString
		if u.PasswordHash != "" {
			hash = sql.NullString{String: u.PasswordHash, Valid: true}
		}
		_, err := tx.ExecContext(ctx,
			`INSERT INTO users (id, username, password_hash, created_at) VALUES ($1, $2, $3, $4)`,
			u.ID, u.Username, hash, u.CreatedAt)
		if err != nil {
			if pgCode(err) == pgUniqueViolation {
				return store.ErrUsernameTaken
			}
			return fmt.Errorf("db error: %w", err)
		}
		for _, c := range u.Credentials {
			if err := insertCredential(ctx, tx, u.ID, c); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Store) SetPasswordHash(ctx context.Context, userID, hash string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE users SET password_hash = $1 WHERE id = $2`, hash, userID)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return requireRow(res)
}

func (s *Store) AppendCredential(ctx context.Context, userID string, c store.Credential) error {
	return insertCredential(ctx, s.db, userID, c)
}

// AppendFirstCredential locks the user row so that concurrent bootstrap
// registrations serialize on it; only the first one finds the user empty.
func (s *Store) AppendFirstCredential(ctx context.Context, userID string, c store.Credential) error {
	return withTx(ctx, s.db, func(ctx context.Context, tx DBTX) error {
		var hash sql.NullString
		err := tx.QueryRowContext(ctx, `SELECT password_hash FROM users WHERE id = $1 FOR UPDATE`, userID).Scan(&hash)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			return store.ErrNotFound
		case err != nil:
			return fmt.Errorf("db error: %w", err)
		}
		if hash.String != "" {
			return store.ErrBootstrapClosed
		}
		var n int
		err = tx.QueryRowContext(ctx, `SELECT count(*) FROM webauthn_credentials WHERE user_id = $1`, userID).Scan(&n)
		if err != nil {
			return fmt.Errorf("db error: %w", err)
		}
		if n > 0 {
			return store.ErrBootstrapClosed
		}
		return insertCredential(ctx, tx, userID, c)
	})
}

func insertCredential(ctx context.Context, db DBTX, userID string, c store.Credential) error {
	_, err := db.ExecContext(ctx,
		`INSERT INTO webauthn_credentials
		   (id, user_id, public_key, sign_counter, transports, device_name, registered_at,
		    attestation_type, aaguid, backup_eligible, backup_state, user_verified)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		c.ID, userID, c.PublicKey, int64(c.SignCounter), strings.Join(c.Transports, ","), c.DeviceName, c.RegisteredAt,
		c.AttestationType, c.AAGUID, c.BackupEligible, c.BackupState, c.UserVerified)
	if err != nil {
		switch pgCode(err) {
		case pgUniqueViolation:
			return store.ErrDuplicateCredential
		case pgForeignKeyViolation:
			return store.ErrNotFound
		}
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

// UpdateSignCounter is a conditional write: the row changes only if the
// stored counter is still the one the caller verified against.
func (s *Store) UpdateSignCounter(ctx context.Context, userID, credentialID string, expected, next uint32, usedAt time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE webauthn_credentials SET sign_counter = $1, last_used_at = $2
		 WHERE id = $3 AND user_id = $4 AND sign_counter = $5`,
		int64(next), usedAt.UTC(), credentialID, userID, int64(expected))
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	if n == 1 {
		return nil
	}
	var one int
	err = s.db.QueryRowContext(ctx,
		`SELECT 1 FROM webauthn_credentials WHERE id = $1 AND user_id = $2`, credentialID, userID).Scan(&one)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return store.ErrNotFound
	case err != nil:
		return fmt.Errorf("db error: %w", err)
	}
	return store.ErrCounterConflict
}

func (s *Store) RenameCredential(ctx context.Context, userID, credentialID, name string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE webauthn_credentials SET device_name = $1 WHERE id = $2 AND user_id = $3`,
		name, credentialID, userID)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return requireRow(res)
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) Close() error {
	return s.db.Close()
}

// withTx runs fn in a transaction, committing on success and rolling back on
// error or panic.
func withTx(ctx context.Context, db *sql.DB, fn func(ctx context.Context, tx DBTX) error) (err error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
		if err != nil {
			_ = tx.Rollback()
			return
		}
		err = tx.Commit()
	}()
	return fn(ctx, tx)
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func pgCode(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}
	return ""
}

func splitTransports(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, ",")
}

package pg

import (
	"context"
	"database/sql"
	"errors"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"authgate.org/internal/auth"
)

// Store is the Postgres credential store backing the auth core.
type Store struct {
	db *sql.DB
}

var _ auth.Store = (*Store)(nil)

func Open(dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	// Tuned pool defaults; adjust under load tests
	db.SetMaxOpenConns(50)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(15 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return &Store{db: db}, nil
}

// NewWithDB wraps an existing handle; used by tests and the migrator.
func NewWithDB(db *sql.DB) *Store { return &Store{db: db} }

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

const principalColumns = `
	id, email, password_hash, first_name, last_name,
	is_active, is_verified, failed_login_attempts, locked_until, last_login
`

func scanPrincipal(row *sql.Row) (*auth.Principal, error) {
	var (
		p           auth.Principal
		lockedUntil sql.NullTime
		lastLogin   sql.NullTime
	)
	err := row.Scan(
		&p.ID, &p.Email, &p.PasswordHash, &p.FirstName, &p.LastName,
		&p.Active, &p.Verified, &p.FailedAttempts, &lockedUntil, &lastLogin,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, auth.ErrPrincipalNotFound
	}
	if err != nil {
		return nil, err
	}
	if lockedUntil.Valid {
		t := lockedUntil.Time
		p.LockedUntil = &t
	}
	if lastLogin.Valid {
		t := lastLogin.Time
		p.LastLogin = &t
	}
	return &p, nil
}

func (s *Store) FindPrincipalByEmail(ctx context.Context, email string) (*auth.Principal, error) {
	return scanPrincipal(s.db.QueryRowContext(ctx, `
		select `+principalColumns+`
		from users where email = $1
	`, email))
}

func (s *Store) FindPrincipal(ctx context.Context, id string) (*auth.Principal, error) {
	return scanPrincipal(s.db.QueryRowContext(ctx, `
		select `+principalColumns+`
		from users where id = $1
	`, id))
}

// UpdateLockout lands counter and window in one statement so a crash
// between the two cannot leave a locked account with a stale counter.
func (s *Store) UpdateLockout(ctx context.Context, id string, attempts int, lockedUntil *time.Time) error {
	var until sql.NullTime
	if lockedUntil != nil {
		until = sql.NullTime{Time: *lockedUntil, Valid: true}
	}
	res, err := s.db.ExecContext(ctx, `
		update users
		set failed_login_attempts = $2, locked_until = $3, updated_at = now()
		where id = $1
	`, id, attempts, until)
	if err != nil {
		return err
	}
	return checkAffected(res)
}

func (s *Store) RecordLogin(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `
		update users
		set failed_login_attempts = 0, locked_until = null,
		    last_login = now(), updated_at = now()
		where id = $1
	`, id)
	if err != nil {
		return err
	}
	return checkAffected(res)
}

func (s *Store) UpdatePassword(ctx context.Context, id, passwordHash string) error {
	res, err := s.db.ExecContext(ctx, `
		update users
		set password_hash = $2, updated_at = now()
		where id = $1
	`, id, passwordHash)
	if err != nil {
		return err
	}
	return checkAffected(res)
}

// ResolveGrants joins the principal through role assignments to
// permissions. Missing and inactive principals are indistinguishable to
// the caller: both read as not found.
func (s *Store) ResolveGrants(ctx context.Context, id string) (auth.Grants, error) {
	var active bool
	err := s.db.QueryRowContext(ctx, `select is_active from users where id = $1`, id).Scan(&active)
	if errors.Is(err, sql.ErrNoRows) {
		return auth.Grants{}, auth.ErrPrincipalNotFound
	}
	if err != nil {
		return auth.Grants{}, err
	}
	if !active {
		return auth.Grants{}, auth.ErrPrincipalNotFound
	}

	var grants auth.Grants

	rows, err := s.db.QueryContext(ctx, `
		select r.name
		from roles r
		join user_roles ur on ur.role_id = r.id
		where ur.user_id = $1
		order by r.name
	`, id)
	if err != nil {
		return auth.Grants{}, err
	}
	defer rows.Close()
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return auth.Grants{}, err
		}
		grants.Roles = append(grants.Roles, name)
	}
	if err := rows.Err(); err != nil {
		return auth.Grants{}, err
	}

	prows, err := s.db.QueryContext(ctx, `
		select distinct p.name
		from permissions p
		join role_permissions rp on rp.permission_id = p.id
		join user_roles ur on ur.role_id = rp.role_id
		where ur.user_id = $1
		order by p.name
	`, id)
	if err != nil {
		return auth.Grants{}, err
	}
	defer prows.Close()
	for prows.Next() {
		var name string
		if err := prows.Scan(&name); err != nil {
			return auth.Grants{}, err
		}
		grants.Permissions = append(grants.Permissions, name)
	}
	if err := prows.Err(); err != nil {
		return auth.Grants{}, err
	}

	return grants, nil
}

func (s *Store) PersistSession(ctx context.Context, sess *auth.Session) error {
	_, err := s.db.ExecContext(ctx, `
		insert into user_sessions
			(id, user_id, token_jti, ip_address, user_agent, service_name, created_at, expires_at)
		values ($1, $2, $3, $4, $5, $6, $7, $8)
	`, sess.ID, sess.PrincipalID, sess.JTI, sess.IP, sess.UserAgent,
		sess.Service, sess.CreatedAt, sess.ExpiresAt)
	return err
}

// MarkSessionRevokedByJTI is idempotent: an already-revoked row keeps its
// original revoked_at and revoked_by.
func (s *Store) MarkSessionRevokedByJTI(ctx context.Context, jti, revokerID string) error {
	_, err := s.db.ExecContext(ctx, `
		update user_sessions
		set is_revoked = true, revoked_at = now(), revoked_by = $2
		where token_jti = $1 and is_revoked = false
	`, jti, revokerID)
	return err
}

func (s *Store) IsSessionRevoked(ctx context.Context, jti string) (bool, error) {
	var revoked bool
	err := s.db.QueryRowContext(ctx, `
		select is_revoked from user_sessions where token_jti = $1
	`, jti).Scan(&revoked)
	if errors.Is(err, sql.ErrNoRows) {
		// no durable record: nothing to revoke
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return revoked, nil
}

const sessionColumns = `
	id, user_id, token_jti, ip_address, user_agent, service_name,
	created_at, expires_at, is_revoked, revoked_at, revoked_by
`

func scanSession(scan func(dest ...any) error) (*auth.Session, error) {
	var (
		sess      auth.Session
		revokedAt sql.NullTime
		revokedBy sql.NullString
	)
	err := scan(
		&sess.ID, &sess.PrincipalID, &sess.JTI, &sess.IP, &sess.UserAgent,
		&sess.Service, &sess.CreatedAt, &sess.ExpiresAt,
		&sess.Revoked, &revokedAt, &revokedBy,
	)
	if err != nil {
		return nil, err
	}
	if revokedAt.Valid {
		t := revokedAt.Time
		sess.RevokedAt = &t
	}
	if revokedBy.Valid {
		sess.RevokedBy = revokedBy.String
	}
	return &sess, nil
}

func (s *Store) FindSession(ctx context.Context, principalID, sessionID string) (*auth.Session, error) {
	sess, err := scanSession(s.db.QueryRowContext(ctx, `
		select `+sessionColumns+`
		from user_sessions
		where id = $1 and user_id = $2
	`, sessionID, principalID).Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, auth.ErrSessionNotFound
	}
	if err != nil {
		return nil, err
	}
	return sess, nil
}

func (s *Store) ListSessions(ctx context.Context, principalID string) ([]*auth.Session, error) {
	rows, err := s.db.QueryContext(ctx, `
		select `+sessionColumns+`
		from user_sessions
		where user_id = $1
		order by created_at desc
	`, principalID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*auth.Session
	for rows.Next() {
		sess, err := scanSession(rows.Scan)
		if err != nil {
			return nil, err
		}
		result = append(result, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func checkAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return auth.ErrPrincipalNotFound
	}
	return nil
}

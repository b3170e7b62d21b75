// Package postgres is the pgx-backed Store implementation. Each unit of
// work maps to one database transaction; single-row mutators read with
// FOR UPDATE so concurrent units on the same row serialize while units on
// different rows proceed in parallel.
package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	kgerrors "keygate/internal/errors"
	"keygate/internal/store"
)

// Defaults applied to users created on first sight.
const (
	defaultCommissionRate  = 10
	defaultDiscountPercent = 3
)

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store is the pgx-backed persistence layer.
type Store struct {
	pool *pgxpool.Pool
}

var _ store.Store = (*Store)(nil)

// Connect opens a pool against dsn and verifies connectivity.
func Connect(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, kgerrors.Transient("connect", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, kgerrors.Transient("ping", err)
	}
	return &Store{pool: pool}, nil
}

// Close releases the connection pool.
func (s *Store) Close() { s.pool.Close() }

// EnsureSchema creates the tables if they do not exist. Full migration
// tooling lives outside this repository; this covers fresh deployments.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return kgerrors.Transient("ensure schema", err)
	}
	return nil
}

const schema = `
CREATE TABLE IF NOT EXISTS users (
	id                BIGINT PRIMARY KEY,
	registered_at     TIMESTAMPTZ NOT NULL,
	balance           BIGINT NOT NULL DEFAULT 0,
	role              TEXT NOT NULL DEFAULT 'user',
	referred_by       BIGINT,
	commission_rate   INT NOT NULL,
	discount_percent  INT NOT NULL,
	referral_sales    BIGINT NOT NULL DEFAULT 0,
	referral_earnings BIGINT NOT NULL DEFAULT 0,
	referral_code     TEXT UNIQUE
);

CREATE TABLE IF NOT EXISTS licenses (
	key          TEXT PRIMARY KEY,
	owner_id     BIGINT NOT NULL,
	tier         TEXT NOT NULL,
	expires_at   TIMESTAMPTZ NOT NULL,
	created_at   TIMESTAMPTZ NOT NULL,
	blocked      BOOLEAN NOT NULL DEFAULT FALSE,
	max_sessions INT NOT NULL DEFAULT 1
);
CREATE INDEX IF NOT EXISTS licenses_owner_idx ON licenses (owner_id);

CREATE TABLE IF NOT EXISTS transactions (
	id          BIGSERIAL PRIMARY KEY,
	user_id     BIGINT NOT NULL,
	amount      BIGINT NOT NULL,
	kind        TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	referrer_id BIGINT,
	created_at  TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS transactions_user_idx ON transactions (user_id, created_at DESC);
`

// Users returns the auto-committing user repository.
func (s *Store) Users() store.UserRepository { return userRepo{q: s.pool} }

// Licenses returns the auto-committing license repository.
func (s *Store) Licenses() store.LicenseRepository { return licenseRepo{q: s.pool} }

// Transactions returns the auto-committing transaction repository.
func (s *Store) Transactions() store.TransactionRepository { return txRepo{q: s.pool} }

// InTx runs fn inside one database transaction. Repositories handed to fn
// read rows with FOR UPDATE so read-then-write sequences cannot lose
// updates.
func (s *Store) InTx(ctx context.Context, fn func(store.UnitOfWork) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return kgerrors.Transient("begin tx", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // no-op after commit

	if err := fn(unit{tx}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return kgerrors.Transient("commit tx", err)
	}
	return nil
}

type unit struct{ tx pgx.Tx }

func (u unit) Users() store.UserRepository               { return userRepo{q: u.tx, forUpdate: true} }
func (u unit) Licenses() store.LicenseRepository         { return licenseRepo{q: u.tx, forUpdate: true} }
func (u unit) Transactions() store.TransactionRepository { return txRepo{q: u.tx} }

// --- users ---

type userRepo struct {
	q         querier
	forUpdate bool
}

const userColumns = `id, registered_at, balance, role, referred_by,
	commission_rate, discount_percent, referral_sales, referral_earnings, referral_code`

func (r userRepo) scanUser(row pgx.Row) (store.User, error) {
	var u store.User
	err := row.Scan(&u.ID, &u.RegisteredAt, &u.Balance, &u.Role, &u.ReferredBy,
		&u.CommissionRate, &u.DiscountPercent, &u.ReferralSales, &u.ReferralEarnings, &u.ReferralCode)
	if errors.Is(err, pgx.ErrNoRows) {
		return store.User{}, kgerrors.ErrUserNotFound
	}
	if err != nil {
		return store.User{}, kgerrors.Transient("scan user", err)
	}
	return u, nil
}

func (r userRepo) Get(ctx context.Context, id int64) (store.User, error) {
	q := `SELECT ` + userColumns + ` FROM users WHERE id = $1`
	if r.forUpdate {
		q += ` FOR UPDATE`
	}
	return r.scanUser(r.q.QueryRow(ctx, q, id))
}

func (r userRepo) GetOrCreate(ctx context.Context, id int64) (store.User, error) {
	u, err := r.Get(ctx, id)
	if err == nil {
		return u, nil
	}
	if !errors.Is(err, kgerrors.ErrUserNotFound) {
		return store.User{}, err
	}
	row := r.q.QueryRow(ctx, `
		INSERT INTO users (id, registered_at, balance, role, commission_rate, discount_percent)
		VALUES ($1, $2, 0, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET id = EXCLUDED.id
		RETURNING `+userColumns,
		id, time.Now().UTC(), store.RoleUser, defaultCommissionRate, defaultDiscountPercent)
	return r.scanUser(row)
}

func (r userRepo) ByReferralCode(ctx context.Context, code string) (store.User, error) {
	u, err := r.scanUser(r.q.QueryRow(ctx,
		`SELECT `+userColumns+` FROM users WHERE referral_code = $1`, code))
	if errors.Is(err, kgerrors.ErrUserNotFound) {
		return store.User{}, kgerrors.ErrReferralNotFound
	}
	return u, err
}

func (r userRepo) Update(ctx context.Context, u store.User) error {
	tag, err := r.q.Exec(ctx, `
		UPDATE users SET balance = $2, role = $3, referred_by = $4,
			commission_rate = $5, discount_percent = $6,
			referral_sales = $7, referral_earnings = $8, referral_code = $9
		WHERE id = $1`,
		u.ID, u.Balance, u.Role, u.ReferredBy, u.CommissionRate,
		u.DiscountPercent, u.ReferralSales, u.ReferralEarnings, u.ReferralCode)
	if err != nil {
		return kgerrors.Transient("update user", err)
	}
	if tag.RowsAffected() == 0 {
		return kgerrors.ErrUserNotFound
	}
	return nil
}

// --- licenses ---

type licenseRepo struct {
	q         querier
	forUpdate bool
}

const licenseColumns = `key, owner_id, tier, expires_at, created_at, blocked, max_sessions`

func scanLicense(row pgx.Row) (store.License, error) {
	var l store.License
	err := row.Scan(&l.Key, &l.OwnerID, &l.Tier, &l.ExpiresAt, &l.CreatedAt, &l.Blocked, &l.MaxSessions)
	if errors.Is(err, pgx.ErrNoRows) {
		return store.License{}, kgerrors.ErrLicenseNotFound
	}
	if err != nil {
		return store.License{}, kgerrors.Transient("scan license", err)
	}
	return l, nil
}

func (r licenseRepo) Get(ctx context.Context, key string) (store.License, error) {
	q := `SELECT ` + licenseColumns + ` FROM licenses WHERE key = $1`
	if r.forUpdate {
		q += ` FOR UPDATE`
	}
	return scanLicense(r.q.QueryRow(ctx, q, key))
}

func (r licenseRepo) ByOwner(ctx context.Context, ownerID int64, includeBlocked bool) ([]store.License, error) {
	q := `SELECT ` + licenseColumns + ` FROM licenses WHERE owner_id = $1`
	if !includeBlocked {
		q += ` AND NOT blocked`
	}
	q += ` ORDER BY created_at`
	rows, err := r.q.Query(ctx, q, ownerID)
	if err != nil {
		return nil, kgerrors.Transient("list licenses", err)
	}
	defer rows.Close()

	out := make([]store.License, 0)
	for rows.Next() {
		l, err := scanLicense(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	if err := rows.Err(); err != nil {
		return nil, kgerrors.Transient("list licenses", err)
	}
	return out, nil
}

func (r licenseRepo) Insert(ctx context.Context, l store.License) error {
	_, err := r.q.Exec(ctx, `
		INSERT INTO licenses (key, owner_id, tier, expires_at, created_at, blocked, max_sessions)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		l.Key, l.OwnerID, l.Tier, l.ExpiresAt, l.CreatedAt, l.Blocked, l.MaxSessions)
	if err != nil {
		return kgerrors.Transient("insert license", err)
	}
	return nil
}

func (r licenseRepo) Update(ctx context.Context, l store.License) error {
	tag, err := r.q.Exec(ctx, `
		UPDATE licenses SET owner_id = $2, tier = $3, expires_at = $4,
			blocked = $5, max_sessions = $6
		WHERE key = $1`,
		l.Key, l.OwnerID, l.Tier, l.ExpiresAt, l.Blocked, l.MaxSessions)
	if err != nil {
		return kgerrors.Transient("update license", err)
	}
	if tag.RowsAffected() == 0 {
		return kgerrors.ErrLicenseNotFound
	}
	return nil
}

func (r licenseRepo) CountActive(ctx context.Context, now time.Time) (int64, error) {
	var n int64
	err := r.q.QueryRow(ctx,
		`SELECT COUNT(*) FROM licenses WHERE NOT blocked AND expires_at > $1`, now).Scan(&n)
	if err != nil {
		return 0, kgerrors.Transient("count active licenses", err)
	}
	return n, nil
}

// --- transactions ---

type txRepo struct{ q querier }

func (r txRepo) Insert(ctx context.Context, t store.Transaction) (int64, error) {
	var id int64
	err := r.q.QueryRow(ctx, `
		INSERT INTO transactions (user_id, amount, kind, description, referrer_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id`,
		t.UserID, t.Amount, t.Kind, t.Description, t.ReferrerID, t.CreatedAt).Scan(&id)
	if err != nil {
		return 0, kgerrors.Transient("insert transaction", err)
	}
	return id, nil
}

func (r txRepo) ListByUser(ctx context.Context, userID int64, limit int) ([]store.Transaction, error) {
	q := `SELECT id, user_id, amount, kind, description, referrer_id, created_at
		FROM transactions WHERE user_id = $1 ORDER BY created_at DESC, id DESC`
	args := []any{userID}
	if limit > 0 {
		q += ` LIMIT $2`
		args = append(args, limit)
	}
	rows, err := r.q.Query(ctx, q, args...)
	if err != nil {
		return nil, kgerrors.Transient("list transactions", err)
	}
	defer rows.Close()

	out := make([]store.Transaction, 0)
	for rows.Next() {
		var t store.Transaction
		if err := rows.Scan(&t.ID, &t.UserID, &t.Amount, &t.Kind, &t.Description, &t.ReferrerID, &t.CreatedAt); err != nil {
			return nil, kgerrors.Transient("scan transaction", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, kgerrors.Transient("list transactions", err)
	}
	return out, nil
}

func (r txRepo) SumByUser(ctx context.Context, userID int64) (int64, error) {
	var sum int64
	err := r.q.QueryRow(ctx,
		`SELECT COALESCE(SUM(amount), 0) FROM transactions WHERE user_id = $1`, userID).Scan(&sum)
	if err != nil {
		return 0, kgerrors.Transient("sum transactions", err)
	}
	return sum, nil
}

package sqlitestore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/RogueTeam/ltcsweep/payments"
	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

const columns = `id, address, encrypted_key, amount, status, created_at, updated_at, expires_at`

type Config struct {
	// Database handle. Migrations are applied by Open
	DB *sql.DB
	// Time source for the timestamps. Defaults to payments.DefaultClock
	Now payments.Clock
}

// Store keeps the payments in a single sqlite table.
// Timestamps are stored as unix nanoseconds, 0 meaning unset.
type Store struct {
	mu  sync.Mutex
	db  *sql.DB
	now payments.Clock
}

var _ payments.Store = (*Store)(nil)

// Open the sqlite database at path and apply the migrations
func Open(ctx context.Context, path string) (db *sql.DB, err error) {
	db, err = sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// In memory databases are per connection
	db.SetMaxOpenConns(1)

	err = db.PingContext(ctx)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	err = RunMigrations(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

func New(config Config) (s *Store) {
	s = &Store{
		db:  config.DB,
		now: config.Now,
	}
	if s.now == nil {
		s.now = payments.DefaultClock
	}
	return s
}

func toUnix(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromUnix(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanPayment(row scanner) (payment payments.Payment, err error) {
	var (
		id                              string
		status                          string
		createdAt, updatedAt, expiresAt int64
		amount                          int64
	)
	err = row.Scan(&id, &payment.Address, &payment.EncryptedKey, &amount, &status, &createdAt, &updatedAt, &expiresAt)
	if err != nil {
		return payment, err
	}

	payment.Id, err = uuid.Parse(id)
	if err != nil {
		return payment, fmt.Errorf("failed to parse payment id: %w", err)
	}
	payment.Amount = uint64(amount)
	payment.Status = payments.Status(status)
	payment.CreatedAt = fromUnix(createdAt)
	payment.UpdatedAt = fromUnix(updatedAt)
	payment.ExpiresAt = fromUnix(expiresAt)
	return payment, nil
}

func (s *Store) find(ctx context.Context, q interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}, id uuid.UUID) (payment payments.Payment, err error) {
	row := q.QueryRowContext(ctx, `SELECT `+columns+` FROM payments WHERE id = ?`, id.String())
	payment, err = scanPayment(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return payment, payments.ErrPaymentNotFound
		}
		return payment, fmt.Errorf("failed to scan payment: %w", err)
	}
	return payment, nil
}

func (s *Store) Insert(ctx context.Context, payment payments.Payment) (err error) {
	err = payments.Prepare(&payment, s.now)
	if err != nil {
		return fmt.Errorf("failed to validate payment: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var count int
	err = tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM payments WHERE id = ?`, payment.Id.String()).Scan(&count)
	if err != nil {
		return fmt.Errorf("failed to check payment id: %w", err)
	}
	if count > 0 {
		return fmt.Errorf("failed to insert payment: %w", payments.ErrPaymentExists)
	}

	err = tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM payments WHERE address = ?`, payment.Address).Scan(&count)
	if err != nil {
		return fmt.Errorf("failed to check payment address: %w", err)
	}
	if count > 0 {
		return fmt.Errorf("failed to insert payment: %w", payments.ErrAddressExists)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO payments (`+columns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		payment.Id.String(),
		payment.Address,
		payment.EncryptedKey,
		int64(payment.Amount),
		string(payment.Status),
		toUnix(payment.CreatedAt),
		toUnix(payment.UpdatedAt),
		toUnix(payment.ExpiresAt),
	)
	if err != nil {
		return fmt.Errorf("failed to insert payment: %w", err)
	}

	err = tx.Commit()
	if err != nil {
		return fmt.Errorf("failed to commit payment: %w", err)
	}
	return nil
}

func (s *Store) Find(ctx context.Context, id uuid.UUID) (payment payments.Payment, err error) {
	payment, err = s.find(ctx, s.db, id)
	if err != nil {
		return payment, fmt.Errorf("failed to query payment: %w", err)
	}
	return payment, nil
}

func (s *Store) All(ctx context.Context) (all []payments.Payment, err error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+columns+` FROM payments ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("failed to list payments: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		payment, err := scanPayment(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan payment: %w", err)
		}
		all = append(all, payment)
	}
	err = rows.Err()
	if err != nil {
		return nil, fmt.Errorf("failed to iterate payments: %w", err)
	}
	return all, nil
}

// Read, apply and write the payment in a single transaction
func (s *Store) transition(ctx context.Context, id uuid.UUID, apply func(p *payments.Payment, now payments.Clock) bool) (payment payments.Payment, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return payment, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	payment, err = s.find(ctx, tx, id)
	if err != nil {
		return payment, err
	}

	if !apply(&payment, s.now) {
		return payment, nil
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE payments SET status = ?, updated_at = ? WHERE id = ?`,
		string(payment.Status),
		toUnix(payment.UpdatedAt),
		payment.Id.String(),
	)
	if err != nil {
		return payment, fmt.Errorf("failed to update payment: %w", err)
	}

	err = tx.Commit()
	if err != nil {
		return payment, fmt.Errorf("failed to commit payment: %w", err)
	}
	return payment, nil
}

func (s *Store) MarkCompleted(ctx context.Context, id uuid.UUID) (payment payments.Payment, err error) {
	payment, err = s.transition(ctx, id, payments.Completion)
	if err != nil {
		return payment, fmt.Errorf("failed to mark payment as completed: %w", err)
	}
	return payment, nil
}

func (s *Store) MarkExpired(ctx context.Context, id uuid.UUID) (payment payments.Payment, err error) {
	payment, err = s.transition(ctx, id, payments.Expiration)
	if err != nil {
		return payment, fmt.Errorf("failed to mark payment as expired: %w", err)
	}
	return payment, nil
}

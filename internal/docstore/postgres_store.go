package docstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/lib/pq"

	"github.com/mbd888/safetrade/internal/faults"
)

// PostgresStore runs units of work as SERIALIZABLE transactions over the
// documents table. Serialization failures and unique violations surface as
// conflicts and are retried.
type PostgresStore struct {
	runner
	db *sql.DB
}

// NewPostgresStore wraps an open database.
func NewPostgresStore(db *sql.DB, opts Options) *PostgresStore {
	if opts.MaxAttempts <= 0 {
		opts = DefaultOptions()
	}
	s := &PostgresStore{db: db}
	s.runner = runner{name: "postgres", opts: opts, begin: s.begin}
	return s
}

func (s *PostgresStore) Run(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	return s.run(ctx, false, fn)
}

func (s *PostgresStore) View(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	return s.run(ctx, true, fn)
}

// Ping checks connectivity for health probes.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PostgresStore) begin(ctx context.Context, readOnly bool) (txn, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable, ReadOnly: readOnly})
	if err != nil {
		return nil, classify(ctx, "begin", err)
	}
	return &pgTxn{ctx: ctx, tx: tx}, nil
}

type pgTxn struct {
	ctx context.Context
	tx  *sql.Tx
}

func (t *pgTxn) get(ctx context.Context, coll, id string) ([]byte, error) {
	var body []byte
	err := t.tx.QueryRowContext(ctx,
		`SELECT body FROM documents WHERE collection = $1 AND id = $2`, coll, id,
	).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errAbsent
	}
	if err != nil {
		return nil, classify(ctx, "get "+coll, err)
	}
	return body, nil
}

func (t *pgTxn) put(ctx context.Context, coll, id string, body []byte) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO documents (collection, id, version, body, created_at, updated_at)
		VALUES ($1, $2, 1, $3, NOW(), NOW())
		ON CONFLICT (collection, id) DO UPDATE SET
			body = EXCLUDED.body,
			version = documents.version + 1,
			updated_at = NOW()
	`, coll, id, string(body))
	if err != nil {
		return classify(ctx, "put "+coll, err)
	}
	return nil
}

func (t *pgTxn) insert(ctx context.Context, coll, id string, body []byte) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO documents (collection, id, version, body, created_at, updated_at)
		VALUES ($1, $2, 1, $3, NOW(), NOW())
	`, coll, id, string(body))
	if err != nil {
		return classify(ctx, "insert "+coll, err)
	}
	return nil
}

func (t *pgTxn) scan(ctx context.Context, coll string, m *match) ([]doc, error) {
	query := `SELECT id, body FROM documents WHERE collection = $1`
	args := []any{coll}
	if m != nil {
		query += ` AND body->>$2 = $3`
		args = append(args, m.field, m.value)
	}
	query += ` ORDER BY id`

	rows, err := t.tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classify(ctx, "scan "+coll, err)
	}
	defer rows.Close()

	var out []doc
	for rows.Next() {
		var d doc
		if err := rows.Scan(&d.id, &d.body); err != nil {
			return nil, classify(ctx, "scan "+coll, err)
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(ctx, "scan "+coll, err)
	}
	return out, nil
}

func (t *pgTxn) commit() error {
	if err := t.tx.Commit(); err != nil {
		return classify(t.ctx, "commit", err)
	}
	return nil
}

func (t *pgTxn) rollback() { _ = t.tx.Rollback() }

// Postgres error codes that mean "another transaction won, try again".
const (
	pqSerializationFailure = "40001"
	pqDeadlockDetected     = "40P01"
	pqUniqueViolation      = "23505"
	pqCheckViolation       = "23514"
)

// classify maps driver errors onto the fault taxonomy.
func classify(ctx context.Context, op string, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch string(pqErr.Code) {
		case pqSerializationFailure, pqDeadlockDetected, pqUniqueViolation:
			return fmt.Errorf("%s: %w: %s", op, faults.ErrConflict, pqErr.Message)
		case pqCheckViolation:
			if strings.Contains(pqErr.Constraint, "balance") {
				return fmt.Errorf("%s: %w", op, faults.ErrInsufficientFunds)
			}
		}
	}
	return fmt.Errorf("%s: %w: %v", op, faults.ErrStorageUnavailable, err)
}

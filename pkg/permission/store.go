package permission

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// dbtx is satisfied by both *sql.DB and *sql.Tx so store methods can run
// inside or outside a transaction.
type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// Store handles permission record persistence
type Store struct {
	db dbtx
}

// NewStore creates a new permission store
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// WithTx returns a store bound to the given transaction.
func (s *Store) WithTx(tx *sql.Tx) *Store {
	return &Store{db: tx}
}

const recordColumns = `id, subject, kind, target_kind, target_id, deny, inherited, created_at`

// Filter returns all records for a target matching the filter.
func (s *Store) Filter(ctx context.Context, target Target, f Filter) ([]Record, error) {
	query := `
		SELECT ` + recordColumns + `
		FROM object_permissions
		WHERE target_kind = $1 AND target_id = $2`
	args := []interface{}{string(target.Kind), target.ID}

	var conds []string
	add := func(column string, value interface{}) {
		args = append(args, value)
		conds = append(conds, column+" = $"+strconv.Itoa(len(args)))
	}
	if f.Subject != nil {
		add("subject", *f.Subject)
	}
	if f.Kind != nil {
		add("kind", string(*f.Kind))
	}
	if f.Deny != nil {
		add("deny", *f.Deny)
	}
	if f.Inherited != nil {
		add("inherited", *f.Inherited)
	}
	if len(conds) > 0 {
		query += " AND " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY id ASC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query permissions: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

func scanRecord(rows *sql.Rows) (Record, error) {
	var rec Record
	var kind, targetKind string
	err := rows.Scan(
		&rec.ID,
		&rec.Subject,
		&kind,
		&targetKind,
		&rec.Target.ID,
		&rec.Deny,
		&rec.Inherited,
		&rec.CreatedAt,
	)
	if err != nil {
		return Record{}, fmt.Errorf("failed to scan permission record: %w", err)
	}
	rec.Kind = Kind(kind)
	rec.Target.Kind = TargetKind(targetKind)
	return rec, nil
}

// Create inserts a new permission record.
func (s *Store) Create(ctx context.Context, rec *Record) error {
	query := `
		INSERT INTO object_permissions (subject, kind, target_kind, target_id, deny, inherited, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id`

	now := time.Now().UTC()
	err := s.db.QueryRowContext(ctx, query,
		rec.Subject,
		string(rec.Kind),
		string(rec.Target.Kind),
		rec.Target.ID,
		rec.Deny,
		rec.Inherited,
		now,
	).Scan(&rec.ID)
	if err != nil {
		return fmt.Errorf("failed to create permission record: %w", err)
	}
	rec.CreatedAt = now
	return nil
}

// GetOrCreate inserts a record unless an identical one already exists.
// Returns true when a new record was created.
func (s *Store) GetOrCreate(ctx context.Context, rec *Record) (bool, error) {
	query := `
		SELECT ` + recordColumns + `
		FROM object_permissions
		WHERE target_kind = $1 AND target_id = $2 AND subject = $3 AND kind = $4 AND deny = $5 AND inherited = $6
		LIMIT 1`

	row := s.db.QueryRowContext(ctx, query,
		string(rec.Target.Kind),
		rec.Target.ID,
		rec.Subject,
		string(rec.Kind),
		rec.Deny,
		rec.Inherited,
	)
	var existing Record
	var kind, targetKind string
	err := row.Scan(
		&existing.ID,
		&existing.Subject,
		&kind,
		&targetKind,
		&existing.Target.ID,
		&existing.Deny,
		&existing.Inherited,
		&existing.CreatedAt,
	)
	if err == nil {
		rec.ID = existing.ID
		rec.CreatedAt = existing.CreatedAt
		return false, nil
	}
	if err != sql.ErrNoRows {
		return false, fmt.Errorf("failed to look up permission record: %w", err)
	}
	if err := s.Create(ctx, rec); err != nil {
		return false, err
	}
	return true, nil
}

// DeleteInherited removes every inherited record for a target. The
// propagator owns inherited rows and regenerates them wholesale.
func (s *Store) DeleteInherited(ctx context.Context, target Target) error {
	query := `
		DELETE FROM object_permissions
		WHERE target_kind = $1 AND target_id = $2 AND inherited = $3`
	_, err := s.db.ExecContext(ctx, query, string(target.Kind), target.ID, true)
	if err != nil {
		return fmt.Errorf("failed to delete inherited permissions: %w", err)
	}
	return nil
}

// DeleteExplicit removes the explicit (non-inherited) record matching
// (subject, kind, deny) for a target, if present.
func (s *Store) DeleteExplicit(ctx context.Context, target Target, subject int64, kind Kind, deny bool) error {
	query := `
		DELETE FROM object_permissions
		WHERE target_kind = $1 AND target_id = $2 AND subject = $3 AND kind = $4 AND deny = $5 AND inherited = $6`
	_, err := s.db.ExecContext(ctx, query, string(target.Kind), target.ID, subject, string(kind), deny, false)
	if err != nil {
		return fmt.Errorf("failed to delete explicit permission: %w", err)
	}
	return nil
}

// DeleteAllForTarget removes every record for a target. Called by the
// post-delete hooks of the owning entities.
func (s *Store) DeleteAllForTarget(ctx context.Context, target Target) error {
	query := `
		DELETE FROM object_permissions
		WHERE target_kind = $1 AND target_id = $2`
	_, err := s.db.ExecContext(ctx, query, string(target.Kind), target.ID)
	if err != nil {
		return fmt.Errorf("failed to delete permissions for %s: %w", target, err)
	}
	return nil
}

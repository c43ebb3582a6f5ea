package collection

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/platinummonkey/formdepot/pkg/permission"
)

// ErrNotFound is returned when a collection does not exist.
var ErrNotFound = fmt.Errorf("collection not found")

// Store handles collection persistence
type Store struct {
	db *sql.DB
}

// NewStore creates a new collection store
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

const collectionColumns = `id, name, parent_id, owner, editors_can_change_permissions, created_at, updated_at`

// Get retrieves a collection by ID.
func (s *Store) Get(ctx context.Context, id string) (*Collection, error) {
	query := `
		SELECT ` + collectionColumns + `
		FROM collections
		WHERE id = $1`

	c, err := scanCollection(s.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get collection: %w", err)
	}
	return c, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanCollection(row rowScanner) (*Collection, error) {
	var c Collection
	var parentID sql.NullString
	err := row.Scan(
		&c.ID,
		&c.Name,
		&parentID,
		&c.Owner,
		&c.EditorsCanChangePermissions,
		&c.CreatedAt,
		&c.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if parentID.Valid {
		p := parentID.String
		c.ParentID = &p
	}
	return &c, nil
}

// Insert persists a new collection row.
func (s *Store) Insert(ctx context.Context, c *Collection) error {
	query := `
		INSERT INTO collections (id, name, parent_id, owner, editors_can_change_permissions, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`

	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, query,
		c.ID,
		c.Name,
		nullableString(c.ParentID),
		c.Owner,
		c.EditorsCanChangePermissions,
		now,
		now,
	)
	if err != nil {
		return fmt.Errorf("failed to insert collection: %w", err)
	}
	c.CreatedAt = now
	c.UpdatedAt = now
	return nil
}

// Update persists structural fields of an existing collection.
func (s *Store) Update(ctx context.Context, c *Collection) error {
	query := `
		UPDATE collections
		SET name = $1, parent_id = $2, owner = $3, editors_can_change_permissions = $4, updated_at = $5
		WHERE id = $6`

	c.UpdatedAt = time.Now().UTC()
	res, err := s.db.ExecContext(ctx, query,
		c.Name,
		nullableString(c.ParentID),
		c.Owner,
		c.EditorsCanChangePermissions,
		c.UpdatedAt,
		c.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update collection: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, c.ID)
	}
	return nil
}

// Delete removes a collection row. Child rows cascade at the database
// level; permission cleanup is the service's post-delete hook.
func (s *Store) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM collections WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete collection: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

// Children returns the direct child collections of a node.
func (s *Store) Children(ctx context.Context, parentID string) ([]Collection, error) {
	query := `
		SELECT ` + collectionColumns + `
		FROM collections
		WHERE parent_id = $1
		ORDER BY created_at ASC, id ASC`

	rows, err := s.db.QueryContext(ctx, query, parentID)
	if err != nil {
		return nil, fmt.Errorf("failed to list children: %w", err)
	}
	defer rows.Close()

	var children []Collection
	for rows.Next() {
		c, err := scanCollection(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan collection: %w", err)
		}
		children = append(children, *c)
	}
	return children, rows.Err()
}

// DescendantIDs returns every descendant of a node in pre-order,
// parent before child.
func (s *Store) DescendantIDs(ctx context.Context, id string) ([]string, error) {
	var out []string
	queue := []string{id}
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		children, err := s.Children(ctx, current)
		if err != nil {
			return nil, err
		}
		for _, child := range children {
			out = append(out, child.ID)
			queue = append(queue, child.ID)
		}
	}
	return out, nil
}

// Ancestors returns the ancestor chain of a node ordered farthest to
// nearest, excluding the node itself.
func (s *Store) Ancestors(ctx context.Context, id string) ([]Collection, error) {
	c, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	var chain []Collection
	for !c.IsRoot() {
		c, err = s.Get(ctx, *c.ParentID)
		if err != nil {
			return nil, err
		}
		// prepend so the farthest ancestor comes first
		chain = append([]Collection{*c}, chain...)
	}
	return chain, nil
}

// Node builds the permission-inheritance view of a collection.
func (c *Collection) Node() permission.Node {
	node := permission.Node{
		Target: permission.Target{Kind: permission.TargetCollection, ID: c.ID},
		Owner:  c.Owner,
	}
	if !c.IsRoot() {
		node.Parent = &permission.Target{Kind: permission.TargetCollection, ID: *c.ParentID}
	}
	return node
}

func nullableString(s *string) interface{} {
	if s == nil || *s == "" {
		return nil
	}
	return *s
}

// GetMigrations returns the collection-table migrations.
func GetMigrations() []permission.Migration {
	return []permission.Migration{
		{
			Version:     1,
			Description: "Create collections table",
			SQL: `
				CREATE TABLE IF NOT EXISTS collections (
					id VARCHAR(30) PRIMARY KEY,
					name VARCHAR(255) NOT NULL,
					parent_id VARCHAR(30) REFERENCES collections(id) ON DELETE CASCADE,
					owner BIGINT NOT NULL,
					editors_can_change_permissions BOOLEAN NOT NULL DEFAULT TRUE,
					created_at TIMESTAMP NOT NULL DEFAULT NOW(),
					updated_at TIMESTAMP NOT NULL DEFAULT NOW()
				);

				CREATE INDEX idx_collections_parent_id ON collections(parent_id);
				CREATE INDEX idx_collections_owner ON collections(owner);
			`,
		},
	}
}

// Migrate runs the collection migrations.
func Migrate(ctx context.Context, db *sql.DB) error {
	return permission.RunMigrations(ctx, db, "collection_migrations", GetMigrations())
}

package asset

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/platinummonkey/formdepot/pkg/content"
	"github.com/platinummonkey/formdepot/pkg/permission"
)

// ErrNotFound is returned when an asset or version does not exist.
var ErrNotFound = fmt.Errorf("asset not found")

// Store handles asset, version and snapshot persistence
type Store struct {
	db *sql.DB
}

// NewStore creates a new asset store
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

const assetColumns = `id, name, content, summary, kind, parent_id, owner, editors_can_change_permissions, deployment_data, created_at, updated_at`

// Get retrieves an asset by ID.
func (s *Store) Get(ctx context.Context, id string) (*Asset, error) {
	query := `
		SELECT ` + assetColumns + `
		FROM assets
		WHERE id = $1`

	a, err := scanAsset(s.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get asset: %w", err)
	}
	return a, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanAsset(row rowScanner) (*Asset, error) {
	var a Asset
	var rawContent, rawSummary []byte
	var deploymentData sql.NullString
	var parentID sql.NullString
	var kind string

	err := row.Scan(
		&a.ID,
		&a.Name,
		&rawContent,
		&rawSummary,
		&kind,
		&parentID,
		&a.Owner,
		&a.EditorsCanChangePermissions,
		&deploymentData,
		&a.CreatedAt,
		&a.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	a.Kind = Kind(kind)
	if parentID.Valid {
		p := parentID.String
		a.ParentID = &p
	}
	if deploymentData.Valid {
		a.DeploymentData = json.RawMessage(deploymentData.String)
	}
	if a.Content, err = content.Unmarshal(rawContent); err != nil {
		return nil, err
	}
	if len(rawSummary) > 0 {
		if err := json.Unmarshal(rawSummary, &a.Summary); err != nil {
			return nil, fmt.Errorf("failed to parse asset summary: %w", err)
		}
	}
	return &a, nil
}

func marshalAssetFields(a *Asset) (rawContent, rawSummary []byte, deploymentData interface{}, err error) {
	rawContent, err = content.Marshal(a.Content)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to serialize content: %w", err)
	}
	rawSummary, err = json.Marshal(a.Summary)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to serialize summary: %w", err)
	}
	if len(a.DeploymentData) > 0 {
		deploymentData = string(a.DeploymentData)
	}
	return rawContent, rawSummary, deploymentData, nil
}

// Insert persists a new asset row.
func (s *Store) Insert(ctx context.Context, a *Asset) error {
	rawContent, rawSummary, deploymentData, err := marshalAssetFields(a)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO assets (id, name, content, summary, kind, parent_id, owner, editors_can_change_permissions, deployment_data, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`

	now := time.Now().UTC()
	_, err = s.db.ExecContext(ctx, query,
		a.ID,
		a.Name,
		string(rawContent),
		string(rawSummary),
		string(a.Kind),
		nullableString(a.ParentID),
		a.Owner,
		a.EditorsCanChangePermissions,
		deploymentData,
		now,
		now,
	)
	if err != nil {
		return fmt.Errorf("failed to insert asset: %w", err)
	}
	a.CreatedAt = now
	a.UpdatedAt = now
	return nil
}

// Update persists an existing asset row.
func (s *Store) Update(ctx context.Context, a *Asset) error {
	rawContent, rawSummary, deploymentData, err := marshalAssetFields(a)
	if err != nil {
		return err
	}

	query := `
		UPDATE assets
		SET name = $1, content = $2, summary = $3, kind = $4, parent_id = $5, owner = $6, editors_can_change_permissions = $7, deployment_data = $8, updated_at = $9
		WHERE id = $10`

	a.UpdatedAt = time.Now().UTC()
	res, err := s.db.ExecContext(ctx, query,
		a.Name,
		string(rawContent),
		string(rawSummary),
		string(a.Kind),
		nullableString(a.ParentID),
		a.Owner,
		a.EditorsCanChangePermissions,
		deploymentData,
		a.UpdatedAt,
		a.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update asset: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, a.ID)
	}
	return nil
}

// Delete removes an asset row. Permission cleanup is the service's
// post-delete hook; versions and snapshots cascade at the database
// level since they are owned exclusively by the asset.
func (s *Store) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM assets WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete asset: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

// ByCollection returns the assets attached to a collection.
func (s *Store) ByCollection(ctx context.Context, collectionID string) ([]Asset, error) {
	query := `
		SELECT ` + assetColumns + `
		FROM assets
		WHERE parent_id = $1
		ORDER BY created_at ASC, id ASC`

	rows, err := s.db.QueryContext(ctx, query, collectionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list assets: %w", err)
	}
	defer rows.Close()

	var assets []Asset
	for rows.Next() {
		a, err := scanAsset(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan asset: %w", err)
		}
		assets = append(assets, *a)
	}
	return assets, rows.Err()
}

// Attachments implements collection.AttachmentLister: the permission
// nodes of the assets attached to a collection.
func (s *Store) Attachments(ctx context.Context, collectionID string) ([]permission.Node, error) {
	assets, err := s.ByCollection(ctx, collectionID)
	if err != nil {
		return nil, err
	}
	nodes := make([]permission.Node, 0, len(assets))
	for i := range assets {
		nodes = append(nodes, assets[i].Node())
	}
	return nodes, nil
}

const versionColumns = `uid, asset_id, name, content, deployment_data, deployed, created_at`

// InsertVersion appends an immutable version row.
func (s *Store) InsertVersion(ctx context.Context, v *Version) error {
	rawContent, err := content.Marshal(v.Content)
	if err != nil {
		return fmt.Errorf("failed to serialize version content: %w", err)
	}
	var deploymentData interface{}
	if len(v.DeploymentData) > 0 {
		deploymentData = string(v.DeploymentData)
	}

	query := `
		INSERT INTO asset_versions (uid, asset_id, name, content, deployment_data, deployed, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`

	now := time.Now().UTC()
	_, err = s.db.ExecContext(ctx, query,
		v.UID,
		v.AssetID,
		v.Name,
		string(rawContent),
		deploymentData,
		v.Deployed,
		now,
	)
	if err != nil {
		return fmt.Errorf("failed to insert asset version: %w", err)
	}
	v.CreatedAt = now
	return nil
}

func scanVersion(row rowScanner) (*Version, error) {
	var v Version
	var rawContent []byte
	var deploymentData sql.NullString
	err := row.Scan(
		&v.UID,
		&v.AssetID,
		&v.Name,
		&rawContent,
		&deploymentData,
		&v.Deployed,
		&v.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	if deploymentData.Valid {
		v.DeploymentData = json.RawMessage(deploymentData.String)
	}
	if v.Content, err = content.Unmarshal(rawContent); err != nil {
		return nil, err
	}
	return &v, nil
}

// GetVersion retrieves one version by UID.
func (s *Store) GetVersion(ctx context.Context, versionUID string) (*Version, error) {
	query := `
		SELECT ` + versionColumns + `
		FROM asset_versions
		WHERE uid = $1`

	v, err := scanVersion(s.db.QueryRowContext(ctx, query, versionUID))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: version %s", ErrNotFound, versionUID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get asset version: %w", err)
	}
	return v, nil
}

// Versions lists an asset's versions, newest first.
func (s *Store) Versions(ctx context.Context, assetID string, deployedOnly bool) ([]Version, error) {
	query := `
		SELECT ` + versionColumns + `
		FROM asset_versions
		WHERE asset_id = $1`
	args := []interface{}{assetID}
	if deployedOnly {
		query += ` AND deployed = $2`
		args = append(args, true)
	}
	query += ` ORDER BY created_at DESC, uid DESC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list asset versions: %w", err)
	}
	defer rows.Close()

	var versions []Version
	for rows.Next() {
		v, err := scanVersion(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan asset version: %w", err)
		}
		versions = append(versions, *v)
	}
	return versions, rows.Err()
}

// LatestVersion returns the newest version of an asset, or nil when
// no version exists yet.
func (s *Store) LatestVersion(ctx context.Context, assetID string) (*Version, error) {
	versions, err := s.Versions(ctx, assetID, false)
	if err != nil {
		return nil, err
	}
	if len(versions) == 0 {
		return nil, nil
	}
	return &versions[0], nil
}

// MarkVersionDeployed flips the deployed flag of a version. This is
// the only mutation ever applied to a version row; the content itself
// stays immutable.
func (s *Store) MarkVersionDeployed(ctx context.Context, versionUID string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE asset_versions SET deployed = $1 WHERE uid = $2`, true, versionUID)
	if err != nil {
		return fmt.Errorf("failed to mark version deployed: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: version %s", ErrNotFound, versionUID)
	}
	return nil
}

const snapshotColumns = `uid, asset_id, version_uid, xml, source, details, created_at`

// GetSnapshotForVersion returns the snapshot bound to a version, or
// nil when none exists.
func (s *Store) GetSnapshotForVersion(ctx context.Context, versionUID string) (*Snapshot, error) {
	query := `
		SELECT ` + snapshotColumns + `
		FROM asset_snapshots
		WHERE version_uid = $1`

	snap, err := scanSnapshot(s.db.QueryRowContext(ctx, query, versionUID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get snapshot: %w", err)
	}
	return snap, nil
}

func scanSnapshot(row rowScanner) (*Snapshot, error) {
	var snap Snapshot
	var rawSource, rawDetails []byte
	err := row.Scan(
		&snap.UID,
		&snap.AssetID,
		&snap.VersionUID,
		&snap.XML,
		&rawSource,
		&rawDetails,
		&snap.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	if snap.Source, err = content.Unmarshal(rawSource); err != nil {
		return nil, err
	}
	if len(rawDetails) > 0 {
		if err := json.Unmarshal(rawDetails, &snap.Details); err != nil {
			return nil, fmt.Errorf("failed to parse snapshot details: %w", err)
		}
	}
	return &snap, nil
}

// InsertSnapshot persists a generated snapshot.
func (s *Store) InsertSnapshot(ctx context.Context, snap *Snapshot) error {
	rawSource, err := content.Marshal(snap.Source)
	if err != nil {
		return fmt.Errorf("failed to serialize snapshot source: %w", err)
	}
	rawDetails, err := json.Marshal(snap.Details)
	if err != nil {
		return fmt.Errorf("failed to serialize snapshot details: %w", err)
	}

	query := `
		INSERT INTO asset_snapshots (uid, asset_id, version_uid, xml, source, details, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`

	now := time.Now().UTC()
	_, err = s.db.ExecContext(ctx, query,
		snap.UID,
		snap.AssetID,
		snap.VersionUID,
		snap.XML,
		string(rawSource),
		string(rawDetails),
		now,
	)
	if err != nil {
		return fmt.Errorf("failed to insert snapshot: %w", err)
	}
	snap.CreatedAt = now
	return nil
}

// DeleteSnapshotsBefore removes snapshots older than the cutoff and
// returns how many were deleted. Snapshots are a regenerable cache;
// the reaper binary calls this on a schedule.
func (s *Store) DeleteSnapshotsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM asset_snapshots WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to delete stale snapshots: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, nil
	}
	return n, nil
}

func nullableString(s *string) interface{} {
	if s == nil || *s == "" {
		return nil
	}
	return *s
}

// GetMigrations returns the asset-table migrations.
func GetMigrations() []permission.Migration {
	return []permission.Migration{
		{
			Version:     1,
			Description: "Create assets table",
			SQL: `
				CREATE TABLE IF NOT EXISTS assets (
					id VARCHAR(30) PRIMARY KEY,
					name VARCHAR(255) NOT NULL DEFAULT '',
					content TEXT NOT NULL DEFAULT '{}',
					summary TEXT NOT NULL DEFAULT '{}',
					kind VARCHAR(20) NOT NULL DEFAULT 'text',
					parent_id VARCHAR(30) REFERENCES collections(id) ON DELETE SET NULL,
					owner BIGINT NOT NULL,
					editors_can_change_permissions BOOLEAN NOT NULL DEFAULT TRUE,
					deployment_data TEXT,
					created_at TIMESTAMP NOT NULL DEFAULT NOW(),
					updated_at TIMESTAMP NOT NULL DEFAULT NOW()
				);

				CREATE INDEX idx_assets_parent_id ON assets(parent_id);
				CREATE INDEX idx_assets_owner ON assets(owner);
			`,
		},
		{
			Version:     2,
			Description: "Create asset_versions table",
			SQL: `
				CREATE TABLE IF NOT EXISTS asset_versions (
					uid VARCHAR(30) PRIMARY KEY,
					asset_id VARCHAR(30) NOT NULL REFERENCES assets(id) ON DELETE CASCADE,
					name VARCHAR(255) NOT NULL DEFAULT '',
					content TEXT NOT NULL DEFAULT '{}',
					deployment_data TEXT,
					deployed BOOLEAN NOT NULL DEFAULT FALSE,
					created_at TIMESTAMP NOT NULL DEFAULT NOW()
				);

				CREATE INDEX idx_asset_versions_asset_id ON asset_versions(asset_id);
				CREATE INDEX idx_asset_versions_deployed ON asset_versions(asset_id, deployed);
			`,
		},
		{
			Version:     3,
			Description: "Create asset_snapshots table",
			SQL: `
				CREATE TABLE IF NOT EXISTS asset_snapshots (
					uid VARCHAR(30) PRIMARY KEY,
					asset_id VARCHAR(30) NOT NULL REFERENCES assets(id) ON DELETE CASCADE,
					version_uid VARCHAR(30) NOT NULL UNIQUE REFERENCES asset_versions(uid) ON DELETE CASCADE,
					xml TEXT NOT NULL DEFAULT '',
					source TEXT NOT NULL DEFAULT '{}',
					details TEXT NOT NULL DEFAULT '{}',
					created_at TIMESTAMP NOT NULL DEFAULT NOW()
				);

				CREATE INDEX idx_asset_snapshots_asset_id ON asset_snapshots(asset_id);
				CREATE INDEX idx_asset_snapshots_created_at ON asset_snapshots(created_at);
			`,
		},
	}
}

// Migrate runs the asset migrations.
func Migrate(ctx context.Context, db *sql.DB) error {
	return permission.RunMigrations(ctx, db, "asset_migrations", GetMigrations())
}

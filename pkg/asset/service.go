package asset

import (
	"context"
	"encoding/json"
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/platinummonkey/formdepot/pkg/collection"
	"github.com/platinummonkey/formdepot/pkg/content"
	"github.com/platinummonkey/formdepot/pkg/observability"
	"github.com/platinummonkey/formdepot/pkg/permission"
	"github.com/platinummonkey/formdepot/pkg/uid"
)

// SaveOptions controls what a save does besides persisting the asset.
type SaveOptions struct {
	// SkipVersion suppresses the version snapshot. Only internal
	// deployment flows use this, to avoid spurious history entries.
	SkipVersion bool
	// SkipContentAdjust leaves the content untouched, e.g. when a
	// deployment re-saves content that was already adjusted.
	SkipContentAdjust bool
}

const snapshotCacheSize = 256

// Service owns asset lifecycle: saves with kind inference, version
// history, permission hooks and snapshot generation.
type Service struct {
	store       *Store
	collections *collection.Store
	perms       *permission.Store
	resolver    *permission.Resolver
	propagator  *permission.Propagator
	snapshots   *lru.LRU[string, *Snapshot]
	metrics     *observability.Metrics
	log         *observability.Logger
}

// NewService creates the asset service.
func NewService(store *Store, collections *collection.Store, perms *permission.Store, propagator *permission.Propagator, log *observability.Logger) *Service {
	if log == nil {
		log = observability.NewLogger(observability.InfoLevel, nil)
	}
	return &Service{
		store:       store,
		collections: collections,
		perms:       perms,
		resolver:    permission.NewResolver(perms),
		propagator:  propagator,
		snapshots:   lru.NewLRU[string, *Snapshot](snapshotCacheSize, nil, 0),
		log:         log,
	}
}

// WithMetrics attaches Prometheus metrics.
func (s *Service) WithMetrics(m *observability.Metrics) *Service {
	s.metrics = m
	return s
}

// Get retrieves an asset.
func (s *Service) Get(ctx context.Context, id string) (*Asset, error) {
	return s.store.Get(ctx, id)
}

// Save persists an asset. Content is summarized on every save and the
// asset kind re-derived from the row count when the current kind is
// question or block; other kinds never auto-transition. One immutable
// version is appended unless opts.SkipVersion.
func (s *Service) Save(ctx context.Context, a *Asset, opts SaveOptions) error {
	if a.Content == nil {
		a.Content = &content.Document{}
	}
	if a.Kind == "" {
		a.Kind = KindText
	}
	if !ValidKind(string(a.Kind)) {
		return &permission.ValidationError{Msg: fmt.Sprintf("unknown asset kind %q", a.Kind)}
	}

	if !opts.SkipContentAdjust {
		if err := s.adjustContent(a); err != nil {
			return err
		}
	}
	a.Summary = content.Summarize(a.Content)

	// Kind is inferred only between question and block.
	if a.Kind == KindQuestion || a.Kind == KindBlock {
		switch {
		case a.Summary.RowCount == 1:
			a.Kind = KindQuestion
		case a.Summary.RowCount > 1:
			a.Kind = KindBlock
		}
	}

	isNew := a.ID == ""
	if isNew {
		a.ID = uid.New(uid.PrefixAsset)
		if err := s.store.Insert(ctx, a); err != nil {
			return err
		}
	} else if err := s.store.Update(ctx, a); err != nil {
		return err
	}

	if err := s.propagator.Recalculate(ctx, a.Node()); err != nil {
		return err
	}

	if !opts.SkipVersion {
		v := &Version{
			UID:            uid.New(uid.PrefixVersion),
			AssetID:        a.ID,
			Name:           a.Name,
			Content:        a.Content,
			DeploymentData: a.DeploymentData,
		}
		if err := s.store.InsertVersion(ctx, v); err != nil {
			return err
		}
		if s.metrics != nil {
			s.metrics.VersionsCreatedTotal.Inc()
		}
	}
	if s.metrics != nil {
		s.metrics.AssetSavesTotal.WithLabelValues(string(a.Kind)).Inc()
	}
	return nil
}

func (s *Service) adjustContent(a *Asset) error {
	if name := a.Content.NullTranslation; name != "" {
		a.Content.NullTranslation = ""
		if err := content.RenameNullTranslation(a.Content, name); err != nil {
			return err
		}
	}
	content.StripEmptyRows(a.Content)
	if a.Kind != KindSurvey {
		// Only surveys carry settings.
		a.Content.Settings = nil
	} else if title := content.PopSetting(a.Content, "form_title"); title != "" {
		a.Name = title
	}
	return nil
}

// Delete removes an asset and, as an explicit post-delete hook, all of
// its permission records. No recalculation is needed: versions and
// snapshots are deleted with the asset and nothing inherits from one.
func (s *Service) Delete(ctx context.Context, id string) error {
	if err := s.store.Delete(ctx, id); err != nil {
		return err
	}
	target := permission.Target{Kind: permission.TargetAsset, ID: id}
	return s.perms.DeleteAllForTarget(ctx, target)
}

// LatestVersion returns the newest version of an asset, or nil.
func (s *Service) LatestVersion(ctx context.Context, assetID string) (*Version, error) {
	return s.store.LatestVersion(ctx, assetID)
}

// DeployedVersions lists the deployed versions of an asset, newest first.
func (s *Service) DeployedVersions(ctx context.Context, assetID string) ([]Version, error) {
	return s.store.Versions(ctx, assetID, true)
}

// LatestDeployedVersion returns the newest deployed version, or nil.
func (s *Service) LatestDeployedVersion(ctx context.Context, assetID string) (*Version, error) {
	deployed, err := s.DeployedVersions(ctx, assetID)
	if err != nil {
		return nil, err
	}
	if len(deployed) == 0 {
		return nil, nil
	}
	return &deployed[0], nil
}

// CloneDict is the portable subset of an asset used to seed a copy:
// the name and content of one version plus the asset's current kind.
type CloneDict struct {
	Name    string            `json:"name"`
	Content *content.Document `json:"content"`
	Kind    Kind              `json:"kind"`
}

// CloneDict extracts clone seed data from a version of the asset. An
// empty versionUID means the latest version.
func (s *Service) CloneDict(ctx context.Context, assetID, versionUID string) (*CloneDict, error) {
	a, err := s.store.Get(ctx, assetID)
	if err != nil {
		return nil, err
	}
	v, err := s.resolveVersion(ctx, assetID, versionUID)
	if err != nil {
		return nil, err
	}
	return &CloneDict{Name: v.Name, Content: v.Content, Kind: a.Kind}, nil
}

// Clone creates a new detached asset seeded from a version of an
// existing one. The copy gets its own owner, permission records and
// version history; nothing links it back to the source.
func (s *Service) Clone(ctx context.Context, assetID, versionUID string, owner int64) (*Asset, error) {
	d, err := s.CloneDict(ctx, assetID, versionUID)
	if err != nil {
		return nil, err
	}
	a := &Asset{
		Name:                        d.Name,
		Content:                     d.Content,
		Kind:                        d.Kind,
		Owner:                       owner,
		EditorsCanChangePermissions: true,
	}
	if err := s.Save(ctx, a, SaveOptions{}); err != nil {
		return nil, err
	}
	return a, nil
}

// Deploy marks a version of the asset as deployed and records the
// deployment on the asset itself. An empty versionUID deploys the
// latest version. The re-save skips both content adjustment and the
// version append so deploying never alters history.
func (s *Service) Deploy(ctx context.Context, assetID, versionUID string) (*Version, error) {
	a, err := s.store.Get(ctx, assetID)
	if err != nil {
		return nil, err
	}
	v, err := s.resolveVersion(ctx, assetID, versionUID)
	if err != nil {
		return nil, err
	}

	if err := s.store.MarkVersionDeployed(ctx, v.UID); err != nil {
		return nil, err
	}
	v.Deployed = true

	a.DeploymentData, err = json.Marshal(map[string]interface{}{
		"active":      true,
		"version_uid": v.UID,
	})
	if err != nil {
		return nil, err
	}
	if err := s.Save(ctx, a, SaveOptions{SkipVersion: true, SkipContentAdjust: true}); err != nil {
		return nil, err
	}
	return v, nil
}

// resolveVersion loads a version by UID, or the latest one when uid is
// empty. A versionless asset is a not-found condition either way.
func (s *Service) resolveVersion(ctx context.Context, assetID, versionUID string) (*Version, error) {
	if versionUID == "" {
		v, err := s.store.LatestVersion(ctx, assetID)
		if err != nil {
			return nil, err
		}
		if v == nil {
			return nil, fmt.Errorf("%w: asset %s has no versions", ErrNotFound, assetID)
		}
		return v, nil
	}
	return s.store.GetVersion(ctx, versionUID)
}

// Ancestors returns the collection chain above the asset, farthest to
// nearest, including the direct parent; nil when detached.
func (s *Service) Ancestors(ctx context.Context, assetID string) ([]collection.Collection, error) {
	a, err := s.store.Get(ctx, assetID)
	if err != nil {
		return nil, err
	}
	if a.ParentID == nil || *a.ParentID == "" {
		return nil, nil
	}
	parent, err := s.collections.Get(ctx, *a.ParentID)
	if err != nil {
		return nil, err
	}
	chain, err := s.collections.Ancestors(ctx, parent.ID)
	if err != nil {
		return nil, err
	}
	return append(chain, *parent), nil
}

// GetExport returns the snapshot for a version of the asset, creating
// it if necessary. An empty versionUID means the latest version. XML
// generation failures are captured into the snapshot's details, never
// returned as an error.
func (s *Service) GetExport(ctx context.Context, assetID, versionUID string) (*Snapshot, error) {
	a, err := s.store.Get(ctx, assetID)
	if err != nil {
		return nil, err
	}

	v, err := s.resolveVersion(ctx, assetID, versionUID)
	if err != nil {
		return nil, err
	}

	if snap, ok := s.snapshots.Get(v.UID); ok {
		return snap, nil
	}
	if snap, err := s.store.GetSnapshotForVersion(ctx, v.UID); err != nil {
		return nil, err
	} else if snap != nil {
		s.snapshots.Add(v.UID, snap)
		return snap, nil
	}

	snap := s.generateSnapshot(a, v)
	if err := s.store.InsertSnapshot(ctx, snap); err != nil {
		return nil, err
	}
	s.snapshots.Add(v.UID, snap)
	if s.metrics != nil {
		s.metrics.SnapshotsCreatedTotal.WithLabelValues(snap.Details.Status).Inc()
	}
	return snap, nil
}

func (s *Service) generateSnapshot(a *Asset, v *Version) *Snapshot {
	opts := generateOptions{
		RootNodeName: "data",
		FormTitle:    a.Name,
		IDString:     a.ID,
	}
	if ids := settingString(v.Content, "id_string"); ids != "" {
		opts.IDString = ids
	}
	if (a.Kind == KindQuestion || a.Kind == KindBlock) && len(a.Summary.Languages) == 0 {
		opts.IncludeNote = fmt.Sprintf("Note: This item is a %s and must be included in a form before deploying", a.Kind)
	}

	xmlOut, details := generateXML(v.Content, opts)
	if details.Status == SnapshotStatusFailure {
		s.log.WithFields(map[string]interface{}{
			"asset":   a.ID,
			"version": v.UID,
			"error":   details.Error,
		}).Warn("snapshot generation failed")
	}
	return &Snapshot{
		UID:        uid.New(uid.PrefixSnapshot),
		AssetID:    a.ID,
		VersionUID: v.UID,
		XML:        xmlOut,
		Source:     v.Content,
		Details:    details,
	}
}

func settingString(doc *content.Document, key string) string {
	if doc == nil || doc.Settings == nil {
		return ""
	}
	if s, ok := doc.Settings[key].(string); ok {
		return s
	}
	return ""
}

// AssignPermission gives subject an explicit grant or denial directly
// on an asset, layered on top of whatever it inherits from its parent
// collection. Assets have no descendants, so there is no cascade.
func (s *Service) AssignPermission(ctx context.Context, id string, subject int64, kindName string, deny bool) error {
	a, err := s.store.Get(ctx, id)
	if err != nil {
		return err
	}
	kind, err := permission.ParseKind(kindName, permission.TargetAsset)
	if err != nil {
		return err
	}
	target := a.Node().Target

	existing, err := s.perms.Filter(ctx, target, permission.Filter{
		Subject:   &subject,
		Kind:      &kind,
		Deny:      &deny,
		Inherited: falsePtr(),
	})
	if err != nil {
		return err
	}
	if len(existing) > 0 {
		return nil
	}
	if err := s.perms.DeleteExplicit(ctx, target, subject, kind, !deny); err != nil {
		return err
	}
	return s.perms.Create(ctx, &permission.Record{
		Subject: subject,
		Kind:    kind,
		Target:  target,
		Deny:    deny,
	})
}

// RemovePermission revokes a matching explicit record on an asset.
func (s *Service) RemovePermission(ctx context.Context, id string, subject int64, kindName string, deny bool) error {
	kind, err := permission.ParseKind(kindName, permission.TargetAsset)
	if err != nil {
		return err
	}
	target := permission.Target{Kind: permission.TargetAsset, ID: id}
	return s.perms.DeleteExplicit(ctx, target, subject, kind, deny)
}

// HasPermission reports whether subject effectively holds the named
// permission on an asset.
func (s *Service) HasPermission(ctx context.Context, id string, subject int64, kindName string) (bool, error) {
	kind, err := permission.ParseKind(kindName, permission.TargetAsset)
	if err != nil {
		return false, err
	}
	target := permission.Target{Kind: permission.TargetAsset, ID: id}
	return s.resolver.HasPermission(ctx, target, subject, kind)
}

func falsePtr() *bool {
	f := false
	return &f
}

package collection

import (
	"context"
	"fmt"

	"github.com/platinummonkey/formdepot/pkg/observability"
	"github.com/platinummonkey/formdepot/pkg/permission"
	"github.com/platinummonkey/formdepot/pkg/uid"
)

// AttachmentLister enumerates the asset nodes attached to a
// collection. Implemented by the asset layer and injected so the tree
// never imports its leaves.
type AttachmentLister interface {
	Attachments(ctx context.Context, collectionID string) ([]permission.Node, error)
}

// Service owns structural mutation of the collection tree and the
// permission hooks attached to it.
type Service struct {
	store      *Store
	perms      *permission.Store
	resolver   *permission.Resolver
	propagator *permission.Propagator
	assets     AttachmentLister
	cache      *permission.Cache
	metrics    *observability.Metrics
	log        *observability.Logger
}

// NewService creates the collection service and wires itself in as the
// propagator's tree source.
func NewService(store *Store, perms *permission.Store, propagator *permission.Propagator, log *observability.Logger) *Service {
	if log == nil {
		log = observability.NewLogger(observability.InfoLevel, nil)
	}
	s := &Service{
		store:      store,
		perms:      perms,
		resolver:   permission.NewResolver(perms),
		propagator: propagator,
		log:        log,
	}
	propagator.SetTree(s)
	return s
}

// WithAssets attaches the asset layer for cascades over leaf objects.
func (s *Service) WithAssets(assets AttachmentLister) *Service {
	s.assets = assets
	return s
}

// WithCache attaches a has-permission cache.
func (s *Service) WithCache(c *permission.Cache) *Service {
	s.cache = c
	return s
}

// WithMetrics attaches Prometheus metrics.
func (s *Service) WithMetrics(m *observability.Metrics) *Service {
	s.metrics = m
	return s
}

// Children implements permission.TreeSource.
func (s *Service) Children(ctx context.Context, collectionID string) ([]permission.Node, error) {
	children, err := s.store.Children(ctx, collectionID)
	if err != nil {
		return nil, err
	}
	nodes := make([]permission.Node, 0, len(children))
	for i := range children {
		nodes = append(nodes, children[i].Node())
	}
	return nodes, nil
}

// Attachments implements permission.TreeSource.
func (s *Service) Attachments(ctx context.Context, collectionID string) ([]permission.Node, error) {
	if s.assets == nil {
		return nil, nil
	}
	return s.assets.Attachments(ctx, collectionID)
}

// Get retrieves a collection.
func (s *Service) Get(ctx context.Context, id string) (*Collection, error) {
	return s.store.Get(ctx, id)
}

// Ancestors returns the ancestor chain, farthest to nearest.
func (s *Service) Ancestors(ctx context.Context, id string) ([]Collection, error) {
	return s.store.Ancestors(ctx, id)
}

// Save persists a collection and recalculates inherited permissions
// for it and its entire subtree. A save may represent a reparenting,
// so the cascade never assumes only the node itself changed.
func (s *Service) Save(ctx context.Context, c *Collection) error {
	if c.Name == "" {
		return &permission.ValidationError{Msg: "collection name is required"}
	}

	isNew := c.ID == ""
	if isNew {
		c.ID = uid.New(uid.PrefixCollection)
	}

	if err := s.checkNoCycle(ctx, c); err != nil {
		return err
	}

	if isNew {
		if err := s.store.Insert(ctx, c); err != nil {
			return err
		}
	} else if err := s.store.Update(ctx, c); err != nil {
		return err
	}

	node := c.Node()
	if err := s.propagator.Recalculate(ctx, node); err != nil {
		return err
	}
	// Our parent may have changed; refresh everything below us too.
	return s.propagator.CascadeFrom(ctx, node)
}

// checkNoCycle rejects reparenting a node under itself or one of its
// own descendants.
func (s *Service) checkNoCycle(ctx context.Context, c *Collection) error {
	if c.IsRoot() {
		return nil
	}
	if *c.ParentID == c.ID {
		return &permission.ValidationError{Msg: "collection cannot be its own parent"}
	}
	current := *c.ParentID
	for current != "" {
		parent, err := s.store.Get(ctx, current)
		if err != nil {
			return err
		}
		if parent.ID == c.ID {
			return &permission.ValidationError{Msg: fmt.Sprintf("collection %s cannot be moved under its own descendant %s", c.ID, *c.ParentID)}
		}
		if parent.IsRoot() {
			return nil
		}
		current = *parent.ParentID
	}
	return nil
}

// AssignPermission gives subject an explicit grant (or, with deny, an
// explicit denial that breaks inheritance) on a collection, then
// cascades recalculation to the node's attached assets and every
// descendant. The node itself is not recalculated: explicit records
// are not inherited, so its own inherited set is unaffected.
func (s *Service) AssignPermission(ctx context.Context, id string, subject int64, kindName string, deny bool) error {
	c, err := s.store.Get(ctx, id)
	if err != nil {
		return err
	}
	kind, err := permission.ParseKind(kindName, permission.TargetCollection)
	if err != nil {
		return err
	}
	node := c.Node()

	existing, err := s.perms.Filter(ctx, node.Target, permission.Filter{
		Subject:   &subject,
		Kind:      &kind,
		Deny:      &deny,
		Inherited: falsePtr(),
	})
	if err != nil {
		return err
	}
	if len(existing) > 0 {
		// Already directly applied.
		return nil
	}

	// Remove any explicitly-defined contradictory grant or denial.
	if err := s.perms.DeleteExplicit(ctx, node.Target, subject, kind, !deny); err != nil {
		return err
	}
	rec := &permission.Record{
		Subject: subject,
		Kind:    kind,
		Target:  node.Target,
		Deny:    deny,
	}
	if err := s.perms.Create(ctx, rec); err != nil {
		return err
	}

	s.invalidate(ctx, node.Target)
	return s.propagator.CascadeFrom(ctx, node)
}

// RemovePermission revokes a matching explicit record and cascades the
// same way AssignPermission does.
func (s *Service) RemovePermission(ctx context.Context, id string, subject int64, kindName string, deny bool) error {
	c, err := s.store.Get(ctx, id)
	if err != nil {
		return err
	}
	kind, err := permission.ParseKind(kindName, permission.TargetCollection)
	if err != nil {
		return err
	}
	node := c.Node()

	if err := s.perms.DeleteExplicit(ctx, node.Target, subject, kind, deny); err != nil {
		return err
	}

	s.invalidate(ctx, node.Target)
	return s.propagator.CascadeFrom(ctx, node)
}

// HasPermission reports whether subject effectively holds the named
// permission on a collection.
func (s *Service) HasPermission(ctx context.Context, id string, subject int64, kindName string) (bool, error) {
	kind, err := permission.ParseKind(kindName, permission.TargetCollection)
	if err != nil {
		return false, err
	}
	target := permission.Target{Kind: permission.TargetCollection, ID: id}

	if allowed, ok := s.cache.GetCheck(ctx, target, subject, kind); ok {
		return allowed, nil
	}
	allowed, err := s.resolver.HasPermission(ctx, target, subject, kind)
	if err != nil {
		return false, err
	}
	s.cache.SetCheck(ctx, target, subject, kind, allowed)
	if s.metrics != nil {
		s.metrics.PermissionChecksTotal.WithLabelValues(string(target.Kind), fmt.Sprintf("%t", allowed)).Inc()
	}
	return allowed, nil
}

// EffectivePermissions returns the reconciled grant set of a collection.
func (s *Service) EffectivePermissions(ctx context.Context, id string) (map[permission.Grant]struct{}, error) {
	target := permission.Target{Kind: permission.TargetCollection, ID: id}
	return s.resolver.EffectivePermissions(ctx, target, permission.Filter{})
}

// Delete removes a collection and, as an explicit post-delete hook,
// its permission records and those of the cascade-deleted subtree.
// Attached assets are not deleted; the database detaches them.
func (s *Service) Delete(ctx context.Context, id string) error {
	descendants, err := s.store.DescendantIDs(ctx, id)
	if err != nil {
		return err
	}
	if err := s.store.Delete(ctx, id); err != nil {
		return err
	}
	for _, victim := range append([]string{id}, descendants...) {
		target := permission.Target{Kind: permission.TargetCollection, ID: victim}
		if err := s.perms.DeleteAllForTarget(ctx, target); err != nil {
			return err
		}
		s.invalidate(ctx, target)
	}
	return nil
}

func (s *Service) invalidate(ctx context.Context, target permission.Target) {
	if err := s.cache.InvalidateTarget(ctx, target); err != nil {
		s.log.WithError(err).WithField("target", target.String()).Warn("permission cache invalidation failed")
	}
}

func falsePtr() *bool {
	f := false
	return &f
}

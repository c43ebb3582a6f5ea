package permission

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/platinummonkey/formdepot/pkg/observability"
)

// TreeSource enumerates the tree structure the propagator cascades
// over. It is injected by the collection layer; the propagator itself
// has no notion of how the tree is stored.
type TreeSource interface {
	// Children returns the child collection nodes of a collection.
	Children(ctx context.Context, collectionID string) ([]Node, error)
	// Attachments returns the asset nodes attached to a collection.
	Attachments(ctx context.Context, collectionID string) ([]Node, error)
}

// Propagator re-materializes inherited permission records.
//
// Recalculate is a full-replace operation on one node and runs in a
// single transaction, so a reader never observes a half-regenerated
// inherited set. Cascades over a subtree are not atomic as a whole: a
// failure on one descendant is recorded and its siblings are still
// processed, leaving every already-processed node consistent with its
// parent at the time it was processed.
type Propagator struct {
	db      *sql.DB
	store   *Store
	tree    TreeSource
	log     *observability.Logger
	metrics *observability.Metrics
	cache   *Cache
}

// NewPropagator creates a propagator. tree may be nil when no cascade
// beyond single nodes is needed (tests); metrics and cache are optional.
func NewPropagator(db *sql.DB, tree TreeSource, log *observability.Logger) *Propagator {
	if log == nil {
		log = observability.NewLogger(observability.InfoLevel, nil)
	}
	return &Propagator{
		db:    db,
		store: NewStore(db),
		tree:  tree,
		log:   log,
	}
}

// WithMetrics attaches Prometheus metrics.
func (p *Propagator) WithMetrics(m *observability.Metrics) *Propagator {
	p.metrics = m
	return p
}

// WithCache attaches a has-permission cache, invalidated per target on
// every recalculation.
func (p *Propagator) WithCache(c *Cache) *Propagator {
	p.cache = c
	return p
}

// SetTree replaces the tree source. The collection service constructs
// the propagator before it exists itself, so wiring happens late.
func (p *Propagator) SetTree(tree TreeSource) {
	p.tree = tree
}

// Recalculate regenerates the inherited permission records for one
// node inside a single transaction:
//
//  1. delete every inherited record currently stored for the node;
//  2. copy the parent's effective permissions as inherited grants,
//     mapping collection kinds onto asset kinds for attached assets;
//  3. materialize the owner override: an inherited grant for every
//     assignable kind of the node's target, whether or not the owner
//     held it before. The override also runs for roots, which
//     otherwise hold no inherited records.
//
// The operation is idempotent: a second call with no intervening
// mutation produces an identical record set.
func (p *Propagator) Recalculate(ctx context.Context, node Node) error {
	start := time.Now()

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin recalculation: %w", err)
	}
	if err := p.recalculateInTx(ctx, tx, node); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit recalculation for %s: %w", node.Target, err)
	}

	if p.cache != nil {
		if err := p.cache.InvalidateTarget(ctx, node.Target); err != nil {
			p.log.WithError(err).WithField("target", node.Target.String()).Warn("permission cache invalidation failed")
		}
	}
	if p.metrics != nil {
		p.metrics.RecalculationsTotal.WithLabelValues(string(node.Target.Kind)).Inc()
		p.metrics.RecalculationDuration.WithLabelValues(string(node.Target.Kind)).Observe(time.Since(start).Seconds())
	}
	return nil
}

func (p *Propagator) recalculateInTx(ctx context.Context, tx *sql.Tx, node Node) error {
	txStore := p.store.WithTx(tx)
	txResolver := NewResolver(txStore)

	// Start with a clean slate.
	if err := txStore.DeleteInherited(ctx, node.Target); err != nil {
		return err
	}

	if node.Parent != nil {
		effective, err := txResolver.EffectivePermissions(ctx, *node.Parent, Filter{})
		if err != nil {
			return err
		}
		for grant := range effective {
			kind := grant.Kind
			if node.Target.Kind == TargetAsset && node.Parent.Kind == TargetCollection {
				mapped, ok := MappedParentKinds[kind]
				if !ok {
					continue
				}
				kind = mapped
			}
			rec := &Record{
				Subject:   grant.Subject,
				Kind:      kind,
				Target:    node.Target,
				Inherited: true,
			}
			if err := txStore.Create(ctx, rec); err != nil {
				return err
			}
		}
	}

	// The owner gets every possible permission. Get-or-create: the
	// parent copy above may already have produced some of these rows.
	for _, kind := range AssignableKinds(node.Target.Kind) {
		rec := &Record{
			Subject:   node.Owner,
			Kind:      kind,
			Target:    node.Target,
			Inherited: true,
		}
		if _, err := txStore.GetOrCreate(ctx, rec); err != nil {
			return err
		}
	}
	return nil
}

// RecalculateSubtree recalculates node (when includeRoot), its attached
// assets, and every descendant with their attached assets, pre-order.
// A failure on one descendant does not stop its siblings; all failures
// are aggregated into the returned error.
func (p *Propagator) RecalculateSubtree(ctx context.Context, node Node, includeRoot bool) error {
	var errs []error
	touched := 0

	if includeRoot {
		touched++
		if err := p.Recalculate(ctx, node); err != nil {
			// The root's own failure is fatal to the whole cascade.
			return fmt.Errorf("failed to recalculate %s: %w", node.Target, err)
		}
	}

	errs = append(errs, p.cascadeBelow(ctx, node, &touched)...)

	if p.metrics != nil {
		p.metrics.CascadeNodesTotal.Observe(float64(touched))
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// CascadeFrom recalculates everything below node but not node itself:
// its attached assets, then every descendant subtree. This is the
// cascade used by explicit permission assignment, where the node's own
// inherited set is unaffected.
func (p *Propagator) CascadeFrom(ctx context.Context, node Node) error {
	touched := 0
	errs := p.cascadeBelow(ctx, node, &touched)
	if p.metrics != nil {
		p.metrics.CascadeNodesTotal.Observe(float64(touched))
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

func (p *Propagator) cascadeBelow(ctx context.Context, node Node, touched *int) []error {
	if p.tree == nil || node.Target.Kind != TargetCollection {
		return nil
	}
	var errs []error

	attachments, err := p.tree.Attachments(ctx, node.Target.ID)
	if err != nil {
		errs = append(errs, fmt.Errorf("failed to list assets of %s: %w", node.Target, err))
	}
	for _, leaf := range attachments {
		*touched++
		if err := p.Recalculate(ctx, leaf); err != nil {
			errs = append(errs, fmt.Errorf("failed to recalculate %s: %w", leaf.Target, err))
			p.recordCascadeFailure(leaf)
		}
	}

	children, err := p.tree.Children(ctx, node.Target.ID)
	if err != nil {
		errs = append(errs, fmt.Errorf("failed to list children of %s: %w", node.Target, err))
		return errs
	}
	for _, child := range children {
		*touched++
		// Parent before child: the child's inherited set is computed
		// from its parent's now-current effective set.
		if err := p.Recalculate(ctx, child); err != nil {
			errs = append(errs, fmt.Errorf("failed to recalculate %s: %w", child.Target, err))
			p.recordCascadeFailure(child)
			continue
		}
		errs = append(errs, p.cascadeBelow(ctx, child, touched)...)
	}
	return errs
}

func (p *Propagator) recordCascadeFailure(node Node) {
	if p.metrics != nil {
		p.metrics.CascadeFailuresTotal.WithLabelValues(string(node.Target.Kind)).Inc()
	}
}

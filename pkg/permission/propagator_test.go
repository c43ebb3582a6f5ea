package permission

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeTree is an in-memory TreeSource for cascade tests.
type fakeTree struct {
	children    map[string][]Node
	attachments map[string][]Node
	failFor     map[string]error
}

func (f *fakeTree) Children(ctx context.Context, collectionID string) ([]Node, error) {
	if err := f.failFor[collectionID]; err != nil {
		return nil, err
	}
	return f.children[collectionID], nil
}

func (f *fakeTree) Attachments(ctx context.Context, collectionID string) ([]Node, error) {
	return f.attachments[collectionID], nil
}

func TestPropagator_RecalculateRoot(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()

	ctx := context.Background()
	store := NewStore(db)
	prop := NewPropagator(db, nil, nil)

	root := Node{Target: Target{Kind: TargetCollection, ID: "croot"}, Owner: 10}
	require.NoError(t, prop.Recalculate(ctx, root))

	// The owner override runs even without a parent: one inherited
	// grant per assignable collection permission.
	records, err := store.Filter(ctx, root.Target, Filter{})
	require.NoError(t, err)
	require.Len(t, records, len(AssignableKinds(TargetCollection)))

	kinds := map[Kind]bool{}
	for _, rec := range records {
		assert.Equal(t, int64(10), rec.Subject)
		assert.True(t, rec.Inherited)
		assert.False(t, rec.Deny)
		kinds[rec.Kind] = true
	}
	for _, k := range AssignableKinds(TargetCollection) {
		assert.True(t, kinds[k], "missing owner grant for %s", k)
	}
}

func TestPropagator_RecalculateCopiesParentEffective(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()

	ctx := context.Background()
	store := NewStore(db)
	prop := NewPropagator(db, nil, nil)

	parent := Target{Kind: TargetCollection, ID: "cpar"}
	// Subject 1 holds view; subject 2's view is cancelled by a deny and
	// must not reach the child.
	require.NoError(t, store.Create(ctx, &Record{Subject: 1, Kind: KindViewCollection, Target: parent}))
	require.NoError(t, store.Create(ctx, &Record{Subject: 2, Kind: KindViewCollection, Target: parent}))
	require.NoError(t, store.Create(ctx, &Record{Subject: 2, Kind: KindViewCollection, Target: parent, Deny: true}))

	child := Node{
		Target: Target{Kind: TargetCollection, ID: "cchi"},
		Parent: &parent,
		Owner:  9,
	}
	require.NoError(t, prop.Recalculate(ctx, child))

	resolver := NewResolver(store)
	effective, err := resolver.EffectivePermissions(ctx, child.Target, Filter{})
	require.NoError(t, err)

	assert.Contains(t, effective, Grant{Subject: 1, Kind: KindViewCollection})
	assert.NotContains(t, effective, Grant{Subject: 2, Kind: KindViewCollection})
	for _, k := range AssignableKinds(TargetCollection) {
		assert.Contains(t, effective, Grant{Subject: 9, Kind: k})
	}
}

func TestPropagator_RecalculateMapsCollectionKindsOntoAsset(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()

	ctx := context.Background()
	store := NewStore(db)
	prop := NewPropagator(db, nil, nil)

	parent := Target{Kind: TargetCollection, ID: "cmap"}
	require.NoError(t, store.Create(ctx, &Record{Subject: 1, Kind: KindViewCollection, Target: parent}))
	require.NoError(t, store.Create(ctx, &Record{Subject: 1, Kind: KindChangeCollection, Target: parent}))
	// Unmapped collection permissions do not carry over to assets.
	require.NoError(t, store.Create(ctx, &Record{Subject: 1, Kind: KindDeleteCollection, Target: parent}))
	require.NoError(t, store.Create(ctx, &Record{Subject: 1, Kind: KindShareCollection, Target: parent}))

	leaf := Node{
		Target: Target{Kind: TargetAsset, ID: "aleaf"},
		Parent: &parent,
		Owner:  9,
	}
	require.NoError(t, prop.Recalculate(ctx, leaf))

	records, err := store.Filter(ctx, leaf.Target, Filter{Subject: int64Ptr(1)})
	require.NoError(t, err)
	require.Len(t, records, 2)
	kinds := map[Kind]bool{}
	for _, rec := range records {
		kinds[rec.Kind] = true
	}
	assert.True(t, kinds[KindViewAsset])
	assert.True(t, kinds[KindChangeAsset])
}

func TestPropagator_RecalculateIsIdempotent(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()

	ctx := context.Background()
	store := NewStore(db)
	prop := NewPropagator(db, nil, nil)

	parent := Target{Kind: TargetCollection, ID: "cidm"}
	require.NoError(t, store.Create(ctx, &Record{Subject: 1, Kind: KindViewCollection, Target: parent}))

	node := Node{
		Target: Target{Kind: TargetCollection, ID: "cid2"},
		Parent: &parent,
		Owner:  5,
	}
	require.NoError(t, prop.Recalculate(ctx, node))
	first, err := store.Filter(ctx, node.Target, Filter{})
	require.NoError(t, err)

	require.NoError(t, prop.Recalculate(ctx, node))
	second, err := store.Filter(ctx, node.Target, Filter{})
	require.NoError(t, err)

	require.Equal(t, len(first), len(second))
	// Same (subject, kind, deny, inherited) tuples both times.
	tuple := func(r Record) string {
		return fmt.Sprintf("%d/%s/%t/%t", r.Subject, r.Kind, r.Deny, r.Inherited)
	}
	seen := map[string]bool{}
	for _, rec := range first {
		seen[tuple(rec)] = true
	}
	for _, rec := range second {
		assert.True(t, seen[tuple(rec)], "unexpected record %+v", rec)
	}
}

func TestPropagator_RecalculatePreservesExplicitRecords(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()

	ctx := context.Background()
	store := NewStore(db)
	prop := NewPropagator(db, nil, nil)

	node := Node{Target: Target{Kind: TargetCollection, ID: "cexp"}, Owner: 5}
	require.NoError(t, store.Create(ctx, &Record{Subject: 77, Kind: KindViewCollection, Target: node.Target}))
	require.NoError(t, store.Create(ctx, &Record{Subject: 78, Kind: KindViewCollection, Target: node.Target, Deny: true}))

	require.NoError(t, prop.Recalculate(ctx, node))

	explicit, err := store.Filter(ctx, node.Target, Filter{Inherited: boolPtr(false)})
	require.NoError(t, err)
	assert.Len(t, explicit, 2, "explicit records survive recalculation")
}

func TestPropagator_CascadeFrom(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()

	ctx := context.Background()
	store := NewStore(db)

	root := Node{Target: Target{Kind: TargetCollection, ID: "cr"}, Owner: 1}
	childTarget := Target{Kind: TargetCollection, ID: "cc"}
	grandTarget := Target{Kind: TargetCollection, ID: "cg"}
	leafTarget := Target{Kind: TargetAsset, ID: "al"}
	child := Node{Target: childTarget, Parent: &root.Target, Owner: 1}
	grand := Node{Target: grandTarget, Parent: &childTarget, Owner: 1}
	leaf := Node{Target: leafTarget, Parent: &childTarget, Owner: 1}

	tree := &fakeTree{
		children: map[string][]Node{
			"cr": {child},
			"cc": {grand},
		},
		attachments: map[string][]Node{
			"cc": {leaf},
		},
	}
	prop := NewPropagator(db, tree, nil)

	// An explicit grant on the root that the whole subtree should see.
	require.NoError(t, store.Create(ctx, &Record{Subject: 42, Kind: KindViewCollection, Target: root.Target}))
	require.NoError(t, prop.CascadeFrom(ctx, root))

	resolver := NewResolver(store)
	for _, target := range []Target{childTarget, grandTarget} {
		ok, err := resolver.HasPermission(ctx, target, 42, KindViewCollection)
		require.NoError(t, err)
		assert.True(t, ok, "subject 42 should see %s", target)
	}
	ok, err := resolver.HasPermission(ctx, leafTarget, 42, KindViewAsset)
	require.NoError(t, err)
	assert.True(t, ok, "collection grant maps onto the attached asset")

	// CascadeFrom leaves the starting node untouched.
	rootRecords, err := store.Filter(ctx, root.Target, Filter{})
	require.NoError(t, err)
	assert.Len(t, rootRecords, 1)
}

func TestPropagator_RecalculateSubtreeIncludesRoot(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()

	ctx := context.Background()
	store := NewStore(db)

	root := Node{Target: Target{Kind: TargetCollection, ID: "csr"}, Owner: 3}
	tree := &fakeTree{}
	prop := NewPropagator(db, tree, nil)

	require.NoError(t, prop.RecalculateSubtree(ctx, root, true))

	records, err := store.Filter(ctx, root.Target, Filter{})
	require.NoError(t, err)
	assert.Len(t, records, len(AssignableKinds(TargetCollection)))
}

func TestPropagator_CascadeCollectsFailures(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()

	ctx := context.Background()
	store := NewStore(db)

	root := Node{Target: Target{Kind: TargetCollection, ID: "cfr"}, Owner: 1}
	brokenTarget := Target{Kind: TargetCollection, ID: "cfb"}
	healthyTarget := Target{Kind: TargetCollection, ID: "cfh"}
	broken := Node{Target: brokenTarget, Parent: &root.Target, Owner: 1}
	healthy := Node{Target: healthyTarget, Parent: &root.Target, Owner: 1}

	listErr := errors.New("tree listing blew up")
	tree := &fakeTree{
		children: map[string][]Node{
			"cfr": {broken, healthy},
		},
		// Descending into the broken child fails, but the sibling is
		// still processed.
		failFor: map[string]error{"cfb": listErr},
	}
	prop := NewPropagator(db, tree, nil)

	err := prop.CascadeFrom(ctx, root)
	require.Error(t, err)
	assert.ErrorIs(t, err, listErr)

	records, err := store.Filter(ctx, healthyTarget, Filter{})
	require.NoError(t, err)
	assert.NotEmpty(t, records, "sibling of a failed node is still recalculated")
}

func TestPropagator_RecalculateRollsBackOnFailure(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectExec("DELETE FROM object_permissions").
		WillReturnError(errors.New("disk on fire"))
	mock.ExpectRollback()

	prop := NewPropagator(db, nil, nil)
	node := Node{Target: Target{Kind: TargetCollection, ID: "cmock"}, Owner: 1}

	err = prop.Recalculate(context.Background(), node)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk on fire")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPropagator_RecalculateBeginFailure(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectBegin().WillReturnError(errors.New("no connections"))

	prop := NewPropagator(db, nil, nil)
	node := Node{Target: Target{Kind: TargetCollection, ID: "cmock"}, Owner: 1}

	err = prop.Recalculate(context.Background(), node)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to begin recalculation")
	assert.NoError(t, mock.ExpectationsWereMet())
}

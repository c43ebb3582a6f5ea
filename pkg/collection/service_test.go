package collection

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/formdepot/pkg/permission"
)

// fakeAssets is an in-memory AttachmentLister standing in for the
// asset layer.
type fakeAssets struct {
	byCollection map[string][]permission.Node
}

func (f *fakeAssets) Attachments(ctx context.Context, collectionID string) ([]permission.Node, error) {
	return f.byCollection[collectionID], nil
}

func setupService(t *testing.T) (*Service, *permission.Store, *fakeAssets, *sql.DB) {
	db := setupTestDB(t)
	t.Cleanup(func() { db.Close() })

	perms := permission.NewStore(db)
	propagator := permission.NewPropagator(db, nil, nil)
	assets := &fakeAssets{byCollection: map[string][]permission.Node{}}
	svc := NewService(NewStore(db), perms, propagator, nil).WithAssets(assets)
	return svc, perms, assets, db
}

func TestService_SaveRootGrantsOwnerEverything(t *testing.T) {
	svc, _, _, _ := setupService(t)
	ctx := context.Background()

	c := &Collection{Name: "My Surveys", Owner: 10}
	require.NoError(t, svc.Save(ctx, c))
	require.NotEmpty(t, c.ID)

	effective, err := svc.EffectivePermissions(ctx, c.ID)
	require.NoError(t, err)
	for _, kind := range permission.AssignableKinds(permission.TargetCollection) {
		assert.Contains(t, effective, permission.Grant{Subject: 10, Kind: kind})
	}
	assert.Len(t, effective, len(permission.AssignableKinds(permission.TargetCollection)))
}

func TestService_SaveRequiresName(t *testing.T) {
	svc, _, _, _ := setupService(t)

	err := svc.Save(context.Background(), &Collection{Owner: 1})
	var verr *permission.ValidationError
	assert.ErrorAs(t, err, &verr)
}

func TestService_AssignPropagatesToDescendants(t *testing.T) {
	svc, _, _, _ := setupService(t)
	ctx := context.Background()

	parent := &Collection{Name: "parent", Owner: 1}
	require.NoError(t, svc.Save(ctx, parent))
	child := &Collection{Name: "child", ParentID: &parent.ID, Owner: 1}
	require.NoError(t, svc.Save(ctx, child))
	grandchild := &Collection{Name: "grandchild", ParentID: &child.ID, Owner: 1}
	require.NoError(t, svc.Save(ctx, grandchild))

	require.NoError(t, svc.AssignPermission(ctx, parent.ID, 42, "view_collection", false))

	for _, id := range []string{parent.ID, child.ID, grandchild.ID} {
		ok, err := svc.HasPermission(ctx, id, 42, "view_collection")
		require.NoError(t, err)
		assert.True(t, ok, "subject 42 should view %s", id)
	}

	// Removal propagates the same way.
	require.NoError(t, svc.RemovePermission(ctx, parent.ID, 42, "view_collection", false))
	for _, id := range []string{parent.ID, child.ID, grandchild.ID} {
		ok, err := svc.HasPermission(ctx, id, 42, "view_collection")
		require.NoError(t, err)
		assert.False(t, ok, "subject 42 should no longer view %s", id)
	}
}

func TestService_AssignPropagatesToAttachedAssets(t *testing.T) {
	svc, perms, assets, _ := setupService(t)
	ctx := context.Background()

	c := &Collection{Name: "forms", Owner: 1}
	require.NoError(t, svc.Save(ctx, c))

	leafTarget := permission.Target{Kind: permission.TargetAsset, ID: "aleaf"}
	assets.byCollection[c.ID] = []permission.Node{
		{Target: leafTarget, Parent: &permission.Target{Kind: permission.TargetCollection, ID: c.ID}, Owner: 1},
	}

	require.NoError(t, svc.AssignPermission(ctx, c.ID, 7, "view_collection", false))

	resolver := permission.NewResolver(perms)
	ok, err := resolver.HasPermission(ctx, leafTarget, 7, permission.KindViewAsset)
	require.NoError(t, err)
	assert.True(t, ok, "view_collection maps to view_asset on attachments")

	// share_collection has no asset mapping and must not leak.
	require.NoError(t, svc.AssignPermission(ctx, c.ID, 7, "share_collection", false))
	effective, err := resolver.EffectivePermissions(ctx, leafTarget, permission.Filter{Subject: int64Ptr(7)})
	require.NoError(t, err)
	assert.Len(t, effective, 1)
}

func TestService_DenyOverridesInheritedGrant(t *testing.T) {
	svc, _, _, _ := setupService(t)
	ctx := context.Background()

	parent := &Collection{Name: "parent", Owner: 1}
	require.NoError(t, svc.Save(ctx, parent))
	child := &Collection{Name: "child", ParentID: &parent.ID, Owner: 1}
	require.NoError(t, svc.Save(ctx, child))

	require.NoError(t, svc.AssignPermission(ctx, parent.ID, 42, "view_collection", false))
	ok, err := svc.HasPermission(ctx, child.ID, 42, "view_collection")
	require.NoError(t, err)
	require.True(t, ok)

	// Deny on the child breaks inheritance there without touching the parent.
	require.NoError(t, svc.AssignPermission(ctx, child.ID, 42, "view_collection", true))

	ok, err = svc.HasPermission(ctx, child.ID, 42, "view_collection")
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = svc.HasPermission(ctx, parent.ID, 42, "view_collection")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestService_AssignIsIdempotent(t *testing.T) {
	svc, perms, _, _ := setupService(t)
	ctx := context.Background()

	c := &Collection{Name: "c", Owner: 1}
	require.NoError(t, svc.Save(ctx, c))

	require.NoError(t, svc.AssignPermission(ctx, c.ID, 42, "view_collection", false))
	require.NoError(t, svc.AssignPermission(ctx, c.ID, 42, "view_collection", false))

	target := permission.Target{Kind: permission.TargetCollection, ID: c.ID}
	records, err := perms.Filter(ctx, target, permission.Filter{
		Subject:   int64Ptr(42),
		Inherited: boolPtr(false),
	})
	require.NoError(t, err)
	assert.Len(t, records, 1, "re-assigning an identical permission is a no-op")
}

func TestService_GrantAndDenyAreExclusive(t *testing.T) {
	svc, perms, _, _ := setupService(t)
	ctx := context.Background()

	c := &Collection{Name: "c", Owner: 1}
	require.NoError(t, svc.Save(ctx, c))
	target := permission.Target{Kind: permission.TargetCollection, ID: c.ID}

	require.NoError(t, svc.AssignPermission(ctx, c.ID, 42, "view_collection", false))
	require.NoError(t, svc.AssignPermission(ctx, c.ID, 42, "view_collection", true))

	records, err := perms.Filter(ctx, target, permission.Filter{
		Subject:   int64Ptr(42),
		Inherited: boolPtr(false),
	})
	require.NoError(t, err)
	require.Len(t, records, 1, "the contradictory grant is removed")
	assert.True(t, records[0].Deny)

	// Flipping back replaces the denial with a grant.
	require.NoError(t, svc.AssignPermission(ctx, c.ID, 42, "view_collection", false))
	records, err = perms.Filter(ctx, target, permission.Filter{
		Subject:   int64Ptr(42),
		Inherited: boolPtr(false),
	})
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.False(t, records[0].Deny)
}

func TestService_AssignRejectsUnknownKind(t *testing.T) {
	svc, _, _, _ := setupService(t)
	ctx := context.Background()

	c := &Collection{Name: "c", Owner: 1}
	require.NoError(t, svc.Save(ctx, c))

	var verr *permission.ValidationError
	err := svc.AssignPermission(ctx, c.ID, 42, "view_asset", false)
	assert.ErrorAs(t, err, &verr, "asset kinds are not assignable on collections")

	err = svc.AssignPermission(ctx, "cmissing", 42, "view_collection", false)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestService_ReparentingRecomputesInheritance(t *testing.T) {
	svc, _, _, _ := setupService(t)
	ctx := context.Background()

	oldParent := &Collection{Name: "old", Owner: 1}
	require.NoError(t, svc.Save(ctx, oldParent))
	newParent := &Collection{Name: "new", Owner: 1}
	require.NoError(t, svc.Save(ctx, newParent))
	child := &Collection{Name: "child", ParentID: &oldParent.ID, Owner: 1}
	require.NoError(t, svc.Save(ctx, child))

	require.NoError(t, svc.AssignPermission(ctx, oldParent.ID, 42, "view_collection", false))
	require.NoError(t, svc.AssignPermission(ctx, newParent.ID, 43, "view_collection", false))

	ok, err := svc.HasPermission(ctx, child.ID, 42, "view_collection")
	require.NoError(t, err)
	require.True(t, ok)

	child.ParentID = &newParent.ID
	require.NoError(t, svc.Save(ctx, child))

	ok, err = svc.HasPermission(ctx, child.ID, 42, "view_collection")
	require.NoError(t, err)
	assert.False(t, ok, "grants from the old parent are gone")

	ok, err = svc.HasPermission(ctx, child.ID, 43, "view_collection")
	require.NoError(t, err)
	assert.True(t, ok, "grants from the new parent apply")
}

func TestService_SaveRejectsCycles(t *testing.T) {
	svc, _, _, _ := setupService(t)
	ctx := context.Background()

	a := &Collection{Name: "a", Owner: 1}
	require.NoError(t, svc.Save(ctx, a))
	b := &Collection{Name: "b", ParentID: &a.ID, Owner: 1}
	require.NoError(t, svc.Save(ctx, b))

	var verr *permission.ValidationError

	a.ParentID = &a.ID
	assert.ErrorAs(t, svc.Save(ctx, a), &verr, "self-parenting is rejected")

	a.ParentID = &b.ID
	assert.ErrorAs(t, svc.Save(ctx, a), &verr, "moving under a descendant is rejected")
}

func TestService_DeleteCleansUpSubtreePermissions(t *testing.T) {
	svc, perms, _, _ := setupService(t)
	ctx := context.Background()

	parent := &Collection{Name: "parent", Owner: 1}
	require.NoError(t, svc.Save(ctx, parent))
	child := &Collection{Name: "child", ParentID: &parent.ID, Owner: 1}
	require.NoError(t, svc.Save(ctx, child))

	require.NoError(t, svc.Delete(ctx, parent.ID))

	for _, id := range []string{parent.ID, child.ID} {
		target := permission.Target{Kind: permission.TargetCollection, ID: id}
		records, err := perms.Filter(ctx, target, permission.Filter{})
		require.NoError(t, err)
		assert.Empty(t, records, "no permission rows survive for %s", id)
	}
}

func TestService_HasPermissionUsesCache(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	db := setupTestDB(t)
	defer db.Close()

	perms := permission.NewStore(db)
	propagator := permission.NewPropagator(db, nil, nil)
	cache := permission.NewCacheFromClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}), time.Minute)
	propagator = propagator.WithCache(cache)
	svc := NewService(NewStore(db), perms, propagator, nil).WithCache(cache)

	ctx := context.Background()
	c := &Collection{Name: "cached", Owner: 1}
	require.NoError(t, svc.Save(ctx, c))

	ok, err := svc.HasPermission(ctx, c.ID, 1, "view_collection")
	require.NoError(t, err)
	require.True(t, ok)

	// The result is now served from redis.
	keys := mr.Keys()
	assert.NotEmpty(t, keys)

	// Revoking invalidates the cached entry via the recalculation path.
	require.NoError(t, svc.AssignPermission(ctx, c.ID, 1, "view_collection", true))
	ok, err = svc.HasPermission(ctx, c.ID, 1, "view_collection")
	require.NoError(t, err)
	assert.False(t, ok, "stale cache must not mask the denial")
}

func int64Ptr(i int64) *int64 { return &i }
func boolPtr(b bool) *bool    { return &b }

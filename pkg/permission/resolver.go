package permission

import (
	"context"
)

// Resolver computes the authoritative permission set for one target.
//
// The reconciliation rule is a plain set difference: every grant not
// matched by a deny for the same (subject, kind) pair survives. A deny
// cancels a grant regardless of whether either is inherited or
// explicit. This is a pure read with no side effects.
type Resolver struct {
	store *Store
}

// NewResolver creates a new resolver over the given store.
func NewResolver(store *Store) *Resolver {
	return &Resolver{store: store}
}

// EffectivePermissions returns the reconciled grant set for a target.
// Filter narrows by subject and/or kind; Deny and Inherited in the
// filter are ignored since both record classes are consulted.
func (r *Resolver) EffectivePermissions(ctx context.Context, target Target, f Filter) (map[Grant]struct{}, error) {
	f.Inherited = nil

	f.Deny = boolPtr(false)
	grantRecords, err := r.store.Filter(ctx, target, f)
	if err != nil {
		return nil, err
	}
	f.Deny = boolPtr(true)
	denyRecords, err := r.store.Filter(ctx, target, f)
	if err != nil {
		return nil, err
	}

	effective := make(map[Grant]struct{}, len(grantRecords))
	for _, rec := range grantRecords {
		effective[Grant{Subject: rec.Subject, Kind: rec.Kind}] = struct{}{}
	}
	for _, rec := range denyRecords {
		delete(effective, Grant{Subject: rec.Subject, Kind: rec.Kind})
	}
	return effective, nil
}

// HasPermission reports whether subject holds kind on target: true iff
// exactly one effective pair matches.
func (r *Resolver) HasPermission(ctx context.Context, target Target, subject int64, kind Kind) (bool, error) {
	effective, err := r.EffectivePermissions(ctx, target, Filter{
		Subject: int64Ptr(subject),
		Kind:    kindPtr(kind),
	})
	if err != nil {
		return false, err
	}
	return len(effective) == 1, nil
}

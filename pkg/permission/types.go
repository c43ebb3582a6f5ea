package permission

import (
	"fmt"
	"time"
)

// TargetKind identifies the kind of object a permission record points at.
type TargetKind string

const (
	TargetCollection TargetKind = "collection"
	TargetAsset      TargetKind = "asset"
)

// Kind is an assignable permission codename. Codenames carry the target
// kind as a suffix so a record is unambiguous on its own.
type Kind string

const (
	KindViewCollection   Kind = "view_collection"
	KindChangeCollection Kind = "change_collection"
	KindDeleteCollection Kind = "delete_collection"
	KindShareCollection  Kind = "share_collection"

	KindViewAsset   Kind = "view_asset"
	KindChangeAsset Kind = "change_asset"
)

// Calculated asset permissions are implied by assignable ones and are
// never stored as records.
const (
	KindShareAsset  Kind = "share_asset"
	KindDeleteAsset Kind = "delete_asset"
)

// AssignableKinds returns every permission kind that may be stored for
// the given target kind. The slice is a fresh copy.
func AssignableKinds(t TargetKind) []Kind {
	switch t {
	case TargetCollection:
		return []Kind{KindViewCollection, KindChangeCollection, KindDeleteCollection, KindShareCollection}
	case TargetAsset:
		return []Kind{KindViewAsset, KindChangeAsset}
	default:
		return nil
	}
}

// MappedParentKinds maps a collection permission onto the asset
// permission it carries over to. Collection kinds not listed here do
// not propagate onto attached assets.
var MappedParentKinds = map[Kind]Kind{
	KindViewCollection:   KindViewAsset,
	KindChangeCollection: KindChangeAsset,
}

// ParseKind validates a permission codename against the assignable
// kinds of a target. Unknown names yield a ValidationError.
func ParseKind(name string, t TargetKind) (Kind, error) {
	for _, k := range AssignableKinds(t) {
		if string(k) == name {
			return k, nil
		}
	}
	return "", &ValidationError{Msg: fmt.Sprintf("unknown permission %q for target kind %q", name, t)}
}

// Target is a polymorphic reference to a collection or asset.
type Target struct {
	Kind TargetKind
	ID   string
}

func (t Target) String() string {
	return string(t.Kind) + ":" + t.ID
}

// Record is one stored permission row.
type Record struct {
	ID        int64
	Subject   int64 // user reference
	Kind      Kind
	Target    Target
	Deny      bool
	Inherited bool
	CreatedAt time.Time
}

// Grant is one effective (subject, kind) pair.
type Grant struct {
	Subject int64
	Kind    Kind
}

// Node is one participant in permission inheritance: a tree node or a
// leaf object attached to one. Parent is nil for roots and for assets
// not attached to any collection.
type Node struct {
	Target Target
	Parent *Target
	Owner  int64
}

// Filter narrows store queries. Nil fields are not applied.
type Filter struct {
	Subject   *int64
	Kind      *Kind
	Deny      *bool
	Inherited *bool
}

// ValidationError reports a malformed request, surfaced to the caller
// before any persistence happens.
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string { return e.Msg }

func boolPtr(b bool) *bool    { return &b }
func int64Ptr(i int64) *int64 { return &i }
func kindPtr(k Kind) *Kind    { return &k }

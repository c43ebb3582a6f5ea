// Package asset implements the leaf entities of the tree: surveys,
// questions and blocks, their append-only version history, and the
// regenerable export snapshots derived from versions.
package asset

import (
	"encoding/json"
	"time"

	"github.com/platinummonkey/formdepot/pkg/content"
	"github.com/platinummonkey/formdepot/pkg/permission"
)

// Kind classifies an asset by its content shape.
type Kind string

const (
	KindText     Kind = "text"     // uncategorized, misc
	KindQuestion Kind = "question" // single row, no name
	KindBlock    Kind = "block"    // named, no settings
	KindSurvey   Kind = "survey"   // named, with settings
	KindEmpty    Kind = "empty"
)

// ValidKind reports whether s names a known asset kind.
func ValidKind(s string) bool {
	switch Kind(s) {
	case KindText, KindQuestion, KindBlock, KindSurvey, KindEmpty:
		return true
	}
	return false
}

// Asset is a leaf entity optionally attached to a collection. The
// attachment is a weak reference: deleting the collection detaches the
// asset rather than deleting it.
type Asset struct {
	ID                          string            `json:"uid"`
	Name                        string            `json:"name"`
	Content                     *content.Document `json:"content"`
	Summary                     content.Summary   `json:"summary"`
	Kind                        Kind              `json:"asset_type"`
	ParentID                    *string           `json:"parent,omitempty"`
	Owner                       int64             `json:"owner"`
	EditorsCanChangePermissions bool              `json:"editors_can_change_permissions"`
	DeploymentData              json.RawMessage   `json:"deployment_data,omitempty"`
	CreatedAt                   time.Time         `json:"date_created"`
	UpdatedAt                   time.Time         `json:"date_modified"`
}

// Node builds the permission-inheritance view of an asset. Its parent
// in the inheritance graph is the collection it is attached to.
func (a *Asset) Node() permission.Node {
	node := permission.Node{
		Target: permission.Target{Kind: permission.TargetAsset, ID: a.ID},
		Owner:  a.Owner,
	}
	if a.ParentID != nil && *a.ParentID != "" {
		node.Parent = &permission.Target{Kind: permission.TargetCollection, ID: *a.ParentID}
	}
	return node
}

// Version is one immutable snapshot of an asset's content, appended on
// every content-affecting save. Versions are never mutated or deleted
// by this layer.
type Version struct {
	UID            string            `json:"uid"`
	AssetID        string            `json:"asset"`
	Name           string            `json:"name"`
	Content        *content.Document `json:"content"`
	DeploymentData json.RawMessage   `json:"deployment_data,omitempty"`
	Deployed       bool              `json:"deployed"`
	CreatedAt      time.Time         `json:"date_modified"`
}

// SnapshotDetails records the outcome of XML generation. Failures are
// captured here instead of aborting the owning save.
type SnapshotDetails struct {
	Status    string   `json:"status"`
	ErrorType string   `json:"error_type,omitempty"`
	Error     string   `json:"error,omitempty"`
	Warnings  []string `json:"warnings,omitempty"`
}

const (
	SnapshotStatusSuccess = "success"
	SnapshotStatusFailure = "failure"
)

// Snapshot caches the XML rendering of one asset version. It is bound
// 1:1 to its version and regenerable at any time; nothing may rely on
// a snapshot persisting.
type Snapshot struct {
	UID        string            `json:"uid"`
	AssetID    string            `json:"asset"`
	VersionUID string            `json:"asset_version"`
	XML        string            `json:"xml"`
	Source     *content.Document `json:"source"`
	Details    SnapshotDetails   `json:"details"`
	CreatedAt  time.Time         `json:"date_created"`
}

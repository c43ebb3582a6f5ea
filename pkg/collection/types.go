// Package collection implements the hierarchical container layer:
// a forest of collection nodes owning structural mutation and the
// permission-propagation hooks attached to it.
package collection

import (
	"time"
)

// Collection is one tree node. Nodes reference their parent by ID
// only; there is no in-memory object graph, so the structure cannot
// form reference cycles.
type Collection struct {
	ID                          string     `json:"uid"`
	Name                        string     `json:"name"`
	ParentID                    *string    `json:"parent,omitempty"`
	Owner                       int64      `json:"owner"`
	EditorsCanChangePermissions bool       `json:"editors_can_change_permissions"`
	CreatedAt                   time.Time  `json:"date_created"`
	UpdatedAt                   time.Time  `json:"date_modified"`
}

// IsRoot reports whether the collection has no parent.
func (c *Collection) IsRoot() bool {
	return c.ParentID == nil || *c.ParentID == ""
}

package collection

import (
	"errors"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/platinummonkey/formdepot/pkg/httputil"
	"github.com/platinummonkey/formdepot/pkg/permission"
)

// Handlers provides HTTP handlers for collection operations
type Handlers struct {
	service *Service
}

// NewHandlers creates new collection handlers
func NewHandlers(service *Service) *Handlers {
	return &Handlers{service: service}
}

// RegisterRoutes registers all collection routes
func (h *Handlers) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/collections", h.Create).Methods("POST")
	router.HandleFunc("/collections/{id}", h.Get).Methods("GET")
	router.HandleFunc("/collections/{id}", h.Update).Methods("PUT")
	router.HandleFunc("/collections/{id}", h.Delete).Methods("DELETE")
	router.HandleFunc("/collections/{id}/ancestors", h.Ancestors).Methods("GET")

	router.HandleFunc("/collections/{id}/permissions", h.EffectivePermissions).Methods("GET")
	router.HandleFunc("/collections/{id}/permissions", h.AssignPermission).Methods("POST")
	router.HandleFunc("/collections/{id}/permissions/remove", h.RemovePermission).Methods("POST")
	router.HandleFunc("/collections/{id}/permissions/check", h.CheckPermission).Methods("GET")
}

type saveRequest struct {
	Name                        string  `json:"name"`
	ParentID                    *string `json:"parent,omitempty"`
	Owner                       int64   `json:"owner"`
	EditorsCanChangePermissions *bool   `json:"editors_can_change_permissions,omitempty"`
}

// Create creates a new collection
func (h *Handlers) Create(w http.ResponseWriter, r *http.Request) {
	var req saveRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	c := &Collection{
		Name:                        req.Name,
		ParentID:                    req.ParentID,
		Owner:                       req.Owner,
		EditorsCanChangePermissions: true,
	}
	if req.EditorsCanChangePermissions != nil {
		c.EditorsCanChangePermissions = *req.EditorsCanChangePermissions
	}
	if err := h.service.Save(r.Context(), c); err != nil {
		writeServiceError(w, err)
		return
	}
	httputil.WriteCreated(w, c)
}

// Get retrieves a collection
func (h *Handlers) Get(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathString(w, r, "id")
	if !ok {
		return
	}
	c, err := h.service.Get(r.Context(), id)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	httputil.WriteSuccess(w, c)
}

// Update saves structural changes, including reparenting
func (h *Handlers) Update(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathString(w, r, "id")
	if !ok {
		return
	}
	c, err := h.service.Get(r.Context(), id)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	var req saveRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if req.Name != "" {
		c.Name = req.Name
	}
	c.ParentID = req.ParentID
	if req.Owner != 0 {
		c.Owner = req.Owner
	}
	if req.EditorsCanChangePermissions != nil {
		c.EditorsCanChangePermissions = *req.EditorsCanChangePermissions
	}

	if err := h.service.Save(r.Context(), c); err != nil {
		writeServiceError(w, err)
		return
	}
	httputil.WriteSuccess(w, c)
}

// Delete removes a collection and its permission records
func (h *Handlers) Delete(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathString(w, r, "id")
	if !ok {
		return
	}
	if err := h.service.Delete(r.Context(), id); err != nil {
		writeServiceError(w, err)
		return
	}
	httputil.WriteNoContent(w)
}

// Ancestors lists the ancestor chain, farthest to nearest
func (h *Handlers) Ancestors(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathString(w, r, "id")
	if !ok {
		return
	}
	ancestors, err := h.service.Ancestors(r.Context(), id)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	httputil.WriteSuccess(w, ancestors)
}

type permissionRequest struct {
	Subject int64  `json:"subject"`
	Kind    string `json:"permission"`
	Deny    bool   `json:"deny"`
}

// AssignPermission assigns an explicit grant or denial
func (h *Handlers) AssignPermission(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathString(w, r, "id")
	if !ok {
		return
	}
	var req permissionRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if err := h.service.AssignPermission(r.Context(), id, req.Subject, req.Kind, req.Deny); err != nil {
		writeServiceError(w, err)
		return
	}
	httputil.WriteNoContent(w)
}

// RemovePermission revokes an explicit grant or denial
func (h *Handlers) RemovePermission(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathString(w, r, "id")
	if !ok {
		return
	}
	var req permissionRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if err := h.service.RemovePermission(r.Context(), id, req.Subject, req.Kind, req.Deny); err != nil {
		writeServiceError(w, err)
		return
	}
	httputil.WriteNoContent(w)
}

// CheckPermission reports whether a subject holds a permission
func (h *Handlers) CheckPermission(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathString(w, r, "id")
	if !ok {
		return
	}
	subject := httputil.ParseQueryInt64(r, "subject", 0)
	kind := r.URL.Query().Get("permission")
	allowed, err := h.service.HasPermission(r.Context(), id, subject, kind)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	httputil.WriteSuccess(w, map[string]bool{"allowed": allowed})
}

// EffectivePermissions lists the reconciled grant set
func (h *Handlers) EffectivePermissions(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathString(w, r, "id")
	if !ok {
		return
	}
	effective, err := h.service.EffectivePermissions(r.Context(), id)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	type grantJSON struct {
		Subject int64  `json:"subject"`
		Kind    string `json:"permission"`
	}
	grants := make([]grantJSON, 0, len(effective))
	for g := range effective {
		grants = append(grants, grantJSON{Subject: g.Subject, Kind: string(g.Kind)})
	}
	httputil.WriteSuccess(w, grants)
}

func writeServiceError(w http.ResponseWriter, err error) {
	var verr *permission.ValidationError
	switch {
	case errors.As(err, &verr):
		httputil.WriteBadRequest(w, verr.Error())
	case errors.Is(err, ErrNotFound):
		httputil.WriteNotFound(w, err.Error())
	default:
		httputil.WriteInternalError(w, err)
	}
}

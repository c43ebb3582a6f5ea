package asset

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/platinummonkey/formdepot/pkg/content"
	"github.com/platinummonkey/formdepot/pkg/httputil"
	"github.com/platinummonkey/formdepot/pkg/permission"
)

// Handlers provides HTTP handlers for asset operations
type Handlers struct {
	service *Service
}

// NewHandlers creates new asset handlers
func NewHandlers(service *Service) *Handlers {
	return &Handlers{service: service}
}

// RegisterRoutes registers all asset routes
func (h *Handlers) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/assets", h.Create).Methods("POST")
	router.HandleFunc("/assets", h.List).Methods("GET")
	router.HandleFunc("/assets/{id}", h.Get).Methods("GET")
	router.HandleFunc("/assets/{id}", h.Update).Methods("PUT")
	router.HandleFunc("/assets/{id}", h.Delete).Methods("DELETE")
	router.HandleFunc("/assets/{id}/ancestors", h.Ancestors).Methods("GET")
	router.HandleFunc("/assets/{id}/versions", h.Versions).Methods("GET")
	router.HandleFunc("/assets/{id}/export", h.Export).Methods("GET")
	router.HandleFunc("/assets/{id}/clone", h.Clone).Methods("POST")
	router.HandleFunc("/assets/{id}/deploy", h.Deploy).Methods("POST")

	router.HandleFunc("/assets/{id}/permissions", h.AssignPermission).Methods("POST")
	router.HandleFunc("/assets/{id}/permissions/remove", h.RemovePermission).Methods("POST")
	router.HandleFunc("/assets/{id}/permissions/check", h.CheckPermission).Methods("GET")
}

type assetRequest struct {
	Name                        string            `json:"name"`
	Kind                        string            `json:"kind,omitempty"`
	Content                     *content.Document `json:"content,omitempty"`
	ParentID                    *string           `json:"parent,omitempty"`
	Owner                       int64             `json:"owner"`
	EditorsCanChangePermissions *bool             `json:"editors_can_change_permissions,omitempty"`
	DeploymentData              json.RawMessage   `json:"deployment_data,omitempty"`
	SkipVersion                 bool              `json:"skip_version,omitempty"`
}

// Create creates a new asset and its first version
func (h *Handlers) Create(w http.ResponseWriter, r *http.Request) {
	var req assetRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	a := &Asset{
		Name:                        req.Name,
		Kind:                        Kind(req.Kind),
		Content:                     req.Content,
		ParentID:                    req.ParentID,
		Owner:                       req.Owner,
		EditorsCanChangePermissions: true,
		DeploymentData:              req.DeploymentData,
	}
	if req.EditorsCanChangePermissions != nil {
		a.EditorsCanChangePermissions = *req.EditorsCanChangePermissions
	}
	if err := h.service.Save(r.Context(), a, SaveOptions{SkipVersion: req.SkipVersion}); err != nil {
		writeAssetError(w, err)
		return
	}
	httputil.WriteCreated(w, a)
}

// List lists the assets attached to a collection
func (h *Handlers) List(w http.ResponseWriter, r *http.Request) {
	parent := r.URL.Query().Get("parent")
	if parent == "" {
		httputil.WriteBadRequest(w, "parent query parameter is required")
		return
	}
	assets, err := h.service.store.ByCollection(r.Context(), parent)
	if err != nil {
		writeAssetError(w, err)
		return
	}
	httputil.WriteSuccess(w, assets)
}

// Get retrieves an asset
func (h *Handlers) Get(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathString(w, r, "id")
	if !ok {
		return
	}
	a, err := h.service.Get(r.Context(), id)
	if err != nil {
		writeAssetError(w, err)
		return
	}
	httputil.WriteSuccess(w, a)
}

// Update saves content or structural changes, appending a version
func (h *Handlers) Update(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathString(w, r, "id")
	if !ok {
		return
	}
	a, err := h.service.Get(r.Context(), id)
	if err != nil {
		writeAssetError(w, err)
		return
	}

	var req assetRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if req.Name != "" {
		a.Name = req.Name
	}
	if req.Kind != "" {
		a.Kind = Kind(req.Kind)
	}
	if req.Content != nil {
		a.Content = req.Content
	}
	a.ParentID = req.ParentID
	if req.Owner != 0 {
		a.Owner = req.Owner
	}
	if req.EditorsCanChangePermissions != nil {
		a.EditorsCanChangePermissions = *req.EditorsCanChangePermissions
	}
	if req.DeploymentData != nil {
		a.DeploymentData = req.DeploymentData
	}

	if err := h.service.Save(r.Context(), a, SaveOptions{SkipVersion: req.SkipVersion}); err != nil {
		writeAssetError(w, err)
		return
	}
	httputil.WriteSuccess(w, a)
}

// Delete removes an asset, its history and its permission records
func (h *Handlers) Delete(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathString(w, r, "id")
	if !ok {
		return
	}
	if err := h.service.Delete(r.Context(), id); err != nil {
		writeAssetError(w, err)
		return
	}
	httputil.WriteNoContent(w)
}

// Ancestors lists the collection chain above the asset
func (h *Handlers) Ancestors(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathString(w, r, "id")
	if !ok {
		return
	}
	ancestors, err := h.service.Ancestors(r.Context(), id)
	if err != nil {
		writeAssetError(w, err)
		return
	}
	httputil.WriteSuccess(w, ancestors)
}

// Versions lists version history, newest first
func (h *Handlers) Versions(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathString(w, r, "id")
	if !ok {
		return
	}
	deployedOnly := httputil.ParseQueryBool(r, "deployed", false)
	versions, err := h.service.store.Versions(r.Context(), id, deployedOnly)
	if err != nil {
		writeAssetError(w, err)
		return
	}
	httputil.WriteSuccess(w, versions)
}

// Export returns the XML snapshot for a version, generating it on demand.
// Generation failures still return the snapshot, with the failure recorded
// in its details.
func (h *Handlers) Export(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathString(w, r, "id")
	if !ok {
		return
	}
	versionUID := r.URL.Query().Get("version")
	snap, err := h.service.GetExport(r.Context(), id, versionUID)
	if err != nil {
		writeAssetError(w, err)
		return
	}
	httputil.WriteSuccess(w, snap)
}

type cloneRequest struct {
	Version string `json:"version,omitempty"`
	Owner   int64  `json:"owner"`
}

// Clone creates a new asset seeded from a version of an existing one
func (h *Handlers) Clone(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathString(w, r, "id")
	if !ok {
		return
	}
	var req cloneRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	a, err := h.service.Clone(r.Context(), id, req.Version, req.Owner)
	if err != nil {
		writeAssetError(w, err)
		return
	}
	httputil.WriteCreated(w, a)
}

type deployRequest struct {
	Version string `json:"version,omitempty"`
}

// Deploy marks a version as deployed, defaulting to the latest
func (h *Handlers) Deploy(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathString(w, r, "id")
	if !ok {
		return
	}
	var req deployRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	v, err := h.service.Deploy(r.Context(), id, req.Version)
	if err != nil {
		writeAssetError(w, err)
		return
	}
	httputil.WriteSuccess(w, v)
}

type permissionRequest struct {
	Subject int64  `json:"subject"`
	Kind    string `json:"permission"`
	Deny    bool   `json:"deny"`
}

// AssignPermission assigns an explicit grant or denial on an asset
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
		writeAssetError(w, err)
		return
	}
	httputil.WriteNoContent(w)
}

// RemovePermission revokes an explicit grant or denial on an asset
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
		writeAssetError(w, err)
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
		writeAssetError(w, err)
		return
	}
	httputil.WriteSuccess(w, map[string]bool{"allowed": allowed})
}

func writeAssetError(w http.ResponseWriter, err error) {
	var verr *permission.ValidationError
	var cerr *content.ValidationError
	switch {
	case errors.As(err, &verr):
		httputil.WriteBadRequest(w, verr.Error())
	case errors.As(err, &cerr):
		httputil.WriteBadRequest(w, cerr.Error())
	case errors.Is(err, ErrNotFound):
		httputil.WriteNotFound(w, err.Error())
	default:
		httputil.WriteInternalError(w, err)
	}
}

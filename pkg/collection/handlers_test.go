package collection

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/formdepot/pkg/permission"
)

func setupRouter(t *testing.T) (*mux.Router, *Service) {
	svc, _, _, _ := setupService(t)
	router := mux.NewRouter()
	NewHandlers(svc).RegisterRoutes(router)
	return router, svc
}

func doJSON(t *testing.T, router *mux.Router, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestHandlers_CreateAndGet(t *testing.T) {
	router, _ := setupRouter(t)

	rec := doJSON(t, router, "POST", "/collections", map[string]interface{}{
		"name":  "Field Surveys",
		"owner": 7,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var created Collection
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	assert.NotEmpty(t, created.ID)
	assert.Equal(t, "Field Surveys", created.Name)

	rec = doJSON(t, router, "GET", "/collections/"+created.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, router, "GET", "/collections/cmissing", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandlers_CreateValidation(t *testing.T) {
	router, _ := setupRouter(t)

	rec := doJSON(t, router, "POST", "/collections", map[string]interface{}{"owner": 7})
	assert.Equal(t, http.StatusBadRequest, rec.Code, "missing name is rejected")

	req := httptest.NewRequest("POST", "/collections", bytes.NewBufferString("{not json"))
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestHandlers_PermissionFlow(t *testing.T) {
	router, svc := setupRouter(t)

	ctx := httptest.NewRequest("GET", "/", nil).Context()
	parent := &Collection{Name: "parent", Owner: 1}
	require.NoError(t, svc.Save(ctx, parent))
	child := &Collection{Name: "child", ParentID: &parent.ID, Owner: 1}
	require.NoError(t, svc.Save(ctx, child))

	rec := doJSON(t, router, "POST", "/collections/"+parent.ID+"/permissions", map[string]interface{}{
		"subject":    42,
		"permission": "view_collection",
	})
	require.Equal(t, http.StatusNoContent, rec.Code, rec.Body.String())

	checkURL := fmt.Sprintf("/collections/%s/permissions/check?subject=42&permission=view_collection", child.ID)
	rec = doJSON(t, router, "GET", checkURL, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var check map[string]bool
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &check))
	assert.True(t, check["allowed"], "inherited grant is visible on the child")

	rec = doJSON(t, router, "POST", "/collections/"+parent.ID+"/permissions/remove", map[string]interface{}{
		"subject":    42,
		"permission": "view_collection",
	})
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = doJSON(t, router, "GET", checkURL, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &check))
	assert.False(t, check["allowed"])

	rec = doJSON(t, router, "POST", "/collections/"+parent.ID+"/permissions", map[string]interface{}{
		"subject":    42,
		"permission": "teleport_collection",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandlers_EffectivePermissions(t *testing.T) {
	router, svc := setupRouter(t)

	ctx := httptest.NewRequest("GET", "/", nil).Context()
	c := &Collection{Name: "c", Owner: 3}
	require.NoError(t, svc.Save(ctx, c))

	rec := doJSON(t, router, "GET", "/collections/"+c.ID+"/permissions", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var grants []struct {
		Subject int64  `json:"subject"`
		Kind    string `json:"permission"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &grants))
	assert.Len(t, grants, len(permission.AssignableKinds(permission.TargetCollection)))
	for _, g := range grants {
		assert.Equal(t, int64(3), g.Subject)
	}
}

func TestHandlers_Delete(t *testing.T) {
	router, svc := setupRouter(t)

	ctx := httptest.NewRequest("GET", "/", nil).Context()
	c := &Collection{Name: "doomed", Owner: 1}
	require.NoError(t, svc.Save(ctx, c))

	rec := doJSON(t, router, "DELETE", "/collections/"+c.ID, nil)
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = doJSON(t, router, "GET", "/collections/"+c.ID, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

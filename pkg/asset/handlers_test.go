package asset

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/formdepot/pkg/content"
)

func setupRouter(t *testing.T) (*mux.Router, *Service) {
	svc, _, _ := setupService(t)
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

func TestHandlers_CreateInfersKind(t *testing.T) {
	router, _ := setupRouter(t)

	rec := doJSON(t, router, "POST", "/assets", map[string]interface{}{
		"name":  "one question",
		"kind":  "block",
		"owner": 1,
		"content": map[string]interface{}{
			"survey": []map[string]interface{}{
				{"type": "text", "name": "q1", "label": "Q1"},
			},
		},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var created Asset
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	assert.Equal(t, KindQuestion, created.Kind, "a single-row block becomes a question")
	assert.NotEmpty(t, created.ID)
}

func TestHandlers_VersionsAndExport(t *testing.T) {
	router, svc := setupRouter(t)
	ctx := httptest.NewRequest("GET", "/", nil).Context()

	a := &Asset{
		Kind:    KindSurvey,
		Name:    "Census",
		Owner:   1,
		Content: surveyDoc(content.Row{"type": "text", "name": "q1", "label": "Q1"}),
	}
	require.NoError(t, svc.Save(ctx, a, SaveOptions{}))

	rec := doJSON(t, router, "GET", "/assets/"+a.ID+"/versions", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var versions []Version
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &versions))
	require.Len(t, versions, 1)

	rec = doJSON(t, router, "GET", "/assets/"+a.ID+"/export", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var snap Snapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
	assert.Equal(t, SnapshotStatusSuccess, snap.Details.Status)
	assert.Contains(t, snap.XML, `<q1 type="text"/>`)

	rec = doJSON(t, router, "GET", "/assets/"+a.ID+"/export?version="+versions[0].UID, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, router, "GET", "/assets/amissing/export", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandlers_CloneAndDeploy(t *testing.T) {
	router, svc := setupRouter(t)
	ctx := httptest.NewRequest("GET", "/", nil).Context()

	a := &Asset{
		Kind:    KindSurvey,
		Name:    "Census",
		Owner:   1,
		Content: surveyDoc(content.Row{"type": "text", "name": "q1", "label": "Q1"}),
	}
	require.NoError(t, svc.Save(ctx, a, SaveOptions{}))

	rec := doJSON(t, router, "POST", "/assets/"+a.ID+"/clone", map[string]interface{}{"owner": 9})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var dup Asset
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &dup))
	assert.NotEqual(t, a.ID, dup.ID)
	assert.Equal(t, "Census", dup.Name)
	assert.Equal(t, int64(9), dup.Owner)

	rec = doJSON(t, router, "POST", "/assets/"+a.ID+"/deploy", map[string]interface{}{})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var deployed Version
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &deployed))
	assert.True(t, deployed.Deployed)

	rec = doJSON(t, router, "GET", "/assets/"+a.ID+"/versions?deployed=true", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var versions []Version
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &versions))
	require.Len(t, versions, 1)
	assert.Equal(t, deployed.UID, versions[0].UID)

	rec = doJSON(t, router, "POST", "/assets/amissing/deploy", map[string]interface{}{})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandlers_ListRequiresParent(t *testing.T) {
	router, _ := setupRouter(t)

	rec := doJSON(t, router, "GET", "/assets", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

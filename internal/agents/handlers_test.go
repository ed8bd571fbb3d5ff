package agents

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"software-factory/internal/agentrpc"
	"software-factory/pkg/models"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testRouter(e *Engine) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	h := NewBuildHandler(e, nil)
	h.RegisterRoutes(r.Group("/api/v1"))
	h.RegisterWebSocket(r)
	return r
}

func doJSON(t *testing.T, r http.Handler, method, path string, body any) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var buf io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		buf = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	var out map[string]any
	if w.Header().Get("Content-Type") != "application/zip" {
		_ = json.Unmarshal(w.Body.Bytes(), &out)
	}
	return w, out
}

func TestGenerateCodeHandlerAccepted(t *testing.T) {
	f := newEngineFixture(t, testEngineConfig())
	f.projects.addFeature(models.Feature{ID: "feat-1", ProjectID: "proj-1", Name: "Todos"},
		models.WorkOrder{ID: "wo-a"},
	)
	r := testRouter(f.engine)

	w, body := doJSON(t, r, http.MethodPost, "/api/v1/generate-code", GenerateRequest{ProjectID: "proj-1", FeatureID: "feat-1"})
	f.engine.wg.Wait()

	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	assert.NotEmpty(t, body["build_id"])
	assert.Equal(t, float64(1), body["agents_spawned"])
	agents := body["agents"].([]any)
	assert.Equal(t, "build-wo-a", agents[0].(map[string]any)["label"])
}

func TestGenerateCodeHandlerErrors(t *testing.T) {
	f := newEngineFixture(t, testEngineConfig())
	f.projects.addFeature(models.Feature{ID: "feat-1", ProjectID: "proj-1", Name: "Todos"})
	r := testRouter(f.engine)

	tests := []struct {
		name   string
		body   any
		status int
		code   string
	}{
		{"missing fields", map[string]string{"project_id": "proj-1"}, http.StatusBadRequest, "INVALID_REQUEST"},
		{"unknown feature", GenerateRequest{ProjectID: "proj-1", FeatureID: "nope"}, http.StatusNotFound, "FEATURE_NOT_FOUND"},
		{"wrong project", GenerateRequest{ProjectID: "proj-9", FeatureID: "feat-1"}, http.StatusBadRequest, "PROJECT_MISMATCH"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, body := doJSON(t, r, http.MethodPost, "/api/v1/generate-code", tt.body)
			assert.Equal(t, tt.status, w.Code)
			assert.Equal(t, tt.code, body["code"])
		})
	}
}

func TestGenerateCodeHandlerDuringShutdown(t *testing.T) {
	f := newEngineFixture(t, testEngineConfig())
	f.projects.addFeature(models.Feature{ID: "feat-1", ProjectID: "proj-1", Name: "Todos"})
	r := testRouter(f.engine)

	require.NoError(t, f.engine.Shutdown(context.Background()))

	w, body := doJSON(t, r, http.MethodPost, "/api/v1/generate-code", GenerateRequest{ProjectID: "proj-1", FeatureID: "feat-1"})
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "SHUTTING_DOWN", body["code"])
}

func TestBuildAllHandler(t *testing.T) {
	f := newEngineFixture(t, testEngineConfig())
	f.projects.addFeature(models.Feature{ID: "feat-1", ProjectID: "proj-1", Name: "Todos"})
	r := testRouter(f.engine)

	w, body := doJSON(t, r, http.MethodPost, "/api/v1/build-all", BuildAllRequest{ProjectID: "proj-1"})
	f.engine.wg.Wait()
	require.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, float64(1), body["features_started"])

	w, body = doJSON(t, r, http.MethodPost, "/api/v1/build-all", BuildAllRequest{ProjectID: "ghost"})
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "PROJECT_NOT_FOUND", body["code"])
}

func TestGetBuildHandler(t *testing.T) {
	f := newEngineFixture(t, testEngineConfig())
	f.projects.addFeature(models.Feature{ID: "feat-1", ProjectID: "proj-1", Name: "Todos"})
	f.client.historyFn = func(string, int) ([]agentrpc.Message, error) {
		return []agentrpc.Message{
			userText("go"),
			assistantParts(writeCall("write", "src/a.js", "a")),
			toolResult("ok"),
			assistantText("done"),
		}, nil
	}
	res, _ := f.run(t, "feat-1")
	r := testRouter(f.engine)

	w, body := doJSON(t, r, http.MethodGet, "/api/v1/builds/"+res.BuildID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, string(models.BuildDone), body["status"])
	files := body["files"].([]any)
	assert.Equal(t, "src/a.js", files[0].(map[string]any)["path"])

	w, body = doJSON(t, r, http.MethodGet, "/api/v1/builds/missing", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "BUILD_NOT_FOUND", body["code"])
}

func TestDownloadBuildHandler(t *testing.T) {
	f := newEngineFixture(t, testEngineConfig())
	require.NoError(t, f.builds.CreateBuild(context.Background(), &models.Build{
		ID:        "b-1",
		ProjectID: "proj-1",
		Status:    models.BuildDone,
		Files:     []models.BuildFile{{Path: "src/a.js", Content: "a"}},
		Tests:     []models.BuildFile{{Path: "src/a.test.js", Content: "t"}},
	}))
	r := testRouter(f.engine)

	w, _ := doJSON(t, r, http.MethodGet, "/api/v1/builds/b-1/download", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/zip", w.Header().Get("Content-Type"))
	assert.Contains(t, w.Header().Get("Content-Disposition"), "build-b-1.zip")

	zr, err := zip.NewReader(bytes.NewReader(w.Body.Bytes()), int64(w.Body.Len()))
	require.NoError(t, err)
	names := make([]string, 0, len(zr.File))
	for _, zf := range zr.File {
		names = append(names, zf.Name)
	}
	assert.Contains(t, names, "src/a.js")
	assert.Contains(t, names, "src/a.test.js")
}

func TestListProjectBuildsHandler(t *testing.T) {
	f := newEngineFixture(t, testEngineConfig())
	require.NoError(t, f.builds.CreateBuild(context.Background(), &models.Build{ID: "b-1", ProjectID: "proj-1", Status: models.BuildFailed}))
	r := testRouter(f.engine)

	w, body := doJSON(t, r, http.MethodGet, "/api/v1/projects/proj-1/builds", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, body["builds"], 1)

	w, _ = doJSON(t, r, http.MethodGet, "/api/v1/projects/nope/builds", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestStreamBuildWithoutHub(t *testing.T) {
	f := newEngineFixture(t, testEngineConfig())
	r := testRouter(f.engine)

	w, body := doJSON(t, r, http.MethodGet, "/ws/builds/b-1", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "UNAVAILABLE", body["code"])
}

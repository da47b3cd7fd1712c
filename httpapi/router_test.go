package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	docsync "github.com/c0deZ3R0/go-doc-sync"
	"github.com/c0deZ3R0/go-doc-sync/auth"
	"github.com/c0deZ3R0/go-doc-sync/crdt/lww"
	"github.com/c0deZ3R0/go-doc-sync/logging"
	"github.com/c0deZ3R0/go-doc-sync/storage"
	"github.com/c0deZ3R0/go-doc-sync/storage/sqlite"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type testEnv struct {
	router    *gin.Engine
	persister *sqlite.Persister
	verifier  *auth.Verifier
}

func setupTestRouter(t *testing.T) *testEnv {
	t.Helper()
	pc := sqlite.DefaultConfig()
	pc.Logger = logging.Discard()
	p, err := sqlite.New(lww.Engine{}, pc)
	require.NoError(t, err)
	t.Cleanup(func() { p.Close() })

	server, err := docsync.NewServer(p, lww.Engine{}, nil, docsync.WithLogger(logging.Discard()))
	require.NoError(t, err)
	t.Cleanup(func() { server.Close() })

	verifier, err := auth.NewVerifier([]byte("secret"), "")
	require.NoError(t, err)

	metrics := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("ok"))
	})
	r, err := NewRouter(Config{
		Server:   server,
		Verifier: verifier,
		Metrics:  metrics,
		Logger:   logging.Discard(),
	})
	require.NoError(t, err)
	return &testEnv{router: r, persister: p, verifier: verifier}
}

func (e *testEnv) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func (e *testEnv) token(t *testing.T, role string) string {
	t.Helper()
	token, err := e.verifier.Issue("tester", role, "", time.Hour)
	require.NoError(t, err)
	return token
}

func TestHealthAndMetrics(t *testing.T) {
	env := setupTestRouter(t)

	rec := env.do(t, http.MethodGet, "/healthz", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, 0.0, body["connections"])

	rec = env.do(t, http.MethodGet, "/metrics", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	// no websocket handler configured
	rec = env.do(t, http.MethodGet, "/ws", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAdminAuth(t *testing.T) {
	env := setupTestRouter(t)
	req := ShrinkRequest{Location: t.TempDir()}

	rec := env.do(t, http.MethodPost, "/admin/shrink", "", req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = env.do(t, http.MethodPost, "/admin/shrink", "garbage", req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = env.do(t, http.MethodPost, "/admin/shrink", env.token(t, auth.RoleKBEditor), req)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestShrinkEndpoint(t *testing.T) {
	env := setupTestRouter(t)
	admin := env.token(t, auth.RoleAdmin)
	location := t.TempDir()
	ctx := context.Background()

	store := filepath.Join(location, "app-data.db")
	doc := lww.New()
	require.NoError(t, env.persister.Load(ctx, "doc1", store, doc))
	for i := 0; i < 5; i++ {
		before := doc.VersionVector()
		doc.Set("k", []byte{byte(i)})
		u, err := doc.ExportFrom(before)
		require.NoError(t, err)
		require.NoError(t, env.persister.SaveUpdates(ctx, "doc1", store, [][]byte{u}))
	}

	rec := env.do(t, http.MethodPost, "/admin/shrink", admin, ShrinkRequest{Location: location})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var res storage.ShrinkResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.Positive(t, res.BeforeSize)
	assert.Positive(t, res.AfterSize)

	updates, err := env.persister.LoadUpdates(ctx, "doc1", store)
	require.NoError(t, err)
	assert.Empty(t, updates)

	rec = env.do(t, http.MethodGet, "/admin/docs?location="+location, admin, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list struct {
		DocIDs []string `json:"docIds"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	assert.Equal(t, []string{"doc1"}, list.DocIDs)
}

func TestShrinkEndpointErrors(t *testing.T) {
	env := setupTestRouter(t)
	admin := env.token(t, auth.RoleAdmin)

	rec := env.do(t, http.MethodPost, "/admin/shrink", admin, map[string]string{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodPost, "/admin/shrink", admin, ShrinkRequest{Location: t.TempDir()})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = env.do(t, http.MethodGet, "/admin/docs", admin, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestNewRouterRequiresServer(t *testing.T) {
	_, err := NewRouter(Config{})
	assert.Error(t, err)
}

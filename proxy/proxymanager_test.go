package proxy

import (
	"compress/gzip"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arrowctl/modelgate/proxy/config"
)

func newTestProxyManager(t *testing.T, groups map[string][]string) *ProxyManager {
	t.Helper()
	cfg := buildTestConfig(groups)
	cfg.LogToStdout = config.LogToStdoutNone
	pm := New(cfg)
	t.Cleanup(pm.Shutdown)
	return pm
}

func TestProxyManager_HealthEndpoint(t *testing.T) {
	pm := newTestProxyManager(t, map[string][]string{"g1": {"model1"}})

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	pm.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "OK", rec.Body.String())
}

func TestProxyManager_ListModelsExcludesUnlisted(t *testing.T) {
	pm := newTestProxyManager(t, map[string][]string{"g1": {"model1", "model2"}})

	hidden := pm.config.Models["model2"]
	hidden.Unlisted = true
	pm.config.Models["model2"] = hidden

	req := httptest.NewRequest(http.MethodGet, "/v1/models", nil)
	rec := httptest.NewRecorder()
	pm.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, "model1")
	assert.NotContains(t, body, "model2")
}

func TestProxyManager_ApiKeyAuthRejectsMissingKey(t *testing.T) {
	pm := newTestProxyManager(t, map[string][]string{"g1": {"model1"}})
	pm.config.RequiredAPIKeys = []string{"secret"}

	req := httptest.NewRequest(http.MethodGet, "/running", nil)
	rec := httptest.NewRecorder()
	pm.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestProxyManager_ApiKeyAuthAcceptsBearerToken(t *testing.T) {
	pm := newTestProxyManager(t, map[string][]string{"g1": {"model1"}})
	pm.config.RequiredAPIKeys = []string{"secret"}

	req := httptest.NewRequest(http.MethodGet, "/running", nil)
	req.Header.Set("Authorization", "Bearer secret")
	rec := httptest.NewRecorder()
	pm.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestProxyManager_FindModelInPathMatchesMultiSegmentModel(t *testing.T) {
	pm := newTestProxyManager(t, map[string][]string{"g1": {"org/model1"}})

	search, real, remaining, found := pm.findModelInPath("org/model1/v1/chat/completions")
	require.True(t, found)
	assert.Equal(t, "org/model1", search)
	assert.Equal(t, "org/model1", real)
	assert.Equal(t, "/v1/chat/completions", remaining)
}

func TestProxyManager_FindModelInPathNotFound(t *testing.T) {
	pm := newTestProxyManager(t, map[string][]string{"g1": {"model1"}})

	_, _, _, found := pm.findModelInPath("unknown/path")
	assert.False(t, found)
}

func TestProxyManager_UpstreamRedirectsBareModelPath(t *testing.T) {
	pm := newTestProxyManager(t, map[string][]string{"g1": {"model1"}})

	req := httptest.NewRequest(http.MethodGet, "/upstream/model1", nil)
	rec := httptest.NewRecorder()
	pm.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusMovedPermanently, rec.Code)
	assert.Equal(t, "/upstream/model1/", rec.Header().Get("Location"))
}

func TestProxyManager_UpstreamProxiesToModel(t *testing.T) {
	pm := newTestProxyManager(t, map[string][]string{"g1": {"model1"}})

	req := httptest.NewRequest(http.MethodGet, "/upstream/model1/test", nil)
	rec := httptest.NewRecorder()
	pm.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "model1", rec.Body.String())
}

func TestProxyManager_InferenceHandlerRejectsMissingModel(t *testing.T) {
	pm := newTestProxyManager(t, map[string][]string{"g1": {"model1"}})

	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", httptestJSONBody(`{"messages":[]}`))
	rec := httptest.NewRecorder()
	pm.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestProxyManager_InferenceHandlerProxiesToModel(t *testing.T) {
	pm := newTestProxyManager(t, map[string][]string{"g1": {"model1"}})

	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", httptestJSONBody(`{"model":"model1","stream":false}`))
	rec := httptest.NewRecorder()
	pm.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "model1")
}

func TestProxyManager_SendLogsHandlerGzipsWhenAccepted(t *testing.T) {
	pm := newTestProxyManager(t, map[string][]string{"g1": {"model1"}})
	pm.proxyLogger.Infof("a sentinel log line")

	req := httptest.NewRequest(http.MethodGet, "/logs", nil)
	req.Header.Set("Accept-Encoding", "gzip")
	rec := httptest.NewRecorder()
	pm.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "gzip", rec.Header().Get("Content-Encoding"))

	gz, err := gzip.NewReader(rec.Body)
	require.NoError(t, err)
	data, err := io.ReadAll(gz)
	require.NoError(t, err)
	assert.Contains(t, string(data), "a sentinel log line")
}

func TestProxyManager_SendLogsHandlerPlainWithoutGzipHeader(t *testing.T) {
	pm := newTestProxyManager(t, map[string][]string{"g1": {"model1"}})
	pm.proxyLogger.Infof("a sentinel log line")

	req := httptest.NewRequest(http.MethodGet, "/logs", nil)
	rec := httptest.NewRecorder()
	pm.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, rec.Header().Get("Content-Encoding"))
	assert.Contains(t, rec.Body.String(), "a sentinel log line")
}

func TestProxyManager_ListRequestsRecordsResolvedModel(t *testing.T) {
	pm := newTestProxyManager(t, map[string][]string{"g1": {"model1"}})

	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", httptestJSONBody(`{"model":"model1","stream":false}`))
	rec := httptest.NewRecorder()
	pm.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	req2 := httptest.NewRequest(http.MethodGet, "/requests", nil)
	rec2 := httptest.NewRecorder()
	pm.ServeHTTP(rec2, req2)

	assert.Equal(t, http.StatusOK, rec2.Code)
	assert.Contains(t, rec2.Body.String(), `"model":"model1"`)
}

func httptestJSONBody(body string) *strings.Reader {
	return strings.NewReader(body)
}

package marketplace

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dcmirror/dcmirror/internal/db/models"
)

func newTestClient(baseURL string) *Client {
	return NewClient(Config{
		BaseURL:           baseURL,
		ProductType:       models.ProductJira,
		MaxRetries:        1,
		RetryDelay:        time.Millisecond,
		RequestTimeout:    5 * time.Second,
		RequestsPerSecond: 1000,
	})
}

func TestFetchAddonsSendsCatalogQuery(t *testing.T) {
	var gotQuery map[string]string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/rest/2/addons", r.URL.Path)
		gotQuery = map[string]string{
			"application": r.URL.Query().Get("application"),
			"hosting":     r.URL.Query().Get("hosting"),
			"limit":       r.URL.Query().Get("limit"),
			"offset":      r.URL.Query().Get("offset"),
		}
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"_embedded": map[string]interface{}{
				"addons": []map[string]interface{}{
					{"key": "com.example.one", "name": "One"},
					{"key": "com.example.two", "name": "Two"},
				},
			},
			"count": 412,
		})
	}))
	defer server.Close()

	page, err := newTestClient(server.URL).FetchAddons(context.Background(), 100, 200)
	require.NoError(t, err)

	assert.Equal(t, "jira", gotQuery["application"])
	assert.Equal(t, "datacenter", gotQuery["hosting"])
	assert.Equal(t, "100", gotQuery["limit"])
	assert.Equal(t, "200", gotQuery["offset"])
	assert.Len(t, page.Embedded.Addons, 2)
	assert.Equal(t, 412, page.Total())
}

func TestFetchAddonsRetriesTransientFailure(t *testing.T) {
	calls := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls++
		if calls == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"count": 1})
	}))
	defer server.Close()

	page, err := newTestClient(server.URL).FetchAddons(context.Background(), 10, 0)
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
	assert.Equal(t, 1, page.Total())
}

func TestFetchAddonReturnsNilAfterExhaustion(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	addon, err := newTestClient(server.URL).FetchAddon(context.Background(), "com.example.missing")
	require.NoError(t, err)
	assert.Nil(t, addon)
}

func TestFetchAddonVersionsPagesUpToBound(t *testing.T) {
	// 120 versions upstream; the client must stop at the requested bound
	const upstream = 120
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		require.LessOrEqual(t, limit, 50)

		var versions []map[string]interface{}
		for i := offset; i < offset+limit && i < upstream; i++ {
			versions = append(versions, map[string]interface{}{"name": fmt.Sprintf("1.0.%d", i)})
		}
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"_embedded": map[string]interface{}{"versions": versions},
			"_links":    map[string]interface{}{"next": map[string]string{"href": "/next"}},
		})
	}))
	defer server.Close()

	versions, err := newTestClient(server.URL).FetchAddonVersions(context.Background(), "com.example.addon", 75)
	require.NoError(t, err)
	assert.Len(t, versions, 75)
	assert.Equal(t, "1.0.0", versions[0].Name)
	assert.Equal(t, "1.0.74", versions[74].Name)
}

func TestFetchAddonVersionsStopsOnShortPage(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
		require.Zero(t, offset, "client must not page past a short page")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"_embedded": map[string]interface{}{
				"versions": []map[string]interface{}{{"name": "1.0.0"}, {"name": "0.9.0"}},
			},
		})
	}))
	defer server.Close()

	versions, err := newTestClient(server.URL).FetchAddonVersions(context.Background(), "com.example.addon", 25)
	require.NoError(t, err)
	assert.Len(t, versions, 2)
}

func TestFetchVersionDetailsBuildPath(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/rest/2/addons/com.example.addon/versions/build/1009990", r.URL.Path)
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"name": "2.3.4"})
	}))
	defer server.Close()

	version, err := newTestClient(server.URL).FetchVersionDetails(context.Background(), "com.example.addon", "1009990")
	require.NoError(t, err)
	require.NotNil(t, version)
	assert.Equal(t, "2.3.4", version.Name)
}

func TestDownloadFileWritesAndOverwrites(t *testing.T) {
	payload := []byte("jar-bytes-v2")
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write(payload)
	}))
	defer server.Close()

	tmpDir := t.TempDir()
	dest := filepath.Join(tmpDir, "com.example.addon", "com.example.addon-1.0.0.jar")

	// Simulate a stale partial file from an interrupted attempt
	require.NoError(t, os.MkdirAll(filepath.Dir(dest), 0o755))
	require.NoError(t, os.WriteFile(dest, []byte("partial-garbage-that-is-longer"), 0o644))

	err := newTestClient(server.URL).DownloadFile(context.Background(), server.URL+"/artifact", dest)
	require.NoError(t, err)

	got, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestDownloadFilePropagatesHTTPError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer server.Close()

	dest := filepath.Join(t.TempDir(), "x.jar")
	err := newTestClient(server.URL).DownloadFile(context.Background(), server.URL+"/artifact", dest)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "403")
}

// Package routes defines the API routes and URL structure
package routes

import (
	"fmt"
	"net/url"
	"strings"
	"sync"

	fiber "github.com/gofiber/fiber/v2"

	"github.com/dcmirror/dcmirror/internal/db/models"
	"github.com/dcmirror/dcmirror/pkg/api/v1/handlers"
)

/*

To keep this file organized, routes should be organized in the following way:

1. Smallest scope first (i.e. plugin routes before sync routes)
2. For similar scopes, put the endpoints in alphabetical order
3. Order routes in GET, POST, PUT, DELETE order.
	a. Within this ordering, param urls (ie /:addonKey) should go last, otherwise fiber will interpret the route slug as that param.

*/

// API base configuration
const (
	// DefaultPort is the default port for the API
	DefaultPort = "8080"
	// APIv1Prefix is the prefix for all API endpoints
	APIv1Prefix = "/api/v1"
)

// DefaultBaseURL is the default base URL for the API
var DefaultBaseURL = fmt.Sprintf("http://localhost:%s", DefaultPort)

// Route names for lookup
const (
	// Health check
	HealthCheck = "HealthCheck"

	// Plugin routes
	GetPlugins        = "GetPlugins"
	GetPlugin         = "GetPlugin"
	GetPluginVersions = "GetPluginVersions"
	GetPluginFiles    = "GetPluginFiles"
	ResyncPlugin      = "ResyncPlugin"

	// Sync routes
	GetSyncStatus         = "GetSyncStatus"
	StartMetadataSync     = "StartMetadataSync"
	PauseMetadataSync     = "PauseMetadataSync"
	ResumeMetadataSync    = "ResumeMetadataSync"
	RestartMetadataSync   = "RestartMetadataSync"
	CancelAutoStart       = "CancelAutoStart"
	StartBatchSync        = "StartBatchSync"
	ContinueBatchSync     = "ContinueBatchSync"
	StartDownloadLatest   = "StartDownloadLatest"
	PauseDownloadLatest   = "PauseDownloadLatest"
	ResumeDownloadLatest  = "ResumeDownloadLatest"
	RestartDownloadLatest = "RestartDownloadLatest"
	BatchDownloadLatest   = "BatchDownloadLatest"
	StartDownloadAll      = "StartDownloadAll"
	PauseDownloadAll      = "PauseDownloadAll"
	ResumeDownloadAll     = "ResumeDownloadAll"
	RestartDownloadAll    = "RestartDownloadAll"
	BatchDownloadAll      = "BatchDownloadAll"
)

// routeCache stores extracted routes for use prior to compilation
var (
	routeCache     map[string]string
	routeCacheMu   sync.RWMutex
	routeCacheInit sync.Once
)

// RegisterRoutes configures all the v1 routes
func RegisterRoutes(
	app *fiber.App,
	syncHandler *handlers.SyncHandler,
	pluginHandler *handlers.PluginHandler,
) {
	// Health check
	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "healthy"})
	}).Name(HealthCheck)

	// API v1 routes
	v1 := app.Group(APIv1Prefix)

	// Plugin endpoints
	plugins := v1.Group("/plugins")
	plugins.Get("/", pluginHandler.ListPlugins).Name(GetPlugins)
	plugins.Get("/:addonKey", pluginHandler.GetPlugin).Name(GetPlugin)
	plugins.Get("/:addonKey/files", pluginHandler.GetPluginFiles).Name(GetPluginFiles)
	plugins.Get("/:addonKey/versions", pluginHandler.GetPluginVersions).Name(GetPluginVersions)
	plugins.Post("/:addonKey/resync", pluginHandler.ResyncPlugin).Name(ResyncPlugin)

	// Sync endpoints
	syncGroup := v1.Group("/sync")
	syncGroup.Get("/status", syncHandler.Status).Name(GetSyncStatus)

	metadata := syncGroup.Group("/metadata")
	metadata.Post("/cancel-auto-start", syncHandler.CancelAutoStart).Name(CancelAutoStart)
	metadata.Post("/pause", syncHandler.PauseMetadata).Name(PauseMetadataSync)
	metadata.Post("/restart", syncHandler.RestartMetadata).Name(RestartMetadataSync)
	metadata.Post("/resume", syncHandler.ResumeMetadata).Name(ResumeMetadataSync)
	metadata.Post("/start", syncHandler.StartMetadata).Name(StartMetadataSync)

	batch := syncGroup.Group("/batch")
	batch.Post("/continue", syncHandler.ContinueBatch).Name(ContinueBatchSync)
	batch.Post("/start", syncHandler.StartBatch).Name(StartBatchSync)

	latest := syncGroup.Group("/download-latest")
	latest.Post("/pause", syncHandler.PauseDownload(models.StageDownloadLatest)).Name(PauseDownloadLatest)
	latest.Post("/restart", syncHandler.RestartDownload(models.StageDownloadLatest)).Name(RestartDownloadLatest)
	latest.Post("/resume", syncHandler.ResumeDownload(models.StageDownloadLatest)).Name(ResumeDownloadLatest)
	latest.Post("/start", syncHandler.StartDownload(models.StageDownloadLatest)).Name(StartDownloadLatest)
	latest.Post("/batch/:batch", syncHandler.ProcessDownloadBatch(models.StageDownloadLatest)).Name(BatchDownloadLatest)

	all := syncGroup.Group("/download-all")
	all.Post("/pause", syncHandler.PauseDownload(models.StageDownloadAll)).Name(PauseDownloadAll)
	all.Post("/restart", syncHandler.RestartDownload(models.StageDownloadAll)).Name(RestartDownloadAll)
	all.Post("/resume", syncHandler.ResumeDownload(models.StageDownloadAll)).Name(ResumeDownloadAll)
	all.Post("/start", syncHandler.StartDownload(models.StageDownloadAll)).Name(StartDownloadAll)
	all.Post("/batch/:batch", syncHandler.ProcessDownloadBatch(models.StageDownloadAll)).Name(BatchDownloadAll)
}

// initRouteCache initializes the route cache by creating a mock app and extracting routes
func initRouteCache() {
	routeCacheInit.Do(func() {
		routeCache = make(map[string]string)

		app := fiber.New()
		RegisterRoutes(app, &handlers.SyncHandler{}, &handlers.PluginHandler{})

		for _, route := range app.GetRoutes() {
			if route.Name != "" {
				routeCache[route.Name] = route.Path
			}
		}
	})
}

// GetRoute returns the route pattern for the given route name
func GetRoute(name string) string {
	routeCacheMu.RLock()
	defer routeCacheMu.RUnlock()

	if routeCache == nil {
		routeCacheMu.RUnlock()
		initRouteCache()
		routeCacheMu.RLock()
	}

	return routeCache[name]
}

// BuildURL builds a URL for the given route name and parameters
func BuildURL(routeName string, params map[string]string, queryParams url.Values) string {
	route := GetRoute(routeName)
	if route == "" {
		return ""
	}

	for param, value := range params {
		route = strings.ReplaceAll(route, ":"+param, value)
	}

	if strings.HasSuffix(route, "/") && !strings.Contains(route, ":") {
		route = strings.TrimSuffix(route, "/")
	}

	if len(queryParams) > 0 {
		route = fmt.Sprintf("%s?%s", route, queryParams.Encode())
	}

	return route
}

// Plugin route helpers

// GetPluginsURL returns the URL for listing mirrored plugins
func GetPluginsURL(queryParams url.Values) string {
	return BuildURL(GetPlugins, nil, queryParams)
}

// GetPluginURL returns the URL for getting one plugin
func GetPluginURL(addonKey string, queryParams url.Values) string {
	return BuildURL(GetPlugin, map[string]string{"addonKey": addonKey}, queryParams)
}

// GetPluginVersionsURL returns the URL for a plugin's versions
func GetPluginVersionsURL(addonKey string, queryParams url.Values) string {
	return BuildURL(GetPluginVersions, map[string]string{"addonKey": addonKey}, queryParams)
}

// GetPluginFilesURL returns the URL for a plugin's download ledger
func GetPluginFilesURL(addonKey string, queryParams url.Values) string {
	return BuildURL(GetPluginFiles, map[string]string{"addonKey": addonKey}, queryParams)
}

// ResyncPluginURL returns the URL for resyncing one plugin
func ResyncPluginURL(addonKey string, queryParams url.Values) string {
	return BuildURL(ResyncPlugin, map[string]string{"addonKey": addonKey}, queryParams)
}

// Sync route helpers

// SyncStatusURL returns the URL for the pipeline status endpoint
func SyncStatusURL(queryParams url.Values) string {
	return BuildURL(GetSyncStatus, nil, queryParams)
}

// SyncActionURL returns the URL for a named sync control action
func SyncActionURL(routeName string, queryParams url.Values) string {
	return BuildURL(routeName, nil, queryParams)
}

// DownloadBatchURL returns the URL for a stage's synchronous batch endpoint
func DownloadBatchURL(routeName, batch string, queryParams url.Values) string {
	return BuildURL(routeName, map[string]string{"batch": batch}, queryParams)
}

// HealthCheckURL returns the URL for the health check endpoint
func HealthCheckURL() string {
	return BuildURL(HealthCheck, nil, nil)
}

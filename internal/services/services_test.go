package services

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/stretchr/testify/suite"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/dcmirror/dcmirror/internal/config"
	"github.com/dcmirror/dcmirror/internal/db"
	"github.com/dcmirror/dcmirror/internal/db/models"
	"github.com/dcmirror/dcmirror/internal/db/repos"
	"github.com/dcmirror/dcmirror/internal/marketplace"
)

const fakeBaseURL = "https://marketplace.example.com"

// fakeCatalog is an in-memory Catalog for pipeline tests. Failures are
// injected per offset (page fetches) and per URL (downloads).
type fakeCatalog struct {
	mu sync.Mutex

	addons    []marketplace.Addon
	versions  map[string][]marketplace.Version
	missing   map[string]bool
	artifacts map[string][]byte

	pageErrs     map[int]int
	downloadErrs map[string]error

	fetchOffsets []int
	downloads    []string
}

func newFakeCatalog() *fakeCatalog {
	return &fakeCatalog{
		versions:     make(map[string][]marketplace.Version),
		missing:      make(map[string]bool),
		artifacts:    make(map[string][]byte),
		pageErrs:     make(map[int]int),
		downloadErrs: make(map[string]error),
	}
}

func (f *fakeCatalog) FetchAddons(_ context.Context, limit, offset int) (*marketplace.ListResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.fetchOffsets = append(f.fetchOffsets, offset)
	if remaining := f.pageErrs[offset]; remaining > 0 {
		f.pageErrs[offset] = remaining - 1
		return nil, fmt.Errorf("upstream unavailable at offset %d", offset)
	}

	var out marketplace.ListResponse
	out.Count = len(f.addons)
	if offset < len(f.addons) {
		end := offset + limit
		if end > len(f.addons) {
			end = len(f.addons)
		}
		out.Embedded.Addons = f.addons[offset:end]
	}
	return &out, nil
}

func (f *fakeCatalog) FetchAddon(_ context.Context, addonKey string) (*marketplace.Addon, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.missing[addonKey] {
		return nil, nil
	}
	for i := range f.addons {
		if f.addons[i].Key == addonKey {
			addon := f.addons[i]
			return &addon, nil
		}
	}
	return nil, nil
}

func (f *fakeCatalog) FetchAddonVersions(_ context.Context, addonKey string, maxVersions int) ([]marketplace.Version, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	versions := f.versions[addonKey]
	if len(versions) > maxVersions {
		versions = versions[:maxVersions]
	}
	return versions, nil
}

func (f *fakeCatalog) FetchVersionDetails(_ context.Context, _, _ string) (*marketplace.Version, error) {
	return nil, nil
}

func (f *fakeCatalog) DownloadFile(_ context.Context, url, destPath string) error {
	f.mu.Lock()
	if err := f.downloadErrs[url]; err != nil {
		f.mu.Unlock()
		return err
	}
	f.downloads = append(f.downloads, url)
	payload, ok := f.artifacts[url]
	f.mu.Unlock()

	if !ok {
		payload = []byte("jar-bytes:" + url)
	}
	if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
		return err
	}
	return os.WriteFile(destPath, payload, 0o644)
}

func (f *fakeCatalog) BaseURL() string {
	return fakeBaseURL
}

func (f *fakeCatalog) downloadCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.downloads)
}

// testAddon builds a catalog entry with the conventional link shapes
func testAddon(key string) marketplace.Addon {
	return marketplace.Addon{
		Key:     key,
		Name:    "Addon " + key,
		Summary: "Summary for " + key,
		Vendor:  &marketplace.Vendor{Name: "Example Vendor"},
		Links: marketplace.AddonLinks{
			Alternate: marketplace.Link{Href: "/apps/1000/" + key},
		},
	}
}

// testAddons builds catalog entries for a list of keys
func testAddons(keys ...string) []marketplace.Addon {
	out := make([]marketplace.Addon, 0, len(keys))
	for _, key := range keys {
		out = append(out, testAddon(key))
	}
	return out
}

// dcVersion builds a Data-Center-compatible version with a jira window
func dcVersion(name, minVersion, maxVersion, binaryURL string) marketplace.Version {
	v := marketplace.Version{
		Name:       name,
		Deployment: &marketplace.Deployment{DataCenter: true, Server: true},
	}
	if minVersion != "" || maxVersion != "" {
		window := &marketplace.CompatRange{}
		if minVersion != "" {
			window.Min = &marketplace.CompatBound{Version: minVersion}
		}
		if maxVersion != "" {
			window.Max = &marketplace.CompatBound{Version: maxVersion}
		}
		v.Compatibilities = []marketplace.Compatibility{{
			Application: "jira",
			Hosting:     &marketplace.CompatHosting{DataCenter: window},
		}}
	}
	if binaryURL != "" {
		v.Links.Binary = &marketplace.Link{Href: binaryURL}
	}
	return v
}

// ServiceTestSuite is the shared fixture for pipeline tests: a fresh sqlite
// database, repositories and a fake catalog per test.
type ServiceTestSuite struct {
	suite.Suite

	db      *gorm.DB
	tmpDir  string
	ctx     context.Context
	catalog *fakeCatalog
	jobs    *JobManager
	plugins *repos.PluginRepository
	files   *repos.PluginFileRepository
	tasks   *Supervisor
	cfg     config.JobConfig
}

func (s *ServiceTestSuite) SetupTest() {
	tmpDir, err := os.MkdirTemp("", "dcmirror_services_test")
	s.Require().NoError(err)
	s.tmpDir = tmpDir

	gdb, err := gorm.Open(sqlite.Open(filepath.Join(tmpDir, "test.db")), &gorm.Config{})
	s.Require().NoError(err)
	s.Require().NoError(db.Migrate(gdb))

	s.db = gdb
	s.ctx = context.Background()
	s.catalog = newFakeCatalog()
	s.jobs = NewJobManager(repos.NewJobRepository(gdb))
	s.plugins = repos.NewPluginRepository(gdb)
	s.files = repos.NewPluginFileRepository(gdb)
	s.tasks = NewSupervisor()
	s.cfg = config.JobConfig{
		ChunkSize:           2,
		ConcurrentDownloads: 2,
		MaxVersionsPerAddon: 25,
		AutoStartDelay:      10 * time.Millisecond,
		BatchContinueDelay:  time.Millisecond,
		ErrorThreshold: config.ErrorThreshold{
			ConsecutiveErrors:    3,
			ErrorRate:            0.5,
			MinItemsForRateCheck: 20,
		},
	}
}

func (s *ServiceTestSuite) TearDownTest() {
	s.tasks.Wait()
	if sqlDB, err := s.db.DB(); err == nil {
		_ = sqlDB.Close()
	}
	_ = os.RemoveAll(s.tmpDir)
}

func (s *ServiceTestSuite) newMetadataStage() *MetadataStage {
	return NewMetadataStage(models.ProductJira, s.jobs, s.catalog, s.plugins, s.cfg, s.tasks)
}

func (s *ServiceTestSuite) newDownloadStage(stage models.SyncStage, targets []string) *DownloadStage {
	return NewDownloadStage(stage, models.ProductJira, s.jobs, s.catalog, s.plugins, s.files,
		s.cfg, s.tmpDir, targets, s.tasks)
}

// startedJob creates and starts a job row so run loops can be driven
// synchronously in tests.
func (s *ServiceTestSuite) startedJob(stage models.SyncStage) uint {
	jobID, err := s.jobs.GetOrCreateJob(s.ctx, stage, models.ProductJira)
	s.Require().NoError(err)
	s.Require().NoError(s.jobs.StartJob(s.ctx, jobID))
	return jobID
}

func (s *ServiceTestSuite) job(jobID uint) *models.SyncJob {
	job, err := s.jobs.GetJob(s.ctx, jobID)
	s.Require().NoError(err)
	return job
}

package services

import (
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/suite"

	"github.com/dcmirror/dcmirror/internal/db/models"
)

type DownloadStageSuite struct {
	ServiceTestSuite
}

func TestDownloadStageSuite(t *testing.T) {
	suite.Run(t, new(DownloadStageSuite))
}

func (s *DownloadStageSuite) createPlugin(key string, batch *int) *models.Plugin {
	plugin, err := s.plugins.Upsert(s.ctx, &models.Plugin{
		AddonKey:    key,
		ProductType: models.ProductJira,
		Name:        "Addon " + key,
		BatchNumber: batch,
	})
	s.Require().NoError(err)
	return plugin
}

func (s *DownloadStageSuite) addVersion(pluginID uint, name, minVersion, maxVersion, url string, age time.Duration) {
	release := time.Now().Add(-age)
	s.Require().NoError(s.plugins.UpsertVersion(s.ctx, &models.PluginVersion{
		PluginID:             pluginID,
		Version:              name,
		ReleaseDate:          &release,
		ProductVersionMin:    minVersion,
		ProductVersionMax:    maxVersion,
		DataCenterCompatible: true,
		DownloadURL:          url,
	}))
}

func fakePayloadChecksum(url string) string {
	sum := sha256.Sum256([]byte("jar-bytes:" + url))
	return hex.EncodeToString(sum[:])
}

func TestSelectLatestCompatible(t *testing.T) {
	// Newest release first, matching repository ordering
	versions := []models.PluginVersion{
		{Version: "3.0.0", ProductVersionMin: "10.0", ProductVersionMax: "11.0"},
		{Version: "2.0.0", ProductVersionMin: "8.0", ProductVersionMax: "9.99"},
		{Version: "1.0.0", ProductVersionMin: "8.0", ProductVersionMax: "9.99"},
	}

	tests := []struct {
		target string
		want   string
	}{
		{"8.20", "2.0.0"},
		{"9.12", "2.0.0"},
		{"10.3", "3.0.0"},
		{"11.0", "3.0.0"},
		{"11.5", ""},
		{"7.19", ""},
	}
	for _, tc := range tests {
		got := selectLatestCompatible(versions, tc.target)
		if tc.want == "" {
			assert.Nil(t, got, "target %s", tc.target)
		} else {
			assert.NotNil(t, got, "target %s", tc.target)
			assert.Equal(t, tc.want, got.Version, "target %s", tc.target)
		}
	}
}

func TestSelectLatestCompatibleOpenBounds(t *testing.T) {
	noMin := []models.PluginVersion{{Version: "1.0.0", ProductVersionMax: "9.0"}}
	got := selectLatestCompatible(noMin, "8.20")
	assert.NotNil(t, got)
	assert.Nil(t, selectLatestCompatible(noMin, "9.12"))

	noMax := []models.PluginVersion{{Version: "1.0.0", ProductVersionMin: "8.13"}}
	assert.NotNil(t, selectLatestCompatible(noMax, "10.3"))
	assert.Nil(t, selectLatestCompatible(noMax, "8.5"))

	// No declared window at all never matches
	unbounded := []models.PluginVersion{{Version: "1.0.0"}}
	assert.Nil(t, selectLatestCompatible(unbounded, "8.20"))
}

func TestSelectLatestCompatibleSkipsHiddenAndDeprecated(t *testing.T) {
	versions := []models.PluginVersion{
		{Version: "3.0.0", ProductVersionMin: "8.0", ProductVersionMax: "9.99", Hidden: true},
		{Version: "2.5.0", ProductVersionMin: "8.0", ProductVersionMax: "9.99", Deprecated: true},
		{Version: "2.0.0", ProductVersionMin: "8.0", ProductVersionMax: "9.99"},
	}

	got := selectLatestCompatible(versions, "8.20")
	assert.NotNil(t, got)
	assert.Equal(t, "2.0.0", got.Version)
}

func (s *DownloadStageSuite) TestRunLatestDownloadsNewestCompatible() {
	plugin := s.createPlugin("a1", nil)
	s.addVersion(plugin.ID, "3.0.0", "10.0", "11.0", "https://dl.example.com/a1-3.0.0.jar", time.Hour)
	s.addVersion(plugin.ID, "2.0.0", "8.0", "9.99", "https://dl.example.com/a1-2.0.0.jar", 2*time.Hour)
	s.addVersion(plugin.ID, "1.0.0", "8.0", "9.99", "https://dl.example.com/a1-1.0.0.jar", 3*time.Hour)

	stage := s.newDownloadStage(models.StageDownloadLatest, []string{"8.20", "9.12", "10.3", "11.5"})
	jobID := s.startedJob(models.StageDownloadLatest)
	s.Require().NoError(stage.run(s.ctx, jobID))

	job := s.job(jobID)
	s.Equal(models.JobStatusCompleted, job.Status)
	s.Equal(4, job.TotalItems)
	// 8.20 and 9.12 share 2.0.0; 10.3 selects 3.0.0; 11.5 has no match
	s.Equal(2, job.ProcessedItems)
	s.Equal(1, job.FailedItems)
	s.Equal(2, s.catalog.downloadCount())

	for _, version := range []string{"2.0.0", "3.0.0"} {
		file, err := s.files.Get(s.ctx, plugin.ID, version)
		s.Require().NoError(err)
		s.Require().NotNil(file, "version %s", version)
		s.Equal(models.DownloadStatusCompleted, file.DownloadStatus)

		wantPath := filepath.Join(s.tmpDir, "a1", "a1-"+version+".jar")
		s.Equal(wantPath, file.FilePath)
		s.Equal(fakePayloadChecksum("https://dl.example.com/a1-"+version+".jar"), file.Checksum)

		onDisk, err := os.ReadFile(wantPath)
		s.Require().NoError(err)
		s.Equal(int64(len(onDisk)), file.Size)
	}

	// 1.0.0 was never the latest for any target
	file, err := s.files.Get(s.ctx, plugin.ID, "1.0.0")
	s.Require().NoError(err)
	s.Nil(file)

	// The unmatched target was warned about, not silently dropped
	snapshot, err := s.jobs.Snapshot(s.ctx, models.StageDownloadLatest, models.ProductJira)
	s.Require().NoError(err)
	s.Require().NotNil(snapshot)
	warned := false
	for _, entry := range snapshot.Logs {
		if entry.Level == models.LogWarn && strings.Contains(entry.Message, "No compatible version found for a1 (target 11.5)") {
			warned = true
		}
	}
	s.True(warned, "expected a warning for the unmatched target")
}

func (s *DownloadStageSuite) TestRunAllMirrorsHiddenAndDeprecatedVersions() {
	plugin := s.createPlugin("a1", nil)
	newer := time.Now().Add(-time.Hour)
	older := time.Now().Add(-2 * time.Hour)
	for _, v := range []models.PluginVersion{
		{PluginID: plugin.ID, Version: "2.0.0", ReleaseDate: &newer, DataCenterCompatible: true, Hidden: true,
			DownloadURL: "https://dl.example.com/a1-2.0.0.jar"},
		{PluginID: plugin.ID, Version: "1.0.0", ReleaseDate: &older, DataCenterCompatible: true, Deprecated: true,
			DownloadURL: "https://dl.example.com/a1-1.0.0.jar"},
	} {
		version := v
		s.Require().NoError(s.plugins.UpsertVersion(s.ctx, &version))
	}

	stage := s.newDownloadStage(models.StageDownloadAll, nil)
	jobID := s.startedJob(models.StageDownloadAll)
	s.Require().NoError(stage.run(s.ctx, jobID))

	job := s.job(jobID)
	s.Equal(models.JobStatusCompleted, job.Status)
	s.Equal(2, job.TotalItems)
	s.Equal(2, job.ProcessedItems)
	s.Equal(2, s.catalog.downloadCount())
}

func (s *DownloadStageSuite) TestRunLatestSkipsCompletedFiles() {
	plugin := s.createPlugin("a1", nil)
	s.addVersion(plugin.ID, "2.0.0", "8.0", "9.99", "https://dl.example.com/a1-2.0.0.jar", time.Hour)

	file, err := s.files.MarkDownloading(s.ctx, plugin.ID, 0, "2.0.0", "https://dl.example.com/a1-2.0.0.jar")
	s.Require().NoError(err)
	s.Require().NoError(s.files.MarkCompleted(s.ctx, file.ID, "/somewhere/a1-2.0.0.jar", "abc", 10))

	stage := s.newDownloadStage(models.StageDownloadLatest, []string{"8.20"})
	jobID := s.startedJob(models.StageDownloadLatest)
	s.Require().NoError(stage.run(s.ctx, jobID))

	job := s.job(jobID)
	s.Equal(models.JobStatusCompleted, job.Status)
	s.Equal(0, job.ProcessedItems)
	s.Equal(0, job.FailedItems)
	s.Equal(0, s.catalog.downloadCount())
}

func (s *DownloadStageSuite) TestMissingDownloadURLMarksSkipped() {
	plugin := s.createPlugin("a1", nil)
	s.addVersion(plugin.ID, "2.0.0", "8.0", "9.99", "", time.Hour)

	stage := s.newDownloadStage(models.StageDownloadLatest, []string{"8.20"})
	jobID := s.startedJob(models.StageDownloadLatest)
	s.Require().NoError(stage.run(s.ctx, jobID))

	job := s.job(jobID)
	s.Equal(models.JobStatusCompleted, job.Status)
	s.Equal(0, job.ProcessedItems)
	s.Equal(1, job.FailedItems)

	file, err := s.files.Get(s.ctx, plugin.ID, "2.0.0")
	s.Require().NoError(err)
	s.Require().NotNil(file)
	s.Equal(models.DownloadStatusSkipped, file.DownloadStatus)
}

func (s *DownloadStageSuite) TestDownloadFailureMarksFailed() {
	plugin := s.createPlugin("a1", nil)
	url := "https://dl.example.com/a1-2.0.0.jar"
	s.addVersion(plugin.ID, "2.0.0", "8.0", "9.99", url, time.Hour)
	s.catalog.downloadErrs[url] = assert.AnError

	stage := s.newDownloadStage(models.StageDownloadLatest, []string{"8.20"})
	jobID := s.startedJob(models.StageDownloadLatest)
	s.Require().NoError(stage.run(s.ctx, jobID))

	job := s.job(jobID)
	// Per-file failures never fail the job
	s.Equal(models.JobStatusCompleted, job.Status)
	s.Equal(0, job.ProcessedItems)
	s.Equal(1, job.FailedItems)

	file, err := s.files.Get(s.ctx, plugin.ID, "2.0.0")
	s.Require().NoError(err)
	s.Require().NotNil(file)
	s.Equal(models.DownloadStatusFailed, file.DownloadStatus)
	s.Equal(assert.AnError.Error(), file.ErrorMessage)
	s.Equal(1, file.DownloadAttempts)
}

func (s *DownloadStageSuite) TestRunAllDownloadsEveryVersion() {
	plugin := s.createPlugin("a1", nil)
	s.addVersion(plugin.ID, "2.0.0", "8.0", "9.99", "https://dl.example.com/a1-2.0.0.jar", time.Hour)
	s.addVersion(plugin.ID, "1.0.0", "8.0", "9.99", "https://dl.example.com/a1-1.0.0.jar", 2*time.Hour)

	stage := s.newDownloadStage(models.StageDownloadAll, nil)
	jobID := s.startedJob(models.StageDownloadAll)
	s.Require().NoError(stage.run(s.ctx, jobID))

	job := s.job(jobID)
	s.Equal(models.JobStatusCompleted, job.Status)
	s.Equal(2, job.TotalItems)
	s.Equal(2, job.ProcessedItems)
	s.Equal(2, s.catalog.downloadCount())
}

func (s *DownloadStageSuite) TestProcessBatchFiltersByBatchNumber() {
	batch := 0
	batched := s.createPlugin("a1", &batch)
	s.addVersion(batched.ID, "1.0.0", "8.0", "9.99", "https://dl.example.com/a1-1.0.0.jar", time.Hour)

	unbatched := s.createPlugin("a2", nil)
	s.addVersion(unbatched.ID, "1.0.0", "8.0", "9.99", "https://dl.example.com/a2-1.0.0.jar", time.Hour)

	stage := s.newDownloadStage(models.StageDownloadLatest, []string{"8.20"})
	s.Require().NoError(stage.ProcessBatch(s.ctx, 0))

	s.Equal(1, s.catalog.downloadCount())

	file, err := s.files.Get(s.ctx, batched.ID, "1.0.0")
	s.Require().NoError(err)
	s.Require().NotNil(file)
	s.Equal(models.DownloadStatusCompleted, file.DownloadStatus)

	file, err = s.files.Get(s.ctx, unbatched.ID, "1.0.0")
	s.Require().NoError(err)
	s.Nil(file)
}

func (s *DownloadStageSuite) TestPauseStopsScheduling() {
	plugin := s.createPlugin("a1", nil)
	s.addVersion(plugin.ID, "2.0.0", "8.0", "9.99", "https://dl.example.com/a1-2.0.0.jar", time.Hour)

	stage := s.newDownloadStage(models.StageDownloadLatest, []string{"8.20"})
	jobID := s.startedJob(models.StageDownloadLatest)
	s.Require().NoError(s.jobs.PauseJob(s.ctx, jobID))

	s.Require().NoError(stage.run(s.ctx, jobID))

	job := s.job(jobID)
	s.Equal(models.JobStatusPaused, job.Status)
	s.Equal(0, s.catalog.downloadCount())
}

package services

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/dcmirror/dcmirror/internal/config"
	"github.com/dcmirror/dcmirror/internal/db/models"
	"github.com/dcmirror/dcmirror/internal/db/repos"
	"github.com/dcmirror/dcmirror/internal/logger"
)

// DownloadStage implements Stage 2 (latest compatible version per target
// product release) and Stage 3 (every known compatible version). The two
// differ only in how they select versions; the download path, the file
// ledger and the job bookkeeping are shared.
type DownloadStage struct {
	stage       models.SyncStage
	product     models.ProductType
	jobs        *JobManager
	client      Catalog
	plugins     *repos.PluginRepository
	files       *repos.PluginFileRepository
	cfg         config.JobConfig
	storageRoot string
	targets     []string
	tasks       *Supervisor
	log         *logrus.Entry
}

// NewDownloadStage creates a download stage. The stage argument selects the
// version policy: DOWNLOAD_LATEST or DOWNLOAD_ALL.
func NewDownloadStage(stage models.SyncStage, product models.ProductType, jobs *JobManager, client Catalog, plugins *repos.PluginRepository, files *repos.PluginFileRepository, cfg config.JobConfig, storageRoot string, targets []string, tasks *Supervisor) *DownloadStage {
	return &DownloadStage{
		stage:       stage,
		product:     product,
		jobs:        jobs,
		client:      client,
		plugins:     plugins,
		files:       files,
		cfg:         cfg,
		storageRoot: storageRoot,
		targets:     targets,
		tasks:       tasks,
		log:         logger.Component("DownloadStage").WithFields(logrus.Fields{"stage": stage, "product": product}),
	}
}

// Start transitions the stage's job to RUNNING and launches the download run
// in the background. It returns ErrAlreadyRunning when the job is active.
func (s *DownloadStage) Start(ctx context.Context) error {
	jobID, err := s.begin(ctx)
	if err != nil {
		return err
	}
	s.launch(jobID)
	return nil
}

// Pause flips the job to PAUSED. No further downloads are scheduled once the
// run loop observes the status; in-flight downloads finish.
func (s *DownloadStage) Pause(ctx context.Context) error {
	job, err := s.jobs.GetJobByStage(ctx, s.stage, s.product)
	if err != nil {
		return err
	}
	if job == nil {
		return ErrNoJob
	}
	return s.jobs.PauseJob(ctx, job.ID)
}

// Resume re-enters the download run. The file ledger makes the run
// idempotent, so resuming simply re-walks the catalog and skips completed
// rows.
func (s *DownloadStage) Resume(ctx context.Context) error {
	job, err := s.jobs.GetJobByStage(ctx, s.stage, s.product)
	if err != nil {
		return err
	}
	if job == nil {
		return ErrNoJob
	}
	if job.Status != models.JobStatusPaused {
		return ErrNotPaused
	}
	if err := s.jobs.ResumeJob(ctx, job.ID); err != nil {
		return err
	}
	s.launch(job.ID)
	return nil
}

// Restart creates a fresh job row with reset counters and starts it
func (s *DownloadStage) Restart(ctx context.Context) error {
	jobID, err := s.jobs.RestartJob(ctx, s.stage, s.product)
	if err != nil {
		return err
	}
	if err := s.jobs.StartJob(ctx, jobID); err != nil {
		return err
	}
	s.launch(jobID)
	return nil
}

// ProcessBatch synchronously downloads the stage's selection for the plugins
// tagged with the given batch number. The batch coordinator drives this; no
// job row is touched, so the coordinator's own job carries the progress.
func (s *DownloadStage) ProcessBatch(ctx context.Context, batch int) error {
	plugins, err := s.plugins.ListWithDownloadableVersions(ctx, s.product, &batch)
	if err != nil {
		return err
	}
	if len(plugins) == 0 {
		return nil
	}

	s.log.WithFields(logrus.Fields{"batch": batch, "plugins": len(plugins)}).Info("Processing download batch")

	pool := newDownloadPool(s.cfg.ConcurrentDownloads)
	for i := range plugins {
		plugin := &plugins[i]
		for _, version := range s.selectVersions(plugin) {
			v := version
			pool.Submit(func() {
				if err := s.downloadVersion(ctx, 0, plugin, v); err != nil {
					s.log.WithFields(logrus.Fields{
						"addonKey": plugin.AddonKey,
						"version":  v.Version,
					}).WithError(err).Error("Batch download failed")
				}
			})
		}
	}
	pool.Close()
	return nil
}

func (s *DownloadStage) begin(ctx context.Context) (uint, error) {
	jobID, err := s.jobs.GetOrCreateJob(ctx, s.stage, s.product)
	if err != nil {
		return 0, err
	}
	job, err := s.jobs.GetJob(ctx, jobID)
	if err != nil {
		return 0, err
	}
	if job.Status == models.JobStatusRunning {
		return 0, ErrAlreadyRunning
	}
	if err := s.jobs.StartJob(ctx, jobID); err != nil {
		return 0, err
	}
	return jobID, nil
}

func (s *DownloadStage) launch(jobID uint) {
	s.tasks.Go(strings.ToLower(string(s.stage)), func() error {
		ctx := context.Background()
		if err := s.run(ctx, jobID); err != nil {
			_ = s.jobs.FailJob(ctx, jobID, err.Error())
			return err
		}
		return nil
	})
}

// run walks every plugin with downloadable versions, schedules the stage's
// selection onto the worker pool and completes the job once the pool drains.
// A pause observed between submissions stops scheduling; whatever is already
// on the pool finishes first.
func (s *DownloadStage) run(ctx context.Context, jobID uint) error {
	if err := s.jobs.Log(ctx, jobID, models.LogInfo,
		fmt.Sprintf("Starting %s with %d concurrent downloads", s.stage, s.cfg.ConcurrentDownloads), nil); err != nil {
		return err
	}

	plugins, err := s.plugins.ListWithDownloadableVersions(ctx, s.product, nil)
	if err != nil {
		return err
	}

	type unit struct {
		plugin  *models.Plugin
		version *models.PluginVersion
	}
	type miss struct {
		addonKey string
		target   string
	}
	var units []unit
	var misses []miss
	for i := range plugins {
		plugin := &plugins[i]
		if s.stage == models.StageDownloadAll {
			for _, version := range s.selectVersions(plugin) {
				units = append(units, unit{plugin: plugin, version: version})
			}
			continue
		}
		// A target with no matching version is a selection miss; two targets
		// resolving to the same version yield one download
		seen := make(map[string]bool, len(s.targets))
		for _, target := range s.targets {
			version := selectLatestCompatible(plugin.Versions, target)
			if version == nil {
				misses = append(misses, miss{addonKey: plugin.AddonKey, target: target})
				continue
			}
			if !seen[version.Version] {
				seen[version.Version] = true
				units = append(units, unit{plugin: plugin, version: version})
			}
		}
	}

	total := s.totalWorkItems(plugins)
	if err := s.jobs.UpdateProgress(ctx, jobID, map[string]interface{}{"total_items": total}); err != nil {
		return err
	}
	if err := s.jobs.Log(ctx, jobID, models.LogInfo,
		fmt.Sprintf("Found %d plugins, %d download candidates", len(plugins), len(units)),
		map[string]interface{}{"plugins": len(plugins), "candidates": len(units)}); err != nil {
		return err
	}

	// Each selection miss is logged and counted up front; no download task
	// exists for it
	for _, m := range misses {
		if err := s.jobs.Log(ctx, jobID, models.LogWarn,
			fmt.Sprintf("No compatible version found for %s (target %s)", m.addonKey, m.target),
			map[string]interface{}{"addonKey": m.addonKey, "target": m.target}); err != nil {
			return err
		}
		if err := s.jobs.IncrementFailed(ctx, jobID); err != nil {
			return err
		}
	}

	pool := newDownloadPool(s.cfg.ConcurrentDownloads)
	stopped := false
	for i, u := range units {
		stop, err := s.jobs.ShouldStop(ctx, jobID)
		if err != nil {
			pool.Close()
			return err
		}
		if stop {
			stopped = true
			break
		}

		if i%s.cfg.ChunkSize == 0 {
			if err := s.jobs.AddProgress(ctx, jobID, "Downloading",
				fmt.Sprintf("Scheduling downloads %d of %d", i, len(units)),
				u.plugin.AddonKey, i, len(units)); err != nil {
				pool.Close()
				return err
			}
		}

		plugin, version := u.plugin, u.version
		pool.Submit(func() {
			if err := s.downloadVersion(ctx, jobID, plugin, version); err != nil {
				_ = s.jobs.Log(ctx, jobID, models.LogError,
					fmt.Sprintf("Download failed for %s %s: %v", plugin.AddonKey, version.Version, err),
					map[string]interface{}{"addonKey": plugin.AddonKey, "version": version.Version})
			}
		})
	}
	pool.Close()

	if stopped {
		return s.jobs.Log(ctx, jobID, models.LogInfo, "Job stopped by user, in-flight downloads drained", nil)
	}
	return s.jobs.CompleteJob(ctx, jobID)
}

// selectVersions applies the stage's version policy to one plugin. Versions
// arrive newest first from the repository.
func (s *DownloadStage) selectVersions(plugin *models.Plugin) []*models.PluginVersion {
	if s.stage == models.StageDownloadAll {
		out := make([]*models.PluginVersion, 0, len(plugin.Versions))
		seen := make(map[string]bool, len(plugin.Versions))
		for i := range plugin.Versions {
			v := &plugin.Versions[i]
			if !seen[v.Version] {
				seen[v.Version] = true
				out = append(out, v)
			}
		}
		return out
	}

	var out []*models.PluginVersion
	seen := make(map[string]bool, len(s.targets))
	for _, target := range s.targets {
		v := selectLatestCompatible(plugin.Versions, target)
		if v == nil {
			continue
		}
		if !seen[v.Version] {
			seen[v.Version] = true
			out = append(out, v)
		}
	}
	return out
}

// totalWorkItems is the job's totalItems denominator: plugin-target pairs for
// Stage 2, plugin-version pairs for Stage 3.
func (s *DownloadStage) totalWorkItems(plugins []models.Plugin) int {
	if s.stage == models.StageDownloadAll {
		total := 0
		for i := range plugins {
			total += len(plugins[i].Versions)
		}
		return total
	}
	return len(plugins) * len(s.targets)
}

// downloadVersion performs one download attempt through the file ledger.
// Completed rows are skipped without touching counters. A jobID of zero means
// the caller tracks progress itself (batch mode).
func (s *DownloadStage) downloadVersion(ctx context.Context, jobID uint, plugin *models.Plugin, version *models.PluginVersion) error {
	existing, err := s.files.Get(ctx, plugin.ID, version.Version)
	if err != nil {
		return err
	}
	if existing != nil && existing.DownloadStatus == models.DownloadStatusCompleted {
		s.log.WithFields(logrus.Fields{
			"addonKey": plugin.AddonKey,
			"version":  version.Version,
		}).Debug("Already downloaded, skipping")
		return nil
	}

	if version.DownloadURL == "" {
		if err := s.files.MarkSkipped(ctx, plugin.ID, version.ID, version.Version, "no download URL available"); err != nil {
			return err
		}
		if jobID != 0 {
			if err := s.jobs.IncrementFailed(ctx, jobID); err != nil {
				return err
			}
		}
		return nil
	}

	file, err := s.files.MarkDownloading(ctx, plugin.ID, version.ID, version.Version, version.DownloadURL)
	if err != nil {
		return err
	}

	destPath := filepath.Join(s.storageRoot, plugin.AddonKey, artifactFileName(plugin.AddonKey, version.Version))
	if err := s.client.DownloadFile(ctx, version.DownloadURL, destPath); err != nil {
		return s.recordFailure(ctx, jobID, plugin, version, err)
	}

	checksum, size, err := checksumFile(destPath)
	if err != nil {
		return s.recordFailure(ctx, jobID, plugin, version, err)
	}

	if err := s.files.MarkCompleted(ctx, file.ID, destPath, checksum, size); err != nil {
		return err
	}
	if jobID != 0 {
		if err := s.jobs.IncrementProcessed(ctx, jobID); err != nil {
			return err
		}
	}
	return nil
}

func (s *DownloadStage) recordFailure(ctx context.Context, jobID uint, plugin *models.Plugin, version *models.PluginVersion, cause error) error {
	if err := s.files.MarkFailed(ctx, plugin.ID, version.Version, cause.Error()); err != nil {
		return err
	}
	if jobID != 0 {
		if err := s.jobs.IncrementFailed(ctx, jobID); err != nil {
			return err
		}
	}
	return cause
}

// selectLatestCompatible returns the newest visible, non-deprecated version
// whose compatibility window contains the target product release, or nil when
// none does. Versions without any declared bounds are never matched.
func selectLatestCompatible(versions []models.PluginVersion, target string) *models.PluginVersion {
	targetMajor, targetMinor, ok := parseVersionPair(target)
	if !ok {
		return nil
	}

	for i := range versions {
		v := &versions[i]
		if v.Hidden || v.Deprecated {
			continue
		}
		if v.ProductVersionMin == "" && v.ProductVersionMax == "" {
			continue
		}

		minMajor, minMinor := 0, 0
		if v.ProductVersionMin != "" {
			if mj, mn, ok := parseVersionPair(v.ProductVersionMin); ok {
				minMajor, minMinor = mj, mn
			}
		}
		maxMajor, maxMinor := 999, 999
		if v.ProductVersionMax != "" {
			if mj, mn, ok := parseVersionPair(v.ProductVersionMax); ok {
				maxMajor, maxMinor = mj, mn
			}
		}

		if versionLess(targetMajor, targetMinor, minMajor, minMinor) {
			continue
		}
		if versionLess(maxMajor, maxMinor, targetMajor, targetMinor) {
			continue
		}
		return v
	}
	return nil
}

// parseVersionPair extracts the major.minor prefix of a version string
func parseVersionPair(s string) (major, minor int, ok bool) {
	parts := strings.Split(strings.TrimSpace(s), ".")
	if len(parts) == 0 || parts[0] == "" {
		return 0, 0, false
	}
	major, err := strconv.Atoi(parts[0])
	if err != nil {
		return 0, 0, false
	}
	if len(parts) > 1 {
		// Trailing qualifiers like "9.12.0-beta" only lose precision past
		// the minor component
		if mn, err := strconv.Atoi(parts[1]); err == nil {
			minor = mn
		}
	}
	return major, minor, true
}

func versionLess(aMajor, aMinor, bMajor, bMinor int) bool {
	if aMajor != bMajor {
		return aMajor < bMajor
	}
	return aMinor < bMinor
}

// checksumFile streams the file through SHA-256 and reports its size
func checksumFile(path string) (string, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, err
	}
	defer func() { _ = f.Close() }()

	h := sha256.New()
	size, err := io.Copy(h, f)
	if err != nil {
		return "", 0, err
	}
	return hex.EncodeToString(h.Sum(nil)), size, nil
}

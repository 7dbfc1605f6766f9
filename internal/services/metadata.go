package services

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/dcmirror/dcmirror/internal/config"
	"github.com/dcmirror/dcmirror/internal/db/models"
	"github.com/dcmirror/dcmirror/internal/db/repos"
	"github.com/dcmirror/dcmirror/internal/logger"
	"github.com/dcmirror/dcmirror/internal/marketplace"
)

// Starter is the surface a completed stage uses to auto-start its successor
type Starter interface {
	Start(ctx context.Context) error
}

// MetadataStage is Stage 1: the resumable crawl of the full addon catalog.
// It retries previously failed addons first, then walks the catalog forward
// from the persisted offset, upserting plugin and version metadata and
// pausing itself when the error-rate circuit breaker trips.
type MetadataStage struct {
	product models.ProductType
	jobs    *JobManager
	client  Catalog
	plugins *repos.PluginRepository
	cfg     config.JobConfig
	tasks   *Supervisor
	log     *logrus.Entry

	// next is auto-started a fixed delay after the crawl completes
	next Starter

	mu        sync.Mutex
	autoStart *time.Timer
}

// NewMetadataStage creates the metadata ingestion stage for one product family
func NewMetadataStage(product models.ProductType, jobs *JobManager, client Catalog, plugins *repos.PluginRepository, cfg config.JobConfig, tasks *Supervisor) *MetadataStage {
	return &MetadataStage{
		product: product,
		jobs:    jobs,
		client:  client,
		plugins: plugins,
		cfg:     cfg,
		tasks:   tasks,
		log:     logger.Component("MetadataStage").WithField("product", product),
	}
}

// SetNext wires the stage auto-started after completion (Stage 2)
func (s *MetadataStage) SetNext(next Starter) {
	s.next = next
}

// Start transitions the stage's job to RUNNING and launches the crawl in the
// background. It returns ErrAlreadyRunning when the job is active.
func (s *MetadataStage) Start(ctx context.Context) error {
	jobID, err := s.begin(ctx)
	if err != nil {
		return err
	}
	s.launch(jobID)
	return nil
}

// Pause flips the job to PAUSED; the crawl loop exits at its next checkpoint
func (s *MetadataStage) Pause(ctx context.Context) error {
	job, err := s.jobs.GetJobByStage(ctx, models.StageMetadataIngestion, s.product)
	if err != nil {
		return err
	}
	if job == nil {
		return ErrNoJob
	}
	return s.jobs.PauseJob(ctx, job.ID)
}

// Resume re-enters the crawl loop from the persisted cursor state
func (s *MetadataStage) Resume(ctx context.Context) error {
	job, err := s.jobs.GetJobByStage(ctx, models.StageMetadataIngestion, s.product)
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

// Restart creates a fresh job row (offset, counters and retry set reset) and
// starts it. Illegal while the current job is RUNNING.
func (s *MetadataStage) Restart(ctx context.Context) error {
	jobID, err := s.jobs.RestartJob(ctx, models.StageMetadataIngestion, s.product)
	if err != nil {
		return err
	}
	if err := s.jobs.StartJob(ctx, jobID); err != nil {
		return err
	}
	s.launch(jobID)
	return nil
}

// ResyncPlugin refreshes a single addon out-of-band, reusing the stage's
// addon-processing logic against one key.
func (s *MetadataStage) ResyncPlugin(ctx context.Context, addonKey string) error {
	s.log.WithField("addonKey", addonKey).Info("Starting plugin resync")

	addon, err := s.client.FetchAddon(ctx, addonKey)
	if err != nil {
		return err
	}
	if addon == nil {
		return fmt.Errorf("%w: %s", ErrAddonNotFound, addonKey)
	}

	jobID, err := s.jobs.GetOrCreateJob(ctx, models.StageMetadataIngestion, s.product)
	if err != nil {
		return err
	}
	if err := s.ingestAddon(ctx, jobID, addon, nil); err != nil {
		return fmt.Errorf("failed to resync %s: %w", addonKey, err)
	}
	s.log.WithField("addonKey", addonKey).Info("Plugin resync completed")
	return nil
}

// CancelAutoStart cancels a pending deferred start of the next stage
func (s *MetadataStage) CancelAutoStart() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.autoStart != nil {
		s.autoStart.Stop()
		s.autoStart = nil
		s.log.Info("Auto-start of next stage cancelled")
	}
}

func (s *MetadataStage) begin(ctx context.Context) (uint, error) {
	jobID, err := s.jobs.GetOrCreateJob(ctx, models.StageMetadataIngestion, s.product)
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

func (s *MetadataStage) launch(jobID uint) {
	s.tasks.Go("metadata-ingestion", func() error {
		ctx := context.Background()
		if err := s.run(ctx, jobID); err != nil {
			_ = s.jobs.FailJob(ctx, jobID, err.Error())
			return err
		}
		return nil
	})
}

// run drives the crawl until completion, pause or a fatal error. Transient
// per-addon failures are absorbed into the job's failure counters; only
// systemic errors (e.g. the database going away) propagate.
func (s *MetadataStage) run(ctx context.Context, jobID uint) error {
	if err := s.jobs.Log(ctx, jobID, models.LogInfo, "Starting metadata ingestion", nil); err != nil {
		return err
	}

	stopped, err := s.retryFailedPlugins(ctx, jobID)
	if err != nil || stopped {
		return err
	}

	job, err := s.jobs.GetJob(ctx, jobID)
	if err != nil {
		return err
	}

	offset := job.CurrentOffset
	limit := s.cfg.ChunkSize
	totalPlugins := job.TotalItems

	for {
		stop, err := s.jobs.ShouldStop(ctx, jobID)
		if err != nil {
			return err
		}
		if stop {
			return s.jobs.Log(ctx, jobID, models.LogInfo, "Job stopped by user", nil)
		}

		page, err := s.client.FetchAddons(ctx, limit, offset)
		if err != nil {
			if logErr := s.jobs.Log(ctx, jobID, models.LogError,
				fmt.Sprintf("Error fetching addons at offset %d: %v", offset, err),
				map[string]interface{}{"offset": offset}); logErr != nil {
				return logErr
			}
			if err := s.jobs.IncrementFailed(ctx, jobID); err != nil {
				return err
			}
			tripped, err := s.checkErrorThreshold(ctx, jobID)
			if err != nil {
				return err
			}
			if tripped {
				return nil
			}
			continue
		}

		addons := page.Embedded.Addons
		if len(addons) == 0 {
			break
		}

		if total := page.Total(); total > 0 && total != totalPlugins {
			totalPlugins = total
			if err := s.jobs.UpdateProgress(ctx, jobID, map[string]interface{}{"total_items": total}); err != nil {
				return err
			}
		}

		if err := s.jobs.AddProgress(ctx, jobID, "Fetching addons",
			fmt.Sprintf("Fetching addons at offset %d of %d", offset, totalPlugins),
			"", offset, totalPlugins); err != nil {
			return err
		}

		for i := range addons {
			stop, err := s.jobs.ShouldStop(ctx, jobID)
			if err != nil {
				return err
			}
			if stop {
				return s.jobs.Log(ctx, jobID, models.LogInfo, "Job stopped by user", nil)
			}

			addon := &addons[i]
			skip, err := s.isAlreadyProcessed(ctx, jobID, addon.Key)
			if err != nil {
				return err
			}
			if skip {
				// Already counted when first processed in this run
				if err := s.jobs.Log(ctx, jobID, models.LogDebug,
					"Skipping already processed plugin: "+addon.Key,
					map[string]interface{}{"addonKey": addon.Key}); err != nil {
					return err
				}
			} else if err := s.processAddon(ctx, jobID, addon, nil); err != nil {
				return err
			}

			tripped, err := s.checkErrorThreshold(ctx, jobID)
			if err != nil {
				return err
			}
			if tripped {
				return nil
			}
		}

		offset += len(addons)
		if err := s.jobs.UpdateProgress(ctx, jobID, map[string]interface{}{"current_offset": offset}); err != nil {
			return err
		}

		if len(addons) < limit {
			break
		}
	}

	if err := s.jobs.CompleteJob(ctx, jobID); err != nil {
		return err
	}
	s.scheduleAutoStart(ctx, jobID)
	return nil
}

// retryFailedPlugins re-attempts every addon key in the job's retry set,
// oldest first, before the forward crawl resumes.
func (s *MetadataStage) retryFailedPlugins(ctx context.Context, jobID uint) (stopped bool, err error) {
	keys, err := s.jobs.FailedPluginKeys(ctx, jobID)
	if err != nil {
		return false, err
	}
	if len(keys) == 0 {
		return false, nil
	}

	if err := s.jobs.Log(ctx, jobID, models.LogInfo,
		fmt.Sprintf("Retrying %d failed plugins from previous run", len(keys)),
		map[string]interface{}{"count": len(keys)}); err != nil {
		return false, err
	}

	for _, key := range keys {
		stop, err := s.jobs.ShouldStop(ctx, jobID)
		if err != nil {
			return false, err
		}
		if stop {
			return true, s.jobs.Log(ctx, jobID, models.LogInfo, "Job stopped by user", nil)
		}

		addon, err := s.client.FetchAddon(ctx, key)
		if err != nil {
			return false, err
		}
		if addon == nil {
			if err := s.jobs.Log(ctx, jobID, models.LogWarn,
				fmt.Sprintf("Failed plugin %s not found in marketplace, removing from retry list", key),
				map[string]interface{}{"addonKey": key}); err != nil {
				return false, err
			}
			if err := s.jobs.RemoveFailedPluginKey(ctx, jobID, key); err != nil {
				return false, err
			}
		} else if err := s.processAddon(ctx, jobID, addon, nil); err != nil {
			return false, err
		}

		tripped, err := s.checkErrorThreshold(ctx, jobID)
		if err != nil {
			return false, err
		}
		if tripped {
			return true, nil
		}
	}
	return false, nil
}

// processAddon ingests one addon and records the outcome on the job: success
// resets the consecutive-error counter and clears the retry marker, failure
// increments the failure counters and adds the key to the retry set.
func (s *MetadataStage) processAddon(ctx context.Context, jobID uint, addon *marketplace.Addon, batch *int) error {
	if err := s.ingestAddon(ctx, jobID, addon, batch); err != nil {
		if logErr := s.jobs.Log(ctx, jobID, models.LogError,
			fmt.Sprintf("Error processing addon %s: %v", addon.Key, err),
			map[string]interface{}{"addonKey": addon.Key}); logErr != nil {
			return logErr
		}
		if err := s.jobs.IncrementFailed(ctx, jobID); err != nil {
			return err
		}
		return s.jobs.AddFailedPluginKey(ctx, jobID, addon.Key)
	}

	if err := s.jobs.IncrementProcessed(ctx, jobID); err != nil {
		return err
	}
	if err := s.jobs.ResetConsecutiveErrors(ctx, jobID); err != nil {
		return err
	}
	return s.jobs.RemoveFailedPluginKey(ctx, jobID, addon.Key)
}

// ingestAddon upserts the plugin row and its Data-Center-compatible versions.
// Version-level failures are logged and skipped; only the plugin upsert and
// version listing are load-bearing for the addon's success.
func (s *MetadataStage) ingestAddon(ctx context.Context, jobID uint, addon *marketplace.Addon, batch *int) error {
	plugin, err := s.plugins.Upsert(ctx, &models.Plugin{
		AddonKey:       addon.Key,
		ProductType:    s.product,
		AppID:          addon.AppID(),
		Name:           addon.Name,
		Vendor:         addon.VendorName(),
		Summary:        addon.Summary,
		MarketplaceURL: addon.MarketplaceURL(s.client.BaseURL()),
		BatchNumber:    batch,
	})
	if err != nil {
		return err
	}

	versions, err := s.client.FetchAddonVersions(ctx, addon.Key, s.cfg.MaxVersionsPerAddon)
	if err != nil {
		return s.jobs.Log(ctx, jobID, models.LogWarn,
			fmt.Sprintf("Failed to fetch versions for %s: %v", addon.Key, err),
			map[string]interface{}{"addonKey": addon.Key})
	}

	for i := range versions {
		version := &versions[i]
		resolved := version
		if build, ok := version.BuildNumber(); ok {
			detail, err := s.client.FetchVersionDetails(ctx, addon.Key, build)
			if err != nil {
				return err
			}
			if detail != nil {
				resolved = detail
			}
		}
		if err := s.processVersion(ctx, plugin.ID, resolved); err != nil {
			if logErr := s.jobs.Log(ctx, jobID, models.LogWarn,
				fmt.Sprintf("Failed to process version %s for %s: %v", version.Name, addon.Key, err),
				map[string]interface{}{"addonKey": addon.Key, "version": version.Name}); logErr != nil {
				return logErr
			}
		}
	}
	return nil
}

// processVersion persists one version when the upstream marks it Data-Center
// deployable. The compatibility window comes from the entry matching the
// stage's product family; absence of both bounds means "all versions".
func (s *MetadataStage) processVersion(ctx context.Context, pluginID uint, version *marketplace.Version) error {
	if !version.DataCenterCompatible() {
		return nil
	}

	minVersion, maxVersion := version.CompatibilityWindow(s.product.Application())
	return s.plugins.UpsertVersion(ctx, &models.PluginVersion{
		PluginID:             pluginID,
		Version:              version.Name,
		ReleaseDate:          version.ReleaseDate(),
		ProductVersionMin:    minVersion,
		ProductVersionMax:    maxVersion,
		DataCenterCompatible: true,
		DownloadURL:          version.BinaryURL(),
		Changelog:            version.ReleaseSummary(),
		ChangelogURL:         version.ChangelogURL(s.client.BaseURL()),
		ReleaseNotes:         version.ReleaseNotes(),
		Hidden:               version.Hidden(),
		Deprecated:           version.Deprecated(),
	})
}

// isAlreadyProcessed skips addons updated after the job started, except for
// addons in the retry set, which are never skipped.
func (s *MetadataStage) isAlreadyProcessed(ctx context.Context, jobID uint, addonKey string) (bool, error) {
	job, err := s.jobs.GetJob(ctx, jobID)
	if err != nil {
		return false, err
	}
	if job.StartedAt == nil {
		return false, nil
	}
	if job.FailedPluginKeys.Contains(addonKey) {
		return false, nil
	}

	plugin, err := s.plugins.GetByKey(ctx, addonKey, s.product)
	if err != nil {
		return false, err
	}
	if plugin == nil {
		return false, nil
	}
	return plugin.UpdatedAt.After(*job.StartedAt), nil
}

// checkErrorThreshold evaluates both circuit-breaker conditions and pauses
// the job when either trips.
func (s *MetadataStage) checkErrorThreshold(ctx context.Context, jobID uint) (bool, error) {
	job, err := s.jobs.GetJob(ctx, jobID)
	if err != nil {
		return false, err
	}

	threshold := s.cfg.ErrorThreshold
	if job.ConsecutiveErrors >= threshold.ConsecutiveErrors {
		if err := s.jobs.Log(ctx, jobID, models.LogError,
			fmt.Sprintf("Too many consecutive errors (%d). Pausing sync to prevent API rate limiting or cascading failures.", job.ConsecutiveErrors),
			map[string]interface{}{"consecutiveErrors": job.ConsecutiveErrors, "threshold": threshold.ConsecutiveErrors}); err != nil {
			return false, err
		}
		return true, s.jobs.PauseJob(ctx, jobID)
	}

	totalAttempts := job.ProcessedItems + job.FailedItems
	if totalAttempts >= threshold.MinItemsForRateCheck {
		errorRate := float64(job.FailedItems) / float64(totalAttempts)
		if errorRate >= threshold.ErrorRate {
			if err := s.jobs.Log(ctx, jobID, models.LogError,
				fmt.Sprintf("Error rate too high (%.1f%%). Pausing sync.", errorRate*100),
				map[string]interface{}{"errorRate": errorRate, "threshold": threshold.ErrorRate, "failedItems": job.FailedItems, "totalAttempts": totalAttempts}); err != nil {
				return false, err
			}
			return true, s.jobs.PauseJob(ctx, jobID)
		}
	}
	return false, nil
}

func (s *MetadataStage) scheduleAutoStart(ctx context.Context, jobID uint) {
	if s.next == nil {
		return
	}

	_ = s.jobs.Log(ctx, jobID, models.LogInfo,
		fmt.Sprintf("Stage 1 completed. Starting Stage 2 in %s. Call cancel-auto-start to prevent this.", s.cfg.AutoStartDelay),
		nil)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.autoStart != nil {
		s.autoStart.Stop()
	}
	s.autoStart = time.AfterFunc(s.cfg.AutoStartDelay, func() {
		s.tasks.Go("auto-start-download-latest", func() error {
			bg := context.Background()
			_ = s.jobs.Log(bg, jobID, models.LogInfo, "Auto-starting Stage 2 (download latest versions)", nil)
			if err := s.next.Start(bg); err != nil {
				_ = s.jobs.Log(bg, jobID, models.LogError, "Failed to auto-start Stage 2: "+err.Error(), nil)
				return err
			}
			return nil
		})
	})
}

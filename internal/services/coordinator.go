package services

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/dcmirror/dcmirror/internal/config"
	"github.com/dcmirror/dcmirror/internal/db/models"
	"github.com/dcmirror/dcmirror/internal/logger"
)

// BatchCoordinator interleaves the three stages over small slices of the
// catalog: ingest one chunk of addons, immediately download that chunk's
// artifacts, then move to the next chunk. It drives the same METADATA_INGESTION
// job row as the full crawl, using currentBatch as its cursor, so batch mode
// and full-crawl mode are mutually exclusive per product.
type BatchCoordinator struct {
	product  models.ProductType
	jobs     *JobManager
	client   Catalog
	metadata *MetadataStage
	latest   *DownloadStage
	all      *DownloadStage
	cfg      config.JobConfig
	tasks    *Supervisor
	log      *logrus.Entry
}

// NewBatchCoordinator creates a batch coordinator for one product family
func NewBatchCoordinator(product models.ProductType, jobs *JobManager, client Catalog, metadata *MetadataStage, latest, all *DownloadStage, cfg config.JobConfig, tasks *Supervisor) *BatchCoordinator {
	return &BatchCoordinator{
		product:  product,
		jobs:     jobs,
		client:   client,
		metadata: metadata,
		latest:   latest,
		all:      all,
		cfg:      cfg,
		tasks:    tasks,
		log:      logger.Component("BatchCoordinator").WithField("product", product),
	}
}

// Start begins batched processing from the persisted batch cursor
func (c *BatchCoordinator) Start(ctx context.Context) error {
	jobID, err := c.jobs.GetOrCreateJob(ctx, models.StageMetadataIngestion, c.product)
	if err != nil {
		return err
	}
	job, err := c.jobs.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status == models.JobStatusRunning {
		return ErrAlreadyRunning
	}
	if err := c.jobs.StartJob(ctx, jobID); err != nil {
		return err
	}
	c.launch(jobID)
	return nil
}

// ContinueNextBatch resumes a paused batch run for one more batch (or all
// remaining batches when auto-continue is on).
func (c *BatchCoordinator) ContinueNextBatch(ctx context.Context) error {
	job, err := c.jobs.GetJobByStage(ctx, models.StageMetadataIngestion, c.product)
	if err != nil {
		return err
	}
	if job == nil {
		return ErrNoJob
	}
	if job.Status != models.JobStatusPaused {
		return ErrNotPaused
	}
	if err := c.jobs.ResumeJob(ctx, job.ID); err != nil {
		return err
	}
	c.launch(job.ID)
	return nil
}

func (c *BatchCoordinator) launch(jobID uint) {
	c.tasks.Go("batch-coordinator", func() error {
		ctx := context.Background()
		if err := c.run(ctx, jobID); err != nil {
			_ = c.jobs.FailJob(ctx, jobID, err.Error())
			return err
		}
		return nil
	})
}

func (c *BatchCoordinator) run(ctx context.Context, jobID uint) error {
	for {
		job, err := c.jobs.GetJob(ctx, jobID)
		if err != nil {
			return err
		}
		batch := job.CurrentBatch

		done, err := c.processBatch(ctx, jobID, batch)
		if err != nil {
			return err
		}
		if done {
			return c.jobs.CompleteJob(ctx, jobID)
		}

		err = c.jobs.UpdateProgress(ctx, jobID, map[string]interface{}{
			"current_batch":  batch + 1,
			"current_offset": (batch + 1) * c.cfg.ChunkSize,
		})
		if err != nil {
			return err
		}

		if !c.cfg.AutoContinue {
			if err := c.jobs.Log(ctx, jobID, models.LogInfo,
				fmt.Sprintf("Batch %d completed. Call batch/continue to process batch %d.", batch, batch+1),
				map[string]interface{}{"batch": batch}); err != nil {
				return err
			}
			return c.jobs.PauseJob(ctx, jobID)
		}

		time.Sleep(c.cfg.BatchContinueDelay)
		stop, err := c.jobs.ShouldStop(ctx, jobID)
		if err != nil {
			return err
		}
		if stop {
			return c.jobs.Log(ctx, jobID, models.LogInfo, "Batch run stopped by user", nil)
		}
	}
}

// processBatch ingests the addon slice for one batch and downloads its
// artifacts. It reports done when the catalog is exhausted.
func (c *BatchCoordinator) processBatch(ctx context.Context, jobID uint, batch int) (done bool, err error) {
	offset := batch * c.cfg.ChunkSize

	if err := c.jobs.Log(ctx, jobID, models.LogInfo,
		fmt.Sprintf("Processing batch %d (offset %d)", batch, offset),
		map[string]interface{}{"batch": batch, "offset": offset}); err != nil {
		return false, err
	}

	page, err := c.client.FetchAddons(ctx, c.cfg.ChunkSize, offset)
	if err != nil {
		return false, err
	}
	addons := page.Embedded.Addons
	if len(addons) == 0 {
		if err := c.jobs.Log(ctx, jobID, models.LogInfo,
			fmt.Sprintf("No addons at offset %d, batch run complete", offset), nil); err != nil {
			return false, err
		}
		return true, nil
	}

	if total := page.Total(); total > 0 {
		if err := c.jobs.UpdateProgress(ctx, jobID, map[string]interface{}{"total_items": total}); err != nil {
			return false, err
		}
	}

	for i := range addons {
		stop, err := c.jobs.ShouldStop(ctx, jobID)
		if err != nil {
			return false, err
		}
		if stop {
			return false, c.jobs.Log(ctx, jobID, models.LogInfo, "Batch run stopped by user", nil)
		}
		if err := c.metadata.processAddon(ctx, jobID, &addons[i], &batch); err != nil {
			return false, err
		}
	}

	if err := c.jobs.AddProgress(ctx, jobID, "Batch downloads",
		fmt.Sprintf("Downloading artifacts for batch %d", batch),
		"", offset+len(addons), page.Total()); err != nil {
		return false, err
	}

	if err := c.latest.ProcessBatch(ctx, batch); err != nil {
		return false, err
	}
	if err := c.all.ProcessBatch(ctx, batch); err != nil {
		return false, err
	}

	// A short page means the catalog ends inside this batch
	return len(addons) < c.cfg.ChunkSize, nil
}

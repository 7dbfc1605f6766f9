package handlers

import (
	"strconv"

	"github.com/gofiber/fiber/v2"

	"github.com/dcmirror/dcmirror/internal/db/models"
	"github.com/dcmirror/dcmirror/internal/services"
)

// SyncHandler exposes the sync pipeline control surface
type SyncHandler struct {
	*APIHandler
}

// NewSyncHandler creates a new SyncHandler instance
func NewSyncHandler(api *APIHandler) *SyncHandler {
	return &SyncHandler{APIHandler: api}
}

// StartMetadata starts the metadata ingestion crawl
func (h *SyncHandler) StartMetadata(c *fiber.Ctx) error {
	set, product, err := h.set(c)
	if err != nil {
		return respondError(c, fiber.StatusBadRequest, err.Error())
	}
	if err := set.Metadata.Start(c.Context()); err != nil {
		return respondServiceError(c, err)
	}
	return respondOK(c, fiber.Map{"message": "Metadata ingestion started", "product": product})
}

// PauseMetadata pauses the metadata ingestion crawl
func (h *SyncHandler) PauseMetadata(c *fiber.Ctx) error {
	set, product, err := h.set(c)
	if err != nil {
		return respondError(c, fiber.StatusBadRequest, err.Error())
	}
	if err := set.Metadata.Pause(c.Context()); err != nil {
		return respondServiceError(c, err)
	}
	return respondOK(c, fiber.Map{"message": "Metadata ingestion paused", "product": product})
}

// ResumeMetadata resumes a paused metadata ingestion crawl
func (h *SyncHandler) ResumeMetadata(c *fiber.Ctx) error {
	set, product, err := h.set(c)
	if err != nil {
		return respondError(c, fiber.StatusBadRequest, err.Error())
	}
	if err := set.Metadata.Resume(c.Context()); err != nil {
		return respondServiceError(c, err)
	}
	return respondOK(c, fiber.Map{"message": "Metadata ingestion resumed", "product": product})
}

// RestartMetadata restarts the metadata ingestion crawl from scratch
func (h *SyncHandler) RestartMetadata(c *fiber.Ctx) error {
	set, product, err := h.set(c)
	if err != nil {
		return respondError(c, fiber.StatusBadRequest, err.Error())
	}
	if err := set.Metadata.Restart(c.Context()); err != nil {
		return respondServiceError(c, err)
	}
	return respondOK(c, fiber.Map{"message": "Metadata ingestion restarted with fresh state", "product": product})
}

// CancelAutoStart cancels the pending auto-start of the download stage
func (h *SyncHandler) CancelAutoStart(c *fiber.Ctx) error {
	set, product, err := h.set(c)
	if err != nil {
		return respondError(c, fiber.StatusBadRequest, err.Error())
	}
	set.Metadata.CancelAutoStart()
	return respondOK(c, fiber.Map{"message": "Auto-start cancelled", "product": product})
}

// StartBatch starts interleaved batch processing
func (h *SyncHandler) StartBatch(c *fiber.Ctx) error {
	set, product, err := h.set(c)
	if err != nil {
		return respondError(c, fiber.StatusBadRequest, err.Error())
	}
	if err := set.Coordinator.Start(c.Context()); err != nil {
		return respondServiceError(c, err)
	}
	return respondOK(c, fiber.Map{"message": "Batch processing started", "product": product})
}

// ContinueBatch processes the next batch of a paused batch run
func (h *SyncHandler) ContinueBatch(c *fiber.Ctx) error {
	set, product, err := h.set(c)
	if err != nil {
		return respondError(c, fiber.StatusBadRequest, err.Error())
	}
	if err := set.Coordinator.ContinueNextBatch(c.Context()); err != nil {
		return respondServiceError(c, err)
	}
	return respondOK(c, fiber.Map{"message": "Continuing with next batch", "product": product})
}

// download resolves the stage-specific service for a download route
func (h *SyncHandler) download(set *services.SyncSet, stage models.SyncStage) *services.DownloadStage {
	if stage == models.StageDownloadAll {
		return set.DownloadAll
	}
	return set.DownloadLatest
}

// StartDownload starts a download stage
func (h *SyncHandler) StartDownload(stage models.SyncStage) fiber.Handler {
	return func(c *fiber.Ctx) error {
		set, product, err := h.set(c)
		if err != nil {
			return respondError(c, fiber.StatusBadRequest, err.Error())
		}
		if err := h.download(set, stage).Start(c.Context()); err != nil {
			return respondServiceError(c, err)
		}
		return respondOK(c, fiber.Map{"message": "Download started", "stage": stage, "product": product})
	}
}

// PauseDownload pauses a download stage
func (h *SyncHandler) PauseDownload(stage models.SyncStage) fiber.Handler {
	return func(c *fiber.Ctx) error {
		set, product, err := h.set(c)
		if err != nil {
			return respondError(c, fiber.StatusBadRequest, err.Error())
		}
		if err := h.download(set, stage).Pause(c.Context()); err != nil {
			return respondServiceError(c, err)
		}
		return respondOK(c, fiber.Map{"message": "Download paused", "stage": stage, "product": product})
	}
}

// ResumeDownload resumes a paused download stage
func (h *SyncHandler) ResumeDownload(stage models.SyncStage) fiber.Handler {
	return func(c *fiber.Ctx) error {
		set, product, err := h.set(c)
		if err != nil {
			return respondError(c, fiber.StatusBadRequest, err.Error())
		}
		if err := h.download(set, stage).Resume(c.Context()); err != nil {
			return respondServiceError(c, err)
		}
		return respondOK(c, fiber.Map{"message": "Download resumed", "stage": stage, "product": product})
	}
}

// RestartDownload restarts a download stage with fresh counters
func (h *SyncHandler) RestartDownload(stage models.SyncStage) fiber.Handler {
	return func(c *fiber.Ctx) error {
		set, product, err := h.set(c)
		if err != nil {
			return respondError(c, fiber.StatusBadRequest, err.Error())
		}
		if err := h.download(set, stage).Restart(c.Context()); err != nil {
			return respondServiceError(c, err)
		}
		return respondOK(c, fiber.Map{"message": "Download restarted", "stage": stage, "product": product})
	}
}

// ProcessDownloadBatch synchronously downloads one batch for a stage
func (h *SyncHandler) ProcessDownloadBatch(stage models.SyncStage) fiber.Handler {
	return func(c *fiber.Ctx) error {
		set, product, err := h.set(c)
		if err != nil {
			return respondError(c, fiber.StatusBadRequest, err.Error())
		}
		batch, err := strconv.Atoi(c.Params("batch"))
		if err != nil || batch < 0 {
			return respondError(c, fiber.StatusBadRequest, ErrMsgInvalidBatchNumber)
		}
		if err := h.download(set, stage).ProcessBatch(c.Context(), batch); err != nil {
			return respondServiceError(c, err)
		}
		return respondOK(c, fiber.Map{"message": "Batch downloads completed", "stage": stage, "batch": batch, "product": product})
	}
}

// Status returns the current job snapshot for every stage of the product
func (h *SyncHandler) Status(c *fiber.Ctx) error {
	set, product, err := h.set(c)
	if err != nil {
		return respondError(c, fiber.StatusBadRequest, err.Error())
	}

	stages := []models.SyncStage{
		models.StageMetadataIngestion,
		models.StageDownloadLatest,
		models.StageDownloadAll,
	}
	out := make(map[models.SyncStage]*services.JobSnapshot, len(stages))
	for _, stage := range stages {
		snapshot, err := set.Jobs.Snapshot(c.Context(), stage, product)
		if err != nil {
			return respondServiceError(c, err)
		}
		out[stage] = snapshot
	}
	return respondOK(c, fiber.Map{"product": product, "stages": out})
}

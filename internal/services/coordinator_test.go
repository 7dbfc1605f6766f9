package services

import (
	"testing"

	"github.com/stretchr/testify/suite"

	"github.com/dcmirror/dcmirror/internal/db/models"
	"github.com/dcmirror/dcmirror/internal/marketplace"
)

type CoordinatorSuite struct {
	ServiceTestSuite
}

func TestCoordinatorSuite(t *testing.T) {
	suite.Run(t, new(CoordinatorSuite))
}

func (s *CoordinatorSuite) newCoordinator() *BatchCoordinator {
	metadata := s.newMetadataStage()
	latest := s.newDownloadStage(models.StageDownloadLatest, []string{"8.20"})
	all := s.newDownloadStage(models.StageDownloadAll, nil)
	return NewBatchCoordinator(models.ProductJira, s.jobs, s.catalog, metadata, latest, all, s.cfg, s.tasks)
}

func (s *CoordinatorSuite) seedCatalog(keys ...string) {
	s.catalog.addons = testAddons(keys...)
	for _, key := range keys {
		s.catalog.versions[key] = []marketplace.Version{
			dcVersion("1.0.0", "8.0", "9.99", "https://dl.example.com/"+key+"-1.0.0.jar"),
		}
	}
}

func (s *CoordinatorSuite) TestSingleBatchThenPause() {
	s.seedCatalog("a1", "a2", "a3", "a4")

	c := s.newCoordinator()
	jobID := s.startedJob(models.StageMetadataIngestion)
	s.Require().NoError(c.run(s.ctx, jobID))

	job := s.job(jobID)
	s.Equal(models.JobStatusPaused, job.Status)
	s.Equal(1, job.CurrentBatch)
	s.Equal(s.cfg.ChunkSize, job.CurrentOffset)
	s.Equal(2, job.ProcessedItems)
	// Stage 2 downloaded the batch; Stage 3 found the same files completed
	s.Equal(2, s.catalog.downloadCount())

	// The ingested plugins carry their batch assignment
	plugin, err := s.plugins.GetByKey(s.ctx, "a1", models.ProductJira)
	s.Require().NoError(err)
	s.Require().NotNil(plugin.BatchNumber)
	s.Equal(0, *plugin.BatchNumber)

	plugin, err = s.plugins.GetByKey(s.ctx, "a3", models.ProductJira)
	s.Require().NoError(err)
	s.Nil(plugin)
}

func (s *CoordinatorSuite) TestContinueAdvancesUntilCatalogExhausted() {
	s.seedCatalog("a1", "a2", "a3", "a4")

	c := s.newCoordinator()
	jobID := s.startedJob(models.StageMetadataIngestion)
	s.Require().NoError(c.run(s.ctx, jobID))

	// Second batch: a3, a4
	s.Require().NoError(s.jobs.ResumeJob(s.ctx, jobID))
	s.Require().NoError(c.run(s.ctx, jobID))
	job := s.job(jobID)
	s.Equal(models.JobStatusPaused, job.Status)
	s.Equal(2, job.CurrentBatch)
	s.Equal(4, job.ProcessedItems)

	// Third pass hits an empty page and completes
	s.Require().NoError(s.jobs.ResumeJob(s.ctx, jobID))
	s.Require().NoError(c.run(s.ctx, jobID))
	job = s.job(jobID)
	s.Equal(models.JobStatusCompleted, job.Status)
	s.Equal(4, s.catalog.downloadCount())
}

func (s *CoordinatorSuite) TestAutoContinueRunsToCompletion() {
	s.seedCatalog("a1", "a2", "a3")
	s.cfg.AutoContinue = true

	c := s.newCoordinator()
	jobID := s.startedJob(models.StageMetadataIngestion)
	s.Require().NoError(c.run(s.ctx, jobID))

	job := s.job(jobID)
	s.Equal(models.JobStatusCompleted, job.Status)
	s.Equal(3, job.ProcessedItems)
	s.Equal(3, s.catalog.downloadCount())
}

func (s *CoordinatorSuite) TestStartRejectsRunningJob() {
	s.seedCatalog("a1")

	c := s.newCoordinator()
	s.startedJob(models.StageMetadataIngestion)

	s.ErrorIs(c.Start(s.ctx), ErrAlreadyRunning)
}

func (s *CoordinatorSuite) TestContinueRequiresPausedJob() {
	c := s.newCoordinator()
	s.ErrorIs(c.ContinueNextBatch(s.ctx), ErrNoJob)
}

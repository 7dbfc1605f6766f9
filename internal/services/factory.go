package services

import (
	"gorm.io/gorm"

	"github.com/dcmirror/dcmirror/internal/config"
	"github.com/dcmirror/dcmirror/internal/db/models"
	"github.com/dcmirror/dcmirror/internal/db/repos"
	"github.com/dcmirror/dcmirror/internal/marketplace"
)

// SyncSet bundles the pipeline services for one product family
type SyncSet struct {
	Jobs           *JobManager
	Metadata       *MetadataStage
	DownloadLatest *DownloadStage
	DownloadAll    *DownloadStage
	Coordinator    *BatchCoordinator
}

// Registry holds the per-product sync sets plus the shared repositories the
// read API serves from.
type Registry struct {
	Plugins *repos.PluginRepository
	Files   *repos.PluginFileRepository
	Jobs    *JobManager

	sets map[models.ProductType]*SyncSet
}

// NewRegistry wires repositories, marketplace clients and stages for every
// supported product family.
func NewRegistry(cfg *config.Config, gdb *gorm.DB, tasks *Supervisor) *Registry {
	jobRepo := repos.NewJobRepository(gdb)
	pluginRepo := repos.NewPluginRepository(gdb)
	fileRepo := repos.NewPluginFileRepository(gdb)
	jobs := NewJobManager(jobRepo)

	r := &Registry{
		Plugins: pluginRepo,
		Files:   fileRepo,
		Jobs:    jobs,
		sets:    make(map[models.ProductType]*SyncSet),
	}

	for _, product := range []models.ProductType{models.ProductJira, models.ProductConfluence} {
		client := marketplace.NewClient(marketplace.Config{
			BaseURL:           cfg.Marketplace.BaseURL,
			ProductType:       product,
			MaxRetries:        cfg.Marketplace.MaxRetries,
			RetryDelay:        cfg.Marketplace.RetryDelay,
			RequestTimeout:    cfg.Marketplace.RequestTimeout,
			RequestsPerSecond: cfg.Marketplace.RequestsPerSecond,
		})

		metadata := NewMetadataStage(product, jobs, client, pluginRepo, cfg.Job, tasks)
		latest := NewDownloadStage(models.StageDownloadLatest, product, jobs, client, pluginRepo, fileRepo,
			cfg.Job, cfg.StorageRoot, cfg.TargetVersions[product], tasks)
		all := NewDownloadStage(models.StageDownloadAll, product, jobs, client, pluginRepo, fileRepo,
			cfg.Job, cfg.StorageRoot, nil, tasks)
		metadata.SetNext(latest)

		r.sets[product] = &SyncSet{
			Jobs:           jobs,
			Metadata:       metadata,
			DownloadLatest: latest,
			DownloadAll:    all,
			Coordinator:    NewBatchCoordinator(product, jobs, client, metadata, latest, all, cfg.Job, tasks),
		}
	}
	return r
}

// Set returns the sync set for a product family
func (r *Registry) Set(product models.ProductType) *SyncSet {
	return r.sets[product]
}

// Package services implements the sync pipeline: job lifecycle management,
// the metadata ingestion stage, the download stages and the batch
// coordinator.
package services

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/dcmirror/dcmirror/internal/logger"
	"github.com/dcmirror/dcmirror/internal/marketplace"
)

// Control-surface sentinel errors
var (
	// ErrAlreadyRunning is returned when starting a stage whose job is RUNNING
	ErrAlreadyRunning = errors.New("job is already running")
	// ErrNotPaused is returned when resuming a job that is not PAUSED
	ErrNotPaused = errors.New("job is not paused")
	// ErrNoJob is returned when no job exists for the stage yet
	ErrNoJob = errors.New("no job found for stage")
	// ErrAddonNotFound is returned when a resync target does not exist upstream
	ErrAddonNotFound = errors.New("addon not found in marketplace")
)

// Catalog is the upstream marketplace surface the stages depend on.
// *marketplace.Client satisfies it.
type Catalog interface {
	FetchAddons(ctx context.Context, limit, offset int) (*marketplace.ListResponse, error)
	FetchAddon(ctx context.Context, addonKey string) (*marketplace.Addon, error)
	FetchAddonVersions(ctx context.Context, addonKey string, maxVersions int) ([]marketplace.Version, error)
	FetchVersionDetails(ctx context.Context, addonKey, buildNumber string) (*marketplace.Version, error)
	DownloadFile(ctx context.Context, url, destPath string) error
	BaseURL() string
}

// Supervisor owns detached background tasks (stage run loops, deferred
// auto-starts) so their completion and failure are always logged rather than
// lost in anonymous goroutines.
type Supervisor struct {
	log *logrus.Entry
	wg  sync.WaitGroup
}

// NewSupervisor creates a task supervisor
func NewSupervisor() *Supervisor {
	return &Supervisor{log: logger.Component("Supervisor")}
}

// Go runs fn in a background goroutine, logging its outcome
func (s *Supervisor) Go(name string, fn func() error) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				s.log.WithField("task", name).Errorf("background task panicked: %v", r)
			}
		}()
		if err := fn(); err != nil {
			s.log.WithField("task", name).WithError(err).Error("background task failed")
			return
		}
		s.log.WithField("task", name).Debug("background task completed")
	}()
}

// Wait blocks until all supervised tasks have finished
func (s *Supervisor) Wait() {
	s.wg.Wait()
}

// artifactFileName builds the on-disk name for a downloaded artifact
func artifactFileName(addonKey, version string) string {
	return fmt.Sprintf("%s-%s.jar", addonKey, version)
}

// Package jobs runs the mirror work queue: admitting mirror requests,
// draining queued jobs through the mirror engine one at a time and
// requeuing work interrupted by a restart.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/simplestreams/mirror/pkg/api"
	"github.com/simplestreams/mirror/pkg/catalog"
	"github.com/simplestreams/mirror/pkg/mirror"
)

var (
	jobsProcessed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "simplestream_mirror_jobs_total",
			Help: "number of finished mirror jobs, sorted by outcome",
		},
		[]string{"outcome"},
	)
	jobFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "simplestream_mirror_job_failures_total",
			Help: "number of failed mirror jobs, sorted by failure reason",
		},
		[]string{"reason"},
	)
	jobDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "simplestream_mirror_job_duration_seconds",
			Help:    "mirror job duration from claim to outcome",
			Buckets: []float64{1, 5, 15, 60, 300, 900, 3600},
		},
	)
)

func init() {
	prometheus.MustRegister(jobsProcessed, jobFailures, jobDuration)
}

// messageLimit caps the failure message stored on a job row.
const messageLimit = 2000

// Runner owns the mirror job queue. At most one drain loop is active
// per process; everything else only writes rows and pokes the loop.
type Runner struct {
	store  *catalog.Store
	engine *mirror.Engine

	// busy is held for the lifetime of a drain loop.
	busy sync.Mutex
}

// NewRunner returns a runner draining jobs from store through engine.
func NewRunner(store *catalog.Store, engine *mirror.Engine) *Runner {
	return &Runner{store: store, engine: engine}
}

// Enqueue admits a mirror request: one queued job per product that is
// not already being mirrored or waiting for the worker. Skipped
// products are reported with their reason rather than failing the
// request. The whole admission is one transaction, so two concurrent
// requests for the same product cannot both enqueue it.
func (r *Runner) Enqueue(ctx context.Context, indexURL string, productIDs []string) (*api.MirrorResult, error) {
	result := &api.MirrorResult{Enqueued: []string{}, Skipped: []string{}, Jobs: []api.MirrorJobSummary{}}
	err := r.store.InTx(ctx, func(tx *sqlx.Tx) error {
		for _, productID := range productIDs {
			mirroring, err := catalog.MirroringImageExists(ctx, tx, productID)
			if err != nil {
				return err
			}
			if mirroring {
				result.Skipped = append(result.Skipped, fmt.Sprintf("%s (already mirroring)", productID))
				continue
			}
			active, _, err := catalog.ActiveJobExists(ctx, tx, productID)
			if err != nil {
				return err
			}
			if active {
				result.Skipped = append(result.Skipped, fmt.Sprintf("%s (already queued)", productID))
				continue
			}
			job := &catalog.MirrorJob{ProductID: productID, IndexURL: indexURL, Status: catalog.JobStatusQueued}
			if err := catalog.InsertJob(ctx, tx, job); err != nil {
				return err
			}
			result.Enqueued = append(result.Enqueued, productID)
			result.Jobs = append(result.Jobs, api.MirrorJobSummary{JobID: job.ID, ProductID: productID})
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to enqueue mirror jobs: %w", err)
	}
	if len(result.Enqueued) == 0 && len(result.Skipped) == 0 {
		return nil, mirror.NewError(mirror.ReasonValidation, "No products selected for mirroring")
	}
	logrus.WithFields(logrus.Fields{"enqueued": len(result.Enqueued), "skipped": len(result.Skipped)}).Info("Admitted mirror request")
	return result, nil
}

// Trigger starts a background drain unless one is already running.
func (r *Runner) Trigger(ctx context.Context) {
	go r.Drain(ctx)
}

// Drain processes queued jobs oldest-first until none remain, then
// returns. It is a no-op when another drain is already running; the
// running loop will pick up whatever was queued in the meantime.
func (r *Runner) Drain(ctx context.Context) {
	if !r.busy.TryLock() {
		return
	}
	defer r.busy.Unlock()
	for {
		job, err := r.claimNext(ctx)
		if err != nil {
			logrus.WithError(err).Error("Failed to claim next mirror job")
			return
		}
		if job == nil {
			return
		}
		r.process(ctx, job)
	}
}

// ResumePending requeues jobs a previous process left running, then
// starts the worker so both they and anything still queued get drained.
func (r *Runner) ResumePending(ctx context.Context) error {
	var restarted int
	err := r.store.InTx(ctx, func(tx *sqlx.Tx) error {
		running, err := catalog.ListJobsByStatus(ctx, tx, catalog.JobStatusRunning)
		if err != nil {
			return err
		}
		for i := range running {
			job := &running[i]
			message := "Resumed after service restart"
			job.Status = catalog.JobStatusQueued
			job.Message = &message
			job.StartedAt = nil
			job.FinishedAt = nil
			job.Progress = 0
			if err := catalog.UpdateJob(ctx, tx, job); err != nil {
				return err
			}
		}
		restarted = len(running)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to resume pending jobs: %w", err)
	}
	if restarted > 0 {
		logrus.WithField("jobs", restarted).Info("Requeued mirror jobs interrupted by restart")
	}
	r.Trigger(ctx)
	return nil
}

// claimNext transitions the oldest queued job to running and returns
// it, or nil when the queue is empty.
func (r *Runner) claimNext(ctx context.Context) (*catalog.MirrorJob, error) {
	var job *catalog.MirrorJob
	err := r.store.InTx(ctx, func(tx *sqlx.Tx) error {
		next, err := catalog.NextQueuedJob(ctx, tx)
		if err != nil {
			return err
		}
		if next == nil {
			return nil
		}
		now := time.Now().UTC()
		next.Status = catalog.JobStatusRunning
		next.StartedAt = &now
		next.Message = nil
		next.Progress = 10
		if err := catalog.UpdateJob(ctx, tx, next); err != nil {
			return err
		}
		job = next
		return nil
	})
	return job, err
}

func (r *Runner) process(ctx context.Context, job *catalog.MirrorJob) {
	log := logrus.WithFields(logrus.Fields{"job": job.ID, "product": job.ProductID})
	log.Info("Running mirror job")
	start := time.Now()

	imageID, err := r.runMirror(ctx, job)
	if err != nil {
		message := err.Error()
		if !errors.Is(err, &mirror.Error{}) {
			log.WithError(err).Error("Unexpected error while mirroring")
			message = fmt.Sprintf("Unexpected error: %v", err)
		}
		r.finishJob(ctx, job.ID, catalog.JobStatusFailed, &message, nil)
		jobsProcessed.WithLabelValues("failed").Inc()
		jobFailures.WithLabelValues(string(mirror.ReasonFor(err))).Inc()
	} else {
		r.finishJob(ctx, job.ID, catalog.JobStatusCompleted, nil, &imageID)
		jobsProcessed.WithLabelValues("completed").Inc()
	}
	jobDuration.Observe(time.Since(start).Seconds())
	log.WithField("duration", time.Since(start).String()).Info("Finished mirror job")
}

// runMirror contains panics from the engine so one poisoned product
// cannot take down the drain loop.
func (r *Runner) runMirror(ctx context.Context, job *catalog.MirrorJob) (imageID int64, err error) {
	defer func() {
		if p := recover(); p != nil {
			logrus.WithFields(logrus.Fields{"job": job.ID, "panic": p, "stack": string(debug.Stack())}).Error("Mirror job panicked")
			err = fmt.Errorf("%v", p)
		}
	}()
	return r.engine.MirrorProduct(ctx, job.IndexURL, job.ProductID)
}

func (r *Runner) finishJob(ctx context.Context, jobID int64, status string, message *string, imageID *int64) {
	err := r.store.InTx(ctx, func(tx *sqlx.Tx) error {
		job, err := catalog.GetJob(ctx, tx, jobID)
		if err != nil {
			return err
		}
		if job == nil {
			return nil
		}
		now := time.Now().UTC()
		job.Status = status
		job.Progress = 100
		job.FinishedAt = &now
		if message != nil {
			truncated := truncateMessage(*message)
			job.Message = &truncated
		}
		if imageID != nil {
			job.ImageID = imageID
		}
		return catalog.UpdateJob(ctx, tx, job)
	})
	if err != nil {
		logrus.WithError(err).WithField("job", jobID).Error("Failed to record job outcome")
	}
}

func truncateMessage(message string) string {
	runes := []rune(message)
	if len(runes) <= messageLimit {
		return message
	}
	return string(runes[:messageLimit])
}

// Package pipeline drives each stage from request building through batch
// submission, polling and merging.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/schollz/progressbar/v3"
	"golang.org/x/sync/errgroup"

	"github.com/lamim/cirforge/internal/batch"
	"github.com/lamim/cirforge/internal/checkpoint"
	"github.com/lamim/cirforge/internal/merge"
	"github.com/lamim/cirforge/internal/metrics"
	"github.com/lamim/cirforge/internal/requests"
	"github.com/lamim/cirforge/internal/store"
	"github.com/lamim/cirforge/pkg/models"
)

// ErrPollDeadline is the failure reason of a job that did not finish in time
var ErrPollDeadline = errors.New("poll deadline exceeded")

// Options tunes how a stage is driven
type Options struct {
	PollInterval time.Duration
	PollDeadline time.Duration // per job, measured from submission; 0 polls forever
	Concurrency  int           // bound on concurrent submit and poll calls
	Progress     io.Writer     // progress bar output; nil means stderr
}

// Runner executes stages against the state tree
type Runner struct {
	store      *store.Store
	builder    *requests.Builder
	client     *batch.Client
	merger     *merge.Merger
	checkpoint *checkpoint.Manager
	metrics    *metrics.Collector
	opts       Options
	logger     *slog.Logger
}

// New creates a runner. Jobs are recorded in ckpt so an interrupted stage
// re-polls its jobs instead of resubmitting them.
func New(
	st *store.Store,
	builder *requests.Builder,
	client *batch.Client,
	merger *merge.Merger,
	ckpt *checkpoint.Manager,
	collector *metrics.Collector,
	opts Options,
	logger *slog.Logger,
) *Runner {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 10 * time.Second
	}
	if opts.Progress == nil {
		opts.Progress = os.Stderr
	}
	return &Runner{
		store:      st,
		builder:    builder,
		client:     client,
		merger:     merger,
		checkpoint: ckpt,
		metrics:    collector,
		opts:       opts,
		logger:     logger.With("component", "pipeline"),
	}
}

// Run executes every stage that has not completed yet, strictly in order.
// A stage that abandoned shards does not stop later stages. Once a stage
// runs, every later stage runs too, since items recovered by the earlier
// stage have become eligible; their already merged shards are not resubmitted.
func (r *Runner) Run(ctx context.Context) ([]*models.StageStats, error) {
	var all []*models.StageStats
	for _, stage := range models.Stages {
		if len(all) == 0 && checkpoint.StageComplete(r.checkpoint.Manifest(), stage) {
			r.logger.Info("Skipping completed stage", "stage", int(stage), "name", stage.String())
			continue
		}
		stats, err := r.RunStage(ctx, stage)
		if err != nil {
			return all, fmt.Errorf("stage %d (%s): %w", int(stage), stage, err)
		}
		all = append(all, stats)
	}
	return all, nil
}

// RunStage drives one stage until every shard's job is terminal. Failed or
// timed-out shards are abandoned for this run of the stage; their items lack
// the stage's field and the stage is not recorded as complete. Only local I/O
// failures and cancellation abort the stage.
func (r *Runner) RunStage(ctx context.Context, stage models.Stage) (*models.StageStats, error) {
	stats := &models.StageStats{Stage: stage, StartTime: time.Now()}
	r.logger.Info("Starting stage", "stage", int(stage), "name", stage.String())

	build, err := r.builder.Build(stage)
	if err != nil {
		return nil, fmt.Errorf("failed to build requests: %w", err)
	}
	stats.Requests = build.Requests
	stats.Skipped = build.Skipped

	files, err := requests.Collect(r.store, stage)
	if err != nil {
		return nil, fmt.Errorf("failed to collect request files: %w", err)
	}
	stats.Shards = len(files)

	handles, toSubmit := r.resumeJobs(stage, files, stats)

	bar := progressbar.NewOptions(len(files),
		progressbar.OptionSetWriter(r.opts.Progress),
		progressbar.OptionSetDescription(fmt.Sprintf("Stage %d: %s", int(stage), stage)),
		progressbar.OptionShowCount(),
		progressbar.OptionSetPredictTime(false),
	)
	_ = bar.Add(len(files) - len(handles) - len(toSubmit))

	submitted, err := r.submitAll(ctx, stage, toSubmit, stats, bar)
	if err != nil {
		return nil, err
	}
	handles = append(handles, submitted...)

	if err := r.pollAll(ctx, stage, handles, stats, bar); err != nil {
		return nil, err
	}
	_ = bar.Finish()

	stats.EndTime = time.Now()
	stats.TotalDuration = stats.EndTime.Sub(stats.StartTime)
	r.metrics.RecordStage(stage.Keyword(), stats.TotalDuration)

	abandoned := stats.Failed + stats.SubmitFailed
	if abandoned > 0 {
		if err := r.checkpoint.MarkStageIncomplete(*stats); err != nil {
			return nil, fmt.Errorf("failed to record stage run: %w", err)
		}
	} else if err := r.checkpoint.MarkStageComplete(*stats); err != nil {
		return nil, fmt.Errorf("failed to record stage completion: %w", err)
	}

	r.logger.Info("Stage finished",
		"stage", int(stage),
		"requests", stats.Requests,
		"skipped_items", stats.Skipped,
		"shards", stats.Shards,
		"completed_jobs", stats.Completed,
		"failed_jobs", stats.Failed,
		"submit_failures", stats.SubmitFailed,
		"merged", stats.Merged,
		"merge_skipped", stats.MergeSkipped,
		"duration", stats.TotalDuration)
	if abandoned > 0 {
		r.logger.Warn("Stage finished with abandoned shards; they are resubmitted when the stage runs again",
			"stage", int(stage),
			"abandoned", abandoned)
	}
	return stats, nil
}

// resumeJobs splits files into handles recorded by an earlier attempt and
// files that still need a job. Shards whose job already failed are resubmitted.
func (r *Runner) resumeJobs(stage models.Stage, files []requests.ShardFile, stats *models.StageStats) ([]*models.JobHandle, []requests.ShardFile) {
	recorded := make(map[string]models.JobRecord)
	for _, rec := range r.checkpoint.Jobs(stage) {
		recorded[rec.BatchID] = rec
	}

	var handles []*models.JobHandle
	var toSubmit []requests.ShardFile
	for _, f := range files {
		rec, ok := recorded[f.BatchID]
		switch {
		case !ok || rec.Status == models.JobFailed:
			toSubmit = append(toSubmit, f)
		case rec.Status == models.JobCompleted && rec.Merged:
			stats.Completed++
		default:
			h := rec.JobHandle
			handles = append(handles, &h)
		}
	}

	if len(recorded) > 0 {
		r.logger.Info("Resuming stage from manifest",
			"stage", int(stage),
			"recorded_jobs", len(recorded),
			"repoll", len(handles),
			"submit", len(toSubmit))
	}
	return handles, toSubmit
}

func (r *Runner) submitAll(
	ctx context.Context,
	stage models.Stage,
	files []requests.ShardFile,
	stats *models.StageStats,
	bar *progressbar.ProgressBar,
) ([]*models.JobHandle, error) {
	var (
		mu      sync.Mutex
		handles []*models.JobHandle
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.opts.Concurrency)
	for _, f := range files {
		f := f
		g.Go(func() error {
			h, err := r.client.Submit(gctx, stage, f.BatchID, f.Path)
			if err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				// a submission failure only abandons this shard
				r.logger.Error("Failed to submit shard", "stage", int(stage), "batch_id", f.BatchID, "error", err)
				r.metrics.RecordJob(stage.Keyword(), "submit_failed")
				mu.Lock()
				stats.SubmitFailed++
				mu.Unlock()
				_ = bar.Add(1)
				return nil
			}
			if err := r.checkpoint.RecordJob(*h); err != nil {
				return err
			}

			mu.Lock()
			stats.Submitted++
			handles = append(handles, h)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("submission aborted: %w", err)
	}
	return handles, nil
}

// pollAll polls every outstanding job each interval until all are terminal
func (r *Runner) pollAll(
	ctx context.Context,
	stage models.Stage,
	handles []*models.JobHandle,
	stats *models.StageStats,
	bar *progressbar.ProgressBar,
) error {
	outstanding := handles
	var mu sync.Mutex

	ticker := time.NewTicker(r.opts.PollInterval)
	defer ticker.Stop()

	for len(outstanding) > 0 {
		r.metrics.SetOutstandingJobs(stage.Keyword(), len(outstanding))

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(r.opts.Concurrency)
		for _, h := range outstanding {
			h := h
			g.Go(func() error {
				done, err := r.pollOne(gctx, h, stats, &mu)
				if done {
					_ = bar.Add(1)
				}
				return err
			})
		}
		if err := g.Wait(); err != nil {
			return fmt.Errorf("polling aborted: %w", err)
		}

		var next []*models.JobHandle
		for _, h := range outstanding {
			if !h.Status.Terminal() {
				next = append(next, h)
			}
		}
		outstanding = next
		if len(outstanding) == 0 {
			break
		}

		r.logger.Debug("Waiting for jobs", "stage", int(stage), "outstanding", len(outstanding))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}

	r.metrics.SetOutstandingJobs(stage.Keyword(), 0)
	return nil
}

// pollOne advances one job and, once it is terminal, merges or abandons it.
// It reports whether the job finished during this call.
func (r *Runner) pollOne(ctx context.Context, h *models.JobHandle, stats *models.StageStats, mu *sync.Mutex) (bool, error) {
	if !h.Status.Terminal() {
		if r.opts.PollDeadline > 0 && time.Since(h.SubmittedAt) > r.opts.PollDeadline {
			h.Fail(ErrPollDeadline.Error())
		} else if _, err := r.client.Poll(ctx, h); err != nil {
			if ctx.Err() != nil {
				return false, ctx.Err()
			}
			// transient; the job is polled again next interval
			r.logger.Warn("Failed to poll job", "job_id", h.JobID, "batch_id", h.BatchID, "error", err)
			return false, nil
		}
		if !h.Status.Terminal() {
			return false, nil
		}
	}

	if h.Status == models.JobCompleted {
		res, err := r.finish(ctx, h)
		if err != nil {
			if ctx.Err() != nil {
				return false, ctx.Err()
			}
			var fetchErr *fetchError
			if !errors.As(err, &fetchErr) {
				return false, err
			}
			// output could not be fetched; merged stays false so a resume retries it
			r.logger.Error("Failed to fetch job output", "job_id", h.JobID, "batch_id", h.BatchID, "error", err)
			r.metrics.RecordJob(h.Stage.Keyword(), string(models.JobFailed))
			mu.Lock()
			stats.Failed++
			mu.Unlock()
			return true, nil
		}

		r.metrics.RecordJob(h.Stage.Keyword(), string(models.JobCompleted))
		mu.Lock()
		stats.Completed++
		stats.Merged += res.Merged
		stats.MergeSkipped += res.Skipped()
		mu.Unlock()
		return true, nil
	}

	r.logger.Error("Batch job failed, abandoning shard for this stage",
		"stage", int(h.Stage),
		"batch_id", h.BatchID,
		"job_id", h.JobID,
		"reason", h.Reason)
	r.metrics.RecordJob(h.Stage.Keyword(), string(models.JobFailed))
	if err := r.checkpoint.RecordJob(*h); err != nil {
		return false, err
	}
	mu.Lock()
	stats.Failed++
	mu.Unlock()
	return true, nil
}

type fetchError struct{ err error }

func (e *fetchError) Error() string { return e.err.Error() }
func (e *fetchError) Unwrap() error { return e.err }

func (r *Runner) finish(ctx context.Context, h *models.JobHandle) (merge.Result, error) {
	if err := r.checkpoint.RecordJob(*h); err != nil {
		return merge.Result{}, err
	}

	lines, err := r.client.FetchOutput(ctx, h)
	if err != nil {
		return merge.Result{}, &fetchError{err: err}
	}

	res, err := r.merger.Merge(h.Stage, lines)
	if err != nil {
		return res, fmt.Errorf("failed to merge shard %s: %w", h.BatchID, err)
	}
	if err := r.checkpoint.MarkMerged(h.Stage, h.BatchID); err != nil {
		return res, err
	}

	r.logger.Info("Merged job output",
		"stage", int(h.Stage),
		"batch_id", h.BatchID,
		"job_id", h.JobID,
		"merged", res.Merged,
		"skipped", res.Skipped())
	return res, nil
}

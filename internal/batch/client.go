// Package batch submits request files as remote batch jobs, polls them and
// fetches their output.
package batch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/lamim/cirforge/pkg/models"
)

// ErrNotCompleted is returned when output is requested for a job that has not completed
var ErrNotCompleted = errors.New("job has not completed")

// Service is the remote batch inference API
type Service interface {
	UploadFile(ctx context.Context, path string) (fileID string, err error)
	CreateJob(ctx context.Context, fileID string, metadata map[string]string) (*BatchObject, error)
	Job(ctx context.Context, jobID string) (*BatchObject, error)
	FileContent(ctx context.Context, fileID string) ([]byte, error)
}

// Client adapts a Service to the submit / poll / fetch contract used by the pipeline
type Client struct {
	svc    Service
	runID  string
	logger *slog.Logger
}

// NewClient creates a batch client. runID is attached to every job's metadata.
func NewClient(svc Service, runID string, logger *slog.Logger) *Client {
	return &Client{
		svc:    svc,
		runID:  runID,
		logger: logger.With("component", "batch_client"),
	}
}

// Submit uploads one shard's request file and creates exactly one job for it
func (c *Client) Submit(ctx context.Context, stage models.Stage, batchID, path string) (*models.JobHandle, error) {
	fileID, err := c.svc.UploadFile(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("failed to upload %s: %w", path, err)
	}

	obj, err := c.svc.CreateJob(ctx, fileID, map[string]string{
		"description": batchID,
		"stage":       stage.Keyword(),
		"run_id":      c.runID,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create job for shard %s: %w", batchID, err)
	}

	handle := &models.JobHandle{
		Stage:       stage,
		BatchID:     batchID,
		JobID:       obj.ID,
		InputFileID: fileID,
		Status:      models.JobSubmitted,
		SubmittedAt: time.Now(),
	}
	c.apply(handle, obj)

	c.logger.Info("Submitted batch job",
		"stage", int(stage),
		"batch_id", batchID,
		"job_id", obj.ID,
		"input_file_id", fileID)
	return handle, nil
}

// Poll makes a single status call and advances the handle
func (c *Client) Poll(ctx context.Context, handle *models.JobHandle) (models.JobStatus, error) {
	obj, err := c.svc.Job(ctx, handle.JobID)
	if err != nil {
		return handle.Status, fmt.Errorf("failed to poll job %s: %w", handle.JobID, err)
	}
	c.apply(handle, obj)
	return handle.Status, nil
}

// FetchOutput downloads a completed job's output and returns its non-empty lines
func (c *Client) FetchOutput(ctx context.Context, handle *models.JobHandle) ([]string, error) {
	if handle.Status != models.JobCompleted {
		return nil, fmt.Errorf("%w: %s is %s", ErrNotCompleted, handle.JobID, handle.Status)
	}
	if handle.OutputFileID == "" {
		// every request of the job failed; only an error file was produced
		c.logger.Warn("Completed job has no output file",
			"job_id", handle.JobID,
			"batch_id", handle.BatchID,
			"error_file_id", handle.ErrorFileID)
		return nil, nil
	}

	raw, err := c.svc.FileContent(ctx, handle.OutputFileID)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch output of job %s: %w", handle.JobID, err)
	}

	var lines []string
	for _, line := range strings.Split(string(raw), "\n") {
		if strings.TrimSpace(line) != "" {
			lines = append(lines, line)
		}
	}
	return lines, nil
}

func (c *Client) apply(handle *models.JobHandle, obj *BatchObject) {
	if obj.OutputFileID != "" {
		handle.OutputFileID = obj.OutputFileID
	}
	if obj.ErrorFileID != "" {
		handle.ErrorFileID = obj.ErrorFileID
	}

	next := MapStatus(obj.Status)
	if next == models.JobFailed {
		reason := obj.Status
		if summary := obj.Errors.Summary(); summary != "" {
			reason += ": " + summary
		}
		handle.Fail(reason)
		return
	}
	handle.Advance(next)
}

// MapStatus maps a remote batch status to a job status
func MapStatus(remote string) models.JobStatus {
	switch remote {
	case "completed":
		return models.JobCompleted
	case "failed", "expired", "cancelling", "cancelled":
		return models.JobFailed
	case "validating", "in_progress", "finalizing":
		return models.JobRunning
	default:
		return models.JobSubmitted
	}
}

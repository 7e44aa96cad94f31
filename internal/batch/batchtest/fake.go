// Package batchtest provides an in-memory batch.Service for tests.
package batchtest

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/lamim/cirforge/internal/batch"
	"github.com/lamim/cirforge/pkg/models"
)

// Responder produces the content for one request, or an error to record a per-request failure
type Responder func(stage string, req models.RequestRecord) (string, error)

// Service is a fake batch API. Jobs complete after PollsUntilDone status calls.
// Shards listed in FailShards fail instead of completing, and shards listed in
// StuckShards never leave in_progress.
type Service struct {
	mu sync.Mutex

	Respond        Responder
	PollsUntilDone int
	FailShards     map[string]bool // key: stage keyword + "/" + batch id
	StuckShards    map[string]bool
	UploadErr      error

	files   map[string][]byte
	jobs    map[string]*fakeJob
	nextID  int
	Uploads int
	Creates int
	Polls   int
}

type fakeJob struct {
	obj   batch.BatchObject
	key   string
	stage string
	polls int
}

// New creates a fake service
func New(respond Responder) *Service {
	return &Service{
		Respond:     respond,
		FailShards:  make(map[string]bool),
		StuckShards: make(map[string]bool),
		files:       make(map[string][]byte),
		jobs:        make(map[string]*fakeJob),
	}
}

// ShardKey builds the key used by FailShards and StuckShards
func ShardKey(stage models.Stage, batchID string) string {
	return stage.Keyword() + "/" + batchID
}

func (s *Service) id(prefix string) string {
	s.nextID++
	return fmt.Sprintf("%s-%d", prefix, s.nextID)
}

// UploadFile implements batch.Service
func (s *Service) UploadFile(_ context.Context, path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.UploadErr != nil {
		return "", s.UploadErr
	}
	s.Uploads++
	id := s.id("file")
	s.files[id] = data
	return id, nil
}

// CreateJob implements batch.Service
func (s *Service) CreateJob(_ context.Context, fileID string, metadata map[string]string) (*batch.BatchObject, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.files[fileID]; !ok {
		return nil, &batch.APIError{Message: "unknown file " + fileID, StatusCode: 404}
	}
	s.Creates++
	job := &fakeJob{
		obj: batch.BatchObject{
			ID:          s.id("batch"),
			Status:      "validating",
			InputFileID: fileID,
			Metadata:    metadata,
		},
		key:   metadata["stage"] + "/" + metadata["description"],
		stage: metadata["stage"],
	}
	s.jobs[job.obj.ID] = job
	obj := job.obj
	return &obj, nil
}

// Job implements batch.Service
func (s *Service) Job(_ context.Context, jobID string) (*batch.BatchObject, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[jobID]
	if !ok {
		return nil, &batch.APIError{Message: "unknown batch " + jobID, StatusCode: 404}
	}
	s.Polls++
	job.polls++

	switch {
	case job.obj.Status == "completed" || job.obj.Status == "failed":
	case s.StuckShards[job.key]:
		job.obj.Status = "in_progress"
	case job.polls < s.PollsUntilDone:
		job.obj.Status = "in_progress"
	case s.FailShards[job.key]:
		job.obj.Status = "failed"
	default:
		out, err := s.run(job)
		if err != nil {
			return nil, err
		}
		id := s.id("file")
		s.files[id] = out
		job.obj.Status = "completed"
		job.obj.OutputFileID = id
	}

	obj := job.obj
	return &obj, nil
}

func (s *Service) run(job *fakeJob) ([]byte, error) {
	var out bytes.Buffer
	scanner := bufio.NewScanner(bytes.NewReader(s.files[job.obj.InputFileID]))
	scanner.Buffer(make([]byte, 1024*1024), 16*1024*1024)
	for scanner.Scan() {
		var req models.RequestRecord
		if err := json.Unmarshal(scanner.Bytes(), &req); err != nil {
			return nil, fmt.Errorf("fake service got invalid request line: %w", err)
		}

		line := map[string]any{"id": s.id("req"), "custom_id": req.CustomID}
		content, err := s.Respond(job.stage, req)
		if err != nil {
			line["response"] = nil
			line["error"] = map[string]string{"code": "server_error", "message": err.Error()}
		} else {
			line["response"] = map[string]any{
				"status_code": 200,
				"body": map[string]any{
					"choices": []map[string]any{
						{"index": 0, "message": map[string]string{"role": "assistant", "content": content}},
					},
				},
			}
			line["error"] = nil
		}
		data, _ := json.Marshal(line)
		out.Write(data)
		out.WriteByte('\n')
	}
	return out.Bytes(), scanner.Err()
}

// FileContent implements batch.Service
func (s *Service) FileContent(_ context.Context, fileID string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, ok := s.files[fileID]
	if !ok {
		return nil, errors.New("unknown file " + fileID)
	}
	return data, nil
}

// JobCount returns the number of jobs created so far
func (s *Service) JobCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.jobs)
}

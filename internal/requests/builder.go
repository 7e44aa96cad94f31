// Package requests turns item states into per-shard batch request files.
package requests

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/lamim/cirforge/internal/store"
	"github.com/lamim/cirforge/pkg/models"
)

// ErrMissingPrerequisite is returned when an item lacks a field an earlier stage should have produced
var ErrMissingPrerequisite = errors.New("missing prerequisite field")

// Options configures the request payloads
type Options struct {
	Model     string
	MaxTokens int
	Endpoint  string    // e.g. /v1/chat/completions
	Prompts   [3]string // one per stage, in stage order
}

// ShardFile is a request file built for one shard
type ShardFile struct {
	BatchID string
	Path    string
	Count   int
}

// BuildResult summarises a Build call
type BuildResult struct {
	Stage    models.Stage
	Files    []ShardFile
	Requests int
	Skipped  int
}

// Builder creates request files from the state tree
type Builder struct {
	store  *store.Store
	opts   Options
	logger *slog.Logger
}

// NewBuilder creates a request builder
func NewBuilder(st *store.Store, opts Options, logger *slog.Logger) *Builder {
	return &Builder{
		store:  st,
		opts:   opts,
		logger: logger.With("component", "request_builder"),
	}
}

// FileName returns the request file name for a stage
func FileName(stage models.Stage) string {
	return stage.Keyword() + "_input.jsonl"
}

// Build writes one request file per shard for the given stage.
// Items missing a prerequisite field are skipped with a warning.
func (b *Builder) Build(stage models.Stage) (*BuildResult, error) {
	if !stage.Valid() {
		return nil, fmt.Errorf("%w: %d", models.ErrInvalidStage, int(stage))
	}

	shards, err := b.store.Shards()
	if err != nil {
		return nil, fmt.Errorf("failed to list shards: %w", err)
	}

	result := &BuildResult{Stage: stage}
	for _, batchID := range shards {
		var records []models.RequestRecord
		err := b.store.WalkShard(batchID, func(state *models.ItemState) error {
			rec, err := b.Record(stage, state)
			if err != nil {
				if errors.Is(err, ErrMissingPrerequisite) {
					b.logger.Warn("Skipping item", "stage", int(stage), "custom_id", state.CustomID(), "reason", err)
					result.Skipped++
					return nil
				}
				return err
			}
			records = append(records, rec)
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("failed to read shard %s: %w", batchID, err)
		}

		path := filepath.Join(b.store.InputDir(batchID), FileName(stage))
		if len(records) == 0 {
			// a stale file from an earlier run would otherwise be collected and resubmitted
			if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
				return nil, fmt.Errorf("failed to remove stale request file: %w", err)
			}
			b.logger.Warn("No eligible items in shard", "stage", int(stage), "batch_id", batchID)
			continue
		}

		if err := writeJSONL(path, records); err != nil {
			return nil, fmt.Errorf("failed to write request file for shard %s: %w", batchID, err)
		}
		result.Files = append(result.Files, ShardFile{BatchID: batchID, Path: path, Count: len(records)})
		result.Requests += len(records)
	}

	b.logger.Info("Built request files",
		"stage", int(stage),
		"files", len(result.Files),
		"requests", result.Requests,
		"skipped", result.Skipped)
	return result, nil
}

// Record builds the request for one item
func (b *Builder) Record(stage models.Stage, state *models.ItemState) (models.RequestRecord, error) {
	for _, pre := range stage.Prerequisites() {
		if v := state.Field(pre); v == nil || *v == "" {
			return models.RequestRecord{}, fmt.Errorf("%w: %s", ErrMissingPrerequisite, pre)
		}
	}

	prompt := models.Message{Role: "user", Content: b.opts.Prompts[int(stage)-1]}
	var messages []models.Message
	switch stage {
	case models.StageQueryDescriptors:
		messages = []models.Message{prompt, imageMessage(state.QueryImage.URL)}
	case models.StageRetrievedDescriptors:
		messages = []models.Message{
			prompt,
			imageMessage(state.RetrievedImage.URL),
			textMessage(*state.QueryImage.Descriptors),
		}
	case models.StageDifferenceCaptions:
		messages = []models.Message{
			prompt,
			textMessage(*state.QueryImage.Descriptors),
			textMessage(*state.RetrievedImage.Descriptors),
		}
	default:
		return models.RequestRecord{}, fmt.Errorf("%w: %d", models.ErrInvalidStage, int(stage))
	}

	return models.RequestRecord{
		CustomID: state.CustomID(),
		Method:   "POST",
		URL:      b.opts.Endpoint,
		Body: models.RequestBody{
			Model:     b.opts.Model,
			Messages:  messages,
			MaxTokens: b.opts.MaxTokens,
		},
	}, nil
}

func imageMessage(url string) models.Message {
	return models.Message{
		Role: "user",
		Content: []models.ContentPart{
			{Type: "image_url", ImageURL: &models.ImageURL{URL: url}},
		},
	}
}

func textMessage(text string) models.Message {
	return models.Message{Role: "user", Content: text}
}

func writeJSONL(path string, records []models.RequestRecord) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	for _, rec := range records {
		if err := enc.Encode(rec); err != nil {
			return fmt.Errorf("failed to encode %s: %w", rec.CustomID, err)
		}
	}
	return store.WriteFileAtomic(path, buf.Bytes())
}

// Collect finds the request files of a stage by their fixed keyword, across all shards
func Collect(st *store.Store, stage models.Stage) ([]ShardFile, error) {
	shards, err := st.Shards()
	if err != nil {
		return nil, err
	}

	keyword := stage.Keyword()
	var files []ShardFile
	for _, batchID := range shards {
		dir := st.InputDir(batchID)
		entries, err := os.ReadDir(dir)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return nil, fmt.Errorf("failed to read %s: %w", dir, err)
		}
		for _, e := range entries {
			name := e.Name()
			if e.IsDir() || !strings.HasSuffix(name, ".jsonl") || !strings.Contains(name, keyword) {
				continue
			}
			path := filepath.Join(dir, name)
			n, err := countLines(path)
			if err != nil {
				return nil, err
			}
			files = append(files, ShardFile{BatchID: batchID, Path: path, Count: n})
		}
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Path < files[j].Path })
	return files, nil
}

func countLines(path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	n := 0
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		if len(strings.TrimSpace(scanner.Text())) > 0 {
			n++
		}
	}
	return n, scanner.Err()
}

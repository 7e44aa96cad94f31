// Package merge writes completed batch results back into item states.
package merge

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/lamim/cirforge/internal/metrics"
	"github.com/lamim/cirforge/internal/store"
	"github.com/lamim/cirforge/pkg/models"
)

var (
	// ErrMalformedLine is returned for a result line that cannot be interpreted
	ErrMalformedLine = errors.New("malformed result line")
	// ErrRequestFailed is returned for a result line that carries a per-request error
	ErrRequestFailed = errors.New("request failed")
)

// Result counts the outcome of merging one job's output
type Result struct {
	Merged     int
	Malformed  int
	Unresolved int
	Failed     int
}

// Skipped is the number of lines that did not update an item
func (r Result) Skipped() int {
	return r.Malformed + r.Unresolved + r.Failed
}

// Merger applies result lines to the state tree
type Merger struct {
	store   *store.Store
	metrics *metrics.Collector
	logger  *slog.Logger
}

// NewMerger creates a response merger
func NewMerger(st *store.Store, collector *metrics.Collector, logger *slog.Logger) *Merger {
	return &Merger{
		store:   st,
		metrics: collector,
		logger:  logger.With("component", "merger"),
	}
}

// Merge applies every line to the item it names. Bad lines and lines whose
// custom_id has no item are skipped with a warning; only I/O failures while
// persisting an item abort the merge.
func (m *Merger) Merge(stage models.Stage, lines []string) (Result, error) {
	var res Result
	if !stage.Valid() {
		return res, fmt.Errorf("%w: %d", models.ErrInvalidStage, int(stage))
	}

	for i, line := range lines {
		customID, content, err := ParseLine(line)
		if err != nil {
			if errors.Is(err, ErrRequestFailed) {
				res.Failed++
			} else {
				res.Malformed++
			}
			m.logger.Warn("Skipping result line", "stage", int(stage), "line", i+1, "custom_id", customID, "error", err)
			continue
		}

		batchID, pairID, err := models.ParseCustomID(customID)
		if err != nil {
			res.Unresolved++
			m.logger.Warn("Skipping result with invalid custom_id", "stage", int(stage), "custom_id", customID)
			continue
		}

		err = m.store.Update(batchID, pairID, func(state *models.ItemState) error {
			return state.SetField(stage, content)
		})
		switch {
		case err == nil:
			res.Merged++
		case errors.Is(err, store.ErrItemNotFound):
			res.Unresolved++
			m.logger.Warn("Skipping result for unknown item", "stage", int(stage), "custom_id", customID)
		default:
			return res, fmt.Errorf("failed to update item %s: %w", customID, err)
		}
	}

	m.record(stage, res)
	return res, nil
}

func (m *Merger) record(stage models.Stage, res Result) {
	label := stage.Keyword()
	m.metrics.AddMergeOutcome(label, "merged", res.Merged)
	m.metrics.AddMergeOutcome(label, "malformed", res.Malformed)
	m.metrics.AddMergeOutcome(label, "unresolved", res.Unresolved)
	m.metrics.AddMergeOutcome(label, "failed", res.Failed)
}

// ParseLine extracts the custom_id and the first choice's content from one output line.
// The custom_id is returned whenever it could be read, even alongside an error.
func ParseLine(line string) (customID, content string, err error) {
	var rec models.ResultLine
	if err := json.Unmarshal([]byte(line), &rec); err != nil {
		return "", "", fmt.Errorf("%w: %v", ErrMalformedLine, err)
	}
	if rec.CustomID == "" {
		return "", "", fmt.Errorf("%w: missing custom_id", ErrMalformedLine)
	}
	if rec.Error != nil {
		return rec.CustomID, "", fmt.Errorf("%w: %s: %s", ErrRequestFailed, rec.Error.Code, rec.Error.Message)
	}
	if rec.Response == nil {
		return rec.CustomID, "", fmt.Errorf("%w: missing response", ErrMalformedLine)
	}
	if rec.Response.StatusCode != 0 && rec.Response.StatusCode != 200 {
		return rec.CustomID, "", fmt.Errorf("%w: status %d", ErrRequestFailed, rec.Response.StatusCode)
	}
	if len(rec.Response.Body.Choices) == 0 {
		return rec.CustomID, "", fmt.Errorf("%w: no choices", ErrMalformedLine)
	}
	return rec.CustomID, rec.Response.Body.Choices[0].Message.Content, nil
}

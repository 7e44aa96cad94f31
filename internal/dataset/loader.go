// Package dataset loads the source list of image pairs.
package dataset

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/parquet-go/parquet-go"

	"github.com/lamim/cirforge/pkg/models"
)

// ErrInvalidEntry is returned for an entry missing either image URL
var ErrInvalidEntry = errors.New("invalid dataset entry")

// Loader reads dataset entries from a JSON array, JSONL or Parquet file
type Loader struct {
	datasetPath string
	logger      *slog.Logger
}

// NewLoader creates a new dataset loader
func NewLoader(datasetPath string, logger *slog.Logger) *Loader {
	return &Loader{
		datasetPath: datasetPath,
		logger:      logger.With("component", "dataset"),
	}
}

// Load reads every entry in file order. Any unreadable or incomplete
// entry fails the whole load, since sharding must see the exact input order.
func (l *Loader) Load() ([]models.DatasetEntry, error) {
	ext := strings.ToLower(filepath.Ext(l.datasetPath))

	var entries []models.DatasetEntry
	var err error
	switch ext {
	case ".parquet":
		entries, err = l.loadParquet()
	case ".jsonl":
		entries, err = l.loadJSONL()
	case ".json":
		entries, err = l.loadJSON()
	default:
		return nil, fmt.Errorf("unsupported file format: %s (supported: .json, .jsonl, .parquet)", ext)
	}
	if err != nil {
		return nil, err
	}

	for i, e := range entries {
		if e.ReferenceURL == "" || e.TargetURL == "" {
			return nil, fmt.Errorf("%w at position %d: reference_image and target_image are required", ErrInvalidEntry, i+1)
		}
	}

	l.logger.Info("Loaded dataset", "path", l.datasetPath, "entries", len(entries))
	return entries, nil
}

func (l *Loader) loadJSON() ([]models.DatasetEntry, error) {
	data, err := os.ReadFile(l.datasetPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read dataset file: %w", err)
	}

	var entries []models.DatasetEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("failed to parse dataset file: %w", err)
	}
	return entries, nil
}

func (l *Loader) loadJSONL() ([]models.DatasetEntry, error) {
	file, err := os.Open(l.datasetPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open dataset file: %w", err)
	}
	defer file.Close()

	var entries []models.DatasetEntry
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)

	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		var entry models.DatasetEntry
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			return nil, fmt.Errorf("failed to parse line %d: %w", lineNum, err)
		}
		entries = append(entries, entry)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("error reading dataset file: %w", err)
	}

	l.logger.Debug("Finished reading JSONL file", "total_records", len(entries), "total_lines", lineNum)
	return entries, nil
}

func (l *Loader) loadParquet() ([]models.DatasetEntry, error) {
	file, err := os.Open(l.datasetPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open parquet file: %w", err)
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to stat file: %w", err)
	}

	pf, err := parquet.OpenFile(file, info.Size())
	if err != nil {
		return nil, fmt.Errorf("failed to open parquet: %w", err)
	}
	l.logger.Debug("Parquet file opened", "num_rows", pf.NumRows(), "num_row_groups", len(pf.RowGroups()))

	reader := parquet.NewGenericReader[models.DatasetEntry](pf)
	defer reader.Close()

	var entries []models.DatasetEntry
	rows := make([]models.DatasetEntry, 128) // Read in batches
	for {
		n, err := reader.Read(rows)
		entries = append(entries, rows[:n]...)
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, fmt.Errorf("failed to read parquet rows: %w", err)
		}
	}
	return entries, nil
}

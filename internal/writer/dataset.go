package writer

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/parquet-go/parquet-go"

	"github.com/lamim/cirforge/internal/store"
	"github.com/lamim/cirforge/pkg/models"
)

// WriteDataset writes the final dataset as one indented JSON array.
// An empty dataset is written as [] so the file is always valid JSON.
func WriteDataset(path string, records []models.DatasetRecord) error {
	if records == nil {
		records = []models.DatasetRecord{}
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "    ")
	if err := enc.Encode(records); err != nil {
		return fmt.Errorf("failed to marshal dataset: %w", err)
	}

	if err := ensureDir(path); err != nil {
		return err
	}
	if err := store.WriteFileAtomic(path, buf.Bytes()); err != nil {
		return fmt.Errorf("failed to write dataset: %w", err)
	}
	return nil
}

// WriteParquet writes the final dataset as a parquet file
func WriteParquet(path string, records []models.DatasetRecord) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create parquet file: %w", err)
	}
	defer os.Remove(tmp.Name())

	w := parquet.NewGenericWriter[models.DatasetRecord](tmp)
	if _, err := w.Write(records); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to write parquet rows: %w", err)
	}
	if err := w.Close(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to finalize parquet file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close parquet file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("failed to rename parquet file: %w", err)
	}
	return nil
}

func ensureDir(path string) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create output directory: %w", err)
		}
	}
	return nil
}

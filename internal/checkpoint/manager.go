package checkpoint

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lamim/cirforge/internal/config"
	"github.com/lamim/cirforge/internal/store"
	"github.com/lamim/cirforge/pkg/models"
)

const ManifestFilename = "manifest.json"

// Manager persists the run manifest. Every mutation is written to disk
// before it returns so a crash never loses a submitted job id.
type Manager struct {
	dir      string
	manifest *models.Manifest
	mu       sync.RWMutex
	logger   *slog.Logger
}

// NewManager creates a manager for a fresh run
func NewManager(dir string, cfg *config.Config, logger *slog.Logger) *Manager {
	return &Manager{
		dir: dir,
		manifest: &models.Manifest{
			RunID:      uuid.New().String(),
			CreatedAt:  time.Now(),
			ConfigHash: computeConfigHash(cfg),
		},
		logger: logger.With("component", "checkpoint"),
	}
}

// NewManagerFromManifest creates a manager that continues an existing manifest
func NewManagerFromManifest(dir string, mf *models.Manifest, logger *slog.Logger) *Manager {
	return &Manager{
		dir:      dir,
		manifest: mf,
		logger:   logger.With("component", "checkpoint"),
	}
}

// Path returns the manifest file path inside dir
func Path(dir string) string {
	return filepath.Join(dir, ManifestFilename)
}

// Load reads a manifest from disk
func Load(dir string, logger *slog.Logger) (*models.Manifest, error) {
	data, err := os.ReadFile(Path(dir))
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}

	var mf models.Manifest
	if err := json.Unmarshal(data, &mf); err != nil {
		return nil, fmt.Errorf("failed to unmarshal manifest: %w", err)
	}

	logger.Info("Manifest loaded",
		"run_id", mf.RunID,
		"completed_stages", mf.CompletedStages,
		"jobs", len(mf.Jobs))
	return &mf, nil
}

// RunID identifies the run; it is attached to every submitted job
func (m *Manager) RunID() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.manifest.RunID
}

// Save writes the manifest atomically
func (m *Manager) Save() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saveLocked()
}

func (m *Manager) saveLocked() error {
	m.manifest.LastSavedAt = time.Now()
	data, err := json.MarshalIndent(m.manifest, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal manifest: %w", err)
	}
	if err := os.MkdirAll(m.dir, 0755); err != nil {
		return fmt.Errorf("failed to create manifest directory: %w", err)
	}
	if err := store.WriteFileAtomic(Path(m.dir), data); err != nil {
		return fmt.Errorf("failed to write manifest: %w", err)
	}
	m.logger.Debug("Manifest saved", "path", Path(m.dir), "jobs", len(m.manifest.Jobs))
	return nil
}

// MarkSharded records that the state tree has been created
func (m *Manager) MarkSharded() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.manifest.Sharded = true
	return m.saveLocked()
}

// RecordJob inserts or replaces the record for the handle's (stage, batch id)
func (m *Manager) RecordJob(h models.JobHandle) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec := models.JobRecord{JobHandle: h}
	if i := m.indexLocked(h.Stage, h.BatchID); i >= 0 {
		if m.manifest.Jobs[i].JobID == h.JobID {
			rec.Merged = m.manifest.Jobs[i].Merged
		}
		m.manifest.Jobs[i] = rec
	} else {
		m.manifest.Jobs = append(m.manifest.Jobs, rec)
	}
	return m.saveLocked()
}

// MarkMerged records that a completed job's output has been merged
func (m *Manager) MarkMerged(stage models.Stage, batchID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	i := m.indexLocked(stage, batchID)
	if i < 0 {
		return fmt.Errorf("no job recorded for %s shard %s", stage.Keyword(), batchID)
	}
	m.manifest.Jobs[i].Merged = true
	return m.saveLocked()
}

// MarkStageComplete records that every shard of a stage reached a terminal state
func (m *Manager) MarkStageComplete(stats models.StageStats) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !slices.Contains(m.manifest.CompletedStages, stats.Stage) {
		m.manifest.CompletedStages = append(m.manifest.CompletedStages, stats.Stage)
		slices.Sort(m.manifest.CompletedStages)
	}
	m.manifest.Stats = append(m.manifest.Stats, stats)
	return m.saveLocked()
}

// MarkStageIncomplete records a stage run that abandoned shards. The stage
// stays (or becomes) incomplete so a resumed run resubmits those shards.
func (m *Manager) MarkStageIncomplete(stats models.StageStats) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.manifest.CompletedStages = slices.DeleteFunc(m.manifest.CompletedStages, func(s models.Stage) bool {
		return s == stats.Stage
	})
	m.manifest.Stats = append(m.manifest.Stats, stats)
	return m.saveLocked()
}

// Jobs returns a copy of the recorded jobs of a stage
func (m *Manager) Jobs(stage models.Stage) []models.JobRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []models.JobRecord
	for _, rec := range m.manifest.Jobs {
		if rec.Stage == stage {
			out = append(out, rec)
		}
	}
	return out
}

// Manifest returns a read-only copy of the manifest
func (m *Manager) Manifest() *models.Manifest {
	m.mu.RLock()
	defer m.mu.RUnlock()

	cp := *m.manifest
	cp.CompletedStages = slices.Clone(m.manifest.CompletedStages)
	cp.Jobs = slices.Clone(m.manifest.Jobs)
	cp.Stats = slices.Clone(m.manifest.Stats)
	return &cp
}

func (m *Manager) indexLocked(stage models.Stage, batchID string) int {
	return slices.IndexFunc(m.manifest.Jobs, func(rec models.JobRecord) bool {
		return rec.Stage == stage && rec.BatchID == batchID
	})
}

func computeConfigHash(cfg *config.Config) string {
	// Hash the fields that change what a stage produces
	prompts := cfg.Prompts.List()
	data := fmt.Sprintf("%s:%s:%d:%s:%s:%s",
		cfg.Paths.DatasetFile,
		cfg.Model.ModelName,
		cfg.Model.MaxOutputTokens,
		prompts[0], prompts[1], prompts[2])
	hash := sha256.Sum256([]byte(data))
	return fmt.Sprintf("%x", hash[:8]) // First 8 bytes
}

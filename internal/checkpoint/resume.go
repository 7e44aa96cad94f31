package checkpoint

import (
	"fmt"
	"slices"

	"github.com/lamim/cirforge/internal/config"
	"github.com/lamim/cirforge/pkg/models"
)

// ValidateConfig verifies a manifest was created with the current config
func ValidateConfig(mf *models.Manifest, cfg *config.Config) error {
	expectedHash := computeConfigHash(cfg)
	if mf.ConfigHash != expectedHash {
		return fmt.Errorf("manifest config mismatch: run was started with a different dataset, model or prompts (hash: %s vs %s)", mf.ConfigHash, expectedHash)
	}
	return nil
}

// ValidateManifest verifies a manifest can be resumed with the current config
func ValidateManifest(mf *models.Manifest, cfg *config.Config) error {
	if err := ValidateConfig(mf, cfg); err != nil {
		return err
	}

	if IsComplete(mf) {
		return fmt.Errorf("run %s already completed every stage, nothing to resume", mf.RunID)
	}

	return nil
}

// IsComplete reports whether every stage has completed
func IsComplete(mf *models.Manifest) bool {
	for _, s := range models.Stages {
		if !StageComplete(mf, s) {
			return false
		}
	}
	return true
}

// StageComplete reports whether a stage has completed
func StageComplete(mf *models.Manifest, stage models.Stage) bool {
	return slices.Contains(mf.CompletedStages, stage)
}

// StatusCounts counts the recorded jobs of a stage by status
func StatusCounts(mf *models.Manifest, stage models.Stage) map[models.JobStatus]int {
	counts := make(map[models.JobStatus]int)
	for _, rec := range mf.Jobs {
		if rec.Stage == stage {
			counts[rec.Status]++
		}
	}
	return counts
}

// PendingJobs returns the jobs of a stage that still need polling or merging
func PendingJobs(mf *models.Manifest, stage models.Stage) []models.JobRecord {
	var pending []models.JobRecord
	for _, rec := range mf.Jobs {
		if rec.Stage != stage {
			continue
		}
		if !rec.Status.Terminal() || (rec.Status == models.JobCompleted && !rec.Merged) {
			pending = append(pending, rec)
		}
	}
	return pending
}

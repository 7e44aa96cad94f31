package models

import "time"

// JobRecord is a JobHandle as persisted in the run manifest
type JobRecord struct {
	JobHandle
	Merged bool `json:"merged"`
}

// Manifest records the batch jobs of a run so an interrupted run can be resumed
// without submitting the same shard twice
type Manifest struct {
	RunID           string       `json:"run_id"`
	CreatedAt       time.Time    `json:"created_at"`
	LastSavedAt     time.Time    `json:"last_saved_at"`
	ConfigHash      string       `json:"config_hash"`
	Sharded         bool         `json:"sharded"`
	CompletedStages []Stage      `json:"completed_stages"`
	Jobs            []JobRecord  `json:"jobs"`
	Stats           []StageStats `json:"stats,omitempty"`
}

package models

import "time"

// StageStats summarises one run of a stage
type StageStats struct {
	Stage         Stage         `json:"stage"`
	Requests      int           `json:"requests"`      // request records written
	Skipped       int           `json:"skipped"`       // items skipped for a missing prerequisite
	Shards        int           `json:"shards"`        // request files built
	Submitted     int           `json:"submitted"`     // jobs created
	SubmitFailed  int           `json:"submit_failed"` // files whose upload or job creation failed
	Completed     int           `json:"completed"`     // jobs that reached completed
	Failed        int           `json:"failed"`        // jobs that failed, expired or timed out
	Merged        int           `json:"merged"`        // items updated from results
	MergeSkipped  int           `json:"merge_skipped"` // result lines that could not be applied
	StartTime     time.Time     `json:"start_time"`
	EndTime       time.Time     `json:"end_time"`
	TotalDuration time.Duration `json:"total_duration"`
}

// PostProcessStats summarises a post-processing pass
type PostProcessStats struct {
	Items          int // item states visited
	MissingCaption int // items without difference captions
	TooShort       int // items whose caption length does not exceed the minimum
	Included       int // records emitted
	Sentences      int // sentences kept across all records
	Discarded      int // candidate sentences dropped
}

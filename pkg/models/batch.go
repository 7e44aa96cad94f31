package models

import "time"

// RequestRecord is one line of a batch request file
type RequestRecord struct {
	CustomID string      `json:"custom_id"`
	Method   string      `json:"method"`
	URL      string      `json:"url"`
	Body     RequestBody `json:"body"`
}

// RequestBody is the chat completion payload of a request record
type RequestBody struct {
	Model     string    `json:"model"`
	Messages  []Message `json:"messages"`
	MaxTokens int       `json:"max_tokens"`
}

// Message is a chat message. Content is either a string or a slice of ContentPart.
type Message struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

// ContentPart is one element of a multi-part message
type ContentPart struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *ImageURL `json:"image_url,omitempty"`
}

// ImageURL references an image by URL
type ImageURL struct {
	URL string `json:"url"`
}

// ResultLine is one line of a completed batch job's output file
type ResultLine struct {
	ID       string          `json:"id"`
	CustomID string          `json:"custom_id"`
	Response *ResultResponse `json:"response"`
	Error    *ResultError    `json:"error"`
}

// ResultResponse wraps the HTTP response recorded for a single request
type ResultResponse struct {
	StatusCode int        `json:"status_code"`
	RequestID  string     `json:"request_id"`
	Body       ResultBody `json:"body"`
}

// ResultBody is the chat completion body of a result line
type ResultBody struct {
	Choices []ResultChoice `json:"choices"`
}

// ResultChoice is a single completion choice
type ResultChoice struct {
	Index   int `json:"index"`
	Message struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	} `json:"message"`
	FinishReason string `json:"finish_reason"`
}

// ResultError is the per-request error reported by the batch service
type ResultError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// JobStatus is the lifecycle state of a batch job
type JobStatus string

const (
	JobSubmitted JobStatus = "submitted"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
)

func (s JobStatus) rank() int {
	switch s {
	case JobSubmitted:
		return 0
	case JobRunning:
		return 1
	case JobCompleted, JobFailed:
		return 2
	default:
		return -1
	}
}

// Terminal reports whether no further transitions are possible
func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobFailed
}

// JobHandle tracks one remote batch job, which covers exactly one shard for one stage
type JobHandle struct {
	Stage        Stage     `json:"stage"`
	BatchID      string    `json:"batch_id"`
	JobID        string    `json:"job_id"`
	InputFileID  string    `json:"input_file_id"`
	OutputFileID string    `json:"output_file_id,omitempty"`
	ErrorFileID  string    `json:"error_file_id,omitempty"`
	Status       JobStatus `json:"status"`
	Reason       string    `json:"reason,omitempty"`
	SubmittedAt  time.Time `json:"submitted_at"`
}

// Advance moves the handle to next if that is a forward transition.
// Terminal states are never left and unknown states are ignored.
func (h *JobHandle) Advance(next JobStatus) bool {
	if h.Status.Terminal() || next.rank() < 0 || next.rank() < h.Status.rank() {
		return false
	}
	if next == h.Status {
		return false
	}
	h.Status = next
	return true
}

// Fail marks the handle as failed with a reason, unless it is already terminal
func (h *JobHandle) Fail(reason string) bool {
	if !h.Advance(JobFailed) {
		return false
	}
	h.Reason = reason
	return true
}

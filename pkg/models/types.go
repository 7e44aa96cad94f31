package models

import (
	"errors"
	"fmt"
	"strings"
)

// Stage identifies one of the three ordered transformation steps
type Stage int

const (
	// StageQueryDescriptors describes the query (reference) image
	StageQueryDescriptors Stage = 1
	// StageRetrievedDescriptors describes the retrieved (target) image relative to the query descriptors
	StageRetrievedDescriptors Stage = 2
	// StageDifferenceCaptions turns both descriptor lists into difference captions
	StageDifferenceCaptions Stage = 3
)

// Stages lists every stage in execution order
var Stages = []Stage{StageQueryDescriptors, StageRetrievedDescriptors, StageDifferenceCaptions}

// ErrInvalidStage is returned when a stage number is outside 1..3
var ErrInvalidStage = errors.New("invalid stage")

// ParseStage converts a stage number into a Stage
func ParseStage(n int) (Stage, error) {
	s := Stage(n)
	if !s.Valid() {
		return 0, fmt.Errorf("%w: %d (expected 1, 2 or 3)", ErrInvalidStage, n)
	}
	return s, nil
}

// Valid reports whether s is one of the known stages
func (s Stage) Valid() bool {
	return s >= StageQueryDescriptors && s <= StageDifferenceCaptions
}

// Keyword is the fixed token used in request file names for this stage
func (s Stage) Keyword() string {
	return fmt.Sprintf("stage_%d", int(s))
}

func (s Stage) String() string {
	switch s {
	case StageQueryDescriptors:
		return "query_descriptors"
	case StageRetrievedDescriptors:
		return "retrieved_descriptors"
	case StageDifferenceCaptions:
		return "difference_captions"
	default:
		return fmt.Sprintf("stage(%d)", int(s))
	}
}

// Prerequisites returns the stages whose fields must be present before a request for s can be built
func (s Stage) Prerequisites() []Stage {
	switch s {
	case StageRetrievedDescriptors:
		return []Stage{StageQueryDescriptors}
	case StageDifferenceCaptions:
		return []Stage{StageQueryDescriptors, StageRetrievedDescriptors}
	default:
		return nil
	}
}

// DatasetEntry is one (reference image, target image) pair from the source dataset
type DatasetEntry struct {
	ReferenceURL string `json:"reference_image" parquet:"reference_image"`
	TargetURL    string `json:"target_image" parquet:"target_image"`
}

// ImageState holds the URL of an image and the descriptors produced for it
type ImageState struct {
	URL         string  `json:"url"`
	Descriptors *string `json:"descriptors"`
}

// ItemState is the persisted state of a single image pair
type ItemState struct {
	BatchID            string     `json:"batch_id"`
	PairID             string     `json:"pair_id"`
	QueryImage         ImageState `json:"query_image"`
	RetrievedImage     ImageState `json:"retrieved_image"`
	DifferenceCaptions *string    `json:"difference_captions"`
}

// CustomID is the key used to reconcile batch results with this item
func (s *ItemState) CustomID() string {
	return FormatCustomID(s.BatchID, s.PairID)
}

// Field returns the value produced by the given stage, or nil if the stage has not completed
func (s *ItemState) Field(stage Stage) *string {
	switch stage {
	case StageQueryDescriptors:
		return s.QueryImage.Descriptors
	case StageRetrievedDescriptors:
		return s.RetrievedImage.Descriptors
	case StageDifferenceCaptions:
		return s.DifferenceCaptions
	default:
		return nil
	}
}

// SetField stores the output of the given stage
func (s *ItemState) SetField(stage Stage, value string) error {
	switch stage {
	case StageQueryDescriptors:
		s.QueryImage.Descriptors = &value
	case StageRetrievedDescriptors:
		s.RetrievedImage.Descriptors = &value
	case StageDifferenceCaptions:
		s.DifferenceCaptions = &value
	default:
		return fmt.Errorf("%w: %d", ErrInvalidStage, int(stage))
	}
	return nil
}

// ErrInvalidCustomID is returned when a custom_id cannot be split into batch and pair ids
var ErrInvalidCustomID = errors.New("invalid custom_id")

// FormatCustomID joins a batch id and pair id into a custom_id
func FormatCustomID(batchID, pairID string) string {
	return batchID + "-" + pairID
}

// ParseCustomID splits a custom_id on its first separator
func ParseCustomID(customID string) (batchID, pairID string, err error) {
	batchID, pairID, ok := strings.Cut(customID, "-")
	if !ok || batchID == "" || pairID == "" {
		return "", "", fmt.Errorf("%w: %q", ErrInvalidCustomID, customID)
	}
	return batchID, pairID, nil
}

// DatasetRecord is one entry of the final difference-caption dataset
type DatasetRecord struct {
	QueryImage         string   `json:"query_image" parquet:"query_image"`
	RetrievedImage     string   `json:"retrieved_image" parquet:"retrieved_image"`
	DifferenceCaptions []string `json:"difference_captions" parquet:"difference_captions,list"`
}

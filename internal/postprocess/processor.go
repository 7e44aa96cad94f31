// Package postprocess filters finished items and cleans their captions
// into the final dataset.
package postprocess

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"unicode"
	"unicode/utf8"

	"golang.org/x/sync/errgroup"

	"github.com/lamim/cirforge/internal/grammar"
	"github.com/lamim/cirforge/internal/metrics"
	"github.com/lamim/cirforge/internal/store"
	"github.com/lamim/cirforge/internal/writer"
	"github.com/lamim/cirforge/pkg/models"
)

// Options controls post-processing
type Options struct {
	MinLength   int    // captions must be longer than this, in characters
	Concurrency int    // concurrent grammar checks
	DatasetPath string // final JSON dataset
	ParquetPath string // optional parquet copy
}

// Processor turns the state tree into the final dataset
type Processor struct {
	store   *store.Store
	checker grammar.Checker
	metrics *metrics.Collector
	opts    Options
	logger  *slog.Logger
}

// New creates a post-processor
func New(st *store.Store, checker grammar.Checker, collector *metrics.Collector, opts Options, logger *slog.Logger) *Processor {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	return &Processor{
		store:   st,
		checker: checker,
		metrics: collector,
		opts:    opts,
		logger:  logger.With("component", "postprocess"),
	}
}

// Run builds the dataset and writes it to the configured paths
func (p *Processor) Run(ctx context.Context) ([]models.DatasetRecord, *models.PostProcessStats, error) {
	records, stats, err := p.Process(ctx)
	if err != nil {
		return nil, nil, err
	}

	if err := writer.WriteDataset(p.opts.DatasetPath, records); err != nil {
		return nil, nil, err
	}
	p.logger.Info("Wrote dataset", "path", p.opts.DatasetPath, "records", len(records))

	if p.opts.ParquetPath != "" {
		if err := writer.WriteParquet(p.opts.ParquetPath, records); err != nil {
			return nil, nil, err
		}
		p.logger.Info("Wrote parquet export", "path", p.opts.ParquetPath, "records", len(records))
	}
	return records, stats, nil
}

// Process walks every item state in shard and pair order and returns the
// cleaned records of the items whose caption exists and is long enough.
// An item whose caption cleans to no sentences is still included.
func (p *Processor) Process(ctx context.Context) ([]models.DatasetRecord, *models.PostProcessStats, error) {
	stats := &models.PostProcessStats{}

	type candidate struct {
		state   *models.ItemState
		caption string
	}
	var candidates []candidate
	err := p.store.Walk(func(state *models.ItemState) error {
		stats.Items++
		if state.DifferenceCaptions == nil {
			stats.MissingCaption++
			return nil
		}
		if utf8.RuneCountInString(*state.DifferenceCaptions) <= p.opts.MinLength {
			stats.TooShort++
			return nil
		}
		candidates = append(candidates, candidate{state: state, caption: *state.DifferenceCaptions})
		return nil
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read item states: %w", err)
	}

	records := make([]models.DatasetRecord, len(candidates))
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.opts.Concurrency)
	for i, c := range candidates {
		i, c := i, c
		g.Go(func() error {
			sentences, discarded, err := Clean(gctx, p.checker, c.caption)
			if err != nil {
				return fmt.Errorf("failed to clean captions of %s: %w", c.state.CustomID(), err)
			}
			records[i] = models.DatasetRecord{
				QueryImage:         c.state.QueryImage.URL,
				RetrievedImage:     c.state.RetrievedImage.URL,
				DifferenceCaptions: sentences,
			}

			mu.Lock()
			stats.Sentences += len(sentences)
			stats.Discarded += discarded
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}
	stats.Included = len(records)
	p.metrics.AddSentences(stats.Sentences, stats.Discarded)

	p.logger.Info("Post-processing complete",
		"items", stats.Items,
		"missing_caption", stats.MissingCaption,
		"too_short", stats.TooShort,
		"included", stats.Included,
		"sentences", stats.Sentences,
		"discarded", stats.Discarded)
	return records, stats, nil
}

// Clean splits a caption into sentences and keeps those the checker accepts.
// The checker sees each candidate as stripped, before it is trimmed and
// given its period. It returns the kept sentences and the number of
// discarded candidates.
func Clean(ctx context.Context, checker grammar.Checker, caption string) ([]string, int, error) {
	kept := []string{}
	discarded := 0
	for _, candidate := range SplitSentences(caption) {
		stripped := StripLeading(candidate)
		if stripped == "" {
			discarded++
			continue
		}

		issues, err := checker.Check(ctx, stripped)
		if err != nil {
			return nil, 0, err
		}
		if len(issues) > 0 {
			discarded++
			continue
		}
		kept = append(kept, strings.TrimSpace(stripped)+".")
	}
	return kept, discarded, nil
}

// SplitSentences splits text on sentence terminators
func SplitSentences(text string) []string {
	return strings.FieldsFunc(text, func(r rune) bool {
		return r == '.' || r == '!' || r == '?'
	})
}

// StripLeading drops everything before the first uppercase letter.
// Text without an uppercase letter strips to the empty string.
func StripLeading(s string) string {
	i := strings.IndexFunc(s, unicode.IsUpper)
	if i < 0 {
		return ""
	}
	return s[i:]
}

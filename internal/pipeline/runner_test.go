package pipeline

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"go.uber.org/goleak"

	"github.com/lamim/cirforge/internal/batch"
	"github.com/lamim/cirforge/internal/batch/batchtest"
	"github.com/lamim/cirforge/internal/checkpoint"
	"github.com/lamim/cirforge/internal/config"
	"github.com/lamim/cirforge/internal/grammar"
	"github.com/lamim/cirforge/internal/merge"
	"github.com/lamim/cirforge/internal/postprocess"
	"github.com/lamim/cirforge/internal/requests"
	"github.com/lamim/cirforge/internal/store"
	"github.com/lamim/cirforge/pkg/models"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type env struct {
	svc    *batchtest.Service
	store  *store.Store
	ckpt   *checkpoint.Manager
	runner *Runner
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

func stageOutputs(stage string, req models.RequestRecord) (string, error) {
	switch stage {
	case models.StageDifferenceCaptions.Keyword():
		return "The color changed. It got bigger.", nil
	default:
		return `Object: ["desc"]`, nil
	}
}

func newEnv(t *testing.T, entries []models.DatasetEntry, opts Options) *env {
	t.Helper()
	logger := testLogger()
	dir := t.TempDir()

	st := store.New(dir, logger)
	if _, err := st.Shard(entries); err != nil {
		t.Fatal(err)
	}

	svc := batchtest.New(stageOutputs)
	ckpt := checkpoint.NewManager(dir, &config.Config{}, logger)
	builder := requests.NewBuilder(st, requests.Options{
		Model:     "gpt-4o",
		MaxTokens: 1500,
		Endpoint:  "/v1/chat/completions",
		Prompts:   [3]string{"one", "two", "three"},
	}, logger)

	if opts.PollInterval == 0 {
		opts.PollInterval = 5 * time.Millisecond
	}
	if opts.Concurrency == 0 {
		opts.Concurrency = 4
	}
	opts.Progress = io.Discard

	runner := New(st, builder, batch.NewClient(svc, ckpt.RunID(), logger), merge.NewMerger(st, nil, logger), ckpt, nil, opts, logger)
	return &env{svc: svc, store: st, ckpt: ckpt, runner: runner}
}

func pairs(n int) []models.DatasetEntry {
	entries := make([]models.DatasetEntry, n)
	for i := range entries {
		entries[i] = models.DatasetEntry{ReferenceURL: "r" + store.PairID(i+1), TargetURL: "t" + store.PairID(i+1)}
	}
	return entries
}

func TestRunStageMergesEveryShard(t *testing.T) {
	e := newEnv(t, pairs(1001), Options{})
	e.svc.PollsUntilDone = 3

	stats, err := e.runner.RunStage(context.Background(), models.StageQueryDescriptors)
	if err != nil {
		t.Fatalf("RunStage() failed: %v", err)
	}
	if stats.Shards != 2 || stats.Submitted != 2 || stats.Completed != 2 || stats.Merged != 1001 {
		t.Errorf("unexpected stats: %+v", stats)
	}

	for _, id := range [][2]string{{"0001", "000001"}, {"0002", "001001"}} {
		state, err := e.store.Load(id[0], id[1])
		if err != nil {
			t.Fatal(err)
		}
		if state.QueryImage.Descriptors == nil || *state.QueryImage.Descriptors != `Object: ["desc"]` {
			t.Errorf("%s-%s: descriptors not merged", id[0], id[1])
		}
		if state.RetrievedImage.Descriptors != nil || state.DifferenceCaptions != nil {
			t.Errorf("%s-%s: only the stage 1 field may be set", id[0], id[1])
		}
	}

	if !checkpoint.StageComplete(e.ckpt.Manifest(), models.StageQueryDescriptors) {
		t.Error("stage should be recorded as complete")
	}
}

func TestFailedShardIsExcludedFromLaterStages(t *testing.T) {
	e := newEnv(t, pairs(1001), Options{})
	e.svc.FailShards[batchtest.ShardKey(models.StageQueryDescriptors, "0002")] = true
	ctx := context.Background()

	stats, err := e.runner.RunStage(ctx, models.StageQueryDescriptors)
	if err != nil {
		t.Fatalf("a failed job must not abort the stage: %v", err)
	}
	if stats.Completed != 1 || stats.Failed != 1 || stats.Merged != 1000 {
		t.Errorf("unexpected stats: %+v", stats)
	}

	state, err := e.store.Load("0002", "001001")
	if err != nil {
		t.Fatal(err)
	}
	if state.QueryImage.Descriptors != nil {
		t.Error("items of a failed shard must keep their field absent")
	}

	stats, err = e.runner.RunStage(ctx, models.StageRetrievedDescriptors)
	if err != nil {
		t.Fatal(err)
	}
	if stats.Requests != 1000 || stats.Skipped != 1 || stats.Shards != 1 {
		t.Errorf("stage 2 should only cover the first shard: %+v", stats)
	}
}

func TestSubmitFailureIsolatesShard(t *testing.T) {
	e := newEnv(t, pairs(3), Options{})
	e.svc.UploadErr = errors.New("connection reset")

	stats, err := e.runner.RunStage(context.Background(), models.StageQueryDescriptors)
	if err != nil {
		t.Fatalf("submission failures must not abort the stage: %v", err)
	}
	if stats.SubmitFailed != 1 || stats.Submitted != 0 || stats.Merged != 0 {
		t.Errorf("unexpected stats: %+v", stats)
	}
	if e.svc.JobCount() != 0 {
		t.Errorf("expected no jobs, got %d", e.svc.JobCount())
	}
}

func TestStuckJobFailsAtDeadline(t *testing.T) {
	e := newEnv(t, pairs(1001), Options{PollDeadline: 40 * time.Millisecond})
	e.svc.StuckShards[batchtest.ShardKey(models.StageQueryDescriptors, "0001")] = true

	stats, err := e.runner.RunStage(context.Background(), models.StageQueryDescriptors)
	if err != nil {
		t.Fatal(err)
	}
	if stats.Completed != 1 || stats.Failed != 1 {
		t.Errorf("unexpected stats: %+v", stats)
	}

	jobs := e.ckpt.Jobs(models.StageQueryDescriptors)
	var timedOut int
	for _, j := range jobs {
		if j.Status == models.JobFailed && j.Reason == ErrPollDeadline.Error() {
			timedOut++
		}
	}
	if timedOut != 1 {
		t.Errorf("expected one job failed by deadline, got %+v", jobs)
	}
}

func TestStuckShardDoesNotDelayOthers(t *testing.T) {
	e := newEnv(t, pairs(1001), Options{})
	e.svc.StuckShards[batchtest.ShardKey(models.StageQueryDescriptors, "0001")] = true

	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()

	_, err := e.runner.RunStage(ctx, models.StageQueryDescriptors)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected the stuck shard to keep the stage open, got %v", err)
	}

	state, err := e.store.Load("0002", "001001")
	if err != nil {
		t.Fatal(err)
	}
	if state.QueryImage.Descriptors == nil {
		t.Error("shard 0002 must be merged while shard 0001 is still outstanding")
	}

	merged := map[string]bool{}
	for _, j := range e.ckpt.Jobs(models.StageQueryDescriptors) {
		merged[j.BatchID] = j.Merged
	}
	if diff := cmp.Diff(map[string]bool{"0001": false, "0002": true}, merged); diff != "" {
		t.Errorf("merged flags mismatch (-want +got):\n%s", diff)
	}
}

func TestCancelWhilePolling(t *testing.T) {
	e := newEnv(t, pairs(1), Options{})
	e.svc.StuckShards[batchtest.ShardKey(models.StageQueryDescriptors, "0001")] = true

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	_, err := e.runner.RunStage(ctx, models.StageQueryDescriptors)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected context deadline error, got %v", err)
	}
	if checkpoint.StageComplete(e.ckpt.Manifest(), models.StageQueryDescriptors) {
		t.Error("an interrupted stage must not be marked complete")
	}
}

func TestResumeRepollsRecordedJob(t *testing.T) {
	e := newEnv(t, pairs(2), Options{})
	ctx := context.Background()
	logger := testLogger()

	// a previous attempt submitted the shard and was interrupted before it finished
	if _, err := requests.NewBuilder(e.store, requests.Options{Prompts: [3]string{"a", "b", "c"}}, logger).Build(models.StageQueryDescriptors); err != nil {
		t.Fatal(err)
	}
	files, err := requests.Collect(e.store, models.StageQueryDescriptors)
	if err != nil {
		t.Fatal(err)
	}
	h, err := batch.NewClient(e.svc, e.ckpt.RunID(), logger).Submit(ctx, models.StageQueryDescriptors, files[0].BatchID, files[0].Path)
	if err != nil {
		t.Fatal(err)
	}
	if err := e.ckpt.RecordJob(*h); err != nil {
		t.Fatal(err)
	}

	stats, err := e.runner.RunStage(ctx, models.StageQueryDescriptors)
	if err != nil {
		t.Fatal(err)
	}
	if e.svc.Creates != 1 {
		t.Errorf("recorded job must not be resubmitted, got %d creates", e.svc.Creates)
	}
	if stats.Submitted != 0 || stats.Completed != 1 || stats.Merged != 2 {
		t.Errorf("unexpected stats: %+v", stats)
	}
}

func TestResumeResubmitsFailedShards(t *testing.T) {
	e := newEnv(t, pairs(1001), Options{})
	failing := batchtest.ShardKey(models.StageQueryDescriptors, "0002")
	e.svc.FailShards[failing] = true
	ctx := context.Background()

	if _, err := e.runner.Run(ctx); err != nil {
		t.Fatalf("Run() failed: %v", err)
	}
	mf := e.ckpt.Manifest()
	if checkpoint.StageComplete(mf, models.StageQueryDescriptors) {
		t.Error("a stage with a failed shard must not be recorded as complete")
	}
	if !checkpoint.StageComplete(mf, models.StageDifferenceCaptions) {
		t.Error("later stages without failures should be recorded as complete")
	}

	// the service recovers and the run is resumed
	delete(e.svc.FailShards, failing)
	creates := e.svc.Creates

	all, err := e.runner.Run(ctx)
	if err != nil {
		t.Fatalf("resumed Run() failed: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("every stage should run after stage 1 recovers, got %d", len(all))
	}
	// only shard 0002 is submitted, once per stage
	if got := e.svc.Creates - creates; got != 3 {
		t.Errorf("resume created %d jobs, want 3", got)
	}
	for _, stats := range all {
		if stats.Submitted != 1 || stats.Completed != 2 || stats.Failed != 0 {
			t.Errorf("stage %d: unexpected stats %+v", stats.Stage, stats)
		}
	}

	state, err := e.store.Load("0002", "001001")
	if err != nil {
		t.Fatal(err)
	}
	if state.DifferenceCaptions == nil {
		t.Error("the recovered shard must reach the last stage")
	}
	if !checkpoint.IsComplete(e.ckpt.Manifest()) {
		t.Error("every stage should be complete after the resume")
	}
}

func TestEndToEnd(t *testing.T) {
	e := newEnv(t, []models.DatasetEntry{{ReferenceURL: "r.png", TargetURL: "t.png"}}, Options{})
	ctx := context.Background()

	all, err := e.runner.Run(ctx)
	if err != nil {
		t.Fatalf("Run() failed: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 stage results, got %d", len(all))
	}

	state, err := e.store.Load("0001", "000001")
	if err != nil {
		t.Fatal(err)
	}
	if *state.QueryImage.Descriptors != `Object: ["desc"]` || *state.RetrievedImage.Descriptors != `Object: ["desc"]` {
		t.Errorf("descriptors not merged: %+v", state)
	}

	pp := postprocess.New(e.store, cleanChecker{}, nil, postprocess.Options{MinLength: 10}, testLogger())
	records, _, err := pp.Process(ctx)
	if err != nil {
		t.Fatal(err)
	}
	want := []models.DatasetRecord{{
		QueryImage:         "r.png",
		RetrievedImage:     "t.png",
		DifferenceCaptions: []string{"The color changed.", "It got bigger."},
	}}
	if diff := cmp.Diff(want, records); diff != "" {
		t.Errorf("dataset mismatch (-want +got):\n%s", diff)
	}

	// every stage is complete, so a second run submits nothing
	creates := e.svc.Creates
	if _, err := e.runner.Run(ctx); err != nil {
		t.Fatal(err)
	}
	if e.svc.Creates != creates {
		t.Errorf("completed stages must not be resubmitted")
	}
}

type cleanChecker struct{}

func (cleanChecker) Check(context.Context, string) ([]grammar.Issue, error) { return nil, nil }

package store

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/lamim/cirforge/pkg/models"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
	return New(t.TempDir(), logger)
}

func makeEntries(n int) []models.DatasetEntry {
	entries := make([]models.DatasetEntry, n)
	for i := range entries {
		entries[i] = models.DatasetEntry{
			ReferenceURL: fmt.Sprintf("https://img.example/r%d.png", i+1),
			TargetURL:    fmt.Sprintf("https://img.example/t%d.png", i+1),
		}
	}
	return entries
}

func TestBatchAndPairIDs(t *testing.T) {
	tests := []struct {
		pos       int
		wantBatch string
		wantPair  string
	}{
		{1, "0001", "000001"},
		{999, "0001", "000999"},
		{1000, "0001", "001000"},
		{1001, "0002", "001001"},
		{2000, "0002", "002000"},
		{2001, "0003", "002001"},
	}
	for _, tt := range tests {
		if got := BatchID(tt.pos); got != tt.wantBatch {
			t.Errorf("BatchID(%d) = %s, want %s", tt.pos, got, tt.wantBatch)
		}
		if got := PairID(tt.pos); got != tt.wantPair {
			t.Errorf("PairID(%d) = %s, want %s", tt.pos, got, tt.wantPair)
		}
	}
}

func TestShardCounts(t *testing.T) {
	for _, n := range []int{0, 1, 999, 1000, 1001, 2500} {
		t.Run(fmt.Sprint(n), func(t *testing.T) {
			s := newTestStore(t)
			shards, err := s.Shard(makeEntries(n))
			if err != nil {
				t.Fatalf("Shard() failed: %v", err)
			}
			want := (n + 999) / 1000
			if shards != want {
				t.Errorf("Shard() = %d shards, want %d", shards, want)
			}
			ids, err := s.Shards()
			if err != nil {
				t.Fatal(err)
			}
			if len(ids) != want {
				t.Errorf("Shards() returned %d ids, want %d", len(ids), want)
			}

			count := 0
			err = s.Walk(func(st *models.ItemState) error {
				count++
				if st.BatchID != BatchID(count) || st.PairID != PairID(count) {
					t.Errorf("item %d has ids %s/%s", count, st.BatchID, st.PairID)
				}
				return nil
			})
			if err != nil {
				t.Fatal(err)
			}
			if count != n {
				t.Errorf("Walk visited %d items, want %d", count, n)
			}
		})
	}
}

func TestShardIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	entries := makeEntries(1002)

	if _, err := s.Shard(entries); err != nil {
		t.Fatal(err)
	}
	first := snapshot(t, s.Root())

	if _, err := s.Shard(entries); err != nil {
		t.Fatal(err)
	}
	second := snapshot(t, s.Root())

	if len(first) != 1002 {
		t.Fatalf("expected 1002 state files, got %d", len(first))
	}
	if diff := cmp.Diff(first, second); diff != "" {
		t.Errorf("re-sharding changed files (-first +second):\n%s", diff)
	}
}

func TestReshardSmallerDatasetRemovesStaleItems(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.Shard(makeEntries(1003)); err != nil {
		t.Fatal(err)
	}
	err := s.Update("0001", "000003", func(state *models.ItemState) error {
		return state.SetField(models.StageDifferenceCaptions, "A caption from the previous dataset.")
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(s.InputDir("0001"), 0755); err != nil {
		t.Fatal(err)
	}

	shards, err := s.Shard(makeEntries(2))
	if err != nil {
		t.Fatal(err)
	}
	if shards != 1 {
		t.Errorf("Shard() = %d shards, want 1", shards)
	}

	ids, err := s.Shards()
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{"0001"}, ids); diff != "" {
		t.Errorf("shards mismatch (-want +got):\n%s", diff)
	}
	items, err := s.Items("0001")
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{"000001", "000002"}, items); diff != "" {
		t.Errorf("items mismatch (-want +got):\n%s", diff)
	}
	if _, err := s.Load("0001", "000003"); !errors.Is(err, ErrItemNotFound) {
		t.Errorf("stale item must be removed, got %v", err)
	}
	if _, err := os.Stat(s.InputDir("0001")); err != nil {
		t.Errorf("request file directory of a kept shard must survive: %v", err)
	}

	var visited int
	if err := s.Walk(func(*models.ItemState) error { visited++; return nil }); err != nil {
		t.Fatal(err)
	}
	if visited != 2 {
		t.Errorf("Walk visited %d items, want 2", visited)
	}
}

func snapshot(t *testing.T, root string) map[string]string {
	t.Helper()
	files := make(map[string]string)
	err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		rel, _ := filepath.Rel(root, path)
		files[rel] = string(data)
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	return files
}

func TestShardWritesAbsentFields(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.Shard([]models.DatasetEntry{{ReferenceURL: "r.png", TargetURL: "t.png"}}); err != nil {
		t.Fatal(err)
	}

	data, err := os.ReadFile(s.Path("0001", "000001"))
	if err != nil {
		t.Fatal(err)
	}
	want := `{
    "batch_id": "0001",
    "pair_id": "000001",
    "query_image": {
        "url": "r.png",
        "descriptors": null
    },
    "retrieved_image": {
        "url": "t.png",
        "descriptors": null
    },
    "difference_captions": null
}
`
	if diff := cmp.Diff(want, string(data)); diff != "" {
		t.Errorf("state file mismatch (-want +got):\n%s", diff)
	}
}

func TestLoadMissingItem(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Load("0001", "000042")
	if !errors.Is(err, ErrItemNotFound) {
		t.Errorf("Load() error = %v, want ErrItemNotFound", err)
	}

	// ids that do not match the layout must never escape the root
	_, err = s.Load("..", "000001")
	if !errors.Is(err, ErrItemNotFound) {
		t.Errorf("Load() error = %v, want ErrItemNotFound", err)
	}
}

func TestUpdateOnlyPersistsOnSuccess(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.Shard(makeEntries(1)); err != nil {
		t.Fatal(err)
	}

	boom := errors.New("boom")
	err := s.Update("0001", "000001", func(st *models.ItemState) error {
		_ = st.SetField(models.StageQueryDescriptors, "discarded")
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("Update() error = %v, want boom", err)
	}

	st, err := s.Load("0001", "000001")
	if err != nil {
		t.Fatal(err)
	}
	if st.QueryImage.Descriptors != nil {
		t.Error("failed update must not be persisted")
	}
}

func TestConcurrentUpdatesSameItem(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.Shard(makeEntries(1)); err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := s.Update("0001", "000001", func(st *models.ItemState) error {
				cur := ""
				if st.DifferenceCaptions != nil {
					cur = *st.DifferenceCaptions
				}
				return st.SetField(models.StageDifferenceCaptions, cur+"x")
			})
			if err != nil {
				t.Errorf("Update() failed: %v", err)
			}
		}()
	}
	wg.Wait()

	st, err := s.Load("0001", "000001")
	if err != nil {
		t.Fatal(err)
	}
	if got := len(*st.DifferenceCaptions); got != 50 {
		t.Errorf("expected 50 serialized updates, got %d", got)
	}
}

func TestWriteFileAtomicLeavesNoTempFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "f.json")
	if err := WriteFileAtomic(path, []byte("one")); err != nil {
		t.Fatal(err)
	}
	if err := WriteFileAtomic(path, []byte("two")); err != nil {
		t.Fatal(err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(data, []byte("two")) {
		t.Errorf("content = %q, want two", data)
	}

	entries, _ := os.ReadDir(dir)
	if len(entries) != 1 {
		t.Errorf("expected only the target file, found %d entries", len(entries))
	}
}

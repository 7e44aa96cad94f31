// Package store owns the on-disk state tree: one directory per shard,
// one directory per image pair, and one JSON state file per pair.
//
//	<root>/<batch_id>/<pair_id>/output.json
//	<root>/<batch_id>/input_files/stage_<N>_input.jsonl
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"sync"

	"github.com/lamim/cirforge/pkg/models"
)

const (
	// ShardSize is the number of items per shard
	ShardSize = 1000
	// StateFilename is the name of each item's state file
	StateFilename = "output.json"
	// InputDirName is the per-shard directory holding request files
	InputDirName = "input_files"
)

var (
	// ErrItemNotFound is returned when no state file exists for a (batch_id, pair_id)
	ErrItemNotFound = errors.New("item not found")

	batchIDPattern = regexp.MustCompile(`^\d{4}$`)
	pairIDPattern  = regexp.MustCompile(`^\d{6}$`)
)

// BatchID returns the shard id for the item at 1-based position pos
func BatchID(pos int) string {
	return fmt.Sprintf("%04d", (pos+ShardSize-1)/ShardSize)
}

// PairID returns the pair id for the item at 1-based position pos
func PairID(pos int) string {
	return fmt.Sprintf("%06d", pos)
}

// Store reads and writes item states under a root directory.
// It keeps no item data in memory; every call goes to disk.
type Store struct {
	root   string
	logger *slog.Logger
	locks  sync.Map // item path -> *sync.Mutex
}

// New creates a store rooted at root
func New(root string, logger *slog.Logger) *Store {
	return &Store{
		root:   root,
		logger: logger.With("component", "store"),
	}
}

// Root returns the root directory of the state tree
func (s *Store) Root() string {
	return s.root
}

// ShardDir returns the directory of a shard
func (s *Store) ShardDir(batchID string) string {
	return filepath.Join(s.root, batchID)
}

// InputDir returns the directory holding a shard's request files
func (s *Store) InputDir(batchID string) string {
	return filepath.Join(s.root, batchID, InputDirName)
}

// Path returns the state file path for an item
func (s *Store) Path(batchID, pairID string) string {
	return filepath.Join(s.root, batchID, pairID, StateFilename)
}

// Shard creates one fresh item state per entry, in input order, and
// returns the number of shards written. Existing state files for the same
// positions are overwritten, so re-sharding an unchanged dataset produces
// byte-identical files. Items and shards beyond the new dataset are removed.
func (s *Store) Shard(entries []models.DatasetEntry) (int, error) {
	if err := os.MkdirAll(s.root, 0755); err != nil {
		return 0, fmt.Errorf("failed to create output directory: %w", err)
	}

	for i, entry := range entries {
		pos := i + 1
		state := &models.ItemState{
			BatchID:        BatchID(pos),
			PairID:         PairID(pos),
			QueryImage:     models.ImageState{URL: entry.ReferenceURL},
			RetrievedImage: models.ImageState{URL: entry.TargetURL},
		}
		if err := s.Save(state); err != nil {
			return 0, fmt.Errorf("failed to write item %s: %w", state.CustomID(), err)
		}
	}

	if err := s.prune(len(entries)); err != nil {
		return 0, err
	}

	shards := (len(entries) + ShardSize - 1) / ShardSize
	s.logger.Info("Sharded dataset", "items", len(entries), "shards", shards, "root", s.root)
	return shards, nil
}

// prune removes item and shard directories left over from a larger dataset
func (s *Store) prune(items int) error {
	lastShard := (items + ShardSize - 1) / ShardSize

	shards, err := s.Shards()
	if err != nil {
		return err
	}
	for _, batchID := range shards {
		n, _ := strconv.Atoi(batchID)
		if n > lastShard {
			if err := os.RemoveAll(s.ShardDir(batchID)); err != nil {
				return fmt.Errorf("failed to remove stale shard %s: %w", batchID, err)
			}
			s.logger.Info("Removed stale shard", "batch_id", batchID)
			continue
		}

		pairs, err := s.Items(batchID)
		if err != nil {
			return err
		}
		for _, pairID := range pairs {
			pos, _ := strconv.Atoi(pairID)
			if pos <= items && BatchID(pos) == batchID {
				continue
			}
			if err := os.RemoveAll(filepath.Join(s.ShardDir(batchID), pairID)); err != nil {
				return fmt.Errorf("failed to remove stale item %s-%s: %w", batchID, pairID, err)
			}
			s.logger.Debug("Removed stale item", "batch_id", batchID, "pair_id", pairID)
		}
	}
	return nil
}

// Load reads an item's state
func (s *Store) Load(batchID, pairID string) (*models.ItemState, error) {
	if !batchIDPattern.MatchString(batchID) || !pairIDPattern.MatchString(pairID) {
		return nil, fmt.Errorf("%w: %s-%s", ErrItemNotFound, batchID, pairID)
	}

	path := s.Path(batchID, pairID)
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s-%s", ErrItemNotFound, batchID, pairID)
		}
		return nil, fmt.Errorf("failed to read item state: %w", err)
	}

	var state models.ItemState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("failed to unmarshal item state %s: %w", path, err)
	}
	return &state, nil
}

// Save writes an item's state atomically
func (s *Store) Save(state *models.ItemState) error {
	data, err := json.MarshalIndent(state, "", "    ")
	if err != nil {
		return fmt.Errorf("failed to marshal item state: %w", err)
	}
	data = append(data, '\n')

	path := s.Path(state.BatchID, state.PairID)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create item directory: %w", err)
	}
	return WriteFileAtomic(path, data)
}

// Update runs a read-modify-write on one item while holding that item's lock.
// The state is only persisted if fn returns nil.
func (s *Store) Update(batchID, pairID string, fn func(*models.ItemState) error) error {
	mu := s.lock(s.Path(batchID, pairID))
	mu.Lock()
	defer mu.Unlock()

	state, err := s.Load(batchID, pairID)
	if err != nil {
		return err
	}
	if err := fn(state); err != nil {
		return err
	}
	return s.Save(state)
}

func (s *Store) lock(path string) *sync.Mutex {
	mu, _ := s.locks.LoadOrStore(path, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

// Shards lists shard ids in ascending order
func (s *Store) Shards() ([]string, error) {
	return listDirs(s.root, batchIDPattern)
}

// Items lists the pair ids of a shard in ascending order
func (s *Store) Items(batchID string) ([]string, error) {
	return listDirs(s.ShardDir(batchID), pairIDPattern)
}

// Walk calls fn for every item in (batch_id, pair_id) order.
// Items whose state file is missing or unreadable are logged and skipped.
func (s *Store) Walk(fn func(*models.ItemState) error) error {
	shards, err := s.Shards()
	if err != nil {
		return err
	}
	for _, batchID := range shards {
		if err := s.WalkShard(batchID, fn); err != nil {
			return err
		}
	}
	return nil
}

// WalkShard calls fn for every item of one shard in pair_id order
func (s *Store) WalkShard(batchID string, fn func(*models.ItemState) error) error {
	pairs, err := s.Items(batchID)
	if err != nil {
		return err
	}
	for _, pairID := range pairs {
		state, err := s.Load(batchID, pairID)
		if err != nil {
			s.logger.Warn("Skipping unreadable item", "batch_id", batchID, "pair_id", pairID, "error", err)
			continue
		}
		if err := fn(state); err != nil {
			return err
		}
	}
	return nil
}

func listDirs(dir string, pattern *regexp.Regexp) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read directory %s: %w", dir, err)
	}

	var names []string
	for _, e := range entries {
		if e.IsDir() && pattern.MatchString(e.Name()) {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

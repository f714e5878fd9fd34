package checkpoint

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"github.com/keelhq/keel/internal/schema"
)

// FileStore keeps one JSON file per checkpoint key in a directory, fronted by
// an in-memory cache loaded at construction. Writes are atomic
// (write-then-rename) so a crash never leaves a torn file behind.
type FileStore struct {
	dir string
	log zerolog.Logger
	now func() time.Time

	mu    sync.RWMutex
	cache map[string]schema.Checkpoint
}

// NewFileStore creates the directory if needed and loads every parseable
// checkpoint file into the cache. Corrupt files are skipped with a warning.
func NewFileStore(dir string, log zerolog.Logger) (*FileStore, error) {
	if dir == "" {
		return nil, fmt.Errorf("checkpoint file store: directory required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("checkpoint file store: create directory: %w", err)
	}
	s := &FileStore{
		dir:   dir,
		log:   log.With().Str("component", "checkpoint_file_store").Logger(),
		now:   time.Now,
		cache: make(map[string]schema.Checkpoint),
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *FileStore) load() error {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return fmt.Errorf("checkpoint file store: read directory: %w", err)
	}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		path := filepath.Join(s.dir, entry.Name())
		raw, err := os.ReadFile(path)
		if err != nil {
			s.log.Warn().Err(err).Str("file", entry.Name()).Msg("skipping unreadable checkpoint file")
			continue
		}
		var cp schema.Checkpoint
		if err := json.Unmarshal(raw, &cp); err != nil {
			s.log.Warn().Err(err).Str("file", entry.Name()).Msg("skipping corrupt checkpoint file")
			continue
		}
		if err := schema.ValidateCheckpoint(cp); err != nil {
			s.log.Warn().Err(err).Str("file", entry.Name()).Msg("skipping invalid checkpoint file")
			continue
		}
		s.cache[cp.Key()] = cp
	}
	s.log.Info().Int("checkpoints", len(s.cache)).Str("dir", s.dir).Msg("checkpoint cache loaded")
	return nil
}

// fileName renders <venue>_<munged symbol>_<dataType>.json.
func (s *FileStore) fileName(venue, symbol string, dataType schema.DataType) string {
	return fmt.Sprintf("%s_%s_%s.json", venue, mungeSymbol(symbol), dataType)
}

// Get returns the cached checkpoint for the key, if present.
func (s *FileStore) Get(_ context.Context, venue, symbol string, dataType schema.DataType) (schema.Checkpoint, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cp, ok := s.cache[schema.CheckpointKey(venue, symbol, dataType)]
	return cp, ok, nil
}

// Save validates, applies the monotonicity guard, persists atomically, then
// updates the cache.
func (s *FileStore) Save(_ context.Context, cp schema.Checkpoint) error {
	if cp.UpdatedAt == 0 {
		cp.UpdatedAt = s.now().UnixMilli()
	}
	if err := schema.ValidateCheckpoint(cp); err != nil {
		return fmt.Errorf("checkpoint file store: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.cache[cp.Key()]; ok {
		if err := guardMonotonic(existing, cp); err != nil {
			return fmt.Errorf("checkpoint file store: %w", err)
		}
		if cp.UpdatedAt < existing.UpdatedAt {
			cp.UpdatedAt = existing.UpdatedAt
		}
	}

	raw, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		return fmt.Errorf("checkpoint file store: encode: %w", err)
	}
	path := filepath.Join(s.dir, s.fileName(cp.Venue, cp.Symbol, cp.DataType))
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return fmt.Errorf("checkpoint file store: write: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("checkpoint file store: rename: %w", err)
	}
	s.cache[cp.Key()] = cp
	return nil
}

// GetAll returns every cached checkpoint ordered by key.
func (s *FileStore) GetAll(_ context.Context) ([]schema.Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]schema.Checkpoint, 0, len(s.cache))
	for _, cp := range s.cache {
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key() < out[j].Key() })
	return out, nil
}

// Delete removes the checkpoint file and cache entry. Deleting an absent key
// is a no-op.
func (s *FileStore) Delete(_ context.Context, venue, symbol string, dataType schema.DataType) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.cache, schema.CheckpointKey(venue, symbol, dataType))
	path := filepath.Join(s.dir, s.fileName(venue, symbol, dataType))
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("checkpoint file store: delete: %w", err)
	}
	return nil
}

var _ Store = (*FileStore)(nil)

// Package runs persists worker context packs. A leader creates a pack
// when it delegates a task; the worker must present the matching run id
// before the gateway will stream for it.
package runs

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/haasonsaas/relay/pkg/models"
)

// ErrInvalidRunID is returned for run ids that do not match the
// required shape.
var ErrInvalidRunID = errors.New("invalid run id")

// Config holds store construction options.
type Config struct {
	// BaseDir is the persistence root. Each pack lives at
	// <BaseDir>/<run_id>/context.json. Empty keeps packs in memory
	// only.
	BaseDir string

	Logger *slog.Logger
}

// Store keeps context packs in memory with a disk mirror, loading
// individual packs lazily by run id.
type Store struct {
	mu    sync.Mutex
	cache map[string]*models.ContextPack

	baseDir string
	logger  *slog.Logger
	nowFn   func() time.Time
}

// NewStore builds a context pack store rooted at cfg.BaseDir.
func NewStore(cfg Config) *Store {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		cache:   make(map[string]*models.ContextPack),
		baseDir: cfg.BaseDir,
		logger:  logger.With("component", "runs"),
		nowFn:   time.Now,
	}
}

// Create stores a context pack. A blank RunID gets a generated one;
// an explicit RunID must match the run id shape. The stored pack, with
// id and creation time filled in, is returned.
func (s *Store) Create(pack models.ContextPack) (models.ContextPack, error) {
	if pack.Task == "" {
		return models.ContextPack{}, errors.New("task is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.nowFn()
	if pack.RunID == "" {
		pack.RunID = models.NewRunID(now)
	} else if !models.ValidRunID(pack.RunID) {
		return models.ContextPack{}, fmt.Errorf("%w: %q", ErrInvalidRunID, pack.RunID)
	}
	pack.CreatedAt = now

	stored := pack
	s.cache[pack.RunID] = &stored
	s.persistLocked(&stored)

	s.logger.Info("context pack created",
		"run_id", pack.RunID,
		"leader_id", pack.LeaderID,
		"worker_id", pack.WorkerID)
	return pack, nil
}

// Get returns the context pack for a run id, consulting disk on a
// cache miss. Malformed ids report not found without touching the
// filesystem.
func (s *Store) Get(runID string) (models.ContextPack, bool) {
	if !models.ValidRunID(runID) {
		return models.ContextPack{}, false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if pack, ok := s.cache[runID]; ok {
		return *pack, true
	}
	pack, ok := s.loadLocked(runID)
	if !ok {
		return models.ContextPack{}, false
	}
	s.cache[runID] = pack
	return *pack, true
}

// Exists reports whether a context pack is on record for the run id.
func (s *Store) Exists(runID string) bool {
	_, ok := s.Get(runID)
	return ok
}

func (s *Store) loadLocked(runID string) (*models.ContextPack, bool) {
	if s.baseDir == "" {
		return nil, false
	}
	data, err := os.ReadFile(filepath.Join(s.baseDir, runID, "context.json"))
	if err != nil {
		if !os.IsNotExist(err) {
			s.logger.Warn("failed to read context pack", "run_id", runID, "error", err)
		}
		return nil, false
	}
	var pack models.ContextPack
	if err := json.Unmarshal(data, &pack); err != nil {
		s.logger.Warn("failed to parse context pack", "run_id", runID, "error", err)
		return nil, false
	}
	return &pack, true
}

func (s *Store) persistLocked(pack *models.ContextPack) {
	if s.baseDir == "" {
		return
	}
	dir := filepath.Join(s.baseDir, pack.RunID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		s.logger.Warn("failed to create run directory", "run_id", pack.RunID, "error", err)
		return
	}
	data, err := json.MarshalIndent(pack, "", "  ")
	if err != nil {
		s.logger.Warn("failed to marshal context pack", "run_id", pack.RunID, "error", err)
		return
	}
	path := filepath.Join(dir, "context.json")
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		s.logger.Warn("failed to write context pack", "run_id", pack.RunID, "error", err)
		return
	}
	if err := os.Rename(tmp, path); err != nil {
		s.logger.Warn("failed to replace context pack", "run_id", pack.RunID, "error", err)
	}
}

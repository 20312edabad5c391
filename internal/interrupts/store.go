// Package interrupts is the durable store for human-in-the-loop
// clarification requests. A leader agent files an interrupt when a run
// needs an answer from a person; the run releases its connection and a
// later request resolves the interrupt and resumes.
package interrupts

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/relay/pkg/models"
)

// ErrNotLeader is returned when a non-leader agent tries to create an
// interrupt.
var ErrNotLeader = errors.New("only leader agents may create interrupts")

// Config holds store construction options.
type Config struct {
	// BaseDir is the on-disk mirror root. Each interrupt lives at
	// <BaseDir>/<thread_id>/<interrupt_id>.json. Empty disables
	// persistence.
	BaseDir string

	Logger *slog.Logger
}

// CreateParams describes a new interrupt.
type CreateParams struct {
	ThreadID  string
	RunID     string
	Question  string
	Reason    models.InterruptReason
	Options   []string
	InputType string
	Context   any
	Proposal  any
	AgentID   string
	AgentRole models.AgentRole
	ExpiresAt *time.Time
}

// Store keeps pending interrupts in memory, keyed by thread then
// interrupt id, mirrored to disk. Threads are loaded from disk lazily
// on first access so a restart does not pay for history nobody asks
// about.
type Store struct {
	mu      sync.Mutex
	threads map[string]map[string]*models.PendingInterrupt
	loaded  map[string]bool

	baseDir string
	logger  *slog.Logger
	nowFn   func() time.Time
}

// NewStore builds an interrupt store rooted at cfg.BaseDir.
func NewStore(cfg Config) *Store {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		threads: make(map[string]map[string]*models.PendingInterrupt),
		loaded:  make(map[string]bool),
		baseDir: cfg.BaseDir,
		logger:  logger.With("component", "interrupts"),
		nowFn:   time.Now,
	}
}

// Create files a new interrupt for a thread. Only leader agents may
// create interrupts; workers get ErrNotLeader and must route their
// question through the leader.
func (s *Store) Create(params CreateParams) (models.PendingInterrupt, error) {
	if params.AgentRole != models.RoleLeader {
		return models.PendingInterrupt{}, fmt.Errorf("agent %q has role %q: %w", params.AgentID, params.AgentRole, ErrNotLeader)
	}
	if err := validSegment(params.ThreadID); err != nil {
		return models.PendingInterrupt{}, fmt.Errorf("thread_id: %w", err)
	}
	if params.Question == "" {
		return models.PendingInterrupt{}, errors.New("question is required")
	}
	reason := params.Reason
	if reason == "" {
		reason = models.InterruptClarification
	}
	inputType := params.InputType
	if inputType == "" {
		inputType = "text"
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.loadThreadLocked(params.ThreadID)

	now := s.nowFn()
	interrupt := &models.PendingInterrupt{
		InterruptID: uuid.NewString(),
		ThreadID:    params.ThreadID,
		RunID:       params.RunID,
		Reason:      reason,
		Payload: models.InterruptPayload{
			Question:  params.Question,
			Options:   params.Options,
			InputType: inputType,
			Context:   params.Context,
			Proposal:  params.Proposal,
		},
		AgentID:   params.AgentID,
		AgentRole: params.AgentRole,
		CreatedAt: now,
		ExpiresAt: params.ExpiresAt,
	}

	thread := s.threads[params.ThreadID]
	if thread == nil {
		thread = make(map[string]*models.PendingInterrupt)
		s.threads[params.ThreadID] = thread
	}
	thread[interrupt.InterruptID] = interrupt
	s.persistLocked(interrupt)

	s.logger.Info("interrupt created",
		"thread_id", params.ThreadID,
		"interrupt_id", interrupt.InterruptID,
		"reason", reason)
	return *interrupt, nil
}

// GetPending returns the unresolved interrupts for a thread, oldest
// first.
func (s *Store) GetPending(threadID string) []models.PendingInterrupt {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.loadThreadLocked(threadID)

	var out []models.PendingInterrupt
	for _, interrupt := range s.threads[threadID] {
		if interrupt.Resolved {
			continue
		}
		out = append(out, *interrupt)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Get returns one interrupt, resolved or not.
func (s *Store) Get(threadID, interruptID string) (models.PendingInterrupt, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.loadThreadLocked(threadID)

	interrupt, ok := s.threads[threadID][interruptID]
	if !ok {
		return models.PendingInterrupt{}, false
	}
	return *interrupt, true
}

// Resolve records an answer for an interrupt and returns the payload a
// resumed run reads. Resolving an already-resolved interrupt returns
// the original response unchanged, so a retried request cannot
// overwrite the first answer. The second return is false when the
// interrupt does not exist.
func (s *Store) Resolve(threadID, interruptID, answer string, modifications map[string]any) (models.ResumePayload, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.loadThreadLocked(threadID)

	interrupt, ok := s.threads[threadID][interruptID]
	if !ok {
		return models.ResumePayload{}, false
	}

	if interrupt.Resolved && interrupt.Response != nil {
		return resumePayload(interrupt), true
	}

	interrupt.Resolved = true
	interrupt.Response = &models.InterruptResponse{
		Answer:        answer,
		Modifications: modifications,
		RespondedAt:   s.nowFn(),
	}
	s.persistLocked(interrupt)

	s.logger.Info("interrupt resolved",
		"thread_id", threadID,
		"interrupt_id", interruptID)
	return resumePayload(interrupt), true
}

// ClearThread drops every interrupt for a thread, memory and disk, and
// returns how many were removed.
func (s *Store) ClearThread(threadID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.loadThreadLocked(threadID)

	count := len(s.threads[threadID])
	delete(s.threads, threadID)
	s.loaded[threadID] = true

	if s.baseDir != "" && validSegment(threadID) == nil {
		if err := os.RemoveAll(filepath.Join(s.baseDir, threadID)); err != nil {
			s.logger.Warn("failed to remove interrupt directory",
				"thread_id", threadID,
				"error", err)
		}
	}
	if count > 0 {
		s.logger.Info("cleared thread interrupts", "thread_id", threadID, "count", count)
	}
	return count
}

func resumePayload(interrupt *models.PendingInterrupt) models.ResumePayload {
	return models.ResumePayload{
		InterruptID:   interrupt.InterruptID,
		ThreadID:      interrupt.ThreadID,
		RunID:         interrupt.RunID,
		Answer:        interrupt.Response.Answer,
		Modifications: interrupt.Response.Modifications,
	}
}

// loadThreadLocked pulls a thread's interrupt files into memory once.
// Caller must hold s.mu.
func (s *Store) loadThreadLocked(threadID string) {
	if s.loaded[threadID] || s.baseDir == "" {
		return
	}
	s.loaded[threadID] = true
	if validSegment(threadID) != nil {
		return
	}

	dir := filepath.Join(s.baseDir, threadID)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if !os.IsNotExist(err) {
			s.logger.Warn("failed to read interrupt directory", "thread_id", threadID, "error", err)
		}
		return
	}

	thread := s.threads[threadID]
	if thread == nil {
		thread = make(map[string]*models.PendingInterrupt)
		s.threads[threadID] = thread
	}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			s.logger.Warn("failed to read interrupt file", "file", entry.Name(), "error", err)
			continue
		}
		var interrupt models.PendingInterrupt
		if err := json.Unmarshal(data, &interrupt); err != nil {
			s.logger.Warn("failed to parse interrupt file", "file", entry.Name(), "error", err)
			continue
		}
		if interrupt.InterruptID == "" {
			continue
		}
		// Memory wins over disk for ids already present.
		if _, exists := thread[interrupt.InterruptID]; !exists {
			thread[interrupt.InterruptID] = &interrupt
		}
	}
	if len(thread) > 0 {
		s.logger.Debug("loaded thread interrupts", "thread_id", threadID, "count", len(thread))
	}
}

// persistLocked mirrors one interrupt to disk via a temp file rename.
// Failures are logged; memory stays authoritative. Caller must hold
// s.mu.
func (s *Store) persistLocked(interrupt *models.PendingInterrupt) {
	if s.baseDir == "" {
		return
	}
	if validSegment(interrupt.ThreadID) != nil || validSegment(interrupt.InterruptID) != nil {
		return
	}
	dir := filepath.Join(s.baseDir, interrupt.ThreadID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		s.logger.Warn("failed to create interrupt directory", "error", err)
		return
	}
	data, err := json.MarshalIndent(interrupt, "", "  ")
	if err != nil {
		s.logger.Warn("failed to marshal interrupt", "error", err)
		return
	}
	path := filepath.Join(dir, interrupt.InterruptID+".json")
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		s.logger.Warn("failed to write interrupt file", "error", err)
		return
	}
	if err := os.Rename(tmp, path); err != nil {
		s.logger.Warn("failed to replace interrupt file", "error", err)
	}
}

// validSegment rejects identifiers that would escape the store's
// directory when used as a path element.
func validSegment(id string) error {
	if id == "" {
		return errors.New("identifier is empty")
	}
	if id == "." || id == ".." || strings.ContainsAny(id, `/\`) {
		return fmt.Errorf("identifier %q is not a valid path segment", id)
	}
	return nil
}

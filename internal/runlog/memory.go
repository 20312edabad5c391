package runlog

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// maxMemoryRecords bounds the in-memory log; oldest records are dropped.
const maxMemoryRecords = 1000

// MemoryStore provides an in-memory Store.
type MemoryStore struct {
	mu      sync.RWMutex
	records []*Record
}

// NewMemoryStore creates an in-memory run log.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Record(ctx context.Context, rec *Record) error {
	if rec == nil {
		return fmt.Errorf("record is required")
	}
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	stored := *rec
	s.records = append(s.records, &stored)
	if len(s.records) > maxMemoryRecords {
		s.records = s.records[len(s.records)-maxMemoryRecords:]
	}
	return nil
}

func (s *MemoryStore) Recent(ctx context.Context, limit int) ([]*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := len(s.records)
	if limit <= 0 || limit > n {
		limit = n
	}

	out := make([]*Record, 0, limit)
	for i := n - 1; i >= n-limit; i-- {
		cp := *s.records[i]
		out = append(out, &cp)
	}
	return out, nil
}

func (s *MemoryStore) Totals(ctx context.Context) (Totals, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var t Totals
	for _, rec := range s.records {
		t.Runs++
		t.ToolCalls += rec.ToolCalls
		t.InputTokens += rec.InputTokens
		t.OutputTokens += rec.OutputTokens
	}
	return t, nil
}

func (s *MemoryStore) Close() error {
	return nil
}

package gateway

import (
	"context"
	"time"

	"github.com/haasonsaas/relay/internal/agui"
	"github.com/haasonsaas/relay/internal/runlog"
	"github.com/haasonsaas/relay/pkg/models"
)

// streamRecorder folds a run's event stream into a usage record. It is
// touched only by the handler goroutine, so no locking.
type streamRecorder struct {
	threadID   string
	runID      string
	agentID    string
	backend    string
	model      string
	start      time.Time
	turns      int
	toolCalls  int
	outcome    string
	stopReason string
	usage      *models.Usage
}

func newStreamRecorder(threadID, runID, agentID, backend, model string) *streamRecorder {
	return &streamRecorder{
		threadID: threadID,
		runID:    runID,
		agentID:  agentID,
		backend:  backend,
		model:    model,
		start:    time.Now(),
	}
}

func (rec *streamRecorder) observe(ev agui.Event) {
	switch e := ev.(type) {
	case agui.StepStarted:
		rec.turns++
	case agui.ToolCallStart:
		rec.toolCalls++
	case agui.RunFinished:
		rec.outcome = e.Outcome
		if result, ok := e.Result.(map[string]any); ok {
			if stop, ok := result["stopReason"].(string); ok {
				rec.stopReason = stop
			}
			if usage, ok := result["usage"].(*models.Usage); ok {
				rec.usage = usage
			}
		}
	case agui.RunError:
		// Budget notices and retried turns also surface as RunError; only
		// max_failures ends the stream without a RunFinished.
		if e.Code == "max_failures" {
			rec.outcome = "error"
			rec.stopReason = models.StopMaxFailures
		}
	}
}

func (rec *streamRecorder) record() *runlog.Record {
	outcome := rec.outcome
	stopReason := rec.stopReason
	if outcome == "" {
		// The stream ended without a terminal event: the client went away
		// or the request context was cancelled.
		outcome = "cancelled"
		stopReason = models.StopCancelled
	}
	record := &runlog.Record{
		ThreadID:   rec.threadID,
		RunID:      rec.runID,
		AgentID:    rec.agentID,
		Backend:    rec.backend,
		Model:      rec.model,
		Outcome:    outcome,
		StopReason: stopReason,
		Turns:      rec.turns,
		ToolCalls:  rec.toolCalls,
		DurationMS: time.Since(rec.start).Milliseconds(),
		CreatedAt:  rec.start,
	}
	if rec.usage != nil {
		record.InputTokens = rec.usage.InputTokens
		record.OutputTokens = rec.usage.OutputTokens
	}
	return record
}

// finishRun writes the usage record after the stream is drained. The
// request context is often already cancelled here, so the write gets
// its own deadline.
func (s *Server) finishRun(rec *streamRecorder) {
	record := rec.record()
	if s.metrics != nil {
		s.metrics.RecordChatRun(record.Outcome)
		s.metrics.RecordBackendStream(record.Backend, record.Model, record.Outcome,
			float64(record.DurationMS)/1000, record.InputTokens, record.OutputTokens)
	}
	if s.runlog == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.runlog.Record(ctx, record); err != nil {
		s.logger.Warn("run log write failed", "run_id", record.RunID, "error", err)
	}
}

package service

import (
	"context"
	"log/slog"

	"github.com/aibidcomposer/approval-engine/internal/approval/event"
	"github.com/aibidcomposer/approval-engine/internal/approval/model"
	"github.com/aibidcomposer/approval-engine/internal/approval/store"
)

// Auditor writes the canonical approval log row and mirrors it to any
// configured archive sinks. The canonical write is mandatory; archive
// failures are logged and swallowed so a slow archive never blocks a
// decision.
type Auditor struct {
	logs     store.LogStore
	archives []event.AuditSink
}

func NewAuditor(logs store.LogStore, archives ...event.AuditSink) *Auditor {
	return &Auditor{logs: logs, archives: archives}
}

// Record appends the entry to the audit trail.
func (a *Auditor) Record(ctx context.Context, entry *model.ApprovalLog) error {
	if err := a.logs.AppendLog(ctx, entry); err != nil {
		return err
	}
	for _, sink := range a.archives {
		if err := sink.Append(ctx, entry); err != nil {
			slog.Warn("failed to mirror approval log entry to archive sink",
				"logID", entry.ID,
				"documentID", entry.DocumentID,
				"error", err,
			)
		}
	}
	return nil
}

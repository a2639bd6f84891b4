package event

import (
	"context"

	"github.com/aibidcomposer/approval-engine/internal/approval/model"
)

// AuditSink receives append-only approval log entries. The engine writes the
// canonical row itself; sinks mirror entries to external destinations
// (archive bucket, SIEM export). A sink failure must never fail the decision
// that produced the entry.
type AuditSink interface {
	Append(ctx context.Context, entry *model.ApprovalLog) error
}

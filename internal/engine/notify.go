package engine

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Notification event names.
const (
	EventStepActivated     = "step_activated"
	EventInstanceApproved  = "instance_approved"
	EventInstanceRejected  = "instance_rejected"
	EventChangesRequested  = "changes_requested"
	EventInstanceCancelled = "instance_cancelled"
)

// Notification tells an approver (or the initiator) that an instance needs
// their attention. Delivery is best effort: it is fired after the commit,
// never retried, and a failure is logged and dropped.
type Notification struct {
	TenantID          string
	InstanceDisplayID string
	StepName          string
	NextActorID       string
	Event             string
}

// Notifier delivers notifications. Real delivery (mail, chat) lives outside
// the engine.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// AuditEntry is one immutable line in the approval trail. Entries are
// recorded synchronously, strictly after the transaction they describe has
// committed.
type AuditEntry struct {
	TenantID          string
	InstanceID        string
	InstanceDisplayID string
	StepID            string
	Event             string
	ActorID           string
	Comment           string
	Version           int64
	OccurredAt        time.Time
}

// AuditSink records audit entries.
type AuditSink interface {
	Record(ctx context.Context, entry AuditEntry) error
}

// LogNotifier writes notifications to the structured log. It is the default
// Notifier when no external delivery is wired.
type LogNotifier struct {
	logger *zap.Logger
}

// NewLogNotifier creates a log-backed notifier.
func NewLogNotifier(logger *zap.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

// Notify implements Notifier.
func (n *LogNotifier) Notify(_ context.Context, notification Notification) error {
	n.logger.Info("notification",
		zap.String("tenant_id", notification.TenantID),
		zap.String("instance_display_id", notification.InstanceDisplayID),
		zap.String("step_name", notification.StepName),
		zap.String("next_actor_id", notification.NextActorID),
		zap.String("event", notification.Event),
	)
	return nil
}

// LogAuditSink writes audit entries to the structured log.
type LogAuditSink struct {
	logger *zap.Logger
}

// NewLogAuditSink creates a log-backed audit sink.
func NewLogAuditSink(logger *zap.Logger) *LogAuditSink {
	return &LogAuditSink{logger: logger}
}

// Record implements AuditSink.
func (s *LogAuditSink) Record(_ context.Context, entry AuditEntry) error {
	s.logger.Info("audit",
		zap.String("tenant_id", entry.TenantID),
		zap.String("instance_id", entry.InstanceID),
		zap.String("instance_display_id", entry.InstanceDisplayID),
		zap.String("step_id", entry.StepID),
		zap.String("event", entry.Event),
		zap.String("actor_id", entry.ActorID),
		zap.String("comment", entry.Comment),
		zap.Int64("version", entry.Version),
		zap.Time("occurred_at", entry.OccurredAt),
	)
	return nil
}

package audit

import (
	"context"
	"time"

	"school-platform/devicequota/internal/telemetry"
	eventdomain "school-platform/devicequota/internal/telemetry/domain"
)

// SystemActor is recorded when an action has no authenticated caller (e.g. seed tooling).
const SystemActor = "_system"

// IPExtractor returns the client IP from the request context (e.g. gRPC metadata or peer).
type IPExtractor func(context.Context) string

// Entry is one administrative action.
type Entry struct {
	Actor    string
	Role     string
	Action   string
	Resource string
	GroupID  string
	Target   string
	Outcome  string
}

// AuditLogger publishes a single audit event. Best-effort: failures never affect the caller.
type AuditLogger interface {
	LogEvent(ctx context.Context, entry Entry)
}

// Logger implements AuditLogger by publishing audit.admin_action events on the event stream.
// Audit storage is owned by downstream consumers.
type Logger struct {
	emitter     telemetry.EventEmitter
	ipExtractor IPExtractor
	nowF        func() time.Time
}

// NewLogger returns an AuditLogger that publishes to emitter and uses ipExtractor for client IP.
// ipExtractor may be nil; then IP is recorded as "unknown".
func NewLogger(emitter telemetry.EventEmitter, ipExtractor IPExtractor) *Logger {
	return &Logger{emitter: emitter, ipExtractor: ipExtractor, nowF: time.Now}
}

// LogEvent publishes one audit event asynchronously.
func (l *Logger) LogEvent(ctx context.Context, entry Entry) {
	if l == nil || l.emitter == nil {
		return
	}
	telemetry.EmitAsync(l.emitter, ctx, l.build(ctx, entry))
}

func (l *Logger) build(ctx context.Context, entry Entry) *eventdomain.Event {
	ip := "unknown"
	if l.ipExtractor != nil {
		ip = l.ipExtractor(ctx)
	}
	actor := entry.Actor
	if actor == "" {
		actor = SystemActor
	}
	e := eventdomain.NewEvent(eventdomain.TypeAdminAction, "audit", l.nowF())
	e.Actor = actor
	e.GroupID = entry.GroupID
	e.With("action", entry.Action).
		With("resource", entry.Resource).
		With("role", entry.Role).
		With("target", entry.Target).
		With("outcome", entry.Outcome).
		With("ip", ip)
	return e
}

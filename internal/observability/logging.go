// Package observability provides logging, metrics, and tracing.
package observability

import (
	"context"
	"log/slog"
	"sync/atomic"
)

var override atomic.Pointer[slog.Logger]

// SetLogger routes repository and websocket logs to l. Nil restores
// slog.Default.
func SetLogger(l *slog.Logger) {
	override.Store(l)
}

func logger() *slog.Logger {
	if l := override.Load(); l != nil {
		return l
	}
	return slog.Default()
}

// RepoLogger writes debug records for repository writes and errors. Records
// carry row ids and statuses, never patient contact fields.
type RepoLogger struct {
	table string
}

// NewRepoLogger creates a RepoLogger for table.
func NewRepoLogger(table string) *RepoLogger {
	return &RepoLogger{table: table}
}

func (l *RepoLogger) attrs(operation string, extra []slog.Attr) []any {
	out := make([]any, 0, len(extra)+2)
	out = append(out, slog.String("table", l.table), slog.String("operation", operation))
	for _, a := range extra {
		out = append(out, a)
	}
	return out
}

// LogWrite records a successful insert or update.
func (l *RepoLogger) LogWrite(ctx context.Context, operation string, attrs ...slog.Attr) {
	logger().DebugContext(ctx, "repository write", l.attrs(operation, attrs)...)
}

// LogError records a failed repository call.
func (l *RepoLogger) LogError(ctx context.Context, err error, operation string) {
	logger().ErrorContext(ctx, "repository error", l.attrs(operation, []slog.Attr{slog.String("error", err.Error())})...)
}

// WSLogger logs websocket lifecycle events for one hub.
type WSLogger struct {
	hub string
}

// NewWSLogger creates a WSLogger for hub.
func NewWSLogger(hub string) *WSLogger {
	return &WSLogger{hub: hub}
}

func (l *WSLogger) LogConnect(ctx context.Context, patientID uint) {
	logger().InfoContext(ctx, "websocket connected",
		slog.String("hub", l.hub),
		slog.Uint64("patient_id", uint64(patientID)),
	)
}

func (l *WSLogger) LogDisconnect(ctx context.Context, patientID uint, reason string) {
	logger().InfoContext(ctx, "websocket disconnected",
		slog.String("hub", l.hub),
		slog.Uint64("patient_id", uint64(patientID)),
		slog.String("reason", reason),
	)
}

func (l *WSLogger) LogError(ctx context.Context, patientID uint, err error, stage string) {
	logger().WarnContext(ctx, "websocket error",
		slog.String("hub", l.hub),
		slog.Uint64("patient_id", uint64(patientID)),
		slog.String("stage", stage),
		slog.String("error", err.Error()),
	)
}

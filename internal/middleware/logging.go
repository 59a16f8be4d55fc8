// Package middleware provides fiber middleware and the process-wide logger.
package middleware

import (
	"context"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
)

// Logger is the process-wide structured logger. Records pick up the request,
// patient, trace and consent session ids carried by their context.
var Logger *slog.Logger

type contextKey string

const (
	RequestIDKey contextKey = "request_id"
	PatientIDKey contextKey = "patient_id"
	TraceIDKey   contextKey = "trace_id"
	SessionIDKey contextKey = "consent_session_id"
)

// ctxHandler copies context values onto each record.
type ctxHandler struct {
	slog.Handler
}

func (h *ctxHandler) Handle(ctx context.Context, r slog.Record) error {
	for _, key := range []contextKey{RequestIDKey, TraceIDKey, SessionIDKey} {
		if v, ok := ctx.Value(key).(string); ok && v != "" {
			r.AddAttrs(slog.String(string(key), v))
		}
	}
	if pid, ok := ctx.Value(PatientIDKey).(uint); ok {
		r.AddAttrs(slog.Uint64(string(PatientIDKey), uint64(pid)))
	}
	return h.Handler.Handle(ctx, r)
}

func (h *ctxHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &ctxHandler{h.Handler.WithAttrs(attrs)}
}

func (h *ctxHandler) WithGroup(name string) slog.Handler {
	return &ctxHandler{h.Handler.WithGroup(name)}
}

// WithHandler wraps h so records pick up request-scoped context values.
func WithHandler(h slog.Handler) *slog.Logger {
	return slog.New(&ctxHandler{h})
}

func init() {
	opts := &slog.HandlerOptions{Level: levelFromEnv(os.Getenv("LOG_LEVEL"))}
	if os.Getenv("APP_ENV") == "production" {
		Logger = WithHandler(slog.NewJSONHandler(os.Stdout, opts))
		return
	}
	Logger = WithHandler(slog.NewTextHandler(os.Stdout, opts))
}

func levelFromEnv(v string) slog.Level {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.TrimSpace(v))); err != nil {
		return slog.LevelInfo
	}
	return lvl
}

// WithPatientID returns ctx tagged with a patient id for logging.
func WithPatientID(ctx context.Context, id uint) context.Context {
	return context.WithValue(ctx, PatientIDKey, id)
}

// WithSessionID returns ctx tagged with a consent session id for logging.
func WithSessionID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, SessionIDKey, id)
}

// ContextMiddleware moves the request id, patient id and trace id from fiber
// locals into the request context, so service code logging with
// c.UserContext() carries them.
func ContextMiddleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		ctx := c.UserContext()
		if rid, ok := c.Locals("requestid").(string); ok {
			ctx = context.WithValue(ctx, RequestIDKey, rid)
		}
		if pid, ok := c.Locals("patientID").(uint); ok {
			ctx = WithPatientID(ctx, pid)
		}
		if tid, ok := c.Locals("traceID").(string); ok {
			ctx = context.WithValue(ctx, TraceIDKey, tid)
		}
		c.SetUserContext(ctx)
		return c.Next()
	}
}

// quietPaths are probed constantly and logged only on failure.
var quietPaths = []string{"/health/", "/metrics"}

// StructuredLogger logs one record per request. 5xx responses log at ERROR
// and 4xx at WARN.
func StructuredLogger() fiber.Handler {
	return func(c *fiber.Ctx) error {
		start := time.Now()
		err := c.Next()
		status := c.Response().StatusCode()

		level := slog.LevelInfo
		switch {
		case err != nil || status >= fiber.StatusInternalServerError:
			level = slog.LevelError
		case status >= fiber.StatusBadRequest:
			level = slog.LevelWarn
		}
		if level == slog.LevelInfo && isQuiet(c.Path()) {
			return err
		}

		attrs := []slog.Attr{
			slog.Int("status", status),
			slog.String("method", c.Method()),
			slog.String("route", c.Route().Path),
			slog.String("ip", c.IP()),
			slog.Duration("latency", time.Since(start)),
		}
		if err != nil {
			attrs = append(attrs, slog.String("error", err.Error()))
		}
		Logger.LogAttrs(c.UserContext(), level, "request", attrs...)
		return err
	}
}

func isQuiet(path string) bool {
	for _, p := range quietPaths {
		if strings.HasPrefix(path, p) {
			return true
		}
	}
	return false
}

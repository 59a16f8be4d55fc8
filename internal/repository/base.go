// Package repository provides data access layer implementations for the application.
package repository

import (
	"context"
	"errors"

	"carelink/internal/models"
	"carelink/internal/observability"

	"gorm.io/gorm"
)

// lookupErr maps a single-row lookup failure to a NOT_FOUND or INTERNAL
// AppError.
func lookupErr(err error, resource string, id interface{}) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return models.NewNotFoundError(resource, id)
	}
	return models.NewInternalError(err)
}

// observe starts a repository span and latency timer. The returned func
// ends both and records err on the span.
func observe(ctx context.Context, method, table string) (context.Context, func(error)) {
	ctx, span := observability.TraceRepositoryMethod(ctx, method, table)
	done := observability.TrackQuery(method, table)
	return ctx, func(err error) {
		done()
		if err != nil && !models.IsNotFound(err) {
			observability.RecordErrorInContext(ctx, err)
		}
		span.End()
	}
}

package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"carelink/internal/middleware"
	"carelink/internal/observability"

	"go.opentelemetry.io/otel/attribute"
)

// Step outcomes reported in a SagaResult.
const (
	StepOK      = "ok"
	StepSkipped = "skipped"
	StepFailed  = "failed"
)

// Step is one write of a multi-record commit. A failing critical step
// aborts the saga; a failing non-critical step is reported and the saga
// moves on.
type Step struct {
	Name     string
	Critical bool
	Run      func(ctx context.Context) error
	Skip     func() bool
}

// StepOutcome records what happened to one step.
type StepOutcome struct {
	Name   string `json:"name"`
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// SagaResult lists step outcomes in execution order.
type SagaResult struct {
	Steps []StepOutcome `json:"steps"`
}

// SoftFailures returns the names of non-critical steps that failed.
func (r SagaResult) SoftFailures() []string {
	var out []string
	for _, s := range r.Steps {
		if s.Status == StepFailed {
			out = append(out, s.Name)
		}
	}
	return out
}

// Outcome returns the status recorded for step, or "" if it never ran.
func (r SagaResult) Outcome(step string) string {
	for _, s := range r.Steps {
		if s.Name == step {
			return s.Status
		}
	}
	return ""
}

// StepError is returned when a critical step fails.
type StepError struct {
	Step    string
	Timeout bool
	Err     error
}

func (e *StepError) Error() string {
	if e.Timeout {
		return fmt.Sprintf("step %s timed out: %v", e.Step, e.Err)
	}
	return fmt.Sprintf("step %s failed: %v", e.Step, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }

// Saga runs steps in order, each under its own timeout.
type Saga struct {
	Name          string
	Steps         []Step
	StepTimeout   time.Duration
	OnSoftFailure func(ctx context.Context, step string, err error)
}

// Execute runs the saga. The error is a *StepError when a critical step
// failed; steps after it are not run.
func (s *Saga) Execute(ctx context.Context) (SagaResult, error) {
	span, ctx := observability.NewSpan(ctx, "consent.saga."+s.Name)
	defer span.End()

	var result SagaResult
	for _, step := range s.Steps {
		if step.Skip != nil && step.Skip() {
			result.Steps = append(result.Steps, StepOutcome{Name: step.Name, Status: StepSkipped})
			continue
		}

		err := s.runStep(ctx, step)
		if err == nil {
			result.Steps = append(result.Steps, StepOutcome{Name: step.Name, Status: StepOK})
			continue
		}

		result.Steps = append(result.Steps, StepOutcome{Name: step.Name, Status: StepFailed, Error: err.Error()})
		timedOut := errors.Is(err, context.DeadlineExceeded)

		if step.Critical {
			observability.SagaStepFailures.WithLabelValues(step.Name, "hard").Inc()
			stepErr := &StepError{Step: step.Name, Timeout: timedOut, Err: err}
			span.SetError(stepErr)
			return result, stepErr
		}

		observability.SagaStepFailures.WithLabelValues(step.Name, "soft").Inc()
		middleware.Logger.WarnContext(ctx, "consent step failed, continuing",
			slog.String("saga", s.Name),
			slog.String("step", step.Name),
			slog.Bool("timeout", timedOut),
			slog.String("error", err.Error()),
		)
		if s.OnSoftFailure != nil {
			s.OnSoftFailure(ctx, step.Name, err)
		}
	}
	return result, nil
}

func (s *Saga) runStep(ctx context.Context, step Step) error {
	span, ctx := observability.NewSpan(ctx, "consent.step."+step.Name,
		attribute.Bool("consent.step.critical", step.Critical))
	defer span.End()

	if s.StepTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.StepTimeout)
		defer cancel()
	}

	err := step.Run(ctx)
	if err != nil {
		if ctx.Err() != nil && !errors.Is(err, ctx.Err()) {
			err = fmt.Errorf("%w: %v", ctx.Err(), err)
		}
		span.SetError(err)
	}
	return err
}

// Package pipeline runs an ordered list of steps against one mutable context value.
package pipeline

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/DEFRA/ls-keeper-data-api-sub001/internal/telemetry"
)

// Step is one unit of work in a pipeline. Each step reads and writes the
// fields of C its documentation names.
type Step[C any] interface {
	Name() string
	Execute(ctx context.Context, c *C) error
}

// StepFunc adapts a function to Step.
type StepFunc[C any] struct {
	StepName string
	Fn       func(ctx context.Context, c *C) error
}

func (s StepFunc[C]) Name() string { return s.StepName }

func (s StepFunc[C]) Execute(ctx context.Context, c *C) error { return s.Fn(ctx, c) }

// Orchestrator executes steps strictly in slice order.
type Orchestrator[C any] struct {
	name   string
	steps  []Step[C]
	tracer trace.Tracer
	logger *zap.Logger
}

// NewOrchestrator creates an orchestrator. tracer may be nil.
func NewOrchestrator[C any](name string, steps []Step[C], tracer trace.Tracer, logger *zap.Logger) *Orchestrator[C] {
	return &Orchestrator[C]{
		name:   name,
		steps:  append([]Step[C](nil), steps...),
		tracer: tracer,
		logger: logger,
	}
}

// Name returns the pipeline name.
func (o *Orchestrator[C]) Name() string { return o.name }

// Steps returns the step names in execution order.
func (o *Orchestrator[C]) Steps() []string {
	names := make([]string, len(o.steps))
	for i, s := range o.steps {
		names[i] = s.Name()
	}
	return names
}

// Execute runs every step against c. Cancellation is checked before each
// step and the first failure stops the run. The returned error wraps the
// step's error, or the context's cancellation cause.
func (o *Orchestrator[C]) Execute(ctx context.Context, c *C) error {
	for i, step := range o.steps {
		if ctx.Err() != nil {
			o.logger.Info("Pipeline cancelled before step",
				zap.String("pipeline", o.name),
				zap.String("step", step.Name()),
				zap.NamedError("cause", context.Cause(ctx)),
			)
			return fmt.Errorf("pipeline %s: before step %s: %w", o.name, step.Name(), context.Cause(ctx))
		}

		if err := o.run(ctx, i, step, c); err != nil {
			return fmt.Errorf("pipeline %s: step %s: %w", o.name, step.Name(), err)
		}
	}
	return nil
}

func (o *Orchestrator[C]) run(ctx context.Context, index int, step Step[C], c *C) error {
	ctx, span := telemetry.StartSpan(ctx, o.tracer, o.name+"."+step.Name(),
		trace.WithAttributes(telemetry.AttrStep.String(step.Name())))
	defer span.End()

	o.logger.Debug("Pipeline step started",
		zap.String("pipeline", o.name),
		zap.String("step", step.Name()),
		zap.Int("index", index),
	)
	started := time.Now()

	err := step.Execute(ctx, c)
	if err != nil {
		telemetry.RecordError(span, err)
		return err
	}

	o.logger.Info("Pipeline step completed",
		zap.String("pipeline", o.name),
		zap.String("step", step.Name()),
		zap.Duration("elapsed", time.Since(started)),
	)
	return nil
}

// Package saga coordinates multi-store writes that cannot share a
// transaction. A run executes its steps strictly in order; the first
// failure triggers best-effort compensation of the completed steps in
// reverse order. Terminal states are Completed and RolledBack; a rollback
// is partial when one of the compensating actions itself failed, which is
// logged and left to external reconciliation.
package saga

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// State is the saga run state as observed from an Outcome. Runs execute
// to completion before returning, so compensation is never observable
// in-flight; a run that compensated reports StateRolledBack.
type State string

const (
	StatePending    State = "pending"
	StateCompleted  State = "completed"
	StateRolledBack State = "rolled_back"
)

// Step is one saga step: a mutation plus the action that reverses it.
// Undo is nil for steps that cannot be undone (remote deletions).
type Step struct {
	Name string
	Do   func(ctx context.Context) error
	Undo func(ctx context.Context) error
}

// Outcome is the typed result of a saga run. Sagas never panic across
// their boundary; callers branch on OK and inspect Err.
type Outcome struct {
	OK              bool
	State           State
	FailedStep      string
	PartialRollback bool
	Err             error
}

// failed builds the outcome for a run that never got past validation.
func failed(err error) Outcome {
	return Outcome{State: StatePending, Err: err}
}

// run executes the steps in order. On step failure it compensates the
// completed prefix in reverse and reports RolledBack; compensation
// failures are logged, not retried, and never stop the remaining
// compensations.
func run(ctx context.Context, logger *zap.Logger, steps []Step) Outcome {
	for i, step := range steps {
		if err := step.Do(ctx); err != nil {
			logger.Error("saga step failed",
				zap.String("step", step.Name),
				zap.Error(err),
			)
			partial := compensate(ctx, logger, steps[:i])
			return Outcome{
				State:           StateRolledBack,
				FailedStep:      step.Name,
				PartialRollback: partial,
				Err:             fmt.Errorf("step %q failed: %w", step.Name, err),
			}
		}
		logger.Debug("saga step completed", zap.String("step", step.Name))
	}

	return Outcome{OK: true, State: StateCompleted}
}

func compensate(ctx context.Context, logger *zap.Logger, completed []Step) (partial bool) {
	logger.Warn("compensating completed saga steps",
		zap.Int("steps", len(completed)))

	for i := len(completed) - 1; i >= 0; i-- {
		step := completed[i]
		if step.Undo == nil {
			logger.Warn("step has no compensation, skipping",
				zap.String("step", step.Name))
			partial = true
			continue
		}
		if err := step.Undo(ctx); err != nil {
			logger.Warn("compensation failed",
				zap.String("step", step.Name),
				zap.Error(err),
			)
			partial = true
		}
	}
	return partial
}

package telemetry

import (
	"fmt"
	"time"

	"github.com/voltsync/grid-sync-worker/tools/timeparser"
)

// ValidationResult holds validation outcome
type ValidationResult struct {
	IsValid bool
	Reason  string
}

// Validator checks readings before they are folded into buckets. Invalid
// readings are still persisted, with their reason, but never counted.
type Validator struct {
	timestampToleranceMinutes int
}

// NewValidator creates a validator with the specified tolerance
func NewValidator(timestampToleranceMinutes int) *Validator {
	return &Validator{timestampToleranceMinutes: timestampToleranceMinutes}
}

// Validate checks one reading against its receive time.
func (v *Validator) Validate(value float64, timestamp, receivedAt time.Time) ValidationResult {
	if value < 0 {
		return ValidationResult{Reason: "negative value detected"}
	}

	if !timeparser.IsWithinTolerance(timestamp, receivedAt, v.timestampToleranceMinutes) {
		return ValidationResult{
			Reason: fmt.Sprintf("timestamp outside tolerance window (±%d minutes)", v.timestampToleranceMinutes),
		}
	}

	return ValidationResult{IsValid: true}
}

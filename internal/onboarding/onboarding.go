// Package onboarding checks the first-run settings form before it is saved.
package onboarding

import (
	"errors"
	"math"
	"strings"

	"mcp-bolus-calc/internal/dose"
	"mcp-bolus-calc/internal/models"
)

var ErrInvalidOnboarding = errors.New("invalid onboarding settings")

// Form is what the user enters during onboarding.
type Form struct {
	InsulinSensitivity string                  `json:"insulin_sensitivity"`
	TargetGlucose      string                  `json:"target_glucose"`
	MealCoefficients   models.MealCoefficients `json:"meal_coefficients"`
}

// FieldError describes one rejected onboarding step.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationError collects every rejected step. It matches
// ErrInvalidOnboarding with errors.Is.
type ValidationError struct {
	Fields []FieldError `json:"fields"`
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Fields))
	for _, f := range e.Fields {
		parts = append(parts, f.Field+": "+f.Message)
	}
	return ErrInvalidOnboarding.Error() + ": " + strings.Join(parts, "; ")
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrInvalidOnboarding
}

func positive(s string) bool {
	v := dose.ParseNumber(s)
	return v.OK && v.Number > 0 && !math.IsInf(v.Number, 1)
}

// Validate returns a *ValidationError when the form cannot be saved.
func Validate(form Form) error {
	var fields []FieldError

	if !positive(form.InsulinSensitivity) {
		fields = append(fields, FieldError{Field: "insulin_sensitivity", Message: "enter a value greater than zero"})
	}
	if !positive(form.TargetGlucose) {
		fields = append(fields, FieldError{Field: "target_glucose", Message: "enter a value greater than zero"})
	}

	hasCoefficient := false
	for _, m := range models.MealTypes {
		if positive(form.MealCoefficients.Get(m)) {
			hasCoefficient = true
			break
		}
	}
	if !hasCoefficient {
		fields = append(fields, FieldError{Field: "meal_coefficients", Message: "enter at least one coefficient"})
	}

	if len(fields) > 0 {
		return &ValidationError{Fields: fields}
	}
	return nil
}

// Apply copies the form onto s. Blank coefficients keep their stored value.
func Apply(s *models.Settings, form Form) {
	s.InsulinSensitivity = form.InsulinSensitivity
	s.TargetGlucose = form.TargetGlucose
	for _, m := range models.MealTypes {
		if v := form.MealCoefficients.Get(m); v != "" {
			s.MealCoefficients.Set(m, v)
		}
	}
	s.OnboardingComplete = true
}

// internal/models/calculation.go
package models

import (
	"time"

	"mcp-bolus-calc/internal/dose"
)

// Calculation is a stored dose recommendation together with the inputs that
// produced it.
type Calculation struct {
	ID        string         `json:"id"`
	ClientID  string         `json:"client_id"`
	Timestamp time.Time      `json:"timestamp"`
	MealType  MealType       `json:"meal_type,omitempty"`
	Inputs    dose.Inputs    `json:"inputs"`
	Result    dose.Breakdown `json:"result"`
}

type FeatureEmail struct {
	ClientID  string    `json:"client_id"`
	Email     string    `json:"email"`
	Timestamp time.Time `json:"timestamp"`
}

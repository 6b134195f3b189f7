// internal/models/settings.go
package models

import (
	"fmt"
	"strings"
	"time"
)

type MealType string

const (
	Breakfast MealType = "breakfast"
	Lunch     MealType = "lunch"
	Dinner    MealType = "dinner"
	Snack     MealType = "snack"
)

// DefaultMealType is used when a calculation does not name a meal.
const DefaultMealType = Lunch

// MealTypes lists every meal type in display order.
var MealTypes = []MealType{Breakfast, Lunch, Dinner, Snack}

// ParseMealType accepts a meal type name, case-insensitively. An empty string
// yields DefaultMealType.
func ParseMealType(s string) (MealType, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return DefaultMealType, nil
	}
	for _, m := range MealTypes {
		if string(m) == s {
			return m, nil
		}
	}
	return "", fmt.Errorf("unknown meal type %q", s)
}

// MealCoefficients holds insulin units per 10 g of carbohydrate for each meal,
// kept as the user typed them.
type MealCoefficients struct {
	Breakfast string `json:"breakfast"`
	Lunch     string `json:"lunch"`
	Dinner    string `json:"dinner"`
	Snack     string `json:"snack"`
}

func (c MealCoefficients) Get(m MealType) string {
	switch m {
	case Breakfast:
		return c.Breakfast
	case Lunch:
		return c.Lunch
	case Dinner:
		return c.Dinner
	case Snack:
		return c.Snack
	}
	return ""
}

func (c *MealCoefficients) Set(m MealType, value string) {
	switch m {
	case Breakfast:
		c.Breakfast = value
	case Lunch:
		c.Lunch = value
	case Dinner:
		c.Dinner = value
	case Snack:
		c.Snack = value
	}
}

// Settings are the per-client values the calculator reads when a request
// leaves them out.
type Settings struct {
	ClientID           string           `json:"client_id"`
	TargetGlucose      string           `json:"target_glucose"`
	InsulinSensitivity string           `json:"insulin_sensitivity"`
	MealCoefficients   MealCoefficients `json:"meal_coefficients"`
	OnboardingComplete bool             `json:"onboarding_complete"`
	UpdatedAt          time.Time        `json:"updated_at"`
}

// SettingsUpdate is a partial update; nil fields are left untouched.
type SettingsUpdate struct {
	TargetGlucose      *string             `json:"target_glucose,omitempty"`
	InsulinSensitivity *string             `json:"insulin_sensitivity,omitempty"`
	MealCoefficients   map[MealType]string `json:"meal_coefficients,omitempty"`
}

// Merge applies u to s. Unknown meal types in u are reported and nothing is
// changed.
func (s *Settings) Merge(u SettingsUpdate) error {
	coefficients := make(map[MealType]string, len(u.MealCoefficients))
	for m, v := range u.MealCoefficients {
		if strings.TrimSpace(string(m)) == "" {
			return fmt.Errorf("invalid meal coefficient key: empty meal type")
		}
		mt, err := ParseMealType(string(m))
		if err != nil {
			return fmt.Errorf("invalid meal coefficient key: %w", err)
		}
		coefficients[mt] = v
	}

	if u.TargetGlucose != nil {
		s.TargetGlucose = *u.TargetGlucose
	}
	if u.InsulinSensitivity != nil {
		s.InsulinSensitivity = *u.InsulinSensitivity
	}
	for m, v := range coefficients {
		s.MealCoefficients.Set(m, v)
	}
	return nil
}

// Configured reports whether the settings are enough to run a calculation for
// at least one meal.
func (s *Settings) Configured() bool {
	if s.TargetGlucose == "" || s.InsulinSensitivity == "" {
		return false
	}
	for _, m := range MealTypes {
		if s.MealCoefficients.Get(m) != "" {
			return true
		}
	}
	return false
}

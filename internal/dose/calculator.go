// Package dose computes bolus insulin recommendations from meal, glucose and
// prior-injection inputs.
//
// Inputs go through two stages. Parse turns each raw string into an optional
// number; Normalize applies the per-field policy (clamp to zero, or reject for
// insulin sensitivity). Compute then runs the dosing formulas. Nothing in this
// package keeps state, so every function is safe for concurrent use.
package dose

import (
	"errors"
	"math"
	"strconv"
	"strings"
	"unicode"
)

// InsulinActionHours is the window over which a previous dose is considered
// active. Insulin on board decays linearly to zero at this mark and is cut off
// abruptly after it.
const InsulinActionHours = 4.0

// ErrInvalidSensitivity is returned when insulin sensitivity is missing,
// non-numeric, zero, negative or not finite.
var ErrInvalidSensitivity = errors.New("insulin sensitivity must be a positive number")

// RawInputs holds the values as typed by the user. An empty string means the
// field was left blank.
type RawInputs struct {
	Carbs              string `json:"carbs"`
	MealCoefficient    string `json:"meal_coefficient"`
	CurrentGlucose     string `json:"current_glucose"`
	TargetGlucose      string `json:"target_glucose"`
	InsulinSensitivity string `json:"insulin_sensitivity"`
	LastInjectionHours string `json:"last_injection_hours"`
	LastInjectionUnits string `json:"last_injection_units"`
}

// Inputs are the numeric values fed to the formulas.
type Inputs struct {
	Carbs              float64 `json:"carbs"`               // grams
	MealCoefficient    float64 `json:"meal_coefficient"`    // units per 10 g
	CurrentGlucose     float64 `json:"current_glucose"`     // mg/dL
	TargetGlucose      float64 `json:"target_glucose"`      // mg/dL
	InsulinSensitivity float64 `json:"insulin_sensitivity"` // g/L per unit
	LastInjectionHours float64 `json:"last_injection_hours"`
	LastInjectionUnits float64 `json:"last_injection_units"`
}

// Breakdown is the dosing recommendation. Every field is rounded to two
// decimals.
type Breakdown struct {
	MealBolus       float64 `json:"meal_bolus"`
	CorrectionBolus float64 `json:"correction_bolus"`
	InsulinOnBoard  float64 `json:"insulin_on_board"`
	TotalBolus      float64 `json:"total_bolus"`
}

// Value is the parse result of a single field.
type Value struct {
	Number float64
	OK     bool
}

// Parsed is the output of the parsing stage.
type Parsed struct {
	Carbs              Value
	MealCoefficient    Value
	CurrentGlucose     Value
	TargetGlucose      Value
	InsulinSensitivity Value
	LastInjectionHours Value
	LastInjectionUnits Value
}

type policy int

const (
	// clampToZero turns missing, malformed or negative values into 0.
	clampToZero policy = iota
	// requirePositive rejects anything that is not a finite number above 0.
	requirePositive
)

type field struct {
	policy policy
	raw    func(*RawInputs) string
	parsed func(*Parsed) *Value
	input  func(*Inputs) *float64
}

// fields is the normalization policy for every input.
var fields = []field{
	{clampToZero,
		func(r *RawInputs) string { return r.Carbs },
		func(p *Parsed) *Value { return &p.Carbs },
		func(in *Inputs) *float64 { return &in.Carbs }},
	{clampToZero,
		func(r *RawInputs) string { return r.MealCoefficient },
		func(p *Parsed) *Value { return &p.MealCoefficient },
		func(in *Inputs) *float64 { return &in.MealCoefficient }},
	{clampToZero,
		func(r *RawInputs) string { return r.CurrentGlucose },
		func(p *Parsed) *Value { return &p.CurrentGlucose },
		func(in *Inputs) *float64 { return &in.CurrentGlucose }},
	{clampToZero,
		func(r *RawInputs) string { return r.TargetGlucose },
		func(p *Parsed) *Value { return &p.TargetGlucose },
		func(in *Inputs) *float64 { return &in.TargetGlucose }},
	{requirePositive,
		func(r *RawInputs) string { return r.InsulinSensitivity },
		func(p *Parsed) *Value { return &p.InsulinSensitivity },
		func(in *Inputs) *float64 { return &in.InsulinSensitivity }},
	{clampToZero,
		func(r *RawInputs) string { return r.LastInjectionHours },
		func(p *Parsed) *Value { return &p.LastInjectionHours },
		func(in *Inputs) *float64 { return &in.LastInjectionHours }},
	{clampToZero,
		func(r *RawInputs) string { return r.LastInjectionUnits },
		func(p *Parsed) *Value { return &p.LastInjectionUnits },
		func(in *Inputs) *float64 { return &in.LastInjectionUnits }},
}

// ParseNumber parses a single field by reading the longest leading decimal
// number and ignoring whatever follows it, so "60g" is 60 and "1,5" is 1.
// Leading whitespace is skipped. Only plain decimal notation with an optional
// sign, fraction and exponent is read, plus "Infinity"; hex, underscores and
// other Go literal forms stop at their first non-decimal character.
func ParseNumber(s string) Value {
	s = strings.TrimLeftFunc(s, unicode.IsSpace)
	prefix := decimalPrefix(s)
	if prefix == "" {
		return Value{}
	}
	n, err := strconv.ParseFloat(prefix, 64)
	if err != nil && !errors.Is(err, strconv.ErrRange) {
		return Value{}
	}
	return Value{Number: n, OK: true}
}

// decimalPrefix returns the longest prefix of s that is a decimal number, or
// "" when s does not start with one.
func decimalPrefix(s string) string {
	i := 0
	if i < len(s) && (s[i] == '+' || s[i] == '-') {
		i++
	}
	if strings.HasPrefix(s[i:], "Infinity") {
		return s[:i+len("Infinity")]
	}

	digits := 0
	for i < len(s) && isDigit(s[i]) {
		i++
		digits++
	}
	if i < len(s) && s[i] == '.' {
		j := i + 1
		frac := 0
		for j < len(s) && isDigit(s[j]) {
			j++
			frac++
		}
		if digits > 0 || frac > 0 {
			i = j
			digits += frac
		}
	}
	if digits == 0 {
		return ""
	}

	// exponent only counts when at least one digit follows
	if i < len(s) && (s[i] == 'e' || s[i] == 'E') {
		j := i + 1
		if j < len(s) && (s[j] == '+' || s[j] == '-') {
			j++
		}
		start := j
		for j < len(s) && isDigit(s[j]) {
			j++
		}
		if j > start {
			i = j
		}
	}
	return s[:i]
}

func isDigit(c byte) bool {
	return c >= '0' && c <= '9'
}

// Parse runs the parsing stage over every field.
func Parse(raw RawInputs) Parsed {
	var p Parsed
	for _, f := range fields {
		*f.parsed(&p) = ParseNumber(f.raw(&raw))
	}
	return p
}

// Normalize applies the field policy and returns the numeric inputs.
func (p Parsed) Normalize() (Inputs, error) {
	var in Inputs
	for _, f := range fields {
		v := f.parsed(&p)
		n, err := apply(f.policy, v.Number, v.OK)
		if err != nil {
			return Inputs{}, err
		}
		*f.input(&in) = n
	}
	return in, nil
}

func apply(p policy, n float64, ok bool) (float64, error) {
	finite := ok && !math.IsNaN(n) && !math.IsInf(n, 0)
	switch p {
	case requirePositive:
		if !finite || n <= 0 {
			return 0, ErrInvalidSensitivity
		}
		return n, nil
	default:
		if !finite || n < 0 {
			return 0, nil
		}
		return n, nil
	}
}

// Calculate parses, normalizes and computes the breakdown for raw form values.
func Calculate(raw RawInputs) (Breakdown, error) {
	in, err := Parse(raw).Normalize()
	if err != nil {
		return Breakdown{}, err
	}
	return Compute(in)
}

// Compute runs the formulas on numeric inputs. The field policy is applied
// first, so negative or non-finite values behave as they do in Calculate.
func Compute(in Inputs) (Breakdown, error) {
	in, err := normalizeInputs(in)
	if err != nil {
		return Breakdown{}, err
	}

	meal := in.Carbs / 10 * in.MealCoefficient

	var correction float64
	if in.CurrentGlucose > in.TargetGlucose {
		// mg/dL to g/L
		diff := (in.CurrentGlucose - in.TargetGlucose) / 100
		correction = diff / in.InsulinSensitivity
	}

	iob := InsulinOnBoard(in.LastInjectionHours, in.LastInjectionUnits)

	total := math.Max(0, meal+correction-iob)

	return Breakdown{
		MealBolus:       Round2(meal),
		CorrectionBolus: Round2(correction),
		InsulinOnBoard:  Round2(iob),
		TotalBolus:      Round2(total),
	}, nil
}

func normalizeInputs(in Inputs) (Inputs, error) {
	var out Inputs
	for _, f := range fields {
		n, err := apply(f.policy, *f.input(&in), true)
		if err != nil {
			return Inputs{}, err
		}
		*f.input(&out) = n
	}
	return out, nil
}

// InsulinOnBoard returns the unrounded residual insulin from a dose of units
// taken hours ago.
func InsulinOnBoard(hours, units float64) float64 {
	if hours < InsulinActionHours && units > 0 {
		return units * (1 - hours/InsulinActionHours)
	}
	return 0
}

// Round2 rounds v to two decimal places.
func Round2(v float64) float64 {
	return math.Round(v*100) / 100
}

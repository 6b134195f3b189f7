// internal/server/tools.go
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strings"

	"github.com/ThinkInAIXYZ/go-mcp/protocol"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"mcp-bolus-calc/internal/dose"
	"mcp-bolus-calc/internal/models"
	"mcp-bolus-calc/internal/onboarding"
	"mcp-bolus-calc/internal/storage"
)

const defaultHistoryLimit = 20

var (
	errInvalidParams = errors.New("invalid parameters")
	emailPattern     = regexp.MustCompile(`^[^\s@]+@[^\s@]+\.[^\s@]+$`)
)

// numeric accepts a JSON number, a string or null, and keeps the text so the
// calculator applies its own parsing policy.
type numeric string

func (n *numeric) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		*n = ""
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*n = numeric(s)
		return nil
	}
	var num json.Number
	if err := json.Unmarshal(b, &num); err != nil {
		return fmt.Errorf("expected a number or a string, got %s", b)
	}
	*n = numeric(num.String())
	return nil
}

type CalculateBolusParams struct {
	ClientID           string  `json:"client_id,omitempty" description:"Client whose settings fill missing values and whose history receives the result"`
	MealType           string  `json:"meal_type,omitempty" description:"breakfast, lunch, dinner or snack (defaults to lunch)"`
	Carbs              numeric `json:"carbs" description:"Carbohydrates in the meal, grams"`
	MealCoefficient    numeric `json:"meal_coefficient,omitempty" description:"Insulin units per 10 g of carbohydrate"`
	CurrentGlucose     numeric `json:"current_glucose" description:"Measured blood glucose, mg/dL"`
	TargetGlucose      numeric `json:"target_glucose,omitempty" description:"Target blood glucose, mg/dL"`
	InsulinSensitivity numeric `json:"insulin_sensitivity,omitempty" description:"Glucose drop per unit of insulin, g/L"`
	LastInjectionHours numeric `json:"last_injection_hours,omitempty" description:"Hours since the previous injection"`
	LastInjectionUnits numeric `json:"last_injection_units,omitempty" description:"Units in the previous injection"`
}

type CalculateBolusResponse struct {
	ID        string          `json:"id,omitempty"`
	MealType  models.MealType `json:"meal_type"`
	Inputs    dose.Inputs     `json:"inputs"`
	Result    dose.Breakdown  `json:"result"`
	Saved     bool            `json:"saved"`
	SaveError string          `json:"save_error,omitempty"`
}

type ClientParams struct {
	ClientID string `json:"client_id" description:"Client identifier"`
}

type GetCalculationsParams struct {
	ClientID string `json:"client_id" description:"Client identifier"`
	Limit    int    `json:"limit,omitempty" description:"Maximum number of calculations to return"`
}

type UpdateSettingsParams struct {
	ClientID           string                      `json:"client_id" description:"Client identifier"`
	TargetGlucose      *numeric                    `json:"target_glucose,omitempty" description:"Target blood glucose, mg/dL"`
	InsulinSensitivity *numeric                    `json:"insulin_sensitivity,omitempty" description:"Glucose drop per unit of insulin, g/L"`
	MealCoefficients   map[models.MealType]numeric `json:"meal_coefficients,omitempty" description:"Units per 10 g of carbohydrate keyed by meal type"`
}

type UpdateMealCoefficientParams struct {
	ClientID string  `json:"client_id" description:"Client identifier"`
	MealType string  `json:"meal_type" description:"breakfast, lunch, dinner or snack"`
	Value    numeric `json:"value" description:"Units per 10 g of carbohydrate"`
}

type CompleteOnboardingParams struct {
	ClientID           string                      `json:"client_id" description:"Client identifier"`
	InsulinSensitivity numeric                     `json:"insulin_sensitivity" description:"Glucose drop per unit of insulin, g/L"`
	TargetGlucose      numeric                     `json:"target_glucose" description:"Target blood glucose, mg/dL"`
	MealCoefficients   map[models.MealType]numeric `json:"meal_coefficients" description:"Units per 10 g of carbohydrate keyed by meal type"`
}

type SaveFeatureEmailParams struct {
	ClientID string `json:"client_id" description:"Client identifier"`
	Email    string `json:"email" description:"Address to notify about new features"`
}

type SettingsResponse struct {
	*models.Settings
	Configured bool `json:"configured"`
}

// extractParams converts the request arguments into target.
func extractParams(req *protocol.CallToolRequest, target interface{}) error {
	jsonBytes, err := json.Marshal(req.Arguments)
	if err != nil {
		return fmt.Errorf("%w: %v", errInvalidParams, err)
	}

	if err := json.Unmarshal(jsonBytes, target); err != nil {
		return fmt.Errorf("%w: %v", errInvalidParams, err)
	}

	return nil
}

func invalidParams(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", errInvalidParams, fmt.Sprintf(format, args...))
}

func requireClientID(id string) error {
	if strings.TrimSpace(id) == "" {
		return invalidParams("client_id is required")
	}
	return nil
}

// statusFor maps a tool error to an HTTP status.
func statusFor(err error) int {
	switch {
	case errors.Is(err, errInvalidParams):
		return http.StatusBadRequest
	case errors.Is(err, dose.ErrInvalidSensitivity), errors.Is(err, onboarding.ErrInvalidOnboarding):
		return http.StatusUnprocessableEntity
	case errors.Is(err, storage.ErrNotFound):
		return http.StatusNotFound
	}
	return http.StatusInternalServerError
}

// loadSettings returns the stored settings, or empty ones for a new client.
func (s *BolusServer) loadSettings(ctx context.Context, clientID string) (*models.Settings, error) {
	st, err := s.storage.GetSettings(ctx, clientID)
	if errors.Is(err, storage.ErrNotFound) {
		return &models.Settings{ClientID: clientID}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load settings: %w", err)
	}
	return st, nil
}

func (s *BolusServer) handleRegisterClient(ctx context.Context, req *protocol.CallToolRequest) (*protocol.CallToolResult, error) {
	id := "client_" + uuid.NewString()
	s.logger.Info("registered client", zap.String("client_id", id))
	return s.createJSONResponse(map[string]string{"client_id": id})
}

// handleCalculateBolus computes a dose. Values left out of the request are
// taken from the client's settings; the result is stored when a client is
// named, and a storage failure never hides the computed dose.
func (s *BolusServer) handleCalculateBolus(ctx context.Context, req *protocol.CallToolRequest) (*protocol.CallToolResult, error) {
	var params CalculateBolusParams
	if err := extractParams(req, &params); err != nil {
		return nil, err
	}

	mealType, err := models.ParseMealType(params.MealType)
	if err != nil {
		return nil, invalidParams("%v", err)
	}

	raw := dose.RawInputs{
		Carbs:              string(params.Carbs),
		MealCoefficient:    string(params.MealCoefficient),
		CurrentGlucose:     string(params.CurrentGlucose),
		TargetGlucose:      string(params.TargetGlucose),
		InsulinSensitivity: string(params.InsulinSensitivity),
		LastInjectionHours: string(params.LastInjectionHours),
		LastInjectionUnits: string(params.LastInjectionUnits),
	}

	if params.ClientID != "" {
		st, err := s.loadSettings(ctx, params.ClientID)
		if err != nil {
			return nil, err
		}
		fillFromSettings(&raw, st, mealType)
	}

	in, err := dose.Parse(raw).Normalize()
	if err != nil {
		return nil, err
	}
	result, err := dose.Compute(in)
	if err != nil {
		return nil, err
	}

	resp := CalculateBolusResponse{
		MealType: mealType,
		Inputs:   in,
		Result:   result,
	}

	if params.ClientID != "" {
		calc := &models.Calculation{
			ClientID: params.ClientID,
			MealType: mealType,
			Inputs:   in,
			Result:   result,
		}
		if err := s.storage.SaveCalculation(ctx, calc); err != nil {
			s.logger.Warn("failed to save calculation",
				zap.String("client_id", params.ClientID), zap.Error(err))
			resp.SaveError = "failed to save calculation"
		} else {
			resp.ID = calc.ID
			resp.Saved = true
		}
	}

	s.logger.Debug("calculated bolus",
		zap.String("client_id", params.ClientID),
		zap.String("meal_type", string(mealType)),
		zap.Float64("total_bolus", result.TotalBolus))

	return s.createJSONResponse(resp)
}

func fillFromSettings(raw *dose.RawInputs, st *models.Settings, mealType models.MealType) {
	if raw.MealCoefficient == "" {
		raw.MealCoefficient = st.MealCoefficients.Get(mealType)
	}
	if raw.TargetGlucose == "" {
		raw.TargetGlucose = st.TargetGlucose
	}
	if raw.InsulinSensitivity == "" {
		raw.InsulinSensitivity = st.InsulinSensitivity
	}
}

func (s *BolusServer) handleGetCalculations(ctx context.Context, req *protocol.CallToolRequest) (*protocol.CallToolResult, error) {
	var params GetCalculationsParams
	if err := extractParams(req, &params); err != nil {
		return nil, err
	}
	if err := requireClientID(params.ClientID); err != nil {
		return nil, err
	}

	if params.Limit <= 0 {
		params.Limit = defaultHistoryLimit
	}

	calculations, err := s.storage.GetCalculations(ctx, params.ClientID, params.Limit)
	if err != nil {
		return nil, fmt.Errorf("failed to retrieve calculations: %w", err)
	}

	return s.createJSONResponse(calculations)
}

func (s *BolusServer) handleGetSettings(ctx context.Context, req *protocol.CallToolRequest) (*protocol.CallToolResult, error) {
	var params ClientParams
	if err := extractParams(req, &params); err != nil {
		return nil, err
	}
	if err := requireClientID(params.ClientID); err != nil {
		return nil, err
	}

	st, err := s.loadSettings(ctx, params.ClientID)
	if err != nil {
		return nil, err
	}

	return s.createJSONResponse(SettingsResponse{Settings: st, Configured: st.Configured()})
}

func (s *BolusServer) saveSettings(ctx context.Context, st *models.Settings) (*protocol.CallToolResult, error) {
	if err := s.storage.UpsertSettings(ctx, st); err != nil {
		return nil, fmt.Errorf("failed to save settings: %w", err)
	}
	return s.createJSONResponse(SettingsResponse{Settings: st, Configured: st.Configured()})
}

func (s *BolusServer) handleUpdateSettings(ctx context.Context, req *protocol.CallToolRequest) (*protocol.CallToolResult, error) {
	var params UpdateSettingsParams
	if err := extractParams(req, &params); err != nil {
		return nil, err
	}
	if err := requireClientID(params.ClientID); err != nil {
		return nil, err
	}

	update := models.SettingsUpdate{}
	if params.TargetGlucose != nil {
		v := string(*params.TargetGlucose)
		update.TargetGlucose = &v
	}
	if params.InsulinSensitivity != nil {
		v := string(*params.InsulinSensitivity)
		update.InsulinSensitivity = &v
	}
	if len(params.MealCoefficients) > 0 {
		update.MealCoefficients = make(map[models.MealType]string, len(params.MealCoefficients))
		for m, v := range params.MealCoefficients {
			update.MealCoefficients[m] = string(v)
		}
	}

	st, err := s.loadSettings(ctx, params.ClientID)
	if err != nil {
		return nil, err
	}
	if err := st.Merge(update); err != nil {
		return nil, invalidParams("%v", err)
	}

	return s.saveSettings(ctx, st)
}

func (s *BolusServer) handleUpdateMealCoefficient(ctx context.Context, req *protocol.CallToolRequest) (*protocol.CallToolResult, error) {
	var params UpdateMealCoefficientParams
	if err := extractParams(req, &params); err != nil {
		return nil, err
	}
	if err := requireClientID(params.ClientID); err != nil {
		return nil, err
	}
	if strings.TrimSpace(params.MealType) == "" {
		return nil, invalidParams("meal_type is required")
	}
	mealType, err := models.ParseMealType(params.MealType)
	if err != nil {
		return nil, invalidParams("%v", err)
	}

	st, err := s.loadSettings(ctx, params.ClientID)
	if err != nil {
		return nil, err
	}
	st.MealCoefficients.Set(mealType, string(params.Value))

	return s.saveSettings(ctx, st)
}

func (s *BolusServer) handleCompleteOnboarding(ctx context.Context, req *protocol.CallToolRequest) (*protocol.CallToolResult, error) {
	var params CompleteOnboardingParams
	if err := extractParams(req, &params); err != nil {
		return nil, err
	}
	if err := requireClientID(params.ClientID); err != nil {
		return nil, err
	}

	form := onboarding.Form{
		InsulinSensitivity: string(params.InsulinSensitivity),
		TargetGlucose:      string(params.TargetGlucose),
	}
	for m, v := range params.MealCoefficients {
		mealType, err := models.ParseMealType(string(m))
		if err != nil || m == "" {
			return nil, invalidParams("unknown meal type %q", m)
		}
		form.MealCoefficients.Set(mealType, string(v))
	}

	if err := onboarding.Validate(form); err != nil {
		return nil, err
	}

	st, err := s.loadSettings(ctx, params.ClientID)
	if err != nil {
		return nil, err
	}
	onboarding.Apply(st, form)

	s.logger.Info("onboarding complete", zap.String("client_id", params.ClientID))
	return s.saveSettings(ctx, st)
}

func (s *BolusServer) handleResetOnboarding(ctx context.Context, req *protocol.CallToolRequest) (*protocol.CallToolResult, error) {
	var params ClientParams
	if err := extractParams(req, &params); err != nil {
		return nil, err
	}
	if err := requireClientID(params.ClientID); err != nil {
		return nil, err
	}

	st, err := s.loadSettings(ctx, params.ClientID)
	if err != nil {
		return nil, err
	}
	st.OnboardingComplete = false

	return s.saveSettings(ctx, st)
}

func (s *BolusServer) handleSaveFeatureEmail(ctx context.Context, req *protocol.CallToolRequest) (*protocol.CallToolResult, error) {
	var params SaveFeatureEmailParams
	if err := extractParams(req, &params); err != nil {
		return nil, err
	}
	if err := requireClientID(params.ClientID); err != nil {
		return nil, err
	}

	email := strings.TrimSpace(params.Email)
	if email == "" {
		return nil, invalidParams("email is required")
	}
	if !emailPattern.MatchString(email) {
		return nil, invalidParams("invalid email address %q", email)
	}

	entry := &models.FeatureEmail{ClientID: params.ClientID, Email: email}
	if err := s.storage.SaveFeatureEmail(ctx, entry); err != nil {
		return nil, fmt.Errorf("failed to save email: %w", err)
	}

	return s.createJSONResponse(entry)
}

func (s *BolusServer) handleGetFeatureEmail(ctx context.Context, req *protocol.CallToolRequest) (*protocol.CallToolResult, error) {
	var params ClientParams
	if err := extractParams(req, &params); err != nil {
		return nil, err
	}
	if err := requireClientID(params.ClientID); err != nil {
		return nil, err
	}

	entry, err := s.storage.GetFeatureEmail(ctx, params.ClientID)
	if err != nil {
		return nil, fmt.Errorf("failed to load email: %w", err)
	}

	return s.createJSONResponse(entry)
}

func (s *BolusServer) registerTools() {
	s.tools = map[string]toolHandler{
		"register_client":         s.handleRegisterClient,
		"calculate_bolus":         s.handleCalculateBolus,
		"get_calculations":        s.handleGetCalculations,
		"get_settings":            s.handleGetSettings,
		"update_settings":         s.handleUpdateSettings,
		"update_meal_coefficient": s.handleUpdateMealCoefficient,
		"complete_onboarding":     s.handleCompleteOnboarding,
		"reset_onboarding":        s.handleResetOnboarding,
		"save_feature_email":      s.handleSaveFeatureEmail,
		"get_feature_email":       s.handleGetFeatureEmail,
	}

	for _, name := range s.Tools() {
		s.logger.Debug("registered tool", zap.String("tool", name))
	}
}

package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"mcp-bolus-calc/internal/models"
	"mcp-bolus-calc/internal/storage"
)

type toolResult struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
}

func newTestServer(t *testing.T) (*BolusServer, *storage.SQLiteStorage) {
	t.Helper()
	stor, err := storage.NewSQLiteStorage(filepath.Join(t.TempDir(), "bolus.db"))
	require.NoError(t, err)
	t.Cleanup(func() { stor.Close() })
	return newBolusServer(stor, zap.NewNop()), stor
}

// call posts a tool request and returns the status and, on success, the
// decoded JSON payload of the first text content.
func call(t *testing.T, s *BolusServer, name string, args map[string]interface{}, out interface{}) (int, string) {
	t.Helper()
	body, err := json.Marshal(map[string]interface{}{"name": name, "arguments": args})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	raw, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	if rec.Code != http.StatusOK {
		return rec.Code, string(raw)
	}

	var result toolResult
	require.NoError(t, json.Unmarshal(raw, &result))
	require.Len(t, result.Content, 1)
	assert.Equal(t, "text", result.Content[0].Type)
	if out != nil {
		require.NoError(t, json.Unmarshal([]byte(result.Content[0].Text), out))
	}
	return rec.Code, result.Content[0].Text
}

func TestCalculateBolus_ExplicitInputs(t *testing.T) {
	s, _ := newTestServer(t)

	var resp CalculateBolusResponse
	status, _ := call(t, s, "calculate_bolus", map[string]interface{}{
		"carbs":                40,
		"meal_coefficient":     "1.5",
		"current_glucose":      150,
		"target_glucose":       120,
		"insulin_sensitivity":  0.3,
		"last_injection_hours": "2",
		"last_injection_units": 4,
	}, &resp)

	require.Equal(t, http.StatusOK, status)
	assert.InDelta(t, 6.0, resp.Result.MealBolus, 1e-9)
	assert.InDelta(t, 1.0, resp.Result.CorrectionBolus, 1e-9)
	assert.InDelta(t, 2.0, resp.Result.InsulinOnBoard, 1e-9)
	assert.InDelta(t, 5.0, resp.Result.TotalBolus, 1e-9)
	assert.Equal(t, models.Lunch, resp.MealType)
	assert.False(t, resp.Saved)
	assert.Empty(t, resp.ID)
}

func TestCalculateBolus_InvalidSensitivity(t *testing.T) {
	s, _ := newTestServer(t)

	status, body := call(t, s, "calculate_bolus", map[string]interface{}{
		"carbs":               60,
		"meal_coefficient":    1,
		"insulin_sensitivity": 0,
	}, nil)

	assert.Equal(t, http.StatusUnprocessableEntity, status)
	assert.Contains(t, body, "insulin sensitivity")
}

func TestCalculateBolus_UsesSettingsAndSavesHistory(t *testing.T) {
	s, stor := newTestServer(t)
	ctx := context.Background()

	require.NoError(t, stor.UpsertSettings(ctx, &models.Settings{
		ClientID:           "client_a",
		TargetGlucose:      "120",
		InsulinSensitivity: "0.5",
		MealCoefficients:   models.MealCoefficients{Breakfast: "1", Dinner: "2"},
	}))

	var resp CalculateBolusResponse
	status, _ := call(t, s, "calculate_bolus", map[string]interface{}{
		"client_id":       "client_a",
		"meal_type":       "breakfast",
		"carbs":           60,
		"current_glucose": 180,
	}, &resp)

	require.Equal(t, http.StatusOK, status)
	assert.InDelta(t, 7.2, resp.Result.TotalBolus, 1e-9)
	assert.Equal(t, 1.0, resp.Inputs.MealCoefficient)
	assert.True(t, resp.Saved)
	assert.NotEmpty(t, resp.ID)

	// An explicit coefficient wins over the stored one.
	status, _ = call(t, s, "calculate_bolus", map[string]interface{}{
		"client_id":        "client_a",
		"meal_type":        "dinner",
		"carbs":            30,
		"meal_coefficient": 1,
		"current_glucose":  100,
	}, &resp)
	require.Equal(t, http.StatusOK, status)
	assert.InDelta(t, 3.0, resp.Result.TotalBolus, 1e-9)

	var history []*models.Calculation
	status, _ = call(t, s, "get_calculations", map[string]interface{}{"client_id": "client_a"}, &history)
	require.Equal(t, http.StatusOK, status)
	require.Len(t, history, 2)
	assert.Equal(t, models.Dinner, history[0].MealType)
	assert.Equal(t, models.Breakfast, history[1].MealType)
	assert.InDelta(t, 1.2, history[1].Result.CorrectionBolus, 1e-9)
}

type failingStore struct {
	*storage.SQLiteStorage
}

func (failingStore) SaveCalculation(ctx context.Context, c *models.Calculation) error {
	return errors.New("disk full")
}

func TestCalculateBolus_SaveFailureKeepsResult(t *testing.T) {
	stor, err := storage.NewSQLiteStorage(filepath.Join(t.TempDir(), "bolus.db"))
	require.NoError(t, err)
	t.Cleanup(func() { stor.Close() })
	s := newBolusServer(failingStore{stor}, zap.NewNop())

	var resp CalculateBolusResponse
	status, _ := call(t, s, "calculate_bolus", map[string]interface{}{
		"client_id":           "client_a",
		"carbs":               10,
		"meal_coefficient":    5,
		"current_glucose":     90,
		"target_glucose":      120,
		"insulin_sensitivity": 0.4,
	}, &resp)

	require.Equal(t, http.StatusOK, status)
	assert.InDelta(t, 5.0, resp.Result.TotalBolus, 1e-9)
	assert.False(t, resp.Saved)
	assert.NotEmpty(t, resp.SaveError)
}

func TestCalculateBolus_BadParams(t *testing.T) {
	s, _ := newTestServer(t)

	status, _ := call(t, s, "calculate_bolus", map[string]interface{}{
		"meal_type":           "brunch",
		"insulin_sensitivity": 0.5,
	}, nil)
	assert.Equal(t, http.StatusBadRequest, status)

	status, _ = call(t, s, "calculate_bolus", map[string]interface{}{
		"carbs":               true,
		"insulin_sensitivity": 0.5,
	}, nil)
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestSettingsTools(t *testing.T) {
	s, _ := newTestServer(t)

	var settings SettingsResponse
	status, _ := call(t, s, "get_settings", map[string]interface{}{"client_id": "client_a"}, &settings)
	require.Equal(t, http.StatusOK, status)
	assert.False(t, settings.Configured)
	assert.Equal(t, "client_a", settings.ClientID)

	status, _ = call(t, s, "update_settings", map[string]interface{}{
		"client_id":           "client_a",
		"target_glucose":      110,
		"insulin_sensitivity": "0.45",
		"meal_coefficients":   map[string]interface{}{"lunch": 1.2},
	}, &settings)
	require.Equal(t, http.StatusOK, status)
	assert.True(t, settings.Configured)

	status, _ = call(t, s, "update_meal_coefficient", map[string]interface{}{
		"client_id": "client_a",
		"meal_type": "snack",
		"value":     0.5,
	}, &settings)
	require.Equal(t, http.StatusOK, status)

	settings = SettingsResponse{}
	status, _ = call(t, s, "get_settings", map[string]interface{}{"client_id": "client_a"}, &settings)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "110", settings.TargetGlucose)
	assert.Equal(t, "0.45", settings.InsulinSensitivity)
	assert.Equal(t, models.MealCoefficients{Lunch: "1.2", Snack: "0.5"}, settings.MealCoefficients)

	status, _ = call(t, s, "update_settings", map[string]interface{}{
		"client_id":         "client_a",
		"meal_coefficients": map[string]interface{}{"brunch": 1},
	}, nil)
	assert.Equal(t, http.StatusBadRequest, status)

	status, _ = call(t, s, "get_settings", map[string]interface{}{}, nil)
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestOnboardingTools(t *testing.T) {
	s, _ := newTestServer(t)

	status, body := call(t, s, "complete_onboarding", map[string]interface{}{
		"client_id":           "client_a",
		"insulin_sensitivity": 0,
		"target_glucose":      100,
		"meal_coefficients":   map[string]interface{}{"lunch": ""},
	}, nil)
	assert.Equal(t, http.StatusUnprocessableEntity, status)
	assert.Contains(t, body, "insulin_sensitivity")
	assert.Contains(t, body, "meal_coefficients")

	var settings SettingsResponse
	status, _ = call(t, s, "complete_onboarding", map[string]interface{}{
		"client_id":           "client_a",
		"insulin_sensitivity": 0.5,
		"target_glucose":      100,
		"meal_coefficients":   map[string]interface{}{"lunch": 1, "dinner": ""},
	}, &settings)
	require.Equal(t, http.StatusOK, status)
	assert.True(t, settings.OnboardingComplete)
	assert.Equal(t, "1", settings.MealCoefficients.Lunch)

	status, _ = call(t, s, "reset_onboarding", map[string]interface{}{"client_id": "client_a"}, &settings)
	require.Equal(t, http.StatusOK, status)
	assert.False(t, settings.OnboardingComplete)
	assert.Equal(t, "0.5", settings.InsulinSensitivity)
}

func TestFeatureEmailTools(t *testing.T) {
	s, _ := newTestServer(t)

	status, _ := call(t, s, "get_feature_email", map[string]interface{}{"client_id": "client_a"}, nil)
	assert.Equal(t, http.StatusNotFound, status)

	status, _ = call(t, s, "save_feature_email", map[string]interface{}{
		"client_id": "client_a",
		"email":     "not-an-email",
	}, nil)
	assert.Equal(t, http.StatusBadRequest, status)

	var entry models.FeatureEmail
	status, _ = call(t, s, "save_feature_email", map[string]interface{}{
		"client_id": "client_a",
		"email":     "  me@example.com ",
	}, &entry)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "me@example.com", entry.Email)

	entry = models.FeatureEmail{}
	status, _ = call(t, s, "get_feature_email", map[string]interface{}{"client_id": "client_a"}, &entry)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "me@example.com", entry.Email)
}

func TestRegisterClient(t *testing.T) {
	s, _ := newTestServer(t)

	var first, second map[string]string
	call(t, s, "register_client", nil, &first)
	call(t, s, "register_client", nil, &second)

	assert.True(t, strings.HasPrefix(first["client_id"], "client_"))
	assert.NotEqual(t, first["client_id"], second["client_id"])
}

func TestHandleHTTP_Routing(t *testing.T) {
	s, _ := newTestServer(t)
	h := s.Handler()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodOptions, "/", nil))
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/", strings.NewReader("{")))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	status, _ := call(t, s, "log_meal", nil, nil)
	assert.Equal(t, http.StatusNotFound, status)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok\n", rec.Body.String())
}

func TestHandleHTTP_BodyTooLarge(t *testing.T) {
	s, _ := newTestServer(t)

	body := `{"name":"calculate_bolus","arguments":{"carbs":"` + strings.Repeat("1", maxRequestBytes) + `"}}`
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body)))

	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

func TestTools(t *testing.T) {
	s, _ := newTestServer(t)
	assert.Equal(t, []string{
		"calculate_bolus",
		"complete_onboarding",
		"get_calculations",
		"get_feature_email",
		"get_settings",
		"register_client",
		"reset_onboarding",
		"save_feature_email",
		"update_meal_coefficient",
		"update_settings",
	}, s.Tools())
}

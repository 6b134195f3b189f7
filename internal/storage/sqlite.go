// internal/storage/sqlite.go
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"mcp-bolus-calc/internal/models"
)

// ErrNotFound is returned when a client has no stored record.
var ErrNotFound = errors.New("not found")

type SQLiteStorage struct {
	db  *sql.DB
	now func() time.Time
}

func NewSQLiteStorage(dbPath string) (*SQLiteStorage, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	storage := &SQLiteStorage{db: db, now: time.Now}
	if err := storage.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return storage, nil
}

func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}

// Timestamps are Unix milliseconds.
func (s *SQLiteStorage) initSchema() error {
	schema := `
    CREATE TABLE IF NOT EXISTS calculations (
        id TEXT PRIMARY KEY,
        client_id TEXT NOT NULL,
        timestamp INTEGER NOT NULL,
        meal_type TEXT NOT NULL,
        carbs REAL NOT NULL,
        meal_coefficient REAL NOT NULL,
        current_glucose REAL NOT NULL,
        target_glucose REAL NOT NULL,
        insulin_sensitivity REAL NOT NULL,
        last_injection_hours REAL NOT NULL,
        last_injection_units REAL NOT NULL,
        meal_bolus REAL NOT NULL,
        correction_bolus REAL NOT NULL,
        insulin_on_board REAL NOT NULL,
        total_bolus REAL NOT NULL
    );

    CREATE TABLE IF NOT EXISTS settings (
        client_id TEXT PRIMARY KEY,
        target_glucose TEXT NOT NULL,
        insulin_sensitivity TEXT NOT NULL,
        coef_breakfast TEXT NOT NULL,
        coef_lunch TEXT NOT NULL,
        coef_dinner TEXT NOT NULL,
        coef_snack TEXT NOT NULL,
        onboarding_complete INTEGER NOT NULL DEFAULT 0,
        updated_at INTEGER NOT NULL
    );

    CREATE TABLE IF NOT EXISTS feature_emails (
        client_id TEXT PRIMARY KEY,
        email TEXT NOT NULL,
        timestamp INTEGER NOT NULL
    );

    CREATE INDEX IF NOT EXISTS idx_calculations_client ON calculations(client_id, timestamp);
    CREATE INDEX IF NOT EXISTS idx_feature_emails_email ON feature_emails(email);
    `

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}

	return nil
}

// SaveCalculation stores c. An empty ID or zero timestamp is filled in.
func (s *SQLiteStorage) SaveCalculation(ctx context.Context, c *models.Calculation) error {
	if c.ClientID == "" {
		return fmt.Errorf("calculation has no client id")
	}
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.Timestamp.IsZero() {
		c.Timestamp = s.now()
	}

	query := `
        INSERT INTO calculations (
            id, client_id, timestamp, meal_type,
            carbs, meal_coefficient, current_glucose, target_glucose,
            insulin_sensitivity, last_injection_hours, last_injection_units,
            meal_bolus, correction_bolus, insulin_on_board, total_bolus)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
    `
	in, r := c.Inputs, c.Result
	_, err := s.db.ExecContext(ctx, query,
		c.ID, c.ClientID, c.Timestamp.UnixMilli(), string(c.MealType),
		in.Carbs, in.MealCoefficient, in.CurrentGlucose, in.TargetGlucose,
		in.InsulinSensitivity, in.LastInjectionHours, in.LastInjectionUnits,
		r.MealBolus, r.CorrectionBolus, r.InsulinOnBoard, r.TotalBolus)
	if err != nil {
		return fmt.Errorf("failed to insert calculation: %w", err)
	}

	return nil
}

// GetCalculations returns the client's history, newest first.
func (s *SQLiteStorage) GetCalculations(ctx context.Context, clientID string, limit int) ([]*models.Calculation, error) {
	query := `
        SELECT id, client_id, timestamp, meal_type,
            carbs, meal_coefficient, current_glucose, target_glucose,
            insulin_sensitivity, last_injection_hours, last_injection_units,
            meal_bolus, correction_bolus, insulin_on_board, total_bolus
        FROM calculations
        WHERE client_id = ?
        ORDER BY timestamp DESC, rowid DESC
        LIMIT ?
    `

	rows, err := s.db.QueryContext(ctx, query, clientID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query calculations: %w", err)
	}
	defer rows.Close()

	calculations := []*models.Calculation{}
	for rows.Next() {
		c := &models.Calculation{}
		var ts int64
		var mealType string

		err := rows.Scan(
			&c.ID, &c.ClientID, &ts, &mealType,
			&c.Inputs.Carbs, &c.Inputs.MealCoefficient, &c.Inputs.CurrentGlucose, &c.Inputs.TargetGlucose,
			&c.Inputs.InsulinSensitivity, &c.Inputs.LastInjectionHours, &c.Inputs.LastInjectionUnits,
			&c.Result.MealBolus, &c.Result.CorrectionBolus, &c.Result.InsulinOnBoard, &c.Result.TotalBolus)
		if err != nil {
			return nil, fmt.Errorf("failed to scan calculation: %w", err)
		}

		c.Timestamp = time.UnixMilli(ts).UTC()
		c.MealType = models.MealType(mealType)
		calculations = append(calculations, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read calculations: %w", err)
	}

	return calculations, nil
}

func (s *SQLiteStorage) GetSettings(ctx context.Context, clientID string) (*models.Settings, error) {
	query := `
        SELECT client_id, target_glucose, insulin_sensitivity,
            coef_breakfast, coef_lunch, coef_dinner, coef_snack,
            onboarding_complete, updated_at
        FROM settings
        WHERE client_id = ?
    `

	st := &models.Settings{}
	var complete int
	var updatedAt int64
	err := s.db.QueryRowContext(ctx, query, clientID).Scan(
		&st.ClientID, &st.TargetGlucose, &st.InsulinSensitivity,
		&st.MealCoefficients.Breakfast, &st.MealCoefficients.Lunch,
		&st.MealCoefficients.Dinner, &st.MealCoefficients.Snack,
		&complete, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query settings: %w", err)
	}

	st.OnboardingComplete = complete != 0
	st.UpdatedAt = time.UnixMilli(updatedAt).UTC()
	return st, nil
}

// UpsertSettings inserts or replaces the client's settings and stamps
// UpdatedAt.
func (s *SQLiteStorage) UpsertSettings(ctx context.Context, st *models.Settings) error {
	if st.ClientID == "" {
		return fmt.Errorf("settings have no client id")
	}
	st.UpdatedAt = s.now()

	query := `
        INSERT INTO settings (
            client_id, target_glucose, insulin_sensitivity,
            coef_breakfast, coef_lunch, coef_dinner, coef_snack,
            onboarding_complete, updated_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
        ON CONFLICT(client_id) DO UPDATE SET
            target_glucose = excluded.target_glucose,
            insulin_sensitivity = excluded.insulin_sensitivity,
            coef_breakfast = excluded.coef_breakfast,
            coef_lunch = excluded.coef_lunch,
            coef_dinner = excluded.coef_dinner,
            coef_snack = excluded.coef_snack,
            onboarding_complete = excluded.onboarding_complete,
            updated_at = excluded.updated_at
    `
	complete := 0
	if st.OnboardingComplete {
		complete = 1
	}
	c := st.MealCoefficients
	_, err := s.db.ExecContext(ctx, query,
		st.ClientID, st.TargetGlucose, st.InsulinSensitivity,
		c.Breakfast, c.Lunch, c.Dinner, c.Snack,
		complete, st.UpdatedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to upsert settings: %w", err)
	}

	return nil
}

// SaveFeatureEmail keeps one email per client, replacing any earlier one.
func (s *SQLiteStorage) SaveFeatureEmail(ctx context.Context, e *models.FeatureEmail) error {
	if e.ClientID == "" {
		return fmt.Errorf("feature email has no client id")
	}
	e.Timestamp = s.now()

	query := `
        INSERT INTO feature_emails (client_id, email, timestamp)
        VALUES (?, ?, ?)
        ON CONFLICT(client_id) DO UPDATE SET
            email = excluded.email,
            timestamp = excluded.timestamp
    `
	if _, err := s.db.ExecContext(ctx, query, e.ClientID, e.Email, e.Timestamp.UnixMilli()); err != nil {
		return fmt.Errorf("failed to save feature email: %w", err)
	}

	return nil
}

func (s *SQLiteStorage) GetFeatureEmail(ctx context.Context, clientID string) (*models.FeatureEmail, error) {
	e := &models.FeatureEmail{}
	var ts int64
	err := s.db.QueryRowContext(ctx,
		`SELECT client_id, email, timestamp FROM feature_emails WHERE client_id = ?`,
		clientID).Scan(&e.ClientID, &e.Email, &ts)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query feature email: %w", err)
	}

	e.Timestamp = time.UnixMilli(ts).UTC()
	return e, nil
}

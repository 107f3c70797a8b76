package database

import (
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"
)

const (
	// PrefViewMode selects between the grid and the table rendering
	PrefViewMode = "view_mode"

	ViewGrid  = "grid"
	ViewTable = "table"
)

func InitDB(path string, logger *zap.Logger) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Key-value table for UI preferences
	_, err = db.Exec(`CREATE TABLE IF NOT EXISTS preferences (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL,
		updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	)`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create preferences table: %w", err)
	}

	logger.Info("Database initialized", zap.String("path", path))
	return db, nil
}

// PreferenceService stores UI preferences as plain key/value pairs
type PreferenceService struct {
	db *sql.DB
}

func NewPreferenceService(db *sql.DB) *PreferenceService {
	return &PreferenceService{db: db}
}

// Get returns the stored value for key, or "" when it was never set
func (s *PreferenceService) Get(key string) (string, error) {
	row := s.db.QueryRow("SELECT value FROM preferences WHERE key = ?", key)

	var value string
	err := row.Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to query preference %q: %w", key, err)
	}
	return value, nil
}

// Set saves or updates a preference
func (s *PreferenceService) Set(key, value string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.Exec(`
		INSERT INTO preferences (key, value, updated_at)
		VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(key) DO UPDATE SET
			value = excluded.value,
			updated_at = CURRENT_TIMESTAMP
	`, key, value)
	if err != nil {
		return fmt.Errorf("failed to upsert preference %q: %w", key, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// ViewMode returns the saved view toggle, defaulting to the grid view
func (s *PreferenceService) ViewMode() (string, error) {
	mode, err := s.Get(PrefViewMode)
	if err != nil {
		return "", err
	}
	if mode != ViewTable {
		return ViewGrid, nil
	}
	return ViewTable, nil
}

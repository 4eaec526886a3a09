package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// prefsRow is the single row holding Prefs.
type prefsRow struct {
	ID           uint `gorm:"primaryKey"`
	AccessToken  string
	RefreshToken string
	Theme        string
	UpdatedAt    time.Time
}

func (prefsRow) TableName() string { return "client_prefs" }

const prefsRowID = 1

// SQLite stores Prefs in a sqlite database through gorm.
type SQLite struct {
	db *gorm.DB
}

// OpenSQLite opens (creating if needed) the database at path.
func OpenSQLite(path string) (*SQLite, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open prefs database: %w", err)
	}
	return NewSQLite(db)
}

// NewSQLite wraps an open gorm handle and migrates the prefs table.
func NewSQLite(db *gorm.DB) (*SQLite, error) {
	if err := db.AutoMigrate(&prefsRow{}); err != nil {
		return nil, fmt.Errorf("migrate prefs table: %w", err)
	}
	return &SQLite{db: db}, nil
}

func (s *SQLite) Load(ctx context.Context) (Prefs, error) {
	var row prefsRow
	if err := s.db.WithContext(ctx).First(&row, prefsRowID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return Prefs{}, nil
		}
		return Prefs{}, fmt.Errorf("load prefs: %w", err)
	}
	return Prefs{
		AccessToken:  row.AccessToken,
		RefreshToken: row.RefreshToken,
		Theme:        row.Theme,
	}, nil
}

func (s *SQLite) Save(ctx context.Context, p Prefs) error {
	row := prefsRow{
		ID:           prefsRowID,
		AccessToken:  p.AccessToken,
		RefreshToken: p.RefreshToken,
		Theme:        p.Theme,
	}
	if err := s.db.WithContext(ctx).Save(&row).Error; err != nil {
		return fmt.Errorf("save prefs: %w", err)
	}
	return nil
}

// Close releases the underlying database handle.
func (s *SQLite) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

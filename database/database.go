package database

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"guild-portal-service/models"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// InitDB opens the sqlite database and migrates the documents table.
func InitDB(dbPath string) (*gorm.DB, error) {
	if err := ensureWritableDir(filepath.Dir(dbPath)); err != nil {
		return nil, err
	}

	db, err := gorm.Open(sqlite.Open(dbPath), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := models.AutoMigrate(db); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return db, nil
}

// SQLiteStore keeps each document as one row keyed by name.
type SQLiteStore struct {
	db *gorm.DB
}

func NewSQLiteStore(db *gorm.DB) *SQLiteStore {
	return &SQLiteStore{db: db}
}

func (s *SQLiteStore) Load(key string) ([]byte, error) {
	var doc models.Document
	if err := s.db.Where("doc_key = ?", key).First(&doc).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to load document %q: %w", key, err)
	}
	return []byte(doc.Data), nil
}

func (s *SQLiteStore) Save(key string, data []byte) error {
	doc := models.Document{Key: key, Data: string(data), UpdatedAt: time.Now()}
	err := s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "doc_key"}},
		DoUpdates: clause.AssignmentColumns([]string{"data", "updated_at"}),
	}).Create(&doc).Error
	if err != nil {
		return fmt.Errorf("failed to save document %q: %w", key, err)
	}
	return nil
}

// ensureWritableDir creates dir and verifies a file can be written in it.
func ensureWritableDir(dir string) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	testFile := filepath.Join(dir, ".write_test")
	if err := os.WriteFile(testFile, []byte("test"), 0644); err != nil {
		return fmt.Errorf("directory %s is not writable: %w", dir, err)
	}
	os.Remove(testFile)
	return nil
}

package database

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
)

// Document keys shared by the services.
const (
	StatsCacheKey = "discord-cache"
	ContentKey    = "content"
	EventsKey     = "events"
)

var ErrNotFound = errors.New("document not found")

var keyRegex = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]*$`)

// DocumentStore persists whole JSON documents by key. Save overwrites.
type DocumentStore interface {
	Load(key string) ([]byte, error)
	Save(key string, data []byte) error
}

// FileStore keeps each document in <dir>/<key>.json.
type FileStore struct {
	dir string
}

func NewFileStore(dir string) (*FileStore, error) {
	if err := ensureWritableDir(dir); err != nil {
		return nil, err
	}
	return &FileStore{dir: dir}, nil
}

func (s *FileStore) path(key string) (string, error) {
	if !keyRegex.MatchString(key) {
		return "", fmt.Errorf("invalid document key %q", key)
	}
	return filepath.Join(s.dir, key+".json"), nil
}

func (s *FileStore) Load(key string) ([]byte, error) {
	p, err := s.path(key)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(p)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to read %s: %w", p, err)
	}
	return data, nil
}

// Save writes to a temp file and renames it over the old document so
// readers never see a partial write.
func (s *FileStore) Save(key string, data []byte) error {
	p, err := s.path(key)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(s.dir, "."+key+"-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write %s: %w", p, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to write %s: %w", p, err)
	}
	if err := os.Rename(tmpName, p); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to replace %s: %w", p, err)
	}
	return nil
}

// Open returns the DocumentStore for the configured driver.
func Open(driver, dataDir, dbPath string) (DocumentStore, error) {
	switch driver {
	case "sqlite":
		db, err := InitDB(dbPath)
		if err != nil {
			return nil, err
		}
		return NewSQLiteStore(db), nil
	case "file", "":
		return NewFileStore(dataDir)
	default:
		return nil, fmt.Errorf("unknown storage driver %q", driver)
	}
}

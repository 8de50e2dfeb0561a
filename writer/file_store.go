package writer

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"chartfeed/logger"
	"chartfeed/models"
)

const parquetExt = ".parquet"

// FileStore keeps one parquet file per series in a directory. Writes go to a
// temporary file that is renamed into place, so readers never observe a
// partially written file.
type FileStore struct {
	dir         string
	compression string
	log         *logger.Log
}

// NewFileStore creates dir if needed.
func NewFileStore(dir, compression string) (*FileStore, error) {
	if dir == "" {
		return nil, fmt.Errorf("file store directory is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create store directory '%s': %w", dir, err)
	}
	return &FileStore{dir: dir, compression: compression, log: logger.GetLogger()}, nil
}

func (s *FileStore) Backend() string { return "parquet" }

// fileName escapes the symbol so keys such as "BRK/B" stay inside dir.
func fileName(key models.SeriesKey) string {
	return url.PathEscape(key.Symbol) + "__" + string(key.Interval) + parquetExt
}

func (s *FileStore) path(key models.SeriesKey) string {
	return filepath.Join(s.dir, fileName(key))
}

func (s *FileStore) Get(_ context.Context, key models.SeriesKey) (*models.CacheEntry, error) {
	data, err := os.ReadFile(s.path(key))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", key, err)
	}
	return decodeEntry(key, data)
}

func (s *FileStore) Put(_ context.Context, key models.SeriesKey, entry *models.CacheEntry) error {
	if entry == nil || len(entry.Bars) == 0 {
		return nil
	}

	data, err := encodeEntry(entry, s.compression)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(s.dir, ".tmp-*"+parquetExt)
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write %s: %w", key, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close %s: %w", key, err)
	}
	if err := os.Rename(tmpName, s.path(key)); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to move %s into place: %w", key, err)
	}

	s.log.WithComponent("file_store").WithFields(logger.Fields{
		"series":    key.String(),
		"bars":      len(entry.Bars),
		"file_size": len(data),
	}).Debug("series persisted")
	return nil
}

// Clear removes every series file, leaving unrelated files alone.
func (s *FileStore) Clear(_ context.Context) error {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return fmt.Errorf("failed to list %s: %w", s.dir, err)
	}
	var errs []error
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), parquetExt) {
			continue
		}
		if err := os.Remove(filepath.Join(s.dir, e.Name())); err != nil && !errors.Is(err, fs.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

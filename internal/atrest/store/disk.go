package store

import (
	"context"
	"encoding/base64"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"go.uber.org/zap"
)

const blobExt = ".blob"

// DiskStore writes one file per entity under a base directory. Entity ids
// are encoded into the filename so ids with separators cannot escape the
// directory.
type DiskStore struct {
	logger  *zap.Logger
	baseDir string
	mu      sync.RWMutex
}

var _ Store = (*DiskStore)(nil)

func NewDiskStore(logger *zap.Logger, baseDir string) (*DiskStore, error) {
	logger = logger.Named("atrest.store.disk")
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, err
	}
	logger.Info("using blob directory", zap.String("path", baseDir))
	return &DiskStore{logger: logger, baseDir: baseDir}, nil
}

func (s *DiskStore) path(entityID string) string {
	name := base64.RawURLEncoding.EncodeToString([]byte(entityID)) + blobExt
	return filepath.Join(s.baseDir, name)
}

func (s *DiskStore) Put(_ context.Context, entityID string, blob string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return os.WriteFile(s.path(entityID), []byte(blob), 0600)
}

func (s *DiskStore) Get(_ context.Context, entityID string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, err := os.ReadFile(s.path(entityID))
	if os.IsNotExist(err) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func (s *DiskStore) Delete(_ context.Context, entityID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	err := os.Remove(s.path(entityID))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

func (s *DiskStore) List(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries, err := os.ReadDir(s.baseDir)
	if err != nil {
		return nil, err
	}
	var ids []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), blobExt) {
			continue
		}
		raw, err := base64.RawURLEncoding.DecodeString(strings.TrimSuffix(e.Name(), blobExt))
		if err != nil {
			s.logger.Warn("skipping unreadable blob filename", zap.String("file", e.Name()))
			continue
		}
		ids = append(ids, string(raw))
	}
	return ids, nil
}

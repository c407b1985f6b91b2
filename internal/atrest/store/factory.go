package store

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/castlelab/gambit/internal/common/config"
)

// NewStore creates a blob store based on configuration
func NewStore(logger *zap.Logger, cfg *config.StorageConfig) (Store, error) {
	logger.Info("initializing blob storage", zap.String("type", cfg.Type))
	switch cfg.Type {
	case "memory":
		return NewMemoryStore(logger), nil
	case "disk":
		return NewDiskStore(logger, cfg.Disk.Path)
	case "redis":
		return NewRedisStore(logger, cfg.Redis)
	case "db":
		return NewDBStore(logger, &cfg.Database)
	default:
		return nil, fmt.Errorf("unsupported storage type: %s", cfg.Type)
	}
}

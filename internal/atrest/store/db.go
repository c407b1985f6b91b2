package store

import (
	"context"
	"errors"
	"time"

	"github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/castlelab/gambit/internal/common/config"
)

// ErrInvalidDatabaseType is returned for an unsupported database type.
var ErrInvalidDatabaseType = errors.New("invalid database type")

// BlobRecord is the GORM model holding one encrypted blob.
type BlobRecord struct {
	EntityID  string    `gorm:"primaryKey;column:entity_id"`
	Blob      string    `gorm:"column:blob;type:text"`
	UpdatedAt time.Time `gorm:"column:updated_at"`
}

// TableName implements the GORM table name convention.
func (BlobRecord) TableName() string {
	return "atrest_blobs"
}

// DBStore keeps blobs in a relational database.
type DBStore struct {
	logger *zap.Logger
	db     *gorm.DB
}

var _ Store = (*DBStore)(nil)

func NewDBStore(logger *zap.Logger, cfg *config.DatabaseConfig) (*DBStore, error) {
	logger = logger.Named("atrest.store.db")

	var dialector gorm.Dialector
	switch cfg.Type {
	case "postgres":
		dialector = postgres.Open(cfg.GetDSN())
	case "mysql":
		dialector = mysql.Open(cfg.GetDSN())
	case "sqlite":
		dialector = sqlite.Open(cfg.GetDSN())
	default:
		return nil, ErrInvalidDatabaseType
	}

	db, err := gorm.Open(dialector, &gorm.Config{})
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(&BlobRecord{}); err != nil {
		return nil, err
	}

	return &DBStore{logger: logger, db: db}, nil
}

func (s *DBStore) Put(ctx context.Context, entityID string, blob string) error {
	rec := &BlobRecord{EntityID: entityID, Blob: blob, UpdatedAt: time.Now()}
	return s.db.WithContext(ctx).Save(rec).Error
}

func (s *DBStore) Get(ctx context.Context, entityID string) (string, error) {
	var rec BlobRecord
	err := s.db.WithContext(ctx).First(&rec, "entity_id = ?", entityID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", err
	}
	return rec.Blob, nil
}

func (s *DBStore) Delete(ctx context.Context, entityID string) error {
	return s.db.WithContext(ctx).Delete(&BlobRecord{}, "entity_id = ?", entityID).Error
}

func (s *DBStore) List(ctx context.Context) ([]string, error) {
	var ids []string
	err := s.db.WithContext(ctx).Model(&BlobRecord{}).Pluck("entity_id", &ids).Error
	if err != nil {
		return nil, err
	}
	return ids, nil
}

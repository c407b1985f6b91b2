package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"
)

type (
	// StorageConfig selects the backend holding encrypted session/training blobs
	StorageConfig struct {
		Type     string             `yaml:"type"`     // memory, disk, redis or db
		Disk     DiskStorageConfig  `yaml:"disk"`     // disk configuration for disk type
		Redis    RedisStorageConfig `yaml:"redis"`    // redis configuration for redis type
		Database DatabaseConfig     `yaml:"database"` // database configuration for db type
	}

	DiskStorageConfig struct {
		Path string `yaml:"path"` // root directory for blob files
	}

	RedisStorageConfig struct {
		Addr     string        `yaml:"addr"`
		Username string        `yaml:"username"`
		Password string        `yaml:"password"`
		DB       int           `yaml:"db"`
		Prefix   string        `yaml:"prefix"`
		TTL      time.Duration `yaml:"ttl"` // zero keeps blobs until deleted
	}

	DatabaseConfig struct {
		Type     string `yaml:"type"` // sqlite, mysql or postgres
		Host     string `yaml:"host"`
		Port     int    `yaml:"port"`
		User     string `yaml:"user"`
		Password string `yaml:"password"`
		DBName   string `yaml:"dbname"` // database name, or file path for sqlite
		SSLMode  string `yaml:"sslmode"`
	}
)

// GetDSN returns the database connection string
func (c *DatabaseConfig) GetDSN() string {
	switch c.Type {
	case "postgres":
		return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
			c.User, c.Password, c.Host, c.Port, c.DBName, c.SSLMode)
	case "mysql":
		return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?charset=utf8mb4&parseTime=True&loc=Local",
			c.User, c.Password, c.Host, c.Port, c.DBName)
	case "sqlite":
		if dir := filepath.Dir(c.DBName); dir != "." {
			if err := os.MkdirAll(dir, 0755); err != nil {
				panic(fmt.Errorf("failed to create directory for sqlite database: %w", err))
			}
		}
		return c.DBName // for SQLite, DBName is the file path
	default:
		return ""
	}
}

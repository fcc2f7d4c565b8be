package database

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("record not found")

type Database struct {
	db     *gorm.DB
	logger *logrus.Logger
}

// NewDatabase opens (and creates if needed) the SQLite database at dbPath.
func NewDatabase(dbPath string, logger *logrus.Logger) (*Database, error) {
	if logger == nil {
		logger = logrus.New()
		logger.SetFormatter(&logrus.JSONFormatter{})
		logger.SetOutput(os.Stdout)
	}

	if dir := filepath.Dir(dbPath); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	return open(dbPath+"?_foreign_keys=on&_busy_timeout=5000", logger)
}

// NewTestDatabase opens a private in-memory database with the schema applied.
func NewTestDatabase() (*Database, error) {
	logger := logrus.New()
	logger.SetLevel(logrus.WarnLevel)

	d, err := open(fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString()), logger)
	if err != nil {
		return nil, err
	}
	if err := d.RunMigrations(); err != nil {
		return nil, err
	}
	return d, nil
}

func open(dsn string, logger *logrus.Logger) (*Database, error) {
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:  gormlogger.Default.LogMode(gormlogger.Silent),
		NowFunc: func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	// SQLite allows one writer; a single connection serialises access.
	sqlDB.SetMaxOpenConns(1)

	return &Database{db: db, logger: logger}, nil
}

// GetDB returns the underlying gorm handle
func (d *Database) GetDB() *gorm.DB {
	return d.db
}

func (d *Database) Close() error {
	sqlDB, err := d.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func translateError(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return err
}

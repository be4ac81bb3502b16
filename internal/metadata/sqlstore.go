package metadata

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

type transferRow struct {
	ID                 string `gorm:"primaryKey"`
	FileName           string `gorm:"not null"`
	ContentLengthBytes int64
	PrivateKey         string `gorm:"not null"`
	ValidUntil         int64  `gorm:"index"`
}

func (transferRow) TableName() string {
	return "transfers"
}

func rowFromRecord(rec Record) transferRow {
	return transferRow{
		ID:                 rec.ID,
		FileName:           rec.FileName,
		ContentLengthBytes: rec.ContentLengthBytes,
		PrivateKey:         rec.PrivateKey,
		ValidUntil:         rec.ValidUntil.UnixMilli(),
	}
}

func (r transferRow) record() Record {
	return Record{
		ID:                 r.ID,
		FileName:           r.FileName,
		ContentLengthBytes: r.ContentLengthBytes,
		PrivateKey:         r.PrivateKey,
		ValidUntil:         time.UnixMilli(r.ValidUntil).UTC(),
	}
}

// SQLStore keeps records in SQLite. Expired rows stay until PurgeExpired
// removes them but are never returned.
type SQLStore struct {
	db  *gorm.DB
	now func() time.Time
}

func OpenSQLite(path string) (*SQLStore, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		PrepareStmt: true,
		Logger:      gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}

	if err := db.AutoMigrate(&transferRow{}); err != nil {
		return nil, fmt.Errorf("migrating: %w", err)
	}
	return &SQLStore{db: db, now: time.Now}, nil
}

func (s *SQLStore) Put(ctx context.Context, rec Record) (Record, error) {
	if rec.ID == "" {
		rec.ID = NewID()
	}
	row := rowFromRecord(rec)
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return Record{}, fmt.Errorf("inserting transfer: %w", err)
	}
	return row.record(), nil
}

func (s *SQLStore) Get(ctx context.Context, id string) (Record, error) {
	var row transferRow
	err := s.db.WithContext(ctx).First(&row, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, fmt.Errorf("querying transfer: %w", err)
	}

	rec := row.record()
	if rec.Expired(s.now()) {
		return Record{}, ErrNotFound
	}
	return rec, nil
}

// PurgeExpired deletes expired rows and reports how many were removed.
func (s *SQLStore) PurgeExpired(ctx context.Context) (int64, error) {
	result := s.db.WithContext(ctx).
		Where("valid_until <= ?", s.now().UnixMilli()).
		Delete(&transferRow{})
	if result.Error != nil {
		return 0, fmt.Errorf("purging transfers: %w", result.Error)
	}
	return result.RowsAffected, nil
}

// RunPurger calls PurgeExpired every interval until ctx is done.
func (s *SQLStore) RunPurger(ctx context.Context, interval time.Duration, log *logrus.Entry) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := s.PurgeExpired(ctx)
			if err != nil {
				log.WithError(err).Warn("Purge failed")
				continue
			}
			if n > 0 {
				log.Infof("Purged %d expired transfers", n)
			}
		}
	}
}

func (s *SQLStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

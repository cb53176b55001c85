// Package store is the broker's database layer: the authoritative
// used-code set and the security audit trail.
package store

import (
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/ramzidaher/Penny-sub000/internal/models"
)

type Store struct {
	db *gorm.DB
}

func New(driver, dsn string) (*Store, error) {
	dialector, err := GetDialector(driver, dsn)
	if err != nil {
		return nil, err
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, err
	}

	if err := db.AutoMigrate(
		&models.UsedExchangeCode{},
		&models.AuditEvent{},
	); err != nil {
		return nil, err
	}

	return &Store{db: db}, nil
}

// MarkCodeUsed records a code hash as consumed. Returns true when this
// call claimed the code, false when another exchange got there first.
// The unique index on code_hash makes the claim race-free across
// broker instances sharing one database.
func (s *Store) MarkCodeUsed(codeHash, userID string, now time.Time, ttl time.Duration) (bool, error) {
	prefix := codeHash
	if len(prefix) > 8 {
		prefix = prefix[:8]
	}
	rec := &models.UsedExchangeCode{
		CodeHash:   codeHash,
		CodePrefix: prefix,
		UserID:     userID,
		UsedAt:     now,
		ExpiresAt:  now.Add(ttl),
	}
	res := s.db.Clauses(clause.OnConflict{DoNothing: true}).Create(rec)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// IsCodeUsed reports whether an unexpired marker exists for the hash.
func (s *Store) IsCodeUsed(codeHash string, now time.Time) (bool, error) {
	var count int64
	err := s.db.Model(&models.UsedExchangeCode{}).
		Where("code_hash = ? AND expires_at > ?", codeHash, now).
		Count(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// DeleteExpiredCodes drops markers past their provider-side lifetime.
func (s *Store) DeleteExpiredCodes(now time.Time) (int64, error) {
	res := s.db.Where("expires_at <= ?", now).Delete(&models.UsedExchangeCode{})
	return res.RowsAffected, res.Error
}

// CreateAuditEvent writes a single audit record.
func (s *Store) CreateAuditEvent(event *models.AuditEvent) error {
	return s.db.Create(event).Error
}

// CreateAuditEventBatch writes a batch of audit records in one insert.
func (s *Store) CreateAuditEventBatch(events []*models.AuditEvent) error {
	if len(events) == 0 {
		return nil
	}
	return s.db.Create(&events).Error
}

// AuditFilters narrows an audit query. Zero values are ignored.
type AuditFilters struct {
	EventType models.EventType
	UserID    string
	Since     time.Time
}

// GetAuditEvents returns the newest matching events, newest first.
func (s *Store) GetAuditEvents(filters AuditFilters, limit int) ([]models.AuditEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	q := s.db.Model(&models.AuditEvent{})
	if filters.EventType != "" {
		q = q.Where("event_type = ?", filters.EventType)
	}
	if filters.UserID != "" {
		q = q.Where("actor_user_id = ?", filters.UserID)
	}
	if !filters.Since.IsZero() {
		q = q.Where("event_time >= ?", filters.Since)
	}

	var events []models.AuditEvent
	err := q.Order("event_time DESC").Limit(limit).Find(&events).Error
	return events, err
}

// DeleteOldAuditEvents enforces the retention window.
func (s *Store) DeleteOldAuditEvents(cutoff time.Time) (int64, error) {
	res := s.db.Where("event_time < ?", cutoff).Delete(&models.AuditEvent{})
	return res.RowsAffected, res.Error
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

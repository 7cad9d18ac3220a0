// Package store persists call session records.
package store

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/alikalatearabi/opera-qc-elastic/internal/models"
)

// ErrNotFound is returned when no record has the requested key.
var ErrNotFound = errors.New("store: record not found")

// SessionStore is the persistence facade used by the pipeline and the API.
type SessionStore interface {
	// Create inserts rec, or refreshes the call metadata and audio URLs of
	// the record with the same filename. Analysis fields of an existing
	// record are left alone. The stored record is returned with its id.
	Create(ctx context.Context, rec *models.SessionRecord) (*models.SessionRecord, error)
	// Update applies column updates to the record with the given id.
	Update(ctx context.Context, id uint, fields map[string]interface{}) (*models.SessionRecord, error)
	FindByID(ctx context.Context, id uint) (*models.SessionRecord, error)
	FindByFilename(ctx context.Context, filename string) (*models.SessionRecord, error)
}

// upsertColumns are refreshed when a filename is ingested again.
var upsertColumns = []string{
	"type", "source_channel", "source_number", "queue", "dest_channel",
	"dest_number", "date", "duration", "unique_id",
	"incoming_file_url", "outgoing_file_url", "updated_at",
}

// GormStore implements SessionStore on GORM.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore wraps a connected database.
func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

// Create implements SessionStore.
func (s *GormStore) Create(ctx context.Context, rec *models.SessionRecord) (*models.SessionRecord, error) {
	if rec.Filename == "" {
		return nil, errors.New("store: create: filename is required")
	}
	row := *rec
	row.ID = 0
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "filename"}},
		DoUpdates: clause.AssignmentColumns(upsertColumns),
	}).Create(&row).Error
	if err != nil {
		return nil, fmt.Errorf("store: create %s: %w", rec.Filename, err)
	}
	return s.FindByFilename(ctx, rec.Filename)
}

// Update implements SessionStore.
func (s *GormStore) Update(ctx context.Context, id uint, fields map[string]interface{}) (*models.SessionRecord, error) {
	db := s.db.WithContext(ctx)
	res := db.Model(&models.SessionRecord{}).Where("id = ?", id).Updates(fields)
	if res.Error != nil {
		return nil, fmt.Errorf("store: update %d: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		// MySQL reports unchanged rows as unaffected.
		var n int64
		if err := db.Model(&models.SessionRecord{}).Where("id = ?", id).Count(&n).Error; err != nil {
			return nil, fmt.Errorf("store: update %d: %w", id, err)
		}
		if n == 0 {
			return nil, fmt.Errorf("store: update %d: %w", id, ErrNotFound)
		}
	}
	return s.FindByID(ctx, id)
}

// FindByID implements SessionStore.
func (s *GormStore) FindByID(ctx context.Context, id uint) (*models.SessionRecord, error) {
	var rec models.SessionRecord
	err := s.db.WithContext(ctx).First(&rec, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("store: find %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("store: find %d: %w", id, err)
	}
	return &rec, nil
}

// FindByFilename implements SessionStore.
func (s *GormStore) FindByFilename(ctx context.Context, filename string) (*models.SessionRecord, error) {
	var rec models.SessionRecord
	err := s.db.WithContext(ctx).Where("filename = ?", filename).First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("store: find %s: %w", filename, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("store: find %s: %w", filename, err)
	}
	return &rec, nil
}

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"gorm.io/datatypes"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"readflow/pkg/domain"
)

const migrateLockID int64 = 52815281

// GormStore implements Store using GORM + Postgres.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore opens the DB and runs auto-migrations under an advisory lock.
func NewGormStore(dsn string) (*GormStore, error) {
	gormLog := gormlogger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		gormlogger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: gormLog})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := withMigrationLock(db, func(tx *gorm.DB) error {
		if err := tx.AutoMigrate(&ConversionModel{}, &UserSettingsModel{}, &SubscriptionModel{}); err != nil {
			return fmt.Errorf("auto migrate: %w", err)
		}
		return nil
	}); err != nil {
		return nil, err
	}
	return &GormStore{db: db}, nil
}

func withMigrationLock(db *gorm.DB, fn func(*gorm.DB) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("get sql db: %w", err)
	}
	conn, err := sqlDB.Conn(ctx)
	if err != nil {
		return fmt.Errorf("open sql conn: %w", err)
	}
	defer conn.Close()
	if err := execAdvisory(ctx, conn, "SELECT pg_advisory_lock($1)", migrateLockID); err != nil {
		return fmt.Errorf("acquire migrate lock: %w", err)
	}
	defer func() {
		_ = execAdvisory(ctx, conn, "SELECT pg_advisory_unlock($1)", migrateLockID)
	}()
	return fn(db)
}

func execAdvisory(ctx context.Context, conn *sql.Conn, query string, lockID int64) error {
	_, err := conn.ExecContext(ctx, query, lockID)
	return err
}

// SaveConversion stores or updates a conversion row.
func (s *GormStore) SaveConversion(c domain.Conversion) error {
	model := conversionToModel(c)
	return s.db.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"title", "author", "source", "source_url", "date", "word_count",
			"reading_time", "status", "file_url", "file_size", "storage_key",
			"error", "metadata", "updated_at", "completed_at", "delivered_at",
		}),
	}).Create(&model).Error
}

// GetConversion returns a conversion by ID.
func (s *GormStore) GetConversion(id string) (domain.Conversion, bool, error) {
	var model ConversionModel
	if err := s.db.First(&model, "id = ?", id).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return domain.Conversion{}, false, nil
		}
		return domain.Conversion{}, false, err
	}
	return conversionFromModel(model), true, nil
}

// ListConversions returns a filtered page of a user's conversions plus the
// total matching count.
func (s *GormStore) ListConversions(userID string, f ConversionFilter) ([]domain.Conversion, int64, error) {
	query := s.db.Model(&ConversionModel{}).Where("user_id = ?", userID)
	if f.Status != "" {
		query = query.Where("status = ?", f.Status)
	}
	if f.Search != "" {
		pattern := "%" + f.Search + "%"
		query = query.Where("title ILIKE ? OR author ILIKE ? OR source ILIKE ?", pattern, pattern, pattern)
	}
	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}
	page := f.Page
	if page < 1 {
		page = 1
	}
	limit := f.Limit
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	var models []ConversionModel
	if err := query.Order("created_at DESC").Limit(limit).Offset((page - 1) * limit).Find(&models).Error; err != nil {
		return nil, 0, err
	}
	res := make([]domain.Conversion, 0, len(models))
	for _, m := range models {
		res = append(res, conversionFromModel(m))
	}
	return res, total, nil
}

// MarkCompleted transitions a conversion to completed with its artifact info.
func (s *GormStore) MarkCompleted(id, fileURL, storageKey string, fileSize int64) error {
	now := time.Now().UTC()
	return s.db.Model(&ConversionModel{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"status":       string(domain.StatusCompleted),
			"file_url":     fileURL,
			"file_size":    fileSize,
			"storage_key":  storageKey,
			"error":        "",
			"completed_at": now,
			"updated_at":   now,
		}).Error
}

// MarkFailed transitions a conversion to failed with the terminal error.
func (s *GormStore) MarkFailed(id, errMsg string) error {
	return s.db.Model(&ConversionModel{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"status":     string(domain.StatusFailed),
			"error":      errMsg,
			"updated_at": time.Now().UTC(),
		}).Error
}

// MarkPending resets a conversion for retry, clearing the prior error.
func (s *GormStore) MarkPending(id string) error {
	return s.db.Model(&ConversionModel{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"status":     string(domain.StatusPending),
			"error":      "",
			"updated_at": time.Now().UTC(),
		}).Error
}

// SetDeliveredAt stamps delivery time. Idempotent: re-stamping overwrites
// with the same semantic result.
func (s *GormStore) SetDeliveredAt(id string, at time.Time) error {
	return s.db.Model(&ConversionModel{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"delivered_at": at,
			"updated_at":   time.Now().UTC(),
		}).Error
}

// CountConversionsSince counts a user's conversions created at or after the cutoff.
func (s *GormStore) CountConversionsSince(userID string, since time.Time) (int, error) {
	var count int64
	if err := s.db.Model(&ConversionModel{}).
		Where("user_id = ? AND created_at >= ?", userID, since).
		Count(&count).Error; err != nil {
		return 0, err
	}
	return int(count), nil
}

// SaveUserSettings stores or updates a user's settings.
func (s *GormStore) SaveUserSettings(u domain.UserSettings) error {
	model := userSettingsToModel(u)
	return s.db.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "user_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"kindle_email", "personal_email", "notifications_enabled", "auto_delivery", "updated_at",
		}),
	}).Create(&model).Error
}

// GetUserSettings returns settings by user ID.
func (s *GormStore) GetUserSettings(userID string) (domain.UserSettings, bool, error) {
	var model UserSettingsModel
	if err := s.db.First(&model, "user_id = ?", userID).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return domain.UserSettings{}, false, nil
		}
		return domain.UserSettings{}, false, err
	}
	return userSettingsFromModel(model), true, nil
}

// GetUserSettingsByPersonalEmail resolves the inbound recipient to a user.
func (s *GormStore) GetUserSettingsByPersonalEmail(email string) (domain.UserSettings, bool, error) {
	var model UserSettingsModel
	if err := s.db.Where("personal_email = ?", strings.ToLower(email)).First(&model).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return domain.UserSettings{}, false, nil
		}
		return domain.UserSettings{}, false, err
	}
	return userSettingsFromModel(model), true, nil
}

// SaveSubscription stores or updates a subscription record.
func (s *GormStore) SaveSubscription(sub domain.Subscription) error {
	model := SubscriptionModel{
		ID:        sub.ID,
		UserID:    sub.UserID,
		Status:    sub.Status,
		CreatedAt: sub.CreatedAt,
		UpdatedAt: sub.UpdatedAt,
	}
	return s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"user_id", "status", "updated_at"}),
	}).Create(&model).Error
}

// HasActiveSubscription reports whether the user has an active subscription.
func (s *GormStore) HasActiveSubscription(userID string) (bool, error) {
	var count int64
	if err := s.db.Model(&SubscriptionModel{}).
		Where("user_id = ? AND status = ?", userID, "active").
		Count(&count).Error; err != nil {
		return false, err
	}
	return count > 0, nil
}

func conversionToModel(c domain.Conversion) ConversionModel {
	meta, _ := json.Marshal(domain.Metadata{
		Title:       c.Title,
		Author:      c.Author,
		Date:        c.Date.Format(time.RFC3339),
		Source:      c.Source,
		WordCount:   c.WordCount,
		ReadingTime: c.ReadingTime,
	})
	return ConversionModel{
		ID:          c.ID,
		UserID:      c.UserID,
		Title:       c.Title,
		Author:      c.Author,
		Source:      c.Source,
		SourceURL:   c.SourceURL,
		Date:        c.Date,
		WordCount:   c.WordCount,
		ReadingTime: c.ReadingTime,
		Status:      string(c.Status),
		FileURL:     c.FileURL,
		FileSize:    c.FileSize,
		StorageKey:  c.StorageKey,
		Error:       c.Error,
		Metadata:    datatypes.JSON(meta),
		CreatedAt:   c.CreatedAt,
		UpdatedAt:   c.UpdatedAt,
		CompletedAt: c.CompletedAt,
		DeliveredAt: c.DeliveredAt,
	}
}

func conversionFromModel(m ConversionModel) domain.Conversion {
	return domain.Conversion{
		ID:          m.ID,
		UserID:      m.UserID,
		Title:       m.Title,
		Author:      m.Author,
		Source:      m.Source,
		SourceURL:   m.SourceURL,
		Date:        m.Date,
		WordCount:   m.WordCount,
		ReadingTime: m.ReadingTime,
		Status:      domain.ConversionStatus(m.Status),
		FileURL:     m.FileURL,
		FileSize:    m.FileSize,
		StorageKey:  m.StorageKey,
		Error:       m.Error,
		CreatedAt:   m.CreatedAt,
		UpdatedAt:   m.UpdatedAt,
		CompletedAt: m.CompletedAt,
		DeliveredAt: m.DeliveredAt,
	}
}

func userSettingsToModel(u domain.UserSettings) UserSettingsModel {
	return UserSettingsModel{
		UserID:               u.UserID,
		KindleEmail:          u.KindleEmail,
		PersonalEmail:        strings.ToLower(u.PersonalEmail),
		NotificationsEnabled: u.NotificationsEnabled,
		AutoDelivery:         u.AutoDelivery,
		CreatedAt:            u.CreatedAt,
		UpdatedAt:            u.UpdatedAt,
	}
}

func userSettingsFromModel(m UserSettingsModel) domain.UserSettings {
	return domain.UserSettings{
		UserID:               m.UserID,
		KindleEmail:          m.KindleEmail,
		PersonalEmail:        m.PersonalEmail,
		NotificationsEnabled: m.NotificationsEnabled,
		AutoDelivery:         m.AutoDelivery,
		CreatedAt:            m.CreatedAt,
		UpdatedAt:            m.UpdatedAt,
	}
}

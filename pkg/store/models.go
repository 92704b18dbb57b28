package store

import (
	"time"

	"gorm.io/datatypes"
)

// GORM models used for persistence.
type ConversionModel struct {
	ID          string `gorm:"primaryKey"`
	UserID      string `gorm:"not null;index"`
	Title       string `gorm:"not null"`
	Author      string
	Source      string
	SourceURL   string
	Date        time.Time
	WordCount   int
	ReadingTime int
	Status      string `gorm:"not null;index"`
	FileURL     string
	FileSize    int64
	StorageKey  string
	Error       string
	Metadata    datatypes.JSON `gorm:"type:jsonb"`
	CreatedAt   time.Time      `gorm:"not null;index"`
	UpdatedAt   time.Time      `gorm:"not null"`
	CompletedAt *time.Time
	DeliveredAt *time.Time
}

type UserSettingsModel struct {
	UserID               string `gorm:"primaryKey"`
	KindleEmail          string
	PersonalEmail        string `gorm:"uniqueIndex"`
	NotificationsEnabled bool
	AutoDelivery         bool
	CreatedAt            time.Time `gorm:"not null"`
	UpdatedAt            time.Time
}

type SubscriptionModel struct {
	ID        string `gorm:"primaryKey"`
	UserID    string `gorm:"not null;index"`
	Status    string `gorm:"not null"`
	CreatedAt time.Time `gorm:"not null"`
	UpdatedAt time.Time
}

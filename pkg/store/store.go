package store

import (
	"time"

	"readflow/pkg/domain"
)

// ConversionFilter narrows conversion listings.
type ConversionFilter struct {
	Status string
	Search string
	Page   int
	Limit  int
}

// Store defines persistence operations for conversions and the read-only
// collaborator records (user settings, subscriptions).
type Store interface {
	// conversions
	SaveConversion(domain.Conversion) error
	GetConversion(id string) (domain.Conversion, bool, error)
	ListConversions(userID string, f ConversionFilter) ([]domain.Conversion, int64, error)
	MarkCompleted(id, fileURL, storageKey string, fileSize int64) error
	MarkFailed(id, errMsg string) error
	MarkPending(id string) error
	SetDeliveredAt(id string, at time.Time) error
	CountConversionsSince(userID string, since time.Time) (int, error)

	// user settings
	SaveUserSettings(domain.UserSettings) error
	GetUserSettings(userID string) (domain.UserSettings, bool, error)
	GetUserSettingsByPersonalEmail(email string) (domain.UserSettings, bool, error)

	// subscriptions
	SaveSubscription(domain.Subscription) error
	HasActiveSubscription(userID string) (bool, error)
}

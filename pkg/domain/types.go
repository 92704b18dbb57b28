package domain

import "time"

type ConversionStatus string

const (
	StatusPending   ConversionStatus = "pending"
	StatusCompleted ConversionStatus = "completed"
	StatusFailed    ConversionStatus = "failed"
)

type SubscriptionTier string

const (
	TierStarter SubscriptionTier = "starter"
	TierPro     SubscriptionTier = "pro"
)

// Conversion is one unit of work turning source content into a delivered artifact.
type Conversion struct {
	ID          string           `json:"id"`
	UserID      string           `json:"userId"`
	Title       string           `json:"title"`
	Author      string           `json:"author"`
	Source      string           `json:"source"`
	SourceURL   string           `json:"sourceUrl,omitempty"`
	Date        time.Time        `json:"date"`
	WordCount   int              `json:"wordCount"`
	ReadingTime int              `json:"readingTime"`
	Status      ConversionStatus `json:"status"`
	FileURL     string           `json:"fileUrl,omitempty"`
	FileSize    int64            `json:"fileSize,omitempty"`
	StorageKey  string           `json:"-"`
	Error       string           `json:"error,omitempty"`
	CreatedAt   time.Time        `json:"createdAt"`
	UpdatedAt   time.Time        `json:"updatedAt"`
	CompletedAt *time.Time       `json:"completedAt,omitempty"`
	DeliveredAt *time.Time       `json:"deliveredAt,omitempty"`
}

// Metadata describes the extracted article properties embedded in the artifact.
type Metadata struct {
	Title       string `json:"title"`
	Author      string `json:"author"`
	Date        string `json:"date"`
	Source      string `json:"source"`
	WordCount   int    `json:"wordCount"`
	ReadingTime int    `json:"readingTime"`
}

// UserSettings holds the per-user delivery configuration. The pipeline reads
// KindleEmail to route delivery and PersonalEmail to resolve inbound mail.
type UserSettings struct {
	UserID               string    `json:"userId"`
	KindleEmail          string    `json:"kindleEmail,omitempty"`
	PersonalEmail        string    `json:"personalEmail,omitempty"`
	NotificationsEnabled bool      `json:"notificationsEnabled"`
	AutoDelivery         bool      `json:"autoDelivery"`
	CreatedAt            time.Time `json:"createdAt"`
	UpdatedAt            time.Time `json:"updatedAt"`
}

// Subscription is the billing collaborator's record; the pipeline only reads
// whether it is active to resolve the quota tier.
type Subscription struct {
	ID        string    `json:"id"`
	UserID    string    `json:"userId"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

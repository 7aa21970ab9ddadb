package model

import (
	"time"
)

// FeedFormat is the declared schema of a vendor catalog
type FeedFormat string

const (
	FeedFormatUnset    FeedFormat = ""
	FeedFormatGoogle   FeedFormat = "google"
	FeedFormatFacebook FeedFormat = "facebook"
	FeedFormatCustom   FeedFormat = "custom"
)

// FeedStatus tracks the sync state machine of a feed
type FeedStatus string

const (
	FeedStatusPending FeedStatus = "pending"
	FeedStatusSyncing FeedStatus = "syncing"
	FeedStatusActive  FeedStatus = "active"
	FeedStatusError   FeedStatus = "error"
)

// MaxFeedErrorLength caps the stored last_error message
const MaxFeedErrorLength = 1000

// Feed is one vendor catalog subscription of a tenant
type Feed struct {
	ID                  uint       `json:"id" gorm:"primaryKey"`
	TenantID            uint       `json:"tenant_id" gorm:"index;not null;comment:'Tenant this feed belongs to'"`
	URL                 string     `json:"url" gorm:"type:text;not null"`
	Format              FeedFormat `json:"format" gorm:"type:varchar(20)"`
	Status              FeedStatus `json:"status" gorm:"type:varchar(20);index;default:pending"`
	LastSyncAt          *time.Time `json:"last_sync_at"`
	NextSyncAt          *time.Time `json:"next_sync_at" gorm:"index"`
	SyncStartedAt       *time.Time `json:"sync_started_at"`
	SyncIntervalMinutes int        `json:"sync_interval_minutes" gorm:"default:60"`
	LastError           string     `json:"last_error" gorm:"type:text"`
	ProductCount        int        `json:"product_count" gorm:"default:0"`
	IsActive            bool       `json:"is_active" gorm:"default:true"`
	CreatedAt           time.Time  `json:"created_at"`
	UpdatedAt           time.Time  `json:"updated_at"`
}

// Interval returns the feed's sync interval, falling back to def minutes
// when the feed has none configured.
func (f *Feed) Interval(def int) time.Duration {
	minutes := f.SyncIntervalMinutes
	if minutes <= 0 {
		minutes = def
	}
	return time.Duration(minutes) * time.Minute
}

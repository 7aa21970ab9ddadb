package model

import (
	"time"

	"gorm.io/datatypes"
)

// FeedCache is the denormalized per-tenant snapshot read by downstream
// consumers. Checksum changes whenever the snapshot content changes.
type FeedCache struct {
	ID           uint           `json:"-" gorm:"primaryKey"`
	TenantID     uint           `json:"tenant_id" gorm:"uniqueIndex;not null"`
	Products     datatypes.JSON `json:"products" gorm:"type:json"`
	Campaigns    datatypes.JSON `json:"campaigns" gorm:"type:json"`
	ProductCount int            `json:"product_count"`
	Checksum     string         `json:"checksum" gorm:"type:varchar(64)"`
	UpdatedAt    time.Time      `json:"updated_at"`
}

// TableName pins the snapshot table name
func (FeedCache) TableName() string { return "feed_caches" }

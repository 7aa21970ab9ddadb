package model

import (
	"time"

	"gorm.io/gorm"
)

// Tenant owns feeds and products. Slug is the public handle used by
// downstream readers and manual sync triggers.
type Tenant struct {
	ID        uint           `json:"id" gorm:"primaryKey"`
	Slug      string         `json:"slug" gorm:"type:varchar(100);uniqueIndex;not null"`
	Name      string         `json:"name" gorm:"type:varchar(100)"`
	Active    bool           `json:"active" gorm:"default:true"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `json:"-" gorm:"index"`
}

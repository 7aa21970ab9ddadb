package model

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

// StockStatus is the canonical availability of a product
type StockStatus string

const (
	StockInStock    StockStatus = "in_stock"
	StockOutOfStock StockStatus = "out_of_stock"
	StockPreorder   StockStatus = "preorder"
)

// Product is the canonical product record. (TenantID, ExternalID) is unique.
type Product struct {
	ID          uint              `json:"-" gorm:"primarykey"`
	TenantID    uint              `json:"tenant_id" gorm:"uniqueIndex:idx_tenant_external;not null;comment:'Tenant this product belongs to'"`
	ExternalID  string            `json:"id" gorm:"type:varchar(255);uniqueIndex:idx_tenant_external;not null"`
	FeedID      uint              `json:"feed_id" gorm:"index"`
	Title       string            `json:"title" gorm:"type:varchar(500);not null"`
	Description string            `json:"description,omitempty" gorm:"type:text"`
	Price       decimal.Decimal   `json:"price" gorm:"type:decimal(12,2);not null"`
	SalePrice   *decimal.Decimal  `json:"sale_price,omitempty" gorm:"type:decimal(12,2)"`
	Currency    string            `json:"currency" gorm:"type:varchar(3);default:TRY"`
	ImageURL    string            `json:"image_url,omitempty" gorm:"type:text"`
	ProductURL  string            `json:"product_url,omitempty" gorm:"type:text"`
	Category    string            `json:"category,omitempty" gorm:"type:varchar(255)"`
	Brand       string            `json:"brand,omitempty" gorm:"type:varchar(255)"`
	StockStatus StockStatus       `json:"stock_status" gorm:"type:varchar(20);default:in_stock"`
	Attributes  datatypes.JSONMap `json:"attributes,omitempty" gorm:"type:json"`
	IsActive    bool              `json:"is_active" gorm:"default:true;index"`
	LastSeenAt  *time.Time        `json:"last_seen_at,omitempty"`
	CreatedAt   time.Time         `json:"-"`
	UpdatedAt   time.Time         `json:"-"`
}

// Campaign is a best-effort promotion record some feeds carry
type Campaign struct {
	ID       string     `json:"id"`
	FeedID   uint       `json:"feed_id,omitempty"`
	Title    string     `json:"title"`
	StartsAt *time.Time `json:"starts_at,omitempty"`
	EndsAt   *time.Time `json:"ends_at,omitempty"`
}

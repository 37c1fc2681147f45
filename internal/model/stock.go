package model

import (
	"time"
)

// DefaultLowStockThreshold applies when a product is created without one
const DefaultLowStockThreshold = 5

// Stock available units of a product
type Stock struct {
	ProductID         uint64    `gorm:"primaryKey;autoIncrement:false;comment:product id" json:"product_id"`
	Stock             int       `gorm:"type:int;not null;default:0;comment:available units, never negative" json:"stock"`
	LowStockThreshold int       `gorm:"type:int;not null;default:5;comment:warn when stock drops below" json:"low_stock_threshold"`
	CreatedAt         time.Time `gorm:"comment:created at" json:"created_at"`
	UpdatedAt         time.Time `gorm:"comment:updated at" json:"updated_at"`
}

// TableName set name
func (Stock) TableName() string {
	return "stocks"
}

// IsLow reports whether the stock is below its warning threshold
func (s *Stock) IsLow() bool {
	return s.Stock < s.LowStockThreshold
}

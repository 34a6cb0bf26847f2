package domain

import (
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
)

var ErrPlanNotFound = errors.New("plan_not_found")

// Plan is a sellable instance configuration. BasePrice is the upstream
// provider's monthly price, MarkupPrice the reseller margin, both in
// currency minor units per month.
type Plan struct {
	ID          snowflake.ID `gorm:"primaryKey"`
	Name        string       `gorm:"type:text;not null"`
	BasePrice   int64        `gorm:"not null"`
	MarkupPrice int64        `gorm:"not null"`
	Currency    string       `gorm:"type:text;not null"`
	CreatedAt   time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt   time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (Plan) TableName() string { return "plans" }

// MonthlyPrice is the customer-facing monthly price.
func (p Plan) MonthlyPrice() int64 { return p.BasePrice + p.MarkupPrice }

package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

// BillableInstance is the metering view of a provisioned compute instance.
// AnchorAt is the instant up to which billing is caught up: creation time
// until the first charge, then always the end of the last fully billed hour.
// The row exists for as long as capacity is reserved; powering the instance
// off does not pause billing, only permanent deletion removes the row.
type BillableInstance struct {
	InstanceID     snowflake.ID  `gorm:"column:instance_id;primaryKey"`
	OrganizationID snowflake.ID  `gorm:"not null;index"`
	Label          string        `gorm:"type:text"`
	PlanID         *snowflake.ID `gorm:"index"`
	HourlyRate     int64         `gorm:"not null"`
	AnchorAt       time.Time     `gorm:"column:anchor_at;not null;index"`
	CreatedAt      time.Time     `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (BillableInstance) TableName() string { return "billable_instances" }

package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
)

var (
	ErrInvalidInstance  = errors.New("invalid_instance")
	ErrInstanceExists   = errors.New("instance_exists")
	ErrInstanceNotFound = errors.New("instance_not_found")
)

type Repository interface {
	Create(ctx context.Context, inst *BillableInstance) error
	Get(ctx context.Context, instanceID snowflake.ID) (BillableInstance, error)
	Delete(ctx context.Context, instanceID snowflake.ID) error

	// ListBillable returns instances whose anchor is at least one hour old,
	// oldest created first so they get billing priority when the run is
	// capacity limited. The exact floor-hours math is re-derived by the
	// metering engine, this is only a cheap pre-filter.
	ListBillable(ctx context.Context, now time.Time, limit int) ([]BillableInstance, error)
}

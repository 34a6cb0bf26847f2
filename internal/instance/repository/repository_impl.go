package repository

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	instancedomain "github.com/smallbiznis/hourmeter/internal/instance/domain"
	"github.com/smallbiznis/hourmeter/pkg/db"
	"go.uber.org/fx"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB *gorm.DB
}

type Repository struct {
	db *gorm.DB
}

func NewRepository(p Params) instancedomain.Repository {
	return &Repository{db: p.DB}
}

func (r *Repository) Create(ctx context.Context, inst *instancedomain.BillableInstance) error {
	if inst == nil || inst.InstanceID == 0 || inst.OrganizationID == 0 {
		return instancedomain.ErrInvalidInstance
	}
	if err := r.db.WithContext(ctx).Create(inst).Error; err != nil {
		if db.IsDuplicateKeyErr(err) {
			return instancedomain.ErrInstanceExists
		}
		return err
	}
	return nil
}

func (r *Repository) Get(ctx context.Context, instanceID snowflake.ID) (instancedomain.BillableInstance, error) {
	var inst instancedomain.BillableInstance
	err := r.db.WithContext(ctx).
		Where("instance_id = ?", instanceID).
		First(&inst).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return instancedomain.BillableInstance{}, instancedomain.ErrInstanceNotFound
	}
	if err != nil {
		return instancedomain.BillableInstance{}, err
	}
	return inst, nil
}

func (r *Repository) Delete(ctx context.Context, instanceID snowflake.ID) error {
	result := r.db.WithContext(ctx).
		Where("instance_id = ?", instanceID).
		Delete(&instancedomain.BillableInstance{})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return instancedomain.ErrInstanceNotFound
	}
	return nil
}

func (r *Repository) ListBillable(ctx context.Context, now time.Time, limit int) ([]instancedomain.BillableInstance, error) {
	cutoff := now.Add(-time.Hour)

	var instances []instancedomain.BillableInstance
	query := r.db.WithContext(ctx).
		Where("anchor_at <= ?", cutoff).
		Order("created_at ASC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	if err := query.Find(&instances).Error; err != nil {
		return nil, err
	}
	return instances, nil
}

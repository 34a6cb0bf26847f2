package service

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/hourmeter/internal/clock"
	instancedomain "github.com/smallbiznis/hourmeter/internal/instance/domain"
	meteringdomain "github.com/smallbiznis/hourmeter/internal/metering/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

type Params struct {
	fx.In

	Log       *zap.Logger
	Clock     clock.Clock
	Instances instancedomain.Repository
	Metering  meteringdomain.Service
}

type Service struct {
	log       *zap.Logger
	clock     clock.Clock
	instances instancedomain.Repository
	metering  meteringdomain.Service
}

func NewService(p Params) instancedomain.Service {
	return &Service{
		log:       p.Log.Named("instance.service"),
		clock:     p.Clock,
		instances: p.Instances,
		metering:  p.Metering,
	}
}

// Register records a freshly provisioned instance and charges its first hour
// up front. The registration itself is never rolled back on a failed charge:
// the caller gets the failure reason and owns the decision to tear the
// instance down again.
func (s *Service) Register(ctx context.Context, req instancedomain.RegisterRequest) (instancedomain.RegisterResponse, error) {
	if req.InstanceID == 0 || req.OrganizationID == 0 {
		return instancedomain.RegisterResponse{}, instancedomain.ErrInvalidInstance
	}

	now := s.clock.Now()
	inst := instancedomain.BillableInstance{
		InstanceID:     req.InstanceID,
		OrganizationID: req.OrganizationID,
		Label:          req.Label,
		PlanID:         req.PlanID,
		HourlyRate:     req.HourlyRate,
		AnchorAt:       now,
		CreatedAt:      now,
	}
	if err := s.instances.Create(ctx, &inst); err != nil {
		return instancedomain.RegisterResponse{}, err
	}

	outcome, err := s.metering.InitialCharge(ctx, inst)
	if err != nil {
		return instancedomain.RegisterResponse{}, err
	}

	resp := instancedomain.RegisterResponse{
		Instance:      inst,
		Charged:       outcome.Billed(),
		ChargeAmount:  outcome.Amount,
		FailureReason: string(outcome.FailureReason),
	}
	if outcome.Billed() {
		resp.Instance.AnchorAt = outcome.PeriodEnd
		resp.Instance.HourlyRate = outcome.Amount / outcome.Hours
		s.log.Info("instance.registered",
			zap.String("instance_id", inst.InstanceID.String()),
			zap.String("org_id", inst.OrganizationID.String()),
			zap.Int64("initial_charge", outcome.Amount),
		)
	} else {
		s.log.Warn("instance.registered_unpaid",
			zap.String("instance_id", inst.InstanceID.String()),
			zap.String("org_id", inst.OrganizationID.String()),
			zap.String("reason", string(outcome.FailureReason)),
		)
	}
	return resp, nil
}

// Deregister removes the billing row when capacity is released. Partial
// unbilled hours are forgiven; there is no proration on the way out.
func (s *Service) Deregister(ctx context.Context, instanceID snowflake.ID) error {
	if err := s.instances.Delete(ctx, instanceID); err != nil {
		return err
	}
	s.log.Info("instance.deregistered", zap.String("instance_id", instanceID.String()))
	return nil
}

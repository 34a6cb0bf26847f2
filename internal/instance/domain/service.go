package domain

import (
	"context"

	"github.com/bwmarrin/snowflake"
)

// RegisterRequest mirrors the provisioning collaborator's instanceCreated
// call. HourlyRate (minor units per hour) is used directly when PlanID is
// nil; otherwise the rate resolver derives it from the plan.
type RegisterRequest struct {
	InstanceID     snowflake.ID
	OrganizationID snowflake.ID
	Label          string
	PlanID         *snowflake.ID
	HourlyRate     int64
}

// RegisterResponse reports the initial charge result. A failed first-hour
// charge does not undo registration; the provisioning collaborator decides
// whether to roll the instance back.
type RegisterResponse struct {
	Instance      BillableInstance
	Charged       bool
	ChargeAmount  int64
	FailureReason string
}

type Service interface {
	Register(ctx context.Context, req RegisterRequest) (RegisterResponse, error)
	Deregister(ctx context.Context, instanceID snowflake.ID) error
}

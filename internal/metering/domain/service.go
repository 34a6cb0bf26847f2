package domain

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
	instancedomain "github.com/smallbiznis/hourmeter/internal/instance/domain"
	"github.com/smallbiznis/hourmeter/pkg/db/pagination"
)

// ErrAnchorConflict means another process advanced the instance anchor while
// a cycle was in flight. The transaction rolls back and the instance is
// simply re-evaluated on the next run.
var ErrAnchorConflict = errors.New("anchor_conflict")

type HistoryRequest struct {
	OrganizationID snowflake.ID
	Pagination     pagination.Pagination
}

type HistoryResponse struct {
	Records  []BillingCycleRecord `json:"records"`
	PageInfo pagination.PageInfo  `json:"page_info"`
}

type Service interface {
	// Bill meters every whole unbilled hour for one instance. Returned errors
	// are transient store failures only; business failures come back as a
	// failed CycleOutcome.
	Bill(ctx context.Context, inst instancedomain.BillableInstance) (CycleOutcome, error)

	// InitialCharge debits the first hour up front at registration time.
	InitialCharge(ctx context.Context, inst instancedomain.BillableInstance) (CycleOutcome, error)

	BillingHistory(ctx context.Context, req HistoryRequest) (HistoryResponse, error)
	BillingSummary(ctx context.Context, orgID snowflake.ID) (BillingSummary, error)
}

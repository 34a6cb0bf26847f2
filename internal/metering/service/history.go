package service

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	instancedomain "github.com/smallbiznis/hourmeter/internal/instance/domain"
	ledgerdomain "github.com/smallbiznis/hourmeter/internal/ledger/domain"
	meteringdomain "github.com/smallbiznis/hourmeter/internal/metering/domain"
	"github.com/smallbiznis/hourmeter/internal/rate"
	"github.com/smallbiznis/hourmeter/pkg/db/pagination"
)

const (
	defaultPageSize = 25
	maxPageSize     = 250
)

// BillingHistory pages through an organization's cycle records, newest first.
func (s *Service) BillingHistory(ctx context.Context, req meteringdomain.HistoryRequest) (meteringdomain.HistoryResponse, error) {
	if req.OrganizationID == 0 {
		return meteringdomain.HistoryResponse{}, ledgerdomain.ErrInvalidOrganization
	}

	pageSize := req.Pagination.PageSize
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}
	if pageSize > maxPageSize {
		pageSize = maxPageSize
	}

	query := s.db.WithContext(ctx).
		Where("organization_id = ?", req.OrganizationID).
		Order("created_at DESC, id DESC").
		Limit(pageSize + 1)

	if req.Pagination.PageToken != "" {
		cursor, err := pagination.DecodeCursor(req.Pagination.PageToken)
		if err != nil {
			return meteringdomain.HistoryResponse{}, err
		}
		createdAt, err := time.Parse(time.RFC3339Nano, cursor.CreatedAt)
		if err != nil {
			return meteringdomain.HistoryResponse{}, err
		}
		query = query.Where("(created_at < ?) OR (created_at = ? AND id < ?)", createdAt, createdAt, cursor.ID)
	}

	var records []meteringdomain.BillingCycleRecord
	if err := query.Find(&records).Error; err != nil {
		return meteringdomain.HistoryResponse{}, err
	}

	resp := meteringdomain.HistoryResponse{Records: records}
	if len(records) > pageSize {
		resp.Records = records[:pageSize]
		last := resp.Records[pageSize-1]
		token, err := pagination.EncodeCursor(pagination.Cursor{
			ID:        last.ID.String(),
			CreatedAt: last.CreatedAt.Format(time.RFC3339Nano),
		})
		if err != nil {
			return meteringdomain.HistoryResponse{}, err
		}
		resp.PageInfo = pagination.PageInfo{NextPageToken: token, HasMore: true}
	}
	return resp, nil
}

// BillingSummary aggregates spend over billed cycles plus a projection of
// the fleet's monthly run rate from currently reserved instances.
func (s *Service) BillingSummary(ctx context.Context, orgID snowflake.ID) (meteringdomain.BillingSummary, error) {
	if orgID == 0 {
		return meteringdomain.BillingSummary{}, ledgerdomain.ErrInvalidOrganization
	}

	now := s.clock.Now()
	monthStart := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)

	var summary meteringdomain.BillingSummary

	row := struct {
		AllTime   int64
		ThisMonth int64
	}{}
	err := s.db.WithContext(ctx).
		Model(&meteringdomain.BillingCycleRecord{}).
		Select(
			"COALESCE(SUM(total_amount), 0) AS all_time, "+
				"COALESCE(SUM(CASE WHEN created_at >= ? THEN total_amount ELSE 0 END), 0) AS this_month",
			monthStart,
		).
		Where("organization_id = ? AND status = ?", orgID, meteringdomain.CycleStatusBilled).
		Scan(&row).Error
	if err != nil {
		return meteringdomain.BillingSummary{}, err
	}
	summary.SpentAllTime = row.AllTime
	summary.SpentThisMonth = row.ThisMonth

	fleet := struct {
		Active   int64
		RateSum  int64
	}{}
	err = s.db.WithContext(ctx).
		Model(&instancedomain.BillableInstance{}).
		Select("COUNT(*) AS active, COALESCE(SUM(hourly_rate), 0) AS rate_sum").
		Where("organization_id = ?", orgID).
		Scan(&fleet).Error
	if err != nil {
		return meteringdomain.BillingSummary{}, err
	}
	summary.ActiveCount = fleet.Active
	summary.MonthlyEstimate = fleet.RateSum * rate.HoursPerBillingMonth

	return summary, nil
}

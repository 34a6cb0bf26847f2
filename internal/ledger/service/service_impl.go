package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	ledgerdomain "github.com/smallbiznis/hourmeter/internal/ledger/domain"
	"github.com/smallbiznis/hourmeter/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const defaultCurrency = "USD"

type Params struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	GenID *snowflake.Node
}

type Service struct {
	db    *gorm.DB
	log   *zap.Logger
	genID *snowflake.Node
}

func NewService(p Params) ledgerdomain.Service {
	return &Service{
		db:    p.DB,
		log:   p.Log.Named("ledger.service"),
		genID: p.GenID,
	}
}

func (s *Service) WalletBalance(ctx context.Context, orgID snowflake.ID) (ledgerdomain.Wallet, error) {
	if orgID == 0 {
		return ledgerdomain.Wallet{}, ledgerdomain.ErrInvalidOrganization
	}

	var wallet ledgerdomain.Wallet
	err := s.db.WithContext(ctx).
		Where("organization_id = ?", orgID).
		First(&wallet).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ledgerdomain.Wallet{}, ledgerdomain.ErrWalletNotFound
	}
	if err != nil {
		return ledgerdomain.Wallet{}, err
	}
	return wallet, nil
}

func (s *Service) Credit(ctx context.Context, req ledgerdomain.CreditRequest) (ledgerdomain.LedgerEntry, error) {
	if req.OrganizationID == 0 {
		return ledgerdomain.LedgerEntry{}, ledgerdomain.ErrInvalidOrganization
	}
	if req.Amount <= 0 {
		return ledgerdomain.LedgerEntry{}, ledgerdomain.ErrInvalidAmount
	}

	currency := strings.TrimSpace(req.Currency)
	if currency == "" {
		currency = defaultCurrency
	}
	method := req.Method
	if method == "" {
		method = ledgerdomain.MethodWalletCredit
	}

	var entry ledgerdomain.LedgerEntry
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := time.Now().UTC()

		var wallet ledgerdomain.Wallet
		err := db.ForUpdate(tx.WithContext(ctx)).
			Where("organization_id = ?", req.OrganizationID).
			First(&wallet).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			wallet = ledgerdomain.Wallet{
				OrganizationID: req.OrganizationID,
				Balance:        0,
				Currency:       currency,
				CreatedAt:      now,
				UpdatedAt:      now,
			}
			if createErr := tx.WithContext(ctx).Create(&wallet).Error; createErr != nil {
				// A concurrent credit may have created the row first.
				if !db.IsDuplicateKeyErr(createErr) {
					return createErr
				}
				if err := db.ForUpdate(tx.WithContext(ctx)).
					Where("organization_id = ?", req.OrganizationID).
					First(&wallet).Error; err != nil {
					return err
				}
			}
		case err != nil:
			return err
		}

		balanceBefore := wallet.Balance
		balanceAfter := balanceBefore + req.Amount
		if err := tx.WithContext(ctx).Model(&ledgerdomain.Wallet{}).
			Where("organization_id = ?", req.OrganizationID).
			Updates(map[string]any{"balance": balanceAfter, "updated_at": now}).Error; err != nil {
			return err
		}

		entry = ledgerdomain.LedgerEntry{
			ID:             s.genID.Generate(),
			OrganizationID: req.OrganizationID,
			Amount:         req.Amount,
			Currency:       wallet.Currency,
			Method:         method,
			Status:         ledgerdomain.EntryStatusCompleted,
			Description:    req.Description,
			Metadata:       entryMetadata(req.Metadata, balanceBefore, balanceAfter),
			CreatedAt:      now,
		}
		return tx.WithContext(ctx).Create(&entry).Error
	})
	if err != nil {
		return ledgerdomain.LedgerEntry{}, err
	}

	s.log.Info("wallet.credited",
		zap.String("org_id", req.OrganizationID.String()),
		zap.Int64("amount", req.Amount),
		zap.String("method", string(method)),
	)
	return entry, nil
}

func (s *Service) DebitTx(ctx context.Context, tx *gorm.DB, req ledgerdomain.DebitRequest) (ledgerdomain.LedgerEntry, error) {
	if req.OrganizationID == 0 {
		return ledgerdomain.LedgerEntry{}, ledgerdomain.ErrInvalidOrganization
	}
	if req.Amount <= 0 {
		return ledgerdomain.LedgerEntry{}, ledgerdomain.ErrInvalidAmount
	}

	// Always read fresh under the row lock; no cached balance is ever trusted.
	var wallet ledgerdomain.Wallet
	err := db.ForUpdate(tx.WithContext(ctx)).
		Where("organization_id = ?", req.OrganizationID).
		First(&wallet).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ledgerdomain.LedgerEntry{}, ledgerdomain.ErrWalletNotFound
	}
	if err != nil {
		return ledgerdomain.LedgerEntry{}, err
	}

	if wallet.Balance < req.Amount {
		return ledgerdomain.LedgerEntry{}, ledgerdomain.ErrInsufficientBalance
	}

	now := time.Now().UTC()
	balanceBefore := wallet.Balance
	balanceAfter := balanceBefore - req.Amount
	if err := tx.WithContext(ctx).Model(&ledgerdomain.Wallet{}).
		Where("organization_id = ?", req.OrganizationID).
		Updates(map[string]any{"balance": balanceAfter, "updated_at": now}).Error; err != nil {
		return ledgerdomain.LedgerEntry{}, err
	}

	entry := ledgerdomain.LedgerEntry{
		ID:                s.genID.Generate(),
		OrganizationID:    req.OrganizationID,
		Amount:            -req.Amount,
		Currency:          wallet.Currency,
		Method:            ledgerdomain.MethodWalletDebit,
		Status:            ledgerdomain.EntryStatusCompleted,
		Description:       req.Description,
		Metadata:          entryMetadata(req.Metadata, balanceBefore, balanceAfter),
		RelatedInstanceID: req.RelatedInstanceID,
		CreatedAt:         now,
	}
	if err := tx.WithContext(ctx).Create(&entry).Error; err != nil {
		return ledgerdomain.LedgerEntry{}, err
	}
	return entry, nil
}

func entryMetadata(extra map[string]any, balanceBefore, balanceAfter int64) datatypes.JSONMap {
	metadata := datatypes.JSONMap{
		"balance_before": balanceBefore,
		"balance_after":  balanceAfter,
	}
	for k, v := range extra {
		metadata[k] = v
	}
	return metadata
}

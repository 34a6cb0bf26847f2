package domain

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

var (
	ErrInvalidOrganization = errors.New("invalid_organization")
	ErrInvalidAmount       = errors.New("invalid_amount")
	ErrWalletNotFound      = errors.New("wallet_not_found")
	ErrInsufficientBalance = errors.New("insufficient_balance")
)

// DebitRequest debits Amount (positive, minor units) from the wallet.
type DebitRequest struct {
	OrganizationID    snowflake.ID
	Amount            int64
	Description       string
	RelatedInstanceID *snowflake.ID
	Metadata          map[string]any
}

// CreditRequest credits Amount (positive, minor units) to the wallet,
// creating it when absent. This is the payment collaborator's entry point.
type CreditRequest struct {
	OrganizationID snowflake.ID
	Amount         int64
	Currency       string
	Method         EntryMethod
	Description    string
	Metadata       map[string]any
}

type Service interface {
	// WalletBalance reads the wallet row, ErrWalletNotFound when absent.
	WalletBalance(ctx context.Context, orgID snowflake.ID) (Wallet, error)

	// Credit applies a positive adjustment and returns the written entry.
	Credit(ctx context.Context, req CreditRequest) (LedgerEntry, error)

	// DebitTx locks the wallet row inside the caller's transaction, checks
	// funds, decrements the balance and writes a completed debit entry.
	// Returns ErrWalletNotFound or ErrInsufficientBalance without writing
	// anything; the caller decides whether to keep the transaction alive.
	DebitTx(ctx context.Context, tx *gorm.DB, req DebitRequest) (LedgerEntry, error)
}

package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// EntryMethod describes how a ledger entry came to be.
type EntryMethod string

const (
	MethodExternalPayment EntryMethod = "external_payment" // gateway-originated credit
	MethodWalletCredit    EntryMethod = "wallet_credit"    // manual / promotional credit
	MethodWalletDebit     EntryMethod = "wallet_debit"     // metering charge
)

// EntryStatus is the ledger entry lifecycle state. Metering-originated
// entries are written already completed; only gateway-originated entries
// ever transition pending -> completed/failed.
type EntryStatus string

const (
	EntryStatusPending   EntryStatus = "pending"
	EntryStatusCompleted EntryStatus = "completed"
	EntryStatusFailed    EntryStatus = "failed"
	EntryStatusCancelled EntryStatus = "cancelled"
)

// Wallet is the prepaid balance for one organization. Balance is in currency
// minor units and always equals the sum of the organization's ledger entry
// amounts; it is only ever mutated in a transaction that also writes an entry.
type Wallet struct {
	OrganizationID snowflake.ID `gorm:"column:organization_id;primaryKey"`
	Balance        int64        `gorm:"not null"`
	Currency       string       `gorm:"type:text;not null"`
	CreatedAt      time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt      time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (Wallet) TableName() string { return "wallets" }

// LedgerEntry is an immutable financial record. Credits are positive,
// debits negative.
type LedgerEntry struct {
	ID                snowflake.ID      `gorm:"primaryKey"`
	OrganizationID    snowflake.ID      `gorm:"not null;index"`
	Amount            int64             `gorm:"not null"`
	Currency          string            `gorm:"type:text;not null"`
	Method            EntryMethod       `gorm:"type:text;not null"`
	Status            EntryStatus       `gorm:"type:text;not null"`
	Description       string            `gorm:"type:text"`
	Metadata          datatypes.JSONMap `gorm:"type:jsonb"`
	RelatedInstanceID *snowflake.ID     `gorm:"index"`
	CreatedAt         time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (LedgerEntry) TableName() string { return "ledger_entries" }

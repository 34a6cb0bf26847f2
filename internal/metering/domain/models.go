package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// CycleStatus is the audit status of one metering attempt.
type CycleStatus string

const (
	CycleStatusBilled CycleStatus = "billed"
	CycleStatusFailed CycleStatus = "failed"
)

// FailureReason classifies failed cycles. insufficient_balance is expected
// business behavior, wallet_missing a configuration error, debit_error a
// transient store failure.
type FailureReason string

const (
	ReasonInsufficientBalance FailureReason = "insufficient_balance"
	ReasonWalletMissing       FailureReason = "wallet_missing"
	ReasonDebitError          FailureReason = "debit_error"
)

// BillingCycleRecord is written once per metering attempt, failed attempts
// included. A failed attempt never advances the instance anchor, so the same
// unbilled window is retried on the next run and succeeds at most once.
type BillingCycleRecord struct {
	ID             snowflake.ID      `gorm:"primaryKey"`
	InstanceID     snowflake.ID      `gorm:"not null;index"`
	OrganizationID snowflake.ID      `gorm:"not null;index"`
	PeriodStart    time.Time         `gorm:"not null"`
	PeriodEnd      time.Time         `gorm:"not null"`
	Hours          int64             `gorm:"not null"`
	HourlyRate     int64             `gorm:"not null"`
	TotalAmount    int64             `gorm:"not null"`
	Status         CycleStatus       `gorm:"type:text;not null;index"`
	FailureReason  FailureReason     `gorm:"type:text"`
	LedgerEntryID  *snowflake.ID     `gorm:"index"`
	Metadata       datatypes.JSONMap `gorm:"type:jsonb"`
	CreatedAt      time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP;index"`
}

// TableName sets the database table name.
func (BillingCycleRecord) TableName() string { return "billing_cycle_records" }

// OutcomeStatus describes the result of one Bill call.
type OutcomeStatus string

const (
	OutcomeBilled  OutcomeStatus = "billed"
	OutcomeFailed  OutcomeStatus = "failed"
	OutcomeSkipped OutcomeStatus = "skipped" // less than one whole hour elapsed
)

// CycleOutcome is the first-class return value of a metering attempt.
// Business-level failures (insufficient funds, missing wallet) live here,
// not in the error channel.
type CycleOutcome struct {
	Status        OutcomeStatus
	Hours         int64
	Amount        int64
	PeriodStart   time.Time
	PeriodEnd     time.Time
	FailureReason FailureReason
	LedgerEntryID *snowflake.ID
	RecordID      snowflake.ID
	RateFallback  bool
}

// Billed reports whether the attempt debited the wallet.
func (o CycleOutcome) Billed() bool { return o.Status == OutcomeBilled }

// BillingSummary aggregates an organization's spend for reporting.
type BillingSummary struct {
	SpentThisMonth  int64 `json:"spent_this_month"`
	SpentAllTime    int64 `json:"spent_all_time"`
	ActiveCount     int64 `json:"active_count"`
	MonthlyEstimate int64 `json:"monthly_estimate"`
}

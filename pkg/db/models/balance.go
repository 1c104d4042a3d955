package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/angelmondragon/registration-ledger/pkg/enums"
)

// Balance is the materialized money state of one registration.
type Balance struct {
	ID               uuid.UUID              `gorm:"column:id;type:uuid;default:gen_random_uuid();primaryKey"`
	RegistrationID   uuid.UUID              `gorm:"column:registration_id;type:uuid;not null;uniqueIndex:uq_balances_registration"`
	RegistrationType enums.RegistrationType `gorm:"column:registration_type;type:registration_type;not null;uniqueIndex:uq_balances_registration"`
	TotalAmountDue   decimal.Decimal        `gorm:"column:total_amount_due;type:numeric(12,2);not null"`
	AmountPaid       decimal.Decimal        `gorm:"column:amount_paid;type:numeric(12,2);not null"`
	AmountRemaining  decimal.Decimal        `gorm:"column:amount_remaining;type:numeric(12,2);not null"`
	OriginalTotalDue decimal.Decimal        `gorm:"column:original_total_due;type:numeric(12,2);not null"`
	PaymentStatus    enums.BalanceStatus    `gorm:"column:payment_status;type:balance_status;not null"`
	LastPaymentDate  *time.Time             `gorm:"column:last_payment_date"`
	DueDate          *time.Time             `gorm:"column:due_date"`
	Version          int64                  `gorm:"column:version;not null;default:1"`
	CreatedAt        time.Time              `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt        time.Time              `gorm:"column:updated_at;autoUpdateTime"`
}

func (Balance) TableName() string { return "balances" }

package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/angelmondragon/registration-ledger/pkg/enums"
)

// Payment is one payment attempt or settlement against a registration.
type Payment struct {
	ID                uuid.UUID              `gorm:"column:id;type:uuid;default:gen_random_uuid();primaryKey"`
	RegistrationID    uuid.UUID              `gorm:"column:registration_id;type:uuid;not null;index:idx_payments_registration"`
	RegistrationType  enums.RegistrationType `gorm:"column:registration_type;type:registration_type;not null;index:idx_payments_registration"`
	Amount            decimal.Decimal        `gorm:"column:amount;type:numeric(12,2);not null"`
	PaymentMethod     enums.PaymentMethod    `gorm:"column:payment_method;type:payment_method;not null"`
	PaymentStatus     enums.PaymentStatus    `gorm:"column:payment_status;type:payment_status;not null"`
	GatewayReference  *string                `gorm:"column:gateway_reference;uniqueIndex:uq_payments_gateway_reference"`
	CheckNumber       *string                `gorm:"column:check_number"`
	CheckReceivedDate *time.Time             `gorm:"column:check_received_date"`
	ProcessedAt       *time.Time             `gorm:"column:processed_at"`
	Notes             *string                `gorm:"column:notes"`
	FailureReason     *string                `gorm:"column:failure_reason"`
	CreatedAt         time.Time              `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt         time.Time              `gorm:"column:updated_at;autoUpdateTime"`
}

func (Payment) TableName() string { return "payments" }

// IsSettled reports whether the payment counts toward amount paid.
func (p Payment) IsSettled() bool {
	return p.PaymentStatus == enums.PaymentStatusSucceeded
}

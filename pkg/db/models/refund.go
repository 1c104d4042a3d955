package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/angelmondragon/registration-ledger/pkg/enums"
)

// Refund tracks money returned to a registration, through the gateway or by hand.
//
// BalanceApplied marks refunds whose amount has already been taken out of
// amount paid. Manual refunds are applied at creation, gateway refunds only
// once the gateway confirms them.
type Refund struct {
	ID                      uuid.UUID              `gorm:"column:id;type:uuid;default:gen_random_uuid();primaryKey"`
	RegistrationID          uuid.UUID              `gorm:"column:registration_id;type:uuid;not null;index:idx_refunds_registration"`
	RegistrationType        enums.RegistrationType `gorm:"column:registration_type;type:registration_type;not null;index:idx_refunds_registration"`
	RefundAmount            decimal.Decimal        `gorm:"column:refund_amount;type:numeric(12,2);not null"`
	RefundMethod            enums.RefundMethod     `gorm:"column:refund_method;type:refund_method;not null"`
	RefundReason            string                 `gorm:"column:refund_reason;not null"`
	Status                  enums.RefundStatus     `gorm:"column:status;type:refund_status;not null"`
	BalanceApplied          bool                   `gorm:"column:balance_applied;not null;default:false"`
	GatewayPaymentReference *string                `gorm:"column:gateway_payment_reference"`
	GatewayRefundReference  *string                `gorm:"column:gateway_refund_reference;uniqueIndex:uq_refunds_gateway_refund_reference"`
	IdempotencyKey          string                 `gorm:"column:idempotency_key;not null;uniqueIndex:uq_refunds_idempotency_key"`
	ProcessedByUserID       uuid.UUID              `gorm:"column:processed_by_user_id;type:uuid;not null"`
	FailureReason           *string                `gorm:"column:failure_reason"`
	CompletedAt             *time.Time             `gorm:"column:completed_at"`
	CreatedAt               time.Time              `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt               time.Time              `gorm:"column:updated_at;autoUpdateTime"`
}

func (Refund) TableName() string { return "refunds" }

// IsGateway reports whether the refund is executed by the payment gateway.
func (r Refund) IsGateway() bool {
	return r.RefundMethod == enums.RefundMethodGateway
}

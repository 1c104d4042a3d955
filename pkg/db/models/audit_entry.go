package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/angelmondragon/registration-ledger/pkg/enums"
)

// AuditEntry is an append-only record of a balance-affecting edit.
// OldTotal/NewTotal hold the total due for manual_total_change and the
// amount paid for refund_processed and check_reconciled.
type AuditEntry struct {
	ID               uuid.UUID              `gorm:"column:id;type:uuid;default:gen_random_uuid();primaryKey"`
	RegistrationID   uuid.UUID              `gorm:"column:registration_id;type:uuid;not null;index:idx_audit_entries_registration"`
	RegistrationType enums.RegistrationType `gorm:"column:registration_type;type:registration_type;not null;index:idx_audit_entries_registration"`
	EditType         enums.AuditEditType    `gorm:"column:edit_type;type:audit_edit_type;not null"`
	OldTotal         decimal.Decimal        `gorm:"column:old_total;type:numeric(12,2);not null"`
	NewTotal         decimal.Decimal        `gorm:"column:new_total;type:numeric(12,2);not null"`
	Difference       decimal.Decimal        `gorm:"column:difference;type:numeric(12,2);not null"`
	ActingUserID     uuid.UUID              `gorm:"column:acting_user_id;type:uuid;not null"`
	Notes            *string                `gorm:"column:notes"`
	CreatedAt        time.Time              `gorm:"column:created_at;autoCreateTime"`
}

func (AuditEntry) TableName() string { return "audit_entries" }

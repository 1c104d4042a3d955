package enums

// AuditEditType classifies a balance-affecting edit recorded in the audit trail.
type AuditEditType string

const (
	AuditEditManualTotalChange AuditEditType = "manual_total_change"
	AuditEditRefundProcessed   AuditEditType = "refund_processed"
	AuditEditCheckReconciled   AuditEditType = "check_reconciled"
)

var validAuditEditTypes = []AuditEditType{
	AuditEditManualTotalChange,
	AuditEditRefundProcessed,
	AuditEditCheckReconciled,
}

// String implements fmt.Stringer.
func (a AuditEditType) String() string {
	return string(a)
}

// IsValid reports whether the value is a known AuditEditType.
func (a AuditEditType) IsValid() bool { return known(a, validAuditEditTypes) }

// ParseAuditEditType converts raw input into a AuditEditType.
func ParseAuditEditType(value string) (AuditEditType, error) {
	return parse("audit edit type", value, validAuditEditTypes)
}

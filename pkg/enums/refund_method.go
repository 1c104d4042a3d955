package enums

// RefundMethod describes how money is returned to a registrant.
type RefundMethod string

const (
	RefundMethodGateway RefundMethod = "gateway"
	RefundMethodCheck   RefundMethod = "check"
	RefundMethodCash    RefundMethod = "cash"
	RefundMethodManual  RefundMethod = "manual"
)

var validRefundMethods = []RefundMethod{
	RefundMethodGateway,
	RefundMethodCheck,
	RefundMethodCash,
	RefundMethodManual,
}

// String implements fmt.Stringer.
func (r RefundMethod) String() string {
	return string(r)
}

// IsValid reports whether the value is a known RefundMethod.
func (r RefundMethod) IsValid() bool { return known(r, validRefundMethods) }

// ParseRefundMethod converts raw input into a RefundMethod.
func ParseRefundMethod(value string) (RefundMethod, error) {
	return parse("refund method", value, validRefundMethods)
}

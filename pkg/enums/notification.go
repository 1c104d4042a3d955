package enums

// NotificationKind selects the template used when informing a registrant.
type NotificationKind string

const (
	NotificationPaymentReceived NotificationKind = "payment_received"
	NotificationRefundProcessed NotificationKind = "refund_processed"
	NotificationRefundFailed    NotificationKind = "refund_failed"
	NotificationBalanceAdjusted NotificationKind = "balance_adjusted"
)

var validNotificationKinds = []NotificationKind{
	NotificationPaymentReceived,
	NotificationRefundProcessed,
	NotificationRefundFailed,
	NotificationBalanceAdjusted,
}

func (n NotificationKind) String() string {
	return string(n)
}

// IsValid reports whether the value is a known NotificationKind.
func (n NotificationKind) IsValid() bool { return known(n, validNotificationKinds) }

// ParseNotificationKind converts raw input into a NotificationKind.
func ParseNotificationKind(value string) (NotificationKind, error) {
	return parse("notification kind", value, validNotificationKinds)
}

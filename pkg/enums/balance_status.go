package enums

// BalanceStatus is the derived payment state of a balance.
type BalanceStatus string

const (
	BalanceStatusUnpaid   BalanceStatus = "unpaid"
	BalanceStatusPartial  BalanceStatus = "partial"
	BalanceStatusPaidFull BalanceStatus = "paid_full"
	BalanceStatusOverpaid BalanceStatus = "overpaid"
)

var validBalanceStatuses = []BalanceStatus{
	BalanceStatusUnpaid,
	BalanceStatusPartial,
	BalanceStatusPaidFull,
	BalanceStatusOverpaid,
}

func (b BalanceStatus) String() string {
	return string(b)
}

// IsValid reports whether the value is a known BalanceStatus.
func (b BalanceStatus) IsValid() bool { return known(b, validBalanceStatuses) }

// ParseBalanceStatus converts raw input into a BalanceStatus.
func ParseBalanceStatus(value string) (BalanceStatus, error) {
	return parse("balance status", value, validBalanceStatuses)
}

package enums

// Currency is the ISO code balances are denominated in.
type Currency string

const (
	CurrencyUSD Currency = "USD"
	CurrencyCAD Currency = "CAD"
	CurrencyEUR Currency = "EUR"
	CurrencyGBP Currency = "GBP"
)

var validCurrencies = []Currency{
	CurrencyUSD,
	CurrencyCAD,
	CurrencyEUR,
	CurrencyGBP,
}

// String implements fmt.Stringer.
func (c Currency) String() string {
	return string(c)
}

// IsValid reports whether the currency is recognized.
func (c Currency) IsValid() bool { return known(c, validCurrencies) }

// ParseCurrency converts a raw string into a Currency.
func ParseCurrency(value string) (Currency, error) {
	return parse("currency", value, validCurrencies)
}

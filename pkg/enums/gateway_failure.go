package enums

// GatewayFailure classifies an unsuccessful payment gateway call.
type GatewayFailure string

const (
	GatewayFailureDeclined        GatewayFailure = "declined"
	GatewayFailureNetwork         GatewayFailure = "network"
	GatewayFailureAlreadyRefunded GatewayFailure = "already_refunded"
)

var validGatewayFailures = []GatewayFailure{
	GatewayFailureDeclined,
	GatewayFailureNetwork,
	GatewayFailureAlreadyRefunded,
}

// String implements fmt.Stringer.
func (g GatewayFailure) String() string {
	return string(g)
}

// IsValid reports whether the value is a known GatewayFailure.
func (g GatewayFailure) IsValid() bool { return known(g, validGatewayFailures) }

// ParseGatewayFailure converts raw input into a GatewayFailure.
func ParseGatewayFailure(value string) (GatewayFailure, error) {
	return parse("gateway failure", value, validGatewayFailures)
}

package enums

// OperatorRole is the role carried by an authenticated back-office operator.
type OperatorRole string

const (
	OperatorRoleAdmin   OperatorRole = "admin"
	OperatorRoleFinance OperatorRole = "finance"
	OperatorRoleViewer  OperatorRole = "viewer"
)

var validOperatorRoles = []OperatorRole{
	OperatorRoleAdmin,
	OperatorRoleFinance,
	OperatorRoleViewer,
}

// String implements fmt.Stringer.
func (o OperatorRole) String() string {
	return string(o)
}

// IsValid reports whether the value is a known OperatorRole.
func (o OperatorRole) IsValid() bool { return known(o, validOperatorRoles) }

// ParseOperatorRole converts raw input into a OperatorRole.
func ParseOperatorRole(value string) (OperatorRole, error) {
	return parse("operator role", value, validOperatorRoles)
}

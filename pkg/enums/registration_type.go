package enums

// RegistrationType tags the kind of registration a balance belongs to.
type RegistrationType string

const (
	RegistrationTypeGroup      RegistrationType = "group"
	RegistrationTypeIndividual RegistrationType = "individual"
	RegistrationTypeVendor     RegistrationType = "vendor"
	RegistrationTypeStaff      RegistrationType = "staff"
)

var validRegistrationTypes = []RegistrationType{
	RegistrationTypeGroup,
	RegistrationTypeIndividual,
	RegistrationTypeVendor,
	RegistrationTypeStaff,
}

func (r RegistrationType) String() string {
	return string(r)
}

// IsValid reports whether the value is a known RegistrationType.
func (r RegistrationType) IsValid() bool { return known(r, validRegistrationTypes) }

// ParseRegistrationType converts raw input into a RegistrationType.
func ParseRegistrationType(value string) (RegistrationType, error) {
	return parse("registration type", value, validRegistrationTypes)
}

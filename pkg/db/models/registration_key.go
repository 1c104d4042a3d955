package models

import (
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/angelmondragon/registration-ledger/pkg/enums"
)

// RegistrationKey identifies the registration a ledger row belongs to.
type RegistrationKey struct {
	RegistrationID   uuid.UUID              `json:"registration_id"`
	RegistrationType enums.RegistrationType `json:"registration_type"`
}

// Validate rejects zero ids and unknown registration types.
func (k RegistrationKey) Validate() error {
	if k.RegistrationID == uuid.Nil {
		return fmt.Errorf("registration id is required")
	}
	if !k.RegistrationType.IsValid() {
		return fmt.Errorf("invalid registration type %q", k.RegistrationType)
	}
	return nil
}

func (k RegistrationKey) String() string {
	return fmt.Sprintf("%s:%s", k.RegistrationType, k.RegistrationID)
}

// ParseRegistrationKey reads the "type:id" form produced by String.
func ParseRegistrationKey(value string) (RegistrationKey, error) {
	rawType, rawID, ok := strings.Cut(strings.TrimSpace(value), ":")
	if !ok {
		return RegistrationKey{}, fmt.Errorf("registration reference %q is not type:id", value)
	}
	id, err := uuid.Parse(rawID)
	if err != nil {
		return RegistrationKey{}, fmt.Errorf("registration reference id: %w", err)
	}
	key := RegistrationKey{RegistrationID: id, RegistrationType: enums.RegistrationType(strings.ToLower(rawType))}
	if err := key.Validate(); err != nil {
		return RegistrationKey{}, err
	}
	return key, nil
}

// Key returns the registration key of the balance.
func (b Balance) Key() RegistrationKey {
	return RegistrationKey{RegistrationID: b.RegistrationID, RegistrationType: b.RegistrationType}
}

// Key returns the registration key of the payment.
func (p Payment) Key() RegistrationKey {
	return RegistrationKey{RegistrationID: p.RegistrationID, RegistrationType: p.RegistrationType}
}

// Key returns the registration key of the refund.
func (r Refund) Key() RegistrationKey {
	return RegistrationKey{RegistrationID: r.RegistrationID, RegistrationType: r.RegistrationType}
}

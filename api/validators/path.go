package validators

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/angelmondragon/registration-ledger/pkg/db/models"
	"github.com/angelmondragon/registration-ledger/pkg/enums"
	pkgerrors "github.com/angelmondragon/registration-ledger/pkg/errors"
)

// DateLayout is the calendar date format accepted in request bodies.
const DateLayout = "2006-01-02"

// ParseUUIDParam reads a uuid route parameter.
func ParseUUIDParam(r *http.Request, name string) (uuid.UUID, error) {
	raw := strings.TrimSpace(chi.URLParam(r, name))
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid "+name).WithDetails(map[string]any{"field": name})
	}
	return id, nil
}

// ParseRegistrationKey reads the {type}/{id} route parameters.
func ParseRegistrationKey(r *http.Request) (models.RegistrationKey, error) {
	id, err := ParseUUIDParam(r, "id")
	if err != nil {
		return models.RegistrationKey{}, err
	}
	regType, err := enums.ParseRegistrationType(strings.ToLower(strings.TrimSpace(chi.URLParam(r, "type"))))
	if err != nil {
		return models.RegistrationKey{}, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid registration type").WithDetails(map[string]any{"field": "type"})
	}
	return models.RegistrationKey{RegistrationID: id, RegistrationType: regType}, nil
}

// ParseDate reads an optional calendar date. Empty input yields nil.
func ParseDate(field string, value *string) (*time.Time, error) {
	if value == nil || strings.TrimSpace(*value) == "" {
		return nil, nil
	}
	parsed, err := time.Parse(DateLayout, strings.TrimSpace(*value))
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid date").WithDetails(map[string]any{"field": field})
	}
	return &parsed, nil
}

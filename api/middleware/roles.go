package middleware

import (
	"net/http"

	"github.com/angelmondragon/registration-ledger/api/responses"
	"github.com/angelmondragon/registration-ledger/pkg/enums"
	pkgerrors "github.com/angelmondragon/registration-ledger/pkg/errors"
	"github.com/angelmondragon/registration-ledger/pkg/logger"
)

// RequireRoles rejects requests whose operator role is not in the allowed set.
func RequireRoles(logg *logger.Logger, allowed ...enums.OperatorRole) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			op, ok := OperatorFromContext(r.Context())
			for _, candidate := range allowed {
				if ok && candidate == op.Role {
					next.ServeHTTP(w, r)
					return
				}
			}
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeForbidden, "role required"))
		})
	}
}

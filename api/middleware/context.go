package middleware

import (
	"context"

	"github.com/google/uuid"

	"github.com/angelmondragon/registration-ledger/pkg/enums"
)

// Operator is the authenticated back-office user behind a request.
type Operator struct {
	ID      uuid.UUID
	Role    enums.OperatorRole
	TokenID string
}

type operatorKey struct{}

func WithOperator(ctx context.Context, op Operator) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, operatorKey{}, op)
}

func OperatorFromContext(ctx context.Context) (Operator, bool) {
	if ctx == nil {
		return Operator{}, false
	}
	op, ok := ctx.Value(operatorKey{}).(Operator)
	if !ok || op.ID == uuid.Nil {
		return Operator{}, false
	}
	return op, true
}

// UserIDFromContext returns the operator id, or "" for unauthenticated requests.
func UserIDFromContext(ctx context.Context) string {
	if op, ok := OperatorFromContext(ctx); ok {
		return op.ID.String()
	}
	return ""
}

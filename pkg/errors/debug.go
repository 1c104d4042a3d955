package errors

import (
	stdErrors "errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"
)

// pgDiagnostics is the driver-neutral subset of a postgres error.
type pgDiagnostics struct {
	code, constraint, table, column, detail, message string
}

func postgresDiagnostics(err error) (pgDiagnostics, bool) {
	var pgxErr *pgconn.PgError
	if stdErrors.As(err, &pgxErr) {
		return pgDiagnostics{pgxErr.Code, pgxErr.ConstraintName, pgxErr.TableName, pgxErr.ColumnName, pgxErr.Detail, pgxErr.Message}, true
	}
	var pqErr *pq.Error
	if stdErrors.As(err, &pqErr) {
		return pgDiagnostics{string(pqErr.Code), pqErr.Constraint, pqErr.Table, pqErr.Column, pqErr.Detail, pqErr.Message}, true
	}
	return pgDiagnostics{}, false
}

// LogFields flattens err for structured logging. Postgres diagnostics and
// typed error metadata are only present when the chain carries them.
func LogFields(err error) map[string]any {
	if err == nil {
		return map[string]any{}
	}

	chain := []string{}
	for e := err; e != nil; e = stdErrors.Unwrap(e) {
		chain = append(chain, fmt.Sprintf("%T: %v", e, e))
	}
	fields := map[string]any{
		"error":       err.Error(),
		"error_chain": chain,
	}

	if typed := As(err); typed != nil {
		fields["error_code"] = string(typed.code)
		fields["retryable"] = MetadataFor(typed.code).Retryable
		if typed.details != nil {
			fields["error_details"] = typed.details
		}
	}

	if pg, ok := postgresDiagnostics(err); ok {
		for key, value := range map[string]string{
			"pg_code":       pg.code,
			"pg_constraint": pg.constraint,
			"pg_table":      pg.table,
			"pg_column":     pg.column,
			"pg_detail":     pg.detail,
			"pg_message":    pg.message,
		} {
			if value != "" {
				fields[key] = value
			}
		}
	}
	return fields
}

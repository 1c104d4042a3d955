package repo

import (
	"context"

	"gorm.io/gorm"

	"github.com/angelmondragon/registration-ledger/pkg/db"
	"github.com/angelmondragon/registration-ledger/pkg/db/models"
	pkgerrors "github.com/angelmondragon/registration-ledger/pkg/errors"
)

// Base is embedded by every store. conn is either the pool or an open
// transaction handed in through WithTx.
type Base struct {
	conn *gorm.DB
}

func NewBase(conn *gorm.DB) Base {
	return Base{conn: conn}
}

// DB binds ctx to the connection. A nil ctx yields the bare connection.
func (b Base) DB(ctx context.Context) *gorm.DB {
	if ctx == nil {
		return b.conn
	}
	return b.conn.WithContext(ctx)
}

// Conn is the unbound connection, used to build subqueries.
func (b Base) Conn() *gorm.DB {
	return b.conn
}

// ForRegistration limits a query to rows owned by key.
func ForRegistration(key models.RegistrationKey) func(*gorm.DB) *gorm.DB {
	return func(q *gorm.DB) *gorm.DB {
		return q.Where("registration_id = ? AND registration_type = ?", key.RegistrationID, key.RegistrationType)
	}
}

// TakeOne loads the single row q selects. A missing row is CodeNotFound
// ("<what> not found"); anything else is a dependency failure.
func TakeOne[T any](q *gorm.DB, what string) (*T, error) {
	row, err := TakeOptional[T](q, what)
	if err != nil {
		return nil, err
	}
	if row == nil {
		return nil, pkgerrors.New(pkgerrors.CodeNotFound, what+" not found")
	}
	return row, nil
}

// TakeOptional is TakeOne for lookups where absence is a normal answer; it
// returns nil, nil when q matches nothing.
func TakeOptional[T any](q *gorm.DB, what string) (*T, error) {
	var row T
	if err := q.Take(&row).Error; err != nil {
		if db.IsNotFound(err) {
			return nil, nil
		}
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load "+what)
	}
	return &row, nil
}

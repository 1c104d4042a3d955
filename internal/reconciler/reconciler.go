package reconciler

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/angelmondragon/registration-ledger/internal/audit"
	"github.com/angelmondragon/registration-ledger/internal/balances"
	"github.com/angelmondragon/registration-ledger/internal/notifications"
	"github.com/angelmondragon/registration-ledger/internal/payments"
	"github.com/angelmondragon/registration-ledger/internal/refunds"
	"github.com/angelmondragon/registration-ledger/pkg/db/models"
	pkgerrors "github.com/angelmondragon/registration-ledger/pkg/errors"
	"github.com/angelmondragon/registration-ledger/pkg/logger"
	"github.com/angelmondragon/registration-ledger/pkg/metrics"
)

const (
	defaultConflictRetries = 3
	defaultNotifyTimeout   = 10 * time.Second
)

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

// Params wires the reconciler's collaborators.
type Params struct {
	DB              txRunner
	Balances        balances.Repository
	Payments        payments.Repository
	Refunds         refunds.Repository
	Audit           audit.Repository
	Gateway         refunds.Gateway
	Notifier        notifications.Dispatcher
	Logger          *logger.Logger
	Metrics         *metrics.LedgerMetrics
	ConflictRetries int
	NotifyTimeout   time.Duration
	Clock           func() time.Time
}

// Reconciler is the single authority for balance mutations. Every entry point
// runs as one transaction against the balance row and its child records, and
// re-reads the balance immediately before computing new figures.
type Reconciler struct {
	db              txRunner
	balances        balances.Repository
	payments        payments.Repository
	refunds         refunds.Repository
	audit           audit.Repository
	gateway         refunds.Gateway
	notifier        notifications.Dispatcher
	logg            *logger.Logger
	metrics         *metrics.LedgerMetrics
	conflictRetries int
	notifyTimeout   time.Duration
	now             func() time.Time
}

// stores groups the repositories bound to one transaction.
type stores struct {
	balances balances.Repository
	payments payments.Repository
	refunds  refunds.Repository
	audit    audit.Repository
}

func New(p Params) (*Reconciler, error) {
	switch {
	case p.DB == nil:
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "transaction runner required")
	case p.Balances == nil:
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "balance repository required")
	case p.Payments == nil:
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "payment repository required")
	case p.Refunds == nil:
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "refund repository required")
	case p.Audit == nil:
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "audit repository required")
	case p.Logger == nil:
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "logger required")
	}

	retries := p.ConflictRetries
	if retries < 0 {
		retries = 0
	} else if retries == 0 {
		retries = defaultConflictRetries
	}
	notifyTimeout := p.NotifyTimeout
	if notifyTimeout <= 0 {
		notifyTimeout = defaultNotifyTimeout
	}
	clock := p.Clock
	if clock == nil {
		clock = func() time.Time { return time.Now().UTC() }
	}

	return &Reconciler{
		db:              p.DB,
		balances:        p.Balances,
		payments:        p.Payments,
		refunds:         p.Refunds,
		audit:           p.Audit,
		gateway:         p.Gateway,
		notifier:        p.Notifier,
		logg:            p.Logger,
		metrics:         p.Metrics,
		conflictRetries: retries,
		notifyTimeout:   notifyTimeout,
		now:             clock,
	}, nil
}

func (r *Reconciler) bind(tx *gorm.DB) stores {
	return stores{
		balances: r.balances.WithTx(tx),
		payments: r.payments.WithTx(tx),
		refunds:  r.refunds.WithTx(tx),
		audit:    r.audit.WithTx(tx),
	}
}

// mutate runs fn inside a transaction with the freshly read balance. Version
// conflicts and duplicate-insert races are retried from a fresh read when retry
// is set; any other error aborts.
func (r *Reconciler) mutate(ctx context.Context, op string, key models.RegistrationKey, retry bool, fn func(ctx context.Context, st stores, bal *models.Balance) error) error {
	attempts := 1
	if retry {
		attempts += r.conflictRetries
	}

	for attempt := 1; ; attempt++ {
		err := r.db.WithTx(ctx, func(tx *gorm.DB) error {
			st := r.bind(tx)
			bal, err := st.balances.Get(ctx, key)
			if err != nil {
				return err
			}
			return fn(ctx, st, bal)
		})
		if err == nil {
			return nil
		}
		if !pkgerrors.IsCode(err, pkgerrors.CodeConflict) {
			return err
		}
		r.metrics.IncConflict(op)
		if attempt >= attempts {
			return err
		}
		r.logg.Warn(r.logg.WithFields(ctx, map[string]any{
			"operation": op,
			"attempt":   attempt,
		}), "ledger conflict, retrying from a fresh read")
	}
}

// commit validates and writes bal, expecting the version it was read at.
func (r *Reconciler) commit(ctx context.Context, st stores, bal *models.Balance, expectedVersion int64) error {
	if err := checkInvariants(bal); err != nil {
		return err
	}
	return st.balances.Commit(ctx, bal, expectedVersion)
}

// finish logs and counts one entry point invocation.
func (r *Reconciler) finish(ctx context.Context, op string, key models.RegistrationKey, bal *models.Balance, err error) {
	outcome := outcomeFor(err)
	r.metrics.ObserveMutation(op, outcome)

	ctx = r.logg.WithRegistration(ctx, string(key.RegistrationType), key.RegistrationID.String())
	fields := map[string]any{"operation": op, "outcome": outcome}
	if bal != nil {
		fields["version"] = bal.Version
		fields["payment_status"] = bal.PaymentStatus
	}
	ctx = r.logg.WithFields(ctx, fields)

	switch outcome {
	case metrics.OutcomeSuccess:
		r.logg.Info(ctx, "ledger."+op)
	case metrics.OutcomeError:
		r.logg.Error(ctx, "ledger."+op, err)
	default:
		r.logg.Warn(r.logg.WithField(ctx, "error", err.Error()), "ledger."+op)
	}
}

func outcomeFor(err error) string {
	if err == nil {
		return metrics.OutcomeSuccess
	}
	typed := pkgerrors.As(err)
	if typed == nil {
		return metrics.OutcomeError
	}
	switch typed.Code() {
	case pkgerrors.CodeConflict:
		return metrics.OutcomeConflict
	case pkgerrors.CodeValidation, pkgerrors.CodeNotFound, pkgerrors.CodeStateConflict,
		pkgerrors.CodeRefundExceedsPaid, pkgerrors.CodeGatewayDeclined, pkgerrors.CodeIdempotency:
		return metrics.OutcomeRejected
	default:
		return metrics.OutcomeError
	}
}

// notify dispatches after commit without blocking the caller. Failures are logged only.
func (r *Reconciler) notify(ctx context.Context, n notifications.Notification) {
	if r.notifier == nil {
		return
	}
	if n.OccurredAt.IsZero() {
		n.OccurredAt = r.now()
	}
	base := context.WithoutCancel(ctx)
	go func() {
		notifyCtx, cancel := context.WithTimeout(base, r.notifyTimeout)
		defer cancel()
		if err := r.notifier.Notify(notifyCtx, n); err != nil {
			logCtx := r.logg.WithRegistration(base, string(n.Recipient.RegistrationType), n.Recipient.RegistrationID.String())
			r.logg.Error(r.logg.WithField(logCtx, "kind", n.Kind), "notification dispatch failed", err)
		}
	}()
}

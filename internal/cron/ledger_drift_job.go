package cron

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/multierr"

	"github.com/angelmondragon/registration-ledger/internal/reconciler"
	"github.com/angelmondragon/registration-ledger/pkg/db/models"
	"github.com/angelmondragon/registration-ledger/pkg/logger"
	"github.com/angelmondragon/registration-ledger/pkg/metrics"
)

const defaultDriftBatchSize = 200

type balanceLister interface {
	ListAfter(ctx context.Context, afterID uuid.UUID, limit int) ([]models.Balance, error)
}

type ledgerRederiver interface {
	Rederive(ctx context.Context, key models.RegistrationKey) (*reconciler.DriftReport, error)
}

type LedgerDriftJobParams struct {
	Logger    *logger.Logger
	Balances  balanceLister
	Ledger    ledgerRederiver
	Metrics   *metrics.LedgerMetrics
	BatchSize int
}

// NewLedgerDriftJob walks every balance and compares the stored figures with
// the ones rebuilt from its payments, refunds and manual total changes.
func NewLedgerDriftJob(params LedgerDriftJobParams) (Job, error) {
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	if params.Balances == nil {
		return nil, fmt.Errorf("balance repository required")
	}
	if params.Ledger == nil {
		return nil, fmt.Errorf("ledger required")
	}
	batch := params.BatchSize
	if batch <= 0 {
		batch = defaultDriftBatchSize
	}
	return &ledgerDriftJob{
		logg:      params.Logger,
		balances:  params.Balances,
		ledger:    params.Ledger,
		metrics:   params.Metrics,
		batchSize: batch,
	}, nil
}

type ledgerDriftJob struct {
	logg      *logger.Logger
	balances  balanceLister
	ledger    ledgerRederiver
	metrics   *metrics.LedgerMetrics
	batchSize int
}

func (j *ledgerDriftJob) Name() string { return "ledger-drift-audit" }

func (j *ledgerDriftJob) Run(ctx context.Context) error {
	var (
		errs    []error
		checked int
		drifted int
		cursor  = uuid.Nil
	)
	for {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		page, err := j.balances.ListAfter(ctx, cursor, j.batchSize)
		if err != nil {
			errs = append(errs, fmt.Errorf("list balances after %s: %w", cursor, err))
			break
		}
		for _, bal := range page {
			key := bal.Key()
			report, err := j.ledger.Rederive(ctx, key)
			checked++
			if err != nil {
				errs = append(errs, fmt.Errorf("rederive %s: %w", key, err))
				continue
			}
			if report == nil || !report.Drifted {
				continue
			}
			drifted++
			j.metrics.IncDrift()
			j.logDrift(ctx, report)
		}
		if len(page) < j.batchSize {
			break
		}
		cursor = page[len(page)-1].ID
	}

	logCtx := j.logg.WithFields(ctx, map[string]any{
		"balances_checked": checked,
		"balances_drifted": drifted,
		"errors":           len(errs),
	})
	j.logg.Info(logCtx, "ledger drift audit complete")
	return multierr.Combine(errs...)
}

func (j *ledgerDriftJob) logDrift(ctx context.Context, report *reconciler.DriftReport) {
	logCtx := j.logg.WithRegistration(ctx, string(report.Key.RegistrationType), report.Key.RegistrationID.String())
	logCtx = j.logg.WithFields(logCtx, map[string]any{
		"version":                  report.Version,
		"stored_total_amount_due":  report.Stored.TotalAmountDue.StringFixed(2),
		"derived_total_amount_due": report.Derived.TotalAmountDue.StringFixed(2),
		"stored_amount_paid":       report.Stored.AmountPaid.StringFixed(2),
		"derived_amount_paid":      report.Derived.AmountPaid.StringFixed(2),
		"stored_status":            string(report.Stored.PaymentStatus),
		"derived_status":           string(report.Derived.PaymentStatus),
	})
	j.logg.Warn(logCtx, "balance drifted from its history")
}

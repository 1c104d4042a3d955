package cron

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/multierr"

	"github.com/angelmondragon/registration-ledger/internal/reconciler"
	"github.com/angelmondragon/registration-ledger/internal/refunds"
	"github.com/angelmondragon/registration-ledger/pkg/db/models"
	"github.com/angelmondragon/registration-ledger/pkg/logger"
	"github.com/angelmondragon/registration-ledger/pkg/metrics"
)

const (
	defaultStaleRefundAfter = 24 * time.Hour
	staleRefundScanLimit    = 500
	staleRefundFailure      = "gateway reported the refund as failed"
)

type staleRefundLister interface {
	ListStalePending(ctx context.Context, olderThan time.Time, limit int) ([]models.Refund, error)
}

type gatewayRefundResolver interface {
	ResolveGatewayRefund(ctx context.Context, in reconciler.ResolveGatewayRefundInput) (*models.Refund, error)
}

type StaleRefundsJobParams struct {
	Logger   *logger.Logger
	Refunds  staleRefundLister
	Ledger   gatewayRefundResolver
	Checker  refunds.StatusChecker
	Metrics  *metrics.LedgerMetrics
	OlderAge time.Duration
}

// NewStaleRefundsJob reports gateway refunds stuck in pending. When a status
// checker is configured, refunds the gateway has since settled are resolved.
func NewStaleRefundsJob(params StaleRefundsJobParams) (Job, error) {
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	if params.Refunds == nil {
		return nil, fmt.Errorf("refund repository required")
	}
	if params.Checker != nil && params.Ledger == nil {
		return nil, fmt.Errorf("ledger required when a status checker is set")
	}
	age := params.OlderAge
	if age <= 0 {
		age = defaultStaleRefundAfter
	}
	return &staleRefundsJob{
		logg:    params.Logger,
		refunds: params.Refunds,
		ledger:  params.Ledger,
		checker: params.Checker,
		metrics: params.Metrics,
		age:     age,
		now:     time.Now,
	}, nil
}

type staleRefundsJob struct {
	logg    *logger.Logger
	refunds staleRefundLister
	ledger  gatewayRefundResolver
	checker refunds.StatusChecker
	metrics *metrics.LedgerMetrics
	age     time.Duration
	now     func() time.Time
}

func (j *staleRefundsJob) Name() string { return "stale-pending-refunds" }

func (j *staleRefundsJob) Run(ctx context.Context) error {
	cutoff := j.now().UTC().Add(-j.age)
	stale, err := j.refunds.ListStalePending(ctx, cutoff, staleRefundScanLimit)
	if err != nil {
		return fmt.Errorf("list stale refunds: %w", err)
	}

	var (
		errs     []error
		resolved int
	)
	for i := range stale {
		rf := stale[i]
		ok, err := j.resolve(ctx, rf)
		if err != nil {
			errs = append(errs, fmt.Errorf("refund %s: %w", rf.ID, err))
			continue
		}
		if ok {
			resolved++
		}
	}

	remaining := len(stale) - resolved
	j.metrics.SetStalePendingRefunds(remaining)
	logCtx := j.logg.WithFields(ctx, map[string]any{
		"cutoff":        cutoff,
		"stale_found":   len(stale),
		"resolved":      resolved,
		"still_pending": remaining,
	})
	if remaining > 0 {
		j.logg.Warn(logCtx, "gateway refunds still pending past cutoff")
	} else {
		j.logg.Info(logCtx, "stale refund sweep complete")
	}
	return multierr.Combine(errs...)
}

func (j *staleRefundsJob) resolve(ctx context.Context, rf models.Refund) (bool, error) {
	if j.checker == nil || rf.GatewayRefundReference == nil || *rf.GatewayRefundReference == "" {
		return false, nil
	}
	reference := *rf.GatewayRefundReference
	outcome, err := j.checker.RefundStatus(ctx, reference)
	if err != nil {
		return false, fmt.Errorf("lookup status: %w", err)
	}
	if outcome == refunds.GatewayOutcomePending {
		return false, nil
	}
	in := reconciler.ResolveGatewayRefundInput{
		GatewayRefundReference: reference,
		Outcome:                outcome,
	}
	if outcome == refunds.GatewayOutcomeFailed {
		in.FailureReason = staleRefundFailure
	}
	if _, err := j.ledger.ResolveGatewayRefund(ctx, in); err != nil {
		return false, err
	}
	logCtx := j.logg.WithFields(ctx, map[string]any{
		"refund_id":                rf.ID.String(),
		"gateway_refund_reference": reference,
		"outcome":                  string(outcome),
	})
	j.logg.Info(logCtx, "resolved stale gateway refund")
	return true, nil
}

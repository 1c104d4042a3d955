package notifications

import (
	"context"
	"time"

	"github.com/angelmondragon/registration-ledger/pkg/db/models"
	"github.com/angelmondragon/registration-ledger/pkg/enums"
	"github.com/angelmondragon/registration-ledger/pkg/logger"
)

// Notification tells downstream delivery that a ledger mutation committed.
type Notification struct {
	Recipient  models.RegistrationKey `json:"recipient"`
	Kind       enums.NotificationKind `json:"kind"`
	Payload    map[string]any         `json:"payload,omitempty"`
	OccurredAt time.Time              `json:"occurred_at"`
}

// Dispatcher delivers notifications. Callers treat failures as log-only.
type Dispatcher interface {
	Notify(ctx context.Context, n Notification) error
}

// LogDispatcher only logs notifications; used when Pub/Sub is not configured.
type LogDispatcher struct {
	logg *logger.Logger
}

func NewLogDispatcher(logg *logger.Logger) *LogDispatcher {
	return &LogDispatcher{logg: logg}
}

func (d *LogDispatcher) Notify(ctx context.Context, n Notification) error {
	if d == nil || d.logg == nil {
		return nil
	}
	ctx = d.logg.WithRegistration(ctx, string(n.Recipient.RegistrationType), n.Recipient.RegistrationID.String())
	d.logg.Info(d.logg.WithField(ctx, "kind", n.Kind), "notification dispatched (log only)")
	return nil
}

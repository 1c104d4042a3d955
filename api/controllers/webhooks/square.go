package webhooks

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/angelmondragon/registration-ledger/api/responses"
	squarewebhook "github.com/angelmondragon/registration-ledger/internal/webhooks/square"
	pkgerrors "github.com/angelmondragon/registration-ledger/pkg/errors"
	"github.com/angelmondragon/registration-ledger/pkg/logger"
)

// SquareSignatureHeader carries base64(HMAC-SHA256(notification URL + body)).
const SquareSignatureHeader = "X-Square-Hmacsha256-Signature"

const maxSquarePayload = 1 << 20

type SquareWebhookService interface {
	HandleEvent(ctx context.Context, event *squarewebhook.SquareWebhookEvent) error
}

type eventGuard interface {
	Claim(ctx context.Context, eventID string) (bool, error)
	Release(ctx context.Context, eventID string) error
}

type signingConfig interface {
	SigningSecret() string
	NotificationURL() string
}

// SquareWebhook verifies, deduplicates and applies Square payment and refund
// notifications. A failed event releases its claim and answers non-2xx so
// Square delivers it again.
func SquareWebhook(svc SquareWebhookService, signing signingConfig, guard eventGuard, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if svc == nil || signing == nil || guard == nil {
			responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeInternal, "square webhooks are not configured"))
			return
		}

		event, err := readSquareEvent(r, signing)
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		eventID := squareEventID(event)
		if logg != nil {
			ctx = logg.WithFields(ctx, map[string]any{"square_event_id": eventID, "square_event_type": event.Type})
		}

		first, err := guard.Claim(ctx, eventID)
		if err != nil {
			responses.WriteError(ctx, logg, w, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "claim webhook event"))
			return
		}
		if !first {
			if logg != nil {
				logg.Info(ctx, "square_webhook.duplicate")
			}
			responses.WriteSuccess(w, nil)
			return
		}

		if err := svc.HandleEvent(ctx, event); err != nil {
			if releaseErr := guard.Release(ctx, eventID); releaseErr != nil && logg != nil {
				logg.Error(ctx, "square_webhook.release_failed", releaseErr)
			}
			responses.WriteError(ctx, logg, w, err)
			return
		}
		if logg != nil {
			logg.Info(ctx, "square_webhook.applied")
		}
		responses.WriteSuccess(w, nil)
	}
}

func readSquareEvent(r *http.Request, signing signingConfig) (*squarewebhook.SquareWebhookEvent, error) {
	payload, err := io.ReadAll(http.MaxBytesReader(nil, r.Body, maxSquarePayload))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "webhook payload too large")
		}
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "read request body")
	}

	signature := strings.TrimSpace(r.Header.Get(SquareSignatureHeader))
	if signature == "" {
		return nil, pkgerrors.New(pkgerrors.CodeUnauthorized, "square signature missing")
	}
	if !ValidateSquareSignature(payload, signing.SigningSecret(), signing.NotificationURL(), signature) {
		return nil, pkgerrors.New(pkgerrors.CodeUnauthorized, "invalid square signature")
	}

	var event squarewebhook.SquareWebhookEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "decode event")
	}
	if squareEventID(&event) == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "event id is required")
	}
	return &event, nil
}

// squareEventID falls back to the object id for events without an event_id.
func squareEventID(event *squarewebhook.SquareWebhookEvent) string {
	if id := strings.TrimSpace(event.EventID); id != "" {
		return id
	}
	return strings.TrimSpace(event.Data.ID)
}

// ValidateSquareSignature compares header against the HMAC-SHA256 of
// notificationURL followed by payload, keyed by secret.
func ValidateSquareSignature(payload []byte, secret, notificationURL, header string) bool {
	if header == "" || secret == "" {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(notificationURL))
	mac.Write(payload)
	want := mac.Sum(nil)
	got, err := base64.StdEncoding.DecodeString(header)
	if err != nil {
		return false
	}
	return hmac.Equal(want, got)
}

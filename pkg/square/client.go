package square

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	sq "github.com/square/square-go-sdk"
	sqclient "github.com/square/square-go-sdk/client"
	sqcore "github.com/square/square-go-sdk/core"
	sqoption "github.com/square/square-go-sdk/option"

	"github.com/angelmondragon/registration-ledger/pkg/config"
	pkgerrors "github.com/angelmondragon/registration-ledger/pkg/errors"
	"github.com/angelmondragon/registration-ledger/pkg/logger"
)

var environments = map[string]string{
	"sandbox":    "https://connect.squareupsandbox.com",
	"production": "https://connect.squareup.com",
}

// Client is the ledger's view of the Square API: refunds, refund lookups and
// the webhook signing material.
type Client struct {
	sdk           *sqclient.Client
	environment   string
	webhookSecret string
	webhookURL    string
	logger        *logger.Logger
}

func NewClient(ctx context.Context, cfg config.SquareConfig, logg *logger.Logger) (*Client, error) {
	if logg == nil {
		return nil, errors.New("square logger is required")
	}
	env := cfg.Environment()
	baseURL, ok := environments[env]
	if !ok {
		return nil, fmt.Errorf("square environment must be sandbox or production, got %q", env)
	}
	token := strings.TrimSpace(cfg.AccessToken)
	if token == "" {
		return nil, errors.New("square access token is required")
	}
	secret := strings.TrimSpace(cfg.WebhookSecret)
	if secret == "" {
		return nil, errors.New("square webhook secret is required")
	}

	opts := []sqoption.RequestOption{sqoption.WithBaseURL(baseURL), sqoption.WithToken(token)}
	if cfg.RefundTimeout > 0 {
		opts = append(opts, sqoption.WithHTTPClient(&http.Client{Timeout: cfg.RefundTimeout}))
	}

	c := &Client{
		sdk:           sqclient.NewClient(opts...),
		environment:   env,
		webhookSecret: secret,
		webhookURL:    strings.TrimSpace(cfg.NotificationURL),
		logger:        logg,
	}
	logg.Info(logg.WithField(ctx, "square_env", env), "square client initialized")
	return c, nil
}

func (c *Client) Environment() string {
	if c == nil {
		return ""
	}
	return c.environment
}

// SigningSecret is the webhook signature key configured in the Square dashboard.
func (c *Client) SigningSecret() string {
	if c == nil {
		return ""
	}
	return c.webhookSecret
}

// NotificationURL is the exact URL Square signs notifications against.
func (c *Client) NotificationURL() string {
	if c == nil {
		return ""
	}
	return c.webhookURL
}

// call logs one SDK round trip with its latency and outcome.
func (c *Client) call(ctx context.Context, op string, fields map[string]any, fn func() error) error {
	started := time.Now()
	err := fn()
	if c.logger == nil {
		return err
	}
	entry := map[string]any{"square_op": op, "duration_ms": time.Since(started).Milliseconds()}
	for k, v := range fields {
		entry[k] = v
	}
	ctx = c.logger.WithFields(ctx, entry)
	if err != nil {
		c.logger.Error(ctx, "square.call_failed", err)
	} else {
		c.logger.Info(ctx, "square.call")
	}
	return err
}

// squareErrors decodes the error list carried in an SDK APIError body.
func squareErrors(apiErr *sqcore.APIError) []*sq.Error {
	inner := apiErr.Unwrap()
	if inner == nil {
		return nil
	}
	var body struct {
		Errors []*sq.Error `json:"errors"`
	}
	if err := json.Unmarshal([]byte(strings.TrimSpace(inner.Error())), &body); err != nil {
		return nil
	}
	return body.Errors
}

var codeByStatus = map[int]pkgerrors.Code{
	http.StatusBadRequest:          pkgerrors.CodeValidation,
	http.StatusUnauthorized:        pkgerrors.CodeUnauthorized,
	http.StatusForbidden:           pkgerrors.CodeForbidden,
	http.StatusNotFound:            pkgerrors.CodeNotFound,
	http.StatusConflict:            pkgerrors.CodeConflict,
	http.StatusUnprocessableEntity: pkgerrors.CodeStateConflict,
	http.StatusTooManyRequests:     pkgerrors.CodeRateLimit,
}

// lookupError maps a failed read call onto the service error codes.
// Anything that is not a Square 4xx is a dependency failure.
func lookupError(err error, op string) error {
	msg := "square " + op + " failed"
	var apiErr *sqcore.APIError
	if !errors.As(err, &apiErr) {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, msg)
	}
	for _, e := range squareErrors(apiErr) {
		if e != nil && e.Category == sq.ErrorCategoryAuthenticationError {
			return pkgerrors.Wrap(pkgerrors.CodeUnauthorized, err, msg)
		}
	}
	if code, ok := codeByStatus[apiErr.StatusCode]; ok {
		return pkgerrors.Wrap(code, err, msg)
	}
	if apiErr.StatusCode >= 400 && apiErr.StatusCode < 500 {
		return pkgerrors.Wrap(pkgerrors.CodeValidation, err, msg)
	}
	return pkgerrors.Wrap(pkgerrors.CodeDependency, err, msg)
}

// text reads SDK fields that are either plain or optional strings.
func text(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case *string:
		if t != nil {
			return *t
		}
	}
	return ""
}

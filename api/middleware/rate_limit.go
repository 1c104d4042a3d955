package middleware

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/angelmondragon/registration-ledger/api/responses"
	pkgerrors "github.com/angelmondragon/registration-ledger/pkg/errors"
	"github.com/angelmondragon/registration-ledger/pkg/logger"
	pkgredis "github.com/angelmondragon/registration-ledger/pkg/redis"
)

type windowStore interface {
	HitWindow(ctx context.Context, scope string, window time.Duration) (pkgredis.Window, error)
}

// RateLimitPolicy is a fixed window limit per client IP and, once Auth has
// run, per operator. A zero limit disables that dimension.
type RateLimitPolicy struct {
	name      string
	window    time.Duration
	ipLimit   int64
	userLimit int64
}

func NewRateLimitPolicy(name string, window time.Duration, ipLimit, userLimit int) RateLimitPolicy {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		name = "ledger"
	}
	return RateLimitPolicy{name: name, window: window, ipLimit: int64(ipLimit), userLimit: int64(userLimit)}
}

type limitCheck struct {
	dimension string
	subject   string
	limit     int64
}

func (p RateLimitPolicy) checks(r *http.Request) []limitCheck {
	var out []limitCheck
	if ip := clientIP(r); p.ipLimit > 0 && ip != "" {
		out = append(out, limitCheck{"ip", ip, p.ipLimit})
	}
	if user := UserIDFromContext(r.Context()); p.userLimit > 0 && user != "" {
		out = append(out, limitCheck{"user", user, p.userLimit})
	}
	return out
}

func (p RateLimitPolicy) scope(c limitCheck) string {
	return p.name + ":" + c.dimension + ":" + c.subject
}

func RateLimit(policy RateLimitPolicy, store windowStore, logg *logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if policy.window <= 0 || store == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			for _, check := range policy.checks(r) {
				win, err := store.HitWindow(ctx, policy.scope(check), policy.window)
				if err != nil {
					responses.WriteError(ctx, logg, w, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "rate limiting"))
					return
				}
				setRateHeaders(w, check.limit, win)
				if win.Count > check.limit {
					if logg != nil {
						logg.Warn(logg.WithFields(ctx, map[string]any{
							"policy":    policy.name,
							"dimension": check.dimension,
							"subject":   check.subject,
							"attempts":  win.Count,
							"limit":     check.limit,
						}), "rate_limit.blocked")
					}
					responses.WriteError(ctx, nil, w, pkgerrors.New(pkgerrors.CodeRateLimit, "rate limit exceeded"))
					return
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}

// setRateHeaders reports the most recently checked window; when both
// dimensions pass the operator window wins.
func setRateHeaders(w http.ResponseWriter, limit int64, win pkgredis.Window) {
	remaining := limit - win.Count
	if remaining < 0 {
		remaining = 0
	}
	h := w.Header()
	h.Set("X-RateLimit-Limit", strconv.FormatInt(limit, 10))
	h.Set("X-RateLimit-Remaining", strconv.FormatInt(remaining, 10))
	if win.Count > limit && win.ResetIn > 0 {
		h.Set("Retry-After", strconv.Itoa(int((win.ResetIn+time.Second-1)/time.Second)))
	}
}

// clientIP trusts the first X-Forwarded-For hop, then X-Real-IP, then the
// socket address.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	if ip := strings.TrimSpace(r.Header.Get("X-Real-IP")); ip != "" {
		return ip
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

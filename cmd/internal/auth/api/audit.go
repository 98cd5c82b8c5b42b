package authapi

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"

	"secureapi/cmd/identity"
	"secureapi/cmd/internal/auth/session"
)

var (
	errThrottled    = errors.New("login throttled")
	errMissingToken = fmt.Errorf("%w: missing bearer token", session.ErrTokenMalformed)
)

// audit records one auth outcome. Successes log at info, client failures at warn
// with their classified reason, internal failures at error. Identities and tokens
// are never logged; the account id is.
func (h *Handler) audit(ctx context.Context, action string, ip net.IP, accountID string, err error) {
	outcome := outcomeOf(err)
	h.metrics.observe(action, outcome)

	attrs := []any{slog.String("outcome", outcome)}
	if ip != nil {
		attrs = append(attrs, slog.String("ip", ip.String()))
	}
	if accountID != "" {
		attrs = append(attrs, slog.String("account_id", accountID))
	}

	switch {
	case err == nil:
		h.log.InfoContext(ctx, action, attrs...)
	case outcome == "internal":
		h.log.ErrorContext(ctx, action, append(attrs, slog.Any("err", err))...)
	default:
		h.log.WarnContext(ctx, action, attrs...)
	}
}

func outcomeOf(err error) string {
	switch {
	case errors.Is(err, errThrottled):
		return "throttled"
	case identity.IsConflict(err):
		return "conflict"
	case identity.IsNotFound(err):
		return "not_found"
	case identity.IsUnknownRole(err):
		return "unknown_role"
	case identity.IsInvalidInput(err):
		return "invalid_input"
	default:
		return session.Reason(err)
	}
}

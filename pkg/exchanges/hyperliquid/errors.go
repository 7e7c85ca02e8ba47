package hyperliquid

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"whale-core/pkg/errs"
)

// messageRules maps fragments of exchange error messages to kinds. Earlier
// rules win.
var messageRules = []struct {
	fragment string
	kind     errs.Kind
}{
	{"insufficient margin", errs.KindInsufficientMargin},
	{"insufficient balance", errs.KindInsufficientMargin},
	{"not enough margin", errs.KindInsufficientMargin},
	{"rate limit", errs.KindRateLimited},
	{"too many requests", errs.KindRateLimited},
	{"too many cumulative requests", errs.KindRateLimited},
	{"does not exist", errs.KindAuthFailure},
	{"signature", errs.KindAuthFailure},
	{"unauthorized", errs.KindAuthFailure},
	{"not authorized", errs.KindAuthFailure},
	{"invalid size", errs.KindInvalidSize},
	{"zero size", errs.KindInvalidSize},
	{"minimum value", errs.KindInvalidSize},
	{"reduce only order would increase position", errs.KindInvalidSize},
	{"invalid leverage", errs.KindInvalidSize},
	{"leverage", errs.KindInvalidSize},
	{"tick size", errs.KindInvalidSize},
	{"price must be divisible", errs.KindInvalidSize},
}

// classifyMessage turns an exchange rejection into a classified error. The raw
// message is kept as detail.
func classifyMessage(op, msg string) error {
	lower := strings.ToLower(msg)
	for _, r := range messageRules {
		if strings.Contains(lower, r.fragment) {
			return errs.New(r.kind, op, msg)
		}
	}
	return errs.New(errs.KindUnknown, op, msg)
}

// classifyStatus maps a non-2xx HTTP reply.
func classifyStatus(op string, status int, body []byte) error {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return errs.Newf(errs.KindAuthFailure, op, "status %d: %s", status, snippet(body))
	case status == http.StatusRequestTimeout || status == http.StatusBadGateway ||
		status == http.StatusServiceUnavailable || status == http.StatusGatewayTimeout:
		return errs.Newf(errs.KindNetworkTimeout, op, "status %d: %s", status, snippet(body))
	case status >= 400 && status < 500:
		if err := classifyMessage(op, string(body)); errs.KindOf(err) != errs.KindUnknown {
			return err
		}
	}
	return errs.Newf(errs.KindUnknown, op, "status %d: %s", status, snippet(body))
}

// classifyTransport maps errors raised before a reply was read. Deadlines,
// resets and refused connections all count as NetworkTimeout. Caller
// cancellation does not.
func classifyTransport(op string, err error) error {
	if errors.Is(err, context.Canceled) {
		return errs.Wrap(errs.KindUnknown, op, err)
	}
	return errs.Wrap(errs.KindNetworkTimeout, op, err)
}

// isAlreadyClosed recognises the cancel rejection for orders that are no
// longer resting.
func isAlreadyClosed(msg string) bool {
	lower := strings.ToLower(msg)
	return strings.Contains(lower, "never placed") ||
		strings.Contains(lower, "already canceled") ||
		strings.Contains(lower, "already cancelled") ||
		strings.Contains(lower, "filled")
}

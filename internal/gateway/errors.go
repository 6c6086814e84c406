package gateway

import "errors"

// ErrNotConfigured is returned when no gateway API token is configured.
// This is an operator problem; retrying without fixing the configuration
// cannot succeed.
var ErrNotConfigured = errors.New("brokerage gateway token is not configured")

// ErrMalformedResponse wraps any gateway body that could not be decoded
// as JSON. The gateway is known to return HTML error pages under load, so
// this is a transient, retryable condition.
var ErrMalformedResponse = errors.New("brokerage gateway returned a malformed response")

// ProvisionError is a permanent, user-actionable provisioning failure.
// Message carries remediation text; the raw gateway response never
// reaches the caller.
type ProvisionError struct {
	Message string
}

func (e *ProvisionError) Error() string {
	return e.Message
}

// IsPermanent reports whether err cannot be resolved by retrying: either
// the gateway is not configured or the gateway rejected the account
// credentials outright. Everything else is treated as transient.
func IsPermanent(err error) bool {
	var pe *ProvisionError
	return errors.Is(err, ErrNotConfigured) || errors.As(err, &pe)
}

package micloud

import (
	"errors"
	"fmt"
)

// ErrInvalidCredentials is returned when the login handshake produced no
// usable credentials.
var ErrInvalidCredentials = errors.New("invalid credentials")

// ErrNoServiceToken is returned when the security-token exchange response
// carried no serviceToken cookie.
var ErrNoServiceToken = errors.New("no service token in response")

// ErrDeviceNotFound is returned when the configured device identifier
// matched nothing in the resolved device list. Terminal for the session.
var ErrDeviceNotFound = errors.New("device not found")

// ErrUnauthorized marks an authorization-class RPC failure; it triggers a
// single transparent re-authentication before being surfaced.
var ErrUnauthorized = errors.New("unauthorized")

// ErrCallFailed marks an RPC call that produced no usable data: a non-zero
// embedded status code, an undecryptable body or a non-JSON body. Polling
// callers treat it as "no data this tick".
var ErrCallFailed = errors.New("call failed")

// VerificationError is returned when the account service demands human
// verification. It must never be retried automatically: the URL requires
// out-of-band user action with vendor-side propagation delay.
type VerificationError struct {
	URL string
}

func (e *VerificationError) Error() string {
	return fmt.Sprintf("human verification required, visit: %s", e.URL)
}

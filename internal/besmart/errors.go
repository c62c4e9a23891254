package besmart

import "errors"

// Error taxonomy for callers of the client. ErrAuth means the stored
// credentials were rejected and reconfiguration is required; ErrUnavailable
// covers timeouts, connection failures and unexpected vendor responses and
// clears on the next successful poll.
var (
	ErrAuth        = errors.New("besmart: invalid credentials")
	ErrUnavailable = errors.New("besmart: service unavailable")
)

package proxy

import "errors"

// Error categories a connection can fail with. Handlers wrap these with
// context; the supervisor uses errors.Is to pick the ErrorResponse the
// client sees before teardown.
var (
	// ErrProtocol covers framing violations, unexpected tags, oversized
	// messages and unsupported protocol versions. Upstream connection
	// failures surface as protocol errors too.
	ErrProtocol = errors.New("protocol error")

	// ErrAuthFailed means the client failed authentication at the proxy
	// (bad JWT signature or subject mismatch).
	ErrAuthFailed = errors.New("authentication failed")
)

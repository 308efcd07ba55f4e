package coordination

import "github.com/cockroachdb/errors"

// Sentinel errors a Client implementation must surface, via errors.Is, for
// the corresponding store outcomes. Bindings wrap their native errors with
// errors.Mark so classification survives additional wrapping.
var (
	ErrNoNode           = errors.New("node does not exist")
	ErrNodeExists       = errors.New("node already exists")
	ErrBadVersion       = errors.New("version conflict")
	ErrNoAuth           = errors.New("not authorized")
	ErrClosing          = errors.New("client is closing")
	ErrConnectionClosed = errors.New("connection to the store was lost")
	ErrOperationTimeout = errors.New("operation timed out")
	ErrSessionExpired   = errors.New("session expired")
)

// IsTransient reports whether err indicates no final outcome for the
// operation, meaning the same logical operation can be reissued. Everything
// else is terminal: the store answered, even if the answer was a failure.
func IsTransient(err error) bool {
	return errors.IsAny(err, ErrConnectionClosed, ErrOperationTimeout, ErrSessionExpired)
}

package backends

import "errors"

var (
	errBadHandle      = errors.New("handle does not belong to this backend")
	errUnsupportedOp  = errors.New("unsupported operation")
	errBackendClosed  = errors.New("backend is shut down")
	errHandleClosed   = errors.New("handle is closed")
	errTxFinished     = errors.New("transaction already finished")
	errMissingKey     = errors.New("key is required")
	errMissingGraphID = errors.New("class and id are required")
)

// IsUnsupported reports whether err was returned for an Op the backend does
// not implement.
func IsUnsupported(err error) bool {
	return errors.Is(err, errUnsupportedOp)
}

package sync

import (
	"errors"
	"fmt"
)

// ErrUnreachable wraps dial failures: the peer could not be contacted at
// all. Live mode backs off and retries; one-shot mode fails fast.
var ErrUnreachable = errors.New("peer unreachable")

// IncompatibleSchemaError reports a handshake with a peer speaking a
// different schema name or version. Never retried: replicas must be
// upgraded, not reconnected.
type IncompatibleSchemaError struct {
	Schema        string
	SchemaVersion int
}

func (e *IncompatibleSchemaError) Error() string {
	return fmt.Sprintf("incompatible peer schema %s@%d", e.Schema, e.SchemaVersion)
}

// IsIncompatibleSchema reports whether err is a schema handshake failure,
// unwrapping as needed.
func IsIncompatibleSchema(err error) bool {
	var ise *IncompatibleSchemaError
	return errors.As(err, &ise)
}

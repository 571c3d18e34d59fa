package registry

import "errors"

// ErrLockTimeout is returned when the advisory file lock could not be
// acquired within lockTimeout, indicating a wedged sibling process.
var ErrLockTimeout = errors.New("registry: timed out waiting for advisory lock")

package manager

import "errors"

// ErrNotFound is returned by Get, Cancel, and Subscribe when the requested
// session ID is unknown to this manager instance.
var ErrNotFound = errors.New("manager: session not found")

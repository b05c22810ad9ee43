// Package domain provides shared domain-level sentinel errors.
package domain

import "errors"

// ErrNotFound indicates the requested entity does not exist on the host.
var ErrNotFound = errors.New("not found")

// ErrConflict indicates the host rejected a state change because the
// target is already resolved (e.g. approving a deployment gate that
// another reviewer already approved or rejected).
var ErrConflict = errors.New("conflict: already resolved")

package models

import "errors"

// ErrConflict is returned by stores when a write loses against a
// concurrent modification or violates a uniqueness constraint.
var ErrConflict = errors.New("conflicting modification")

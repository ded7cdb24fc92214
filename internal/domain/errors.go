package domain

import "errors"

// ErrConflict reports a conditional write that lost to a concurrent writer.
var ErrConflict = errors.New("conflicting concurrent write")

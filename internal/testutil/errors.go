package testutil

import "errors"

// ErrEncode stands in for a request body that could not be produced
var ErrEncode = errors.New("cannot encode")

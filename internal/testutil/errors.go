package testutil

import "errors"

// Common test errors
var (
	ErrProviderDown = errors.New("provider unavailable")
	ErrTestFailure  = errors.New("test failure")
)

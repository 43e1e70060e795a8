// Copyright 2024-2026 Aiku AI

package warden

import (
	"errors"
	"fmt"
)

// LoginError wraps a failure to establish an authenticated session. The
// session manager retries these indefinitely with a fixed delay.
type LoginError struct {
	Err error
}

func (e *LoginError) Error() string {
	return fmt.Sprintf("login failed: %v", e.Err)
}

func (e *LoginError) Unwrap() error {
	return e.Err
}

// ErrStreamClosed is returned by the dispatcher when the live event channel
// closes. It drives the reconnect state machine.
var ErrStreamClosed = errors.New("event stream closed")

// ErrEmptyValue rejects lock commands with an empty argument.
var ErrEmptyValue = errors.New("value must not be empty")

// ErrNoNicknamePolicy is returned when an override is set for a group
// without an active nickname lock.
var ErrNoNicknamePolicy = errors.New("no nickname lock active for this group")

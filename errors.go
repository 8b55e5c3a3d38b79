package livesite

import "errors"

// ErrInvalidConfig is returned when the platform configuration is invalid.
var ErrInvalidConfig = errors.New("invalid livesite configuration")

// ErrClosed is returned when operations are performed on a closed platform.
var ErrClosed = errors.New("platform is closed")

// ErrNoChannel is returned by channel operations when the platform was
// configured without a coordination transport.
var ErrNoChannel = errors.New("coordination channel disabled")

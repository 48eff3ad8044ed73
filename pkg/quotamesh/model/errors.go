package model

import "errors"

// Sentinel errors returned by the quota manager and its collaborators.
// Callers should compare with errors.Is, not string matching.
var (
	ErrServiceNotFound = errors.New("quotamesh: rule data not loaded for service")
	ErrResourceNotFound = errors.New("quotamesh: no matching rate-limit rule")
	ErrInvalidConfig    = errors.New("quotamesh: invalid configuration")
	ErrInvalidArgument  = errors.New("quotamesh: invalid argument")
	ErrTimeout          = errors.New("quotamesh: timed out waiting for remote init")
	ErrNetworkFailed    = errors.New("quotamesh: network failure")
	ErrServerError      = errors.New("quotamesh: quota server error")
	ErrNotInit          = errors.New("quotamesh: call result reported before any allocation")
)

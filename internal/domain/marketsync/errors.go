package marketsync

import "errors"

// Request failure taxonomy. Every outbound marketplace failure classifies as exactly one.
var (
	ErrRateLimited = errors.New("marketsync: rate limited by marketplace")
	ErrTransient   = errors.New("marketsync: transient marketplace failure")
	ErrAuthFailure = errors.New("marketsync: marketplace authentication failed")
	ErrValidation  = errors.New("marketsync: malformed remote record")
	ErrUnknown     = errors.New("marketsync: unknown marketplace failure")
)

// Order lifecycle errors
var (
	ErrInvalidTransition = errors.New("marketsync: invalid order status transition")
	ErrWindowExpired     = errors.New("marketsync: return window expired")
)

// Orchestration and lookup errors
var (
	ErrDeadlineExceeded     = errors.New("marketsync: sync deadline exceeded")
	ErrSyncRunNotFound      = errors.New("marketsync: sync run not found")
	ErrRemoteEntityNotFound = errors.New("marketsync: remote entity not found")
	ErrOrderNotFound        = errors.New("marketsync: order not found")
	ErrCanonicalNotFound    = errors.New("marketsync: canonical product not found")
	ErrInvalidScope         = errors.New("marketsync: invalid account scope")
	ErrInvalidRunRequest    = errors.New("marketsync: invalid sync run request")
	ErrVersionConflict      = errors.New("marketsync: record modified concurrently")
	ErrAccountNotConfigured = errors.New("marketsync: account is not configured")
	ErrEmptyQuickUpdate     = errors.New("marketsync: quick update requires price or stock")
)

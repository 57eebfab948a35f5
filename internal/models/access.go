package models

import "net/http"

// Decision is the result of an access or validation check.
// Denials are expected outcomes and are not errors.
type Decision struct {
	Allowed bool
	Status  int    // HTTP status to use when denied
	Reason  string // short machine-readable reason, never a secret
}

// Allow is the allowing decision.
func Allow() Decision {
	return Decision{Allowed: true, Status: http.StatusOK}
}

// Deny builds a denying decision.
func Deny(status int, reason string) Decision {
	return Decision{Status: status, Reason: reason}
}

// Deny reasons reported to callers.
const (
	ReasonOriginNotAllowed  = "origin not allowed"
	ReasonAuthNotConfigured = "auth not configured"
	ReasonUnauthorized      = "unauthorized"
	ReasonMissingDB         = "missing db"
	ReasonDBNotAllowed      = "db not allowed"
	ReasonRateLimited       = "rate limited"
	ReasonDumpInProgress    = "dump in progress"
	ReasonMethodNotAllowed  = "method not allowed"
	ReasonLaunchFailed      = "dump launch failed"
	ReasonDumpFailed        = "dump failed"
)

package domain

import (
	"errors"
	"fmt"
	"strings"
)

// Error taxonomy. Each kind maps to a stable CLI exit code so scripts
// can branch on the failure class.
var (
	// ErrPermission: elevated privileges missing. Fatal to daemon start
	// and to block/allow commands; never retried.
	ErrPermission = errors.New("elevated privileges required")

	// ErrStoreUnavailable: persistent store unreachable or corrupt.
	// Fatal to the daemon; queries surface it as "no data".
	ErrStoreUnavailable = errors.New("persistent store unavailable")

	// ErrInvalidTimestamp: malformed custom `since` argument.
	ErrInvalidTimestamp = errors.New("invalid timestamp")

	// ErrDaemonNotRunning: stop/status target has no live daemon.
	ErrDaemonNotRunning = errors.New("daemon is not running")

	// ErrAlreadyRunning: a live daemon already holds the marker.
	ErrAlreadyRunning = errors.New("daemon is already running")

	// ErrAppNotFound: no running process matches the given identifier.
	ErrAppNotFound = errors.New("application not found")

	// ErrEnforcementFailed: one or more applications in a bulk toggle
	// could not be enforced (per-item detail in the BatchResult).
	ErrEnforcementFailed = errors.New("enforcement failed")
)

// StrategyAttempt records one failed enforcement strategy attempt.
type StrategyAttempt struct {
	Strategy string
	Err      error
}

// EnforcementError reports that every enforcement strategy failed for
// one application. It carries the individual attempts for diagnostics.
type EnforcementError struct {
	App      AppID
	State    PolicyState
	Attempts []StrategyAttempt
}

func (e *EnforcementError) Error() string {
	if len(e.Attempts) == 0 {
		return fmt.Sprintf("enforce %s for %s: no enforcement strategy available", e.State, e.App)
	}
	parts := make([]string, 0, len(e.Attempts))
	for _, a := range e.Attempts {
		parts = append(parts, fmt.Sprintf("%s: %v", a.Strategy, a.Err))
	}
	return fmt.Sprintf("enforce %s for %s: all strategies failed (%s)", e.State, e.App, strings.Join(parts, "; "))
}

func (e *EnforcementError) Is(target error) bool { return target == ErrEnforcementFailed }

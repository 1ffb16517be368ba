package chrome

import (
	"context"
	"errors"
	"strings"

	"github.com/seoshield/proxy/pkg/types"
)

// Pool errors.
var (
	ErrPoolShutdown = errors.New("browser pool is shutting down")
	ErrInstanceDead = errors.New("browser instance is dead")
)

// Internal render errors, mapped onto the shared taxonomy before they
// leave the package.
var (
	errNavigateFailed = errors.New("navigation failed")
	errExtractHTML    = errors.New("html extraction failed")
)

// categorizeError maps a raw chromedp failure onto the shared taxonomy so
// the router and metrics see a small, stable set of causes.
func categorizeError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, context.DeadlineExceeded):
		return types.ErrNavigationTimeout
	case errors.Is(err, context.Canceled):
		return types.ErrContextCrash
	case errors.Is(err, errNavigateFailed), errors.Is(err, errExtractHTML):
		return types.ErrProtocolError
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "timeout"), strings.Contains(msg, "deadline"):
		return types.ErrNavigationTimeout
	case strings.Contains(msg, "crash"), strings.Contains(msg, "target closed"),
		strings.Contains(msg, "context canceled"):
		return types.ErrContextCrash
	default:
		return types.ErrProtocolError
	}
}

// ErrorType labels an error for metrics and events.
func ErrorType(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, types.ErrNavigationTimeout):
		return "navigation_timeout"
	case errors.Is(err, types.ErrContextCrash):
		return "context_crash"
	case errors.Is(err, types.ErrDeadlineExceeded):
		return "deadline_exceeded"
	case errors.Is(err, ErrPoolShutdown):
		return "pool_shutdown"
	default:
		return "protocol_error"
	}
}

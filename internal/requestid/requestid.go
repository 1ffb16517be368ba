// Package requestid generates request identifiers for tracing.
package requestid

import (
	"regexp"

	"github.com/google/uuid"
)

// customIDPattern restricts client-supplied IDs to safe characters.
var customIDPattern = regexp.MustCompile(`^[A-Za-z0-9_.-]{1,64}$`)

// Generate returns the custom ID when valid, otherwise a fresh UUID.
// Clients may pass their own ID via the X-Request-ID header to correlate
// logs across hops.
func Generate(customID string) string {
	if customID != "" && customIDPattern.MatchString(customID) {
		return customID
	}
	return uuid.NewString()
}

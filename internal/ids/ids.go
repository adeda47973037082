// Package ids generates the identifiers catalogd hands out: request ids,
// admin lock tokens and default deployment identities.
package ids

import (
	"github.com/google/uuid"
	"github.com/rs/xid"
)

// RequestID returns a time-ordered UUIDv7 used to correlate log lines of one
// HTTP request.
func RequestID() string {
	return uuid.Must(uuid.NewV7()).String()
}

// AdminToken returns a random UUIDv4. Tokens must not leak ordering, so v7 is
// not used here.
func AdminToken() string {
	return uuid.NewString()
}

// DeploymentID returns a globally unique, sortable identity for a process that
// was started without an explicit lock owner.
func DeploymentID() string {
	return "catalogd-" + xid.New().String()
}

package api

import "time"

// Request status strings returned by the request orchestrator.
const (
	RequestStatusQueued      = "REQUEST_QUEUED"
	RequestStatusQueueFailed = "QUEUE_FAILED"
	RequestStatusBusy        = "BUSY"
	RequestStatusUnsupported = "UNSUPPORTED"
	RequestStatusSuspended   = "CONTEXT_SUSPENDED"
	RequestStatusError       = "ERROR"
	RequestStatusSuccess     = "SUCCESS"
)

// Admin envelope status strings.
const (
	AdminStatusSuccess = "SUCCESS"
	AdminStatusPartial = "PARTIAL"
	AdminStatusFailed  = "FAILED"
)

// Admin actions.
const (
	ActionAdminLockAcquire     = "admin_lock_acquire"
	ActionAdminLockRelease     = "admin_lock_release"
	ActionAdminLockStatus      = "admin_lock_status"
	ActionContextGet           = "context_get"
	ActionContextClearQueue    = "context_clear_queue"
	ActionContextResetFailures = "context_reset_failures"
	ActionContextUnsuspend     = "context_unsuspend"
	ActionSettingsGet          = "settings_get"
	ActionSettingsSet          = "settings_set"
)

// Header names used by the admin endpoint.
const (
	HeaderAdminSecret    = "X-Admin-Secret"
	HeaderAdminLockToken = "X-Admin-Lock-Token"
	HeaderRequestID      = "X-Request-Id"
)

// RequestResponse is the envelope returned by job endpoints.
type RequestResponse struct {
	// RequestType is the request kind the caller asked for.
	RequestType string `json:"request_type"`
	// Status is one of the RequestStatus* strings or a pipeline-defined status.
	Status string `json:"status"`
	// Message is a human-readable summary.
	Message string `json:"message"`
	// Extra carries pipeline output. from_queue is set when a queued kind ran
	// in place of the requested one.
	Extra map[string]any `json:"extra,omitempty"`
}

// RootResponse describes the service.
type RootResponse struct {
	Name        string            `json:"name"`
	Description string            `json:"description,omitempty"`
	Version     string            `json:"version,omitempty"`
	Contact     string            `json:"contact,omitempty"`
	Status      string            `json:"status,omitempty"`
	Endpoints   map[string]string `json:"endpoints,omitempty"`
}

// AdminRequest is the body of POST /admin.
type AdminRequest struct {
	Action  string         `json:"action"`
	Payload map[string]any `json:"payload,omitempty"`
}

// AdminResponse is the envelope returned by every admin action.
type AdminResponse struct {
	Action  string         `json:"action"`
	Status  string         `json:"status"`
	Message string         `json:"message"`
	Data    map[string]any `json:"data"`
}

// LockStatus is the public view of a lease.
type LockStatus struct {
	Active     bool       `json:"active"`
	Owner      string     `json:"owner,omitempty"`
	AcquiredAt *time.Time `json:"acquired_at,omitempty"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
}

// StatusDocument is the public busy/idle indicator.
type StatusDocument struct {
	Status    string    `json:"status"`
	UpdatedAt time.Time `json:"updated_at"`
}

// StatusResponse is returned by GET /status.
type StatusResponse struct {
	Status    string     `json:"status"`
	UpdatedAt time.Time  `json:"updated_at"`
	Run       LockStatus `json:"run"`
	Admin     LockStatus `json:"admin"`
}

// SettingResult reports the outcome for one key of settings_set.
type SettingResult struct {
	OK      bool   `json:"ok"`
	Message string `json:"message"`
}

// ErrorResponse is the envelope for transport-level failures such as bad
// JSON or rate limiting.
type ErrorResponse struct {
	// ErrorCode is the stable error identifier.
	ErrorCode string `json:"error"`
	// Detail provides human-readable diagnostic context for the error.
	Detail string `json:"detail,omitempty"`
	// RetryAfterSeconds is the server-provided retry hint in seconds.
	RetryAfterSeconds int64 `json:"retry_after_seconds,omitempty"`
}

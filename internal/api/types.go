package api

import (
	"time"

	"github.com/nvoss/callgate/internal/admission"
	"github.com/nvoss/callgate/internal/ledger"
	"github.com/nvoss/callgate/internal/registry"
)

// Request Types

// AdmitSessionRequest for POST /sessions
type AdmitSessionRequest struct {
	Username string `json:"username" validate:"required"`
	// Optional: the signaling layer's session identifier (e.g. a SIP
	// Call-ID). Generated server-side when not provided.
	SessionID string `json:"session_id,omitempty"`
}

// SetUserLimitRequest for PUT /users/{username}/limit
type SetUserLimitRequest struct {
	Limit int `json:"limit"` // 0 means unlimited
}

// UpdateConfigRequest for PUT /config
type UpdateConfigRequest struct {
	Enabled        bool   `json:"enabled"`
	DefaultLimit   int    `json:"default_limit"`
	OverflowAction string `json:"overflow_action"`
}

// Response Types

// AdmitSessionResponse returned for every admission attempt
type AdmitSessionResponse struct {
	Username         string            `json:"username"`
	SessionID        string            `json:"session_id"`
	Outcome          admission.Outcome `json:"outcome"`
	Reason           admission.Reason  `json:"reason,omitempty"`
	EvictedSessionID string            `json:"evicted_session_id,omitempty"`
}

// UserLimitResponse reports the effective limit and which rule applied
type UserLimitResponse struct {
	Username string               `json:"username"`
	Limit    int                  `json:"limit"`
	Source   registry.LimitSource `json:"source"` // "override" or "default"
}

// ListLimitsResponse returned with all explicit overrides
type ListLimitsResponse struct {
	DefaultLimit int            `json:"default_limit"`
	Overrides    map[string]int `json:"overrides"`
	Count        int            `json:"count"`
}

// ListSessionsResponse returned with active sessions
type ListSessionsResponse struct {
	Sessions []SessionInfo `json:"sessions"`
	Count    int           `json:"count"`
}

// SessionInfo contains summary information about an admitted session
type SessionInfo struct {
	SessionID  string    `json:"session_id"`
	Username   string    `json:"username"`
	AdmittedAt time.Time `json:"admitted_at"`
}

// ConfigResponse for GET /config
type ConfigResponse struct {
	Enabled        bool   `json:"enabled"`
	DefaultLimit   int    `json:"default_limit"`
	OverflowAction string `json:"overflow_action"`
}

// HealthResponse for GET /healthz
type HealthResponse struct {
	Healthy bool   `json:"healthy"`
	Redis   string `json:"redis"`
}

// SuccessResponse for operations that just need success confirmation
type SuccessResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}

// Error Types

// ErrorResponse for all error cases
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail contains error information
type ErrorDetail struct {
	Code    string `json:"code"`    // Machine-readable error code
	Message string `json:"message"` // Human-readable message
}

// Common error codes
const (
	ErrCodeInvalidRequest     = "INVALID_REQUEST"
	ErrCodeInvalidLimit       = "INVALID_LIMIT"
	ErrCodeBackendUnavailable = "BACKEND_UNAVAILABLE"
	ErrCodeInternalError      = "INTERNAL_ERROR"
)

func toSessionInfos(records []ledger.SessionRecord) []SessionInfo {
	infos := make([]SessionInfo, 0, len(records))
	for _, rec := range records {
		infos = append(infos, SessionInfo{
			SessionID:  rec.SessionID,
			Username:   rec.Username,
			AdmittedAt: rec.AdmittedAt,
		})
	}
	return infos
}

package dto

// ErrorResponse represents a standard error response for middleware
// level failures (auth, rate limiting, malformed requests).
type ErrorResponse struct {
	Error   string                 `json:"error"`
	Message string                 `json:"message,omitempty"`
	Code    string                 `json:"code,omitempty"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// DetailResponse wraps the structured detail of execution API errors.
// Detail is either an ErrorDetail or a bare string.
type DetailResponse struct {
	Detail interface{} `json:"detail"`
}

// ErrorDetail is the structured detail carried by execution conflicts
// and not-founds.
type ErrorDetail struct {
	Reason          string  `json:"reason"`
	Message         string  `json:"message"`
	PreviousState   *string `json:"previous_state,omitempty"`
	CurrentHostname string  `json:"current_hostname,omitempty"`
	CurrentPID      *int    `json:"current_pid,omitempty"`
	CurrentState    *string `json:"current_state,omitempty"`
}

// Error detail reasons.
const (
	ReasonNotFound         = "not_found"
	ReasonInvalidState     = "invalid_state"
	ReasonRunningElsewhere = "running_elsewhere"
	ReasonNotRunning       = "not_running"
)

// MessageResponse is a bare confirmation message
type MessageResponse struct {
	Message string `json:"message"`
}

package models

// APIStatus represents the status of an API response.
type APIStatus string

const (
	// APIStatusOK indicates an API request completed successfully.
	APIStatusOK APIStatus = "ok"
	// APIStatusError indicates an API request failed with an error.
	APIStatusError APIStatus = "error"
	// APIStatusAccepted indicates a request was queued for asynchronous processing.
	APIStatusAccepted APIStatus = "accepted"
)

// APIResponse represents a standard API response with a status and optional data.
type APIResponse struct {
	Status  string      `json:"status"`            // status of the API response
	Message string      `json:"message,omitempty"` // optional message for error responses or additional info
	Result  interface{} `json:"result,omitempty"`  // optional result data for successful responses
}

// Success creates a successful API response with optional result data.
func Success(result interface{}) APIResponse {
	return APIResponse{Status: string(APIStatusOK), Result: result}
}

// SuccessWithMessage creates a successful API response with a message and optional result data.
func SuccessWithMessage(message string, result interface{}) APIResponse {
	return APIResponse{Status: string(APIStatusOK), Message: message, Result: result}
}

// Accepted creates a response for work handed off to a background worker.
func Accepted(message string) APIResponse {
	return APIResponse{Status: string(APIStatusAccepted), Message: message}
}

// Error creates an error API response with a message.
func Error(message string) APIResponse {
	return APIResponse{Status: string(APIStatusError), Message: message}
}

// MessageRequest is the payload of the direct message endpoint.
type MessageRequest struct {
	From string `json:"from"`
	Body string `json:"body"`
}

// MessageResult is returned by the direct message endpoint.
type MessageResult struct {
	UserID   string   `json:"user_id"`
	Reply    string   `json:"reply"`
	Severity Severity `json:"severity"`
	IsCrisis bool     `json:"is_crisis"`
	Language string   `json:"language"`
}

// UserUpdate is the payload for updating mutable profile fields.
type UserUpdate struct {
	DisplayName    *string `json:"display_name,omitempty"`
	CheckInEnabled *bool   `json:"check_in_enabled,omitempty"`
}

// Validate checks a UserUpdate payload.
func (u *UserUpdate) Validate() error {
	if u.DisplayName == nil && u.CheckInEnabled == nil {
		return &ValidationError{Field: "update", Err: ErrEmptyUpdate}
	}
	if u.DisplayName != nil && len(*u.DisplayName) > MaxDisplayNameLength {
		return &ValidationError{Field: "display_name", Err: ErrDisplayNameTooLong}
	}
	return nil
}

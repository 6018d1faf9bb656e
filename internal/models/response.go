package models

// APIStatus indicates the outcome of an API request.
type APIStatus string

const (
	// StatusOK indicates a successful API request.
	StatusOK APIStatus = "ok"
	// StatusError indicates a failed API request.
	StatusError APIStatus = "error"
)

// APIResponse is the standard JSON envelope for CallPipe API endpoints.
type APIResponse struct {
	Status  APIStatus   `json:"status"`
	Message string      `json:"message,omitempty"`
	Result  interface{} `json:"result,omitempty"`
}

// Success creates a successful API response with an optional result payload.
func Success(result interface{}) APIResponse {
	return APIResponse{Status: StatusOK, Result: result}
}

// SuccessWithMessage creates a successful API response with a message and result.
func SuccessWithMessage(message string, result interface{}) APIResponse {
	return APIResponse{Status: StatusOK, Message: message, Result: result}
}

// Error creates an error API response with the given message.
func Error(message string) APIResponse {
	return APIResponse{Status: StatusError, Message: message}
}

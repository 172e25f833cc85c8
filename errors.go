package verifykit

import "fmt"

// APIError is returned when a vendor endpoint answers with an unexpected HTTP status.
type APIError struct {
	Message    string
	StatusCode int
}

func NewAPIError(message string, statusCode int) *APIError {
	return &APIError{
		Message:    message,
		StatusCode: statusCode,
	}
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error (status %d): %s", e.StatusCode, e.Message)
}

// VendorError is returned when a vendor reports a terminal failure,
// such as a rejected submission or an explicit error on a result poll.
type VendorError struct {
	Message string
	Code    string
}

func NewVendorError(message, code string) *VendorError {
	return &VendorError{
		Message: message,
		Code:    code,
	}
}

func (e *VendorError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("vendor error: %s: %s", e.Message, e.Code)
	}
	return fmt.Sprintf("vendor error: %s", e.Message)
}

// TimeoutError is returned when a poll loop exhausts its time budget.
type TimeoutError struct {
	Message string
}

func NewTimeoutError(message string) *TimeoutError {
	return &TimeoutError{
		Message: message,
	}
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("timeout: %s", e.Message)
}

// ConnectionError is returned when a vendor cannot be reached or its reply cannot be read.
type ConnectionError struct {
	Message string
	Cause   error
}

func NewConnectionError(message string, cause error) *ConnectionError {
	return &ConnectionError{
		Message: message,
		Cause:   cause,
	}
}

func (e *ConnectionError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("connection error: %s: %v", e.Message, e.Cause)
	}
	return fmt.Sprintf("connection error: %s", e.Message)
}

func (e *ConnectionError) Unwrap() error {
	return e.Cause
}

// ProxyError is returned when a proxy entry is malformed or fails a health check.
type ProxyError struct {
	Message string
	Cause   error
}

func NewProxyError(message string, cause error) *ProxyError {
	return &ProxyError{
		Message: message,
		Cause:   cause,
	}
}

func (e *ProxyError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("proxy error: %s: %v", e.Message, e.Cause)
	}
	return fmt.Sprintf("proxy error: %s", e.Message)
}

func (e *ProxyError) Unwrap() error {
	return e.Cause
}

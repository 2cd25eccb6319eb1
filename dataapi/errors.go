package dataapi

import (
	"errors"
	"fmt"
	"strconv"
)

// Common errors returned by the client. These can be used with errors.Is()
// to check for specific error conditions.
//
// Example:
//
//	_, err := client.GetRecord(ctx, "Contacts", "42")
//	if errors.Is(err, dataapi.ErrAuthUnavailable) {
//	    // No token and no way to get one, call Login first
//	}
var (
	// ErrInvalidConfig is returned when the configuration is invalid
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrAuthUnavailable is returned before any network call when no
	// Authorization header can be produced (no token, or refresh failed)
	ErrAuthUnavailable = errors.New("authentication unavailable")

	// ErrEmptyToken is returned when an empty token is stored
	ErrEmptyToken = errors.New("token cannot be empty")

	// ErrEmptyCredentials is returned when a credential value is empty
	ErrEmptyCredentials = errors.New("credentials cannot be empty")

	// ErrNoCredentials is returned when a refresh is attempted without stored credentials
	ErrNoCredentials = errors.New("no stored credentials")

	// ErrClientClosed is returned when the client has been closed
	ErrClientClosed = errors.New("client is closed")

	// ErrNoRecord is returned by GetRecord when the server answers without data
	ErrNoRecord = errors.New("record not found in response")
)

// Data API message codes the client gives special meaning to.
const (
	// CodeNoRecords is returned by find requests that match nothing
	CodeNoRecords = 401
	// CodeRecordMissing is returned when a record id does not exist
	CodeRecordMissing = 101
	// CodeInvalidToken is returned when the bearer token is unknown or expired
	CodeInvalidToken = 952
)

// ErrorType categorizes errors for handling decisions and metric labels.
//
// Example:
//
//	switch dataapi.TypeOf(err) {
//	case dataapi.ErrorTypeNetwork:
//	    // Connectivity or TLS problem
//	case dataapi.ErrorTypeApplication:
//	    // The server answered with an error message
//	}
type ErrorType int

const (
	// ErrorTypeUnknown represents an unknown or unclassified error
	ErrorTypeUnknown ErrorType = iota
	// ErrorTypeNetwork represents transport errors (connection refused, DNS, TLS, etc.)
	ErrorTypeNetwork
	// ErrorTypeProtocol represents malformed responses (bad status line, non-JSON body)
	ErrorTypeProtocol
	// ErrorTypeApplication represents error messages returned by the server
	ErrorTypeApplication
	// ErrorTypeAuth represents a missing Authorization header
	ErrorTypeAuth
	// ErrorTypeValidation represents invalid input or configuration
	ErrorTypeValidation
)

// String returns the string representation of the error type
func (et ErrorType) String() string {
	switch et {
	case ErrorTypeNetwork:
		return "network"
	case ErrorTypeProtocol:
		return "protocol"
	case ErrorTypeApplication:
		return "application"
	case ErrorTypeAuth:
		return "auth"
	case ErrorTypeValidation:
		return "validation"
	default:
		return "unknown"
	}
}

// APIError represents an error response from the Data API.
// Code is the Data API message code when the server sent one, otherwise
// the HTTP status code rendered as a string.
//
// Example:
//
//	var apiErr *dataapi.APIError
//	if errors.As(err, &apiErr) {
//	    log.Printf("server said %s (code %s, HTTP %d)", apiErr.Message, apiErr.Code, apiErr.StatusCode)
//	}
type APIError struct {
	// StatusCode is the HTTP status code from the response
	StatusCode int `json:"-"`
	// Code is the Data API message code
	Code string `json:"code"`
	// Message is the error message from the server
	Message string `json:"message"`
}

// Error implements the error interface
func (e *APIError) Error() string {
	return fmt.Sprintf("API error (status %d, code %s): %s", e.StatusCode, e.Code, e.Message)
}

// CodeNumber returns Code as an integer, or -1 when it is not numeric
func (e *APIError) CodeNumber() int {
	n, err := strconv.Atoi(e.Code)
	if err != nil {
		return -1
	}
	return n
}

// IsNoRecords returns true if the server reported an empty found set
func (e *APIError) IsNoRecords() bool {
	return e.CodeNumber() == CodeNoRecords
}

// IsInvalidToken returns true if the server rejected the bearer token
func (e *APIError) IsInvalidToken() bool {
	return e.CodeNumber() == CodeInvalidToken
}

// NetworkError represents a transport failure such as connection refused,
// DNS resolution failure or a TLS handshake error.
//
// Example:
//
//	var netErr *dataapi.NetworkError
//	if errors.As(err, &netErr) {
//	    log.Printf("Network error during %s: %v", netErr.Op, netErr.Err)
//	}
type NetworkError struct {
	// Op is the operation that failed (e.g. "POST /vLatest/databases/Demo/sessions")
	Op string
	// Err is the underlying error
	Err error
}

// Error implements the error interface
func (e *NetworkError) Error() string {
	return fmt.Sprintf("network error during %s: %v", e.Op, e.Err)
}

// Unwrap returns the underlying error
func (e *NetworkError) Unwrap() error {
	return e.Err
}

// ProtocolError represents a response that could not be normalized:
// a missing or malformed status line, or a body that is not JSON.
type ProtocolError struct {
	// Reason describes what was wrong with the response
	Reason string
	// Err is the underlying parse error, if any
	Err error
}

// Error implements the error interface
func (e *ProtocolError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("protocol error: %s: %v", e.Reason, e.Err)
	}
	return "protocol error: " + e.Reason
}

// Unwrap returns the underlying error
func (e *ProtocolError) Unwrap() error {
	return e.Err
}

// TypeOf classifies err. It returns ErrorTypeUnknown for nil.
func TypeOf(err error) ErrorType {
	if err == nil {
		return ErrorTypeUnknown
	}
	var apiErr *APIError
	var netErr *NetworkError
	var protoErr *ProtocolError
	switch {
	case errors.Is(err, ErrAuthUnavailable):
		return ErrorTypeAuth
	case errors.As(err, &apiErr):
		return ErrorTypeApplication
	case errors.As(err, &protoErr):
		return ErrorTypeProtocol
	case errors.As(err, &netErr):
		return ErrorTypeNetwork
	case errors.Is(err, ErrInvalidConfig), errors.Is(err, ErrEmptyToken), errors.Is(err, ErrEmptyCredentials):
		return ErrorTypeValidation
	}
	return ErrorTypeUnknown
}

// CodeOf returns the Data API message code carried by err.
// The second return value is false when err is not an *APIError.
//
// Example:
//
//	if code, ok := dataapi.CodeOf(err); ok && code == dataapi.CodeRecordMissing {
//	    // Record was deleted by someone else
//	}
func CodeOf(err error) (int, bool) {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.CodeNumber(), true
	}
	return 0, false
}

// IsNoRecords reports whether err is the "no records match the request" error
func IsNoRecords(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.IsNoRecords()
}

// IsTokenExpired reports whether err is the invalid/expired token error
func IsTokenExpired(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.IsInvalidToken()
}

// IsAuthUnavailable reports whether err means no Authorization header could be built
func IsAuthUnavailable(err error) bool {
	return errors.Is(err, ErrAuthUnavailable)
}

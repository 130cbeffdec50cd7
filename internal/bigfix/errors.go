package bigfix

import (
	"fmt"
	"net/http"
)

// ConnectionError reports a transport-level failure reaching the server.
type ConnectionError struct {
	Op  string
	URL string
	Err error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connection error: %s %s: %v", e.Op, e.URL, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// AuthenticationError reports credentials rejected by the server.
type AuthenticationError struct {
	URL    string
	Status int
}

func (e *AuthenticationError) Error() string {
	return fmt.Sprintf("authentication failed: %s returned %d %s", e.URL, e.Status, http.StatusText(e.Status))
}

// APIError reports a non-2xx response to a specific call.
type APIError struct {
	Method string
	URL    string
	Status int
	Reason string
	// Body holds at most the first few hundred bytes of the response.
	Body string
}

func (e *APIError) Error() string {
	msg := fmt.Sprintf("API error: %s %s returned %d %s", e.Method, e.URL, e.Status, e.Reason)
	if e.Body != "" {
		msg += ": " + e.Body
	}
	return msg
}

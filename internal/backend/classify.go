package backend

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// ErrorKind is the typed outcome class for a backend call. Phase logic branches
// on kinds only; all payload inspection happens here at the client boundary.
type ErrorKind string

const (
	// KindConflict marks a username or display name already taken remotely.
	KindConflict ErrorKind = "CONFLICT"
	// KindOverloaded marks a 503 from the backend; waited out, not failed fast.
	KindOverloaded ErrorKind = "OVERLOADED"
	// KindUnauthorized marks a rejected or expired token.
	KindUnauthorized ErrorKind = "UNAUTHORIZED"
	// KindInvalid marks a permanent validation rejection.
	KindInvalid ErrorKind = "INVALID"
	// KindNotFound marks a missing remote resource.
	KindNotFound ErrorKind = "NOT_FOUND"
	// KindTransient marks a retryable failure (network blip, other 5xx).
	KindTransient ErrorKind = "TRANSIENT"
	// KindExhausted marks a disambiguation search that hit its attempt cap.
	KindExhausted ErrorKind = "EXHAUSTED"
)

// Error is a classified backend failure.
type Error struct {
	Kind    ErrorKind
	Status  int
	Message string
}

func (e *Error) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("backend: %s (status %d)", e.Kind, e.Status)
	}
	return fmt.Sprintf("backend: %s (status %d): %s", e.Kind, e.Status, e.Message)
}

// KindOf extracts the kind from any error chain. Unclassified errors (socket
// failures, decode failures) are treated as transient.
func KindOf(err error) ErrorKind {
	var be *Error
	if errors.As(err, &be) {
		return be.Kind
	}
	return KindTransient
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind ErrorKind) bool {
	return err != nil && KindOf(err) == kind
}

// conflictMarkers are the substrings the backend embeds in otherwise generic
// payloads to signal a name-exists condition. Both the english and the
// localised variants appear in the wild.
var conflictMarkers = []string{
	"already exist",
	"IsExisted",
	"đã tồn tại",
}

// envelope covers the shapes the backend uses to report outcomes: sometimes a
// message field, sometimes a bare success boolean, sometimes both.
type envelope struct {
	Success   *bool           `json:"success"`
	IsValid   *bool           `json:"isValid"`
	Message   string          `json:"message"`
	Err       json.RawMessage `json:"error"`
	ErrorCode string          `json:"errorCode"`
}

// classify maps an HTTP status and response body onto a typed outcome. A nil
// return means the call succeeded. The backend signals failure inconsistently
// (417 with a message, 200 with a boolean body, conflict markers inside JSON),
// so both status and payload are inspected.
func classify(status int, body []byte) error {
	switch {
	case status == http.StatusServiceUnavailable:
		return &Error{Kind: KindOverloaded, Status: status, Message: bodyMessage(body)}
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return &Error{Kind: KindUnauthorized, Status: status, Message: bodyMessage(body)}
	case status == http.StatusNotFound:
		return &Error{Kind: KindNotFound, Status: status, Message: bodyMessage(body)}
	case status >= http.StatusInternalServerError:
		return &Error{Kind: KindTransient, Status: status, Message: bodyMessage(body)}
	}

	msg := bodyMessage(body)
	if hasConflictMarker(msg) || hasConflictMarker(string(body)) {
		return &Error{Kind: KindConflict, Status: status, Message: msg}
	}

	if status >= http.StatusBadRequest {
		return &Error{Kind: KindInvalid, Status: status, Message: msg}
	}

	// 2xx with an explicit negative verdict in the body.
	var env envelope
	if err := json.Unmarshal(body, &env); err == nil {
		if env.Success != nil && !*env.Success {
			return &Error{Kind: KindInvalid, Status: status, Message: msg}
		}
		if env.IsValid != nil && !*env.IsValid {
			return &Error{Kind: KindInvalid, Status: status, Message: msg}
		}
	}
	if trimmed := strings.TrimSpace(string(body)); trimmed == "false" || trimmed == `"false"` {
		return &Error{Kind: KindInvalid, Status: status}
	}

	return nil
}

func hasConflictMarker(s string) bool {
	lowered := strings.ToLower(s)
	for _, marker := range conflictMarkers {
		if strings.Contains(lowered, strings.ToLower(marker)) {
			return true
		}
	}
	return false
}

func bodyMessage(body []byte) string {
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return strings.TrimSpace(string(body))
	}
	if env.Message != "" {
		return env.Message
	}
	if len(env.Err) > 0 {
		var nested string
		if err := json.Unmarshal(env.Err, &nested); err == nil {
			return nested
		}
		return string(env.Err)
	}
	if env.ErrorCode != "" {
		return env.ErrorCode
	}
	return ""
}

package matrix

import (
	"errors"
	"fmt"
	"net/http"
)

// APIError is a non-2xx response from the homeserver.
type APIError struct {
	StatusCode int
	Code       string `json:"errcode"`
	Message    string `json:"error"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("homeserver %d %s: %s", e.StatusCode, e.Code, e.Message)
}

// IsNotFound reports whether err is the homeserver saying the target (alias,
// room, profile) does not exist.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

// IsConflict reports whether err is a uniqueness rejection, e.g. a room
// alias already claimed by a concurrent creation.
func IsConflict(err error) bool {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	return apiErr.StatusCode == http.StatusConflict || apiErr.Code == "M_ROOM_IN_USE"
}
